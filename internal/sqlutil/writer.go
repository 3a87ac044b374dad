// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"errors"
	"sync"
)

// The Writer interface serialises database writes. SQLite does not tolerate
// concurrent writers, so everything that mutates the database goes through
// a single writer goroutine. If a *sql.DB is supplied and no transaction is
// in progress, the writer opens one around the function.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}

// ExclusiveWriter implements Writer using a mutex, guaranteeing that only
// one write can be in progress at a time.
type ExclusiveWriter struct {
	running sync.Mutex
}

func NewExclusiveWriter() Writer {
	return &ExclusiveWriter{}
}

// Do queues a database write task. If the database parameter is non-nil and
// the transaction parameter is nil then the task is wrapped in a new
// transaction, otherwise the supplied transaction (possibly nil for
// non-transactional work) is passed through unchanged.
func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if f == nil {
		return errors.New("sqlutil: no task provided")
	}
	w.running.Lock()
	defer w.running.Unlock()
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	}
	return f(txn)
}

// DummyWriter implements Writer but provides no actual serialisation or
// transactional guarantees. It is used with database engines (or in-memory
// fakes in tests) that do their own write management.
type DummyWriter struct{}

func NewDummyWriter() Writer {
	return &DummyWriter{}
}

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	}
	return f(txn)
}
