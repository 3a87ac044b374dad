// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Open opens the SQLite database at the given DSN. The connection pool is
// restricted to a single connection because SQLite handles concurrent
// writers poorly; all writes should additionally go through a Writer.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// A Transaction is something that can be committed or rolled back.
type Transaction interface {
	Commit() error
	Rollback() error
}

// EndTransaction ends a transaction. If the transaction succeeded then it is
// committed, otherwise it is rolled back.
func EndTransaction(txn Transaction, succeeded *bool) error {
	if *succeeded {
		return txn.Commit()
	}
	return txn.Rollback()
}

// EndTransactionWithCheck ends a transaction and overwrites the error
// pointer if its value was nil.
func EndTransactionWithCheck(txn Transaction, succeeded *bool, err *error) {
	if e := EndTransaction(txn, succeeded); e != nil && *err == nil {
		*err = e
	}
}

// WithTransaction runs a block of code passing in an SQL transaction. If the
// code returns an error or panics then the transaction is rolled back.
// Otherwise the transaction is committed.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil.WithTransaction.Begin: %w", err)
	}
	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback() // nolint: errcheck
			panic(r)
		}
		EndTransactionWithCheck(txn, &succeeded, &err)
	}()

	err = fn(txn)
	if err != nil {
		return
	}

	succeeded = true
	return
}

// TxStmt wraps an SQL stmt inside an optional transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// CloseAndLogIfError closes io and logs the error if non-nil.
func CloseAndLogIfError(io interface{ Close() error }, message string) {
	if io == nil {
		return
	}
	err := io.Close()
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		logrus.WithError(err).WithField("location", fmt.Sprintf("%s:%d", file, line)).Error(message)
	}
}

// StatementList is a list of SQL statements to prepare and a pointer to where
// to store the resulting prepared statement.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to
// the given pointer.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return fmt.Errorf("error %q while preparing statement: %s", err, statement.SQL)
		}
	}
	return
}
