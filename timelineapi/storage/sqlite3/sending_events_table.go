// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/element-hq/cambium/internal/sqlutil"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

const sendingEventsSchema = `
CREATE TABLE IF NOT EXISTS sending_events (
	room_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	event_json TEXT NOT NULL,
	send_state TEXT NOT NULL,
	inserted_ts INTEGER NOT NULL,
	UNIQUE (room_id, transaction_id)
);
`

const insertSendingEventSQL = `
	INSERT INTO sending_events (room_id, transaction_id, event_json, send_state, inserted_ts)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (room_id, transaction_id) DO UPDATE SET event_json = $3, send_state = $4
`

const selectSendingEventsSQL = `
	SELECT room_id, transaction_id, event_json, send_state, inserted_ts
	FROM sending_events WHERE room_id = $1 ORDER BY inserted_ts DESC
`

const updateSendingEventStateSQL = `
	UPDATE sending_events SET send_state = $3 WHERE room_id = $1 AND transaction_id = $2
`

const deleteSendingEventSQL = `
	DELETE FROM sending_events WHERE room_id = $1 AND transaction_id = $2
`

type sendingEventsStatements struct {
	db                          *sql.DB
	insertSendingEventStmt      *sql.Stmt
	selectSendingEventsStmt     *sql.Stmt
	updateSendingEventStateStmt *sql.Stmt
	deleteSendingEventStmt      *sql.Stmt
}

func NewSqliteSendingEventsTable(db *sql.DB) (tables.SendingEvents, error) {
	s := &sendingEventsStatements{db: db}
	if _, err := db.Exec(sendingEventsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertSendingEventStmt, insertSendingEventSQL},
		{&s.selectSendingEventsStmt, selectSendingEventsSQL},
		{&s.updateSendingEventStateStmt, updateSendingEventStateSQL},
		{&s.deleteSendingEventStmt, deleteSendingEventSQL},
	}.Prepare(db)
}

func (s *sendingEventsStatements) InsertSendingEvent(
	ctx context.Context, txn *sql.Tx, row *tables.SendingEventRow,
) error {
	eventJSON, err := json.Marshal(row.Event)
	if err != nil {
		return errors.Wrap(err, "InsertSendingEvent: marshal event")
	}
	stmt := sqlutil.TxStmt(txn, s.insertSendingEventStmt)
	_, err = stmt.ExecContext(ctx, row.RoomID, row.TransactionID, string(eventJSON), string(row.SendState), row.InsertedTS)
	return err
}

func (s *sendingEventsStatements) SelectSendingEvents(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]tables.SendingEventRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectSendingEventsStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectSendingEvents: rows.Close() failed")
	var result []tables.SendingEventRow
	for rows.Next() {
		var r tables.SendingEventRow
		var eventJSON, sendState string
		if err = rows.Scan(&r.RoomID, &r.TransactionID, &eventJSON, &sendState, &r.InsertedTS); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(eventJSON), &r.Event); err != nil {
			return nil, errors.Wrapf(err, "corrupt sending event %s", r.TransactionID)
		}
		r.SendState = types.SendState(sendState)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *sendingEventsStatements) UpdateSendingEventState(
	ctx context.Context, txn *sql.Tx, roomID, transactionID string, state types.SendState,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateSendingEventStateStmt)
	_, err := stmt.ExecContext(ctx, roomID, transactionID, string(state))
	return err
}

func (s *sendingEventsStatements) DeleteSendingEvent(
	ctx context.Context, txn *sql.Tx, roomID, transactionID string,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteSendingEventStmt)
	_, err := stmt.ExecContext(ctx, roomID, transactionID)
	return err
}

var _ tables.SendingEvents = &sendingEventsStatements{}
