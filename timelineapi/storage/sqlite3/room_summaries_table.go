// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/cambium/internal/sqlutil"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
)

const roomSummariesSchema = `
CREATE TABLE IF NOT EXISTS room_summaries (
	room_id TEXT PRIMARY KEY,
	latest_previewable_event_id TEXT NOT NULL DEFAULT '',
	live_chunk_id INTEGER
);
`

const upsertRoomSummarySQL = `
	INSERT INTO room_summaries (room_id, latest_previewable_event_id, live_chunk_id)
	VALUES ($1, $2, $3)
	ON CONFLICT (room_id) DO UPDATE SET latest_previewable_event_id = $2, live_chunk_id = $3
`

const selectRoomSummarySQL = `
	SELECT room_id, latest_previewable_event_id, live_chunk_id
	FROM room_summaries WHERE room_id = $1
`

type roomSummariesStatements struct {
	db                    *sql.DB
	upsertRoomSummaryStmt *sql.Stmt
	selectRoomSummaryStmt *sql.Stmt
}

func NewSqliteRoomSummariesTable(db *sql.DB) (tables.RoomSummaries, error) {
	s := &roomSummariesStatements{db: db}
	if _, err := db.Exec(roomSummariesSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertRoomSummaryStmt, upsertRoomSummarySQL},
		{&s.selectRoomSummaryStmt, selectRoomSummarySQL},
	}.Prepare(db)
}

func (s *roomSummariesStatements) UpsertRoomSummary(
	ctx context.Context, txn *sql.Tx, row *tables.RoomSummaryRow,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertRoomSummaryStmt)
	_, err := stmt.ExecContext(ctx, row.RoomID, row.LatestPreviewableEventID, row.LiveChunkID)
	return err
}

func (s *roomSummariesStatements) SelectRoomSummary(
	ctx context.Context, txn *sql.Tx, roomID string,
) (*tables.RoomSummaryRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomSummaryStmt)
	var row tables.RoomSummaryRow
	err := stmt.QueryRowContext(ctx, roomID).Scan(&row.RoomID, &row.LatestPreviewableEventID, &row.LiveChunkID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

var _ tables.RoomSummaries = &roomSummariesStatements{}
