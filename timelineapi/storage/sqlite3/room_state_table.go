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

const roomStateSchema = `
CREATE TABLE IF NOT EXISTS room_member_state (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT,
	avatar_url TEXT,
	UNIQUE (room_id, user_id)
);
`

const upsertMemberContentSQL = `
	INSERT INTO room_member_state (room_id, user_id, display_name, avatar_url)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (room_id, user_id) DO UPDATE SET display_name = $3, avatar_url = $4
`

const selectMemberContentSQL = `
	SELECT display_name, avatar_url FROM room_member_state
	WHERE room_id = $1 AND user_id = $2
`

type roomStateStatements struct {
	db                      *sql.DB
	upsertMemberContentStmt *sql.Stmt
	selectMemberContentStmt *sql.Stmt
}

func NewSqliteRoomStateTable(db *sql.DB) (tables.RoomState, error) {
	s := &roomStateStatements{db: db}
	if _, err := db.Exec(roomStateSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertMemberContentStmt, upsertMemberContentSQL},
		{&s.selectMemberContentStmt, selectMemberContentSQL},
	}.Prepare(db)
}

func (s *roomStateStatements) UpsertMemberContent(
	ctx context.Context, txn *sql.Tx, roomID, userID string, displayName, avatarURL *string,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertMemberContentStmt)
	_, err := stmt.ExecContext(ctx, roomID, userID, displayName, avatarURL)
	return err
}

func (s *roomStateStatements) SelectMemberContent(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) (displayName, avatarURL *string, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectMemberContentStmt)
	err = stmt.QueryRowContext(ctx, roomID, userID).Scan(&displayName, &avatarURL)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	return
}

var _ tables.RoomState = &roomStateStatements{}
