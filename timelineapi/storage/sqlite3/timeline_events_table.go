// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/element-hq/cambium/internal/sqlutil"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

const timelineEventsSchema = `
CREATE TABLE IF NOT EXISTS timeline_events (
	room_id TEXT NOT NULL,
	chunk_id INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	display_index INTEGER NOT NULL,
	event_json TEXT NOT NULL,
	sender_name TEXT,
	sender_avatar TEXT,
	decryption_result TEXT,
	decryption_error_code TEXT,
	decryption_error_reason TEXT,
	send_state TEXT NOT NULL DEFAULT 'synced',
	thread_root_id TEXT,
	annotations TEXT,
	UNIQUE (room_id, event_id)
);

CREATE INDEX IF NOT EXISTS timeline_events_chunk_idx
	ON timeline_events(chunk_id, display_index);
CREATE INDEX IF NOT EXISTS timeline_events_room_idx
	ON timeline_events(room_id, display_index);
`

const timelineEventColumns = `
	room_id, chunk_id, event_id, display_index, event_json, sender_name, sender_avatar,
	decryption_result, decryption_error_code, decryption_error_reason,
	send_state, thread_root_id, annotations
`

const insertTimelineEventSQL = `
	INSERT INTO timeline_events (` + timelineEventColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

const selectEventSQL = `
	SELECT ` + timelineEventColumns + ` FROM timeline_events
	WHERE room_id = $1 AND event_id = $2
`

const selectEventsForwardsSQL = `
	SELECT ` + timelineEventColumns + ` FROM timeline_events
	WHERE chunk_id = $1 AND display_index >= $2
	ORDER BY display_index ASC LIMIT $3
`

const selectEventsBackwardsSQL = `
	SELECT ` + timelineEventColumns + ` FROM timeline_events
	WHERE chunk_id = $1 AND display_index <= $2
	ORDER BY display_index DESC LIMIT $3
`

const selectEventsForChunkSQL = `
	SELECT ` + timelineEventColumns + ` FROM timeline_events
	WHERE chunk_id = $1 ORDER BY display_index ASC
`

const selectDisplayIndexRangeSQL = `
	SELECT COALESCE(MIN(display_index), 0), COALESCE(MAX(display_index), 0), COUNT(*)
	FROM timeline_events WHERE chunk_id = $1
`

const selectLatestEventIDSQL = `
	SELECT event_id FROM timeline_events
	WHERE room_id = $1 ORDER BY display_index DESC LIMIT 1
`

const updateDecryptionResultSQL = `
	UPDATE timeline_events
	SET decryption_result = $3, decryption_error_code = NULL, decryption_error_reason = NULL
	WHERE room_id = $1 AND event_id = $2
`

const updateDecryptionErrorSQL = `
	UPDATE timeline_events SET decryption_error_code = $3, decryption_error_reason = $4
	WHERE room_id = $1 AND event_id = $2
`

const updateThreadRootSQL = `
	UPDATE timeline_events SET thread_root_id = $3 WHERE room_id = $1 AND event_id = $2
`

const updateAnnotationsSQL = `
	UPDATE timeline_events SET annotations = $3 WHERE room_id = $1 AND event_id = $2
`

const deleteEventsForChunkSQL = `
	DELETE FROM timeline_events WHERE chunk_id = $1
`

type timelineEventsStatements struct {
	db                          *sql.DB
	insertTimelineEventStmt     *sql.Stmt
	selectEventStmt             *sql.Stmt
	selectEventsForwardsStmt    *sql.Stmt
	selectEventsBackwardsStmt   *sql.Stmt
	selectEventsForChunkStmt    *sql.Stmt
	selectDisplayIndexRangeStmt *sql.Stmt
	selectLatestEventIDStmt     *sql.Stmt
	updateDecryptionResultStmt  *sql.Stmt
	updateDecryptionErrorStmt   *sql.Stmt
	updateThreadRootStmt        *sql.Stmt
	updateAnnotationsStmt       *sql.Stmt
	deleteEventsForChunkStmt    *sql.Stmt
}

func NewSqliteTimelineEventsTable(db *sql.DB) (tables.TimelineEvents, error) {
	s := &timelineEventsStatements{db: db}
	if _, err := db.Exec(timelineEventsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertTimelineEventStmt, insertTimelineEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.selectEventsForwardsStmt, selectEventsForwardsSQL},
		{&s.selectEventsBackwardsStmt, selectEventsBackwardsSQL},
		{&s.selectEventsForChunkStmt, selectEventsForChunkSQL},
		{&s.selectDisplayIndexRangeStmt, selectDisplayIndexRangeSQL},
		{&s.selectLatestEventIDStmt, selectLatestEventIDSQL},
		{&s.updateDecryptionResultStmt, updateDecryptionResultSQL},
		{&s.updateDecryptionErrorStmt, updateDecryptionErrorSQL},
		{&s.updateThreadRootStmt, updateThreadRootSQL},
		{&s.updateAnnotationsStmt, updateAnnotationsSQL},
		{&s.deleteEventsForChunkStmt, deleteEventsForChunkSQL},
	}.Prepare(db)
}

func scanTimelineEvent(row interface{ Scan(...interface{}) error }) (*tables.TimelineEventRow, error) {
	var r tables.TimelineEventRow
	var eventJSON, decryptionResult, annotations sql.NullString
	var sendState string
	err := row.Scan(
		&r.RoomID, &r.ChunkID, &r.EventID, &r.DisplayIndex, &eventJSON,
		&r.SenderName, &r.SenderAvatar,
		&decryptionResult, &r.DecryptionErrorCode, &r.DecryptionErrorReason,
		&sendState, &r.ThreadRootID, &annotations,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(eventJSON.String), &r.Event); err != nil {
		return nil, errors.Wrapf(err, "corrupt event %s", r.EventID)
	}
	if decryptionResult.Valid {
		r.DecryptionResultJSON = []byte(decryptionResult.String)
	}
	if annotations.Valid {
		r.AnnotationsJSON = []byte(annotations.String)
	}
	r.SendState = types.SendState(sendState)
	return &r, nil
}

func (s *timelineEventsStatements) InsertTimelineEvent(
	ctx context.Context, txn *sql.Tx, row *tables.TimelineEventRow,
) error {
	eventJSON, err := json.Marshal(row.Event)
	if err != nil {
		return errors.Wrap(err, "InsertTimelineEvent: marshal event")
	}
	sendState := row.SendState
	if sendState == "" {
		sendState = types.SendStateSynced
	}
	stmt := sqlutil.TxStmt(txn, s.insertTimelineEventStmt)
	_, err = stmt.ExecContext(ctx,
		row.RoomID, row.ChunkID, row.EventID, row.DisplayIndex, string(eventJSON),
		row.SenderName, row.SenderAvatar,
		nullableBytes(row.DecryptionResultJSON), row.DecryptionErrorCode, row.DecryptionErrorReason,
		string(sendState), row.ThreadRootID, nullableBytes(row.AnnotationsJSON),
	)
	return err
}

func (s *timelineEventsStatements) SelectEvent(
	ctx context.Context, txn *sql.Tx, roomID, eventID string,
) (*tables.TimelineEventRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventStmt)
	return scanTimelineEvent(stmt.QueryRowContext(ctx, roomID, eventID))
}

func (s *timelineEventsStatements) SelectEventsInRange(
	ctx context.Context, txn *sql.Tx, chunkID, fromDisplayIndex int64, dir types.Direction, limit int,
) ([]tables.TimelineEventRow, error) {
	var stmt *sql.Stmt
	if dir == types.DirectionForwards {
		stmt = sqlutil.TxStmt(txn, s.selectEventsForwardsStmt)
	} else {
		stmt = sqlutil.TxStmt(txn, s.selectEventsBackwardsStmt)
	}
	rows, err := stmt.QueryContext(ctx, chunkID, fromDisplayIndex, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectEventsInRange: rows.Close() failed")
	return scanTimelineEvents(rows)
}

func (s *timelineEventsStatements) SelectEventsForChunk(
	ctx context.Context, txn *sql.Tx, chunkID int64,
) ([]tables.TimelineEventRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventsForChunkStmt)
	rows, err := stmt.QueryContext(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectEventsForChunk: rows.Close() failed")
	return scanTimelineEvents(rows)
}

func scanTimelineEvents(rows *sql.Rows) ([]tables.TimelineEventRow, error) {
	var result []tables.TimelineEventRow
	for rows.Next() {
		r, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (s *timelineEventsStatements) SelectDisplayIndexRange(
	ctx context.Context, txn *sql.Tx, chunkID int64,
) (min, max int64, count int, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectDisplayIndexRangeStmt)
	err = stmt.QueryRowContext(ctx, chunkID).Scan(&min, &max, &count)
	return
}

// SelectChunkIDsForEventIDs uses a dynamically built IN clause since SQLite
// prepared statements cannot take array parameters.
func (s *timelineEventsStatements) SelectChunkIDsForEventIDs(
	ctx context.Context, txn *sql.Tx, roomID string, eventIDs []string,
) ([]int64, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	query := "SELECT DISTINCT chunk_id FROM timeline_events WHERE room_id = $1 AND event_id IN (" +
		strings.Repeat("?,", len(eventIDs)-1) + "?) ORDER BY chunk_id"
	params := make([]interface{}, 0, len(eventIDs)+1)
	params = append(params, roomID)
	for _, id := range eventIDs {
		params = append(params, id)
	}
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, params...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, params...)
	}
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectChunkIDsForEventIDs: rows.Close() failed")
	var chunkIDs []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		chunkIDs = append(chunkIDs, id)
	}
	return chunkIDs, rows.Err()
}

func (s *timelineEventsStatements) SelectLatestEventID(
	ctx context.Context, txn *sql.Tx, roomID string,
) (string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectLatestEventIDStmt)
	var eventID string
	err := stmt.QueryRowContext(ctx, roomID).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return eventID, err
}

func (s *timelineEventsStatements) UpdateDecryptionResult(
	ctx context.Context, txn *sql.Tx, roomID, eventID string, resultJSON []byte,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateDecryptionResultStmt)
	_, err := stmt.ExecContext(ctx, roomID, eventID, string(resultJSON))
	return err
}

func (s *timelineEventsStatements) UpdateDecryptionError(
	ctx context.Context, txn *sql.Tx, roomID, eventID, code, reason string,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateDecryptionErrorStmt)
	_, err := stmt.ExecContext(ctx, roomID, eventID, code, reason)
	return err
}

func (s *timelineEventsStatements) UpdateThreadRoot(
	ctx context.Context, txn *sql.Tx, roomID, eventID, threadRootID string,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateThreadRootStmt)
	_, err := stmt.ExecContext(ctx, roomID, eventID, threadRootID)
	return err
}

func (s *timelineEventsStatements) UpdateAnnotations(
	ctx context.Context, txn *sql.Tx, roomID, eventID string, annotationsJSON []byte,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateAnnotationsStmt)
	_, err := stmt.ExecContext(ctx, roomID, eventID, nullableBytes(annotationsJSON))
	return err
}

func (s *timelineEventsStatements) DeleteEventsForChunk(
	ctx context.Context, txn *sql.Tx, chunkID int64,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteEventsForChunkStmt)
	_, err := stmt.ExecContext(ctx, chunkID)
	return err
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ tables.TimelineEvents = &timelineEventsStatements{}
