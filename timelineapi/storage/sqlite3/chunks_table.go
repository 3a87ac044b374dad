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
	"github.com/element-hq/cambium/timelineapi/types"
)

const chunksSchema = `
CREATE TABLE IF NOT EXISTS timeline_chunks (
	chunk_id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	prev_token TEXT,
	next_token TEXT,
	prev_chunk_id INTEGER,
	next_chunk_id INTEGER,
	is_last_forward BOOLEAN NOT NULL DEFAULT 0,
	is_last_backward BOOLEAN NOT NULL DEFAULT 0,
	root_thread_event_id TEXT,
	is_last_forward_thread BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS timeline_chunks_room_idx ON timeline_chunks(room_id);
CREATE INDEX IF NOT EXISTS timeline_chunks_prev_token_idx ON timeline_chunks(room_id, prev_token);
CREATE INDEX IF NOT EXISTS timeline_chunks_next_token_idx ON timeline_chunks(room_id, next_token);
`

const chunkColumns = `
	chunk_id, room_id, prev_token, next_token, prev_chunk_id, next_chunk_id,
	is_last_forward, is_last_backward, root_thread_event_id, is_last_forward_thread
`

const insertChunkSQL = `
	INSERT INTO timeline_chunks
		(room_id, prev_token, next_token, prev_chunk_id, next_chunk_id,
		 is_last_forward, is_last_backward, root_thread_event_id, is_last_forward_thread)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING chunk_id
`

const selectChunkByIDSQL = `
	SELECT ` + chunkColumns + ` FROM timeline_chunks WHERE chunk_id = $1
`

const selectChunkByNextTokenSQL = `
	SELECT ` + chunkColumns + ` FROM timeline_chunks
	WHERE room_id = $1 AND next_token = $2
	ORDER BY chunk_id DESC LIMIT 1
`

const selectChunkByPrevTokenSQL = `
	SELECT ` + chunkColumns + ` FROM timeline_chunks
	WHERE room_id = $1 AND prev_token = $2
	ORDER BY chunk_id DESC LIMIT 1
`

const selectLastForwardChunkSQL = `
	SELECT ` + chunkColumns + ` FROM timeline_chunks
	WHERE room_id = $1 AND root_thread_event_id IS NULL AND is_last_forward = 1
	ORDER BY chunk_id DESC LIMIT 1
`

const selectLastForwardThreadChunkSQL = `
	SELECT ` + chunkColumns + ` FROM timeline_chunks
	WHERE room_id = $1 AND root_thread_event_id = $2 AND is_last_forward_thread = 1
	ORDER BY chunk_id DESC LIMIT 1
`

const selectChunksForRoomSQL = `
	SELECT ` + chunkColumns + ` FROM timeline_chunks WHERE room_id = $1 ORDER BY chunk_id
`

const updateChunkTokensSQL = `
	UPDATE timeline_chunks SET prev_token = $2, next_token = $3 WHERE chunk_id = $1
`

const updateChunkEdgesSQL = `
	UPDATE timeline_chunks SET is_last_forward = $2, is_last_backward = $3,
		is_last_forward_thread = CASE WHEN root_thread_event_id IS NULL THEN 0 ELSE $2 END
	WHERE chunk_id = $1
`

const updateChunkLinksSQL = `
	UPDATE timeline_chunks SET prev_chunk_id = $2, next_chunk_id = $3 WHERE chunk_id = $1
`

const repointNextLinkSQL = `
	UPDATE timeline_chunks SET next_chunk_id = $2 WHERE next_chunk_id = $1
`

const repointPrevLinkSQL = `
	UPDATE timeline_chunks SET prev_chunk_id = $2 WHERE prev_chunk_id = $1
`

const deleteChunkSQL = `
	DELETE FROM timeline_chunks WHERE chunk_id = $1
`

const deleteThreadChunksSQL = `
	DELETE FROM timeline_chunks WHERE room_id = $1 AND root_thread_event_id = $2
`

type chunksStatements struct {
	db                               *sql.DB
	insertChunkStmt                  *sql.Stmt
	selectChunkByIDStmt              *sql.Stmt
	selectChunkByNextTokenStmt       *sql.Stmt
	selectChunkByPrevTokenStmt       *sql.Stmt
	selectLastForwardChunkStmt       *sql.Stmt
	selectLastForwardThreadChunkStmt *sql.Stmt
	selectChunksForRoomStmt          *sql.Stmt
	updateChunkTokensStmt            *sql.Stmt
	updateChunkEdgesStmt             *sql.Stmt
	updateChunkLinksStmt             *sql.Stmt
	repointNextLinkStmt              *sql.Stmt
	repointPrevLinkStmt              *sql.Stmt
	deleteChunkStmt                  *sql.Stmt
	deleteThreadChunksStmt           *sql.Stmt
}

func NewSqliteChunksTable(db *sql.DB) (tables.Chunks, error) {
	s := &chunksStatements{db: db}
	if _, err := db.Exec(chunksSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertChunkStmt, insertChunkSQL},
		{&s.selectChunkByIDStmt, selectChunkByIDSQL},
		{&s.selectChunkByNextTokenStmt, selectChunkByNextTokenSQL},
		{&s.selectChunkByPrevTokenStmt, selectChunkByPrevTokenSQL},
		{&s.selectLastForwardChunkStmt, selectLastForwardChunkSQL},
		{&s.selectLastForwardThreadChunkStmt, selectLastForwardThreadChunkSQL},
		{&s.selectChunksForRoomStmt, selectChunksForRoomSQL},
		{&s.updateChunkTokensStmt, updateChunkTokensSQL},
		{&s.updateChunkEdgesStmt, updateChunkEdgesSQL},
		{&s.updateChunkLinksStmt, updateChunkLinksSQL},
		{&s.repointNextLinkStmt, repointNextLinkSQL},
		{&s.repointPrevLinkStmt, repointPrevLinkSQL},
		{&s.deleteChunkStmt, deleteChunkSQL},
		{&s.deleteThreadChunksStmt, deleteThreadChunksSQL},
	}.Prepare(db)
}

func scanChunk(row interface{ Scan(...interface{}) error }) (*types.Chunk, error) {
	var c types.Chunk
	err := row.Scan(
		&c.ChunkID, &c.RoomID, &c.PrevToken, &c.NextToken, &c.PrevChunkID, &c.NextChunkID,
		&c.IsLastForward, &c.IsLastBackward, &c.RootThreadEventID, &c.IsLastForwardThread,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *chunksStatements) InsertChunk(
	ctx context.Context, txn *sql.Tx, chunk *types.Chunk,
) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.insertChunkStmt)
	var chunkID int64
	err := stmt.QueryRowContext(ctx,
		chunk.RoomID, chunk.PrevToken, chunk.NextToken, chunk.PrevChunkID, chunk.NextChunkID,
		chunk.IsLastForward, chunk.IsLastBackward, chunk.RootThreadEventID, chunk.IsLastForwardThread,
	).Scan(&chunkID)
	return chunkID, err
}

func (s *chunksStatements) SelectChunkByID(
	ctx context.Context, txn *sql.Tx, chunkID int64,
) (*types.Chunk, error) {
	stmt := sqlutil.TxStmt(txn, s.selectChunkByIDStmt)
	return scanChunk(stmt.QueryRowContext(ctx, chunkID))
}

func (s *chunksStatements) SelectChunkByNextToken(
	ctx context.Context, txn *sql.Tx, roomID, token string,
) (*types.Chunk, error) {
	stmt := sqlutil.TxStmt(txn, s.selectChunkByNextTokenStmt)
	return scanChunk(stmt.QueryRowContext(ctx, roomID, token))
}

func (s *chunksStatements) SelectChunkByPrevToken(
	ctx context.Context, txn *sql.Tx, roomID, token string,
) (*types.Chunk, error) {
	stmt := sqlutil.TxStmt(txn, s.selectChunkByPrevTokenStmt)
	return scanChunk(stmt.QueryRowContext(ctx, roomID, token))
}

func (s *chunksStatements) SelectLastForwardChunk(
	ctx context.Context, txn *sql.Tx, roomID string, threadRootID *string,
) (*types.Chunk, error) {
	if threadRootID != nil {
		stmt := sqlutil.TxStmt(txn, s.selectLastForwardThreadChunkStmt)
		return scanChunk(stmt.QueryRowContext(ctx, roomID, *threadRootID))
	}
	stmt := sqlutil.TxStmt(txn, s.selectLastForwardChunkStmt)
	return scanChunk(stmt.QueryRowContext(ctx, roomID))
}

func (s *chunksStatements) SelectChunksForRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]types.Chunk, error) {
	stmt := sqlutil.TxStmt(txn, s.selectChunksForRoomStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectChunksForRoom: rows.Close() failed")
	var chunks []types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

func (s *chunksStatements) UpdateChunkTokens(
	ctx context.Context, txn *sql.Tx, chunkID int64, prevToken, nextToken *string,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateChunkTokensStmt)
	_, err := stmt.ExecContext(ctx, chunkID, prevToken, nextToken)
	return err
}

func (s *chunksStatements) UpdateChunkEdges(
	ctx context.Context, txn *sql.Tx, chunkID int64, isLastForward, isLastBackward bool,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateChunkEdgesStmt)
	_, err := stmt.ExecContext(ctx, chunkID, isLastForward, isLastBackward)
	return err
}

func (s *chunksStatements) UpdateChunkLinks(
	ctx context.Context, txn *sql.Tx, chunkID int64, prevChunkID, nextChunkID *int64,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateChunkLinksStmt)
	_, err := stmt.ExecContext(ctx, chunkID, prevChunkID, nextChunkID)
	return err
}

func (s *chunksStatements) RepointChunkLinks(
	ctx context.Context, txn *sql.Tx, fromChunkID, toChunkID int64,
) error {
	stmt := sqlutil.TxStmt(txn, s.repointNextLinkStmt)
	if _, err := stmt.ExecContext(ctx, fromChunkID, toChunkID); err != nil {
		return err
	}
	stmt = sqlutil.TxStmt(txn, s.repointPrevLinkStmt)
	_, err := stmt.ExecContext(ctx, fromChunkID, toChunkID)
	return err
}

func (s *chunksStatements) DeleteChunk(
	ctx context.Context, txn *sql.Tx, chunkID int64,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteChunkStmt)
	_, err := stmt.ExecContext(ctx, chunkID)
	return err
}

func (s *chunksStatements) DeleteThreadChunks(
	ctx context.Context, txn *sql.Tx, roomID, threadRootID string,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteThreadChunksStmt)
	_, err := stmt.ExecContext(ctx, roomID, threadRootID)
	return err
}

var _ tables.Chunks = &chunksStatements{}
