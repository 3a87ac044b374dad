// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

// chunkStatementCount matches the statement list in NewSqliteChunksTable.
const chunkStatementCount = 14

func newChunksTableForTest(t *testing.T) (tables.Chunks, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(
		sqlmock.QueryMatcherFunc(func(expectedSQL, actualSQL string) error {
			return nil
		}),
	))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < chunkStatementCount; i++ {
		mock.ExpectPrepare("")
	}
	table, err := NewSqliteChunksTable(db)
	require.NoError(t, err)
	return table, mock
}

func TestInsertChunkReturnsAssignedID(t *testing.T) {
	table, mock := newChunksTableForTest(t)

	mock.ExpectQuery("").
		WithArgs("!room:example.org", nil, "next", nil, nil, true, false, nil, false).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(42))

	next := "next"
	chunkID, err := table.InsertChunk(context.Background(), nil, &types.Chunk{
		RoomID:        "!room:example.org",
		NextToken:     &next,
		IsLastForward: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), chunkID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectChunkByIDWithoutMatch(t *testing.T) {
	table, mock := newChunksTableForTest(t)

	mock.ExpectQuery("").WithArgs(int64(7)).WillReturnError(sql.ErrNoRows)

	chunk, err := table.SelectChunkByID(context.Background(), nil, 7)
	require.NoError(t, err, "an absent chunk is not an error")
	assert.Nil(t, chunk)
}

func TestSelectChunksForRoomScansAllColumns(t *testing.T) {
	table, mock := newChunksTableForTest(t)

	columns := []string{
		"chunk_id", "room_id", "prev_token", "next_token", "prev_chunk_id", "next_chunk_id",
		"is_last_forward", "is_last_backward", "root_thread_event_id", "is_last_forward_thread",
	}
	mock.ExpectQuery("").WithArgs("!room:example.org").WillReturnRows(
		sqlmock.NewRows(columns).
			AddRow(1, "!room:example.org", "p1", "n1", nil, int64(2), false, true, nil, false).
			AddRow(2, "!room:example.org", "n1", nil, int64(1), nil, true, false, nil, false),
	)

	chunks, err := table.SelectChunksForRoom(context.Background(), nil, "!room:example.org")
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, int64(1), chunks[0].ChunkID)
	require.NotNil(t, chunks[0].PrevToken)
	assert.Equal(t, "p1", *chunks[0].PrevToken)
	assert.True(t, chunks[0].IsLastBackward)
	require.NotNil(t, chunks[1].PrevChunkID)
	assert.Equal(t, int64(1), *chunks[1].PrevChunkID)
	assert.True(t, chunks[1].IsLastForward)
}
