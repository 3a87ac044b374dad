// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/element-hq/cambium/timelineapi/types"
)

// Chunks persists the token-delimited segments of room history and the
// doubly-linked adjacency between them. Links are stored as chunk ids.
type Chunks interface {
	InsertChunk(ctx context.Context, txn *sql.Tx, chunk *types.Chunk) (int64, error)
	SelectChunkByID(ctx context.Context, txn *sql.Tx, chunkID int64) (*types.Chunk, error)
	// SelectChunkByNextToken returns the chunk whose next token equals the
	// given token, i.e. the chunk that directly precedes it in history.
	SelectChunkByNextToken(ctx context.Context, txn *sql.Tx, roomID, token string) (*types.Chunk, error)
	SelectChunkByPrevToken(ctx context.Context, txn *sql.Tx, roomID, token string) (*types.Chunk, error)
	// SelectLastForwardChunk returns the live-edge chunk of the room, or of
	// the thread when threadRootID is non-nil.
	SelectLastForwardChunk(ctx context.Context, txn *sql.Tx, roomID string, threadRootID *string) (*types.Chunk, error)
	SelectChunksForRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]types.Chunk, error)
	UpdateChunkTokens(ctx context.Context, txn *sql.Tx, chunkID int64, prevToken, nextToken *string) error
	UpdateChunkEdges(ctx context.Context, txn *sql.Tx, chunkID int64, isLastForward, isLastBackward bool) error
	UpdateChunkLinks(ctx context.Context, txn *sql.Tx, chunkID int64, prevChunkID, nextChunkID *int64) error
	// RepointChunkLinks rewrites any adjacency reference to fromChunkID so
	// that it points at toChunkID. Used when a chunk is absorbed by a merge.
	RepointChunkLinks(ctx context.Context, txn *sql.Tx, fromChunkID, toChunkID int64) error
	DeleteChunk(ctx context.Context, txn *sql.Tx, chunkID int64) error
	DeleteThreadChunks(ctx context.Context, txn *sql.Tx, roomID, threadRootID string) error
}

// TimelineEventRow is one persisted timeline event inside a chunk, with its
// mutable decoration columns.
type TimelineEventRow struct {
	RoomID       string
	ChunkID      int64
	EventID      string
	DisplayIndex int64
	Event        types.Event

	SenderName   *string
	SenderAvatar *string

	DecryptionResultJSON  []byte
	DecryptionErrorCode   *string
	DecryptionErrorReason *string

	SendState       types.SendState
	ThreadRootID    *string
	AnnotationsJSON []byte
}

// TimelineEvents persists the ordered event membership of each chunk.
// DisplayIndex is strictly increasing in the forward direction within a
// room and is the pagination cursor inside a chunk's local cache.
type TimelineEvents interface {
	InsertTimelineEvent(ctx context.Context, txn *sql.Tx, row *TimelineEventRow) error
	SelectEvent(ctx context.Context, txn *sql.Tx, roomID, eventID string) (*TimelineEventRow, error)
	// SelectEventsInRange returns up to limit events of the chunk starting
	// at fromDisplayIndex inclusive, walking in the given direction.
	// Forwards returns ascending display indexes, backwards descending.
	SelectEventsInRange(ctx context.Context, txn *sql.Tx, chunkID, fromDisplayIndex int64, dir types.Direction, limit int) ([]TimelineEventRow, error)
	// SelectEventsForChunk returns every event of the chunk in forward
	// order (ascending display index).
	SelectEventsForChunk(ctx context.Context, txn *sql.Tx, chunkID int64) ([]TimelineEventRow, error)
	SelectDisplayIndexRange(ctx context.Context, txn *sql.Tx, chunkID int64) (min, max int64, count int, err error)
	// SelectChunkIDsForEventIDs returns the distinct chunks of the room
	// containing at least one of the given event ids.
	SelectChunkIDsForEventIDs(ctx context.Context, txn *sql.Tx, roomID string, eventIDs []string) ([]int64, error)
	SelectLatestEventID(ctx context.Context, txn *sql.Tx, roomID string) (string, error)
	UpdateDecryptionResult(ctx context.Context, txn *sql.Tx, roomID, eventID string, resultJSON []byte) error
	UpdateDecryptionError(ctx context.Context, txn *sql.Tx, roomID, eventID, code, reason string) error
	UpdateThreadRoot(ctx context.Context, txn *sql.Tx, roomID, eventID, threadRootID string) error
	UpdateAnnotations(ctx context.Context, txn *sql.Tx, roomID, eventID string, annotationsJSON []byte) error
	DeleteEventsForChunk(ctx context.Context, txn *sql.Tx, chunkID int64) error
}

// SendingEventRow is a locally originated event awaiting server
// confirmation, kept in its own collection so the timeline can prepend it.
type SendingEventRow struct {
	RoomID        string
	TransactionID string
	Event         types.Event
	SendState     types.SendState
	InsertedTS    int64
}

type SendingEvents interface {
	InsertSendingEvent(ctx context.Context, txn *sql.Tx, row *SendingEventRow) error
	// SelectSendingEvents returns the room's pending events, most recent
	// first.
	SelectSendingEvents(ctx context.Context, txn *sql.Tx, roomID string) ([]SendingEventRow, error)
	UpdateSendingEventState(ctx context.Context, txn *sql.Tx, roomID, transactionID string, state types.SendState) error
	DeleteSendingEvent(ctx context.Context, txn *sql.Tx, roomID, transactionID string) error
}

// RoomState persists the latest known room member content per user, used to
// resolve sender display metadata when events are inserted.
type RoomState interface {
	UpsertMemberContent(ctx context.Context, txn *sql.Tx, roomID, userID string, displayName, avatarURL *string) error
	SelectMemberContent(ctx context.Context, txn *sql.Tx, roomID, userID string) (displayName, avatarURL *string, err error)
}

// RoomSummaryRow caches per-room presentation state.
type RoomSummaryRow struct {
	RoomID                   string
	LatestPreviewableEventID string
	LiveChunkID              *int64
}

type RoomSummaries interface {
	UpsertRoomSummary(ctx context.Context, txn *sql.Tx, row *RoomSummaryRow) error
	SelectRoomSummary(ctx context.Context, txn *sql.Tx, roomID string) (*RoomSummaryRow, error)
}
