// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/cambium/timelineapi/storage/shared"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

// Database is the storage surface the timeline engine programs against.
// Implemented by shared.Database regardless of backend.
type Database interface {
	// Chunk graph.
	ChunkByID(ctx context.Context, chunkID int64) (*types.Chunk, error)
	LiveChunk(ctx context.Context, roomID string) (*types.Chunk, error)
	ChunkContainingEvent(ctx context.Context, roomID, eventID string) (*types.Chunk, error)
	ChunksForRoom(ctx context.Context, roomID string) ([]types.Chunk, error)
	RecreateThreadChunk(ctx context.Context, roomID, threadRootID string) (*types.Chunk, error)
	ClearThreadChunks(ctx context.Context, roomID, threadRootID string) error
	UpdateChunkToken(ctx context.Context, chunkID int64, dir types.Direction, token string) error

	// Page application.
	InsertPage(ctx context.Context, roomID string, threadRootID *string, dir types.Direction, page *types.TokenPage) (types.InsertResult, error)
	InsertContextPage(ctx context.Context, roomID string, page *types.ContextPage) (types.InsertResult, error)

	// Event access.
	TimelineEvent(ctx context.Context, roomID, eventID string) (*tables.TimelineEventRow, error)
	TimelineEventsInRange(ctx context.Context, chunkID, fromDisplayIndex int64, dir types.Direction, limit int) ([]tables.TimelineEventRow, error)
	EventsForChunk(ctx context.Context, chunkID int64) ([]tables.TimelineEventRow, error)
	DisplayIndexRange(ctx context.Context, chunkID int64) (min, max int64, count int, err error)
	LatestKnownEventID(ctx context.Context, roomID string) (string, error)

	// Event decoration.
	UpdateDecryptionResult(ctx context.Context, roomID, eventID string, result *types.DecryptionResult) error
	UpdateDecryptionError(ctx context.Context, roomID, eventID, code, reason string) error
	UpdateThreadRoot(ctx context.Context, roomID, eventID, threadRootID string) error

	// Locally originated events awaiting the server.
	SendingEventsForRoom(ctx context.Context, roomID string) ([]tables.SendingEventRow, error)
	AddSendingEvent(ctx context.Context, row *tables.SendingEventRow) error
	UpdateSendingEventState(ctx context.Context, roomID, transactionID string, state types.SendState) error
	RemoveSendingEvent(ctx context.Context, roomID, transactionID string) error

	// Sender display metadata.
	MemberProfile(ctx context.Context, roomID, userID string) (types.SenderInfo, error)

	// Committed-write change notifications.
	Notifier() *shared.Notifier
}

var _ Database = (*shared.Database)(nil)
