// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/element-hq/cambium/internal/caching"
	"github.com/element-hq/cambium/internal/sqlutil"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

// Database is the shared timeline store built on top of the table
// interfaces. It owns the write serialisation, the merge persistor and the
// change notifier; all engine components reach persisted state through it.
type Database struct {
	DB             *sql.DB
	Writer         sqlutil.Writer
	Chunks         tables.Chunks
	TimelineEvents tables.TimelineEvents
	SendingEvents  tables.SendingEvents
	RoomState      tables.RoomState
	RoomSummaries  tables.RoomSummaries
	Caches         *caching.Caches

	notifier *Notifier
}

// NewDatabase finishes constructing a Database whose tables have been
// prepared by a backend package.
func NewDatabase(d *Database) *Database {
	d.notifier = NewNotifier()
	return d
}

// Notifier exposes the committed-write notifier for subscription.
func (d *Database) Notifier() *Notifier {
	return d.notifier
}

// ChunkByID loads one chunk row, or nil if it no longer exists.
func (d *Database) ChunkByID(ctx context.Context, chunkID int64) (*types.Chunk, error) {
	return d.Chunks.SelectChunkByID(ctx, nil, chunkID)
}

// LiveChunk returns the chunk anchoring the room's live forward edge,
// creating an empty one if the room has none yet.
func (d *Database) LiveChunk(ctx context.Context, roomID string) (*types.Chunk, error) {
	chunk, err := d.Chunks.SelectLastForwardChunk(ctx, nil, roomID, nil)
	if err != nil {
		return nil, err
	}
	if chunk != nil {
		return chunk, nil
	}
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		chunk = &types.Chunk{RoomID: roomID, IsLastForward: true}
		chunkID, err := d.Chunks.InsertChunk(ctx, txn, chunk)
		if err != nil {
			return err
		}
		chunk.ChunkID = chunkID
		summary, err := d.RoomSummaries.SelectRoomSummary(ctx, txn, roomID)
		if err != nil {
			return err
		}
		if summary == nil {
			summary = &tables.RoomSummaryRow{RoomID: roomID}
		}
		summary.LiveChunkID = &chunkID
		return d.RoomSummaries.UpsertRoomSummary(ctx, txn, summary)
	})
	if err != nil {
		return nil, errors.Wrap(err, "LiveChunk: create")
	}
	return chunk, nil
}

// ChunkContainingEvent returns the chunk that holds the given event, or nil
// if the event is not known locally.
func (d *Database) ChunkContainingEvent(ctx context.Context, roomID, eventID string) (*types.Chunk, error) {
	row, err := d.TimelineEvents.SelectEvent(ctx, nil, roomID, eventID)
	if err != nil || row == nil {
		return nil, err
	}
	return d.Chunks.SelectChunkByID(ctx, nil, row.ChunkID)
}

// RecreateThreadChunk clears any stale chunk for the thread scope and
// creates a fresh forward-edge chunk for it. Called every time a thread
// timeline is (re-)entered.
func (d *Database) RecreateThreadChunk(ctx context.Context, roomID, threadRootID string) (*types.Chunk, error) {
	var chunk *types.Chunk
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		stale, err := d.Chunks.SelectLastForwardChunk(ctx, txn, roomID, &threadRootID)
		if err != nil {
			return err
		}
		if stale != nil {
			if err = d.TimelineEvents.DeleteEventsForChunk(ctx, txn, stale.ChunkID); err != nil {
				return err
			}
		}
		if err = d.Chunks.DeleteThreadChunks(ctx, txn, roomID, threadRootID); err != nil {
			return err
		}
		chunk = &types.Chunk{
			RoomID:              roomID,
			RootThreadEventID:   &threadRootID,
			IsLastForward:       true,
			IsLastForwardThread: true,
		}
		chunkID, err := d.Chunks.InsertChunk(ctx, txn, chunk)
		chunk.ChunkID = chunkID
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "RecreateThreadChunk")
	}
	return chunk, nil
}

// ClearThreadChunks removes the thread scope's chunks, e.g. when a thread
// timeline stops.
func (d *Database) ClearThreadChunks(ctx context.Context, roomID, threadRootID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		stale, err := d.Chunks.SelectLastForwardChunk(ctx, txn, roomID, &threadRootID)
		if err != nil {
			return err
		}
		if stale != nil {
			if err = d.TimelineEvents.DeleteEventsForChunk(ctx, txn, stale.ChunkID); err != nil {
				return err
			}
		}
		return d.Chunks.DeleteThreadChunks(ctx, txn, roomID, threadRootID)
	})
}

// TimelineEventsInRange returns up to limit rows of the chunk from the
// given display index in the requested direction.
func (d *Database) TimelineEventsInRange(
	ctx context.Context, chunkID, fromDisplayIndex int64, dir types.Direction, limit int,
) ([]tables.TimelineEventRow, error) {
	return d.TimelineEvents.SelectEventsInRange(ctx, nil, chunkID, fromDisplayIndex, dir, limit)
}

// TimelineEvent loads one event row, or nil.
func (d *Database) TimelineEvent(ctx context.Context, roomID, eventID string) (*tables.TimelineEventRow, error) {
	return d.TimelineEvents.SelectEvent(ctx, nil, roomID, eventID)
}

// DisplayIndexRange returns the bounds of the chunk's local event cache.
func (d *Database) DisplayIndexRange(ctx context.Context, chunkID int64) (min, max int64, count int, err error) {
	return d.TimelineEvents.SelectDisplayIndexRange(ctx, nil, chunkID)
}

// LatestKnownEventID returns the id of the most recent locally known event
// of the room, used to resolve a pagination token for tokenless live
// chunks. Prefers the cached room summary, falling back to the newest
// persisted row.
func (d *Database) LatestKnownEventID(ctx context.Context, roomID string) (string, error) {
	summary, err := d.RoomSummaries.SelectRoomSummary(ctx, nil, roomID)
	if err != nil {
		return "", err
	}
	if summary != nil && summary.LatestPreviewableEventID != "" {
		return summary.LatestPreviewableEventID, nil
	}
	return d.TimelineEvents.SelectLatestEventID(ctx, nil, roomID)
}

// UpdateChunkToken sets the edge token of the chunk for the direction.
func (d *Database) UpdateChunkToken(ctx context.Context, chunkID int64, dir types.Direction, token string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		chunk, err := d.Chunks.SelectChunkByID(ctx, txn, chunkID)
		if err != nil {
			return err
		}
		if chunk == nil {
			return errors.Errorf("UpdateChunkToken: no such chunk %d", chunkID)
		}
		if dir == types.DirectionForwards {
			chunk.NextToken = &token
		} else {
			chunk.PrevToken = &token
		}
		return d.Chunks.UpdateChunkTokens(ctx, txn, chunkID, chunk.PrevToken, chunk.NextToken)
	})
}

// SendingEventsForRoom returns the room's pending local events, most recent
// first.
func (d *Database) SendingEventsForRoom(ctx context.Context, roomID string) ([]tables.SendingEventRow, error) {
	return d.SendingEvents.SelectSendingEvents(ctx, nil, roomID)
}

// AddSendingEvent persists a locally originated event awaiting the server.
func (d *Database) AddSendingEvent(ctx context.Context, row *tables.SendingEventRow) error {
	if row.InsertedTS == 0 {
		row.InsertedTS = time.Now().UnixMilli()
	}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SendingEvents.InsertSendingEvent(ctx, txn, row)
	})
	if err != nil {
		return err
	}
	d.notifier.notifySendingChanged(row.RoomID)
	return nil
}

// UpdateSendingEventState records a delivery state change for a pending
// local event.
func (d *Database) UpdateSendingEventState(ctx context.Context, roomID, transactionID string, state types.SendState) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SendingEvents.UpdateSendingEventState(ctx, txn, roomID, transactionID, state)
	})
	if err != nil {
		return err
	}
	d.notifier.notifySendingChanged(roomID)
	return nil
}

// RemoveSendingEvent drops a pending local event, normally because its
// synced counterpart has been persisted.
func (d *Database) RemoveSendingEvent(ctx context.Context, roomID, transactionID string) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SendingEvents.DeleteSendingEvent(ctx, txn, roomID, transactionID)
	})
	if err != nil {
		return err
	}
	d.notifier.notifySendingChanged(roomID)
	return nil
}

// MemberProfile resolves the latest known display metadata for the user,
// checking the in-memory cache before the persisted member state.
func (d *Database) MemberProfile(ctx context.Context, roomID, userID string) (types.SenderInfo, error) {
	info := types.SenderInfo{UserID: userID}
	if p, ok := d.Caches.GetSenderProfile(roomID, userID); ok {
		info.DisplayName = p.DisplayName
		info.AvatarURL = p.AvatarURL
		return info, nil
	}
	displayName, avatarURL, err := d.RoomState.SelectMemberContent(ctx, nil, roomID, userID)
	if err != nil {
		return info, err
	}
	if displayName != nil {
		info.DisplayName = *displayName
	}
	if avatarURL != nil {
		info.AvatarURL = *avatarURL
	}
	if displayName != nil || avatarURL != nil {
		d.Caches.StoreSenderProfile(roomID, userID, caching.ProfileInfo{
			DisplayName: info.DisplayName,
			AvatarURL:   info.AvatarURL,
		})
	}
	return info, nil
}

// UpdateDecryptionResult stores a successful decryption on the event and
// notifies the owning chunk. The update is atomic: the row either carries
// the full result or none of it.
func (d *Database) UpdateDecryptionResult(ctx context.Context, roomID, eventID string, result *types.DecryptionResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "UpdateDecryptionResult: marshal")
	}
	var chunkID int64
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		row, err := d.TimelineEvents.SelectEvent(ctx, txn, roomID, eventID)
		if err != nil {
			return err
		}
		if row == nil {
			// The event may only exist as a local echo; nothing to update.
			return nil
		}
		chunkID = row.ChunkID
		return d.TimelineEvents.UpdateDecryptionResult(ctx, txn, roomID, eventID, resultJSON)
	})
	if err != nil {
		return err
	}
	if chunkID != 0 {
		d.notifier.notifyEventUpdated(EventUpdated{RoomID: roomID, ChunkID: chunkID, EventID: eventID})
	}
	return nil
}

// UpdateDecryptionError records a decryption failure code on the event.
func (d *Database) UpdateDecryptionError(ctx context.Context, roomID, eventID, code, reason string) error {
	var chunkID int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		row, err := d.TimelineEvents.SelectEvent(ctx, txn, roomID, eventID)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		chunkID = row.ChunkID
		return d.TimelineEvents.UpdateDecryptionError(ctx, txn, roomID, eventID, code, reason)
	})
	if err != nil {
		return err
	}
	if chunkID != 0 {
		d.notifier.notifyEventUpdated(EventUpdated{RoomID: roomID, ChunkID: chunkID, EventID: eventID})
	}
	return nil
}

// UpdateThreadRoot links the event into a thread.
func (d *Database) UpdateThreadRoot(ctx context.Context, roomID, eventID, threadRootID string) error {
	var chunkID int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		row, err := d.TimelineEvents.SelectEvent(ctx, txn, roomID, eventID)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		chunkID = row.ChunkID
		return d.TimelineEvents.UpdateThreadRoot(ctx, txn, roomID, eventID, threadRootID)
	})
	if err != nil {
		return err
	}
	if chunkID != 0 {
		d.notifier.notifyEventUpdated(EventUpdated{RoomID: roomID, ChunkID: chunkID, EventID: eventID})
	}
	return nil
}

// ChunksForRoom returns the room's chunk graph, mainly for diagnostics and
// invariant checks in tests.
func (d *Database) ChunksForRoom(ctx context.Context, roomID string) ([]types.Chunk, error) {
	return d.Chunks.SelectChunksForRoom(ctx, nil, roomID)
}

// EventsForChunk returns the full forward-ordered contents of a chunk.
func (d *Database) EventsForChunk(ctx context.Context, chunkID int64) ([]tables.TimelineEventRow, error) {
	return d.TimelineEvents.SelectEventsForChunk(ctx, nil, chunkID)
}
