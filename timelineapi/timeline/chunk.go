// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/cambium/timelineapi/decryption"
	"github.com/element-hq/cambium/timelineapi/internal"
	"github.com/element-hq/cambium/timelineapi/storage"
	"github.com/element-hq/cambium/timelineapi/storage/shared"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

// chunkDeps bundles the collaborators every wrapper in one chunk tree
// shares. Owned by the strategy, passed down on child creation.
type chunkDeps struct {
	db           storage.Database
	paginator    *internal.Paginator
	decryptor    *decryption.Decryptor
	uiEcho       *UIEchoManager
	settings     types.TimelineSettings
	roomID       string
	threadRootID *string

	// onBuiltEventsUpdated signals the owner that the built window changed.
	// The owner debounces; the wrapper just fires it once per batch.
	onBuiltEventsUpdated func()
}

// timelineChunk wraps exactly one persisted chunk and lazily owns at most
// one live neighbour wrapper per direction. Closing a wrapper closes its
// descendants and detaches the store subscription; the wrapper tree never
// relies on garbage collection to break the chunk graph's cycles.
type timelineChunk struct {
	deps  *chunkDeps
	chunk types.Chunk

	mu          sync.Mutex
	builtEvents []*types.TimelineEvent // sorted by display index, newest first
	next        *timelineChunk
	prev        *timelineChunk
	unsubscribe func()

	// anchorIndex is the display index of the permalink anchor event when
	// this wrapper was opened around one, used for the very first load.
	anchorIndex *int64
}

func newTimelineChunk(deps *chunkDeps, chunk types.Chunk) *timelineChunk {
	c := &timelineChunk{deps: deps, chunk: chunk}
	c.unsubscribe = deps.db.Notifier().SubscribeChunk(chunk.ChunkID, c)
	return c
}

// close detaches the subscription and recursively closes both neighbour
// chains.
func (c *timelineChunk) close() {
	c.mu.Lock()
	next, prev := c.next, c.prev
	c.next, c.prev = nil, nil
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if next != nil {
		next.close()
	}
	if prev != nil {
		prev.close()
	}
}

// loadMore satisfies count from the local store first, then delegates the
// deficit to the neighbour wrapper in that direction, and only contacts
// the network when the persisted graph runs out.
func (c *timelineChunk) loadMore(ctx context.Context, count int, dir types.Direction) (types.LoadMoreResult, error) {
	loaded, err := c.loadFromStorage(ctx, count, dir)
	if err != nil {
		return types.LoadMoreFailure, err
	}
	deficit := count - loaded
	if deficit <= 0 {
		return types.LoadMoreSuccess, nil
	}

	if neighbour, err := c.neighbour(ctx, dir); err != nil {
		return types.LoadMoreFailure, err
	} else if neighbour != nil {
		return neighbour.loadMore(ctx, deficit, dir)
	}

	result, err := c.loadFromNetwork(ctx, deficit, dir)
	if err != nil {
		return result, err
	}
	if result != types.LoadMoreFailure {
		// The page may have landed in this chunk or been merged into it;
		// pull whatever is now available.
		if _, err := c.loadFromStorage(ctx, deficit, dir); err != nil {
			return types.LoadMoreFailure, err
		}
	}
	return result, nil
}

// neighbour returns the live wrapper adjacent in the given direction,
// creating it if the persisted graph has a linked chunk there.
func (c *timelineChunk) neighbour(ctx context.Context, dir types.Direction) (*timelineChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == types.DirectionForwards {
		if c.next != nil {
			return c.next, nil
		}
		if c.chunk.NextChunkID == nil {
			return nil, nil
		}
		chunk, err := c.deps.db.ChunkByID(ctx, *c.chunk.NextChunkID)
		if err != nil || chunk == nil {
			return nil, err
		}
		c.next = newTimelineChunk(c.deps, *chunk)
		return c.next, nil
	}
	if c.prev != nil {
		return c.prev, nil
	}
	if c.chunk.PrevChunkID == nil {
		return nil, nil
	}
	chunk, err := c.deps.db.ChunkByID(ctx, *c.chunk.PrevChunkID)
	if err != nil || chunk == nil {
		return nil, err
	}
	c.prev = newTimelineChunk(c.deps, *chunk)
	return c.prev, nil
}

// loadFromNetwork paginates past this chunk's edge. A chunk with no token
// that was never confirmed as an edge cannot paginate and cannot legally
// claim the end of history, so that case is a failure.
func (c *timelineChunk) loadFromNetwork(ctx context.Context, count int, dir types.Direction) (types.LoadMoreResult, error) {
	c.mu.Lock()
	token := c.chunk.NextToken
	if dir == types.DirectionBackwards {
		token = c.chunk.PrevToken
	}
	isLastForward, isLastBackward := c.chunk.IsLastForward, c.chunk.IsLastBackward
	chunkID := c.chunk.ChunkID
	c.mu.Unlock()

	if token != nil {
		return c.deps.paginator.PaginateFrom(ctx, c.deps.roomID, c.deps.threadRootID, *token, dir, count)
	}
	if dir == types.DirectionBackwards && isLastBackward {
		return types.LoadMoreReachedEnd, nil
	}
	if isLastForward {
		return c.deps.paginator.FetchTokenAndPaginate(ctx, c.deps.roomID, c.deps.threadRootID, chunkID, dir, count)
	}
	logrus.WithFields(logrus.Fields{
		"room_id":   c.deps.roomID,
		"chunk_id":  chunkID,
		"direction": dir.String(),
	}).Warn("Chunk has no pagination token and was never an edge")
	return types.LoadMoreFailure, nil
}

// loadFromStorage materialises up to count further events from the
// persisted chunk into the built window and returns how many rows the
// store produced, filtered or not.
func (c *timelineChunk) loadFromStorage(ctx context.Context, count int, dir types.Direction) (int, error) {
	fromIndex, ok, err := c.nextLoadIndex(ctx, dir)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	rows, err := c.deps.db.TimelineEventsInRange(ctx, c.chunkID(), fromIndex, dir, count)
	if err != nil {
		return 0, err
	}
	built := make([]*types.TimelineEvent, 0, len(rows))
	for i := range rows {
		ev := c.buildAndDecryptIfNeeded(&rows[i])
		if ev != nil {
			built = append(built, ev)
		}
	}

	c.mu.Lock()
	if dir == types.DirectionForwards {
		// Rows arrive oldest first and are all newer than the window.
		for i := len(built) - 1; i >= 0; i-- {
			c.builtEvents = append([]*types.TimelineEvent{built[i]}, c.builtEvents...)
		}
	} else {
		c.builtEvents = append(c.builtEvents, built...)
	}
	c.mu.Unlock()
	return len(rows), nil
}

// nextLoadIndex computes the display index the next storage load starts
// from. The second return is false when the chunk has nothing further to
// offer in that direction.
func (c *timelineChunk) nextLoadIndex(ctx context.Context, dir types.Direction) (int64, bool, error) {
	c.mu.Lock()
	if len(c.builtEvents) > 0 {
		var idx int64
		if dir == types.DirectionForwards {
			idx = c.builtEvents[0].DisplayIndex + 1
		} else {
			idx = c.builtEvents[len(c.builtEvents)-1].DisplayIndex - 1
		}
		c.mu.Unlock()
		return idx, true, nil
	}
	anchor := c.anchorIndex
	c.mu.Unlock()

	if anchor != nil {
		if dir == types.DirectionForwards {
			return *anchor + 1, true, nil
		}
		return *anchor, true, nil
	}
	min, max, count, err := c.deps.db.DisplayIndexRange(ctx, c.chunkID())
	if err != nil || count == 0 {
		return 0, false, err
	}
	if dir == types.DirectionForwards {
		return min, true, nil
	}
	return max, true, nil
}

// buildAndDecryptIfNeeded turns a persisted row into a built event. Synced
// counterparts of local echoes retire the echo here, and every encrypted
// or thread-relevant event is pushed through the decryption queue. Returns
// nil when the event is filtered out of this timeline.
func (c *timelineChunk) buildAndDecryptIfNeeded(row *tables.TimelineEventRow) *types.TimelineEvent {
	if txnID := row.Event.TransactionID(); txnID != "" {
		if c.deps.uiEcho.OnSyncedEvent(txnID) {
			if err := c.deps.db.RemoveSendingEvent(context.Background(), c.deps.roomID, txnID); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"room_id":        c.deps.roomID,
					"transaction_id": txnID,
				}).Warn("Failed to remove persisted sending event")
			}
		}
	}
	ev := buildTimelineEvent(row)
	needsThreadLink := row.ThreadRootID == nil && row.Event.ThreadRootID() != ""
	if ev.IsEncrypted() || needsThreadLink {
		c.deps.decryptor.RequestDecryption(decryption.Request{RoomID: row.RoomID, Event: row.Event})
	}
	if c.deps.threadRootID != nil && ev.ThreadRootID != *c.deps.threadRootID && ev.EventID() != *c.deps.threadRootID {
		return nil
	}
	if !c.deps.settings.Filters.Matches(ev) {
		return nil
	}
	return c.deps.uiEcho.DecorateEventWithReactionUIEcho(ev)
}

// builtItems returns the globally ordered built window: the forward chain
// outermost first, then this chunk, then the backward chain.
func (c *timelineChunk) builtItems(includeNext, includePrev bool) []*types.TimelineEvent {
	var out []*types.TimelineEvent
	c.mu.Lock()
	next, prev := c.next, c.prev
	own := make([]*types.TimelineEvent, len(c.builtEvents))
	copy(own, c.builtEvents)
	c.mu.Unlock()

	if includeNext && next != nil {
		out = append(out, next.builtItems(true, false)...)
	}
	out = append(out, own...)
	if includePrev && prev != nil {
		out = append(out, prev.builtItems(false, true)...)
	}
	return out
}

// rebuildEvent re-reads one event from the store and replaces its built
// slot in place, anywhere in the tree. Reports whether a slot changed.
func (c *timelineChunk) rebuildEvent(ctx context.Context, eventID string) bool {
	changed := c.rebuildOwnEvent(ctx, eventID)
	c.mu.Lock()
	next, prev := c.next, c.prev
	c.mu.Unlock()
	if next != nil && next.rebuildEvent(ctx, eventID) {
		changed = true
	}
	if prev != nil && prev.rebuildEvent(ctx, eventID) {
		changed = true
	}
	return changed
}

func (c *timelineChunk) rebuildOwnEvent(ctx context.Context, eventID string) bool {
	c.mu.Lock()
	slot := -1
	for i, ev := range c.builtEvents {
		if ev.EventID() == eventID {
			slot = i
			break
		}
	}
	c.mu.Unlock()
	if slot < 0 {
		return false
	}
	row, err := c.deps.db.TimelineEvent(ctx, c.deps.roomID, eventID)
	if err != nil || row == nil {
		return false
	}
	rebuilt := c.buildAndDecryptIfNeeded(row)
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot >= len(c.builtEvents) || c.builtEvents[slot].EventID() != eventID {
		return false
	}
	if rebuilt == nil {
		c.builtEvents = append(c.builtEvents[:slot], c.builtEvents[slot+1:]...)
	} else {
		rebuilt.DisplayIndex = c.builtEvents[slot].DisplayIndex
		c.builtEvents[slot] = rebuilt
	}
	return true
}

func (c *timelineChunk) chunkID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunk.ChunkID
}

// OnEventsInserted implements shared.ChunkListener. Rows inside or above
// the built window are built and spliced in at their sorted position; rows
// below it stay in the store until a later loadMore reaches them.
func (c *timelineChunk) OnEventsInserted(e shared.EventsInserted) {
	changed := false
	for i := range e.Rows {
		row := e.Rows[i]
		c.mu.Lock()
		windowEmpty := len(c.builtEvents) == 0
		var oldest int64
		if !windowEmpty {
			oldest = c.builtEvents[len(c.builtEvents)-1].DisplayIndex
		}
		c.mu.Unlock()
		if windowEmpty || row.DisplayIndex < oldest {
			continue
		}
		ev := c.buildAndDecryptIfNeeded(&row)
		if ev == nil {
			continue
		}
		c.mu.Lock()
		c.insertSortedLocked(ev)
		c.mu.Unlock()
		changed = true
	}
	if changed {
		c.deps.onBuiltEventsUpdated()
	}
}

func (c *timelineChunk) insertSortedLocked(ev *types.TimelineEvent) {
	pos := sort.Search(len(c.builtEvents), func(i int) bool {
		return c.builtEvents[i].DisplayIndex <= ev.DisplayIndex
	})
	if pos < len(c.builtEvents) && c.builtEvents[pos].EventID() == ev.EventID() {
		c.builtEvents[pos] = ev
		return
	}
	c.builtEvents = append(c.builtEvents, nil)
	copy(c.builtEvents[pos+1:], c.builtEvents[pos:])
	c.builtEvents[pos] = ev
}

// OnEventUpdated implements shared.ChunkListener.
func (c *timelineChunk) OnEventUpdated(e shared.EventUpdated) {
	if c.rebuildOwnEvent(context.Background(), e.EventID) {
		c.deps.onBuiltEventsUpdated()
	}
}

// OnChunkAbsorbed implements shared.ChunkListener. The wrapped chunk was
// merged away; re-anchor this wrapper on the surviving chunk so the built
// window keeps receiving change notifications.
func (c *timelineChunk) OnChunkAbsorbed(e shared.ChunkAbsorbed) {
	survivor, err := c.deps.db.ChunkByID(context.Background(), e.AbsorbedInto())
	if err != nil || survivor == nil {
		return
	}
	c.mu.Lock()
	oldUnsub := c.unsubscribe
	c.chunk = *survivor
	c.unsubscribe = c.deps.db.Notifier().SubscribeChunk(survivor.ChunkID, c)
	c.mu.Unlock()
	if oldUnsub != nil {
		oldUnsub()
	}
	c.deps.onBuiltEventsUpdated()
}

// buildTimelineEvent assembles the rendered event from its persisted row.
func buildTimelineEvent(row *tables.TimelineEventRow) *types.TimelineEvent {
	ev := &types.TimelineEvent{
		Root:         row.Event,
		DisplayIndex: row.DisplayIndex,
		Sender:       types.SenderInfo{UserID: row.Event.Sender},
		SendState:    row.SendState,
	}
	if row.SenderName != nil {
		ev.Sender.DisplayName = *row.SenderName
	}
	if row.SenderAvatar != nil {
		ev.Sender.AvatarURL = *row.SenderAvatar
	}
	if row.ThreadRootID != nil {
		ev.ThreadRootID = *row.ThreadRootID
	}
	if len(row.DecryptionResultJSON) > 0 {
		result := &types.DecryptionResult{}
		if err := json.Unmarshal(row.DecryptionResultJSON, result); err == nil {
			ev.DecryptionResult = result
			if ev.ThreadRootID == "" {
				ev.ThreadRootID = result.ClearThreadRootID()
			}
		}
	}
	if row.DecryptionErrorCode != nil {
		ev.DecryptionErrorCode = *row.DecryptionErrorCode
	}
	if row.DecryptionErrorReason != nil {
		ev.DecryptionErrorReason = *row.DecryptionErrorReason
	}
	if len(row.AnnotationsJSON) > 0 {
		summary := &types.AnnotationsSummary{}
		if err := json.Unmarshal(row.AnnotationsJSON, summary); err == nil {
			ev.Annotations = summary
		}
	}
	return ev
}
