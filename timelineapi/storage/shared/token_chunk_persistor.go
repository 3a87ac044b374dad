// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/cambium/internal/caching"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

// maxChunksMergedPerPage bounds the merge fan-in of a single page. The
// overlap query is unbounded in principle, so a misbehaving server could
// otherwise make one page application rewrite an arbitrary share of the
// chunk graph.
const maxChunksMergedPerPage = 8

// InsertPage applies one token-delimited page of room history to the chunk
// graph inside a single transaction. The page either extends the chunk
// whose edge token matches page.Start or opens a new unlinked chunk, then
// any other chunk found to contain one of the page's events is absorbed so
// that an event lives in exactly one chunk. Change notifications are fired
// only after the transaction commits.
func (d *Database) InsertPage(
	ctx context.Context, roomID string, threadRootID *string,
	dir types.Direction, page *types.TokenPage,
) (types.InsertResult, error) {
	result := types.InsertSuccess
	pending := &pendingNotifications{}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		result, err = d.insertPage(ctx, txn, roomID, threadRootID, dir, page, pending)
		return err
	})
	if err != nil {
		return result, errors.Wrap(err, "InsertPage")
	}
	pending.fire(d.notifier)
	return result, nil
}

// InsertContextPage applies an event-context response, which carries the
// anchor event together with its surrounding history and both edge tokens.
// It is equivalent to a forward page spanning from the context's start
// token to its end token.
func (d *Database) InsertContextPage(
	ctx context.Context, roomID string, page *types.ContextPage,
) (types.InsertResult, error) {
	return d.InsertPage(ctx, roomID, nil, types.DirectionForwards, &types.TokenPage{
		Start:       page.Start,
		End:         page.End,
		Events:      page.ForwardOrderedEvents(),
		StateEvents: page.StateEvents,
	})
}

func (d *Database) insertPage(
	ctx context.Context, txn *sql.Tx, roomID string, threadRootID *string,
	dir types.Direction, page *types.TokenPage, pending *pendingNotifications,
) (types.InsertResult, error) {
	events := make([]types.Event, 0, len(page.Events))
	for i := range page.Events {
		if !page.Events[i].Valid() {
			logrus.WithFields(logrus.Fields{
				"room_id":  roomID,
				"event_id": page.Events[i].EventID,
			}).Warn("Dropping malformed timeline event from page")
			continue
		}
		events = append(events, page.Events[i])
	}

	if len(events) == 0 {
		return d.handleEmptyPage(ctx, txn, roomID, threadRootID, dir, page)
	}

	chunk, err := d.chunkForPage(ctx, txn, roomID, threadRootID, dir, page)
	if err != nil {
		return types.InsertSuccess, err
	}

	members := map[string]memberContent{}
	collectMemberContents(members, page.StateEvents, dir)

	inserted, err := d.insertPageEvents(ctx, txn, roomID, chunk, dir, events, members, pending)
	if err != nil {
		return types.InsertSuccess, err
	}

	for userID, m := range members {
		if err = d.RoomState.UpsertMemberContent(ctx, txn, roomID, userID, m.displayName, m.avatarURL); err != nil {
			return types.InsertSuccess, err
		}
		d.Caches.StoreSenderProfile(roomID, userID, caching.ProfileInfo{
			DisplayName: strOrEmpty(m.displayName),
			AvatarURL:   strOrEmpty(m.avatarURL),
		})
	}

	if err = d.aggregateAnnotations(ctx, txn, roomID, events, pending); err != nil {
		return types.InsertSuccess, err
	}

	if err = d.mergeOverlappingChunks(ctx, txn, roomID, chunk, dir, events, pending); err != nil {
		return types.InsertSuccess, err
	}

	if err = d.persistChunk(ctx, txn, chunk); err != nil {
		return types.InsertSuccess, err
	}

	if dir == types.DirectionForwards && threadRootID == nil && inserted > 0 && chunk.IsLastForward {
		if err = d.updateLatestPreviewable(ctx, txn, roomID, events); err != nil {
			return types.InsertSuccess, err
		}
	}

	return types.InsertSuccess, nil
}

// chunkForPage finds the chunk the page extends, or creates a new unlinked
// one carrying the page tokens. The direction decides which page token maps
// to which chunk edge.
func (d *Database) chunkForPage(
	ctx context.Context, txn *sql.Tx, roomID string, threadRootID *string,
	dir types.Direction, page *types.TokenPage,
) (*types.Chunk, error) {
	var chunk *types.Chunk
	var err error
	if dir == types.DirectionForwards {
		chunk, err = d.Chunks.SelectChunkByNextToken(ctx, txn, roomID, page.Start)
	} else {
		chunk, err = d.Chunks.SelectChunkByPrevToken(ctx, txn, roomID, page.Start)
	}
	if err != nil {
		return nil, err
	}
	if chunk != nil {
		if dir == types.DirectionForwards {
			chunk.NextToken = tokenPtr(page.End)
		} else {
			chunk.PrevToken = tokenPtr(page.End)
		}
		return chunk, nil
	}

	chunk = &types.Chunk{RoomID: roomID, RootThreadEventID: threadRootID}
	if dir == types.DirectionForwards {
		chunk.PrevToken = tokenPtr(page.Start)
		chunk.NextToken = tokenPtr(page.End)
	} else {
		chunk.NextToken = tokenPtr(page.Start)
		chunk.PrevToken = tokenPtr(page.End)
	}
	chunk.ChunkID, err = d.Chunks.InsertChunk(ctx, txn, chunk)
	return chunk, err
}

// handleEmptyPage deals with a page carrying no usable events. No further
// token means the server confirmed the edge of history in this direction;
// a token present means the page was merely sparse and the caller should
// keep fetching.
func (d *Database) handleEmptyPage(
	ctx context.Context, txn *sql.Tx, roomID string, threadRootID *string,
	dir types.Direction, page *types.TokenPage,
) (types.InsertResult, error) {
	var chunk *types.Chunk
	var err error
	if dir == types.DirectionForwards {
		chunk, err = d.Chunks.SelectChunkByNextToken(ctx, txn, roomID, page.Start)
	} else {
		chunk, err = d.Chunks.SelectChunkByPrevToken(ctx, txn, roomID, page.Start)
	}
	if err != nil {
		return types.InsertSuccess, err
	}

	if page.HasMore() {
		if chunk != nil {
			if dir == types.DirectionForwards {
				chunk.NextToken = tokenPtr(page.End)
			} else {
				chunk.PrevToken = tokenPtr(page.End)
			}
			if err = d.Chunks.UpdateChunkTokens(ctx, txn, chunk.ChunkID, chunk.PrevToken, chunk.NextToken); err != nil {
				return types.InsertSuccess, err
			}
		}
		return types.InsertShouldFetchMore, nil
	}

	if chunk == nil {
		return types.InsertReachedEnd, nil
	}
	if dir == types.DirectionBackwards {
		chunk.IsLastBackward = true
		return types.InsertReachedEnd, d.Chunks.UpdateChunkEdges(ctx, txn, chunk.ChunkID, chunk.IsLastForward, true)
	}
	return types.InsertReachedEnd, d.promoteToLastForward(ctx, txn, roomID, threadRootID, chunk)
}

// promoteToLastForward makes chunk the live forward edge of its scope,
// demoting and possibly deleting the chunk that previously held the flag.
// The chunk anchoring the room's live pointer is never deleted; when two
// chunks both claim the forward edge, the most recently promoted one wins.
func (d *Database) promoteToLastForward(
	ctx context.Context, txn *sql.Tx, roomID string, threadRootID *string, chunk *types.Chunk,
) error {
	prevLast, err := d.Chunks.SelectLastForwardChunk(ctx, txn, roomID, threadRootID)
	if err != nil {
		return err
	}
	chunk.IsLastForward = true
	chunk.IsLastForwardThread = threadRootID != nil
	if err = d.Chunks.UpdateChunkEdges(ctx, txn, chunk.ChunkID, true, chunk.IsLastBackward); err != nil {
		return err
	}
	if prevLast == nil || prevLast.ChunkID == chunk.ChunkID {
		return nil
	}
	if err = d.Chunks.UpdateChunkEdges(ctx, txn, prevLast.ChunkID, false, prevLast.IsLastBackward); err != nil {
		return err
	}

	summary, err := d.RoomSummaries.SelectRoomSummary(ctx, txn, roomID)
	if err != nil {
		return err
	}
	anchorsLivePointer := summary != nil && summary.LiveChunkID != nil && *summary.LiveChunkID == prevLast.ChunkID
	_, _, count, err := d.TimelineEvents.SelectDisplayIndexRange(ctx, txn, prevLast.ChunkID)
	if err != nil {
		return err
	}
	if count > 0 || anchorsLivePointer {
		if anchorsLivePointer {
			summary.LiveChunkID = &chunk.ChunkID
			return d.RoomSummaries.UpsertRoomSummary(ctx, txn, summary)
		}
		return nil
	}
	if err = d.Chunks.RepointChunkLinks(ctx, txn, prevLast.ChunkID, chunk.ChunkID); err != nil {
		return err
	}
	return d.Chunks.DeleteChunk(ctx, txn, prevLast.ChunkID)
}

// insertPageEvents writes the page's events into the chunk in page order,
// assigning display indexes past the chunk's current bounds. Events already
// persisted anywhere in the room are skipped here; the merge pass decides
// what to do with their chunks.
func (d *Database) insertPageEvents(
	ctx context.Context, txn *sql.Tx, roomID string, chunk *types.Chunk,
	dir types.Direction, events []types.Event, members map[string]memberContent,
	pending *pendingNotifications,
) (int, error) {
	min, max, count, err := d.TimelineEvents.SelectDisplayIndexRange(ctx, txn, chunk.ChunkID)
	if err != nil {
		return 0, err
	}
	nextIndex := int64(0)
	if count > 0 {
		if dir == types.DirectionForwards {
			nextIndex = max + 1
		} else {
			nextIndex = min - 1
		}
	}

	inserted := 0
	for i := range events {
		ev := events[i]
		if ev.Type == types.MRoomMember && ev.StateKey != nil {
			collectMemberContents(members, []types.Event{ev}, dir)
		}

		existing, err := d.TimelineEvents.SelectEvent(ctx, txn, roomID, ev.EventID)
		if err != nil {
			return inserted, err
		}
		if existing != nil {
			continue
		}

		row := &tables.TimelineEventRow{
			RoomID:       roomID,
			ChunkID:      chunk.ChunkID,
			EventID:      ev.EventID,
			DisplayIndex: nextIndex,
			Event:        ev,
			SendState:    types.SendStateSynced,
		}
		if rootID := ev.ThreadRootID(); rootID != "" {
			row.ThreadRootID = &rootID
		}
		if m, ok := members[ev.Sender]; ok {
			row.SenderName = m.displayName
			row.SenderAvatar = m.avatarURL
		} else {
			row.SenderName, row.SenderAvatar, err = d.RoomState.SelectMemberContent(ctx, txn, roomID, ev.Sender)
			if err != nil {
				return inserted, err
			}
		}
		if err = d.TimelineEvents.InsertTimelineEvent(ctx, txn, row); err != nil {
			return inserted, err
		}
		pending.addInserted(roomID, chunk.ChunkID, *row)
		inserted++
		if dir == types.DirectionForwards {
			nextIndex++
		} else {
			nextIndex--
		}
	}
	return inserted, nil
}

// aggregateAnnotations folds the page's reaction events into the
// annotation summaries of their target events, when the targets are known
// locally. Unknown targets are ignored; the summary will be rebuilt if the
// target ever arrives with its own relations.
func (d *Database) aggregateAnnotations(
	ctx context.Context, txn *sql.Tx, roomID string, events []types.Event,
	pending *pendingNotifications,
) error {
	for i := range events {
		ev := &events[i]
		if ev.Type != types.MReaction {
			continue
		}
		key := ev.AnnotationKey()
		_, targetID := ev.RelatesTo()
		if key == "" || targetID == "" {
			continue
		}
		target, err := d.TimelineEvents.SelectEvent(ctx, txn, roomID, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			continue
		}
		summary := &types.AnnotationsSummary{}
		if len(target.AnnotationsJSON) > 0 {
			if err = json.Unmarshal(target.AnnotationsJSON, summary); err != nil {
				return errors.Wrapf(err, "aggregateAnnotations: corrupt summary on %s", targetID)
			}
		}
		agg := summary.Reaction(key)
		if agg == nil {
			summary.Reactions = append(summary.Reactions, types.AggregatedAnnotation{Key: key})
			agg = &summary.Reactions[len(summary.Reactions)-1]
		}
		if containsString(agg.SourceIDs, ev.EventID) {
			continue
		}
		agg.Count++
		agg.SourceIDs = append(agg.SourceIDs, ev.EventID)
		summaryJSON, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		if err = d.TimelineEvents.UpdateAnnotations(ctx, txn, roomID, targetID, summaryJSON); err != nil {
			return err
		}
		pending.addUpdated(roomID, target.ChunkID, targetID)
	}
	return nil
}

// mergeOverlappingChunks absorbs every other chunk containing one of the
// page's events into the extended chunk, so overlapping history reached
// from different directions collapses into one chunk. The absorbed chunk's
// events keep their relative order and are renumbered onto the correct side
// of the surviving chunk, which inherits the absorbed edge token, terminal
// flags and adjacency links.
func (d *Database) mergeOverlappingChunks(
	ctx context.Context, txn *sql.Tx, roomID string, chunk *types.Chunk,
	dir types.Direction, events []types.Event, pending *pendingNotifications,
) error {
	eventIDs := make([]string, len(events))
	for i := range events {
		eventIDs[i] = events[i].EventID
	}
	chunkIDs, err := d.TimelineEvents.SelectChunkIDsForEventIDs(ctx, txn, roomID, eventIDs)
	if err != nil {
		return err
	}
	others := chunkIDs[:0]
	for _, id := range chunkIDs {
		if id != chunk.ChunkID {
			others = append(others, id)
		}
	}
	if len(others) > maxChunksMergedPerPage {
		logrus.WithFields(logrus.Fields{
			"room_id":  roomID,
			"chunk_id": chunk.ChunkID,
			"found":    len(others),
			"cap":      maxChunksMergedPerPage,
		}).Warn("Capping chunk merge fan-in for page")
		others = others[:maxChunksMergedPerPage]
	}

	for _, otherID := range others {
		other, err := d.Chunks.SelectChunkByID(ctx, txn, otherID)
		if err != nil {
			return err
		}
		if other == nil {
			continue
		}
		if err = d.absorbChunk(ctx, txn, roomID, chunk, other, dir, pending); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) absorbChunk(
	ctx context.Context, txn *sql.Tx, roomID string, chunk, other *types.Chunk,
	dir types.Direction, pending *pendingNotifications,
) error {
	precedes := chunkPrecedes(other, chunk, dir)

	rows, err := d.TimelineEvents.SelectEventsForChunk(ctx, txn, other.ChunkID)
	if err != nil {
		return err
	}
	if err = d.TimelineEvents.DeleteEventsForChunk(ctx, txn, other.ChunkID); err != nil {
		return err
	}

	min, max, count, err := d.TimelineEvents.SelectDisplayIndexRange(ctx, txn, chunk.ChunkID)
	if err != nil {
		return err
	}
	nextIndex := int64(0)
	if count > 0 {
		if precedes {
			nextIndex = min - int64(len(rows))
		} else {
			nextIndex = max + 1
		}
	}
	for i := range rows {
		row := rows[i]
		existing, err := d.TimelineEvents.SelectEvent(ctx, txn, roomID, row.EventID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		row.ChunkID = chunk.ChunkID
		row.DisplayIndex = nextIndex
		nextIndex++
		if err = d.TimelineEvents.InsertTimelineEvent(ctx, txn, &row); err != nil {
			return err
		}
		pending.addInserted(roomID, chunk.ChunkID, row)
	}

	if precedes {
		chunk.PrevToken = other.PrevToken
		chunk.IsLastBackward = chunk.IsLastBackward || other.IsLastBackward
		chunk.PrevChunkID = other.PrevChunkID
	} else {
		chunk.NextToken = other.NextToken
		chunk.IsLastForward = chunk.IsLastForward || other.IsLastForward
		chunk.IsLastForwardThread = chunk.IsLastForwardThread || other.IsLastForwardThread
		chunk.NextChunkID = other.NextChunkID
	}

	if err = d.Chunks.RepointChunkLinks(ctx, txn, other.ChunkID, chunk.ChunkID); err != nil {
		return err
	}
	summary, err := d.RoomSummaries.SelectRoomSummary(ctx, txn, roomID)
	if err != nil {
		return err
	}
	if summary != nil && summary.LiveChunkID != nil && *summary.LiveChunkID == other.ChunkID {
		summary.LiveChunkID = &chunk.ChunkID
		if err = d.RoomSummaries.UpsertRoomSummary(ctx, txn, summary); err != nil {
			return err
		}
	}
	if err = d.Chunks.DeleteChunk(ctx, txn, other.ChunkID); err != nil {
		return err
	}
	pending.addAbsorbed(roomID, other.ChunkID, chunk.ChunkID)
	return nil
}

// persistChunk writes back the in-memory chunk mutations accumulated over
// the page application, normalising any self-link left behind by merges.
func (d *Database) persistChunk(ctx context.Context, txn *sql.Tx, chunk *types.Chunk) error {
	if chunk.PrevChunkID != nil && *chunk.PrevChunkID == chunk.ChunkID {
		chunk.PrevChunkID = nil
	}
	if chunk.NextChunkID != nil && *chunk.NextChunkID == chunk.ChunkID {
		chunk.NextChunkID = nil
	}
	if err := d.Chunks.UpdateChunkTokens(ctx, txn, chunk.ChunkID, chunk.PrevToken, chunk.NextToken); err != nil {
		return err
	}
	if err := d.Chunks.UpdateChunkEdges(ctx, txn, chunk.ChunkID, chunk.IsLastForward, chunk.IsLastBackward); err != nil {
		return err
	}
	return d.Chunks.UpdateChunkLinks(ctx, txn, chunk.ChunkID, chunk.PrevChunkID, chunk.NextChunkID)
}

func (d *Database) updateLatestPreviewable(
	ctx context.Context, txn *sql.Tx, roomID string, events []types.Event,
) error {
	latest := ""
	for i := range events {
		if isPreviewable(&events[i]) {
			latest = events[i].EventID
		}
	}
	if latest == "" {
		return nil
	}
	summary, err := d.RoomSummaries.SelectRoomSummary(ctx, txn, roomID)
	if err != nil {
		return err
	}
	if summary == nil {
		summary = &tables.RoomSummaryRow{RoomID: roomID}
	}
	summary.LatestPreviewableEventID = latest
	return d.RoomSummaries.UpsertRoomSummary(ctx, txn, summary)
}

// chunkPrecedes reports whether other sits on the older side of chunk.
// Token identity decides when available; otherwise the pagination direction
// is the best available hint.
func chunkPrecedes(other, chunk *types.Chunk, dir types.Direction) bool {
	if other.NextToken != nil && chunk.PrevToken != nil && *other.NextToken == *chunk.PrevToken {
		return true
	}
	if other.PrevToken != nil && chunk.NextToken != nil && *other.PrevToken == *chunk.NextToken {
		return false
	}
	return dir == types.DirectionBackwards
}

type memberContent struct {
	displayName *string
	avatarURL   *string
}

// collectMemberContents folds member state events into the running per-user
// content map, last-wins. Backward pages describe history before the event,
// so the replaced content from the unsigned data applies instead of the
// event's own content.
func collectMemberContents(members map[string]memberContent, events []types.Event, dir types.Direction) {
	for i := range events {
		ev := &events[i]
		if ev.Type != types.MRoomMember || ev.StateKey == nil {
			continue
		}
		content := ev.Content
		if dir == types.DirectionBackwards {
			if prev := gjson.GetBytes(ev.Unsigned, "prev_content"); prev.Exists() {
				content = []byte(prev.Raw)
			}
		}
		m := memberContent{}
		if v := gjson.GetBytes(content, "displayname"); v.Exists() {
			s := v.String()
			m.displayName = &s
		}
		if v := gjson.GetBytes(content, "avatar_url"); v.Exists() {
			s := v.String()
			m.avatarURL = &s
		}
		members[*ev.StateKey] = m
	}
}

func isPreviewable(ev *types.Event) bool {
	switch ev.Type {
	case types.MRoomMessage, types.MRoomEncrypted, types.MSticker:
		return true
	}
	return false
}

func tokenPtr(token string) *string {
	if token == "" {
		return nil
	}
	return &token
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
