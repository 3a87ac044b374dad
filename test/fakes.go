// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package test provides in-memory implementations of the storage tables
// and event builders for tests that do not want a real SQLite database.
package test

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/element-hq/cambium/internal/sqlutil"
	"github.com/element-hq/cambium/timelineapi/storage/shared"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

// NewInMemoryDatabase wires a shared.Database over in-memory tables. The
// dummy writer still serialises writes, so the database behaves like the
// SQLite one minus durability.
func NewInMemoryDatabase() *shared.Database {
	return shared.NewDatabase(&shared.Database{
		Writer:         sqlutil.NewDummyWriter(),
		Chunks:         NewFakeChunksTable(),
		TimelineEvents: NewFakeTimelineEventsTable(),
		SendingEvents:  NewFakeSendingEventsTable(),
		RoomState:      NewFakeRoomStateTable(),
		RoomSummaries:  NewFakeRoomSummariesTable(),
	})
}

type FakeChunksTable struct {
	mu     sync.Mutex
	chunks map[int64]*types.Chunk
	nextID int64
}

func NewFakeChunksTable() *FakeChunksTable {
	return &FakeChunksTable{chunks: map[int64]*types.Chunk{}, nextID: 1}
}

func (t *FakeChunksTable) InsertChunk(_ context.Context, _ *sql.Tx, chunk *types.Chunk) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	cp := *chunk
	cp.ChunkID = id
	t.chunks[id] = &cp
	return id, nil
}

func (t *FakeChunksTable) SelectChunkByID(_ context.Context, _ *sql.Tx, chunkID int64) (*types.Chunk, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.chunks[chunkID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (t *FakeChunksTable) SelectChunkByNextToken(_ context.Context, _ *sql.Tx, roomID, token string) (*types.Chunk, error) {
	return t.selectByToken(roomID, token, true)
}

func (t *FakeChunksTable) SelectChunkByPrevToken(_ context.Context, _ *sql.Tx, roomID, token string) (*types.Chunk, error) {
	return t.selectByToken(roomID, token, false)
}

func (t *FakeChunksTable) selectByToken(roomID, token string, next bool) (*types.Chunk, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var found *types.Chunk
	for _, c := range t.chunks {
		if c.RoomID != roomID {
			continue
		}
		edge := c.PrevToken
		if next {
			edge = c.NextToken
		}
		if edge == nil || *edge != token {
			continue
		}
		if found == nil || c.ChunkID < found.ChunkID {
			found = c
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (t *FakeChunksTable) SelectLastForwardChunk(_ context.Context, _ *sql.Tx, roomID string, threadRootID *string) (*types.Chunk, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var found *types.Chunk
	for _, c := range t.chunks {
		if c.RoomID != roomID {
			continue
		}
		if threadRootID == nil {
			if c.RootThreadEventID != nil || !c.IsLastForward {
				continue
			}
		} else {
			if c.RootThreadEventID == nil || *c.RootThreadEventID != *threadRootID || !c.IsLastForwardThread {
				continue
			}
		}
		// Most recently created chunk wins.
		if found == nil || c.ChunkID > found.ChunkID {
			found = c
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (t *FakeChunksTable) SelectChunksForRoom(_ context.Context, _ *sql.Tx, roomID string) ([]types.Chunk, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.Chunk
	for _, c := range t.chunks {
		if c.RoomID == roomID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

func (t *FakeChunksTable) UpdateChunkTokens(_ context.Context, _ *sql.Tx, chunkID int64, prevToken, nextToken *string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chunks[chunkID]
	if !ok {
		return errors.Errorf("no chunk %d", chunkID)
	}
	c.PrevToken, c.NextToken = prevToken, nextToken
	return nil
}

func (t *FakeChunksTable) UpdateChunkEdges(_ context.Context, _ *sql.Tx, chunkID int64, isLastForward, isLastBackward bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chunks[chunkID]
	if !ok {
		return errors.Errorf("no chunk %d", chunkID)
	}
	c.IsLastForward, c.IsLastBackward = isLastForward, isLastBackward
	c.IsLastForwardThread = isLastForward && c.RootThreadEventID != nil
	return nil
}

func (t *FakeChunksTable) UpdateChunkLinks(_ context.Context, _ *sql.Tx, chunkID int64, prevChunkID, nextChunkID *int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chunks[chunkID]
	if !ok {
		return errors.Errorf("no chunk %d", chunkID)
	}
	c.PrevChunkID, c.NextChunkID = prevChunkID, nextChunkID
	return nil
}

func (t *FakeChunksTable) RepointChunkLinks(_ context.Context, _ *sql.Tx, fromChunkID, toChunkID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.chunks {
		if c.PrevChunkID != nil && *c.PrevChunkID == fromChunkID {
			id := toChunkID
			c.PrevChunkID = &id
		}
		if c.NextChunkID != nil && *c.NextChunkID == fromChunkID {
			id := toChunkID
			c.NextChunkID = &id
		}
	}
	return nil
}

func (t *FakeChunksTable) DeleteChunk(_ context.Context, _ *sql.Tx, chunkID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chunks, chunkID)
	return nil
}

func (t *FakeChunksTable) DeleteThreadChunks(_ context.Context, _ *sql.Tx, roomID, threadRootID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.chunks {
		if c.RoomID == roomID && c.RootThreadEventID != nil && *c.RootThreadEventID == threadRootID {
			delete(t.chunks, id)
		}
	}
	return nil
}

type FakeTimelineEventsTable struct {
	mu   sync.Mutex
	rows map[string]*tables.TimelineEventRow
}

func NewFakeTimelineEventsTable() *FakeTimelineEventsTable {
	return &FakeTimelineEventsTable{rows: map[string]*tables.TimelineEventRow{}}
}

func eventKey(roomID, eventID string) string {
	return roomID + "\x1f" + eventID
}

func (t *FakeTimelineEventsTable) InsertTimelineEvent(_ context.Context, _ *sql.Tx, row *tables.TimelineEventRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := eventKey(row.RoomID, row.EventID)
	if _, ok := t.rows[key]; ok {
		return errors.Errorf("event %s already exists in room %s", row.EventID, row.RoomID)
	}
	cp := *row
	t.rows[key] = &cp
	return nil
}

func (t *FakeTimelineEventsTable) SelectEvent(_ context.Context, _ *sql.Tx, roomID, eventID string) (*tables.TimelineEventRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.rows[eventKey(roomID, eventID)]; ok {
		cp := *row
		return &cp, nil
	}
	return nil, nil
}

func (t *FakeTimelineEventsTable) chunkRowsLocked(chunkID int64) []tables.TimelineEventRow {
	var out []tables.TimelineEventRow
	for _, row := range t.rows {
		if row.ChunkID == chunkID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayIndex < out[j].DisplayIndex })
	return out
}

func (t *FakeTimelineEventsTable) SelectEventsInRange(_ context.Context, _ *sql.Tx, chunkID, fromDisplayIndex int64, dir types.Direction, limit int) ([]tables.TimelineEventRow, error) {
	t.mu.Lock()
	rows := t.chunkRowsLocked(chunkID)
	t.mu.Unlock()
	var out []tables.TimelineEventRow
	if dir == types.DirectionForwards {
		for _, row := range rows {
			if row.DisplayIndex >= fromDisplayIndex {
				out = append(out, row)
			}
		}
	} else {
		for i := len(rows) - 1; i >= 0; i-- {
			if rows[i].DisplayIndex <= fromDisplayIndex {
				out = append(out, rows[i])
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *FakeTimelineEventsTable) SelectEventsForChunk(_ context.Context, _ *sql.Tx, chunkID int64) ([]tables.TimelineEventRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunkRowsLocked(chunkID), nil
}

func (t *FakeTimelineEventsTable) SelectDisplayIndexRange(_ context.Context, _ *sql.Tx, chunkID int64) (min, max int64, count int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.rows {
		if row.ChunkID != chunkID {
			continue
		}
		if count == 0 || row.DisplayIndex < min {
			min = row.DisplayIndex
		}
		if count == 0 || row.DisplayIndex > max {
			max = row.DisplayIndex
		}
		count++
	}
	return min, max, count, nil
}

func (t *FakeTimelineEventsTable) SelectChunkIDsForEventIDs(_ context.Context, _ *sql.Tx, roomID string, eventIDs []string) ([]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[int64]struct{}{}
	var out []int64
	for _, eventID := range eventIDs {
		row, ok := t.rows[eventKey(roomID, eventID)]
		if !ok {
			continue
		}
		if _, dup := seen[row.ChunkID]; dup {
			continue
		}
		seen[row.ChunkID] = struct{}{}
		out = append(out, row.ChunkID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *FakeTimelineEventsTable) SelectLatestEventID(_ context.Context, _ *sql.Tx, roomID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	latestID := ""
	var latestTS int64 = -1
	for _, row := range t.rows {
		if row.RoomID == roomID && row.Event.OriginServerTS > latestTS {
			latestTS = row.Event.OriginServerTS
			latestID = row.EventID
		}
	}
	return latestID, nil
}

func (t *FakeTimelineEventsTable) UpdateDecryptionResult(_ context.Context, _ *sql.Tx, roomID, eventID string, resultJSON []byte) error {
	return t.update(roomID, eventID, func(row *tables.TimelineEventRow) {
		row.DecryptionResultJSON = resultJSON
		row.DecryptionErrorCode = nil
		row.DecryptionErrorReason = nil
	})
}

func (t *FakeTimelineEventsTable) UpdateDecryptionError(_ context.Context, _ *sql.Tx, roomID, eventID, code, reason string) error {
	return t.update(roomID, eventID, func(row *tables.TimelineEventRow) {
		row.DecryptionErrorCode = &code
		row.DecryptionErrorReason = &reason
	})
}

func (t *FakeTimelineEventsTable) UpdateThreadRoot(_ context.Context, _ *sql.Tx, roomID, eventID, threadRootID string) error {
	return t.update(roomID, eventID, func(row *tables.TimelineEventRow) {
		row.ThreadRootID = &threadRootID
	})
}

func (t *FakeTimelineEventsTable) UpdateAnnotations(_ context.Context, _ *sql.Tx, roomID, eventID string, annotationsJSON []byte) error {
	return t.update(roomID, eventID, func(row *tables.TimelineEventRow) {
		row.AnnotationsJSON = annotationsJSON
	})
}

func (t *FakeTimelineEventsTable) update(roomID, eventID string, f func(*tables.TimelineEventRow)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[eventKey(roomID, eventID)]
	if !ok {
		return errors.Errorf("no event %s in room %s", eventID, roomID)
	}
	f(row)
	return nil
}

func (t *FakeTimelineEventsTable) DeleteEventsForChunk(_ context.Context, _ *sql.Tx, chunkID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, row := range t.rows {
		if row.ChunkID == chunkID {
			delete(t.rows, key)
		}
	}
	return nil
}

type FakeSendingEventsTable struct {
	mu   sync.Mutex
	rows []tables.SendingEventRow
}

func NewFakeSendingEventsTable() *FakeSendingEventsTable {
	return &FakeSendingEventsTable{}
}

func (t *FakeSendingEventsTable) InsertSendingEvent(_ context.Context, _ *sql.Tx, row *tables.SendingEventRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if t.rows[i].RoomID == row.RoomID && t.rows[i].TransactionID == row.TransactionID {
			t.rows[i] = *row
			return nil
		}
	}
	t.rows = append(t.rows, *row)
	return nil
}

func (t *FakeSendingEventsTable) SelectSendingEvents(_ context.Context, _ *sql.Tx, roomID string) ([]tables.SendingEventRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []tables.SendingEventRow
	for _, row := range t.rows {
		if row.RoomID == roomID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedTS > out[j].InsertedTS })
	return out, nil
}

func (t *FakeSendingEventsTable) UpdateSendingEventState(_ context.Context, _ *sql.Tx, roomID, transactionID string, state types.SendState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if t.rows[i].RoomID == roomID && t.rows[i].TransactionID == transactionID {
			t.rows[i].SendState = state
			return nil
		}
	}
	return errors.Errorf("no sending event %s in room %s", transactionID, roomID)
}

func (t *FakeSendingEventsTable) DeleteSendingEvent(_ context.Context, _ *sql.Tx, roomID, transactionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if t.rows[i].RoomID == roomID && t.rows[i].TransactionID == transactionID {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

type FakeRoomStateTable struct {
	mu      sync.Mutex
	members map[string]memberEntry
}

type memberEntry struct {
	displayName *string
	avatarURL   *string
}

func NewFakeRoomStateTable() *FakeRoomStateTable {
	return &FakeRoomStateTable{members: map[string]memberEntry{}}
}

func (t *FakeRoomStateTable) UpsertMemberContent(_ context.Context, _ *sql.Tx, roomID, userID string, displayName, avatarURL *string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members[eventKey(roomID, userID)] = memberEntry{displayName: displayName, avatarURL: avatarURL}
	return nil
}

func (t *FakeRoomStateTable) SelectMemberContent(_ context.Context, _ *sql.Tx, roomID, userID string) (*string, *string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.members[eventKey(roomID, userID)]
	if !ok {
		return nil, nil, nil
	}
	return entry.displayName, entry.avatarURL, nil
}

type FakeRoomSummariesTable struct {
	mu        sync.Mutex
	summaries map[string]tables.RoomSummaryRow
}

func NewFakeRoomSummariesTable() *FakeRoomSummariesTable {
	return &FakeRoomSummariesTable{summaries: map[string]tables.RoomSummaryRow{}}
}

func (t *FakeRoomSummariesTable) UpsertRoomSummary(_ context.Context, _ *sql.Tx, row *tables.RoomSummaryRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summaries[row.RoomID] = *row
	return nil
}

func (t *FakeRoomSummariesTable) SelectRoomSummary(_ context.Context, _ *sql.Tx, roomID string) (*tables.RoomSummaryRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.summaries[roomID]; ok {
		return &row, nil
	}
	return nil, nil
}

var (
	_ tables.Chunks         = &FakeChunksTable{}
	_ tables.TimelineEvents = &FakeTimelineEventsTable{}
	_ tables.SendingEvents  = &FakeSendingEventsTable{}
	_ tables.RoomState      = &FakeRoomStateTable{}
	_ tables.RoomSummaries  = &FakeRoomSummariesTable{}
)
