// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/cambium/test"
	"github.com/element-hq/cambium/timelineapi/types"
)

const roomID = "!room:example.org"

func TestInsertPageCreatesChunkInEmptyRoom(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	e1 := test.NewMessageEvent(roomID, "@alice:example.org", "one")
	e2 := test.NewMessageEvent(roomID, "@alice:example.org", "two")
	result, err := db.InsertPage(ctx, roomID, nil, types.DirectionForwards, &types.TokenPage{
		Start:  "a",
		End:    "b",
		Events: []types.Event{e1, e2},
	})
	require.NoError(t, err)
	assert.Equal(t, types.InsertSuccess, result)

	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].PrevToken)
	require.NotNil(t, chunks[0].NextToken)
	assert.Equal(t, "a", *chunks[0].PrevToken)
	assert.Equal(t, "b", *chunks[0].NextToken)

	rows, err := db.EventsForChunk(ctx, chunks[0].ChunkID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, e1.EventID, rows[0].EventID)
	assert.Equal(t, e2.EventID, rows[1].EventID)
	assert.Less(t, rows[0].DisplayIndex, rows[1].DisplayIndex)
}

func TestInsertPageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	page := &types.TokenPage{
		Start: "a",
		End:   "b",
		Events: []types.Event{
			test.NewMessageEvent(roomID, "@alice:example.org", "one"),
			test.NewMessageEvent(roomID, "@alice:example.org", "two"),
		},
	}
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, page)
	require.NoError(t, err)
	result, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, page)
	require.NoError(t, err)
	assert.Equal(t, types.InsertSuccess, result, "re-applying a known page must not demand more fetching")

	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	rows, err := db.EventsForChunk(ctx, chunks[0].ChunkID)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "no event may be duplicated")
}

func TestInsertPageExtendsChunkBackwards(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	newer := test.NewMessageEvent(roomID, "@alice:example.org", "newer")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: []types.Event{newer},
	})
	require.NoError(t, err)

	// Backward pages arrive newest first.
	older1 := test.NewMessageEvent(roomID, "@bob:example.org", "older1")
	older2 := test.NewMessageEvent(roomID, "@bob:example.org", "older2")
	result, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t1", End: "t2", Events: []types.Event{older1, older2},
	})
	require.NoError(t, err)
	assert.Equal(t, types.InsertSuccess, result)

	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1, "the page must extend the matching chunk, not open a new one")
	require.NotNil(t, chunks[0].PrevToken)
	assert.Equal(t, "t2", *chunks[0].PrevToken)

	rows, err := db.EventsForChunk(ctx, chunks[0].ChunkID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// Forward order: oldest first.
	assert.Equal(t, older2.EventID, rows[0].EventID)
	assert.Equal(t, older1.EventID, rows[1].EventID)
	assert.Equal(t, newer.EventID, rows[2].EventID)
}

func TestInsertPageMergesOverlappingChunks(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	shared := test.NewMessageEvent(roomID, "@alice:example.org", "five")

	// Chunk one, paginated forward: [prev=a, next=b] ending in the shared
	// event.
	e1 := test.NewMessageEvent(roomID, "@alice:example.org", "one")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionForwards, &types.TokenPage{
		Start: "a", End: "b", Events: []types.Event{e1, shared},
	})
	require.NoError(t, err)

	// The same history reached backwards from a later point. Backward
	// pages arrive newest first; this page covers [b, c] and references
	// the shared event again.
	e6 := test.NewMessageEvent(roomID, "@alice:example.org", "six")
	result, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "c", End: "b", Events: []types.Event{e6, shared},
	})
	require.NoError(t, err)
	assert.Equal(t, types.InsertSuccess, result)

	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1, "overlapping chunks must collapse into one")
	require.NotNil(t, chunks[0].PrevToken)
	require.NotNil(t, chunks[0].NextToken)
	assert.Equal(t, "a", *chunks[0].PrevToken)
	assert.Equal(t, "c", *chunks[0].NextToken)

	rows, err := db.EventsForChunk(ctx, chunks[0].ChunkID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, e1.EventID, rows[0].EventID)
	assert.Equal(t, shared.EventID, rows[1].EventID)
	assert.Equal(t, e6.EventID, rows[2].EventID)
}

func TestInsertEmptyPageMarksBackwardEdge(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1",
		Events: []types.Event{test.NewMessageEvent(roomID, "@alice:example.org", "hello")},
	})
	require.NoError(t, err)

	// The server signals the start of history with an empty page and no
	// further token.
	result, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t1", End: "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.InsertReachedEnd, result)

	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsLastBackward)
}

func TestInsertEmptyPageWithTokenWantsMore(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1",
		Events: []types.Event{test.NewMessageEvent(roomID, "@alice:example.org", "hello")},
	})
	require.NoError(t, err)

	result, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t1", End: "t2",
	})
	require.NoError(t, err)
	assert.Equal(t, types.InsertShouldFetchMore, result)

	// The sparse page must still advance the edge token so the retry does
	// not refetch the same page.
	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].PrevToken)
	assert.Equal(t, "t2", *chunks[0].PrevToken)
}

func TestInsertPageDropsMalformedEvents(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	good := test.NewMessageEvent(roomID, "@alice:example.org", "fine")
	bad := types.Event{RoomID: roomID, Type: types.MRoomMessage}
	result, err := db.InsertPage(ctx, roomID, nil, types.DirectionForwards, &types.TokenPage{
		Start: "a", End: "b", Events: []types.Event{bad, good},
	})
	require.NoError(t, err)
	assert.Equal(t, types.InsertSuccess, result)

	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	rows, err := db.EventsForChunk(ctx, chunks[0].ChunkID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, good.EventID, rows[0].EventID)
}

func TestInsertPageAggregatesReactions(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	target := test.NewMessageEvent(roomID, "@alice:example.org", "funny")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionForwards, &types.TokenPage{
		Start: "a", End: "b", Events: []types.Event{target},
	})
	require.NoError(t, err)

	reaction1 := test.NewReactionEvent(roomID, "@bob:example.org", target.EventID, "👍")
	reaction2 := test.NewReactionEvent(roomID, "@carol:example.org", target.EventID, "👍")
	_, err = db.InsertPage(ctx, roomID, nil, types.DirectionForwards, &types.TokenPage{
		Start: "b", End: "c", Events: []types.Event{reaction1, reaction2},
	})
	require.NoError(t, err)

	row, err := db.TimelineEvent(ctx, roomID, target.EventID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotEmpty(t, row.AnnotationsJSON)
	assert.Contains(t, string(row.AnnotationsJSON), `"count":2`)
}

func TestInsertContextPagePersistsAnchor(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	before := test.NewMessageEvent(roomID, "@alice:example.org", "before")
	anchor := test.NewMessageEvent(roomID, "@alice:example.org", "anchor")
	after := test.NewMessageEvent(roomID, "@alice:example.org", "after")
	result, err := db.InsertContextPage(ctx, roomID, &types.ContextPage{
		Start:        "s",
		End:          "e",
		Event:        anchor,
		EventsBefore: []types.Event{before},
		EventsAfter:  []types.Event{after},
	})
	require.NoError(t, err)
	assert.Equal(t, types.InsertSuccess, result)

	chunk, err := db.ChunkContainingEvent(ctx, roomID, anchor.EventID)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	rows, err := db.EventsForChunk(ctx, chunk.ChunkID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, before.EventID, rows[0].EventID)
	assert.Equal(t, anchor.EventID, rows[1].EventID)
	assert.Equal(t, after.EventID, rows[2].EventID)
}

func TestInsertPageUsesReplacedMemberContentBackwards(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	// Walking backwards, a profile change describes the sender's state
	// after the older events, so they carry the replaced content instead.
	change := test.NewMemberEvent(roomID, "@alice:example.org", "Alice New", "mxc://new",
		test.WithPrevContent(map[string]interface{}{
			"membership":  "join",
			"displayname": "Alice Old",
			"avatar_url":  "mxc://old",
		}))
	msg := test.NewMessageEvent(roomID, "@alice:example.org", "from before the rename")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start:  "a",
		End:    "b",
		Events: []types.Event{change, msg},
	})
	require.NoError(t, err)

	row, err := db.TimelineEvent(ctx, roomID, msg.EventID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.SenderName)
	assert.Equal(t, "Alice Old", *row.SenderName)
	require.NotNil(t, row.SenderAvatar)
	assert.Equal(t, "mxc://old", *row.SenderAvatar)
}

func TestInsertPageResolvesSenderInfoFromStateEvents(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	member := test.NewMemberEvent(roomID, "@alice:example.org", "Alice", "mxc://avatar")
	msg := test.NewMessageEvent(roomID, "@alice:example.org", "hello")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionForwards, &types.TokenPage{
		Start:       "a",
		End:         "b",
		Events:      []types.Event{msg},
		StateEvents: []types.Event{member},
	})
	require.NoError(t, err)

	row, err := db.TimelineEvent(ctx, roomID, msg.EventID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.SenderName)
	assert.Equal(t, "Alice", *row.SenderName)
	require.NotNil(t, row.SenderAvatar)
	assert.Equal(t, "mxc://avatar", *row.SenderAvatar)
}

func TestInsertPageCapsMergeFanIn(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	// Ten disjoint single-event chunks, none linked to any other.
	events := make([]types.Event, 10)
	for i := range events {
		events[i] = test.NewMessageEvent(roomID, "@alice:example.org", "scattered")
		_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
			Start:  fmt.Sprintf("s%d", i),
			End:    fmt.Sprintf("e%d", i),
			Events: []types.Event{events[i]},
		})
		require.NoError(t, err)
	}
	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 10)

	// A page overlapping all ten may only absorb eight of them.
	page := &types.TokenPage{Start: "p0", End: "p1", Events: events}
	_, err = db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, page)
	require.NoError(t, err)

	chunks, err = db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 3, "eight chunks are absorbed, two survive the cap")
	largest, total := 0, 0
	for _, chunk := range chunks {
		rows, err := db.EventsForChunk(ctx, chunk.ChunkID)
		require.NoError(t, err)
		if len(rows) > largest {
			largest = len(rows)
		}
		total += len(rows)
	}
	assert.Equal(t, 8, largest)
	assert.Equal(t, 10, total, "capping the merge must not lose events")

	// The next application of the same page picks up the remainder.
	_, err = db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, page)
	require.NoError(t, err)
	chunks, err = db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	rows, err := db.EventsForChunk(ctx, chunks[0].ChunkID)
	require.NoError(t, err)
	assert.Len(t, rows, 10)
}
