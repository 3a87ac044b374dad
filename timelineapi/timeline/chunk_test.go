// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/cambium/test"
	"github.com/element-hq/cambium/timelineapi/decryption"
	"github.com/element-hq/cambium/timelineapi/internal"
	"github.com/element-hq/cambium/timelineapi/storage"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

const chunkRoomID = "!room:example.org"

// fakeClient scripts pagination responses (or errors) per from-token.
type fakeClient struct {
	pages    map[string]*types.TokenPage
	errs     map[string]error
	contexts map[string]*types.ContextPage
	calls    int
}

func (f *fakeClient) GetMessages(_ context.Context, _, from string, _ types.Direction, _ int) (*types.TokenPage, error) {
	f.calls++
	if err, ok := f.errs[from]; ok {
		return nil, err
	}
	page, ok := f.pages[from]
	if !ok {
		return nil, errors.Errorf("unexpected pagination from %q", from)
	}
	return page, nil
}

func (f *fakeClient) GetEventContext(_ context.Context, _, eventID string, _ int) (*types.ContextPage, error) {
	f.calls++
	page, ok := f.contexts[eventID]
	if !ok {
		return nil, errors.Errorf("unexpected context fetch for %q", eventID)
	}
	return page, nil
}

// nopCrypto never decrypts; timeline tests only need the queue to accept
// requests.
type nopCrypto struct{}

func (nopCrypto) DecryptEvent(context.Context, *types.Event) (*types.DecryptionResult, error) {
	return nil, &types.CryptoError{Code: types.CryptoErrorUnknownSession, Reason: "no keys"}
}

func (nopCrypto) AddNewSessionListener(func(string)) func() { return func() {} }

func newTestChunkDeps(t *testing.T, db storage.Database, cli *fakeClient) *chunkDeps {
	t.Helper()
	return &chunkDeps{
		db:                   db,
		paginator:            &internal.Paginator{DB: db, Client: cli},
		decryptor:            decryption.NewDecryptor(db, nopCrypto{}),
		uiEcho:               NewUIEchoManager(nil),
		settings:             types.DefaultTimelineSettings(),
		roomID:               chunkRoomID,
		onBuiltEventsUpdated: func() {},
	}
}

func seedBackwardPage(t *testing.T, db storage.Database, start, end string, events ...types.Event) types.Chunk {
	t.Helper()
	ctx := context.Background()
	_, err := db.InsertPage(ctx, chunkRoomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: start, End: end, Events: events,
	})
	require.NoError(t, err)
	chunks, err := db.ChunksForRoom(ctx, chunkRoomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	return chunks[0]
}

func TestChunkLoadMoreFromCacheOnly(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()
	cli := &fakeClient{}

	// Newest first, as a backward page delivers them.
	m3 := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "three")
	m2 := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "two")
	m1 := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "one")
	chunk := seedBackwardPage(t, db, "t0", "t1", m3, m2, m1)

	tc := newTimelineChunk(newTestChunkDeps(t, db, cli), chunk)
	defer tc.close()

	result, err := tc.loadMore(ctx, 2, types.DirectionBackwards)
	require.NoError(t, err)
	assert.Equal(t, types.LoadMoreSuccess, result)
	assert.Zero(t, cli.calls, "a cache-satisfied load must not touch the network")

	built := tc.builtItems(true, true)
	require.Len(t, built, 2)
	assert.Equal(t, m3.EventID, built[0].EventID(), "built events are newest first")
	assert.Equal(t, m2.EventID, built[1].EventID())
}

func TestChunkLoadMoreFetchesDeficitFromNetwork(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	cached := make([]types.Event, 4)
	for i := range cached {
		cached[i] = test.NewMessageEvent(chunkRoomID, "@alice:example.org", "cached")
	}
	chunk := seedBackwardPage(t, db, "t0", "t1", cached...)

	older := make([]types.Event, 6)
	for i := range older {
		older[i] = test.NewMessageEvent(chunkRoomID, "@bob:example.org", "older")
	}
	cli := &fakeClient{pages: map[string]*types.TokenPage{
		"t1": {Start: "t1", End: "t2", Events: older},
	}}

	tc := newTimelineChunk(newTestChunkDeps(t, db, cli), chunk)
	defer tc.close()

	result, err := tc.loadMore(ctx, 10, types.DirectionBackwards)
	require.NoError(t, err)
	assert.Equal(t, types.LoadMoreSuccess, result)
	assert.Equal(t, 1, cli.calls, "a single page covers the deficit")
	assert.Len(t, tc.builtItems(true, true), 10)
}

func TestChunkLoadMoreWithoutTokenOrEdgeFails(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()
	cli := &fakeClient{}

	// A chunk that has no tokens and was never confirmed as an edge.
	chunkID, err := db.Chunks.InsertChunk(ctx, nil, &types.Chunk{RoomID: chunkRoomID})
	require.NoError(t, err)
	chunk, err := db.ChunkByID(ctx, chunkID)
	require.NoError(t, err)
	require.NotNil(t, chunk)

	tc := newTimelineChunk(newTestChunkDeps(t, db, cli), *chunk)
	defer tc.close()

	result, err := tc.loadMore(ctx, 10, types.DirectionBackwards)
	require.NoError(t, err)
	assert.Equal(t, types.LoadMoreFailure, result,
		"a chunk that never proved an edge cannot claim the end of history")
	assert.Zero(t, cli.calls)
}

func TestChunkRetiresLocalEchoOnSyncedEvent(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()
	cli := &fakeClient{}
	deps := newTestChunkDeps(t, db, cli)

	echo := &types.TimelineEvent{
		Root:      test.NewMessageEvent(chunkRoomID, "@me:example.org", "hello"),
		SendState: types.SendStateSending,
	}
	deps.uiEcho.OnLocalEchoCreated(echo)
	require.NoError(t, db.AddSendingEvent(ctx, &tables.SendingEventRow{
		RoomID:        chunkRoomID,
		TransactionID: echo.EventID(),
		Event:         echo.Root,
		SendState:     echo.SendState,
	}))
	require.Len(t, deps.uiEcho.GetInMemorySendingEvents(), 1)

	synced := test.NewMessageEvent(chunkRoomID, "@me:example.org", "hello",
		test.WithTransactionID(echo.EventID()))
	chunk := seedBackwardPage(t, db, "t0", "t1", synced)

	tc := newTimelineChunk(deps, chunk)
	defer tc.close()

	_, err := tc.loadMore(ctx, 5, types.DirectionBackwards)
	require.NoError(t, err)
	assert.Empty(t, deps.uiEcho.GetInMemorySendingEvents(),
		"materialising the synced counterpart must retire the echo")
	rows, err := db.SendingEventsForRoom(ctx, chunkRoomID)
	require.NoError(t, err)
	assert.Empty(t, rows, "the persisted copy retires with the in-memory echo")
}

func TestChunkPicksUpLiveInsertions(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()
	cli := &fakeClient{}
	updated := 0
	deps := newTestChunkDeps(t, db, cli)
	deps.onBuiltEventsUpdated = func() { updated++ }

	m1 := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "one")
	chunk := seedBackwardPage(t, db, "t0", "t1", m1)
	tc := newTimelineChunk(deps, chunk)
	defer tc.close()

	_, err := tc.loadMore(ctx, 5, types.DirectionBackwards)
	require.NoError(t, err)
	require.Len(t, tc.builtItems(true, true), 1)

	// A forward page lands in the same chunk, e.g. from sync.
	m2 := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "two")
	_, err = db.InsertPage(ctx, chunkRoomID, nil, types.DirectionForwards, &types.TokenPage{
		Start: "t0", End: "t3", Events: []types.Event{m2},
	})
	require.NoError(t, err)

	built := tc.builtItems(true, true)
	require.Len(t, built, 2)
	assert.Equal(t, m2.EventID, built[0].EventID(), "live insertions surface at the forward edge")
	assert.Equal(t, 1, updated, "one batch yields one notification")
}
