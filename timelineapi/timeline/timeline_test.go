// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/cambium/test"
	"github.com/element-hq/cambium/timelineapi/decryption"
	"github.com/element-hq/cambium/timelineapi/storage"
	"github.com/element-hq/cambium/timelineapi/types"
)

type chanListener struct {
	snapshots chan []*types.TimelineEvent
	newEvents chan []string
	failures  chan error
}

func newChanListener() *chanListener {
	return &chanListener{
		snapshots: make(chan []*types.TimelineEvent, 16),
		newEvents: make(chan []string, 16),
		failures:  make(chan error, 16),
	}
}

func (l *chanListener) OnTimelineUpdated(snapshot []*types.TimelineEvent) { l.snapshots <- snapshot }
func (l *chanListener) OnNewTimelineEvents(eventIDs []string)             { l.newEvents <- eventIDs }
func (l *chanListener) OnTimelineFailure(err error)                       { l.failures <- err }

func (l *chanListener) waitSnapshot(t *testing.T) []*types.TimelineEvent {
	t.Helper()
	select {
	case s := <-l.snapshots:
		return s
	case err := <-l.failures:
		t.Fatalf("timeline failure instead of snapshot: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
	}
	return nil
}

// waitSnapshotWhere keeps draining snapshots until one satisfies the
// predicate, so tests survive intermediate publications.
func (l *chanListener) waitSnapshotWhere(t *testing.T, pred func([]*types.TimelineEvent) bool) []*types.TimelineEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-l.snapshots:
			if pred(s) {
				return s
			}
		case err := <-l.failures:
			t.Fatalf("timeline failure instead of snapshot: %v", err)
		case <-deadline:
			t.Fatal("timed out waiting for a matching snapshot")
		}
	}
}

func newTestTimeline(t *testing.T, db storage.Database, cli *fakeClient, settings types.TimelineSettings, listener Listener) *Timeline {
	t.Helper()
	tl := NewTimeline(Dependencies{
		DB:        db,
		Client:    cli,
		Decryptor: decryption.NewDecryptor(db, nopCrypto{}),
	}, chunkRoomID, settings, listener)
	t.Cleanup(tl.Dispose)
	return tl
}

func TestTimelineEmptyRoomExhaustsImmediately(t *testing.T) {
	db := test.NewInMemoryDatabase()
	cli := &fakeClient{}
	listener := newChanListener()

	tl := newTestTimeline(t, db, cli, types.DefaultTimelineSettings(), listener)
	require.NoError(t, tl.Start(context.Background()))

	snapshot := listener.waitSnapshot(t)
	assert.Empty(t, snapshot)
	assert.Zero(t, cli.calls, "an empty room has nothing to anchor a fetch on")

	state := tl.PaginationState(types.DirectionBackwards)
	assert.False(t, state.HasMoreToLoad)
	assert.False(t, tl.Paginate(10, types.DirectionBackwards),
		"a proven end must reject further pagination")
}

func TestTimelineLocalEchoLifecycle(t *testing.T) {
	db := test.NewInMemoryDatabase()
	cli := &fakeClient{}
	listener := newChanListener()

	tl := newTestTimeline(t, db, cli, types.DefaultTimelineSettings(), listener)
	require.NoError(t, tl.Start(context.Background()))
	listener.waitSnapshot(t)

	echo := &types.TimelineEvent{
		Root:      test.NewMessageEvent(chunkRoomID, "@me:example.org", "hi"),
		SendState: types.SendStateSending,
	}
	tl.OnLocalEchoCreated(echo)
	snapshot := listener.waitSnapshotWhere(t, func(s []*types.TimelineEvent) bool { return len(s) == 1 })
	assert.Equal(t, types.SendStateSending, snapshot[0].SendState)

	tl.OnSendStateUpdated(echo.EventID(), types.SendStateFailed)
	snapshot = listener.waitSnapshotWhere(t, func(s []*types.TimelineEvent) bool {
		return len(s) == 1 && s[0].SendState == types.SendStateFailed
	})
	assert.Equal(t, echo.EventID(), snapshot[0].EventID())
}

func TestTimelinePermalinkAnchorsOnEvent(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	e3 := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "three")
	e2 := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "two")
	e1 := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "one")
	_, err := db.InsertPage(ctx, chunkRoomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: []types.Event{e3, e2, e1},
	})
	require.NoError(t, err)

	// The server has nothing older than the cached page.
	cli := &fakeClient{pages: map[string]*types.TokenPage{
		"t1": {Start: "t1", End: "t1"},
	}}
	listener := newChanListener()

	settings := types.DefaultTimelineSettings()
	settings.InitialEventID = e2.EventID
	tl := newTestTimeline(t, db, cli, settings, listener)
	require.NoError(t, tl.Start(ctx))

	snapshot := listener.waitSnapshotWhere(t, func(s []*types.TimelineEvent) bool { return len(s) == 2 })
	assert.Equal(t, e2.EventID, snapshot[0].EventID(), "the anchor leads the backward window")
	assert.Equal(t, e1.EventID, snapshot[1].EventID())

	state := tl.PaginationState(types.DirectionBackwards)
	assert.False(t, state.HasMoreToLoad, "the server confirmed the edge during the initial load")
}

func TestTimelinePaginateGuardsConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	events := make([]types.Event, 3)
	for i := range events {
		events[i] = test.NewMessageEvent(chunkRoomID, "@alice:example.org", "msg")
	}
	_, err := db.InsertPage(ctx, chunkRoomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: events,
	})
	require.NoError(t, err)

	cli := &fakeClient{pages: map[string]*types.TokenPage{
		"t1": {Start: "t1", End: "t1"},
		"t0": {Start: "t0", End: "t0"},
	}}
	listener := newChanListener()

	settings := types.DefaultTimelineSettings()
	settings.InitialEventID = events[1].EventID
	tl := newTestTimeline(t, db, cli, settings, listener)
	require.NoError(t, tl.Start(ctx))
	listener.waitSnapshot(t)

	// The initial load already proved the backward edge.
	assert.False(t, tl.Paginate(10, types.DirectionBackwards))

	// Forwards is still open, but only one request may be in flight; the
	// second call sees either the in-flight guard or the proven end.
	assert.True(t, tl.Paginate(10, types.DirectionForwards))
	assert.False(t, tl.Paginate(10, types.DirectionForwards))

	listener.waitSnapshotWhere(t, func(s []*types.TimelineEvent) bool { return len(s) == 3 })
	state := tl.PaginationState(types.DirectionForwards)
	assert.False(t, state.HasMoreToLoad, "the empty forward page proved the live edge")
}

func TestTimelineRehydratesSendingEvents(t *testing.T) {
	db := test.NewInMemoryDatabase()
	cli := &fakeClient{}

	first := newTestTimeline(t, db, cli, types.DefaultTimelineSettings(), newChanListener())
	require.NoError(t, first.Start(context.Background()))
	echo := &types.TimelineEvent{
		Root:      test.NewMessageEvent(chunkRoomID, "@me:example.org", "still sending"),
		SendState: types.SendStateSending,
	}
	first.OnLocalEchoCreated(echo)
	first.Dispose()

	// A fresh instance over the same store renders the unacknowledged echo
	// straight away.
	listener := newChanListener()
	tl := newTestTimeline(t, db, cli, types.DefaultTimelineSettings(), listener)
	require.NoError(t, tl.Start(context.Background()))

	snapshot := listener.waitSnapshotWhere(t, func(s []*types.TimelineEvent) bool { return len(s) == 1 })
	assert.Equal(t, echo.EventID(), snapshot[0].EventID())
	assert.Equal(t, types.SendStateSending, snapshot[0].SendState)
}

func TestTimelineReportsForbiddenPagination(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	ev := test.NewMessageEvent(chunkRoomID, "@alice:example.org", "last visible")
	_, err := db.InsertPage(ctx, chunkRoomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: []types.Event{ev},
	})
	require.NoError(t, err)

	// Access was revoked between the cached page and this load.
	cli := &fakeClient{errs: map[string]error{
		"t1": gomatrix.RespError{ErrCode: "M_FORBIDDEN", Err: "not a member"},
	}}
	listener := newChanListener()

	settings := types.DefaultTimelineSettings()
	settings.InitialEventID = ev.EventID
	tl := newTestTimeline(t, db, cli, settings, listener)
	require.NoError(t, tl.Start(ctx))

	select {
	case failure := <-listener.failures:
		assert.Contains(t, failure.Error(), "M_FORBIDDEN")
	case <-time.After(5 * time.Second):
		t.Fatal("the listener never learned about the rejection")
	}

	snapshot := listener.waitSnapshot(t)
	require.Len(t, snapshot, 1)
	state := tl.PaginationState(types.DirectionBackwards)
	assert.False(t, state.HasMoreToLoad, "a rejected direction offers no more history")
}
