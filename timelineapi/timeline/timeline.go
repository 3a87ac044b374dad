// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package timeline exposes the timeline facade: a per-room, per-mode view
// over the chunk store that paginates on demand and publishes immutable
// snapshots to its listener.
package timeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/cambium/internal/caching"
	"github.com/element-hq/cambium/timelineapi/client"
	"github.com/element-hq/cambium/timelineapi/decryption"
	"github.com/element-hq/cambium/timelineapi/internal"
	"github.com/element-hq/cambium/timelineapi/storage"
	"github.com/element-hq/cambium/timelineapi/storage/tables"
	"github.com/element-hq/cambium/timelineapi/types"
)

// Listener receives timeline output. Callbacks fire on the timeline's own
// goroutine; implementations hand off to their presentation layer instead
// of blocking.
type Listener interface {
	// OnTimelineUpdated delivers a fresh immutable snapshot: reconciled
	// pending-send events first, then the built window, newest first.
	OnTimelineUpdated(snapshot []*types.TimelineEvent)
	// OnNewTimelineEvents names events that appeared since the previous
	// snapshot.
	OnNewTimelineEvents(eventIDs []string)
	// OnTimelineFailure reports a pagination error the timeline survived.
	OnTimelineFailure(err error)
}

// Dependencies bundles the engine collaborators a timeline instance needs.
type Dependencies struct {
	DB        storage.Database
	Client    client.Client
	Caches    *caching.Caches
	Decryptor *decryption.Decryptor
}

// Timeline is the facade over one room's (or thread's) history. All
// mutation flows through a single task goroutine; pagination state is a
// compare-and-swap replaced value per direction so concurrent callers
// observe consistent guards without holding locks across IO.
type Timeline struct {
	TimelineID string

	deps     Dependencies
	roomID   string
	settings types.TimelineSettings
	listener Listener

	strategy *chunkStrategy
	uiEcho   *UIEchoManager

	forwardsState  atomic.Pointer[types.PaginationState]
	backwardsState atomic.Pointer[types.PaginationState]

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   chan func()
	dirty   chan struct{}

	sendingUnsub func()
	knownIDs     map[string]struct{}
}

// NewTimeline builds a timeline over the room with the given settings. A
// non-empty settings.RootThreadEventID selects thread mode, a non-empty
// settings.InitialEventID selects permalink mode, otherwise the timeline
// follows the live edge.
func NewTimeline(deps Dependencies, roomID string, settings types.TimelineSettings, listener Listener) *Timeline {
	t := &Timeline{
		TimelineID: uuid.NewString(),
		deps:       deps,
		roomID:     roomID,
		settings:   settings,
		listener:   listener,
		tasks:      make(chan func(), 64),
		dirty:      make(chan struct{}, 1),
		knownIDs:   map[string]struct{}{},
	}
	t.uiEcho = NewUIEchoManager(t.rebuildTargetEvent)
	t.strategy = newChunkStrategy(t.newChunkDeps(settings))
	initial := types.InitialPaginationState()
	t.forwardsState.Store(&initial)
	backwards := types.InitialPaginationState()
	t.backwardsState.Store(&backwards)
	return t
}

func (t *Timeline) newChunkDeps(settings types.TimelineSettings) *chunkDeps {
	var threadRootID *string
	if settings.RootThreadEventID != "" {
		rootID := settings.RootThreadEventID
		threadRootID = &rootID
	}
	return &chunkDeps{
		db: t.deps.DB,
		paginator: &internal.Paginator{
			DB:     t.deps.DB,
			Client: t.deps.Client,
			Caches: t.deps.Caches,
		},
		decryptor:            t.deps.Decryptor,
		uiEcho:               t.uiEcho,
		settings:             settings,
		roomID:               t.roomID,
		threadRootID:         threadRootID,
		onBuiltEventsUpdated: t.markDirty,
	}
}

// Start anchors the timeline and performs the initial backwards load.
// Calling Start twice is a no-op.
func (t *Timeline) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	if err := t.strategy.onStart(t.ctx); err != nil {
		t.started.Store(false)
		t.cancel()
		return err
	}
	t.hydrateSendingEvents()
	t.sendingUnsub = t.deps.DB.Notifier().SubscribeSending(t.roomID, t.markDirty)
	go t.run()

	t.enqueue(func() {
		result, err := t.strategy.loadMore(t.ctx, t.settings.InitialSize, types.DirectionBackwards)
		if err != nil {
			logrus.WithError(err).WithField("room_id", t.roomID).Warn("Initial timeline load failed")
			t.listener.OnTimelineFailure(err)
		}
		if result == types.LoadMoreReachedEnd {
			idle := types.PaginationState{}
			t.backwardsState.Store(&idle)
		}
		t.publishSnapshot()
	})
	return nil
}

// hydrateSendingEvents reloads the persisted pending-send queue into the
// echo manager, oldest first so the prepend order leaves the most recent
// echo at the front.
func (t *Timeline) hydrateSendingEvents() {
	rows, err := t.deps.DB.SendingEventsForRoom(t.ctx, t.roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", t.roomID).Warn("Failed to reload sending events")
		return
	}
	for i := len(rows) - 1; i >= 0; i-- {
		t.uiEcho.OnLocalEchoCreated(&types.TimelineEvent{
			Root:      rows[i].Event,
			SendState: rows[i].SendState,
		})
	}
}

// Dispose stops the timeline and releases every wrapper and subscription.
// The timeline cannot be restarted; build a new one instead.
func (t *Timeline) Dispose() {
	if !t.started.CompareAndSwap(true, false) {
		return
	}
	t.cancel()
	if t.sendingUnsub != nil {
		t.sendingUnsub()
		t.sendingUnsub = nil
	}
	if err := t.strategy.onStop(context.Background()); err != nil {
		logrus.WithError(err).WithField("room_id", t.roomID).Warn("Timeline teardown failed")
	}
	t.uiEcho.Clear()
}

// run is the single task goroutine: it serialises all timeline mutation
// and coalesces snapshot publication.
func (t *Timeline) run() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case f := <-t.tasks:
			f()
		case <-t.dirty:
			t.publishSnapshot()
		}
	}
}

func (t *Timeline) enqueue(f func()) {
	select {
	case t.tasks <- f:
	case <-t.ctx.Done():
	}
}

// markDirty requests a coalesced snapshot publication. Safe from any
// goroutine; redundant marks collapse into one publication.
func (t *Timeline) markDirty() {
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}

// Paginate requests count further events in the direction. Returns false
// without dispatching when the timeline is not started, is already
// paginating that way, or has already proven the direction exhausted.
func (t *Timeline) Paginate(count int, dir types.Direction) bool {
	if !t.started.Load() {
		return false
	}
	state := t.stateFor(dir)
	for {
		current := state.Load()
		if current.IsPaginating || !current.HasMoreToLoad {
			return false
		}
		next := &types.PaginationState{HasMoreToLoad: true, IsPaginating: true, RequestedCount: count}
		if state.CompareAndSwap(current, next) {
			break
		}
	}
	t.enqueue(func() { t.runPagination(count, dir) })
	return true
}

func (t *Timeline) runPagination(count int, dir types.Direction) {
	result, err := t.strategy.loadMore(t.ctx, count, dir)
	state := t.stateFor(dir)
	if err != nil {
		// Back to idle. A terminal rejection still proves the edge; any
		// other failure leaves hasMore set so the caller can retry.
		idle := types.PaginationState{HasMoreToLoad: result != types.LoadMoreReachedEnd}
		state.Store(&idle)
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":   t.roomID,
			"direction": dir.String(),
		}).Warn("Pagination failed")
		t.listener.OnTimelineFailure(err)
	} else {
		idle := types.PaginationState{HasMoreToLoad: result != types.LoadMoreReachedEnd}
		state.Store(&idle)
	}
	t.publishSnapshot()
}

func (t *Timeline) stateFor(dir types.Direction) *atomic.Pointer[types.PaginationState] {
	if dir == types.DirectionForwards {
		return &t.forwardsState
	}
	return &t.backwardsState
}

// PaginationState returns the current state for the direction.
func (t *Timeline) PaginationState(dir types.Direction) types.PaginationState {
	return *t.stateFor(dir).Load()
}

// RestartWithEventID re-anchors the timeline around the given event,
// switching to permalink mode. An empty event id re-anchors on the live
// edge.
func (t *Timeline) RestartWithEventID(eventID string) {
	if !t.started.Load() {
		return
	}
	t.enqueue(func() {
		if err := t.strategy.onStop(t.ctx); err != nil {
			logrus.WithError(err).WithField("room_id", t.roomID).Warn("Timeline re-anchor teardown failed")
		}
		settings := t.settings
		settings.InitialEventID = eventID
		t.strategy = newChunkStrategy(t.newChunkDeps(settings))
		forwards := types.InitialPaginationState()
		t.forwardsState.Store(&forwards)
		backwards := types.InitialPaginationState()
		t.backwardsState.Store(&backwards)
		if err := t.strategy.onStart(t.ctx); err != nil {
			t.listener.OnTimelineFailure(err)
			return
		}
		if _, err := t.strategy.loadMore(t.ctx, t.settings.InitialSize, types.DirectionBackwards); err != nil {
			t.listener.OnTimelineFailure(err)
		}
		t.publishSnapshot()
	})
}

// OnLocalEchoCreated registers a just-sent local event so it renders ahead
// of its synced counterpart, and persists it so the echo survives a
// timeline restart.
func (t *Timeline) OnLocalEchoCreated(ev *types.TimelineEvent) {
	t.uiEcho.OnLocalEchoCreated(ev)
	err := t.deps.DB.AddSendingEvent(context.Background(), &tables.SendingEventRow{
		RoomID:        t.roomID,
		TransactionID: ev.EventID(),
		Event:         ev.Root,
		SendState:     ev.SendState,
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":  t.roomID,
			"event_id": ev.EventID(),
		}).Warn("Failed to persist sending event")
	}
	t.markDirty()
}

// OnSendStateUpdated records a delivery state change for a local echo.
func (t *Timeline) OnSendStateUpdated(eventID string, state types.SendState) {
	if t.uiEcho.OnSendStateUpdated(eventID, state) {
		err := t.deps.DB.UpdateSendingEventState(context.Background(), t.roomID, eventID, state)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":  t.roomID,
				"event_id": eventID,
			}).Warn("Failed to persist sending event state")
		}
		t.markDirty()
	}
}

// rebuildTargetEvent refreshes one event's view after a reaction echo
// changed its annotations.
func (t *Timeline) rebuildTargetEvent(eventID string) {
	if !t.started.Load() {
		return
	}
	t.enqueue(func() {
		if t.strategy.rebuildEvent(t.ctx, eventID) {
			t.publishSnapshot()
		} else {
			t.markDirty()
		}
	})
}

// publishSnapshot builds and delivers the current snapshot. Runs on the
// task goroutine only.
func (t *Timeline) publishSnapshot() {
	// Collapse any queued dirty mark into this publication.
	select {
	case <-t.dirty:
	default:
	}

	built := t.strategy.buildSnapshot()
	snapshot := make([]*types.TimelineEvent, 0, len(built)+4)
	snapshot = append(snapshot, t.uiEcho.GetInMemorySendingEvents()...)
	var newIDs []string
	for _, ev := range built {
		ev = t.uiEcho.UpdateSentStateWithUIEcho(ev)
		if t.settings.BuildSenderInfo {
			ev = t.overlaySenderInfo(ev)
		}
		if _, known := t.knownIDs[ev.EventID()]; !known {
			t.knownIDs[ev.EventID()] = struct{}{}
			newIDs = append(newIDs, ev.EventID())
		}
		snapshot = append(snapshot, ev)
	}
	if len(newIDs) > 0 {
		t.listener.OnNewTimelineEvents(newIDs)
	}
	t.listener.OnTimelineUpdated(snapshot)
}

// overlaySenderInfo refreshes the sender display metadata from the latest
// known room state, so renames apply to already built events.
func (t *Timeline) overlaySenderInfo(ev *types.TimelineEvent) *types.TimelineEvent {
	info, err := t.deps.DB.MemberProfile(t.ctx, t.roomID, ev.Root.Sender)
	if err != nil || info == ev.Sender {
		return ev
	}
	if info.DisplayName == "" && info.AvatarURL == "" {
		return ev
	}
	cp := ev.ShallowCopy()
	cp.Sender = info
	return cp
}
