// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"sync"

	"github.com/element-hq/cambium/timelineapi/types"
)

// reactionEcho is one locally sent reaction awaiting its synced
// counterpart, remembered against the event it reacts to.
type reactionEcho struct {
	localEchoID string
	key         string
}

// UIEchoManager reconciles locally originated events with their synced
// counterparts so an event is never rendered twice. It keeps three tables:
// the pending local events themselves (most recent first), send-state
// overrides keyed by event id, and pending reaction echoes keyed by the
// target event id. All three are cleaned together when the synced
// counterpart arrives.
type UIEchoManager struct {
	mu         sync.Mutex
	sending    []*types.TimelineEvent
	sendStates map[string]types.SendState
	reactions  map[string][]reactionEcho

	// rebuildTarget asks the owner to rebuild one event's view after a
	// reaction echo changed its annotations. May be nil in tests.
	rebuildTarget func(targetEventID string)
}

func NewUIEchoManager(rebuildTarget func(targetEventID string)) *UIEchoManager {
	return &UIEchoManager{
		sendStates:    map[string]types.SendState{},
		reactions:     map[string][]reactionEcho{},
		rebuildTarget: rebuildTarget,
	}
}

// OnLocalEchoCreated registers a locally sent event. Reactions additionally
// overlay an annotation echo on their target and trigger a rebuild of the
// target's view.
func (m *UIEchoManager) OnLocalEchoCreated(ev *types.TimelineEvent) {
	target := ""
	m.mu.Lock()
	m.sending = append([]*types.TimelineEvent{ev}, m.sending...)
	if ev.Root.Type == types.MReaction {
		if key := ev.Root.AnnotationKey(); key != "" {
			if _, targetID := ev.Root.RelatesTo(); targetID != "" {
				if !m.hasReactionEchoLocked(targetID, ev.EventID()) {
					m.reactions[targetID] = append(m.reactions[targetID], reactionEcho{
						localEchoID: ev.EventID(),
						key:         key,
					})
					target = targetID
				}
			}
		}
	}
	m.mu.Unlock()
	if target != "" && m.rebuildTarget != nil {
		m.rebuildTarget(target)
	}
}

func (m *UIEchoManager) hasReactionEchoLocked(targetID, localEchoID string) bool {
	for _, echo := range m.reactions[targetID] {
		if echo.localEchoID == localEchoID {
			return true
		}
	}
	return false
}

// OnSendStateUpdated records a send-state override and reports whether the
// state actually changed, so callers can skip redundant snapshot refreshes.
func (m *UIEchoManager) OnSendStateUpdated(eventID string, state types.SendState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sendStates[eventID]; ok && existing == state {
		return false
	}
	m.sendStates[eventID] = state
	for i, ev := range m.sending {
		if ev.EventID() == eventID && ev.SendState != state {
			cp := ev.ShallowCopy()
			cp.SendState = state
			m.sending[i] = cp
		}
	}
	return true
}

// OnSyncedEvent retires the local echo matching the transaction id from all
// three tables and reports whether a pending echo was actually removed, so
// the caller can clean up the persisted copy too. This is the sole removal
// path besides explicit clearing; leaving any trace behind would render the
// event twice.
func (m *UIEchoManager) OnSyncedEvent(transactionID string) bool {
	if transactionID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	retired := false
	for i, ev := range m.sending {
		if ev.EventID() == transactionID {
			m.sending = append(m.sending[:i], m.sending[i+1:]...)
			retired = true
			break
		}
	}
	delete(m.sendStates, transactionID)
	for targetID, echoes := range m.reactions {
		kept := echoes[:0]
		for _, echo := range echoes {
			if echo.localEchoID != transactionID {
				kept = append(kept, echo)
			}
		}
		if len(kept) == 0 {
			delete(m.reactions, targetID)
		} else {
			m.reactions[targetID] = kept
		}
	}
	return retired
}

// DecorateEventWithReactionUIEcho overlays pending local reactions onto a
// synced event's aggregated annotations. An echo whose reaction event has
// already landed in the persisted summary is not counted again.
func (m *UIEchoManager) DecorateEventWithReactionUIEcho(ev *types.TimelineEvent) *types.TimelineEvent {
	m.mu.Lock()
	echoes := m.reactions[ev.EventID()]
	m.mu.Unlock()
	if len(echoes) == 0 {
		return ev
	}
	decorated := ev.ShallowCopy()
	if decorated.Annotations == nil {
		decorated.Annotations = &types.AnnotationsSummary{}
	}
	for _, echo := range echoes {
		agg := decorated.Annotations.Reaction(echo.key)
		if agg == nil {
			decorated.Annotations.Reactions = append(decorated.Annotations.Reactions, types.AggregatedAnnotation{Key: echo.key})
			agg = &decorated.Annotations.Reactions[len(decorated.Annotations.Reactions)-1]
		}
		if containsSourceID(agg.SourceIDs, echo.localEchoID) {
			agg.AddedByMe = true
			continue
		}
		agg.Count++
		agg.AddedByMe = true
	}
	return decorated
}

// UpdateSentStateWithUIEcho overlays the most recent known in-memory send
// state, unless the persisted event is already acknowledged.
func (m *UIEchoManager) UpdateSentStateWithUIEcho(ev *types.TimelineEvent) *types.TimelineEvent {
	if ev.SendState.IsSent() {
		return ev
	}
	m.mu.Lock()
	state, ok := m.sendStates[ev.EventID()]
	m.mu.Unlock()
	if !ok || state == ev.SendState {
		return ev
	}
	cp := ev.ShallowCopy()
	cp.SendState = state
	return cp
}

// GetInMemorySendingEvents returns a snapshot of the pending local events,
// most recent first.
func (m *UIEchoManager) GetInMemorySendingEvents() []*types.TimelineEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.TimelineEvent, len(m.sending))
	copy(out, m.sending)
	return out
}

// Clear drops all three tables, e.g. when the timeline stops.
func (m *UIEchoManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sending = nil
	m.sendStates = map[string]types.SendState{}
	m.reactions = map[string][]reactionEcho{}
}

func containsSourceID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
