// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"sync"

	"github.com/element-hq/cambium/timelineapi/storage/tables"
)

// EventsInserted notifies that new rows were committed into a chunk.
type EventsInserted struct {
	RoomID  string
	ChunkID int64
	Rows    []tables.TimelineEventRow
}

// EventUpdated notifies that an existing row's decoration changed.
type EventUpdated struct {
	RoomID  string
	ChunkID int64
	EventID string
}

// ChunkAbsorbed notifies that a chunk was merged away into another chunk.
type ChunkAbsorbed struct {
	RoomID       string
	ChunkID      int64
	absorbedInto int64
}

// AbsorbedInto returns the chunk that now owns the absorbed chunk's events.
func (c ChunkAbsorbed) AbsorbedInto() int64 { return c.absorbedInto }

// ChunkListener receives committed changes for one chunk's event
// collection. Callbacks fire on the goroutine that performed the write,
// after the transaction committed.
type ChunkListener interface {
	OnEventsInserted(ins EventsInserted)
	OnEventUpdated(upd EventUpdated)
	OnChunkAbsorbed(abs ChunkAbsorbed)
}

// Notifier delivers committed-write notifications to subscribed chunk
// wrappers and room-level sending-event observers.
type Notifier struct {
	mu       sync.Mutex
	chunks   map[int64]map[int]ChunkListener
	sendings map[string]map[int]func()
	nextID   int
}

func NewNotifier() *Notifier {
	return &Notifier{
		chunks:   make(map[int64]map[int]ChunkListener),
		sendings: make(map[string]map[int]func()),
	}
}

// SubscribeChunk registers a listener for one chunk id. The returned
// function removes the subscription.
func (n *Notifier) SubscribeChunk(chunkID int64, l ChunkListener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	if n.chunks[chunkID] == nil {
		n.chunks[chunkID] = make(map[int]ChunkListener)
	}
	n.chunks[chunkID][id] = l
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.chunks[chunkID], id)
	}
}

// SubscribeSending registers an observer for the room's sending-events
// collection.
func (n *Notifier) SubscribeSending(roomID string, fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	if n.sendings[roomID] == nil {
		n.sendings[roomID] = make(map[int]func())
	}
	n.sendings[roomID][id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.sendings[roomID], id)
	}
}

func (n *Notifier) chunkListeners(chunkID int64) []ChunkListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ChunkListener, 0, len(n.chunks[chunkID]))
	for _, l := range n.chunks[chunkID] {
		out = append(out, l)
	}
	return out
}

func (n *Notifier) notifyEventsInserted(ins EventsInserted) {
	for _, l := range n.chunkListeners(ins.ChunkID) {
		l.OnEventsInserted(ins)
	}
}

func (n *Notifier) notifyEventUpdated(upd EventUpdated) {
	for _, l := range n.chunkListeners(upd.ChunkID) {
		l.OnEventUpdated(upd)
	}
}

func (n *Notifier) notifyChunkAbsorbed(abs ChunkAbsorbed) {
	for _, l := range n.chunkListeners(abs.ChunkID) {
		l.OnChunkAbsorbed(abs)
	}
}

func (n *Notifier) notifySendingChanged(roomID string) {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.sendings[roomID]))
	for _, fn := range n.sendings[roomID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// pendingNotifications accumulates notifications inside a transaction and
// fires them only after the transaction commits, so listeners never observe
// uncommitted state.
type pendingNotifications struct {
	inserted []EventsInserted
	updated  []EventUpdated
	absorbed []ChunkAbsorbed
	sending  []string
}

func (p *pendingNotifications) addInserted(roomID string, chunkID int64, rows ...tables.TimelineEventRow) {
	if len(rows) == 0 {
		return
	}
	for i := range p.inserted {
		if p.inserted[i].ChunkID == chunkID {
			p.inserted[i].Rows = append(p.inserted[i].Rows, rows...)
			return
		}
	}
	p.inserted = append(p.inserted, EventsInserted{RoomID: roomID, ChunkID: chunkID, Rows: rows})
}

func (p *pendingNotifications) addUpdated(roomID string, chunkID int64, eventID string) {
	p.updated = append(p.updated, EventUpdated{RoomID: roomID, ChunkID: chunkID, EventID: eventID})
}

func (p *pendingNotifications) addAbsorbed(roomID string, chunkID, into int64) {
	p.absorbed = append(p.absorbed, ChunkAbsorbed{RoomID: roomID, ChunkID: chunkID, absorbedInto: into})
}

func (p *pendingNotifications) addSending(roomID string) {
	p.sending = append(p.sending, roomID)
}

func (p *pendingNotifications) fire(n *Notifier) {
	if p == nil || n == nil {
		return
	}
	// Absorptions first so wrappers re-anchor before insertions arrive.
	for _, abs := range p.absorbed {
		n.notifyChunkAbsorbed(abs)
	}
	for _, ins := range p.inserted {
		n.notifyEventsInserted(ins)
	}
	for _, upd := range p.updated {
		n.notifyEventUpdated(upd)
	}
	for _, roomID := range p.sending {
		n.notifySendingChanged(roomID)
	}
}
