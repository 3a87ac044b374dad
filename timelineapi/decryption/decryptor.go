// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package decryption runs the background queue that turns encrypted
// timeline events into decrypted ones as key material becomes available.
package decryption

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/cambium/setup/process"
	"github.com/element-hq/cambium/timelineapi/storage"
	"github.com/element-hq/cambium/timelineapi/types"
)

const queueSize = 512

// failureWriteInterval rate-limits how often the same decryption failure
// is re-persisted for one event, since the chunk layer re-requests
// decryption every time the event is rebuilt.
const failureWriteInterval = 10 * time.Minute

// CryptoService is the key-management collaborator. DecryptEvent returns a
// *types.CryptoError for classified failures; session listeners fire when
// new inbound session material arrives.
type CryptoService interface {
	DecryptEvent(ctx context.Context, event *types.Event) (*types.DecryptionResult, error)
	// AddNewSessionListener subscribes to new inbound sessions and returns
	// the unsubscribe function.
	AddNewSessionListener(listener func(sessionID string)) func()
}

// Request asks the queue to decrypt one persisted timeline event.
type Request struct {
	RoomID string
	Event  types.Event
}

// Decryptor is the single-consumer decryption queue. Requests are deduped
// while in flight; events wedged on a missing session are parked per
// session id and retried exactly once when that session arrives.
type Decryptor struct {
	db      storage.Database
	crypto  CryptoService
	queue   chan Request
	stopped atomic.Bool

	mu          sync.Mutex
	inflight    map[string]struct{}
	wedged      map[string][]Request
	blocked     map[string]string
	cancel      context.CancelFunc
	unsubscribe func()

	failureWrites *gocache.Cache
}

// NewDecryptor wires the queue up; Start must be called before requests
// are consumed.
func NewDecryptor(db storage.Database, crypto CryptoService) *Decryptor {
	return &Decryptor{
		db:            db,
		crypto:        crypto,
		queue:         make(chan Request, queueSize),
		inflight:      map[string]struct{}{},
		wedged:        map[string][]Request{},
		blocked:       map[string]string{},
		failureWrites: gocache.New(failureWriteInterval, failureWriteInterval),
	}
}

// Start launches the consumer goroutine and subscribes to new-session
// notifications. The goroutine stops when the process context shuts down
// or when Destroy is called; calling Start again after Destroy re-arms
// the queue.
func (d *Decryptor) Start(processCtx *process.ProcessContext) {
	ctx, cancel := context.WithCancel(processCtx.Context())
	rawUnsub := d.crypto.AddNewSessionListener(d.onNewSession)
	var unsubOnce sync.Once
	unsubscribe := func() { unsubOnce.Do(rawUnsub) }
	d.mu.Lock()
	d.cancel = cancel
	d.unsubscribe = unsubscribe
	d.mu.Unlock()
	d.stopped.Store(false)
	processCtx.ComponentStarted()
	go func() {
		defer processCtx.ComponentFinished()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-d.queue:
				d.process(ctx, req)
			}
		}
	}()
}

// RequestDecryption enqueues the event unless the queue has been
// destroyed or the event is already queued, being decrypted, or parked on
// a missing session. Safe to call from any goroutine, and cheap to call
// repeatedly for the same event.
func (d *Decryptor) RequestDecryption(req Request) {
	if d.stopped.Load() {
		return
	}
	d.mu.Lock()
	if _, ok := d.inflight[req.Event.EventID]; ok {
		d.mu.Unlock()
		return
	}
	if _, ok := d.blocked[req.Event.EventID]; ok {
		d.mu.Unlock()
		return
	}
	d.inflight[req.Event.EventID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- req:
	default:
		d.forget(req.Event.EventID)
		logrus.WithFields(logrus.Fields{
			"room_id":  req.RoomID,
			"event_id": req.Event.EventID,
		}).Warn("Decryption queue full, dropping request")
	}
}

// Destroy cancels the consumer goroutine, unsubscribes from new-session
// notifications, drops every queued and parked request, and rejects new
// ones until Start is called again.
func (d *Decryptor) Destroy() {
	d.stopped.Store(true)
	d.stop()
}

func (d *Decryptor) stop() {
	d.mu.Lock()
	cancel, unsubscribe := d.cancel, d.unsubscribe
	d.cancel, d.unsubscribe = nil, nil
	d.inflight = map[string]struct{}{}
	d.wedged = map[string][]Request{}
	d.blocked = map[string]string{}
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	for {
		select {
		case <-d.queue:
		default:
			return
		}
	}
}

func (d *Decryptor) forget(eventID string) {
	d.mu.Lock()
	delete(d.inflight, eventID)
	d.mu.Unlock()
}

func (d *Decryptor) process(ctx context.Context, req Request) {
	defer d.forget(req.Event.EventID)

	// Cleartext events only need thread-awareness linking.
	if !req.Event.IsEncrypted() {
		if rootID := req.Event.ThreadRootID(); rootID != "" {
			if err := d.db.UpdateThreadRoot(ctx, req.RoomID, req.Event.EventID, rootID); err != nil {
				logrus.WithError(err).WithField("event_id", req.Event.EventID).Error("Failed to persist thread root")
			}
		}
		return
	}

	result, err := d.crypto.DecryptEvent(ctx, &req.Event)
	if err == nil {
		if err = d.db.UpdateDecryptionResult(ctx, req.RoomID, req.Event.EventID, result); err != nil {
			logrus.WithError(err).WithField("event_id", req.Event.EventID).Error("Failed to persist decryption result")
			return
		}
		if rootID := result.ClearThreadRootID(); rootID != "" {
			if err = d.db.UpdateThreadRoot(ctx, req.RoomID, req.Event.EventID, rootID); err != nil {
				logrus.WithError(err).WithField("event_id", req.Event.EventID).Error("Failed to persist thread root")
			}
		}
		return
	}

	var cryptoErr *types.CryptoError
	if !errors.As(err, &cryptoErr) {
		logrus.WithError(err).WithField("event_id", req.Event.EventID).Warn("Decryption failed")
		cryptoErr = &types.CryptoError{Code: types.CryptoErrorUnableToDecrypt, Reason: err.Error()}
	}

	d.persistFailure(ctx, req, cryptoErr)

	switch cryptoErr.Code {
	case types.CryptoErrorUnknownSession, types.CryptoErrorUnknownMessageIndex:
		if sessionID := req.Event.SessionID(); sessionID != "" {
			d.park(sessionID, req)
		}
	}
}

// persistFailure writes the failure code to the event row, at most once
// per rate-limit window per event and code.
func (d *Decryptor) persistFailure(ctx context.Context, req Request, cryptoErr *types.CryptoError) {
	key := req.Event.EventID + "/" + string(cryptoErr.Code)
	if err := d.failureWrites.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		return
	}
	err := d.db.UpdateDecryptionError(ctx, req.RoomID, req.Event.EventID, string(cryptoErr.Code), cryptoErr.Reason)
	if err != nil {
		logrus.WithError(err).WithField("event_id", req.Event.EventID).Error("Failed to persist decryption error")
	}
}

// park remembers the request under its missing session so that the
// session's arrival triggers exactly one retry.
func (d *Decryptor) park(sessionID string, req Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blocked[req.Event.EventID]; ok {
		return
	}
	d.blocked[req.Event.EventID] = sessionID
	d.wedged[sessionID] = append(d.wedged[sessionID], req)
}

// onNewSession releases every request parked on the session and re-queues
// it. Fires on the crypto layer's goroutine, so only the maps are touched
// under the lock.
func (d *Decryptor) onNewSession(sessionID string) {
	d.mu.Lock()
	parked := d.wedged[sessionID]
	delete(d.wedged, sessionID)
	for _, req := range parked {
		delete(d.blocked, req.Event.EventID)
	}
	d.mu.Unlock()

	if len(parked) == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"events":     len(parked),
	}).Debug("New session, retrying wedged events")
	for _, req := range parked {
		d.failureWrites.Delete(req.Event.EventID + "/" + string(types.CryptoErrorUnknownSession))
		d.failureWrites.Delete(req.Event.EventID + "/" + string(types.CryptoErrorUnknownMessageIndex))
		d.RequestDecryption(req)
	}
}
