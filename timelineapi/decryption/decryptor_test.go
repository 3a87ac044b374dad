// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package decryption

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/cambium/setup/process"
	"github.com/element-hq/cambium/test"
	"github.com/element-hq/cambium/timelineapi/types"
)

const roomID = "!room:example.org"

type scriptedCrypto struct {
	decrypt func(ev *types.Event) (*types.DecryptionResult, error)
	calls   int
}

func (s *scriptedCrypto) DecryptEvent(_ context.Context, ev *types.Event) (*types.DecryptionResult, error) {
	s.calls++
	return s.decrypt(ev)
}

func (s *scriptedCrypto) AddNewSessionListener(func(sessionID string)) func() {
	return func() {}
}

func clearTextResult(body string) *types.DecryptionResult {
	clear, _ := json.Marshal(map[string]interface{}{
		"type": types.MRoomMessage,
		"content": map[string]interface{}{
			"msgtype": "m.text",
			"body":    body,
		},
	})
	return &types.DecryptionResult{ClearEvent: clear, IsSafe: true}
}

func TestRequestDecryptionDedupesInflight(t *testing.T) {
	db := test.NewInMemoryDatabase()
	d := NewDecryptor(db, &scriptedCrypto{})

	ev := test.NewEncryptedEvent(roomID, "@alice:example.org", "session-1")
	d.RequestDecryption(Request{RoomID: roomID, Event: ev})
	d.RequestDecryption(Request{RoomID: roomID, Event: ev})

	assert.Len(t, d.queue, 1, "a request already in flight must not queue again")
}

func TestProcessPersistsResult(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()
	crypto := &scriptedCrypto{decrypt: func(*types.Event) (*types.DecryptionResult, error) {
		return clearTextResult("decrypted"), nil
	}}
	d := NewDecryptor(db, crypto)

	ev := test.NewEncryptedEvent(roomID, "@alice:example.org", "session-1")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: []types.Event{ev},
	})
	require.NoError(t, err)

	d.process(ctx, Request{RoomID: roomID, Event: ev})

	row, err := db.TimelineEvent(ctx, roomID, ev.EventID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.NotEmpty(t, row.DecryptionResultJSON)
	assert.Nil(t, row.DecryptionErrorCode)
	assert.Equal(t, 1, crypto.calls)
}

func TestNewSessionRetriesWedgedEventOnce(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	wedged := true
	crypto := &scriptedCrypto{decrypt: func(*types.Event) (*types.DecryptionResult, error) {
		if wedged {
			return nil, &types.CryptoError{Code: types.CryptoErrorUnknownSession, Reason: "no such session"}
		}
		return clearTextResult("finally"), nil
	}}
	d := NewDecryptor(db, crypto)

	ev := test.NewEncryptedEvent(roomID, "@alice:example.org", "session-1")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: []types.Event{ev},
	})
	require.NoError(t, err)

	d.process(ctx, Request{RoomID: roomID, Event: ev})

	row, err := db.TimelineEvent(ctx, roomID, ev.EventID)
	require.NoError(t, err)
	require.NotNil(t, row.DecryptionErrorCode)
	assert.Equal(t, string(types.CryptoErrorUnknownSession), *row.DecryptionErrorCode)

	// Parked requests ignore further decryption attempts until the session
	// arrives.
	d.RequestDecryption(Request{RoomID: roomID, Event: ev})
	assert.Empty(t, d.queue)

	wedged = false
	d.onNewSession("session-1")
	require.Len(t, d.queue, 1, "the new session releases exactly one retry")
	d.process(ctx, <-d.queue)

	row, err = db.TimelineEvent(ctx, roomID, ev.EventID)
	require.NoError(t, err)
	assert.NotEmpty(t, row.DecryptionResultJSON)
	assert.Equal(t, 2, crypto.calls)

	// The session is spent; a second arrival releases nothing.
	d.onNewSession("session-1")
	assert.Empty(t, d.queue)
}

func TestProcessLinksCleartextThreadReply(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()
	crypto := &scriptedCrypto{decrypt: func(*types.Event) (*types.DecryptionResult, error) {
		t.Fatal("cleartext events must not hit the crypto service")
		return nil, nil
	}}
	d := NewDecryptor(db, crypto)

	// The stored row predates thread awareness; the request carries the
	// same event with its relation visible.
	root := test.NewMessageEvent(roomID, "@alice:example.org", "root")
	stored := test.NewMessageEvent(roomID, "@bob:example.org", "in thread")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: []types.Event{stored, root},
	})
	require.NoError(t, err)

	reply := stored
	reply.Content, err = json.Marshal(map[string]interface{}{
		"msgtype": "m.text",
		"body":    "in thread",
		"m.relates_to": map[string]interface{}{
			"rel_type": types.RelThread,
			"event_id": root.EventID,
		},
	})
	require.NoError(t, err)

	d.process(ctx, Request{RoomID: roomID, Event: reply})

	row, err := db.TimelineEvent(ctx, roomID, reply.EventID)
	require.NoError(t, err)
	require.NotNil(t, row.ThreadRootID)
	assert.Equal(t, root.EventID, *row.ThreadRootID)
}

func TestDestroyStopsDecryption(t *testing.T) {
	db := test.NewInMemoryDatabase()
	decrypted := make(chan string, 1)
	crypto := &scriptedCrypto{decrypt: func(ev *types.Event) (*types.DecryptionResult, error) {
		decrypted <- ev.EventID
		return clearTextResult("unexpected"), nil
	}}
	d := NewDecryptor(db, crypto)

	processCtx := process.NewProcessContext()
	d.Start(processCtx)
	d.Destroy()

	ev := test.NewEncryptedEvent(roomID, "@alice:example.org", "session-1")
	d.RequestDecryption(Request{RoomID: roomID, Event: ev})

	assert.Empty(t, d.queue, "a destroyed queue rejects new requests")
	select {
	case id := <-decrypted:
		t.Fatalf("event %s was decrypted after Destroy", id)
	case <-time.After(100 * time.Millisecond):
	}

	processCtx.ShutdownCambium()
	processCtx.WaitForComponentsToFinish()
}

func TestStartAfterDestroyReArms(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()
	decrypted := make(chan string, 1)
	wedged := true
	crypto := &scriptedCrypto{decrypt: func(ev *types.Event) (*types.DecryptionResult, error) {
		if wedged {
			return nil, &types.CryptoError{Code: types.CryptoErrorUnknownSession, Reason: "no such session"}
		}
		decrypted <- ev.EventID
		return clearTextResult("recovered"), nil
	}}
	d := NewDecryptor(db, crypto)

	ev := test.NewEncryptedEvent(roomID, "@alice:example.org", "session-1")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: []types.Event{ev},
	})
	require.NoError(t, err)

	// Park the event on its missing session, then tear the queue down.
	d.process(ctx, Request{RoomID: roomID, Event: ev})
	d.Destroy()

	wedged = false
	processCtx := process.NewProcessContext()
	d.Start(processCtx)
	defer func() {
		processCtx.ShutdownCambium()
		processCtx.WaitForComponentsToFinish()
	}()

	// The restarted queue no longer considers the event parked.
	d.RequestDecryption(Request{RoomID: roomID, Event: ev})
	select {
	case id := <-decrypted:
		assert.Equal(t, ev.EventID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("restarted queue never decrypted the event")
	}
	assert.Equal(t, 2, crypto.calls)
}
