// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/tidwall/sjson"

	"github.com/element-hq/cambium/timelineapi/types"
)

var eventCounter int64

// NextEventID returns a fresh unique event id for tests.
func NextEventID() string {
	return fmt.Sprintf("$ev-%d", atomic.AddInt64(&eventCounter, 1))
}

type eventOpt func(*types.Event)

// WithTransactionID marks the event as the synced counterpart of a local
// echo with the given transaction id.
func WithTransactionID(txnID string) eventOpt {
	return func(ev *types.Event) {
		ev.Unsigned, _ = sjson.SetBytes(ev.Unsigned, "transaction_id", txnID)
	}
}

// WithPrevContent attaches replaced state content to the event's unsigned
// data, the way a backward page annotates member events.
func WithPrevContent(content interface{}) eventOpt {
	return func(ev *types.Event) {
		ev.Unsigned, _ = sjson.SetRawBytes(ev.Unsigned, "prev_content", mustJSON(content))
	}
}

// WithTimestamp sets the event's origin server timestamp.
func WithTimestamp(ts int64) eventOpt {
	return func(ev *types.Event) {
		ev.OriginServerTS = ts
	}
}

// NewMessageEvent builds an m.room.message text event.
func NewMessageEvent(roomID, sender, body string, opts ...eventOpt) types.Event {
	ev := types.Event{
		EventID:        NextEventID(),
		RoomID:         roomID,
		Sender:         sender,
		Type:           types.MRoomMessage,
		OriginServerTS: atomic.AddInt64(&eventCounter, 1),
		Content:        mustJSON(map[string]interface{}{"msgtype": "m.text", "body": body}),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// NewEncryptedEvent builds an m.room.encrypted event for the given megolm
// session.
func NewEncryptedEvent(roomID, sender, sessionID string, opts ...eventOpt) types.Event {
	ev := types.Event{
		EventID:        NextEventID(),
		RoomID:         roomID,
		Sender:         sender,
		Type:           types.MRoomEncrypted,
		OriginServerTS: atomic.AddInt64(&eventCounter, 1),
		Content: mustJSON(map[string]interface{}{
			"algorithm":  "m.megolm.v1.aes-sha2",
			"session_id": sessionID,
			"ciphertext": "AwgBEpABq...",
		}),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// NewReactionEvent builds an m.reaction annotating the target event.
func NewReactionEvent(roomID, sender, targetEventID, key string, opts ...eventOpt) types.Event {
	ev := types.Event{
		EventID:        NextEventID(),
		RoomID:         roomID,
		Sender:         sender,
		Type:           types.MReaction,
		OriginServerTS: atomic.AddInt64(&eventCounter, 1),
		Content: mustJSON(map[string]interface{}{
			"m.relates_to": map[string]interface{}{
				"rel_type": types.RelAnnotation,
				"event_id": targetEventID,
				"key":      key,
			},
		}),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// NewThreadReplyEvent builds a message replying within the given thread.
func NewThreadReplyEvent(roomID, sender, threadRootID, body string, opts ...eventOpt) types.Event {
	ev := types.Event{
		EventID:        NextEventID(),
		RoomID:         roomID,
		Sender:         sender,
		Type:           types.MRoomMessage,
		OriginServerTS: atomic.AddInt64(&eventCounter, 1),
		Content: mustJSON(map[string]interface{}{
			"msgtype": "m.text",
			"body":    body,
			"m.relates_to": map[string]interface{}{
				"rel_type": types.RelThread,
				"event_id": threadRootID,
			},
		}),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// NewMemberEvent builds an m.room.member state event for the user.
func NewMemberEvent(roomID, userID, displayName, avatarURL string, opts ...eventOpt) types.Event {
	content := map[string]interface{}{"membership": "join"}
	if displayName != "" {
		content["displayname"] = displayName
	}
	if avatarURL != "" {
		content["avatar_url"] = avatarURL
	}
	ev := types.Event{
		EventID:        NextEventID(),
		RoomID:         roomID,
		Sender:         userID,
		Type:           types.MRoomMember,
		StateKey:       &userID,
		OriginServerTS: atomic.AddInt64(&eventCounter, 1),
		Content:        mustJSON(content),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
