// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	MRoomMessage   = "m.room.message"
	MRoomMember    = "m.room.member"
	MRoomEncrypted = "m.room.encrypted"
	MRoomRedaction = "m.room.redaction"
	MReaction      = "m.reaction"
	MSticker       = "m.sticker"
	RelReplace     = "m.replace"
	RelThread      = "m.thread"
	RelAnnotation  = "m.annotation"
)

// Event is the immutable envelope of a room event as consumed from the
// pagination API or produced locally. Content and Unsigned are kept as raw
// JSON and inspected with gjson where needed.
type Event struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Redacts        string          `json:"redacts,omitempty"`
}

// Valid reports whether the event carries the fields the merge persistor
// requires. Events failing this check are dropped, not persisted.
func (e *Event) Valid() bool {
	return e != nil && e.EventID != "" && e.Sender != ""
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// IsEncrypted reports whether the event payload still needs decryption.
func (e *Event) IsEncrypted() bool {
	return e.Type == MRoomEncrypted
}

// TransactionID returns the client-supplied transaction id echoed back by
// the server in the unsigned data, or "" if there is none. A non-empty
// transaction id means this synced event started life as a local echo.
func (e *Event) TransactionID() string {
	return gjson.GetBytes(e.Unsigned, "transaction_id").String()
}

// SessionID returns the megolm session id from the encryption metadata of
// an encrypted event, or "" if the event is not encrypted or malformed.
func (e *Event) SessionID() string {
	if !e.IsEncrypted() {
		return ""
	}
	return gjson.GetBytes(e.Content, "session_id").String()
}

// RelatesTo returns the relation type and target event id declared in the
// event content, or empty strings if the event declares no relation.
func (e *Event) RelatesTo() (relType, targetEventID string) {
	rel := gjson.GetBytes(e.Content, `m\.relates_to`)
	if !rel.Exists() {
		return "", ""
	}
	return rel.Get("rel_type").String(), rel.Get("event_id").String()
}

// ThreadRootID returns the thread root this event belongs to, or "".
func (e *Event) ThreadRootID() string {
	relType, target := e.RelatesTo()
	if relType == RelThread {
		return target
	}
	return ""
}

// AnnotationKey returns the aggregation key of a reaction event, or "".
func (e *Event) AnnotationKey() string {
	rel := gjson.GetBytes(e.Content, `m\.relates_to`)
	if rel.Get("rel_type").String() != RelAnnotation {
		return ""
	}
	return rel.Get("key").String()
}

// DecryptionResult is the opaque outcome of decrypting an event. The clear
// payload replaces the encrypted content when building timeline events.
type DecryptionResult struct {
	ClearEvent  json.RawMessage   `json:"clear_event"`
	SenderKey   string            `json:"sender_key,omitempty"`
	ClaimedKeys map[string]string `json:"claimed_keys,omitempty"`
	IsSafe      bool              `json:"is_safe,omitempty"`
}

// ClearType returns the event type of the decrypted payload.
func (r *DecryptionResult) ClearType() string {
	return gjson.GetBytes(r.ClearEvent, "type").String()
}

// ClearThreadRootID returns the thread root declared in the decrypted
// payload, or "".
func (r *DecryptionResult) ClearThreadRootID() string {
	rel := gjson.GetBytes(r.ClearEvent, `content.m\.relates_to`)
	if rel.Get("rel_type").String() == RelThread {
		return rel.Get("event_id").String()
	}
	return ""
}

// CryptoErrorCode classifies decryption failures.
type CryptoErrorCode string

const (
	CryptoErrorUnknownSession      CryptoErrorCode = "UNKNOWN_SESSION"
	CryptoErrorUnknownMessageIndex CryptoErrorCode = "UNKNOWN_MESSAGE_INDEX"
	CryptoErrorBadEncryptedMessage CryptoErrorCode = "BAD_ENCRYPTED_MESSAGE"
	CryptoErrorUnableToDecrypt     CryptoErrorCode = "UNABLE_TO_DECRYPT"
)

// CryptoError is returned by the key-management collaborator when an event
// cannot be decrypted.
type CryptoError struct {
	Code   CryptoErrorCode
	Reason string
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto error %s: %s", e.Code, e.Reason)
}

// SenderInfo is the resolved display metadata of an event sender at the
// point in the timeline the event occupies.
type SenderInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// AggregatedAnnotation is one reaction key aggregated over an event.
type AggregatedAnnotation struct {
	Key       string   `json:"key"`
	Count     int      `json:"count"`
	AddedByMe bool     `json:"added_by_me,omitempty"`
	SourceIDs []string `json:"source_ids,omitempty"`
}

// AnnotationsSummary is the persisted reaction aggregation for an event.
type AnnotationsSummary struct {
	Reactions []AggregatedAnnotation `json:"reactions,omitempty"`
}

// Reaction returns the aggregation for the given key, or nil.
func (s *AnnotationsSummary) Reaction(key string) *AggregatedAnnotation {
	if s == nil {
		return nil
	}
	for i := range s.Reactions {
		if s.Reactions[i].Key == key {
			return &s.Reactions[i]
		}
	}
	return nil
}

// TimelineEvent is a UI-ready event: the envelope plus its mutable
// decorations. Instances handed to listeners are snapshots and must not be
// mutated by the engine afterwards.
type TimelineEvent struct {
	Root         Event
	DisplayIndex int64
	Sender       SenderInfo
	SendState    SendState

	// Decryption decoration. At most one of DecryptionResult and
	// DecryptionErrorCode is set once the decryption queue has visited
	// the event.
	DecryptionResult      *DecryptionResult
	DecryptionErrorCode   string
	DecryptionErrorReason string

	ThreadRootID string
	Annotations  *AnnotationsSummary
}

// EventID is a convenience accessor for the envelope id.
func (e *TimelineEvent) EventID() string {
	return e.Root.EventID
}

// IsEncrypted reports whether the event is encrypted and not yet decrypted.
func (e *TimelineEvent) IsEncrypted() bool {
	return e.Root.IsEncrypted() && e.DecryptionResult == nil
}

// ShallowCopy returns a copy suitable for decoration before publishing.
func (e *TimelineEvent) ShallowCopy() *TimelineEvent {
	cp := *e
	if e.Annotations != nil {
		reactions := make([]AggregatedAnnotation, len(e.Annotations.Reactions))
		copy(reactions, e.Annotations.Reactions)
		cp.Annotations = &AnnotationsSummary{Reactions: reactions}
	}
	return &cp
}
