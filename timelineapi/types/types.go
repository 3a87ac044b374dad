// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "fmt"

// Direction is the direction of travel through a room timeline.
type Direction int

const (
	// DirectionForwards paginates toward the live edge of the room.
	DirectionForwards Direction = iota
	// DirectionBackwards paginates toward the creation of the room.
	DirectionBackwards
)

// Reversed returns the opposite direction.
func (d Direction) Reversed() Direction {
	if d == DirectionForwards {
		return DirectionBackwards
	}
	return DirectionForwards
}

func (d Direction) String() string {
	if d == DirectionForwards {
		return "forwards"
	}
	return "backwards"
}

// Wire returns the direction value used by the client-server pagination API.
func (d Direction) Wire() string {
	if d == DirectionForwards {
		return "f"
	}
	return "b"
}

// InsertResult is the outcome of applying a token page to the chunk store.
type InsertResult int

const (
	// InsertSuccess means at least one event from the page was applied.
	InsertSuccess InsertResult = iota
	// InsertShouldFetchMore means the page was empty but a further token
	// exists, so the caller should paginate again from that token.
	InsertShouldFetchMore
	// InsertReachedEnd means the page was empty with no further token and
	// the chunk has been marked as a terminal edge.
	InsertReachedEnd
)

func (r InsertResult) String() string {
	switch r {
	case InsertSuccess:
		return "success"
	case InsertShouldFetchMore:
		return "should_fetch_more"
	case InsertReachedEnd:
		return "reached_end"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// LoadMoreResult is the outcome of asking the chunk tree for more events.
type LoadMoreResult int

const (
	LoadMoreSuccess LoadMoreResult = iota
	LoadMoreReachedEnd
	LoadMoreFailure
)

func (r LoadMoreResult) String() string {
	switch r {
	case LoadMoreSuccess:
		return "success"
	case LoadMoreReachedEnd:
		return "reached_end"
	case LoadMoreFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// PaginationState is the per-direction state of a timeline instance. It is
// immutable: the owning timeline replaces the whole value through a
// compare-and-swap, never mutates it in place.
type PaginationState struct {
	HasMoreToLoad  bool
	IsPaginating   bool
	RequestedCount int
}

// InitialPaginationState is the state both directions start in.
func InitialPaginationState() PaginationState {
	return PaginationState{HasMoreToLoad: true}
}

// SendState tracks the delivery lifecycle of a locally originated event.
type SendState string

const (
	SendStateSending SendState = "sending"
	SendStateSent    SendState = "sent"
	SendStateSynced  SendState = "synced"
	SendStateFailed  SendState = "failed"
)

// IsSent reports whether the state is terminal from the sender's point of
// view: the server has acknowledged the event.
func (s SendState) IsSent() bool {
	return s == SendStateSent || s == SendStateSynced
}

// Chunk is a bounded, token-delimited contiguous run of room history. Links
// to neighbouring chunks are stored as opaque ids rather than references so
// that the persisted graph can be doubly linked without ownership cycles.
type Chunk struct {
	ChunkID        int64
	RoomID         string
	PrevToken      *string
	NextToken      *string
	NextChunkID    *int64
	PrevChunkID    *int64
	IsLastForward  bool
	IsLastBackward bool

	// Thread scoping. A thread chunk holds only events of one thread and
	// has its own forward edge flag, isolated from the room's.
	RootThreadEventID   *string
	IsLastForwardThread bool
}

// IsThreaded reports whether this chunk is scoped to a single thread.
func (c *Chunk) IsThreaded() bool {
	return c != nil && c.RootThreadEventID != nil
}
