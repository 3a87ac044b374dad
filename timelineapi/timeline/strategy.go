// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/element-hq/cambium/timelineapi/types"
)

// loadMode selects what a timeline instance is anchored to.
type loadMode int

const (
	// modeLive anchors to the room's live forward edge.
	modeLive loadMode = iota
	// modePermalink anchors to a historical event.
	modePermalink
	// modeThread anchors to a thread root with an isolated chunk scope.
	modeThread
)

// chunkStrategy owns the root of the wrapper tree for one timeline
// instance and knows how to (re-)anchor it for the instance's mode.
type chunkStrategy struct {
	mode loadMode
	deps *chunkDeps
	root *timelineChunk
}

func newChunkStrategy(deps *chunkDeps) *chunkStrategy {
	s := &chunkStrategy{deps: deps}
	switch {
	case deps.threadRootID != nil:
		s.mode = modeThread
	case deps.settings.InitialEventID != "":
		s.mode = modePermalink
	default:
		s.mode = modeLive
	}
	return s
}

// onStart resolves the anchor chunk for the mode and builds the root
// wrapper around it. Thread mode always starts from a freshly recreated
// chunk so stale thread pagination state cannot leak between sessions.
func (s *chunkStrategy) onStart(ctx context.Context) error {
	switch s.mode {
	case modeThread:
		chunk, err := s.deps.db.RecreateThreadChunk(ctx, s.deps.roomID, *s.deps.threadRootID)
		if err != nil {
			return err
		}
		s.root = newTimelineChunk(s.deps, *chunk)
		return nil

	case modePermalink:
		return s.openAround(ctx, s.deps.settings.InitialEventID)

	default:
		chunk, err := s.deps.db.LiveChunk(ctx, s.deps.roomID)
		if err != nil {
			return err
		}
		s.root = newTimelineChunk(s.deps, *chunk)
		return nil
	}
}

// openAround anchors the tree on the chunk containing the given event,
// fetching its context from the server when the event is not known
// locally.
func (s *chunkStrategy) openAround(ctx context.Context, eventID string) error {
	chunk, err := s.deps.db.ChunkContainingEvent(ctx, s.deps.roomID, eventID)
	if err != nil {
		return err
	}
	if chunk == nil {
		page, err := s.deps.paginator.Client.GetEventContext(ctx, s.deps.roomID, eventID, s.deps.settings.InitialSize)
		if err != nil {
			return errors.Wrap(err, "openAround: context fetch")
		}
		if _, err = s.deps.db.InsertContextPage(ctx, s.deps.roomID, page); err != nil {
			return err
		}
		if chunk, err = s.deps.db.ChunkContainingEvent(ctx, s.deps.roomID, eventID); err != nil {
			return err
		}
		if chunk == nil {
			return errors.Errorf("openAround: event %s not present after context fetch", eventID)
		}
	}
	root := newTimelineChunk(s.deps, *chunk)
	row, err := s.deps.db.TimelineEvent(ctx, s.deps.roomID, eventID)
	if err != nil {
		root.close()
		return err
	}
	if row != nil {
		idx := row.DisplayIndex
		root.anchorIndex = &idx
	}
	s.root = root
	return nil
}

// onStop tears the wrapper tree down. Thread mode also clears its isolated
// chunk scope so the next start begins clean.
func (s *chunkStrategy) onStop(ctx context.Context) error {
	if s.root != nil {
		s.root.close()
		s.root = nil
	}
	if s.mode == modeThread {
		return s.deps.db.ClearThreadChunks(ctx, s.deps.roomID, *s.deps.threadRootID)
	}
	return nil
}

func (s *chunkStrategy) loadMore(ctx context.Context, count int, dir types.Direction) (types.LoadMoreResult, error) {
	if s.root == nil {
		return types.LoadMoreFailure, errors.New("timeline not started")
	}
	return s.root.loadMore(ctx, count, dir)
}

// buildSnapshot returns the current built window in forward-to-backward
// order across all materialised chunks.
func (s *chunkStrategy) buildSnapshot() []*types.TimelineEvent {
	if s.root == nil {
		return nil
	}
	return s.root.builtItems(true, true)
}

// rebuildEvent refreshes one event's built slot from the store, returning
// whether anything visible changed.
func (s *chunkStrategy) rebuildEvent(ctx context.Context, eventID string) bool {
	if s.root == nil {
		return false
	}
	return s.root.rebuildEvent(ctx, eventID)
}
