// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"testing"

	"github.com/matrix-org/gomatrix"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/cambium/test"
	"github.com/element-hq/cambium/timelineapi/types"
)

const roomID = "!room:example.org"

type scriptedClient struct {
	messages func(from string) (*types.TokenPage, error)
	contexts func(eventID string) (*types.ContextPage, error)
	calls    int
}

func (s *scriptedClient) GetMessages(_ context.Context, _, from string, _ types.Direction, _ int) (*types.TokenPage, error) {
	s.calls++
	return s.messages(from)
}

func (s *scriptedClient) GetEventContext(_ context.Context, _, eventID string, _ int) (*types.ContextPage, error) {
	s.calls++
	return s.contexts(eventID)
}

func TestPaginateFromChasesSparsePages(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	// Every page is empty but advertises further history. The chase must
	// stop after the retry budget rather than loop forever.
	next := map[string]string{"t1": "t2", "t2": "t3", "t3": "t4"}
	cli := &scriptedClient{messages: func(from string) (*types.TokenPage, error) {
		end, ok := next[from]
		require.True(t, ok, "unexpected token %q", from)
		return &types.TokenPage{Start: from, End: end}, nil
	}}
	p := &Paginator{DB: db, Client: cli}

	result, err := p.PaginateFrom(ctx, roomID, nil, "t1", types.DirectionBackwards, 10)
	require.NoError(t, err)
	assert.Equal(t, types.LoadMoreSuccess, result)
	assert.Equal(t, maxFetchRetries, cli.calls)
}

func TestPaginateFromReportsEndOfHistory(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	cli := &scriptedClient{messages: func(from string) (*types.TokenPage, error) {
		// Unchanged end token, the server's way of saying "no more".
		return &types.TokenPage{Start: from, End: from}, nil
	}}
	p := &Paginator{DB: db, Client: cli}

	result, err := p.PaginateFrom(ctx, roomID, nil, "t1", types.DirectionBackwards, 10)
	require.NoError(t, err)
	assert.Equal(t, types.LoadMoreReachedEnd, result)
	assert.Equal(t, 1, cli.calls)
}

func TestPaginateFromTreatsForbiddenAsEnd(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	cli := &scriptedClient{messages: func(string) (*types.TokenPage, error) {
		return nil, gomatrix.RespError{ErrCode: "M_FORBIDDEN", Err: "not a member"}
	}}
	p := &Paginator{DB: db, Client: cli}

	result, err := p.PaginateFrom(ctx, roomID, nil, "t1", types.DirectionBackwards, 10)
	require.Error(t, err, "a terminal rejection must reach the caller")
	assert.Equal(t, types.LoadMoreReachedEnd, result,
		"a rejected direction is exhausted all the same")
}

func TestPaginateFromPropagatesTransportErrors(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	cli := &scriptedClient{messages: func(string) (*types.TokenPage, error) {
		return nil, errors.New("connection reset")
	}}
	p := &Paginator{DB: db, Client: cli}

	result, err := p.PaginateFrom(ctx, roomID, nil, "t1", types.DirectionBackwards, 10)
	require.Error(t, err)
	assert.Equal(t, types.LoadMoreFailure, result)
}

func TestFetchTokenAndPaginateRecoversBackwardToken(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()

	anchor := test.NewMessageEvent(roomID, "@alice:example.org", "anchor")
	_, err := db.InsertPage(ctx, roomID, nil, types.DirectionBackwards, &types.TokenPage{
		Start: "t0", End: "t1", Events: []types.Event{anchor},
	})
	require.NoError(t, err)
	chunks, err := db.ChunksForRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	older := test.NewMessageEvent(roomID, "@bob:example.org", "older")
	cli := &scriptedClient{
		contexts: func(eventID string) (*types.ContextPage, error) {
			require.Equal(t, anchor.EventID, eventID)
			return &types.ContextPage{Start: "t0", End: "ctx-end", Event: anchor}, nil
		},
		messages: func(from string) (*types.TokenPage, error) {
			require.Equal(t, "t0", from, "backward recovery paginates from the context start token")
			return &types.TokenPage{Start: from, End: from, Events: []types.Event{older}}, nil
		},
	}
	p := &Paginator{DB: db, Client: cli}

	result, err := p.FetchTokenAndPaginate(ctx, roomID, nil, chunks[0].ChunkID, types.DirectionBackwards, 5)
	require.NoError(t, err)
	assert.Equal(t, types.LoadMoreSuccess, result)
	assert.Equal(t, 2, cli.calls, "one context lookup plus one pagination")
}

func TestFetchTokenAndPaginateWithEmptyRoomReachesEnd(t *testing.T) {
	ctx := context.Background()
	db := test.NewInMemoryDatabase()
	cli := &scriptedClient{}
	p := &Paginator{DB: db, Client: cli}

	result, err := p.FetchTokenAndPaginate(ctx, roomID, nil, 1, types.DirectionBackwards, 5)
	require.NoError(t, err)
	assert.Equal(t, types.LoadMoreReachedEnd, result)
	assert.Zero(t, cli.calls, "nothing to anchor a context lookup on")
}
