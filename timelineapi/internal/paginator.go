// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internal holds the parts of the timeline engine shared between
// the chunk tree and the facade but not exported to consumers.
package internal

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/cambium/internal/caching"
	"github.com/element-hq/cambium/timelineapi/client"
	"github.com/element-hq/cambium/timelineapi/storage"
	"github.com/element-hq/cambium/timelineapi/types"
)

// maxFetchRetries bounds how many consecutive sparse pages one pagination
// call will chase before giving up and reporting success with whatever was
// applied.
const maxFetchRetries = 3

// Paginator drives network pagination on behalf of chunk wrappers: it
// fetches token pages, feeds them to the store and chases sparse pages a
// bounded number of times.
type Paginator struct {
	DB     storage.Database
	Client client.Client
	Caches *caching.Caches
}

// PaginateFrom fetches and applies pages starting at the given token until
// the requested count has a chance of being satisfied, the server confirms
// the edge of history, or the sparse-page budget runs out.
func (p *Paginator) PaginateFrom(
	ctx context.Context, roomID string, threadRootID *string,
	token string, dir types.Direction, count int,
) (types.LoadMoreResult, error) {
	timer := prometheus.NewTimer(paginationDurationHist.WithLabelValues(dir.Wire()))
	defer timer.ObserveDuration()

	for attempt := 0; ; attempt++ {
		page, err := p.Client.GetMessages(ctx, roomID, token, dir, count)
		if err != nil {
			pagesAppliedCounter.WithLabelValues(dir.Wire(), "error").Inc()
			if client.IsTerminal(err) {
				// The room became inaccessible; the direction is exhausted,
				// but the caller still needs to surface the rejection.
				logrus.WithError(err).WithField("room_id", roomID).Warn("Pagination rejected by server")
				return types.LoadMoreReachedEnd, errors.Wrap(err, "PaginateFrom")
			}
			return types.LoadMoreFailure, errors.Wrap(err, "PaginateFrom")
		}
		result, err := p.DB.InsertPage(ctx, roomID, threadRootID, dir, page)
		if err != nil {
			pagesAppliedCounter.WithLabelValues(dir.Wire(), "error").Inc()
			return types.LoadMoreFailure, err
		}
		switch result {
		case types.InsertReachedEnd:
			pagesAppliedCounter.WithLabelValues(dir.Wire(), "reached_end").Inc()
			return types.LoadMoreReachedEnd, nil
		case types.InsertShouldFetchMore:
			pagesAppliedCounter.WithLabelValues(dir.Wire(), "fetch_more").Inc()
			if attempt+1 >= maxFetchRetries {
				logrus.WithFields(logrus.Fields{
					"room_id": roomID,
					"token":   token,
				}).Debug("Giving up chasing sparse pages")
				return types.LoadMoreSuccess, nil
			}
			token = page.End
		default:
			pagesAppliedCounter.WithLabelValues(dir.Wire(), "success").Inc()
			return types.LoadMoreSuccess, nil
		}
	}
}

// FetchTokenAndPaginate resolves a pagination token for a chunk that lost
// its edge token, then paginates from it. The token comes from a context
// lookup on the most recent locally known event; its surrounding page is
// applied on the way through, so the lookup is never wasted.
func (p *Paginator) FetchTokenAndPaginate(
	ctx context.Context, roomID string, threadRootID *string,
	chunkID int64, dir types.Direction, count int,
) (types.LoadMoreResult, error) {
	// Only the live forward token is worth caching across calls.
	var token string
	var ok bool
	if dir == types.DirectionForwards {
		token, ok = p.Caches.GetEdgeToken(roomID)
	}
	if !ok {
		eventID, err := p.DB.LatestKnownEventID(ctx, roomID)
		if err != nil {
			return types.LoadMoreFailure, err
		}
		if eventID == "" {
			return types.LoadMoreReachedEnd, nil
		}
		page, err := p.Client.GetEventContext(ctx, roomID, eventID, 1)
		if err != nil {
			if client.IsTerminal(err) {
				return types.LoadMoreReachedEnd, errors.Wrap(err, "FetchTokenAndPaginate")
			}
			return types.LoadMoreFailure, errors.Wrap(err, "FetchTokenAndPaginate")
		}
		if _, err = p.DB.InsertContextPage(ctx, roomID, page); err != nil {
			return types.LoadMoreFailure, err
		}
		if dir == types.DirectionForwards {
			token = page.End
		} else {
			token = page.Start
		}
		if dir == types.DirectionForwards {
			p.Caches.StoreEdgeToken(roomID, token)
		}
	}
	if err := p.DB.UpdateChunkToken(ctx, chunkID, dir, token); err != nil {
		return types.LoadMoreFailure, err
	}
	return p.PaginateFrom(ctx, roomID, threadRootID, token, dir, count)
}
