// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package client wraps the homeserver pagination endpoints behind a small
// interface the timeline engine can be tested against.
package client

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/matrix-org/gomatrix"
	"github.com/pkg/errors"

	"github.com/element-hq/cambium/timelineapi/types"
)

// Client fetches pages of room history from the homeserver.
type Client interface {
	// GetMessages requests up to limit events starting at the from token,
	// walking in the given direction.
	GetMessages(ctx context.Context, roomID, from string, dir types.Direction, limit int) (*types.TokenPage, error)
	// GetEventContext requests the anchor event together with up to limit
	// surrounding events and both edge tokens.
	GetEventContext(ctx context.Context, roomID, eventID string, limit int) (*types.ContextPage, error)
}

// HTTPClient is the gomatrix-backed Client.
type HTTPClient struct {
	mx *gomatrix.Client
}

// NewHTTPClient dials the homeserver at the given URL with the given
// credentials.
func NewHTTPClient(homeserverURL, userID, accessToken string) (*HTTPClient, error) {
	mx, err := gomatrix.NewClient(homeserverURL, userID, accessToken)
	if err != nil {
		return nil, errors.Wrap(err, "NewHTTPClient")
	}
	return &HTTPClient{mx: mx}, nil
}

func (c *HTTPClient) GetMessages(ctx context.Context, roomID, from string, dir types.Direction, limit int) (*types.TokenPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.mx.Messages(roomID, from, "", rune(dir.Wire()[0]), limit)
	if err != nil {
		return nil, errors.Wrap(err, "GetMessages")
	}
	page := &types.TokenPage{Start: resp.Start, End: resp.End}
	page.Events, err = fromGomatrixEvents(resp.Chunk)
	if err != nil {
		return nil, err
	}
	return page, nil
}

type respContext struct {
	Start        string           `json:"start"`
	End          string           `json:"end"`
	EventsBefore []gomatrix.Event `json:"events_before"`
	Event        gomatrix.Event   `json:"event"`
	EventsAfter  []gomatrix.Event `json:"events_after"`
	State        []gomatrix.Event `json:"state"`
}

func (c *HTTPClient) GetEventContext(ctx context.Context, roomID, eventID string, limit int) (*types.ContextPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	urlPath := c.mx.BuildURLWithQuery([]string{"rooms", roomID, "context", eventID}, map[string]string{
		"limit": strconv.Itoa(limit),
	})
	var resp respContext
	if err := c.mx.MakeRequest("GET", urlPath, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "GetEventContext")
	}
	page := &types.ContextPage{Start: resp.Start, End: resp.End}
	var err error
	if page.Event, err = fromGomatrixEvent(&resp.Event); err != nil {
		return nil, err
	}
	if page.EventsBefore, err = fromGomatrixEvents(resp.EventsBefore); err != nil {
		return nil, err
	}
	if page.EventsAfter, err = fromGomatrixEvents(resp.EventsAfter); err != nil {
		return nil, err
	}
	if page.StateEvents, err = fromGomatrixEvents(resp.State); err != nil {
		return nil, err
	}
	return page, nil
}

// IsTerminal reports whether the request failed in a way a retry cannot
// fix, e.g. the anchor event does not exist or history is not visible to
// the user. Everything else, including transport errors and rate limits,
// counts as retryable.
func IsTerminal(err error) bool {
	var respErr gomatrix.RespError
	if !errors.As(err, &respErr) {
		var httpErr gomatrix.HTTPError
		if !errors.As(err, &httpErr) {
			return false
		}
		if !errors.As(errors.Cause(httpErr.WrappedError), &respErr) {
			return httpErr.Code >= 400 && httpErr.Code < 500 && httpErr.Code != 429
		}
	}
	switch respErr.ErrCode {
	case "M_NOT_FOUND", "M_FORBIDDEN", "M_UNKNOWN_TOKEN":
		return true
	}
	return false
}

func fromGomatrixEvents(in []gomatrix.Event) ([]types.Event, error) {
	out := make([]types.Event, 0, len(in))
	for i := range in {
		ev, err := fromGomatrixEvent(&in[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func fromGomatrixEvent(in *gomatrix.Event) (types.Event, error) {
	ev := types.Event{
		EventID:        in.ID,
		RoomID:         in.RoomID,
		Sender:         in.Sender,
		Type:           in.Type,
		StateKey:       in.StateKey,
		OriginServerTS: in.Timestamp,
		Redacts:        in.Redacts,
	}
	var err error
	if in.Content != nil {
		if ev.Content, err = json.Marshal(in.Content); err != nil {
			return ev, errors.Wrapf(err, "event %s: content", in.ID)
		}
	}
	if in.Unsigned != nil {
		if ev.Unsigned, err = json.Marshal(in.Unsigned); err != nil {
			return ev, errors.Wrapf(err, "event %s: unsigned", in.ID)
		}
	}
	return ev, nil
}
