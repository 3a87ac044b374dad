// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// TokenPage is one page of events from the remote pagination API. Start is
// the token the page was requested from; End is the token to continue from.
// Events are in the order the server returned them: for backward pagination
// that is newest first, for forward pagination oldest first.
type TokenPage struct {
	Start       string
	End         string
	Events      []Event
	StateEvents []Event
}

// HasMore reports whether the server indicated further history beyond this
// page. An absent or unchanged end token terminates pagination.
func (p *TokenPage) HasMore() bool {
	return p.End != "" && p.End != p.Start
}

// ContextPage is the response to a context lookup, centred on an anchor
// event rather than a token. EventsBefore is newest first, EventsAfter is
// oldest first, matching the wire format.
type ContextPage struct {
	Start        string
	End          string
	Event        Event
	EventsBefore []Event
	EventsAfter  []Event
	StateEvents  []Event
}

// ForwardOrderedEvents returns all events of the page in forward
// chronological order, anchor included.
func (p *ContextPage) ForwardOrderedEvents() []Event {
	out := make([]Event, 0, len(p.EventsBefore)+len(p.EventsAfter)+1)
	for i := len(p.EventsBefore) - 1; i >= 0; i-- {
		out = append(out, p.EventsBefore[i])
	}
	out = append(out, p.Event)
	out = append(out, p.EventsAfter...)
	return out
}
