// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "github.com/tidwall/gjson"

// TimelineEventFilters is a closed set of predicates applied when building
// timeline events. Filtering is evaluated directly against the event rather
// than through content inspection of arbitrary type strings.
type TimelineEventFilters struct {
	// FilterTypes restricts the timeline to AllowedTypes when set.
	FilterTypes  bool
	AllowedTypes []string

	// FilterEdits hides replacement events (m.replace relations); the
	// aggregated edit is rendered on the original event instead.
	FilterEdits bool

	// FilterRedacted hides events that have been redacted.
	FilterRedacted bool

	// FilterUseless hides state events that carry no visible change,
	// such as membership events with empty content.
	FilterUseless bool
}

// Matches reports whether the event passes the filters.
func (f TimelineEventFilters) Matches(ev *TimelineEvent) bool {
	if f.FilterTypes {
		allowed := false
		for _, t := range f.AllowedTypes {
			if ev.Root.Type == t {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if f.FilterEdits {
		if relType, _ := ev.Root.RelatesTo(); relType == RelReplace {
			return false
		}
	}
	if f.FilterRedacted && isRedacted(&ev.Root) {
		return false
	}
	if f.FilterUseless && ev.Root.IsState() && len(ev.Root.Content) <= 2 {
		// A state event with empty content displays nothing.
		return false
	}
	return true
}

func isRedacted(ev *Event) bool {
	// Redacted events have their content stripped and the redaction
	// recorded in unsigned.redacted_because.
	return gjson.GetBytes(ev.Unsigned, "redacted_because").Exists()
}

// TimelineSettings configures one timeline instance.
type TimelineSettings struct {
	// InitialSize is the number of events loaded when the timeline starts.
	InitialSize int

	// InitialEventID anchors the timeline on a historical event
	// (permalink mode) instead of the live edge.
	InitialEventID string

	// RootThreadEventID scopes the timeline to a single thread.
	RootThreadEventID string

	// BuildSenderInfo overlays live sender profiles onto snapshots.
	BuildSenderInfo bool

	Filters TimelineEventFilters
}

// DefaultTimelineSettings returns settings suitable for a live room view.
func DefaultTimelineSettings() TimelineSettings {
	return TimelineSettings{
		InitialSize:     30,
		BuildSenderInfo: true,
	}
}
