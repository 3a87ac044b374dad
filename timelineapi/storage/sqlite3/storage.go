// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	// Import the sqlite3 database driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/element-hq/cambium/internal/caching"
	"github.com/element-hq/cambium/internal/sqlutil"
	"github.com/element-hq/cambium/timelineapi/storage/shared"
)

// NewDatabase opens the SQLite database at the given DSN and prepares all
// timeline tables. The returned Database serialises writes through an
// exclusive writer because SQLite supports only one writer at a time.
func NewDatabase(dsn string, caches *caching.Caches) (*shared.Database, error) {
	db, err := sqlutil.Open(dsn)
	if err != nil {
		return nil, err
	}
	chunks, err := NewSqliteChunksTable(db)
	if err != nil {
		return nil, err
	}
	timelineEvents, err := NewSqliteTimelineEventsTable(db)
	if err != nil {
		return nil, err
	}
	sendingEvents, err := NewSqliteSendingEventsTable(db)
	if err != nil {
		return nil, err
	}
	roomState, err := NewSqliteRoomStateTable(db)
	if err != nil {
		return nil, err
	}
	roomSummaries, err := NewSqliteRoomSummariesTable(db)
	if err != nil {
		return nil, err
	}
	return shared.NewDatabase(&shared.Database{
		DB:             db,
		Writer:         sqlutil.NewExclusiveWriter(),
		Chunks:         chunks,
		TimelineEvents: timelineEvents,
		SendingEvents:  sendingEvents,
		RoomState:      roomState,
		RoomSummaries:  roomSummaries,
		Caches:         caches,
	}), nil
}
