// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"github.com/element-hq/cambium/internal/caching"
	"github.com/element-hq/cambium/timelineapi/storage/sqlite3"
)

// NewDatabase opens the timeline store at the given SQLite data source
// name, creating the schema if required.
func NewDatabase(dsn string, caches *caching.Caches) (Database, error) {
	return sqlite3.NewDatabase(dsn, caches)
}
