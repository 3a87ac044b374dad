// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ClientAPI configures the connection to the homeserver's client API.
type ClientAPI struct {
	// HomeserverURL is the base URL of the homeserver, e.g.
	// https://matrix.example.com.
	HomeserverURL string `yaml:"homeserver_url"`

	// UserID is the fully qualified Matrix user id of the account.
	UserID string `yaml:"user_id"`

	// RequestTimeout bounds any single pagination request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	accessTokenOnce sync.Once
	accessToken     string
}

func (c *ClientAPI) Defaults() {
	c.RequestTimeout = 30 * time.Second
}

func (c *ClientAPI) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "client_api.homeserver_url", c.HomeserverURL)
	checkNotEmpty(configErrs, "client_api.user_id", c.UserID)
	if c.HomeserverURL != "" {
		u, err := url.Parse(c.HomeserverURL)
		if err != nil || !strings.HasPrefix(u.Scheme, "http") || u.Host == "" {
			configErrs.Add(fmt.Sprintf("invalid URL for config key %q: %s", "client_api.homeserver_url", c.HomeserverURL))
		}
	}
	if c.RequestTimeout <= 0 {
		configErrs.Add("client_api.request_timeout must be positive")
	}
}

// GetAccessToken reads the account's access token from the environment so
// it never lands in a config file.
func (c *ClientAPI) GetAccessToken() string {
	c.accessTokenOnce.Do(func() {
		c.accessToken = os.Getenv("CAMBIUM_ACCESS_TOKEN")
	})
	return c.accessToken
}

// DatabaseOptions configures the SQLite timeline store.
type DatabaseOptions struct {
	// ConnectionString is the SQLite DSN, e.g. file:cambium.db.
	ConnectionString string `yaml:"connection_string"`
}

func (d *DatabaseOptions) Defaults() {
	d.ConnectionString = "file:cambium.db"
}

func (d *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "database.connection_string", d.ConnectionString)
	if d.ConnectionString != "" && !strings.HasPrefix(d.ConnectionString, "file:") {
		configErrs.Add(fmt.Sprintf("invalid DSN for config key %q: %s", "database.connection_string", d.ConnectionString))
	}
}

// TimelineOptions tunes timeline behaviour.
type TimelineOptions struct {
	// InitialSize is the number of events loaded when a timeline starts.
	InitialSize int `yaml:"initial_size"`

	// BuildSenderInfo overlays live sender profiles onto snapshots.
	BuildSenderInfo bool `yaml:"build_sender_info"`
}

func (t *TimelineOptions) Defaults() {
	t.InitialSize = 30
	t.BuildSenderInfo = true
}

func (t *TimelineOptions) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "timeline.initial_size", int64(t.InitialSize))
	if t.InitialSize == 0 {
		configErrs.Add("timeline.initial_size must be positive")
	}
}

// CacheOptions configures the in-memory caches.
type CacheOptions struct {
	// MaxCost is the cache budget in bytes shared by all caches.
	MaxCost int64 `yaml:"max_cost"`
}

func (c *CacheOptions) Defaults() {
	c.MaxCost = 32 * 1024 * 1024
}

func (c *CacheOptions) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "cache.max_cost", c.MaxCost)
}

// LoggingOptions configures the logrus output level.
type LoggingOptions struct {
	Level string `yaml:"level"`
}

func (l *LoggingOptions) Defaults() {
	l.Level = "info"
}

func (l *LoggingOptions) Verify(configErrs *ConfigErrors) {
	switch l.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.level", l.Level))
	}
}
