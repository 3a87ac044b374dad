// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Caches holds the in-memory caches shared across timeline instances.
type Caches struct {
	// SenderProfiles caches the latest known profile per room member, used
	// to overlay fresh display names onto snapshots.
	SenderProfiles *ristretto.Cache
	// EdgeTokens caches the most recently resolved pagination token per
	// room, avoiding repeated context lookups for tokenless live chunks.
	EdgeTokens *ristretto.Cache
}

// ProfileInfo is the cached display metadata for one room member.
type ProfileInfo struct {
	DisplayName string
	AvatarURL   string
}

// NewCaches creates the shared caches with a combined cost budget in bytes.
func NewCaches(maxCost int64) (*Caches, error) {
	profiles, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost / 2,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	tokens, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     maxCost / 2,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Caches{
		SenderProfiles: profiles,
		EdgeTokens:     tokens,
	}, nil
}

func profileKey(roomID, userID string) string {
	return fmt.Sprintf("%s\x1f%s", roomID, userID)
}

// GetSenderProfile returns the cached profile for the user in the room.
func (c *Caches) GetSenderProfile(roomID, userID string) (ProfileInfo, bool) {
	if c == nil {
		return ProfileInfo{}, false
	}
	v, ok := c.SenderProfiles.Get(profileKey(roomID, userID))
	if !ok {
		return ProfileInfo{}, false
	}
	return v.(ProfileInfo), true
}

// StoreSenderProfile caches the profile for the user in the room.
func (c *Caches) StoreSenderProfile(roomID, userID string, p ProfileInfo) {
	if c == nil {
		return
	}
	c.SenderProfiles.Set(profileKey(roomID, userID), p, int64(len(p.DisplayName)+len(p.AvatarURL)+len(userID)))
}

// GetEdgeToken returns the cached pagination token for the room edge.
func (c *Caches) GetEdgeToken(roomID string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.EdgeTokens.Get(roomID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// StoreEdgeToken caches the pagination token for the room edge.
func (c *Caches) StoreEdgeToken(roomID, token string) {
	if c == nil {
		return
	}
	c.EdgeTokens.Set(roomID, token, int64(len(token)))
}
