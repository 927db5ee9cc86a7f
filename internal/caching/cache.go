// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching provides a small ristretto-backed cache used to
// deduplicate repeated room data payloads, adapted from dendrite's
// internal/caching Ristretto wrapper (there scoped to room events,
// hierarchy responses, and server keys; here scoped to the single
// thing a sliding-sync client needs to dedupe: the last raw room data
// blob seen per room).
package caching

import (
	"bytes"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RoomDataCache remembers the last raw room_subscriptions/rooms payload
// delivered for each room so callers can skip redundant work (e.g.
// re-decrypting or re-rendering) when the homeserver/proxy resends a
// byte-identical blob across two responses.
type RoomDataCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewRoomDataCache constructs a RoomDataCache able to hold roughly
// maxCost bytes of entries, each retained for ttl since last write.
func NewRoomDataCache(maxCost int64, ttl time.Duration) (*RoomDataCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 8, // ~10 counters per expected entry, ristretto's own rule of thumb
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RoomDataCache{cache: c, ttl: ttl}, nil
}

// Seen reports whether raw is byte-identical to the last payload stored
// for roomID, and records raw as the new last-seen payload regardless.
func (c *RoomDataCache) Seen(roomID string, raw []byte) bool {
	if v, ok := c.cache.Get(roomID); ok {
		if prev, ok := v.([]byte); ok && bytes.Equal(prev, raw) {
			c.cache.SetWithTTL(roomID, raw, int64(len(raw)), c.ttl)
			return true
		}
	}
	c.cache.SetWithTTL(roomID, append([]byte(nil), raw...), int64(len(raw)), c.ttl)
	return false
}
