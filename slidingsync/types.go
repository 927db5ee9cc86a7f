// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package slidingsync implements a long-polling sliding-sync client engine:
// it maintains ordered, windowed room lists over a server mutation stream
// and multiplexes named extensions into the same request/response cycle.
package slidingsync

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Range is an inclusive [start, end] window over a list's index space.
type Range [2]int

// ListConfig is the caller-supplied configuration for one list.
//
// Ranges is non-sticky: it is always retransmitted. Filters, Sort and
// RequiredState/TimelineLimit are sticky: the server remembers the last
// value it was sent and the client only needs to resend them when they
// change.
type ListConfig struct {
	Ranges        []Range         `json:"ranges"`
	Filters       json.RawMessage `json:"filters,omitempty"`
	Sort          []string        `json:"sort,omitempty"`
	RequiredState json.RawMessage `json:"required_state,omitempty"`
	TimelineLimit int             `json:"timeline_limit,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller or store
// internally without aliasing slices the caller might mutate.
func (c ListConfig) Clone() ListConfig {
	out := c
	if c.Ranges != nil {
		out.Ranges = append([]Range(nil), c.Ranges...)
	}
	if c.Sort != nil {
		out.Sort = append([]string(nil), c.Sort...)
	}
	if c.Filters != nil {
		out.Filters = append(json.RawMessage(nil), c.Filters...)
	}
	if c.RequiredState != nil {
		out.RequiredState = append(json.RawMessage(nil), c.RequiredState...)
	}
	return out
}

// wireListFull is the full sticky-plus-ranges payload sent when a list's
// sticky parameters must be retransmitted.
type wireListFull struct {
	Ranges        []Range         `json:"ranges"`
	Filters       json.RawMessage `json:"filters,omitempty"`
	Sort          []string        `json:"sort,omitempty"`
	RequiredState json.RawMessage `json:"required_state,omitempty"`
	TimelineLimit int             `json:"timeline_limit,omitempty"`
}

// wireListRangesOnly is sent when a list's sticky parameters are unchanged
// and only its (non-sticky) ranges need to go on the wire.
type wireListRangesOnly struct {
	Ranges []Range `json:"ranges"`
}

// RoomSubscriptionParams controls a direct room subscription's required
// state and timeline limit, independent of any list.
type RoomSubscriptionParams struct {
	RequiredState json.RawMessage `json:"required_state,omitempty"`
	TimelineLimit int             `json:"timeline_limit,omitempty"`
}

// Op names as returned by the sliding-sync proxy.
const (
	OpSync       = "SYNC"
	OpInsert     = "INSERT"
	OpUpdate     = "UPDATE"
	OpDelete     = "DELETE"
	OpInvalidate = "INVALIDATE"
)

// ResponseOp is one entry of a response's ops[] array. Which fields are
// populated depends on Op; see applying-ops in SPEC_FULL.md §4.1.
type ResponseOp struct {
	Op    string          `json:"op"`
	List  int             `json:"list"`
	Index *int            `json:"index,omitempty"`
	Range *Range          `json:"range,omitempty"`
	Room  json.RawMessage `json:"room,omitempty"`
	Rooms []json.RawMessage `json:"rooms,omitempty"`
}

// Response is the deserialized body of a sliding-sync response. Ops is a
// flat stream (each op names its own list index); Counts is positionally
// indexed by list index and gives each list's server-reported joined
// room count.
type Response struct {
	Pos               string                     `json:"pos"`
	Ops               []ResponseOp               `json:"ops,omitempty"`
	Counts            []int                      `json:"counts,omitempty"`
	RoomSubscriptions map[string]json.RawMessage `json:"room_subscriptions,omitempty"`
	Extensions        map[string]json.RawMessage `json:"extensions,omitempty"`
}

// roomIDOf extracts "room_id" from a raw room JSON object without paying
// for a full struct decode. Returns "" for malformed/missing fields; the
// caller logs and skips the op.
func roomIDOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return gjson.GetBytes(raw, "room_id").String()
}
