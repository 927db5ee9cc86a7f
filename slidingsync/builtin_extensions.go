// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package slidingsync

import (
	"encoding/json"
	"sync"
)

// scopedRequest is the shared shape of the account_data/receipts/typing
// extension requests: a sticky "enabled" flag plus optional "lists"/
// "rooms" scoping arrays (MSC3959/MSC3960). nil means "all".
type scopedRequest struct {
	Enabled bool     `json:"enabled"`
	Lists   []string `json:"lists,omitempty"`
	Rooms   []string `json:"rooms,omitempty"`
}

// ToDeviceExtension requests to-device messages. It tracks its own
// "since" cursor independent of the engine's pos, because the to-device
// stream has its own position space.
type ToDeviceExtension struct {
	mu      sync.Mutex
	enabled bool
	limit   int
	since   string
	onBatch func(nextBatch string, events []json.RawMessage)
}

// NewToDeviceExtension constructs a to-device extension. onBatch, if
// non-nil, is invoked with every batch of to-device events received.
func NewToDeviceExtension(limit int, onBatch func(nextBatch string, events []json.RawMessage)) *ToDeviceExtension {
	return &ToDeviceExtension{enabled: true, limit: limit, onBatch: onBatch}
}

func (e *ToDeviceExtension) Name() string          { return "to_device" }
func (e *ToDeviceExtension) When() ExtensionPhase { return PreProcess }

func (e *ToDeviceExtension) RequestJSON(isInitial bool) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req := struct {
		Enabled bool   `json:"enabled"`
		Since   string `json:"since,omitempty"`
		Limit   int    `json:"limit,omitempty"`
	}{Enabled: e.enabled, Since: e.since, Limit: e.limit}
	return json.Marshal(req)
}

func (e *ToDeviceExtension) OnResponse(frag json.RawMessage) error {
	if len(frag) == 0 {
		return nil
	}
	var resp struct {
		NextBatch string            `json:"next_batch"`
		Events    []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(frag, &resp); err != nil {
		return err
	}
	e.mu.Lock()
	e.since = resp.NextBatch
	onBatch := e.onBatch
	e.mu.Unlock()
	if onBatch != nil {
		onBatch(resp.NextBatch, resp.Events)
	}
	return nil
}

// E2EEExtension requests end-to-end encryption device data (MSC3884).
// It is sticky (enabled once does not need to be resent) and carries no
// state of its own: the crypto layer that owns key material consumes
// its response fragment directly.
type E2EEExtension struct {
	enabled bool
	onFrag  func(frag json.RawMessage)
}

// NewE2EEExtension constructs the e2ee extension. onFrag, if non-nil,
// receives the raw response fragment every cycle (nil when the server
// omitted it).
func NewE2EEExtension(onFrag func(json.RawMessage)) *E2EEExtension {
	return &E2EEExtension{enabled: true, onFrag: onFrag}
}

func (e *E2EEExtension) Name() string          { return "e2ee" }
func (e *E2EEExtension) When() ExtensionPhase { return PreProcess }

func (e *E2EEExtension) RequestJSON(isInitial bool) (json.RawMessage, error) {
	return json.Marshal(struct {
		Enabled bool `json:"enabled"`
	}{e.enabled})
}

func (e *E2EEExtension) OnResponse(frag json.RawMessage) error {
	if e.onFrag != nil {
		e.onFrag(frag)
	}
	return nil
}

// scopedExtension implements the account_data/receipts/typing shape
// shared across three extensions that differ only by wire name.
type scopedExtension struct {
	name    string
	enabled bool
	lists   []string
	rooms   []string
	onFrag  func(frag json.RawMessage)
}

func newScopedExtension(name string, lists, rooms []string, onFrag func(json.RawMessage)) *scopedExtension {
	return &scopedExtension{name: name, enabled: true, lists: lists, rooms: rooms, onFrag: onFrag}
}

func (e *scopedExtension) Name() string          { return e.name }
func (e *scopedExtension) When() ExtensionPhase { return PreProcess }

func (e *scopedExtension) RequestJSON(isInitial bool) (json.RawMessage, error) {
	return json.Marshal(scopedRequest{Enabled: e.enabled, Lists: e.lists, Rooms: e.rooms})
}

func (e *scopedExtension) OnResponse(frag json.RawMessage) error {
	if e.onFrag != nil {
		e.onFrag(frag)
	}
	return nil
}

// NewAccountDataExtension requests global and per-room account data,
// optionally scoped to specific lists/rooms (nil means all).
func NewAccountDataExtension(lists, rooms []string, onFrag func(json.RawMessage)) Extension {
	return newScopedExtension("account_data", lists, rooms, onFrag)
}

// NewReceiptsExtension requests read receipts, optionally scoped.
func NewReceiptsExtension(lists, rooms []string, onFrag func(json.RawMessage)) Extension {
	return newScopedExtension("receipts", lists, rooms, onFrag)
}

// NewTypingExtension requests typing notifications, optionally scoped.
func NewTypingExtension(lists, rooms []string, onFrag func(json.RawMessage)) Extension {
	return newScopedExtension("typing", lists, rooms, onFrag)
}
