// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package slidingsync

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ExtensionPhase controls when an extension's response fragment is
// handed back relative to RoomData/list mutation in a single response.
type ExtensionPhase int

const (
	// PreProcess extensions are invoked before RoomData is emitted.
	PreProcess ExtensionPhase = iota
	// PostProcess extensions are invoked after the Complete lifecycle
	// event and before List events.
	PostProcess
)

// Extension is a named plug-in contributing a request body fragment and
// receiving the matching response fragment every cycle.
type Extension interface {
	Name() string
	When() ExtensionPhase
	// RequestJSON returns this extension's contribution to the request's
	// "extensions" object for the given cycle. isInitial is true iff the
	// engine has no pos yet (first request of the connection).
	RequestJSON(isInitial bool) (json.RawMessage, error)
	// OnResponse is called with this extension's fragment of
	// response.extensions, or nil if the server omitted it.
	OnResponse(frag json.RawMessage) error
}

// extensionRegistry owns the set of registered extensions, keyed by name.
type extensionRegistry struct {
	byName map[string]Extension
	order  []string
	log    *logrus.Entry
}

func newExtensionRegistry(log *logrus.Entry) *extensionRegistry {
	return &extensionRegistry{byName: make(map[string]Extension), log: log}
}

func (r *extensionRegistry) register(ext Extension) error {
	name := ext.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("slidingsync: extension %q already registered", name)
	}
	r.byName[name] = ext
	r.order = append(r.order, name)
	return nil
}

// buildRequestFragment assembles the top-level "extensions" object sent
// with a request.
func (r *extensionRegistry) buildRequestFragment(isInitial bool) (map[string]json.RawMessage, error) {
	if len(r.order) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(r.order))
	for _, name := range r.order {
		frag, err := r.byName[name].RequestJSON(isInitial)
		if err != nil {
			return nil, fmt.Errorf("slidingsync: extension %q request: %w", name, err)
		}
		if frag != nil {
			out[name] = frag
		}
	}
	return out, nil
}

// dispatchResponse invokes OnResponse for every registered extension
// matching the given phase, in registration order.
func (r *extensionRegistry) dispatchResponse(phase ExtensionPhase, resp map[string]json.RawMessage) {
	for _, name := range r.order {
		ext := r.byName[name]
		if ext.When() != phase {
			continue
		}
		if err := ext.OnResponse(resp[name]); err != nil {
			r.log.WithError(err).WithField("extension", name).Warn("extension rejected response fragment")
		}
	}
}
