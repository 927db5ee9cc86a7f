// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyrequest

import (
	"context"
	"encoding/json"
)

// Transport is the to-device collaborator the manager dispatches
// requests and cancellations through.
type Transport interface {
	SendToDevice(ctx context.Context, eventType string, contentMap map[string]map[string]json.RawMessage, txnID string) error
}

// TransportError classifies a Transport failure, mirroring
// slidingsync.TransportError so both components expose the same error
// taxonomy from SPEC_FULL.md §7.
type TransportError struct {
	HTTPStatus int
	Aborted    bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.Aborted {
		return "keyrequest: dispatch aborted"
	}
	if e.Err != nil {
		return "keyrequest: transport error: " + e.Err.Error()
	}
	return "keyrequest: transport error"
}

func (e *TransportError) Unwrap() error { return e.Err }
