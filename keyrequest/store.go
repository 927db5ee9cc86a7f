// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyrequest

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetByFingerprint/GetByState when no
// matching record exists; it is not a fatal error to callers.
var ErrNotFound = errors.New("keyrequest: not found")

// Store is the durable collaborator backing the manager. Implementations
// must make UpdateIfInState and DeleteIfInState strictly
// compare-and-set per record so concurrent writers (another tab, a
// crash-restart racing the old process) cannot both believe they won.
type Store interface {
	GetByFingerprint(ctx context.Context, fp Fingerprint) (*OutgoingKeyRequest, error)
	// GetOrInsert inserts rec if no record exists for rec.Fingerprint,
	// otherwise returns the existing record unchanged.
	GetOrInsert(ctx context.Context, rec *OutgoingKeyRequest) (*OutgoingKeyRequest, error)
	// UpdateIfInState applies patch to the record with requestID iff its
	// current state equals expected. Returns the updated record, or nil
	// with no error if the compare failed (caller re-reads and retries).
	UpdateIfInState(ctx context.Context, requestID string, expected State, patch Patch) (*OutgoingKeyRequest, error)
	// DeleteIfInState removes the record with requestID iff its current
	// state equals expected. Returns false (not an error) if the
	// compare failed.
	DeleteIfInState(ctx context.Context, requestID string, expected State) (bool, error)
	// GetByState returns one record in the given state, or ErrNotFound
	// if none exist. Iteration order across calls is unspecified.
	GetByState(ctx context.Context, state State) (*OutgoingKeyRequest, error)
	GetAllByState(ctx context.Context, state State) ([]*OutgoingKeyRequest, error)
	GetByTarget(ctx context.Context, userID, deviceID string, states []State) ([]*OutgoingKeyRequest, error)
}
