// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package keyrequest implements a durable outgoing room-key request
// manager: a four-state machine tracking requests for missing megolm
// session keys, with coalescing, cancel/resend coordination, and a
// background sender that drains pending work against a to-device
// transport. The sender stops on the first failed dispatch and runs again
// only when re-armed (Manager.SendQueued or a new Queue/Cancel).
package keyrequest

import "fmt"

// State is one of the four states an OutgoingKeyRequest can occupy. It
// is a discriminated value rather than a pair of booleans, per
// SPEC_FULL.md §9 "State machines".
type State int

const (
	// StateUnsent has not yet been dispatched to any recipient.
	StateUnsent State = iota
	// StateSent was successfully dispatched and is awaiting a reply
	// (room key import) out of band.
	StateSent
	// StateCancellationPending was SENT but the caller asked to cancel;
	// a cancellation dispatch is outstanding.
	StateCancellationPending
	// StateCancellationPendingAndWillResend is CANCELLATION_PENDING but
	// the caller additionally asked to resend once the cancel lands.
	StateCancellationPendingAndWillResend
)

func (s State) String() string {
	switch s {
	case StateUnsent:
		return "UNSENT"
	case StateSent:
		return "SENT"
	case StateCancellationPending:
		return "CANCELLATION_PENDING"
	case StateCancellationPendingAndWillResend:
		return "CANCELLATION_PENDING_AND_WILL_RESEND"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Fingerprint uniquely names a megolm session and is the record key:
// at most one OutgoingKeyRequest exists per Fingerprint in the store.
type Fingerprint struct {
	RoomID    string
	SessionID string
}

// Recipient is a single to-device message destination.
type Recipient struct {
	UserID   string
	DeviceID string
}

// OutgoingKeyRequest is the durable record tracking one outstanding
// room-key request.
type OutgoingKeyRequest struct {
	Fingerprint Fingerprint
	// RequestID is unique for the life of the record and never changes
	// once assigned, even across resends.
	RequestID string
	Recipients []Recipient
	State      State
	// CancellationTxnID is set whenever a cancellation has been (or is
	// about to be) dispatched; refreshed on every new cancel so the
	// recipient doesn't dedupe it against a stale one.
	CancellationTxnID string
	// RequestTxnID is the txn id used for the most recent (or pending)
	// request dispatch. Refreshed on resend so the recipient doesn't
	// dedupe the resend against the original request.
	RequestTxnID string
}

// Clone returns a deep copy safe to hand to a caller.
func (r *OutgoingKeyRequest) Clone() *OutgoingKeyRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Recipients = append([]Recipient(nil), r.Recipients...)
	return &cp
}

// Patch expresses a partial, compare-and-set update to an
// OutgoingKeyRequest. Nil fields are left unchanged.
type Patch struct {
	State             *State
	CancellationTxnID *string
	RequestTxnID      *string
	Recipients        []Recipient
}

func statePtr(s State) *State { return &s }
func strPtr(s string) *string { return &s }
