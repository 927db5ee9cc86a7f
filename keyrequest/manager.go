// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyrequest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Manager is the durable outgoing room-key request state machine
// described in SPEC_FULL.md §4.2. The store is the sole source of
// truth: Manager keeps no in-memory cache of record state across an
// await, so it is safe to construct a fresh Manager against the same
// store after a crash/restart and resume exactly where the previous
// process left off.
type Manager struct {
	store              Store
	requestingDeviceID string
	log                *logrus.Entry
	metrics            *Metrics
	sender             *sender

	cancelRun context.CancelFunc
}

// NewManager constructs a Manager. requestingDeviceID is this client's
// own device id, sent on every wire message so recipients know which of
// our devices is asking.
func NewManager(store Store, transport Transport, requestingDeviceID string, log *logrus.Entry, metrics *Metrics) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		store:              store,
		requestingDeviceID: requestingDeviceID,
		log:                log,
		metrics:            metrics,
		sender:             newSender(store, transport, requestingDeviceID, log, metrics),
	}
}

// Start runs the background sender until Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	go m.sender.run(runCtx)
}

// Stop halts the background sender by cancelling its context. That same
// context is passed to every dispatch, so a dispatch still in flight is
// aborted; no new run will start after Stop returns.
func (m *Manager) Stop() {
	if m.cancelRun != nil {
		m.cancelRun()
	}
}

// SendQueued re-arms the background sender. Callers should invoke this
// after the sender previously stopped itself on a dispatch failure,
// typically on the next relevant event (reconnect, foreground, etc.).
func (m *Manager) SendQueued() {
	m.sender.schedule()
}

// RetryHint reports how long a caller should wait before calling
// SendQueued again after a dispatch failure, per an exponential
// schedule that resets on the next successful dispatch.
func (m *Manager) RetryHint() time.Duration {
	return m.sender.RetryHint()
}

// Queue requests that recipients be asked for fp's session key. It is
// idempotent: queuing the same fingerprint twice in a row, or while a
// request for it is already outstanding, dispatches at most once. Set
// resend to request a fresh request even if one was already SENT.
func (m *Manager) Queue(ctx context.Context, fp Fingerprint, recipients []Recipient, resend bool) error {
	for {
		existing, err := m.store.GetByFingerprint(ctx, fp)
		if err == ErrNotFound {
			rec := &OutgoingKeyRequest{
				Fingerprint: fp,
				RequestID:   uuid.NewString(),
				Recipients:  recipients,
				State:       StateUnsent,
			}
			if _, err := m.store.GetOrInsert(ctx, rec); err != nil {
				return err
			}
			m.sender.schedule()
			return nil
		}
		if err != nil {
			return err
		}

		switch existing.State {
		case StateUnsent, StateCancellationPendingAndWillResend:
			// No-op: either already about to be sent fresh, or already
			// queued to resend once the pending cancel lands.
			return nil

		case StateCancellationPending:
			if resend {
				patch := Patch{State: statePtr(StateCancellationPendingAndWillResend), CancellationTxnID: strPtr(uuid.NewString())}
				result, err := m.store.UpdateIfInState(ctx, existing.RequestID, StateCancellationPending, patch)
				if err != nil {
					return err
				}
				if result == nil {
					continue // lost the race; retry from the top
				}
				m.sender.schedule()
				return nil
			}
			patch := Patch{State: statePtr(StateSent), CancellationTxnID: strPtr(uuid.NewString())}
			result, err := m.store.UpdateIfInState(ctx, existing.RequestID, StateCancellationPending, patch)
			if err != nil {
				return err
			}
			if result == nil {
				continue
			}
			return nil

		case StateSent:
			if !resend {
				return nil
			}
			patch := Patch{
				State:             statePtr(StateCancellationPendingAndWillResend),
				CancellationTxnID: strPtr(uuid.NewString()),
				RequestTxnID:      strPtr(uuid.NewString()),
			}
			result, err := m.store.UpdateIfInState(ctx, existing.RequestID, StateSent, patch)
			if err != nil {
				return err
			}
			if result == nil {
				continue // a concurrent writer moved the record first
			}
			m.sender.attemptImmediateCancel(ctx, result)
			m.sender.schedule()
			return nil
		}
		return nil
	}
}

// Cancel asks that an outstanding request for fp be withdrawn. An UNSENT
// record is deleted outright (nothing was ever sent); a SENT record
// moves to CANCELLATION_PENDING and an immediate cancel is attempted.
func (m *Manager) Cancel(ctx context.Context, fp Fingerprint) error {
	existing, err := m.store.GetByFingerprint(ctx, fp)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	switch existing.State {
	case StateUnsent:
		ok, err := m.store.DeleteIfInState(ctx, existing.RequestID, StateUnsent)
		if err != nil {
			return err
		}
		if !ok {
			return m.Cancel(ctx, fp) // raced with a state change; retry
		}
		return nil

	case StateSent:
		patch := Patch{State: statePtr(StateCancellationPending), CancellationTxnID: strPtr(uuid.NewString())}
		result, err := m.store.UpdateIfInState(ctx, existing.RequestID, StateSent, patch)
		if err != nil {
			return err
		}
		if result == nil {
			return m.Cancel(ctx, fp) // raced; retry
		}
		m.sender.attemptImmediateCancel(ctx, result)
		m.sender.schedule()
		return nil

	default:
		// CANCELLATION_PENDING / CANCELLATION_PENDING_AND_WILL_RESEND:
		// a cancel is already in flight or queued.
		return nil
	}
}

// GetSentRequestsForTarget returns every SENT record addressed to the
// given (userID, deviceID).
func (m *Manager) GetSentRequestsForTarget(ctx context.Context, userID, deviceID string) ([]*OutgoingKeyRequest, error) {
	return m.store.GetByTarget(ctx, userID, deviceID, []State{StateSent})
}

// CancelAndResendAll re-queues every currently SENT request with
// resend=true, driving it through cancel-then-resend so every recipient
// receives a request with a fresh transaction id.
func (m *Manager) CancelAndResendAll(ctx context.Context) error {
	sent, err := m.store.GetAllByState(ctx, StateSent)
	if err != nil {
		return err
	}
	for _, rec := range sent {
		if err := m.Queue(ctx, rec.Fingerprint, rec.Recipients, true); err != nil {
			return err
		}
	}
	return nil
}
