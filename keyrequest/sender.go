// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyrequest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// senderDelay is the minimum coalescing window between a schedule and a
// sender run, per SPEC_FULL.md §4.2 "Background sender".
const senderDelay = 500 * time.Millisecond

// sender is the single recurrent background task that drains pending
// OutgoingKeyRequests. It is self-coalescing: any number of Schedule
// calls while idle produce exactly one run.
type sender struct {
	store              Store
	transport          Transport
	requestingDeviceID string
	log                *logrus.Entry
	metrics            *Metrics

	wake chan struct{}

	mu      sync.Mutex
	running bool

	// retryBackoff tracks an exponential schedule purely as metadata: a
	// failed dispatch still stops the timer exactly as SPEC_FULL.md §4.2
	// describes, with no autonomous retry loop of its own. A caller that
	// wires schedule() into a reconnect/foreground event can consult
	// RetryHint to avoid hammering a homeserver that just rejected us.
	retryBackoff *backoff.ExponentialBackOff
}

func newSender(store Store, transport Transport, requestingDeviceID string, log *logrus.Entry, metrics *Metrics) *sender {
	rb := backoff.NewExponentialBackOff()
	rb.InitialInterval = senderDelay
	rb.MaxInterval = 5 * time.Minute
	rb.MaxElapsedTime = 0 // never give up; RetryHint just keeps growing
	return &sender{
		store:              store,
		transport:          transport,
		requestingDeviceID: requestingDeviceID,
		log:                log,
		metrics:            metrics,
		wake:               make(chan struct{}, 1),
		retryBackoff:       rb,
	}
}

// RetryHint returns how long a caller should wait before re-arming the
// sender after the last dispatch failure, per the exponential schedule
// described in SPEC_FULL.md §4.2. It resets to the schedule's initial
// interval once a dispatch succeeds.
func (s *sender) RetryHint() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryBackoff.NextBackOff()
}

// run is the sender's main loop; callers start it in its own goroutine
// and stop it by cancelling ctx.
func (s *sender) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.runOnce(ctx)
	}
}

// schedule arms the sender to run at least senderDelay from now. It
// never blocks.
func (s *sender) schedule() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sender) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *sender) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		panic("keyrequest: concurrent sender run")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	timer := time.NewTimer(senderDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	// Refresh the per-state gauge once this tick's drain is over.
	defer func() {
		if s.metrics == nil {
			return
		}
		for _, st := range []State{StateUnsent, StateSent, StateCancellationPending, StateCancellationPendingAndWillResend} {
			if recs, err := s.store.GetAllByState(ctx, st); err == nil {
				s.metrics.setStateCount(st, float64(len(recs)))
			}
		}
	}()

	for {
		rec, err := s.nextPending(ctx)
		if errors.Is(err, ErrNotFound) {
			return
		}
		if err != nil {
			s.log.WithError(err).Error("keyrequest: sender failed to fetch pending record")
			return
		}
		if !s.dispatchAndTransition(ctx, rec) {
			return
		}
		s.mu.Lock()
		s.retryBackoff.Reset()
		s.mu.Unlock()
	}
}

// nextPending returns any one record in a state the sender must act on.
// Priority across states is unspecified by the protocol; this checks
// UNSENT first purely so fresh requests don't starve behind a backlog
// of cancellations.
func (s *sender) nextPending(ctx context.Context) (*OutgoingKeyRequest, error) {
	for _, st := range []State{StateUnsent, StateCancellationPending, StateCancellationPendingAndWillResend} {
		rec, err := s.store.GetByState(ctx, st)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// dispatchAndTransition performs one dispatch for rec and, on success,
// the durable state transition from SPEC_FULL.md §4.2 step 3. Returns
// false if the dispatch failed, signalling the caller to stop the timer.
func (s *sender) dispatchAndTransition(ctx context.Context, rec *OutgoingKeyRequest) bool {
	switch rec.State {
	case StateUnsent:
		if err := dispatchRequest(ctx, s.transport, s.requestingDeviceID, rec); err != nil {
			s.metrics.observeDispatch("request", "error")
			s.log.WithError(err).WithField("request_id", rec.RequestID).Warn("keyrequest: request dispatch failed")
			return false
		}
		s.metrics.observeDispatch("request", "success")
		_, _ = s.store.UpdateIfInState(ctx, rec.RequestID, StateUnsent, Patch{State: statePtr(StateSent)})
		return true

	case StateCancellationPending:
		if err := dispatchCancellation(ctx, s.transport, s.requestingDeviceID, rec); err != nil {
			s.metrics.observeDispatch("cancellation", "error")
			s.log.WithError(err).WithField("request_id", rec.RequestID).Warn("keyrequest: cancellation dispatch failed")
			return false
		}
		s.metrics.observeDispatch("cancellation", "success")
		_, _ = s.store.DeleteIfInState(ctx, rec.RequestID, StateCancellationPending)
		return true

	case StateCancellationPendingAndWillResend:
		if err := dispatchCancellation(ctx, s.transport, s.requestingDeviceID, rec); err != nil {
			s.metrics.observeDispatch("cancellation", "error")
			s.log.WithError(err).WithField("request_id", rec.RequestID).Warn("keyrequest: cancellation dispatch failed")
			return false
		}
		s.metrics.observeDispatch("cancellation", "success")
		_, _ = s.store.UpdateIfInState(ctx, rec.RequestID, StateCancellationPendingAndWillResend, Patch{State: statePtr(StateUnsent)})
		return true

	default:
		// SENT records are not pending work; nothing to do.
		return true
	}
}

// attemptImmediateCancel performs a single best-effort, non-blocking
// cancellation dispatch outside the senderDelay debounce, for the
// queue(resend=true)/cancel() "immediate dispatch" optimization in
// SPEC_FULL.md §4.2. It is skipped entirely if the background sender is
// already mid-run, since that run will reach the same record.
func (s *sender) attemptImmediateCancel(ctx context.Context, rec *OutgoingKeyRequest) {
	if s.isRunning() {
		return
	}
	go func() {
		if err := dispatchCancellation(ctx, s.transport, s.requestingDeviceID, rec); err != nil {
			s.metrics.observeDispatch("cancellation", "error")
			return
		}
		s.metrics.observeDispatch("cancellation", "success")
		switch rec.State {
		case StateCancellationPending:
			_, _ = s.store.DeleteIfInState(ctx, rec.RequestID, StateCancellationPending)
		case StateCancellationPendingAndWillResend:
			if _, err := s.store.UpdateIfInState(ctx, rec.RequestID, StateCancellationPendingAndWillResend, Patch{State: statePtr(StateUnsent)}); err == nil {
				s.schedule()
			}
		}
	}()
}
