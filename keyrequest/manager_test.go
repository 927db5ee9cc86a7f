// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyrequest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recordedSend struct {
	eventType  string
	contentMap map[string]map[string]json.RawMessage
	txnID      string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []recordedSend
	fail bool
}

func (f *fakeTransport) SendToDevice(_ context.Context, eventType string, contentMap map[string]map[string]json.RawMessage, txnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return &TransportError{Err: context.DeadlineExceeded}
	}
	f.sent = append(f.sent, recordedSend{eventType: eventType, contentMap: contentMap, txnID: txnID})
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardLogWriter{})
	return logrus.NewEntry(l)
}

type discardLogWriter struct{}

func (discardLogWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestManager() (*Manager, *fakeTransport, Store) {
	store := NewMemoryStore()
	transport := &fakeTransport{}
	m := NewManager(store, transport, "DEVICE1", testEntry(), nil)
	return m, transport, store
}

var fp1 = Fingerprint{RoomID: "!room:x", SessionID: "session1"}
var recipients = []Recipient{{UserID: "@bob:x", DeviceID: "BOBDEVICE"}}

// S4: queuing the same fingerprint twice in a row is idempotent — a
// second Queue() call while the first is still UNSENT must not create a
// second record or change anything observable.
func TestQueue_IdempotentWhileUnsent(t *testing.T) {
	m, _, store := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Queue(ctx, fp1, recipients, false))
	rec1, err := store.GetByFingerprint(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, StateUnsent, rec1.State)

	require.NoError(t, m.Queue(ctx, fp1, recipients, false))
	rec2, err := store.GetByFingerprint(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, rec1.RequestID, rec2.RequestID)
	require.Equal(t, StateUnsent, rec2.State)
}

// Queuing a SENT request with resend=false is a no-op: nothing already
// delivered should be touched without an explicit resend.
func TestQueue_SentWithoutResendIsNoOp(t *testing.T) {
	m, _, store := newTestManager()
	ctx := context.Background()

	rec, err := store.GetOrInsert(ctx, &OutgoingKeyRequest{Fingerprint: fp1, RequestID: "req1", Recipients: recipients, State: StateUnsent})
	require.NoError(t, err)
	_, err = store.UpdateIfInState(ctx, rec.RequestID, StateUnsent, Patch{State: statePtr(StateSent)})
	require.NoError(t, err)

	require.NoError(t, m.Queue(ctx, fp1, recipients, false))

	got, err := store.GetByFingerprint(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, StateSent, got.State)
}

// S5: queuing a SENT request with resend=true drives it to
// CANCELLATION_PENDING_AND_WILL_RESEND with fresh transaction ids on
// both the pending cancellation and the eventual resend, so neither can
// be deduplicated against a stale copy by the recipient.
func TestQueue_ResendFromSentMovesToCancellationPendingAndWillResend(t *testing.T) {
	m, _, store := newTestManager()
	ctx := context.Background()

	rec, err := store.GetOrInsert(ctx, &OutgoingKeyRequest{Fingerprint: fp1, RequestID: "req1", Recipients: recipients, State: StateUnsent, RequestTxnID: "txn-orig"})
	require.NoError(t, err)
	_, err = store.UpdateIfInState(ctx, rec.RequestID, StateUnsent, Patch{State: statePtr(StateSent)})
	require.NoError(t, err)

	require.NoError(t, m.Queue(ctx, fp1, recipients, true))

	got, err := store.GetByFingerprint(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, StateCancellationPendingAndWillResend, got.State)
	require.NotEmpty(t, got.CancellationTxnID)
	require.NotEqual(t, "txn-orig", got.RequestTxnID)
}

// Cancelling an UNSENT request deletes it outright: nothing was ever
// dispatched, so there is nothing to tell a recipient to forget.
func TestCancel_UnsentIsDeletedOutright(t *testing.T) {
	m, _, store := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Queue(ctx, fp1, recipients, false))
	require.NoError(t, m.Cancel(ctx, fp1))

	_, err := store.GetByFingerprint(ctx, fp1)
	require.ErrorIs(t, err, ErrNotFound)
}

// Cancelling a SENT request moves it to CANCELLATION_PENDING so the
// background sender (or the immediate-cancel optimization) can tell the
// recipient to forget it.
func TestCancel_SentMovesToCancellationPending(t *testing.T) {
	m, _, store := newTestManager()
	ctx := context.Background()

	rec, err := store.GetOrInsert(ctx, &OutgoingKeyRequest{Fingerprint: fp1, RequestID: "req1", Recipients: recipients, State: StateUnsent})
	require.NoError(t, err)
	_, err = store.UpdateIfInState(ctx, rec.RequestID, StateUnsent, Patch{State: statePtr(StateSent)})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, fp1))

	got, err := store.GetByFingerprint(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, StateCancellationPending, got.State)
}

// Invariant: GetSentRequestsForTarget only ever returns SENT records
// addressed to the given recipient, never records in any other state.
func TestGetSentRequestsForTarget_OnlySentState(t *testing.T) {
	m, _, store := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Queue(ctx, fp1, recipients, false))
	got, err := m.GetSentRequestsForTarget(ctx, "@bob:x", "BOBDEVICE")
	require.NoError(t, err)
	require.Empty(t, got, "an UNSENT record must not be reported as sent")

	rec, err := store.GetByFingerprint(ctx, fp1)
	require.NoError(t, err)
	_, err = store.UpdateIfInState(ctx, rec.RequestID, StateUnsent, Patch{State: statePtr(StateSent)})
	require.NoError(t, err)

	got, err = m.GetSentRequestsForTarget(ctx, "@bob:x", "BOBDEVICE")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// The background sender's per-state dispatch-then-transition steps,
// exercised directly rather than through the timer-gated run loop.
func TestSenderDispatchAndTransition_AllThreeTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	transport := &fakeTransport{}
	s := newSender(store, transport, "DEVICE1", testEntry(), nil)

	unsent, err := store.GetOrInsert(ctx, &OutgoingKeyRequest{Fingerprint: fp1, RequestID: "req1", Recipients: recipients, State: StateUnsent})
	require.NoError(t, err)
	require.True(t, s.dispatchAndTransition(ctx, unsent))
	got, err := store.GetByFingerprint(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, StateSent, got.State)

	_, err = store.UpdateIfInState(ctx, got.RequestID, StateSent, Patch{State: statePtr(StateCancellationPending), CancellationTxnID: strPtr("c1")})
	require.NoError(t, err)
	got, _ = store.GetByFingerprint(ctx, fp1)
	require.True(t, s.dispatchAndTransition(ctx, got))
	_, err = store.GetByFingerprint(ctx, fp1)
	require.ErrorIs(t, err, ErrNotFound, "CANCELLATION_PENDING dispatch must delete the record")

	fp2 := Fingerprint{RoomID: "!room2:x", SessionID: "session2"}
	rec2, err := store.GetOrInsert(ctx, &OutgoingKeyRequest{Fingerprint: fp2, RequestID: "req2", Recipients: recipients, State: StateCancellationPendingAndWillResend, CancellationTxnID: "c2"})
	require.NoError(t, err)
	require.True(t, s.dispatchAndTransition(ctx, rec2))
	got2, err := store.GetByFingerprint(ctx, fp2)
	require.NoError(t, err)
	require.Equal(t, StateUnsent, got2.State)

	require.Equal(t, 3, transport.count())
}

func TestSenderDispatchAndTransition_FailureReturnsFalse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	transport := &fakeTransport{fail: true}
	s := newSender(store, transport, "DEVICE1", testEntry(), nil)

	rec, err := store.GetOrInsert(ctx, &OutgoingKeyRequest{Fingerprint: fp1, RequestID: "req1", Recipients: recipients, State: StateUnsent})
	require.NoError(t, err)
	require.False(t, s.dispatchAndTransition(ctx, rec))

	got, err := store.GetByFingerprint(ctx, fp1)
	require.NoError(t, err)
	require.Equal(t, StateUnsent, got.State, "a failed dispatch must not transition state")
}
