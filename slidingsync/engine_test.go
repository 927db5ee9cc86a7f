// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package slidingsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return NewEngine(nil, Config{Log: testLog()})
}

// fakeSlidingSyncTransport is a Transport double that returns a canned
// response or error, for exercising runOneCycle's success/error/abort
// paths without a live proxy.
type fakeSlidingSyncTransport struct {
	resp *Response
	err  error
	// onCall, if set, runs while the request is "in flight", before the
	// canned result is returned.
	onCall func()
}

func (f *fakeSlidingSyncTransport) SlidingSync(_ context.Context, _ RequestBody, _ string) (*Response, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.resp, f.err
}

func TestRunOneCycle_SuccessAppliesResponse(t *testing.T) {
	e := NewEngine(&fakeSlidingSyncTransport{resp: &Response{Pos: "p1"}}, Config{Log: testLog()})
	e.runOneCycle(context.Background())

	e.mu.Lock()
	pos := e.pos
	e.mu.Unlock()
	require.Equal(t, "p1", pos)
}

// An Aborted error (self-caused via Resend/Stop) must return immediately
// rather than waiting out the error backoff.
func TestRunOneCycle_AbortedErrorSkipsBackoff(t *testing.T) {
	e := NewEngine(&fakeSlidingSyncTransport{err: &TransportError{Aborted: true, Err: context.Canceled}}, Config{Log: testLog()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	e.runOneCycle(ctx)
	elapsed := time.Since(start)

	require.Less(t, elapsed, 100*time.Millisecond, "an aborted error must not wait out the error backoff")
}

// A resend requested while the request is in flight skips the backoff
// even when the error itself was not Aborted, since the loop is about to
// rebuild the request anyway. (A resend requested before the cycle starts
// is consumed by that cycle's own request build.)
func TestRunOneCycle_NeedsResendSkipsBackoffEvenOnGenuineError(t *testing.T) {
	ft := &fakeSlidingSyncTransport{err: &TransportError{Err: context.DeadlineExceeded}}
	e := NewEngine(ft, Config{Log: testLog()})
	ft.onCall = e.Resend

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	e.runOneCycle(ctx)
	elapsed := time.Since(start)

	require.Less(t, elapsed, 100*time.Millisecond, "a pending resend must skip the error backoff")
}

// A genuine network error (e.g. the client-side ClientTimeout deadline
// expiring) must wait out the error backoff rather than retrying
// immediately, to avoid a tight reconnect loop against a struggling proxy.
func TestRunOneCycle_GenuineErrorWaitsOutBackoff(t *testing.T) {
	e := NewEngine(&fakeSlidingSyncTransport{err: &TransportError{Err: context.DeadlineExceeded}}, Config{Log: testLog()})
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	e.runOneCycle(ctx)
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 60*time.Millisecond, "a genuine network error must wait out the backoff (or ctx deadline), not return immediately")
}

// S2: a freshly added list is sent with its full sticky payload; once a
// response is applied cleanly, the next request drops back to
// ranges-only until something marks the list modified again.
func TestBuildRequest_StickyElision(t *testing.T) {
	e := newTestEngine()
	e.AddOrReplaceList(0, ListConfig{Ranges: []Range{{0, 9}}, Sort: []string{"by_recency"}})

	body, snapshotM, _, _ := func() (RequestBody, int64, []string, []string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.buildRequestLocked()
	}()

	var full wireListFull
	require.NoError(t, json.Unmarshal(body.Lists["0"], &full))
	require.Equal(t, []string{"by_recency"}, full.Sort)

	e.applySuccess(body, snapshotM, nil, nil, &Response{Pos: "p1"})

	body2, _, _, _ := func() (RequestBody, int64, []string, []string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.buildRequestLocked()
	}()

	var rangesOnly wireListRangesOnly
	require.NoError(t, json.Unmarshal(body2.Lists["0"], &rangesOnly))
	// wireListRangesOnly has no Sort/Filters fields at all: unmarshalling
	// the ranges-only payload into wireListFull would leave Sort empty
	// too, so assert on the raw bytes directly for an unambiguous check.
	require.NotContains(t, string(body2.Lists["0"]), "by_recency")
	require.Equal(t, []Range{{0, 9}}, rangesOnly.Ranges)
}

// S3: desired-room-subscription churn only sends the delta, and confirms
// exactly what was asked for once the response lands.
func TestRoomSubscriptions_DeltaAndConfirmation(t *testing.T) {
	e := newTestEngine()
	e.ModifyRoomSubscriptions(map[string]struct{}{"!a:x": {}, "!b:x": {}})

	body, snapshotM, subSnap, unsubSnap := func() (RequestBody, int64, []string, []string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.buildRequestLocked()
	}()
	require.ElementsMatch(t, []string{"!a:x", "!b:x"}, subSnap)
	require.Empty(t, unsubSnap)
	require.Len(t, body.RoomSubscriptions, 2)

	e.applySuccess(body, snapshotM, subSnap, unsubSnap, &Response{Pos: "p1"})

	// Now drop !a:x and keep !b:x: only !a:x should appear as an
	// unsubscribe, and !b:x must not be resent as a subscribe.
	e.ModifyRoomSubscriptions(map[string]struct{}{"!b:x": {}})
	body2, _, subSnap2, unsubSnap2 := func() (RequestBody, int64, []string, []string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.buildRequestLocked()
	}()
	require.Empty(t, subSnap2)
	require.Equal(t, []string{"!a:x"}, unsubSnap2)
	require.Empty(t, body2.RoomSubscriptions)
}

type recordingObserver struct {
	roomData []string
}

func (o *recordingObserver) OnRoomData(roomID string, _ json.RawMessage) {
	o.roomData = append(o.roomData, roomID)
}
func (o *recordingObserver) OnLifecycle(LifecycleState, *Response, error) {}
func (o *recordingObserver) OnList(int, int, map[int]string)              {}

// S6: a list mutation that races with an in-flight response must not be
// silently dropped — the response in flight when the mutation landed
// still has its op-carried RoomData emitted, but its index mutations are
// discarded (neither written to indexToRoomID nor clearing isModified),
// so the list's new sticky config still goes out on the next request.
func TestApplySuccess_RacingMutationKeepsListModified(t *testing.T) {
	e := newTestEngine()
	obs := &recordingObserver{}
	e.Subscribe(obs)
	e.AddOrReplaceList(0, ListConfig{Ranges: []Range{{0, 9}}})

	body, snapshotM, subSnap, unsubSnap := func() (RequestBody, int64, []string, []string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.buildRequestLocked()
	}()

	// Simulate a mutation arriving after the request was built but before
	// its response is applied.
	e.AddOrReplaceList(0, ListConfig{Ranges: []Range{{0, 19}}, Sort: []string{"by_name"}})

	resp := &Response{
		Pos: "p1",
		Ops: []ResponseOp{
			{Op: OpSync, List: 0, Range: &Range{0, 0}, Rooms: []json.RawMessage{roomJSON("!a:x")}},
		},
	}
	e.applySuccess(body, snapshotM, subSnap, unsubSnap, resp)

	e.mu.Lock()
	l := e.lists[0]
	stillModified := l.isModified
	gotRoom := l.indexToRoomID[0]
	e.mu.Unlock()

	require.True(t, stillModified, "racing mutation must keep the list modified so its new config is resent")
	require.Empty(t, gotRoom, "the stale response's ops must not be applied once a race is detected")
	require.Contains(t, obs.roomData, "!a:x", "RoomData for an op-carried room must still fire even when its index mutation is discarded")
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	e := newTestEngine()
	cancelCalls := 0
	e.cancelInFlight = func() { cancelCalls++ }
	require.NotPanics(t, func() {
		e.Stop()
		e.Stop()
	})
	require.Equal(t, 1, cancelCalls, "Stop must not re-cancel after the in-flight request is already gone")
}
