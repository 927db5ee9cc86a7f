// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package slidingsync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-client-core/internal/caching"
)

// backoff between failed request cycles. The proxy is expected to be
// fast to recover, so no exponential backoff is applied here (a design
// choice carried over from the source this engine is modeled on).
const errorBackoff = 3 * time.Second

// Config configures a new Engine.
type Config struct {
	ProxyBaseURL string
	// Timeout is the server-side long-poll timeout; it is sent on the wire
	// in whole milliseconds. The client-side deadline is Timeout + 10s.
	Timeout time.Duration
	Log     *logrus.Entry
	Metrics *Metrics
	// RoomDataCache, if set, deduplicates byte-identical room data
	// payloads so Observer.OnRoomData isn't invoked twice in a row for a
	// room whose snapshot didn't actually change between responses.
	RoomDataCache *caching.RoomDataCache
}

// Engine runs a single-threaded cooperative long-poll loop against a
// sliding-sync proxy. All exported mutation methods are synchronous and
// safe to call from any goroutine while the loop is running; they never
// block on the network themselves, they only update local state and
// request that the in-flight call be aborted.
type Engine struct {
	transport    Transport
	proxyBaseURL string
	timeout      time.Duration
	log          *logrus.Entry
	metrics      *Metrics
	roomCache    *caching.RoomDataCache

	mu                sync.Mutex
	lists             map[int]*list
	subs              *roomSubscriptions
	extensions        *extensionRegistry
	pos               string
	listModifiedCount int64
	needsResend       bool
	terminated        bool
	cancelInFlight    context.CancelFunc

	dispatcher *dispatcher
}

// NewEngine constructs an Engine. It does not start the sync loop; call
// Start in its own goroutine to begin long-polling.
func NewEngine(transport Transport, cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		transport:    transport,
		proxyBaseURL: cfg.ProxyBaseURL,
		timeout:      cfg.Timeout,
		log:          log,
		metrics:      cfg.Metrics,
		roomCache:    cfg.RoomDataCache,
		lists:        make(map[int]*list),
		subs:         newRoomSubscriptions(),
		dispatcher:   newDispatcher(log),
	}
	e.extensions = newExtensionRegistry(log)
	return e
}

// AddOrReplaceList replaces the list at index (or appends it if absent),
// marks it modified, and interrupts any in-flight request.
func (e *Engine) AddOrReplaceList(index int, cfg ListConfig) {
	e.mu.Lock()
	e.lists[index] = newList(cfg)
	e.listModifiedCount++
	e.mu.Unlock()
	e.Resend()
}

// SetListRanges updates only a list's (non-sticky) ranges and interrupts
// any in-flight request. It does not mark the list modified.
func (e *Engine) SetListRanges(index int, ranges []Range) {
	e.mu.Lock()
	if l, ok := e.lists[index]; ok {
		l.config.Ranges = append([]Range(nil), ranges...)
	}
	e.mu.Unlock()
	e.Resend()
}

// GetList returns a defensive copy of a list's configuration.
func (e *Engine) GetList(index int) (ListConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lists[index]
	if !ok {
		return ListConfig{}, false
	}
	return l.config.Clone(), true
}

// GetListData returns a defensive copy of a list's joined count and
// index-to-room-id mapping.
func (e *Engine) GetListData(index int) (ListData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lists[index]
	if !ok {
		return ListData{}, false
	}
	return l.data(), true
}

// ModifyRoomSubscriptions replaces the full desired set of directly
// subscribed rooms and interrupts any in-flight request.
func (e *Engine) ModifyRoomSubscriptions(roomIDs map[string]struct{}) {
	e.mu.Lock()
	e.subs.setDesired(roomIDs)
	e.mu.Unlock()
	e.Resend()
}

// ModifyRoomSubscriptionInfo replaces the params used for every direct
// room subscription and invalidates all previously confirmed
// subscriptions, forcing them to be re-sent with the new params.
func (e *Engine) ModifyRoomSubscriptionInfo(params RoomSubscriptionParams) {
	e.mu.Lock()
	e.subs.params = params
	e.subs.invalidateConfirmed()
	e.mu.Unlock()
	e.Resend()
}

// RegisterExtension registers a named extension. It is a programming
// error to register the same name twice.
func (e *Engine) RegisterExtension(ext Extension) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.extensions.register(ext)
}

// Subscribe adds an event observer. Observers added after Start is
// called begin receiving events from the next response onward.
func (e *Engine) Subscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher.subscribe(o)
}

// Resend marks the engine as needing to re-dispatch and aborts any
// in-flight request so the loop picks up fresh state on its next
// iteration.
func (e *Engine) Resend() {
	e.mu.Lock()
	e.needsResend = true
	cancel := e.cancelInFlight
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop terminates the loop, aborts any in-flight request, and drops all
// observers.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.terminated = true
	cancel := e.cancelInFlight
	e.cancelInFlight = nil
	e.dispatcher.clear()
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) isTerminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Start runs the long-poll loop until Stop is called or ctx is done. It
// blocks; callers run it in its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	for !e.isTerminated() {
		if ctx.Err() != nil {
			return
		}
		e.runOneCycle(ctx)
	}
}

func (e *Engine) runOneCycle(ctx context.Context) {
	e.mu.Lock()
	e.needsResend = false
	body, snapshotM, subscribeSnapshot, unsubscribeSnapshot := e.buildRequestLocked()
	reqCtx, cancel := context.WithCancel(ctx)
	e.cancelInFlight = cancel
	e.mu.Unlock()
	defer cancel()

	start := time.Now()
	resp, err := e.transport.SlidingSync(reqCtx, body, e.proxyBaseURL)
	duration := time.Since(start)

	e.mu.Lock()
	e.cancelInFlight = nil
	needsResend := e.needsResend
	e.mu.Unlock()

	if err != nil {
		e.metrics.observeRequest(duration, outcomeFor(err))
		e.dispatcher.emitLifecycle(RequestFinished, nil, err)
		if needsResend || IsAborted(err) {
			return
		}
		select {
		case <-time.After(errorBackoff):
		case <-ctx.Done():
		}
		return
	}

	e.metrics.observeRequest(duration, "success")
	e.applySuccess(body, snapshotM, subscribeSnapshot, unsubscribeSnapshot, resp)
}

// buildRequestLocked assembles the request body from current state. The
// caller must hold e.mu.
func (e *Engine) buildRequestLocked() (RequestBody, int64, []string, []string) {
	isInitial := e.pos == ""

	listsWire := make(map[string]json.RawMessage, len(e.lists))
	for idx, l := range e.lists {
		key := strconv.Itoa(idx)
		var raw json.RawMessage
		var err error
		if l.isModified {
			raw, err = json.Marshal(wireListFull{
				Ranges:        l.config.Ranges,
				Filters:       l.config.Filters,
				Sort:          l.config.Sort,
				RequiredState: l.config.RequiredState,
				TimelineLimit: l.config.TimelineLimit,
			})
		} else {
			raw, err = json.Marshal(wireListRangesOnly{Ranges: l.config.Ranges})
		}
		if err != nil {
			e.log.WithError(err).WithField("list", idx).Error("failed to marshal list, omitting from request")
			continue
		}
		listsWire[key] = raw
	}

	subscribe := e.subs.toSubscribe()
	unsubscribe := e.subs.toUnsubscribe()

	roomSubs := make(map[string]json.RawMessage, len(subscribe))
	if len(subscribe) > 0 {
		paramsRaw, err := json.Marshal(e.subs.params)
		if err != nil {
			e.log.WithError(err).Error("failed to marshal room subscription params")
		} else {
			for _, id := range subscribe {
				roomSubs[id] = paramsRaw
			}
		}
	}

	extFrag, err := e.extensions.buildRequestFragment(isInitial)
	if err != nil {
		e.log.WithError(err).Error("failed to build extension request fragment")
	}

	timeoutMs := int(e.timeout / time.Millisecond)
	body := RequestBody{
		Lists:         listsWire,
		Pos:           e.pos,
		Timeout:       timeoutMs,
		ClientTimeout: timeoutMs + 10000,
		Extensions:    extFrag,
	}
	if len(unsubscribe) > 0 {
		body.UnsubscribeRooms = unsubscribe
	}
	if len(roomSubs) > 0 {
		body.RoomSubscriptions = roomSubs
	}

	return body, e.listModifiedCount, subscribe, unsubscribe
}

// applySuccess applies a successful response per SPEC_FULL.md §4.1 "The
// sync loop". snapshotM is the listModifiedCount observed when this
// request was built; subscribeSnapshot/unsubscribeSnapshot are the room
// ids this request asked to subscribe/unsubscribe.
func (e *Engine) applySuccess(reqBody RequestBody, snapshotM int64, subscribeSnapshot, unsubscribeSnapshot []string, resp *Response) {
	e.mu.Lock()
	e.pos = resp.Pos
	e.subs.markConfirmed(subscribeSnapshot, unsubscribeSnapshot)

	doNotApplyListOps := snapshotM != e.listModifiedCount
	if !doNotApplyListOps {
		for _, l := range e.lists {
			l.isModified = false
		}
	}
	lists := e.lists
	e.mu.Unlock()

	e.dispatcher.emitLifecycle(RequestFinished, resp, nil)

	e.extensions.dispatchResponse(PreProcess, resp.Extensions)

	for roomID, data := range resp.RoomSubscriptions {
		if !e.roomDataUnchanged(roomID, data) {
			e.dispatcher.emitRoomData(roomID, data)
		}
	}

	// The op-carried RoomData must be emitted even when this response's
	// list index mutations are being discarded as stale, so the applier
	// always runs; only its index/joinedCount/affected side effects are
	// suppressed on a race.
	affected := make(map[int]struct{})
	applier := newOpApplier(lists, e.log, func(roomID string, data []byte) {
		if !e.roomDataUnchanged(roomID, data) {
			e.dispatcher.emitRoomData(roomID, data)
		}
	})
	if doNotApplyListOps {
		applier.suppressingIndexMutation()
	}
	applier.apply(resp.Ops)
	if !doNotApplyListOps {
		for idx, count := range resp.Counts {
			if l, ok := lists[idx]; ok {
				l.joinedCount = count
			}
		}
		affected = applier.affected
	}

	e.dispatcher.emitLifecycle(Complete, resp, nil)

	e.extensions.dispatchResponse(PostProcess, resp.Extensions)

	for idx := range affected {
		if l, ok := lists[idx]; ok {
			e.metrics.observeListSize(idx, len(l.indexToRoomID))
			e.dispatcher.emitList(idx, l.joinedCount, copyIndexMap(l.indexToRoomID))
		}
	}
}

// roomDataUnchanged reports whether data is byte-identical to the last
// payload seen for roomID, when a RoomDataCache is configured. With no
// cache configured every payload is treated as changed.
func (e *Engine) roomDataUnchanged(roomID string, data json.RawMessage) bool {
	if e.roomCache == nil {
		return false
	}
	return e.roomCache.Seen(roomID, data)
}

func copyIndexMap(m map[int]string) map[int]string {
	cp := make(map[int]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func outcomeFor(err error) string {
	if IsAborted(err) {
		return "aborted"
	}
	return "error"
}
