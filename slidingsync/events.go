// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package slidingsync

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// LifecycleState is the phase of a response's lifecycle.
type LifecycleState int

const (
	// RequestFinished fires once a response has been received (success or
	// error) but before any mutation has been applied.
	RequestFinished LifecycleState = iota
	// Complete fires after all RoomData for a response has been emitted
	// and list mutations have been applied, but before List events.
	Complete
)

// Observer receives engine events. Implementations must not block for
// long: they run inline on the sync loop's goroutine. A panic in an
// observer is recovered and logged, but a slow observer cannot be
// distinguished by the engine from a correct one that simply takes time,
// so keep observers cheap.
type Observer interface {
	OnRoomData(roomID string, data json.RawMessage)
	OnLifecycle(state LifecycleState, resp *Response, err error)
	OnList(listIndex int, joinedCount int, indexToRoomID map[int]string)
}

// dispatcher fans engine events out to registered observers, catching and
// logging anything an observer panics with so one bad listener cannot take
// down the sync loop.
type dispatcher struct {
	observers []Observer
	log       *logrus.Entry
}

func newDispatcher(log *logrus.Entry) *dispatcher {
	return &dispatcher{log: log}
}

func (d *dispatcher) subscribe(o Observer) {
	d.observers = append(d.observers, o)
}

func (d *dispatcher) clear() {
	d.observers = nil
}

func (d *dispatcher) emitRoomData(roomID string, data json.RawMessage) {
	for _, o := range d.observers {
		d.safeCall(func() { o.OnRoomData(roomID, data) })
	}
}

func (d *dispatcher) emitLifecycle(state LifecycleState, resp *Response, err error) {
	for _, o := range d.observers {
		d.safeCall(func() { o.OnLifecycle(state, resp, err) })
	}
}

func (d *dispatcher) emitList(listIndex, joinedCount int, m map[int]string) {
	for _, o := range d.observers {
		d.safeCall(func() { o.OnList(listIndex, joinedCount, m) })
	}
}

func (d *dispatcher) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("sliding-sync observer panicked, dropping")
		}
	}()
	fn()
}
