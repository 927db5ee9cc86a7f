// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package slidingsync

import (
	"github.com/sirupsen/logrus"
)

// opApplier applies one response's ops[] to the engine's lists, tracking
// one gap index per list for the lifetime of the response (SPEC_FULL.md
// §4.1 "Applying ops"). It is rebuilt fresh for every response.
type opApplier struct {
	lists    map[int]*list
	gapIndex map[int]int
	affected map[int]struct{}
	log      *logrus.Entry
	onRoom   func(roomID string, data []byte)

	// suppressIndexMutation, when set, leaves indexToRoomID/joinedCount
	// untouched for every op but still invokes onRoom for every
	// op-carried room. Used when a list mutation raced an in-flight
	// response: the response's RoomData must still be emitted, but its
	// stale index mutations must be discarded (spec.md "racing
	// mutation" behaviour).
	suppressIndexMutation bool
}

func newOpApplier(lists map[int]*list, log *logrus.Entry, onRoom func(string, []byte)) *opApplier {
	return &opApplier{
		lists:    lists,
		gapIndex: make(map[int]int),
		affected: make(map[int]struct{}),
		log:      log,
		onRoom:   onRoom,
	}
}

// suppressingIndexMutation marks the applier to discard index mutations
// while still dispatching RoomData, and returns it for chaining.
func (a *opApplier) suppressingIndexMutation() *opApplier {
	a.suppressIndexMutation = true
	return a
}

func (a *opApplier) gap(listIdx int) int {
	if g, ok := a.gapIndex[listIdx]; ok {
		return g
	}
	return -1
}

// apply processes every op in order, mutating the underlying lists. It
// never returns an error: malformed ops are logged and skipped so one bad
// op cannot abort the rest of the response.
func (a *opApplier) apply(ops []ResponseOp) {
	for _, op := range ops {
		l, ok := a.lists[op.List]
		if !ok {
			a.log.WithField("list", op.List).Warn("sliding-sync op for unknown list, skipping")
			continue
		}
		switch op.Op {
		case OpDelete:
			a.applyDelete(l, op)
		case OpInsert:
			a.applyInsert(l, op)
		case OpUpdate:
			a.applyUpdate(l, op)
		case OpSync:
			a.applySync(l, op)
		case OpInvalidate:
			a.applyInvalidate(l, op)
		default:
			a.log.WithField("op", op.Op).Warn("unknown sliding-sync op, skipping")
		}
	}
}

func (a *opApplier) markAffected(listIdx int) {
	a.affected[listIdx] = struct{}{}
}

func (a *opApplier) applyDelete(l *list, op ResponseOp) {
	if op.Index == nil {
		a.log.Warn("DELETE op missing index, skipping")
		return
	}
	if a.suppressIndexMutation {
		return
	}
	i := *op.Index
	delete(l.indexToRoomID, i)
	a.gapIndex[op.List] = i
	a.markAffected(op.List)
}

func (a *opApplier) applyInsert(l *list, op ResponseOp) {
	if op.Index == nil {
		a.log.Warn("INSERT op missing index, skipping")
		return
	}
	i := *op.Index
	roomID := roomIDOf(op.Room)
	if roomID == "" {
		a.log.Warn("INSERT op missing room_id, skipping")
		return
	}

	if a.suppressIndexMutation {
		a.onRoom(roomID, op.Room)
		return
	}

	if _, occupied := l.indexToRoomID[i]; occupied {
		gap := a.gap(op.List)
		if gap < 0 {
			a.log.WithField("list", op.List).WithField("index", i).
				Warn("malformed sliding-sync stream: INSERT into occupied slot with no prior DELETE, skipping")
			return
		}
		if gap > i {
			a.shiftRight(l, i, gap)
		} else if gap < i {
			a.shiftLeft(l, i, gap)
		}
		// gap == i: the slot was vacated by this response's own DELETE
		// at this exact index, so it can't still be "occupied" — this
		// branch is unreachable in practice.
	}

	l.indexToRoomID[i] = roomID
	a.markAffected(op.List)
	a.onRoom(roomID, op.Room)
}

// shiftRight copies entries one step toward higher indices across
// (i, gap], preserving only slots within a currently configured range.
func (a *opApplier) shiftRight(l *list, i, gap int) {
	for k := gap; k > i; k-- {
		if !l.isIndexInRange(k) {
			continue
		}
		if v, ok := l.indexToRoomID[k-1]; ok {
			l.indexToRoomID[k] = v
		} else {
			delete(l.indexToRoomID, k)
		}
	}
}

// shiftLeft copies entries one step toward lower indices across
// [gap, i), preserving only slots within a currently configured range.
func (a *opApplier) shiftLeft(l *list, i, gap int) {
	for k := gap; k < i; k++ {
		if !l.isIndexInRange(k) {
			continue
		}
		if v, ok := l.indexToRoomID[k+1]; ok {
			l.indexToRoomID[k] = v
		} else {
			delete(l.indexToRoomID, k)
		}
	}
}

func (a *opApplier) applyUpdate(l *list, op ResponseOp) {
	roomID := roomIDOf(op.Room)
	if roomID == "" {
		a.log.Warn("UPDATE op missing room_id, skipping")
		return
	}
	a.onRoom(roomID, op.Room)
}

func (a *opApplier) applySync(l *list, op ResponseOp) {
	if op.Range == nil {
		a.log.Warn("SYNC op missing range, skipping")
		return
	}
	start, end := op.Range[0], op.Range[1]
	for k := 0; k <= end-start; k++ {
		if k >= len(op.Rooms) {
			break
		}
		room := op.Rooms[k]
		roomID := roomIDOf(room)
		if roomID == "" {
			break
		}
		if !a.suppressIndexMutation {
			idx := start + k
			l.indexToRoomID[idx] = roomID
		}
		a.onRoom(roomID, room)
	}
	if !a.suppressIndexMutation {
		a.markAffected(op.List)
	}
}

func (a *opApplier) applyInvalidate(l *list, op ResponseOp) {
	if op.Range == nil {
		a.log.Warn("INVALIDATE op missing range, skipping")
		return
	}
	if a.suppressIndexMutation {
		return
	}
	for i := op.Range[0]; i <= op.Range[1]; i++ {
		delete(l.indexToRoomID, i)
	}
	a.markAffected(op.List)
}
