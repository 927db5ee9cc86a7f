// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package slidingsync

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func roomJSON(roomID string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"room_id": roomID})
	return b
}

func intPtr(i int) *int { return &i }

func newTestList(ranges ...Range) *list {
	return newList(ListConfig{Ranges: ranges})
}

// S1: a DELETE at index i followed by an INSERT at index j > i shifts
// every room between them left by one, filling the gap the DELETE left.
func TestApplyOps_DeleteThenInsertShiftsLeft(t *testing.T) {
	l := newTestList(Range{0, 4})
	l.indexToRoomID = map[int]string{
		0: "!a:x", 1: "!b:x", 2: "!c:x", 3: "!d:x", 4: "!e:x",
	}
	lists := map[int]*list{0: l}

	var dispatched []string
	applier := newOpApplier(lists, testLog(), func(roomID string, _ []byte) {
		dispatched = append(dispatched, roomID)
	})

	ops := []ResponseOp{
		{Op: OpDelete, List: 0, Index: intPtr(1)},          // remove !b:x, gap at 1
		{Op: OpInsert, List: 0, Index: intPtr(3), Room: roomJSON("!f:x")},
	}
	applier.apply(ops)

	// gap(1) < insert index(3): shiftLeft across [1,3) copies 2->1, 3->2,
	// then the new room lands at 3.
	require.Equal(t, "!c:x", l.indexToRoomID[1])
	require.Equal(t, "!d:x", l.indexToRoomID[2])
	require.Equal(t, "!f:x", l.indexToRoomID[3])
	require.Equal(t, "!e:x", l.indexToRoomID[4])
	require.Equal(t, "!a:x", l.indexToRoomID[0])
	require.Contains(t, dispatched, "!f:x")
	require.Contains(t, applier.affected, 0)
}

// S1 variant: INSERT above a DELETE (gap > insert index) shifts right.
func TestApplyOps_DeleteThenInsertShiftsRight(t *testing.T) {
	l := newTestList(Range{0, 4})
	l.indexToRoomID = map[int]string{
		0: "!a:x", 1: "!b:x", 2: "!c:x", 3: "!d:x", 4: "!e:x",
	}
	lists := map[int]*list{0: l}
	applier := newOpApplier(lists, testLog(), func(string, []byte) {})

	ops := []ResponseOp{
		{Op: OpDelete, List: 0, Index: intPtr(3)},
		{Op: OpInsert, List: 0, Index: intPtr(1), Room: roomJSON("!z:x")},
	}
	applier.apply(ops)

	require.Equal(t, "!a:x", l.indexToRoomID[0])
	require.Equal(t, "!z:x", l.indexToRoomID[1])
	require.Equal(t, "!b:x", l.indexToRoomID[2])
	require.Equal(t, "!c:x", l.indexToRoomID[3])
	require.Equal(t, "!e:x", l.indexToRoomID[4])
}

// Universal invariant: a shift never writes to an index outside the
// list's currently configured ranges.
func TestApplyOps_ShiftRespectsRangeBoundary(t *testing.T) {
	l := newTestList(Range{0, 2})
	l.indexToRoomID = map[int]string{0: "!a:x", 1: "!b:x", 2: "!c:x"}
	lists := map[int]*list{0: l}
	applier := newOpApplier(lists, testLog(), func(string, []byte) {})

	// Narrow the range after the data was populated with a wider one, as
	// if a prior SetListRanges already shrank the window.
	l.config.Ranges = []Range{{0, 1}}

	ops := []ResponseOp{
		{Op: OpDelete, List: 0, Index: intPtr(0)},
		{Op: OpInsert, List: 0, Index: intPtr(1), Room: roomJSON("!z:x")},
	}
	applier.apply(ops)

	// shiftLeft for k in [0,1) only touches k=0, which is in range; index
	// 2 (out of range) must be left untouched rather than written to.
	require.Equal(t, "!c:x", l.indexToRoomID[2])
}

func TestApplyOps_InsertIntoOccupiedSlotWithoutPriorDeleteIsSkipped(t *testing.T) {
	l := newTestList(Range{0, 2})
	l.indexToRoomID = map[int]string{0: "!a:x"}
	lists := map[int]*list{0: l}
	applier := newOpApplier(lists, testLog(), func(string, []byte) {})

	applier.apply([]ResponseOp{
		{Op: OpInsert, List: 0, Index: intPtr(0), Room: roomJSON("!z:x")},
	})

	require.Equal(t, "!a:x", l.indexToRoomID[0])
}

func TestApplyOps_Sync(t *testing.T) {
	l := newTestList(Range{0, 2})
	lists := map[int]*list{0: l}
	var dispatched []string
	applier := newOpApplier(lists, testLog(), func(roomID string, _ []byte) {
		dispatched = append(dispatched, roomID)
	})

	applier.apply([]ResponseOp{
		{Op: OpSync, List: 0, Range: &Range{0, 2}, Rooms: []json.RawMessage{
			roomJSON("!a:x"), roomJSON("!b:x"), roomJSON("!c:x"),
		}},
	})

	require.Equal(t, "!a:x", l.indexToRoomID[0])
	require.Equal(t, "!b:x", l.indexToRoomID[1])
	require.Equal(t, "!c:x", l.indexToRoomID[2])
	require.Len(t, dispatched, 3)
	require.Contains(t, applier.affected, 0)
}

func TestApplyOps_Invalidate(t *testing.T) {
	l := newTestList(Range{0, 4})
	l.indexToRoomID = map[int]string{0: "!a:x", 1: "!b:x", 2: "!c:x"}
	lists := map[int]*list{0: l}
	applier := newOpApplier(lists, testLog(), func(string, []byte) {})

	applier.apply([]ResponseOp{
		{Op: OpInvalidate, List: 0, Range: &Range{0, 1}},
	})

	require.NotContains(t, l.indexToRoomID, 0)
	require.NotContains(t, l.indexToRoomID, 1)
	require.Equal(t, "!c:x", l.indexToRoomID[2])
}

func TestApplyOps_UpdateDoesNotMutateIndex(t *testing.T) {
	l := newTestList(Range{0, 2})
	l.indexToRoomID = map[int]string{0: "!a:x"}
	lists := map[int]*list{0: l}
	var dispatched []string
	applier := newOpApplier(lists, testLog(), func(roomID string, _ []byte) {
		dispatched = append(dispatched, roomID)
	})

	applier.apply([]ResponseOp{
		{Op: OpUpdate, List: 0, Room: roomJSON("!a:x")},
	})

	require.Equal(t, "!a:x", l.indexToRoomID[0])
	require.Contains(t, dispatched, "!a:x")
	require.NotContains(t, applier.affected, 0)
}

// spec.md's racing-mutation handling: once an applier is put into
// suppress mode, RoomData still fires for every op-carried room, but no
// op writes to indexToRoomID, joinedCount, or affected.
func TestApplyOps_SuppressedIndexMutationStillEmitsRoomData(t *testing.T) {
	l := newTestList(Range{0, 4})
	l.indexToRoomID = map[int]string{0: "!a:x", 1: "!b:x", 2: "!c:x"}
	lists := map[int]*list{0: l}

	var dispatched []string
	applier := newOpApplier(lists, testLog(), func(roomID string, _ []byte) {
		dispatched = append(dispatched, roomID)
	}).suppressingIndexMutation()

	applier.apply([]ResponseOp{
		{Op: OpDelete, List: 0, Index: intPtr(1)},
		{Op: OpInsert, List: 0, Index: intPtr(3), Room: roomJSON("!f:x")},
		{Op: OpSync, List: 0, Range: &Range{0, 0}, Rooms: []json.RawMessage{roomJSON("!z:x")}},
		{Op: OpInvalidate, List: 0, Range: &Range{2, 2}},
	})

	require.Equal(t, map[int]string{0: "!a:x", 1: "!b:x", 2: "!c:x"}, l.indexToRoomID, "indexToRoomID must be untouched while suppressed")
	require.ElementsMatch(t, []string{"!f:x", "!z:x"}, dispatched, "RoomData must still fire for every op-carried room")
	require.Empty(t, applier.affected, "no list should be marked affected while suppressed")
}

func TestApplyOps_UnknownListIsSkippedNotPanicked(t *testing.T) {
	lists := map[int]*list{0: newTestList(Range{0, 2})}
	applier := newOpApplier(lists, testLog(), func(string, []byte) {})
	require.NotPanics(t, func() {
		applier.apply([]ResponseOp{{Op: OpDelete, List: 99, Index: intPtr(0)}})
	})
}
