// AHCI command slot allocator
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateSlotFindsLowestClearBit(t *testing.T) {
	rig := newTestRig(t)

	req := &CommandRequest{Tag: 0}
	s0, err := rig.port.allocateSlot(req)
	require.NoError(t, err)
	require.Equal(t, 0, s0)

	s1, err := rig.port.allocateSlot(req)
	require.NoError(t, err)
	require.Equal(t, 1, s1)

	rig.port.freeSlot(0)
	s2, err := rig.port.allocateSlot(req)
	require.NoError(t, err)
	require.Equal(t, 0, s2)
}

func TestAllocateSlotFailsWhenFull(t *testing.T) {
	rig := newTestRig(t)

	for i := 0; i < numSlots; i++ {
		_, err := rig.port.allocateSlot(&CommandRequest{})
		require.NoError(t, err, "allocateSlot() #%d", i)
	}

	_, err := rig.port.allocateSlot(&CommandRequest{})
	require.ErrorIs(t, err, ErrBusy)
}

func TestCompletedIsAlwaysSubsetOfInUse(t *testing.T) {
	rig := newTestRig(t)

	slot, err := rig.port.allocateSlot(&CommandRequest{})
	require.NoError(t, err)

	rig.port.markCompleted(slot)
	require.Zero(t, rig.port.Completed()&^rig.port.InUse(), "completed has a bit not present in in_use")

	rig.port.freeSlot(slot)
	require.Zero(t, rig.port.Completed())
	require.Zero(t, rig.port.InUse())
}

func TestFreeSlotZeroesRecord(t *testing.T) {
	rig := newTestRig(t)

	slot, _ := rig.port.allocateSlot(&CommandRequest{Tag: 9})
	require.NotNil(t, rig.port.slotRecordAt(slot))

	rig.port.freeSlot(slot)
	require.Nil(t, rig.port.slotRecordAt(slot))
}
