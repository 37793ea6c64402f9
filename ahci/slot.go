// AHCI command slot allocator
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// allocateSlot finds the lowest clear bit in in_use, claims it and
// records req under the slot lock, for NCQ callers that want the port
// to pick a free tag instead of choosing one themselves. Fails with
// ErrBusy if all 32 slots are in use.
func (p *Port) allocateSlot(req *CommandRequest) (int, error) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()

	inUse := p.inUse
	free := ^inUse
	if free == 0 {
		return 0, fmt.Errorf("%w: no free slot", ErrBusy)
	}

	slot := bits.TrailingZeros32(free)

	atomic.StoreUint32(&p.inUse, inUse|(1<<uint(slot)))
	atomic.AddInt32(&p.active, 1)
	p.records[slot] = &slotRecord{req: req, ncq: true}

	return slot, nil
}

// claimSlot0 reserves slot 0 exclusively for a non-NCQ command. It fails
// with ErrBusy if an NCQ command currently holds slot 0: the caller is
// told rather than silently retried, the same policy applied to an NCQ
// issue that finds slot 0 held by a non-NCQ command.
func (p *Port) claimSlot0(req *CommandRequest) error {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()

	if p.inUse&1 != 0 {
		return fmt.Errorf("%w: slot 0 in use", ErrBusy)
	}

	atomic.StoreUint32(&p.inUse, p.inUse|1)
	atomic.AddInt32(&p.active, 1)
	p.records[0] = &slotRecord{req: req}

	return nil
}

// freeSlot clears bit slot in both in_use and completed, discards the
// slot record, and decrements the active-slot count.
func (p *Port) freeSlot(slot int) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()

	mask := uint32(1) << uint(slot)
	if p.inUse&mask == 0 {
		return
	}

	atomic.StoreUint32(&p.inUse, p.inUse&^mask)
	atomic.StoreUint32(&p.completed, p.completed&^mask)
	p.records[slot] = nil
	atomic.AddInt32(&p.active, -1)
}

// markCompleted sets bit slot in completed without releasing it; the slot
// remains in_use until the caller explicitly frees it, keeping completed
// a subset of in_use at every instant.
func (p *Port) markCompleted(slot int) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()

	mask := uint32(1) << uint(slot)
	if p.inUse&mask == 0 {
		return
	}
	atomic.StoreUint32(&p.completed, p.completed|mask)
}

func (p *Port) slotRecordAt(slot int) *slotRecord {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	return p.records[slot]
}
