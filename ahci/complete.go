// AHCI NCQ completion detection
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"math/bits"
	"sync/atomic"
)

// ProbeCmd polls PxSACT and classifies NCQ completions: for every slot
// that is in_use but not yet completed, a clear SACT bit means the
// device has retired it. The SDB FIS at Received FIS area offset 0x58 is
// shared across every slot that retires between two ProbeCmd calls and
// carries only a status/error pair, no LBA or count. ProbeCmd copies
// that single snapshot into every newly-completed slot's result and
// treats it as advisory; TFES/PxSERR, not these fields, is the
// authoritative error signal. The LBA/count the caller originally
// submitted are echoed back unchanged, since SDB never carries them.
// Read data staged in the SG pool is copied back into each retiring
// read request's client buffer.
func (p *Port) ProbeCmd() CompletionProbe {
	sact := p.win.Read32(pSACT)

	var out CompletionProbe
	out.SActive = sact

	sdb := parseSDB(p.fb[rxSDB : rxSDB+20])

	p.slotMu.Lock()
	inUse := p.inUse
	completedBefore := p.completed
	var newlyCompleted uint32

	for slot := 0; slot < numSlots; slot++ {
		mask := uint32(1) << uint(slot)
		if inUse&mask == 0 || completedBefore&mask != 0 {
			continue
		}
		if sact&mask != 0 {
			continue // still outstanding at the device
		}

		newlyCompleted |= mask

		if rec := p.records[slot]; rec != nil && rec.req != nil {
			rec.req.Status = sdb.status
			rec.req.Error = sdb.error
			rec.req.LBAOut = rec.req.LBA
			rec.req.CountOut = rec.req.Count
			out.Status[slot] = sdb.status
			out.Error[slot] = sdb.error

			if !rec.write && len(rec.buffer) > 0 {
				p.unstageRead(rec)
			}
		}
	}

	if newlyCompleted != 0 {
		atomic.StoreUint32(&p.completed, completedBefore|newlyCompleted)
		atomic.AddUint64(&p.ncqCompleted, uint64(bits.OnesCount32(newlyCompleted)))
	}
	p.slotMu.Unlock()

	out.Completed = newlyCompleted

	return out
}
