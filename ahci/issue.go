// AHCI command issue
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"fmt"
	"sync/atomic"
	"time"
)

const sgChunkSize = sgBufSize

// IssueCmd assembles and arms one command on slot 0 (non-NCQ) or
// req.Tag (NCQ). The port must already be Running. For a non-NCQ
// request, IssueCmd blocks until the command
// completes (or times out) and fills in req's result fields; for an NCQ
// request it returns once the command is queued (PxCI bit clears),
// leaving completion to ProbeCmd.
func (p *Port) IssueCmd(req *CommandRequest) error {
	if !p.IsRunning() {
		return fmt.Errorf("%w: port %d not running", ErrBusy, p.num)
	}

	ncq := req.isNCQ()
	write := req.isWrite()

	var slot int
	var err error

	if ncq {
		if int(req.Tag) > 31 {
			return fmt.Errorf("%w: tag %d out of range", ErrInvalidArgument, req.Tag)
		}
		slot = int(req.Tag)
		if err = p.claimSlotExact(slot, req); err != nil {
			return err
		}
	} else {
		slot = 0
		if err = p.claimSlot0(req); err != nil {
			return err
		}
	}

	if err := p.issueOnSlot(slot, req, write, ncq); err != nil {
		p.freeSlot(slot)
		return err
	}

	if err := p.waitQueued(slot, req.timeout()); err != nil {
		p.freeSlot(slot)
		return err
	}

	if ncq {
		atomic.StoreUint32(&p.ncq, 1)
		atomic.AddUint64(&p.ncqIssued, 1)
		return nil
	}

	return p.awaitNonNCQ(slot, req)
}

// claimSlotExact claims a caller-chosen NCQ slot (req.Tag), failing with
// ErrBusy if it is already in use.
func (p *Port) claimSlotExact(slot int, req *CommandRequest) error {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()

	mask := uint32(1) << uint(slot)
	if p.inUse&mask != 0 {
		return fmt.Errorf("%w: slot %d in use", ErrBusy, slot)
	}

	atomic.StoreUint32(&p.inUse, p.inUse|mask)
	atomic.AddInt32(&p.active, 1)
	p.records[slot] = &slotRecord{req: req, ncq: true}

	return nil
}

func (p *Port) issueOnSlot(slot int, req *CommandRequest, write bool, ncq bool) error {
	bufLen := len(req.Buffer)
	sgNeeded := (bufLen + sgChunkSize - 1) / sgChunkSize
	if sgNeeded > sgBufCap {
		return fmt.Errorf("%w: transfer of %d bytes exceeds SG cap", ErrInvalidArgument, bufLen)
	}

	if err := p.ensureSGBuffers(sgNeeded); err != nil {
		return err
	}

	if write {
		remaining := bufLen
		for i := 0; i < sgNeeded; i++ {
			_, sg := p.sgBufferAt(i)
			n := remaining
			if n > sgChunkSize {
				n = sgChunkSize
			}
			copy(sg[:n], req.Buffer[i*sgChunkSize:i*sgChunkSize+n])
			remaining -= n
		}
	}

	table, err := p.commandTableFor(slot)
	if err != nil {
		return err
	}

	fis := regH2D{
		command:  req.Command,
		features: req.Features,
		device:   req.Device,
		lba:      req.LBA,
		count:    req.Count,
	}
	copy(table.buf[0:20], fis.bytes())
	for i := 20; i < cmdTableHdrSize; i++ {
		table.buf[i] = 0
	}

	remaining := bufLen
	for i := 0; i < sgNeeded; i++ {
		phys, _ := p.sgBufferAt(i)
		n := remaining
		if n > sgChunkSize {
			n = sgChunkSize
		}
		entry := prdtEntry{dba: phys, dbc: uint32(n) - 1}
		off := cmdTableHdrSize + i*prdtEntrySize
		copy(table.buf[off:off+prdtEntrySize], entry.bytes())
		remaining -= n
	}

	hdr := cmdHeader{
		cfl:   5, // ceil(20/4)
		write: write,
		prdtl: uint16(sgNeeded),
		ctba:  table.phys,
	}
	off := slot * cmdHeaderSize
	copy(p.clb[off:off+cmdHeaderSize], hdr.bytes())

	rec := p.slotRecordAt(slot)
	rec.buffer = req.Buffer
	rec.write = write
	rec.sgCount = sgNeeded

	// Everything above (header, table, PRDT, staged write data) must be
	// visible to the device before the register write that arms it.
	// p.win's Write32/Set use sync/atomic stores, which carry the
	// required release ordering.
	p.win.WriteOnesToClear(pIS, 0xFFFFFFFF)
	if ncq {
		p.win.Set(pSACT, slot)
	}
	p.win.Set(pCI, slot)

	return nil
}

func (p *Port) waitQueued(slot int, timeoutMs uint32) error {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if err := p.win.WaitBitClear(pCI, 1<<uint(slot), timeout, "PxCI"); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return nil
}

// awaitNonNCQ finishes a non-NCQ command. Once queuing completes the
// command is also complete, so read the D2H FIS, check for a reported
// fault, stage reads back into the client buffer, and free slot 0.
func (p *Port) awaitNonNCQ(slot int, req *CommandRequest) error {
	rec := p.slotRecordAt(slot)

	d2h := parseRegD2H(p.fb[rxRegD2H : rxRegD2H+20])
	req.Status = d2h.status
	req.Error = d2h.error
	req.DeviceOut = d2h.device
	req.LBAOut = d2h.lba
	req.CountOut = d2h.count

	is := p.win.Read32(pIS)
	if is&isErrorMask != 0 {
		p.win.WriteOnesToClear(pIS, is)
		p.win.WriteOnesToClear(pSERR, p.win.Read32(pSERR))
		p.freeSlot(slot)
		atomic.AddUint64(&p.ioErrors, 1)
		return fmt.Errorf("%w: PxIS=0x%x PxTFD=0x%x", ErrIOError, is, p.win.Read32(pTFD))
	}

	if !rec.write && len(req.Buffer) > 0 {
		p.unstageRead(rec)
	}

	p.win.WriteOnesToClear(pIS, is)
	p.freeSlot(slot)

	return nil
}

// unstageRead copies read data staged in SG buffers [0..rec.sgCount) back
// into the client buffer in 128 KiB chunks.
func (p *Port) unstageRead(rec *slotRecord) {
	remaining := len(rec.buffer)
	for i := 0; i < rec.sgCount; i++ {
		_, sg := p.sgBufferAt(i)
		n := remaining
		if n > sgChunkSize {
			n = sgChunkSize
		}
		copy(rec.buffer[i*sgChunkSize:i*sgChunkSize+n], sg[:n])
		remaining -= n
	}
}
