// AHCI port DMA buffer pool
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import "fmt"

// ensureSGBuffers grows the SG buffer pool to at least n 128 KiB buffers,
// under the pool mutex. It never shrinks and is idempotent for n ≤ the
// current count. n beyond the hard cap (2048, 256 MiB) fails with
// ErrInvalidArgument; an allocation
// failure along the way fails with ErrOutOfMemory and leaves whatever was
// already grown in place.
func (p *Port) ensureSGBuffers(n int) error {
	if n > sgBufCap {
		return fmt.Errorf("%w: %d SG buffers exceeds cap of %d", ErrInvalidArgument, n, sgBufCap)
	}

	p.sgMu.Lock()
	defer p.sgMu.Unlock()

	for len(p.sgBuf) < n {
		phys, buf, err := p.alloc.Alloc(sgBufSize, 4096)
		if err != nil {
			return fmt.Errorf("%w: SG buffer %d: %v", ErrOutOfMemory, len(p.sgBuf), err)
		}

		p.sgBuf = append(p.sgBuf, struct {
			phys uint64
			buf  []byte
		}{phys: phys, buf: buf})
	}

	return nil
}

// sgBufferAt returns the physical address and backing slice for SG buffer
// i. Once growth has raised the count past i, entry i is stable for the
// port's lifetime, so this may be called without holding
// sgMu as long as the caller already knows i is below an observed count
// (ensureSGBuffers having just succeeded for a count > i satisfies that).
func (p *Port) sgBufferAt(i int) (uint64, []byte) {
	p.sgMu.Lock()
	defer p.sgMu.Unlock()
	b := p.sgBuf[i]
	return b.phys, b.buf
}

// commandTableFor returns the Command Table for slot, allocating it
// (cmdTableSize bytes, 128-byte aligned) on first use. Once allocated for a slot, the
// same table is reused for as long as the port lives.
func (p *Port) commandTableFor(slot int) (*cmdTable, error) {
	p.tablesMu.Lock()
	defer p.tablesMu.Unlock()

	if t := p.tables[slot]; t != nil {
		return t, nil
	}

	phys, buf, err := p.alloc.Alloc(cmdTableSize, cmdTableAlign)
	if err != nil {
		return nil, fmt.Errorf("%w: command table for slot %d: %v", ErrOutOfMemory, slot, err)
	}
	for i := range buf {
		buf[i] = 0
	}

	t := &cmdTable{phys: phys, buf: buf}
	p.tables[slot] = t

	return t, nil
}
