// AHCI port support
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/n-nazuna/ahci-lld/dma"
	"github.com/n-nazuna/ahci-lld/internal/mmio"
)

const (
	numSlots = 32

	sgBufSize  = 128 * 1024 // 128 KiB
	sgBufCap   = 2048       // hard cap (256 MiB)
	sgSeedSize = 8          // seeded at port bring-up

	cmdTableAlign = 128

	// cmdTableSize is a command table's size: a 128-byte header (64-byte
	// Command FIS area, 16-byte ATAPI command, 48 bytes reserved)
	// followed by enough PRDT entries for the largest single transfer
	// the SG pool can stage (sgBufCap entries), rounded up to a 4KiB
	// page. A flat 4KiB table only fits ~248 PRDT entries and would
	// overflow for any transfer above ~31MiB, so the table is sized for
	// the cap the pool actually advertises.
	cmdTableSize = ((cmdTableHdrSize + sgBufCap*prdtEntrySize + 4095) / 4096) * 4096
)

// slotRecord is the per-slot bookkeeping: the original request, the
// client buffer, and everything needed to stage/unstage data and report
// a result once the slot retires. It is
// only ever touched by the goroutine that claimed the slot, except for
// the brief critical section where ProbeCmd writes the SDB status/error
// into its request; the record itself is discarded later by freeSlot.
type slotRecord struct {
	req     *CommandRequest
	buffer  []byte
	write   bool
	sgCount int
	ncq     bool
}

// cmdTable is a lazily-allocated, port-owned Command Table: the 128-byte
// FIS/ATAPI/reserved header followed by PRDT entries, sized for this
// port's current sgBufCap worth of scatter-gather segments.
type cmdTable struct {
	phys uint64
	buf  []byte
}

// Port is one SATA port under an HBA: its MMIO sub-window, DMA-coherent
// Command List and Received FIS area, per-slot Command Tables, the SG
// buffer pool, and the slot allocator state. A Port is Running
// (accepting commands) iff PxCMD.ST=1 and PxCMD.CR=1; see IsRunning.
type Port struct {
	num   int
	win   *mmio.Window
	alloc dma.Allocator

	clbPhys uint64
	clb     []byte // 1024 bytes, 32 x 32-byte Command Headers

	fbPhys uint64
	fb     []byte // 256 bytes, Received FIS area

	tablesMu sync.Mutex
	tables   [numSlots]*cmdTable

	sgMu  sync.Mutex
	sgBuf []struct {
		phys uint64
		buf  []byte
	}

	slotMu    sync.Mutex
	inUse     uint32 // atomic bitmap
	completed uint32 // atomic bitmap
	records   [numSlots]*slotRecord
	active    int32 // atomic count of in_use bits

	ncq          uint32 // atomic bool: set on first NCQ issue
	ncqIssued    uint64
	ncqCompleted uint64
	ioErrors     uint64

	dmaReady bool // Command List + FIS area allocated
}

func newPort(n int, win *mmio.Window, alloc dma.Allocator) *Port {
	return &Port{num: n, win: win, alloc: alloc}
}

// Num returns the port number (0..31).
func (p *Port) Num() int {
	return p.num
}

// InUse returns the current in_use bitmap; completed is a subset of it
// at every instant.
func (p *Port) InUse() uint32 {
	return atomic.LoadUint32(&p.inUse)
}

// Completed returns the current completed bitmap.
func (p *Port) Completed() uint32 {
	return atomic.LoadUint32(&p.completed)
}

// IsNCQ reports whether this port has issued at least one NCQ command.
func (p *Port) IsNCQ() bool {
	return atomic.LoadUint32(&p.ncq) != 0
}

// NCQStats returns the count of NCQ commands issued and completed so far.
func (p *Port) NCQStats() (issued, completed uint64) {
	return atomic.LoadUint64(&p.ncqIssued), atomic.LoadUint64(&p.ncqCompleted)
}

// IOErrors returns the count of commands that completed with a device or
// host-bus fault (TFES/HBFS/HBDS/IFS) reported in PxIS.
func (p *Port) IOErrors() uint64 {
	return atomic.LoadUint64(&p.ioErrors)
}

// ActiveSlots returns the number of slots currently in_use.
func (p *Port) ActiveSlots() int32 {
	return atomic.LoadInt32(&p.active)
}

// SGBufferCount returns the number of currently-allocated 128 KiB SG
// buffers, monotonically non-decreasing over the port's lifetime.
func (p *Port) SGBufferCount() int {
	p.sgMu.Lock()
	defer p.sgMu.Unlock()
	return len(p.sgBuf)
}

// Teardown releases every DMA resource the port owns: per-slot Command
// Tables, the SG pool, the Command List, and the FIS area, freed in
// reverse order of their allocation. Teardown is
// idempotent and does not itself require the port to be stopped first —
// callers ordinarily call Stop before Teardown; see HBA/Port lifecycle.
func (p *Port) Teardown() {
	if err := p.Stop(); err != nil {
		log.Printf("ahci: port %d: stop during teardown: %v", p.num, err)
	}

	p.win.Write32(pIE, 0)
	p.win.WriteOnesToClear(pIS, 0xFFFFFFFF)

	p.tablesMu.Lock()
	for i, t := range p.tables {
		if t != nil {
			p.alloc.Free(t.phys)
			p.tables[i] = nil
		}
	}
	p.tablesMu.Unlock()

	p.sgMu.Lock()
	for _, b := range p.sgBuf {
		p.alloc.Free(b.phys)
	}
	p.sgBuf = nil
	p.sgMu.Unlock()

	if p.dmaReady {
		p.alloc.Free(p.fbPhys)
		p.alloc.Free(p.clbPhys)
		p.clb, p.fb = nil, nil
		p.dmaReady = false
	}

	atomic.StoreUint32(&p.inUse, 0)
	atomic.StoreUint32(&p.completed, 0)
	atomic.StoreInt32(&p.active, 0)
}
