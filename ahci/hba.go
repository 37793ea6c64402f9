// AHCI host bus adapter support
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"fmt"
	"sync"
	"time"

	"github.com/n-nazuna/ahci-lld/dma"
	"github.com/n-nazuna/ahci-lld/internal/mmio"
)

const (
	resetTimeout = 1000 * time.Millisecond
)

// HBA represents one AHCI host-bus adapter: the MMIO window handed over by
// the PCI supplier, the Ports Implemented bitmap, and the set of owned
// Port handles. The HBA exclusively owns the MMIO window and every port
// carved out of it; no package-level mutable state is required, so
// multiple HBAs may coexist.
type HBA struct {
	win *mmio.Window

	// Alloc is the DMA-coherent allocator ports use for their Command
	// List, FIS area, Command Tables and SG buffer pool. Supplied by
	// the caller at construction time (the PCI collaborator in a real
	// deployment; dma.HostAllocator in tests and standalone use).
	Alloc dma.Allocator

	portsImplemented uint32

	mu    sync.Mutex
	ports [32]*Port
}

// NewHBA binds an HBA to mmioBase, a byte window covering at least the
// global registers and every implemented port's 128-byte sub-window
// (i.e. at least 0x100 + 32*0x80 bytes for the worst case of all 32 ports
// implemented). mmioBase must be pinned, page-resident memory for the
// HBA's lifetime — ordinarily a PCI BAR mapping.
func NewHBA(mmioBase []byte, alloc dma.Allocator) *HBA {
	return &HBA{
		win:   mmio.NewWindow(mmioBase),
		Alloc: alloc,
	}
}

// Reset performs a global HBA reset: set GHC.HR, wait for hardware to
// self-clear it. After a successful reset the HBA is in an
// undefined-but-idle state; the caller must re-enable AHCI mode
// (EnableAHCI) and re-initialize every port it intends to use.
func (h *HBA) Reset() error {
	h.win.Set(regGHC, ghcHR)

	if err := h.win.WaitBitClear(regGHC, 1<<ghcHR, resetTimeout, "GHC.HR"); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return nil
}

// EnableAHCI sets GHC.AE and confirms it reads back set. Unlike HR, AE is
// software-owned and takes effect synchronously, so this is a single-shot
// confirm rather than a poll loop.
func (h *HBA) EnableAHCI() error {
	h.win.Set(regGHC, ghcAE)

	if !h.win.Get(regGHC, ghcAE) {
		return fmt.Errorf("%w: GHC.AE did not read back set", ErrIOError)
	}

	return nil
}

// DiscoverPorts reads PI (Ports Implemented); every set bit names a valid
// port number.
func (h *HBA) DiscoverPorts() uint32 {
	pi := h.win.Read32(regPI)
	h.mu.Lock()
	h.portsImplemented = pi
	h.mu.Unlock()
	return pi
}

// Port returns the Port handle for port n (0..31), constructing it on
// first access. It fails with ErrInvalidArgument if n is out of range or
// not set in the bitmap most recently read by DiscoverPorts.
func (h *HBA) Port(n int) (*Port, error) {
	if n < 0 || n > 31 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidArgument, n)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.portsImplemented&(1<<uint(n)) == 0 {
		return nil, fmt.Errorf("%w: port %d not implemented", ErrInvalidArgument, n)
	}

	if h.ports[n] == nil {
		h.ports[n] = newPort(n, h.win.Sub(uint32(portBase+n*portSize), portSize), h.Alloc)
	}

	return h.ports[n], nil
}
