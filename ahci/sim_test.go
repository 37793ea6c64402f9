// Simulated AHCI device model for tests
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
	"testing"
	"time"

	"github.com/n-nazuna/ahci-lld/dma"
)

// testRig bundles an HBA, a 0-backed MMIO window large enough for the
// global registers and port 0's sub-window, and a HostAllocator-backed
// port ready for SetupDMA. Mirrors the fixture shape of
// internal/mmio/mmio_test.go (a raw byte slice standing in for a
// register window) one level up, at the HBA/Port boundary.
type testRig struct {
	t     *testing.T
	buf   []byte
	hba   *HBA
	alloc *dma.HostAllocator
	port  *Port

	autoAckCI int32 // atomic bool
}

// enableAutoAckCI makes the device model clear any PxCI bit it observes
// set almost immediately, simulating a device that accepts every queued
// command into its internal queue right away. Non-NCQ tests leave this
// off so they can control exactly when (and with what D2H FIS contents)
// a command appears to complete; the NCQ test turns it on because
// queuing and completion are decoupled there (PxSACT, not PxCI, reports
// completion).
func (r *testRig) enableAutoAckCI() {
	atomic.StoreInt32(&r.autoAckCI, 1)
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	buf := make([]byte, portBase+portSize) // global regs + port 0 window

	alloc, err := dma.NewHostAllocator(16 * 1024 * 1024)
	if err != nil {
		t.Fatalf("NewHostAllocator: %v", err)
	}
	t.Cleanup(func() { alloc.Close() })

	hba := NewHBA(buf, alloc)

	// Ports Implemented: port 0 only.
	hba.win.Write32(regPI, 0x1)
	hba.DiscoverPorts()

	port, err := hba.Port(0)
	if err != nil {
		t.Fatalf("Port(0): %v", err)
	}

	return &testRig{t: t, buf: buf, hba: hba, alloc: alloc, port: port}
}

// bringUp drives the port through COMRESET -> SetupDMA -> Init -> Start,
// with a background goroutine standing in for the device side of every
// port-level handshake bit (FRE->FR, ST->CR, SCTL.DET->SSTS.DET). GHC.HR
// self-clear is a global-register concern and has its own fixture in
// hba_test.go. This is the same "another goroutine flips the bit" pattern
// internal/mmio/mmio_test.go uses for WaitBitSet, one layer up.
func (r *testRig) bringUp() {
	r.t.Helper()

	stop := r.startDeviceModel()
	r.t.Cleanup(stop)

	if err := r.port.COMRESET(); err != nil {
		r.t.Fatalf("COMRESET: %v", err)
	}
	if err := r.port.SetupDMA(); err != nil {
		r.t.Fatalf("SetupDMA: %v", err)
	}
	if err := r.port.Init(); err != nil {
		r.t.Fatalf("Init: %v", err)
	}
	if err := r.port.Start(); err != nil {
		r.t.Fatalf("Start: %v", err)
	}
}

// startDeviceModel runs a background goroutine that reacts to the host's
// register writes the way real AHCI hardware would for every transition
// this package drives, and returns a stop function.
func (r *testRig) startDeviceModel() func() {
	win := r.port.win
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			cmd := win.Read32(pCMD)

			if cmd&(1<<cmdFRE) != 0 && cmd&(1<<cmdFR) == 0 {
				win.Set(pCMD, cmdFR)
			}
			if cmd&(1<<cmdFRE) == 0 && cmd&(1<<cmdFR) != 0 {
				win.Clear(pCMD, cmdFR)
			}
			if cmd&(1<<cmdST) != 0 && cmd&(1<<cmdCR) == 0 {
				win.Set(pCMD, cmdCR)
			}
			if cmd&(1<<cmdST) == 0 && cmd&(1<<cmdCR) != 0 {
				win.Clear(pCMD, cmdCR)
			}

			det := win.GetN(pSCTL, 0, sctlDETMask)
			if det == 0 {
				win.SetN(pSSTS, 0, 0xF, sstsDETPresent)
			} else {
				win.SetN(pSSTS, 0, 0xF, 0)
			}

			if atomic.LoadInt32(&r.autoAckCI) != 0 {
				ci := win.Read32(pCI)
				for ci != 0 {
					slot := bits.TrailingZeros32(ci)
					win.Clear(pCI, slot)
					ci &^= 1 << uint(slot)
				}
			}
		}
	}()

	return func() { close(done) }
}

// completeNonNCQ simulates the device retiring the command queued in
// PxCI for slot 0 (the only slot non-NCQ ever uses): writes a D2H
// Register FIS into the Received FIS area with the given status/error,
// overwrites PxIS with a plain D2H-FIS-arrival notification (the test
// window is flat memory with no RW1C semantics, so the model must store
// the value real hardware would report after the host's clearing write),
// then clears PxCI bit 0.
func (r *testRig) completeNonNCQ(status, errByte uint8) {
	d2h := make([]byte, 20)
	d2h[0] = fisTypeRegD2H
	d2h[2] = status
	d2h[3] = errByte
	copy(r.port.fb[rxRegD2H:rxRegD2H+20], d2h)

	r.port.win.Write32(pIS, 1<<isDHRS)
	r.port.win.Clear(pCI, 0)
}
