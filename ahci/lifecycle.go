// AHCI port state machine
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"fmt"
	"time"
)

const (
	stopTimeout     = 500 * time.Millisecond
	initFRTimeout   = 500 * time.Millisecond
	startBSYTimeout = 1000 * time.Millisecond
	comresetTimeout = 1000 * time.Millisecond
	comresetSettle  = 10 * time.Millisecond
)

// IsRunning reports whether the port is accepting commands: PxCMD.ST=1
// and PxCMD.CR=1.
func (p *Port) IsRunning() bool {
	return p.win.Get(pCMD, cmdST) && p.win.Get(pCMD, cmdCR)
}

// IsReceivingFIS reports whether PxCMD.FRE=1 and PxCMD.FR=1.
func (p *Port) IsReceivingFIS() bool {
	return p.win.Get(pCMD, cmdFRE) && p.win.Get(pCMD, cmdFR)
}

// IsIdle reports whether ST, CR, FRE and FR are all clear.
func (p *Port) IsIdle() bool {
	cmd := p.win.Read32(pCMD)
	mask := uint32(1<<cmdST | 1<<cmdCR | 1<<cmdFRE | 1<<cmdFR)
	return cmd&mask == 0
}

// Stop clears PxCMD.ST and waits for CR to drop, then clears FRE and
// waits for FR to drop. Valid from any state.
func (p *Port) Stop() error {
	p.win.Clear(pCMD, cmdST)
	if err := p.win.WaitBitClear(pCMD, 1<<cmdCR, stopTimeout, "PxCMD.CR"); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	p.win.Clear(pCMD, cmdFRE)
	if err := p.win.WaitBitClear(pCMD, 1<<cmdFR, stopTimeout, "PxCMD.FR"); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return nil
}

// SetupDMA allocates the Command List (1 KiB, 1 KiB aligned) and Received
// FIS area (256 B, 256-byte aligned), seeds the SG buffer pool, and
// programs PxCLB/PxCLBU and PxFB/PxFBU. The port must be Idle; otherwise
// SetupDMA fails with ErrBusy.
func (p *Port) SetupDMA() error {
	if !p.IsIdle() {
		return fmt.Errorf("%w: port %d not idle", ErrBusy, p.num)
	}

	if p.dmaReady {
		return nil
	}

	clbPhys, clb, err := p.alloc.Alloc(cmdListSize, 1024)
	if err != nil {
		return fmt.Errorf("%w: command list: %v", ErrOutOfMemory, err)
	}
	for i := range clb {
		clb[i] = 0
	}

	fbPhys, fb, err := p.alloc.Alloc(fisAreaSize, 256)
	if err != nil {
		p.alloc.Free(clbPhys)
		return fmt.Errorf("%w: FIS area: %v", ErrOutOfMemory, err)
	}
	for i := range fb {
		fb[i] = 0
	}

	p.clbPhys, p.clb = clbPhys, clb
	p.fbPhys, p.fb = fbPhys, fb
	p.dmaReady = true

	p.win.Write32(pCLB, uint32(clbPhys))
	p.win.Write32(pCLBU, uint32(clbPhys>>32))
	p.win.Write32(pFB, uint32(fbPhys))
	p.win.Write32(pFBU, uint32(fbPhys>>32))

	if err := p.ensureSGBuffers(sgSeedSize); err != nil {
		return err
	}

	return nil
}

// Init clears PxSERR, permits the initial D2H FIS (SERR.DIAG.X), enables
// FIS receive and waits for FR, programs the standard interrupt set into
// PxIE (completion is detected by polling, but PxIE still gates which
// status bits the device may latch), and clears PxIS.
func (p *Port) Init() error {
	p.win.WriteOnesToClear(pSERR, 0xFFFFFFFF)
	p.win.Set(pSERR, 26) // SERR.DIAG.X: permit initial D2H FIS

	p.win.Set(pCMD, cmdFRE)
	if err := p.win.WaitBitSet(pCMD, 1<<cmdFR, initFRTimeout, "PxCMD.FR"); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	p.win.Write32(pIE, ieDefaultMask)
	p.win.WriteOnesToClear(pIS, 0xFFFFFFFF)

	return nil
}

// Start sets PxCMD.ST (after confirming FRE/FR, setting them if needed),
// clears PxIS, waits up to 1s for PxCMD.CR to be set, and then waits up
// to 1s for PxTFD's BSY and DRQ bits to both clear (device ready). On
// success the port is Running.
func (p *Port) Start() error {
	if !p.win.Get(pCMD, cmdFRE) {
		p.win.Set(pCMD, cmdFRE)
		if err := p.win.WaitBitSet(pCMD, 1<<cmdFR, initFRTimeout, "PxCMD.FR"); err != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}

	p.win.WriteOnesToClear(pIS, 0xFFFFFFFF)
	p.win.Set(pCMD, cmdST)

	if err := p.win.WaitBitSet(pCMD, 1<<cmdCR, startBSYTimeout, "PxCMD.CR"); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	if err := p.win.WaitBitClear(pTFD, tfdSTSBSY|tfdSTSDRQ, startBSYTimeout, "PxTFD.BSY|DRQ"); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return nil
}

// COMRESET issues the OOB SATA signalling sequence that resets the link
// and attached device: stop if running, assert
// PxSCTL.DET, hold ≥10ms, deassert, wait for PxSSTS.DET==3 (device
// present, PHY communication established), then clear PxSERR. Valid from
// any state; a caller should follow COMRESET with SetupDMA/Init/Start to
// bring the port back up (SetupDMA requires Idle, which COMRESET alone
// does not guarantee — stop handles that).
func (p *Port) COMRESET() error {
	if p.win.Get(pCMD, cmdST) {
		if err := p.Stop(); err != nil {
			return err
		}
	}

	p.win.SetN(pSCTL, 0, sctlDETMask, 1)
	time.Sleep(comresetSettle)
	p.win.SetN(pSCTL, 0, sctlDETMask, 0)

	deadline := time.Now().Add(comresetTimeout)
	for {
		if p.win.GetN(pSSTS, 0, 0xF) == sstsDETPresent {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: PxSSTS.DET never reached 3", ErrTimeout)
		}
		time.Sleep(time.Millisecond)
	}

	p.win.WriteOnesToClear(pSERR, 0xFFFFFFFF)

	return nil
}
