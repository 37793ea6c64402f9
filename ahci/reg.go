// AHCI 1.3.1 register definitions
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

// Register layout, bit-exact from AHCI 1.3.1.

// HBA-global registers, offsets from the MMIO base.
const (
	regCAP  = 0x00 // Host Capabilities
	regGHC  = 0x04 // Global Host Control
	regIS   = 0x08 // Interrupt Status
	regPI   = 0x0C // Ports Implemented
	regVS   = 0x10 // Version
	regCAP2 = 0x24 // Host Capabilities Extended
)

// GHC bits.
const (
	ghcHR = 0 // HBA Reset
	ghcAE = 31
)

// Per-port registers, offsets from that port's sub-window
// (base + 0x100 + n*0x80, 128 bytes each).
const (
	portBase = 0x100
	portSize = 0x80

	pCLB    = 0x00
	pCLBU   = 0x04
	pFB     = 0x08
	pFBU    = 0x0C
	pIS     = 0x10
	pIE     = 0x14
	pCMD    = 0x18
	pTFD    = 0x20
	pSIG    = 0x24
	pSSTS   = 0x28
	pSCTL   = 0x2C
	pSERR   = 0x30
	pSACT   = 0x34
	pCI     = 0x38
	pSNTF   = 0x3C
	pFBS    = 0x40
	pDEVSLP = 0x44
)

// PxCMD bits.
const (
	cmdST  = 0
	cmdFRE = 4
	cmdCR  = 15
	cmdFR  = 14
)

// PxIS / PxIE fault bits.
const (
	isDHRS = 0  // Device to Host Register FIS
	isPCS  = 6  // Port Connect Change Status
	isPRCS = 22 // PhyRdy Change Status
	isIFS  = 27 // Interface Fatal Error Status
	isHBDS = 28 // Host Bus Data Error Status
	isHBFS = 29 // Host Bus Fatal Error Status
	isTFES = 30 // Task File Error Status
)

// isErrorMask is the set of PxIS bits that indicate a command-level fault.
const isErrorMask = (1 << isTFES) | (1 << isHBFS) | (1 << isHBDS) | (1 << isIFS)

// ieDefaultMask is the interrupt-enable set programmed during port init:
// D2H register FIS arrival, the fault bits, and connect/PhyRdy change.
// Completion is detected by polling, but PxIE still gates which status
// bits the device is permitted to latch.
const ieDefaultMask = (1 << isDHRS) | isErrorMask | (1 << isPCS) | (1 << isPRCS)

// PxTFD bits.
const (
	tfdSTSBSY = 0x80
	tfdSTSDRQ = 0x08
)

// PxSSTS.DET values.
const sstsDETPresent = 3

// PxSCTL.DET bits.
const sctlDETMask = 0xF
