// AHCI port-pipeline core
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ahci implements the per-port command pipeline of an AHCI
// (Advanced Host Controller Interface) 1.3.1 SATA host-bus adapter: the
// port state machine, the 32-slot command allocator shared between NCQ and
// non-NCQ paths, the DMA descriptor builder (Command List, Received FIS
// area, Command Tables, PRDT) and the completion detector (PxCI polling for
// non-NCQ, PxSACT + SDB FIS for NCQ).
//
// This package does not enumerate PCI devices, does not register a
// character device, and logs only one warning of its own (when Teardown
// cannot stop a port cleanly); it is handed an
// MMIO window and a dma.Allocator by an external collaborator (typically a
// thin PCI probe and an ioctl-style front end) and exposes Port.IssueCmd /
// Port.ProbeCmd as the two operations that front end drives.
//
// Interrupt-driven completion is not implemented: ProbeCmd is a single
// read of PxSACT that the caller repeats, and the queuing-wait inside
// IssueCmd is a sleep-based polling loop, paced at roughly 1kHz via
// internal/mmio. A caller may attach an interrupt handler
// that merely wakes a poll goroutine earlier; the contracts below are
// unaffected by how the poll is scheduled.
package ahci
