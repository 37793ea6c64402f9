// AHCI driver error taxonomy
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import "errors"

// Error taxonomy returned by this package's operations, satisfying
// errors.Is. Every fault the core reports surfaces as one of these; the
// core never self-heals and never panics on a device
// fault (only on a caller-side programming error, e.g. a nil Allocator).
var (
	// ErrTimeout reports that a hardware bit did not transition within
	// the allowed window: HBA reset, port stop/start, FRE/FR, COMRESET
	// PHY-ready, or command queuing.
	ErrTimeout = errors.New("ahci: timeout")

	// ErrIOError reports that a command queued but the controller
	// reported TFES/HBFS/HBDS/IFS in PxIS; Status/Error on the request
	// may or may not be meaningful.
	ErrIOError = errors.New("ahci: i/o error")

	// ErrBusy reports a violated precondition: port not Running at
	// issue, requested slot already in use, or setup_dma called on a
	// non-Idle port.
	ErrBusy = errors.New("ahci: busy")

	// ErrInvalidArgument reports a slot outside 0..31, a transfer size
	// exceeding the SG pool's hard cap, or another caller-supplied
	// value the hardware cannot represent.
	ErrInvalidArgument = errors.New("ahci: invalid argument")

	// ErrOutOfMemory reports that a DMA allocation failed.
	ErrOutOfMemory = errors.New("ahci: out of memory")
)
