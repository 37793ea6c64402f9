// DMA buffer allocation interface
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma defines the DMA-coherent buffer pool this driver core is
// handed by its PCI collaborator, plus a reference implementation good
// enough to drive the core standalone and under test.
//
// The core never allocates device memory itself; it only consumes the
// Allocator interface below. HostAllocator is the one concrete
// implementation this module ships: a first-fit free-list allocator
// backed by an anonymous mmap'd arena instead of a fixed physical range.
package dma

import "errors"

// ErrOutOfMemory is returned when an Allocator cannot satisfy a request
// within its backing arena.
var ErrOutOfMemory = errors.New("dma: out of memory")

// Allocator hands out physically (or, for a host-backed implementation,
// virtually) contiguous, correctly aligned DMA buffers and reclaims them.
// phys is an opaque handle suitable for programming into a Command
// Header/PRDT entry; it carries no meaning beyond what Free needs to look
// the block back up.
type Allocator interface {
	// Alloc reserves size bytes aligned to align (a power of two; 0
	// means word-aligned) and returns its address handle and a byte
	// slice backing it. It returns ErrOutOfMemory if the arena cannot
	// satisfy the request.
	Alloc(size int, align int) (phys uint64, buf []byte, err error)

	// Free releases a block previously returned by Alloc. Freeing an
	// unknown or already-freed address is a no-op.
	Free(phys uint64)
}
