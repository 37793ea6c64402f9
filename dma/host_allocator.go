// First-fit memory allocator for DMA buffers
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// hostBlock tracks one allocation (or free span) within a HostAllocator's
// backing arena, by offset and size.
type hostBlock struct {
	off  uint64
	size uint64
}

// HostAllocator is the dma.Allocator this module ships standalone: a
// single anonymous-mmap arena carved up with first-fit placement. It
// stands in for the DMA-coherent allocator a PCI collaborator would
// supply, so the core can run and be tested without one.
type HostAllocator struct {
	mu sync.Mutex

	arena []byte

	free *list.List
	used map[uint64]*hostBlock
}

// NewHostAllocator reserves size bytes of anonymous memory as the
// allocator's backing arena. size should be large enough to cover a
// port's Command List, FIS area, Command Tables and SG buffer pool
// (the SG pool alone can grow to 256 MiB; callers sizing an arena for a
// single port should budget for that plus a few hundred KiB of
// descriptor overhead).
func NewHostAllocator(size int) (*HostAllocator, error) {
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap arena: %v", ErrOutOfMemory, err)
	}

	free := list.New()
	free.PushFront(&hostBlock{off: 0, size: uint64(size)})

	return &HostAllocator{
		arena: arena,
		free:  free,
		used:  make(map[uint64]*hostBlock),
	}, nil
}

// Close releases the entire arena. Any outstanding Alloc'd blocks become
// invalid; callers should Free everything (or tear down the owning Port)
// before calling Close.
func (a *HostAllocator) Close() error {
	return unix.Munmap(a.arena)
}

// Alloc reserves size bytes aligned to align (0 means word-aligned) from
// the arena, returning an opaque handle (the arena offset, sufficient for
// Free to look the block back up, and suitable for programming as if it
// were a device-visible physical address in tests) and the backing slice.
func (a *HostAllocator) Alloc(size int, align int) (uint64, []byte, error) {
	if align == 0 {
		align = 4
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.alloc(uint64(size), uint64(align))
	if err != nil {
		return 0, nil, err
	}

	a.used[b.off] = b

	buf := a.arena[b.off : b.off+uint64(size) : b.off+uint64(size)]

	return b.off, buf, nil
}

// Free releases a block previously returned by Alloc. Freeing an unknown
// or already-freed offset is a no-op.
func (a *HostAllocator) Free(phys uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.used[phys]
	if !ok {
		return
	}

	delete(a.used, phys)
	a.release(b)
}

func (a *HostAllocator) alloc(size uint64, align uint64) (*hostBlock, error) {
	var e *list.Element
	var found *hostBlock
	var pad uint64

	for e = a.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*hostBlock)

		pad = -b.off & (align - 1)

		if b.size >= size+pad {
			found = b
			break
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: no %d-byte span available", ErrOutOfMemory, size)
	}

	a.free.Remove(e)

	if pad != 0 {
		a.free.PushBack(&hostBlock{off: found.off, size: pad})
		found.off += pad
		found.size -= pad
	}

	if r := found.size - size; r != 0 {
		a.free.PushBack(&hostBlock{off: found.off + size, size: r})
		found.size = size
	}

	return found, nil
}

func (a *HostAllocator) release(used *hostBlock) {
	a.free.PushBack(used)
	a.defrag()
}

func (a *HostAllocator) defrag() {
	// Order blocks by offset, then merge adjacent spans.
	spans := make([]*hostBlock, 0, a.free.Len())
	for e := a.free.Front(); e != nil; e = e.Next() {
		spans = append(spans, e.Value.(*hostBlock))
	}

	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			if spans[j].off < spans[i].off {
				spans[i], spans[j] = spans[j], spans[i]
			}
		}
	}

	a.free.Init()

	var prev *hostBlock
	for _, b := range spans {
		if prev != nil && prev.off+prev.size == b.off {
			prev.size += b.size
			continue
		}
		if prev != nil {
			a.free.PushBack(prev)
		}
		prev = b
	}
	if prev != nil {
		a.free.PushBack(prev)
	}
}

