// AHCI host bus adapter support
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n-nazuna/ahci-lld/dma"
)

func TestHBAResetHappyPath(t *testing.T) {
	buf := make([]byte, portBase+portSize)
	alloc, err := dma.NewHostAllocator(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	hba := NewHBA(buf, alloc)

	polls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if hba.win.Get(regGHC, ghcHR) {
				polls++
				if polls >= 3 {
					hba.win.Clear(regGHC, ghcHR)
					return
				}
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()

	start := time.Now()
	require.NoError(t, hba.Reset())
	require.LessOrEqual(t, time.Since(start), 5*time.Millisecond, "Reset expected well under 5ms")
	<-done
}

func TestHBAResetTimeout(t *testing.T) {
	buf := make([]byte, portBase+portSize)
	alloc, err := dma.NewHostAllocator(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	hba := NewHBA(buf, alloc)

	// Model never clears HR.
	err = hba.Reset()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestHBAEnableAHCI(t *testing.T) {
	buf := make([]byte, portBase+portSize)
	alloc, err := dma.NewHostAllocator(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	hba := NewHBA(buf, alloc)

	require.NoError(t, hba.EnableAHCI())
	require.True(t, hba.win.Get(regGHC, ghcAE), "GHC.AE not set after EnableAHCI")
}

func TestHBADiscoverPortsAndPortLookup(t *testing.T) {
	buf := make([]byte, portBase+portSize)
	alloc, err := dma.NewHostAllocator(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	hba := NewHBA(buf, alloc)
	hba.win.Write32(regPI, 0x1)

	pi := hba.DiscoverPorts()
	require.Equal(t, uint32(0x1), pi)

	_, err = hba.Port(1)
	require.ErrorIs(t, err, ErrInvalidArgument, "Port(1) should fail, not implemented")

	p0, err := hba.Port(0)
	require.NoError(t, err)
	require.Equal(t, 0, p0.Num())

	p0again, err := hba.Port(0)
	require.NoError(t, err)
	require.Same(t, p0, p0again, "Port(0) should return the same handle on repeated calls")
}
