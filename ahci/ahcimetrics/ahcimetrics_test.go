// AHCI port instrumentation
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahcimetrics_test

import (
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/n-nazuna/ahci-lld/ahci"
	"github.com/n-nazuna/ahci-lld/ahci/ahcimetrics"
	"github.com/n-nazuna/ahci-lld/dma"
)

func TestPortCollectorRegistersAndScrapes(t *testing.T) {
	buf := make([]byte, 0x100+0x80)
	buf[0x0C] = 0x01 // Ports Implemented: port 0

	alloc, err := dma.NewHostAllocator(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	hba := ahci.NewHBA(buf, alloc)
	hba.DiscoverPorts()

	port, err := hba.Port(0)
	require.NoError(t, err)

	c := ahcimetrics.NewPortCollector(port, strconv.Itoa(port.Num()))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 6, n)
}
