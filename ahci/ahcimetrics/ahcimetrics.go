// AHCI port instrumentation
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ahcimetrics exposes Prometheus instrumentation for an
// ahci.Port: live slot-allocator and SG-pool gauges plus cumulative NCQ
// and fault counters, read from the port on every scrape.
package ahcimetrics

import (
	"math/bits"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/n-nazuna/ahci-lld/ahci"
)

// PortCollector implements prometheus.Collector over a single ahci.Port,
// reporting the live slot-allocator and SG-pool state plus cumulative
// NCQ/error counters on every scrape rather than caching them between
// scrapes.
type PortCollector struct {
	port *ahci.Port

	slotsInUse    *prometheus.Desc
	slotsComplete *prometheus.Desc
	sgBuffers     *prometheus.Desc
	ncqIssued     *prometheus.Desc
	ncqCompleted  *prometheus.Desc
	ioErrors      *prometheus.Desc
}

// NewPortCollector wraps port for registration with a prometheus.Registry
// (e.g. via registry.MustRegister). portLabel is used as the "port" label
// value on every exported metric, typically the port number as a string.
func NewPortCollector(port *ahci.Port, portLabel string) *PortCollector {
	labels := prometheus.Labels{"port": portLabel}

	return &PortCollector{
		port: port,
		slotsInUse: prometheus.NewDesc(
			"ahci_port_slots_in_use",
			"Number of command slots currently claimed (in_use) on this port.",
			nil, labels,
		),
		slotsComplete: prometheus.NewDesc(
			"ahci_port_slots_completed",
			"Number of command slots currently marked completed but not yet freed.",
			nil, labels,
		),
		sgBuffers: prometheus.NewDesc(
			"ahci_port_sg_buffers",
			"Number of 128KiB scatter-gather buffers currently allocated in the port's pool.",
			nil, labels,
		),
		ncqIssued: prometheus.NewDesc(
			"ahci_port_ncq_issued_total",
			"Cumulative count of NCQ commands issued on this port.",
			nil, labels,
		),
		ncqCompleted: prometheus.NewDesc(
			"ahci_port_ncq_completed_total",
			"Cumulative count of NCQ commands observed completed on this port.",
			nil, labels,
		),
		ioErrors: prometheus.NewDesc(
			"ahci_port_io_errors_total",
			"Cumulative count of commands that completed with a device or host-bus fault.",
			nil, labels,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PortCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.slotsInUse
	ch <- c.slotsComplete
	ch <- c.sgBuffers
	ch <- c.ncqIssued
	ch <- c.ncqCompleted
	ch <- c.ioErrors
}

// Collect implements prometheus.Collector.
func (c *PortCollector) Collect(ch chan<- prometheus.Metric) {
	issued, completed := c.port.NCQStats()

	ch <- prometheus.MustNewConstMetric(c.slotsInUse, prometheus.GaugeValue, float64(bits.OnesCount32(c.port.InUse())))
	ch <- prometheus.MustNewConstMetric(c.slotsComplete, prometheus.GaugeValue, float64(bits.OnesCount32(c.port.Completed())))
	ch <- prometheus.MustNewConstMetric(c.sgBuffers, prometheus.GaugeValue, float64(c.port.SGBufferCount()))
	ch <- prometheus.MustNewConstMetric(c.ncqIssued, prometheus.CounterValue, float64(issued))
	ch <- prometheus.MustNewConstMetric(c.ncqCompleted, prometheus.CounterValue, float64(completed))
	ch <- prometheus.MustNewConstMetric(c.ioErrors, prometheus.CounterValue, float64(c.port.IOErrors()))
}
