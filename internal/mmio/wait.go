// Register polling with timeout
// https://github.com/n-nazuna/ahci-lld
//
// Copyright (c) The ahci-lld Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmio

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// pollRate paces WaitBitClear/WaitBitSet at roughly 1 kHz, matching the
// ~1ms polling granularity every AHCI wait loop in this package is
// specified to use. A rate.Limiter gives us that cadence without a bare
// time.Sleep busy-loop.
var pollRate = rate.NewLimiter(rate.Limit(1000), 1)

// TimeoutError reports that a register bit failed to reach the expected
// state within the allotted window. Call sites name the bit being waited
// on purely for this message — the name carries no other meaning.
type TimeoutError struct {
	Name    string
	Offset  uint32
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mmio: timeout waiting for %s to settle (reg=0x%x, timeout=%s)", e.Name, e.Offset, e.Timeout)
}

// WaitBitClear polls the register at off at ~1kHz until every bit in mask
// reads zero, or timeout elapses. name is a human-readable label used only
// in the returned error.
func (w *Window) WaitBitClear(off uint32, mask uint32, timeout time.Duration, name string) error {
	return w.waitFor(off, mask, 0, timeout, name)
}

// WaitBitSet polls the register at off at ~1kHz until every bit in mask
// reads one, or timeout elapses.
func (w *Window) WaitBitSet(off uint32, mask uint32, timeout time.Duration, name string) error {
	return w.waitFor(off, mask, mask, timeout, name)
}

func (w *Window) waitFor(off uint32, mask uint32, want uint32, timeout time.Duration, name string) error {
	deadline := time.Now().Add(timeout)

	for {
		if w.Read32(off)&mask == want {
			return nil
		}

		if time.Now().After(deadline) {
			return &TimeoutError{Name: name, Offset: off, Timeout: timeout}
		}

		// rate.Limiter blocks the caller until the next tick is due,
		// giving the ~1ms-between-polls cadence without busy-looping.
		_ = pollRate.Wait(context.Background())
	}
}
