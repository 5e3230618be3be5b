// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package session

import (
	"sync"
	"time"

	"github.com/aumos-ai/device-trust-core/types"
)

// Thresholds are the consecutive failure counts that trigger escalation.
type Thresholds struct {
	OutOfMemoryReboot     int
	ConnectionResetRotate int
	ConnectionResetReboot int
	UnsupportedRotate     int
}

// DefaultThresholds returns the stock escalation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OutOfMemoryReboot:     10,
		ConnectionResetRotate: 3,
		ConnectionResetReboot: 30,
		UnsupportedRotate:     1,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.OutOfMemoryReboot <= 0 {
		t.OutOfMemoryReboot = d.OutOfMemoryReboot
	}
	if t.ConnectionResetRotate <= 0 {
		t.ConnectionResetRotate = d.ConnectionResetRotate
	}
	if t.ConnectionResetReboot <= 0 {
		t.ConnectionResetReboot = d.ConnectionResetReboot
	}
	if t.UnsupportedRotate <= 0 {
		t.UnsupportedRotate = d.UnsupportedRotate
	}
	return t
}

// CounterSnapshot is a point-in-time copy of the error counters.
type CounterSnapshot struct {
	ConnectionReset  int
	OutOfMemory      int
	UnsupportedFrame int
	Other            int
}

// Counters tracks consecutive transport failures per class. It is safe for
// concurrent use.
type Counters struct {
	mu          sync.Mutex
	t           Thresholds
	reset       int
	oom         int
	unsupported int
	other       int
}

// NewCounters returns zeroed counters. Non-positive thresholds take defaults.
func NewCounters(t Thresholds) *Counters {
	return &Counters{t: t.withDefaults()}
}

// Record counts a failure of class and returns the escalation it calls for
// together with the class's consecutive count.
func (c *Counters) Record(class types.TransportErrorClass) (types.Escalation, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch class {
	case types.ClassOutOfMemory:
		c.oom++
		if c.oom >= c.t.OutOfMemoryReboot {
			return types.EscalationReboot, c.oom
		}
		return types.EscalationReconnect, c.oom
	case types.ClassConnectionReset:
		c.reset++
		if c.reset >= c.t.ConnectionResetReboot {
			return types.EscalationReboot, c.reset
		}
		if c.reset%c.t.ConnectionResetRotate == 0 {
			return types.EscalationRotateRelay, c.reset
		}
		return types.EscalationReconnect, c.reset
	case types.ClassUnsupportedFrame:
		c.unsupported++
		n := c.unsupported
		if n >= c.t.UnsupportedRotate {
			c.unsupported = 0
			return types.EscalationRotateRelay, n
		}
		return types.EscalationReconnect, n
	default:
		// Unclassified failures never escalate but still back off.
		c.other++
		return types.EscalationReconnect, c.other
	}
}

// Success zeroes every counter after a complete request/response cycle.
func (c *Counters) Success() {
	c.mu.Lock()
	c.reset, c.oom, c.unsupported, c.other = 0, 0, 0, 0
	c.mu.Unlock()
}

// Snapshot returns the current counts.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{ConnectionReset: c.reset, OutOfMemory: c.oom, UnsupportedFrame: c.unsupported, Other: c.other}
}

// Backoff holds the base retry delay per failure class. The delay doubles
// with each consecutive failure up to Max.
type Backoff struct {
	ConnectionReset time.Duration
	OutOfMemory     time.Duration
	Unsupported     time.Duration
	Other           time.Duration
	Max             time.Duration
}

// DefaultBackoff returns the stock retry delays.
func DefaultBackoff() Backoff {
	return Backoff{
		ConnectionReset: 5 * time.Second,
		OutOfMemory:     2 * time.Second,
		Unsupported:     time.Second,
		Other:           10 * time.Second,
		Max:             5 * time.Minute,
	}
}

// Delay returns the wait before retrying after the attempt-th consecutive
// failure of class.
func (b Backoff) Delay(class types.TransportErrorClass, attempt int) time.Duration {
	var base time.Duration
	switch class {
	case types.ClassConnectionReset:
		base = b.ConnectionReset
	case types.ClassOutOfMemory:
		base = b.OutOfMemory
	case types.ClassUnsupportedFrame:
		base = b.Unsupported
	default:
		base = b.Other
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	d := base << shift
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
