// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package node

import (
	"context"
	"sync"
)

// Signal is a readiness flag shared between tasks, such as "link is up" or
// "time is synchronized". Waiters block until it is set.
type Signal struct {
	mu    sync.Mutex
	set   bool
	ready chan struct{}
}

// NewSignal returns a cleared Signal.
func NewSignal() *Signal {
	return &Signal{ready: make(chan struct{})}
}

// Set marks the signal ready and releases all waiters.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ready)
	}
}

// Clear marks the signal not ready.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ready = make(chan struct{})
	}
}

// IsSet reports the current value.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is set or ctx ends.
func (s *Signal) Wait(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
