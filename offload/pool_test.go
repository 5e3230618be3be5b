// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package offload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsResult(t *testing.T) {
	p := New(2)
	v, err := Run(context.Background(), p, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := errors.New("boom")
	require.ErrorIs(t, p.Do(context.Background(), func() error { return boom }), boom)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func() error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_ContextCancel(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	go func() { _ = p.Do(context.Background(), func() error { <-release; return nil }) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestRun_RecoversPanic(t *testing.T) {
	p := New(1)
	err := p.Do(context.Background(), func() error { panic("bad") })
	require.Error(t, err)
	require.NoError(t, p.Do(context.Background(), func() error { return nil }), "slot released after panic")
}
