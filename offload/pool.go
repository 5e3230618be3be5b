// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package offload runs blocking crypto work on a bounded set of goroutines.
// A call suspends its caller until the work completes or ctx ends; the work
// shares nothing with the caller beyond its arguments and result.
package offload

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent offloaded work.
type Pool struct {
	sem     *semaphore.Weighted
	workers int
}

// New returns a Pool running at most workers jobs at once (minimum 1).
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), workers: workers}
}

// Workers returns the concurrency bound.
func (p *Pool) Workers() int { return p.workers }

type result[T any] struct {
	val T
	err error
}

// Run executes fn on the pool and waits for its result. When ctx ends first,
// Run returns ctx.Err() and the result of fn is discarded.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	done := make(chan result[T], 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("offload: panic: %v", r)}
			}
		}()
		v, err := fn()
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Do is Run for work without a result.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	_, err := Run(ctx, p, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}
