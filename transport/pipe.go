// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by a Conn used after Close or after its peer closed.
var ErrClosed = errors.New("transport: connection closed")

// Pipe returns two connected in-memory Conns. Each direction buffers up to
// buffer messages.
func Pipe(buffer int) (Conn, Conn) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	closed := make(chan struct{})
	var once sync.Once
	shut := func() { once.Do(func() { close(closed) }) }
	return &pipeConn{out: ab, in: ba, closed: closed, shut: shut},
		&pipeConn{out: ba, in: ab, closed: closed, shut: shut}
}

type pipeConn struct {
	out    chan<- []byte
	in     <-chan []byte
	closed chan struct{}
	shut   func()
}

func (p *pipeConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.closed:
		return Wrap(ErrClosed)
	default:
	}
	select {
	case p.out <- append([]byte(nil), msg...):
		return nil
	case <-p.closed:
		return Wrap(ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-p.in:
		return msg, true, nil
	case <-p.closed:
		return nil, false, Wrap(ErrClosed)
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.shut()
	return nil
}
