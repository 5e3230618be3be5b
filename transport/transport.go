// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package transport is the duplex, message-framed link to a relay and the
// classification of its failures into recovery classes.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aumos-ai/device-trust-core/types"
)

// Conn is one open relay connection. Send and Receive may each be called by
// one goroutine at a time.
type Conn interface {
	// Send writes one message.
	Send(ctx context.Context, msg []byte) error
	// Receive waits up to timeout for one message. ok is false when the
	// timeout elapsed without a message; that is not an error.
	Receive(ctx context.Context, timeout time.Duration) (msg []byte, ok bool, err error)
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// ErrFrameTooLarge is returned for a message above the configured frame limit.
var ErrFrameTooLarge = errors.New("transport: frame exceeds size limit")

// Classify buckets err into a recovery class. nil maps to ClassOther.
func Classify(err error) types.TransportErrorClass {
	if err == nil {
		return types.ClassOther
	}
	var te *types.ErrTransport
	if errors.As(err, &te) {
		return te.Class
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData, websocket.CloseProtocolError:
			return types.ClassUnsupportedFrame
		case websocket.CloseMessageTooBig:
			return types.ClassOutOfMemory
		default:
			return types.ClassConnectionReset
		}
	}

	switch {
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, websocket.ErrReadLimit), errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.ENOBUFS):
		return types.ClassOutOfMemory
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, ErrClosed):
		return types.ClassConnectionReset
	}

	if unreachable(err) {
		return types.ClassConnectionReset
	}
	if strings.Contains(err.Error(), "opcode") {
		return types.ClassUnsupportedFrame
	}
	return types.ClassOther
}

// ClassifyDial classifies a failure to open a connection. A relay that
// cannot be reached counts as a reset so that rotation and reboot
// thresholds apply to it.
func ClassifyDial(err error) types.TransportErrorClass {
	if c := Classify(err); c != types.ClassOther {
		return c
	}
	if errors.Is(err, context.Canceled) {
		return types.ClassOther
	}
	return types.ClassConnectionReset
}

// WrapDial is Wrap for dial failures.
func WrapDial(err error) error {
	if err == nil {
		return nil
	}
	var te *types.ErrTransport
	if errors.As(err, &te) {
		return err
	}
	return &types.ErrTransport{Class: ClassifyDial(err), Err: err}
}

func unreachable(err error) bool {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, websocket.ErrBadHandshake):
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

// Wrap classifies err and returns it as *types.ErrTransport. nil stays nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var te *types.ErrTransport
	if errors.As(err, &te) {
		return err
	}
	return &types.ErrTransport{Class: Classify(err), Err: err}
}
