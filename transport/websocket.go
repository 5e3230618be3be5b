// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/types"
)

// WebSocketOptions configures a WebSocketDialer.
type WebSocketOptions struct {
	// HandshakeTimeout defaults to 20s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a Send without a context deadline. Default 10s.
	WriteTimeout time.Duration
	// MaxFrameBytes caps inbound and outbound messages. Default 64 KiB.
	MaxFrameBytes int64
	// Header is sent with the upgrade request.
	Header http.Header
	TLS    *tls.Config
	Logger *zap.Logger
}

// WebSocketDialer dials relays over WebSocket.
type WebSocketDialer struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
	log    *zap.Logger
}

// NewWebSocketDialer returns a dialer with defaults applied.
func NewWebSocketDialer(opts WebSocketOptions) *WebSocketDialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 20 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 << 10
	}
	return &WebSocketDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			TLSClientConfig:  opts.TLS,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		log: logger.Or(opts.Logger, "transport"),
	}
}

// Dial opens a WebSocket to url.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, d.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, WrapDial(fmt.Errorf("transport: dial %s: %w", url, err))
	}
	ws.SetReadLimit(d.opts.MaxFrameBytes)

	c := &wsConn{
		ws:       ws,
		maxFrame: d.opts.MaxFrameBytes,
		writeTO:  d.opts.WriteTimeout,
		inbox:    make(chan inbound, 1),
		done:     make(chan struct{}),
		log:      d.log.With(logger.Relay(url)),
	}
	go c.readLoop()
	return c, nil
}

type inbound struct {
	msg []byte
	err error
}

// wsConn pumps reads on a dedicated goroutine. A gorilla connection is
// unusable after a read deadline fires, so Receive timeouts are taken on the
// channel instead of the socket.
type wsConn struct {
	ws       *websocket.Conn
	maxFrame int64
	writeTO  time.Duration
	log      *zap.Logger

	writeMu sync.Mutex
	inbox   chan inbound
	done    chan struct{}
	once    sync.Once
}

func (c *wsConn) readLoop() {
	defer close(c.inbox)
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err == nil && typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			err = &types.ErrTransport{Class: types.ClassUnsupportedFrame, Err: fmt.Errorf("transport: unsupported message type %d", typ)}
		}
		select {
		case c.inbox <- inbound{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	if int64(len(msg)) > c.maxFrame {
		return Wrap(ErrFrameTooLarge)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTO)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return Wrap(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return Wrap(fmt.Errorf("transport: send: %w", err))
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in, open := <-c.inbox:
		if !open {
			return nil, false, Wrap(ErrClosed)
		}
		if in.err != nil {
			return nil, false, Wrap(fmt.Errorf("transport: receive: %w", in.err))
		}
		return in.msg, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		c.log.Debug("connection closed")
	})
	return err
}
