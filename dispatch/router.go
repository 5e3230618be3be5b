// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/trust"
)

// Command is an inbound payload that already passed envelope or channel
// verification.
type Command struct {
	Action  Action
	Payload map[string]any
	// Sender is the verified signer. For secure channel frames it is the chain
	// that signed the relay's half of the key exchange.
	Sender *trust.ChainInfo
}

// Handler consumes commands for one action.
type Handler interface {
	Handle(ctx context.Context, cmd Command) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) error

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// Router routes commands by action. Unrouted actions go to the fallback
// handler when set, otherwise they are dropped with a log line.
type Router struct {
	mu       sync.RWMutex
	handlers map[Action]Handler
	fallback Handler
	log      *zap.Logger
}

// NewRouter returns an empty Router.
func NewRouter(log *zap.Logger) *Router {
	return &Router{
		handlers: make(map[Action]Handler),
		log:      logger.Or(log, "dispatch"),
	}
}

// Handle registers h for a, replacing any previous handler.
func (r *Router) Handle(a Action, h Handler) {
	r.mu.Lock()
	r.handlers[a] = h
	r.mu.Unlock()
}

// Fallback sets the handler for actions without a dedicated one.
func (r *Router) Fallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Dispatch delivers cmd to its handler.
func (r *Router) Dispatch(ctx context.Context, cmd Command) error {
	r.mu.RLock()
	h, ok := r.handlers[cmd.Action]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		r.log.Debug("no handler for action", logger.Action(cmd.Action.String()))
		return nil
	}
	if err := h.Handle(ctx, cmd); err != nil {
		return fmt.Errorf("dispatch: %s: %w", cmd.Action, err)
	}
	return nil
}
