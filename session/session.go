// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package session drives the persistent connection to a relay: connect,
// staged configuration refresh, state emission, inbound command dispatch,
// and classification of transport failures into recovery escalations.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/canonical"
	"github.com/aumos-ai/device-trust-core/channel"
	"github.com/aumos-ai/device-trust-core/dispatch"
	"github.com/aumos-ai/device-trust-core/envelope"
	"github.com/aumos-ai/device-trust-core/keys"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/metrics"
	"github.com/aumos-ai/device-trust-core/offload"
	"github.com/aumos-ai/device-trust-core/storage"
	"github.com/aumos-ai/device-trust-core/transport"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/types"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateHandshaking  State = "handshaking"
	StatePolling      State = "polling"
)

// StateSource supplies the device state emitted on each poll.
type StateSource interface {
	DeviceState(ctx context.Context) (map[string]any, error)
}

// StateFunc adapts a function to StateSource.
type StateFunc func(ctx context.Context) (map[string]any, error)

func (f StateFunc) DeviceState(ctx context.Context) (map[string]any, error) { return f(ctx) }

// Options configures a Session. Trust, Verifier, Channel, Dialer and Docs
// are required.
type Options struct {
	DeviceID   string
	DeviceName string

	Trust    *trust.Store
	Verifier *envelope.Verifier
	Channel  *channel.Negotiator
	Dialer   transport.Dialer
	Docs     storage.Store
	// Router receives verified inbound commands. Optional.
	Router *dispatch.Router
	// State defaults to an empty state.
	State StateSource

	// Relays seeds the relay set. When empty the persisted relay list is used.
	Relays []string
	// RefreshRelays is called when every known relay has been rotated
	// through. Optional.
	RefreshRelays func(ctx context.Context) ([]string, error)

	PollTimeout     time.Duration // default 30s
	Lifetime        time.Duration // default 1h
	RefreshInterval time.Duration // default 15m
	RenewalHorizon  time.Duration // default 7 days
	Thresholds      Thresholds
	Backoff         Backoff

	Offload *offload.Pool
	Metrics *metrics.Session
	Logger  *zap.Logger
	Now     func() time.Time
}

// Session is the state machine for one node's relay link. Connect,
// AdvanceConfigRefresh, PollOnce and Run must be called from a single
// goroutine; State, Counters and Config are safe from any goroutine.
type Session struct {
	deviceID   string
	deviceName string

	trust    *trust.Store
	verifier *envelope.Verifier
	channel  *channel.Negotiator
	dialer   transport.Dialer
	docs     storage.Store
	router   *dispatch.Router
	source   StateSource

	relays        *RelaySet
	refreshRelays func(ctx context.Context) ([]string, error)
	counters      *Counters
	backoff       Backoff
	configs       *cache.Cache

	pollTimeout     time.Duration
	lifetime        time.Duration
	refreshInterval time.Duration
	renewalHorizon  time.Duration

	pool    *offload.Pool
	metrics *metrics.Session
	log     *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	state     State
	cursor    Stage
	refreshAt time.Time

	conn        transport.Conn
	relay       string
	connectedAt time.Time
	chainSent   bool
}

// New validates opts and returns a disconnected Session.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Trust == nil || opts.Verifier == nil || opts.Channel == nil || opts.Dialer == nil || opts.Docs == nil {
		return nil, errors.New("session: trust, verifier, channel, dialer and docs are required")
	}
	if opts.DeviceName == "" {
		opts.DeviceName = opts.DeviceID
	}
	if opts.State == nil {
		opts.State = StateFunc(func(context.Context) (map[string]any, error) { return map[string]any{}, nil })
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = time.Hour
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 15 * time.Minute
	}
	if opts.RenewalHorizon <= 0 {
		opts.RenewalHorizon = keys.DefaultRenewalPolicy().Horizon
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Offload == nil {
		opts.Offload = offload.New(1)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.Or(opts.Logger, "session")

	relays := opts.Relays
	if len(relays) == 0 {
		var persisted struct {
			Relais []string `json:"relais"`
		}
		err := storage.GetJSON(ctx, opts.Docs, storage.RelayList, &persisted)
		switch {
		case err == nil:
			relays = persisted.Relais
		case !types.IsNotFound(err):
			log.Warn("persisted relay list unreadable", zap.Error(err))
		}
	}

	return &Session{
		deviceID:        opts.DeviceID,
		deviceName:      opts.DeviceName,
		trust:           opts.Trust,
		verifier:        opts.Verifier,
		channel:         opts.Channel,
		dialer:          opts.Dialer,
		docs:            opts.Docs,
		router:          opts.Router,
		source:          opts.State,
		relays:          NewRelaySet(relays),
		refreshRelays:   opts.RefreshRelays,
		counters:        NewCounters(opts.Thresholds),
		backoff:         opts.Backoff,
		configs:         cache.New(2*opts.RefreshInterval, 4*opts.RefreshInterval),
		pollTimeout:     opts.PollTimeout,
		lifetime:        opts.Lifetime,
		refreshInterval: opts.RefreshInterval,
		renewalHorizon:  opts.RenewalHorizon,
		pool:            opts.Offload,
		metrics:         opts.Metrics,
		log:             log,
		now:             opts.Now,
		state:           StateDisconnected,
	}, nil
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the refresh stage that runs next.
func (s *Session) Cursor() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Counters returns the consecutive error counts.
func (s *Session) Counters() CounterSnapshot { return s.counters.Snapshot() }

// Relays returns the relay set.
func (s *Session) Relays() *RelaySet { return s.relays }

// Config returns the last configuration document fetched for name
// (storage.DisplayConfig, storage.TimeInfo or storage.ProgramConfig). fresh
// is false when the value came from storage because no refresh succeeded
// recently.
func (s *Session) Config(ctx context.Context, name string) (doc map[string]any, fresh bool, err error) {
	if v, ok := s.configs.Get(name); ok {
		return v.(map[string]any), true, nil
	}
	if err := storage.GetJSON(ctx, s.docs, name, &doc); err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect opens the connection to url and restarts the refresh sequence.
func (s *Session) Connect(ctx context.Context, url string) error {
	s.setState(StateConnecting)
	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = transport.WrapDial(err)
		s.metrics.TransportError(types.TransportClass(err))
		return err
	}
	if id, err := s.trust.Identity(ctx); err == nil {
		s.channel.SetFingerprint(id.Info.Fingerprint)
	}

	s.conn = conn
	s.relay = url
	s.connectedAt = s.now()
	s.chainSent = false
	s.mu.Lock()
	s.state = StateHandshaking
	s.cursor = StageSecureChannel
	s.refreshAt = time.Time{}
	s.mu.Unlock()

	s.metrics.SetConnected(true)
	s.log.Info("relay connected", logger.Relay(url))
	return nil
}

// Close closes the open connection, if any.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.setState(StateDisconnected)
	s.metrics.SetConnected(false)
	return err
}

// RefreshDue reports whether a refresh stage is pending, restarting the
// sequence once the refresh deadline has passed.
func (s *Session) RefreshDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor < StageComplete {
		return true
	}
	if !s.refreshAt.IsZero() && !s.now().Before(s.refreshAt) {
		s.cursor = StageSecureChannel
		s.state = StateHandshaking
		return true
	}
	return false
}

// AdvanceConfigRefresh runs the stage at the cursor. The cursor advances
// only when the stage succeeds; a failed stage runs again on the next call.
// done is true once every stage has succeeded.
func (s *Session) AdvanceConfigRefresh(ctx context.Context) (done bool, err error) {
	if s.conn == nil {
		return false, &types.ErrTransport{Class: types.ClassConnectionReset, Err: transport.ErrClosed}
	}
	st := s.Cursor()
	if st >= StageComplete {
		return true, nil
	}

	if err := s.runStage(ctx, st); err != nil {
		s.log.Warn("refresh stage failed", logger.Stage(st.String()), zap.Error(err))
		return false, fmt.Errorf("session: stage %s: %w", st, err)
	}
	s.metrics.StageCompleted(st.String())
	s.log.Debug("refresh stage complete", logger.Stage(st.String()))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = st + 1
	if s.cursor == StageComplete {
		s.refreshAt = s.now().Add(s.refreshInterval)
		s.state = StatePolling
		return true, nil
	}
	return false, nil
}

// PollOnce emits the device state, then waits up to the poll timeout for one
// inbound frame and dispatches it. Transport failures come back as
// *types.ErrTransport. A frame that fails verification or decryption is
// dropped and its error returned.
func (s *Session) PollOnce(ctx context.Context) error {
	if s.conn == nil {
		return &types.ErrTransport{Class: types.ClassConnectionReset, Err: transport.ErrClosed}
	}
	state, err := s.source.DeviceState(ctx)
	if err != nil {
		return fmt.Errorf("session: device state: %w", err)
	}
	body := make(map[string]any, len(state)+1)
	for k, v := range state {
		body[k] = v
	}
	body["uuid_appareil"] = s.deviceID

	if err := s.emit(ctx, dispatch.ActionDeviceState, body, false); err != nil {
		return err
	}
	msg, ok, err := s.receive(ctx, s.pollTimeout)
	if err != nil {
		return err
	}
	s.counters.Success()
	s.relays.Reset()
	if !ok {
		return nil
	}
	in, err := s.decode(ctx, msg)
	if err != nil {
		return err
	}
	return s.deliver(ctx, in)
}

type inbound struct {
	action string
	body   map[string]any
	sender *trust.ChainInfo
}

// request sends action and waits for the relay's answer carrying the same
// action. Unrelated frames that arrive meanwhile are dispatched in order.
func (s *Session) request(ctx context.Context, a dispatch.Action, body map[string]any, signed bool) (*inbound, error) {
	if err := s.emit(ctx, a, body, signed); err != nil {
		return nil, err
	}
	deadline := s.now().Add(s.pollTimeout)
	for {
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, fmt.Errorf("session: no %s response within %s", a, s.pollTimeout)
		}
		msg, ok, err := s.receive(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		in, err := s.decode(ctx, msg)
		if err != nil {
			s.log.Warn("inbound frame dropped", logger.Action(a.String()), zap.Error(err))
			continue
		}
		if in.action == a.String() {
			return in, nil
		}
		if err := s.deliver(ctx, in); err != nil {
			s.log.Warn("inbound command failed", logger.Action(in.action), zap.Error(err))
		}
	}
}

// emit seals body for the relay: through the secure channel when it is ready
// and signed is false, otherwise as a signed envelope. The chain is attached
// to the first envelope of a connection and to renewal requests.
func (s *Session) emit(ctx context.Context, a dispatch.Action, body map[string]any, signed bool) error {
	var (
		frame []byte
		err   error
	)
	if !signed && s.channel.IsReady() {
		frame, err = offload.Run(ctx, s.pool, func() ([]byte, error) {
			plain, err := canonical.Marshal(body)
			if err != nil {
				return nil, err
			}
			f, err := s.channel.Seal(plain, a.String())
			if err != nil {
				return nil, err
			}
			return json.Marshal(f)
		})
	} else {
		var id *trust.Identity
		if id, err = s.trust.Identity(ctx); err != nil {
			return err
		}
		attach := !s.chainSent || a == dispatch.ActionRenewCertificate
		frame, err = offload.Run(ctx, s.pool, func() ([]byte, error) {
			env, err := envelope.SealAt(body, envelope.Fields{Action: a.String()}, envelope.IdentitySigner(id), attach, s.now())
			if err != nil {
				return nil, err
			}
			return json.Marshal(env)
		})
		if err == nil && attach {
			s.chainSent = true
		}
	}
	if err != nil {
		return fmt.Errorf("session: seal %s: %w", a, err)
	}

	if err := s.conn.Send(ctx, frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = transport.Wrap(err)
		s.metrics.TransportError(types.TransportClass(err))
		return err
	}
	s.metrics.FrameSent()
	return nil
}

func (s *Session) receive(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	msg, ok, err := s.conn.Receive(ctx, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		err = transport.Wrap(err)
		s.metrics.TransportError(types.TransportClass(err))
		return nil, false, err
	}
	if ok {
		s.metrics.FrameReceived()
	}
	return msg, ok, nil
}

// decode opens an inbound frame: as a secure channel frame when it carries a
// ciphertext, otherwise as a signed envelope.
func (s *Session) decode(ctx context.Context, msg []byte) (*inbound, error) {
	obj, err := canonical.DecodeObject(msg)
	if err != nil {
		s.metrics.VerifyFailure()
		return nil, &types.ErrVerificationFailed{Reason: "frame is not a JSON object"}
	}

	if channel.IsFrame(obj) {
		type decrypted struct {
			plain  []byte
			action string
			peer   *trust.ChainInfo
		}
		o, err := offload.Run(ctx, s.pool, func() (decrypted, error) {
			plain, action, err := s.channel.OpenBytes(msg)
			return decrypted{plain, action, s.channel.Peer()}, err
		})
		if err != nil {
			s.metrics.DecryptFailure()
			return nil, err
		}
		body, err := canonical.DecodeObject(o.plain)
		if err != nil {
			s.channel.Reset()
			s.metrics.DecryptFailure()
			return nil, &types.ErrDecrypt{Reason: "plaintext is not a JSON object"}
		}
		return &inbound{action: o.action, body: body, sender: o.peer}, nil
	}

	type opened struct {
		env  *envelope.Envelope
		body map[string]any
		info *trust.ChainInfo
	}
	o, err := offload.Run(ctx, s.pool, func() (opened, error) {
		env, body, info, err := s.verifier.OpenBytes(ctx, msg)
		return opened{env, body, info}, err
	})
	if err != nil {
		s.metrics.VerifyFailure()
		return nil, err
	}
	return &inbound{action: o.env.Header.Action, body: o.body, sender: o.info}, nil
}

// deliver routes a verified inbound frame. resetSecret is handled here.
func (s *Session) deliver(ctx context.Context, in *inbound) error {
	a, err := dispatch.ParseAction(in.action)
	if err != nil {
		s.log.Warn("inbound action rejected", logger.Action(in.action))
		return err
	}
	switch {
	case a == dispatch.ActionResetSecret:
		s.channel.Reset()
		return nil
	case !a.Inbound():
		s.log.Debug("late response dropped", logger.Action(in.action))
		return nil
	case s.router == nil:
		return nil
	}
	return s.router.Dispatch(ctx, dispatch.Command{Action: a, Payload: in.body, Sender: in.sender})
}

func decodeInto(body map[string]any, v any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("session: decode response: %w", err)
	}
	return nil
}
