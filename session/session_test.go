// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package session_test

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/channel"
	"github.com/aumos-ai/device-trust-core/dispatch"
	"github.com/aumos-ai/device-trust-core/envelope"
	"github.com/aumos-ai/device-trust-core/keys"
	"github.com/aumos-ai/device-trust-core/session"
	"github.com/aumos-ai/device-trust-core/storage"
	"github.com/aumos-ai/device-trust-core/transport"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/trust/trusttest"
	"github.com/aumos-ai/device-trust-core/types"
)

const deviceID = "device-1"

type harness struct {
	ctx     context.Context
	docs    *storage.MemoryStore
	store   *trust.Store
	ca      *trusttest.Authority
	relayID envelope.Signer
	channel *channel.Negotiator
	router  *dispatch.Router

	mu       sync.Mutex
	commands []dispatch.Command
	relays   []*fakeRelay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	docs := storage.NewMemoryStore()
	store := trust.NewStore(docs, trust.Options{Logger: zap.NewNop()})
	ca := trusttest.MustAuthority("root", 365*24*time.Hour)
	_, err := trusttest.Provision(ctx, docs, store, ca, deviceID, trusttest.Claims{Roles: []string{"senseurspassifs"}})
	require.NoError(t, err)

	relayKey, err := keys.Generate(nil)
	require.NoError(t, err)
	relayCert, err := ca.IssueFor(relayKey.PublicKey, "relay", 24*time.Hour, trusttest.Claims{Roles: []string{"relay"}})
	require.NoError(t, err)

	h := &harness{
		ctx:     ctx,
		docs:    docs,
		store:   store,
		ca:      ca,
		relayID: envelope.Signer{Key: relayKey, Chain: []*x509.Certificate{relayCert}, IDMG: ca.IDMG()},
		channel: channel.New(deviceID, channel.Options{Logger: zap.NewNop()}),
		router:  dispatch.NewRouter(zap.NewNop()),
	}
	h.router.Fallback(dispatch.HandlerFunc(func(_ context.Context, cmd dispatch.Command) error {
		h.mu.Lock()
		h.commands = append(h.commands, cmd)
		h.mu.Unlock()
		return nil
	}))
	return h
}

// dialRelay returns a dialer that starts a fresh fake relay per connection.
func (h *harness) dialRelay(t *testing.T) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, url string) (transport.Conn, error) {
		device, relayEnd := transport.Pipe(16)
		r := newFakeRelay(t, relayEnd, h.ca, h.relayID, h.store, deviceID)
		h.mu.Lock()
		h.relays = append(h.relays, r)
		h.mu.Unlock()
		go r.serve(h.ctx)
		return device, nil
	})
}

func (h *harness) relay(i int) *fakeRelay {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relays[i]
}

func (h *harness) Commands() []dispatch.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]dispatch.Command(nil), h.commands...)
}

func (h *harness) session(t *testing.T, dialer transport.Dialer, tweak func(*session.Options)) *session.Session {
	t.Helper()
	opts := session.Options{
		DeviceID:    deviceID,
		Trust:       h.store,
		Verifier:    envelope.NewVerifier(h.store, envelope.VerifierOptions{Logger: zap.NewNop()}),
		Channel:     h.channel,
		Dialer:      dialer,
		Docs:        h.docs,
		Router:      h.router,
		Relays:      []string{"wss://relay-a/ws"},
		PollTimeout: 300 * time.Millisecond,
		Backoff: session.Backoff{
			ConnectionReset: time.Millisecond,
			OutOfMemory:     time.Millisecond,
			Unsupported:     time.Millisecond,
			Other:           time.Millisecond,
			Max:             5 * time.Millisecond,
		},
		State: session.StateFunc(func(context.Context) (map[string]any, error) {
			return map[string]any{"senseurs": map[string]any{"temp": 21.5}}, nil
		}),
		Logger: zap.NewNop(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := session.New(h.ctx, opts)
	require.NoError(t, err)
	return s
}

func refreshAll(t *testing.T, h *harness, s *session.Session) {
	t.Helper()
	for i := 0; i < int(session.StageComplete); i++ {
		done, err := s.AdvanceConfigRefresh(h.ctx)
		require.NoError(t, err, "stage %d", i)
		require.Equal(t, i == int(session.StageComplete)-1, done)
	}
}

func TestAdvanceConfigRefresh_StagesInOrder(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), nil)
	require.Equal(t, session.StateDisconnected, s.State())

	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))
	require.Equal(t, session.StateHandshaking, s.State())
	require.Equal(t, session.StageSecureChannel, s.Cursor())

	refreshAll(t, h, s)
	require.Equal(t, session.StageComplete, s.Cursor())
	require.Equal(t, session.StatePolling, s.State())
	require.False(t, s.RefreshDue())
	require.True(t, h.channel.IsReady())

	// The certificate is far from expiry, so no renewal request goes out.
	require.Equal(t, []string{
		"echangerSecret",
		"getAppareilDisplayConfiguration",
		"getTimezoneInfo",
		"getAppareilProgrammesConfiguration",
		"getRelais",
	}, h.relay(0).Seen())

	for _, doc := range []string{storage.DisplayConfig, storage.TimeInfo, storage.ProgramConfig, storage.RelayList} {
		ok, err := h.docs.Exists(h.ctx, doc)
		require.NoError(t, err)
		require.True(t, ok, doc)
	}
	tz, fresh, err := s.Config(h.ctx, storage.TimeInfo)
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, "America/Toronto", tz["timezone"])
	require.Equal(t, []string{"wss://relay-a/ws", "wss://relay-b/ws"}, s.Relays().URLs())

	done, err := s.AdvanceConfigRefresh(h.ctx)
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, h.relay(0).Seen(), 5, "a completed refresh does not re-enter any stage")
}

func TestAdvanceConfigRefresh_RetriesFailedStage(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), nil)
	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))
	h.relay(0).Skip("getTimezoneInfo", 1)

	for i := 0; i < 2; i++ {
		_, err := s.AdvanceConfigRefresh(h.ctx)
		require.NoError(t, err)
	}
	require.Equal(t, session.StageTimeInfo, s.Cursor())

	done, err := s.AdvanceConfigRefresh(h.ctx)
	require.Error(t, err)
	require.False(t, done)
	require.Equal(t, session.StageTimeInfo, s.Cursor(), "cursor stays on the failed stage")

	_, err = s.AdvanceConfigRefresh(h.ctx)
	require.NoError(t, err)
	require.Equal(t, session.StageProgramConfig, s.Cursor())

	seen := h.relay(0).Seen()
	require.Equal(t, []string{"getTimezoneInfo", "getTimezoneInfo"}, seen[2:4])
	require.NotContains(t, seen[:4], "getAppareilProgrammesConfiguration")
}

func TestConfig_FallsBackToStoredDocument(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, storage.PutJSON(h.ctx, h.docs, storage.DisplayConfig, map[string]any{"displays": []any{}}))
	s := h.session(t, h.dialRelay(t), nil)

	doc, fresh, err := s.Config(h.ctx, storage.DisplayConfig)
	require.NoError(t, err)
	require.False(t, fresh)
	require.Contains(t, doc, "displays")

	_, _, err = s.Config(h.ctx, storage.ProgramConfig)
	require.True(t, types.IsNotFound(err))
}

func TestCertificateRenewalStage(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), func(o *session.Options) {
		o.RenewalHorizon = 45 * 24 * time.Hour
	})
	before, err := h.store.Identity(h.ctx)
	require.NoError(t, err)

	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))
	refreshAll(t, h, s)
	require.Contains(t, h.relay(0).Seen(), "renouvelerCertificat")

	after, err := h.store.Identity(h.ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.Info.Fingerprint, after.Info.Fingerprint)
	require.True(t, after.Info.NotAfter.After(before.Info.NotAfter))

	need, err := h.store.NeedsRenewal(h.ctx, time.Now(), 7*24*time.Hour)
	require.NoError(t, err)
	require.False(t, need)
}

func TestPollOnce_SignedCommandCarriesSender(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), nil)
	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))

	r := h.relay(0)
	cmd, err := r.Frame("commandeAppareil", map[string]any{"senseur_id": "switch", "valeur": 1}, false)
	require.NoError(t, err)
	r.Push(cmd)

	require.NoError(t, s.PollOnce(h.ctx))
	cmds := h.Commands()
	require.Len(t, cmds, 1)
	require.Equal(t, dispatch.ActionDeviceCommand, cmds[0].Action)
	require.Equal(t, "switch", cmds[0].Payload["senseur_id"])
	require.NotNil(t, cmds[0].Sender)
	require.True(t, cmds[0].Sender.HasRole("relay"))
	require.Equal(t, []string{"etatAppareil"}, r.Seen())
}

func TestPollOnce_EncryptedCommand(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), nil)
	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))
	refreshAll(t, h, s)

	r := h.relay(0)
	cmd, err := r.Frame("commandeAppareil", map[string]any{"senseur_id": "relay-1", "valeur": 0}, true)
	require.NoError(t, err)
	r.Push(cmd)

	require.NoError(t, s.PollOnce(h.ctx))
	cmds := h.Commands()
	require.Len(t, cmds, 1)
	require.Equal(t, "relay-1", cmds[0].Payload["senseur_id"])
	require.NotNil(t, cmds[0].Sender, "channel commands carry the claims verified at exchange time")
	require.True(t, cmds[0].Sender.HasRole("relay"))
}

func TestPollOnce_MalformedFrameResetsChannel(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), nil)
	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))
	refreshAll(t, h, s)
	require.True(t, h.channel.IsReady())

	r := h.relay(0)
	r.Push([]byte(`{"uuid_appareil":"device-1","ciphertext":"mAAAA","routage":{"action":"commandeAppareil"}}`))

	err := s.PollOnce(h.ctx)
	var de *types.ErrDecrypt
	require.ErrorAs(t, err, &de)
	require.Equal(t, channel.StateIdle, h.channel.State())
	require.Nil(t, h.channel.Peer())
	require.Empty(t, h.Commands())
}

func TestPollOnce_TamperedFrameResetsChannel(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), nil)
	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))
	refreshAll(t, h, s)

	r := h.relay(0)
	bad, err := r.TamperedFrame("commandeAppareil", map[string]any{"senseur_id": "relay-1"})
	require.NoError(t, err)
	r.Push(bad)

	err = s.PollOnce(h.ctx)
	var de *types.ErrDecrypt
	require.ErrorAs(t, err, &de)
	require.Equal(t, channel.StateIdle, h.channel.State())
	require.Empty(t, h.Commands(), "a frame failing authentication is never dispatched")
}

func TestPollOnce_ResetSecretCommand(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), nil)
	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))
	refreshAll(t, h, s)
	require.True(t, h.channel.IsReady())

	r := h.relay(0)
	reset, err := r.Frame("resetSecret", map[string]any{}, false)
	require.NoError(t, err)
	r.Push(reset)

	require.NoError(t, s.PollOnce(h.ctx))
	require.False(t, h.channel.IsReady())
	require.Empty(t, h.Commands())
}

func TestPollOnce_UnknownActionRejected(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.dialRelay(t), nil)
	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))

	r := h.relay(0)
	frame, err := r.Frame("formaterDisque", map[string]any{}, false)
	require.NoError(t, err)
	r.Push(frame)

	var ua *types.ErrUnknownAction
	require.ErrorAs(t, s.PollOnce(h.ctx), &ua)
	require.Empty(t, h.Commands())
}

func TestPollOnce_TransportErrorClassified(t *testing.T) {
	h := newHarness(t)
	device, relayEnd := transport.Pipe(1)
	s := h.session(t, transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		return device, nil
	}), nil)
	require.NoError(t, s.Connect(h.ctx, "wss://relay-a/ws"))
	require.NoError(t, relayEnd.Close())

	err := s.PollOnce(h.ctx)
	require.Equal(t, types.ClassConnectionReset, types.TransportClass(err))
}

func TestRun_OutOfMemoryTriggersReboot(t *testing.T) {
	h := newHarness(t)
	var dials atomic.Int32
	s := h.session(t, transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		dials.Add(1)
		return nil, &types.ErrTransport{Class: types.ClassOutOfMemory, Err: errors.New("alloc failed")}
	}), nil)

	err := s.Run(h.ctx)
	var rr *types.ErrRebootRequired
	require.ErrorAs(t, err, &rr)
	require.Equal(t, int32(10), dials.Load())
}

func TestRun_SuccessResetsCounters(t *testing.T) {
	h := newHarness(t)
	relay := h.dialRelay(t)

	var mu sync.Mutex
	var seenAtDial []int
	var s *session.Session
	s = h.session(t, transport.DialerFunc(func(ctx context.Context, url string) (transport.Conn, error) {
		mu.Lock()
		seenAtDial = append(seenAtDial, s.Counters().OutOfMemory)
		n := len(seenAtDial)
		mu.Unlock()
		if n <= 9 {
			return nil, &types.ErrTransport{Class: types.ClassOutOfMemory, Err: errors.New("alloc failed")}
		}
		return relay.Dial(ctx, url)
	}), nil)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seenAtDial) == 10 && s.Counters().OutOfMemory == 0 && s.State() == session.StatePolling
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seenAtDial)
}

func TestRun_RotatesThenRefreshesRelays(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var urls []string
	s := h.session(t, transport.DialerFunc(func(_ context.Context, url string) (transport.Conn, error) {
		mu.Lock()
		urls = append(urls, url)
		mu.Unlock()
		return nil, &types.ErrTransport{Class: types.ClassConnectionReset, Err: errors.New("reset by peer")}
	}), func(o *session.Options) {
		o.Relays = []string{"wss://a/ws", "wss://b/ws"}
		o.RefreshRelays = func(context.Context) ([]string, error) {
			return []string{"wss://c/ws"}, nil
		}
	})

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(urls) >= 7
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"wss://a/ws", "wss://a/ws", "wss://a/ws",
		"wss://b/ws", "wss://b/ws", "wss://b/ws",
		"wss://c/ws",
	}, urls[:7])
}

func TestRun_UnreachableRelayRotates(t *testing.T) {
	h := newHarness(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ws := transport.NewWebSocketDialer(transport.WebSocketOptions{HandshakeTimeout: time.Second, Logger: zap.NewNop()})
	var mu sync.Mutex
	var urls []string
	relayA, relayB := "ws://"+addr+"/a", "ws://"+addr+"/b"
	s := h.session(t, transport.DialerFunc(func(ctx context.Context, url string) (transport.Conn, error) {
		mu.Lock()
		urls = append(urls, url)
		mu.Unlock()
		return ws.Dial(ctx, url)
	}), func(o *session.Options) {
		o.Relays = []string{relayA, relayB}
	})

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(urls) >= 4
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{relayA, relayA, relayA, relayB}, urls[:4])
}

func TestRun_UnreachableRelayEscalatesToReboot(t *testing.T) {
	h := newHarness(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := h.session(t, transport.NewWebSocketDialer(transport.WebSocketOptions{HandshakeTimeout: time.Second, Logger: zap.NewNop()}), func(o *session.Options) {
		o.Relays = []string{"ws://" + addr + "/ws"}
		o.Thresholds = session.Thresholds{ConnectionResetRotate: 100, ConnectionResetReboot: 5}
	})

	var rr *types.ErrRebootRequired
	require.ErrorAs(t, s.Run(h.ctx), &rr)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := session.New(context.Background(), session.Options{})
	require.Error(t, err)
}

func TestNew_LoadsPersistedRelays(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, storage.PutJSON(h.ctx, h.docs, storage.RelayList, map[string]any{"relais": []string{"wss://saved/ws"}}))
	s := h.session(t, h.dialRelay(t), func(o *session.Options) { o.Relays = nil })
	require.Equal(t, "wss://saved/ws", s.Relays().Current())
}
