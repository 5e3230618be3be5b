// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package session_test

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/multiformats/go-multibase"
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/canonical"
	"github.com/aumos-ai/device-trust-core/channel"
	"github.com/aumos-ai/device-trust-core/envelope"
	"github.com/aumos-ai/device-trust-core/session"
	"github.com/aumos-ai/device-trust-core/transport"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/trust/trusttest"
)

// fakeRelay answers device requests on one end of a pipe.
type fakeRelay struct {
	t        *testing.T
	conn     transport.Conn
	ca       *trusttest.Authority
	signer   envelope.Signer
	verifier *envelope.Verifier
	channel  *channel.Negotiator
	relais   []string

	mu     sync.Mutex
	seen   []string
	skip   map[string]int
	pushes [][]byte
}

func newFakeRelay(t *testing.T, conn transport.Conn, ca *trusttest.Authority, signer envelope.Signer, validator envelope.ChainValidator, deviceID string) *fakeRelay {
	return &fakeRelay{
		t:        t,
		conn:     conn,
		ca:       ca,
		signer:   signer,
		verifier: envelope.NewVerifier(validator, envelope.VerifierOptions{Logger: zap.NewNop()}),
		channel:  channel.New(deviceID, channel.Options{Role: channel.RoleRelay, Logger: zap.NewNop()}),
		relais:   []string{"wss://relay-a/ws", "wss://relay-b/ws"},
		skip:     map[string]int{},
	}
}

// Skip makes the relay ignore the next n requests for action.
func (r *fakeRelay) Skip(action string, n int) {
	r.mu.Lock()
	r.skip[action] = n
	r.mu.Unlock()
}

// Push queues a frame sent after the next device state.
func (r *fakeRelay) Push(frame []byte) {
	r.mu.Lock()
	r.pushes = append(r.pushes, frame)
	r.mu.Unlock()
}

func (r *fakeRelay) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *fakeRelay) serve(ctx context.Context) {
	for {
		msg, ok, err := r.conn.Receive(ctx, 20*time.Millisecond)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		action, body, encrypted, err := r.open(ctx, msg)
		if err != nil {
			r.t.Logf("relay: drop frame: %v", err)
			continue
		}

		r.mu.Lock()
		r.seen = append(r.seen, action)
		skip := r.skip[action] > 0
		if skip {
			r.skip[action]--
		}
		r.mu.Unlock()
		if skip {
			continue
		}

		reply, err := r.answer(action, body)
		if err != nil {
			r.t.Logf("relay: answer %s: %v", action, err)
			continue
		}
		if reply == nil {
			r.flushPushes(ctx)
			continue
		}
		// The exchange answer is signed; the channel is not live until the
		// device reads it.
		frame, err := r.Frame(action, reply, encrypted && action != "echangerSecret")
		if err != nil {
			r.t.Logf("relay: frame %s: %v", action, err)
			continue
		}
		_ = r.conn.Send(ctx, frame)
	}
}

func (r *fakeRelay) flushPushes(ctx context.Context) {
	r.mu.Lock()
	pushes := r.pushes
	r.pushes = nil
	r.mu.Unlock()
	for _, p := range pushes {
		_ = r.conn.Send(ctx, p)
	}
}

func (r *fakeRelay) open(ctx context.Context, msg []byte) (action string, body map[string]any, encrypted bool, err error) {
	obj, err := canonical.DecodeObject(msg)
	if err != nil {
		return "", nil, false, err
	}
	if channel.IsFrame(obj) {
		f, err := channel.ParseFrame(msg)
		if err != nil {
			return "", nil, false, err
		}
		plain, err := r.channel.Open(f)
		if err != nil {
			return "", nil, false, err
		}
		body, err := canonical.DecodeObject(plain)
		return f.Action(), body, true, err
	}
	env, body, _, err := r.verifier.OpenBytes(ctx, msg)
	if err != nil {
		return "", nil, false, err
	}
	return env.Header.Action, body, false, nil
}

func (r *fakeRelay) answer(action string, body map[string]any) (map[string]any, error) {
	switch action {
	case "echangerSecret":
		peer, err := channel.DecodeKey(body[session.ExchangeKeyField].(string))
		if err != nil {
			return nil, err
		}
		pub, err := r.channel.OfferKey()
		if err != nil {
			return nil, err
		}
		if err := r.channel.CompleteExchange(peer, nil); err != nil {
			return nil, err
		}
		enc, err := channel.EncodeKey(pub)
		if err != nil {
			return nil, err
		}
		return map[string]any{session.ExchangeKeyField: enc}, nil
	case "getAppareilDisplayConfiguration":
		return map[string]any{"displays": []any{map[string]any{"name": "lcd", "lignes": 2}}}, nil
	case "getTimezoneInfo":
		return map[string]any{"timezone": "America/Toronto", "offset": -14400}, nil
	case "getAppareilProgrammesConfiguration":
		return map[string]any{"programmes": map[string]any{}}, nil
	case "getRelais":
		list := make([]any, len(r.relais))
		for i, u := range r.relais {
			list[i] = u
		}
		return map[string]any{"relais": list}, nil
	case "renouvelerCertificat":
		block, _ := pem.Decode([]byte(body["csr"].(string)))
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			return nil, err
		}
		leaf, err := r.ca.IssueFor(csr.PublicKey.(ed25519.PublicKey), csr.Subject.CommonName, 60*24*time.Hour, trusttest.Claims{Roles: []string{"senseurspassifs"}})
		if err != nil {
			return nil, err
		}
		return map[string]any{"certificat": anyList(trust.PEMList([]*x509.Certificate{leaf}))}, nil
	}
	return nil, nil
}

// Frame builds a relay message: encrypted through the relay's channel or
// signed by the relay identity.
func (r *fakeRelay) Frame(action string, body map[string]any, encrypted bool) ([]byte, error) {
	if encrypted {
		plain, err := canonical.Marshal(body)
		if err != nil {
			return nil, err
		}
		f, err := r.channel.Seal(plain, action)
		if err != nil {
			return nil, err
		}
		return json.Marshal(f)
	}
	env, err := envelope.Seal(body, envelope.Fields{Action: action}, r.signer, true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// TamperedFrame builds an encrypted frame with one ciphertext bit flipped.
func (r *fakeRelay) TamperedFrame(action string, body map[string]any) ([]byte, error) {
	plain, err := canonical.Marshal(body)
	if err != nil {
		return nil, err
	}
	f, err := r.channel.Seal(plain, action)
	if err != nil {
		return nil, err
	}
	_, ct, err := multibase.Decode(f.Ciphertext)
	if err != nil {
		return nil, err
	}
	ct[0] ^= 0x01
	if f.Ciphertext, err = multibase.Encode(multibase.Base64, ct); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func anyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
