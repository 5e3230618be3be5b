// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package channel upgrades the signed relationship with a relay into a
// symmetric encrypted one: an ephemeral X25519 exchange, an HKDF-SHA256
// derived key with an expiry, and XChaCha20-Poly1305 frames.
package channel

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/types"
)

// State is the negotiator lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingPeerKey State = "awaiting_peer_key"
	StateEstablished     State = "established"
	StateExpired         State = "expired"
)

// DefaultTTL bounds the life of a derived secret.
const DefaultTTL = 4 * time.Hour

var kdfInfo = []byte("secure-channel/v1")

// Role is the side of the channel a Negotiator seals for. Each direction
// has its own key, so a frame is only accepted by the opposite role.
type Role uint8

const (
	RoleDevice Role = iota
	RoleRelay
)

// Options configures a Negotiator.
type Options struct {
	// Role defaults to RoleDevice.
	Role Role
	// TTL defaults to DefaultTTL.
	TTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// Rand defaults to crypto/rand.
	Rand   io.Reader
	Logger *zap.Logger
}

// Negotiator holds the single secure channel of a node.
type Negotiator struct {
	ttl  time.Duration
	now  func() time.Time
	rand io.Reader
	log  *zap.Logger

	mu          sync.Mutex
	role        Role
	state       State
	deviceID    string
	fingerprint string
	ephemeral   []byte
	offered     []byte
	sendKey     []byte
	recvKey     []byte
	peer        *trust.ChainInfo
	established time.Time
	expires     time.Time
}

// New returns an idle Negotiator. deviceID authenticates every frame as
// associated data and labels outgoing frames.
func New(deviceID string, opts Options) *Negotiator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Negotiator{
		ttl:      opts.TTL,
		now:      opts.Now,
		rand:     opts.Rand,
		log:      logger.Or(opts.Logger, "channel"),
		role:     opts.Role,
		state:    StateIdle,
		deviceID: deviceID,
	}
}

// SetFingerprint sets the certificate fingerprint written on outgoing frames.
func (n *Negotiator) SetFingerprint(fp string) {
	n.mu.Lock()
	n.fingerprint = fp
	n.mu.Unlock()
}

// State returns the current state, moving Established to Expired once the
// secret is past its expiry.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expireLocked()
	return n.state
}

// OfferKey returns the public half of the pending ephemeral key, generating
// it when none is pending.
func (n *Negotiator) OfferKey() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateAwaitingPeerKey && n.offered != nil {
		return append([]byte(nil), n.offered...), nil
	}

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(n.rand, priv); err != nil {
		return nil, fmt.Errorf("channel: ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("channel: ephemeral public key: %w", err)
	}

	n.clearLocked()
	n.ephemeral = priv
	n.offered = pub
	n.state = StateAwaitingPeerKey
	return append([]byte(nil), pub...), nil
}

// CompleteExchange derives the directional keys from the peer's public key
// and discards the ephemeral private key. peer holds the verified claims of
// the party that sent peerPublic; they are attached to every frame opened
// under these keys until the channel resets.
func (n *Negotiator) CompleteExchange(peerPublic []byte, peer *trust.ChainInfo) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateAwaitingPeerKey || n.ephemeral == nil {
		return &types.ErrChannelNotReady{State: string(n.state)}
	}
	shared, err := curve25519.X25519(n.ephemeral, peerPublic)
	zero(n.ephemeral)
	n.ephemeral = nil
	n.offered = nil
	if err != nil {
		n.state = StateIdle
		return fmt.Errorf("channel: key agreement: %w", err)
	}

	// device-to-relay key first, then relay-to-device.
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	_, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, kdfInfo), keys)
	zero(shared)
	if err != nil {
		n.state = StateIdle
		return fmt.Errorf("channel: derive key: %w", err)
	}
	up, down := keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:]
	if n.role == RoleRelay {
		up, down = down, up
	}

	n.sendKey = up
	n.recvKey = down
	n.peer = peer
	n.established = n.now()
	n.expires = n.established.Add(n.ttl)
	n.state = StateEstablished
	n.log.Info("secure channel established", zap.Time("expires", n.expires))
	return nil
}

// IsReady reports whether a live secret is available.
func (n *Negotiator) IsReady() bool {
	return n.State() == StateEstablished
}

// NeedsRenewal reports whether the channel must be renegotiated at now.
func (n *Negotiator) NeedsRenewal(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state != StateEstablished || !now.Before(n.expires)
}

// ExpiresAt returns the secret's expiry, zero when not established.
func (n *Negotiator) ExpiresAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateEstablished {
		return time.Time{}
	}
	return n.expires
}

// Seal encrypts plaintext under a fresh nonce. action is carried in clear for routing.
func (n *Negotiator) Seal(plaintext []byte, action string) (*Frame, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.expireLocked()
	if n.state != StateEstablished {
		return nil, &types.ErrChannelNotReady{State: string(n.state)}
	}
	aead, err := chacha20poly1305.NewX(n.sendKey)
	if err != nil {
		return nil, fmt.Errorf("channel: cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(n.rand, nonce); err != nil {
		return nil, fmt.Errorf("channel: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(n.deviceID))
	split := len(sealed) - aead.Overhead()

	return newFrame(n.deviceID, n.fingerprint, action, nonce, sealed[split:], sealed[:split])
}

// Open authenticates and decrypts f. An authentication failure resets the
// channel and returns *types.ErrDecrypt.
func (n *Negotiator) Open(f *Frame) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.expireLocked()
	if n.state != StateEstablished {
		return nil, &types.ErrChannelNotReady{State: string(n.state)}
	}
	nonce, tag, ciphertext, err := f.decode()
	if err != nil {
		n.resetLocked("malformed frame")
		return nil, &types.ErrDecrypt{Reason: err.Error()}
	}
	aead, err := chacha20poly1305.NewX(n.recvKey)
	if err != nil {
		return nil, fmt.Errorf("channel: cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() || len(tag) != aead.Overhead() {
		n.resetLocked("bad nonce or tag size")
		return nil, &types.ErrDecrypt{Reason: "bad nonce or tag size"}
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(append(sealed, ciphertext...), tag...)
	plain, err := aead.Open(nil, nonce, sealed, []byte(n.deviceID))
	if err != nil {
		n.resetLocked("authentication failed")
		return nil, &types.ErrDecrypt{Reason: "authentication failed"}
	}
	return plain, nil
}

// OpenBytes parses wire bytes as a frame and opens it. A frame that does
// not parse resets the channel like any other decrypt failure.
func (n *Negotiator) OpenBytes(data []byte) (plain []byte, action string, err error) {
	f, err := ParseFrame(data)
	if err != nil {
		n.mu.Lock()
		n.resetLocked("malformed frame")
		n.mu.Unlock()
		return nil, "", &types.ErrDecrypt{Reason: err.Error()}
	}
	plain, err = n.Open(f)
	if err != nil {
		return nil, "", err
	}
	return plain, f.Action(), nil
}

// Peer returns the verified claims of the party the live secret was
// negotiated with, nil when none.
func (n *Negotiator) Peer() *trust.ChainInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expireLocked()
	if n.state != StateEstablished {
		return nil
	}
	return n.peer
}

// Reset clears all key material and returns to Idle.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLocked("requested")
}

func (n *Negotiator) resetLocked(reason string) {
	n.clearLocked()
	n.state = StateIdle
	n.log.Warn("secure channel reset", zap.String("reason", reason))
}

func (n *Negotiator) expireLocked() {
	if n.state == StateEstablished && !n.now().Before(n.expires) {
		n.clearLocked()
		n.state = StateExpired
		n.log.Info("secure channel expired")
	}
}

func (n *Negotiator) clearLocked() {
	zero(n.ephemeral)
	zero(n.sendKey)
	zero(n.recvKey)
	n.ephemeral = nil
	n.offered = nil
	n.sendKey = nil
	n.recvKey = nil
	n.peer = nil
	n.established = time.Time{}
	n.expires = time.Time{}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
