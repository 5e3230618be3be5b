// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package trust owns the device identity: the pinned root, the active and
// pending identity keys, the device certificate chain, and the operational
// mode derived from which of those are persisted.
package trust

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aumos-ai/device-trust-core/keys"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/storage"
	"github.com/aumos-ai/device-trust-core/types"
)

// Identity is a consistent snapshot of the active key and its certificate.
type Identity struct {
	Key  *keys.KeyPair
	Info *ChainInfo
}

// Chain returns the leaf-first certificate chain.
func (id *Identity) Chain() []*x509.Certificate { return id.Info.Chain }

// Options configures a Store.
type Options struct {
	// Logger defaults to logger.Named("trust").
	Logger *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

// Store is the single owner of trust documents in storage. All mutations of
// keys and certificates go through it.
type Store struct {
	docs storage.Store
	log  *zap.Logger
	now  func() time.Time
	rand io.Reader

	// mu guards root and identity; writers hold it across storage writes so
	// readers never see a half-promoted pair.
	mu       sync.RWMutex
	root     *x509.Certificate
	identity *Identity
	group    singleflight.Group
}

// NewStore returns a Store over docs.
func NewStore(docs storage.Store, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Store{
		docs: docs,
		log:  logger.Or(opts.Logger, "trust"),
		now:  opts.Now,
		rand: opts.Rand,
	}
}

// Presence reads which trust documents exist.
func (s *Store) Presence(ctx context.Context) (Presence, error) {
	var p Presence
	var err error
	if p.ConnectionConfig, err = s.docs.Exists(ctx, storage.ConnectionConfig); err != nil {
		return p, fmt.Errorf("trust: presence: %w", err)
	}
	if p.RootCertificate, err = s.docs.Exists(ctx, storage.RootCertificate); err != nil {
		return p, fmt.Errorf("trust: presence: %w", err)
	}
	if p.DeviceCertificate, err = s.docs.Exists(ctx, storage.DeviceCertificate); err != nil {
		return p, fmt.Errorf("trust: presence: %w", err)
	}
	return p, nil
}

// CurrentMode derives the operational mode from storage. It is not cached.
func (s *Store) CurrentMode(ctx context.Context) (types.Mode, error) {
	p, err := s.Presence(ctx)
	if err != nil {
		return "", err
	}
	return ModeOf(p), nil
}

// InstallRoot parses a root certificate (PEM or DER), checks that it is
// self-signed and that its IDMG equals expectedIDMG, then pins it.
func (s *Store) InstallRoot(ctx context.Context, data []byte, expectedIDMG string) error {
	certs, err := ParseChain(data)
	if err != nil {
		return err
	}
	root := certs[0]
	if !isSelfSigned(root) {
		return &types.ErrTrust{Kind: types.TrustChainBroken, Reason: "root certificate does not validate against itself"}
	}
	idmg, err := IDMG(root)
	if err != nil {
		return err
	}
	if idmg != expectedIDMG {
		return &types.ErrTrust{Kind: types.TrustIdentityMismatch, Reason: fmt.Sprintf("root IDMG %s, expected %s", idmg, expectedIDMG)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.docs.Put(ctx, storage.RootCertificate, EncodePEM([]*x509.Certificate{root})); err != nil {
		return fmt.Errorf("trust: persist root: %w", err)
	}
	s.root = root
	s.identity = nil
	s.log.Info("root certificate installed", zap.String("idmg", idmg))
	return nil
}

// Root returns the pinned root certificate.
func (s *Store) Root(ctx context.Context) (*x509.Certificate, error) {
	s.mu.RLock()
	root := s.root
	s.mu.RUnlock()
	if root != nil {
		return root, nil
	}

	data, err := s.docs.Get(ctx, storage.RootCertificate)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: "no pinned root certificate"}
		}
		return nil, fmt.Errorf("trust: load root: %w", err)
	}
	certs, err := ParseChain(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.root == nil {
		s.root = certs[0]
	}
	root = s.root
	s.mu.Unlock()
	return root, nil
}

// IDMG returns the identifier of the pinned root.
func (s *Store) IDMG(ctx context.Context) (string, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return "", err
	}
	return IDMG(root)
}

// ValidateChain validates chain against the pinned root at the given time.
// A zero at skips validity checks and is meant for diagnostics only.
func (s *Store) ValidateChain(ctx context.Context, chain []*x509.Certificate, at time.Time) (*ChainInfo, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	return ValidateChain(chain, root, at)
}

// GenerateIdentityKey creates a fresh key pair and persists it as the pending identity.
func (s *Store) GenerateIdentityKey(ctx context.Context) (*keys.KeyPair, error) {
	kp, err := keys.Generate(s.rand)
	if err != nil {
		return nil, err
	}
	if err := s.docs.Put(ctx, storage.PendingKey, kp.Raw()); err != nil {
		return nil, fmt.Errorf("trust: persist pending key: %w", err)
	}
	s.log.Info("pending identity key generated")
	return kp, nil
}

// PendingKey loads the pending identity key.
func (s *Store) PendingKey(ctx context.Context) (*keys.KeyPair, error) {
	return s.loadKey(ctx, storage.PendingKey)
}

// EnsurePendingKey returns the pending key, generating one when absent.
// Retried enrollments reuse the same key so an in-flight request stays valid.
func (s *Store) EnsurePendingKey(ctx context.Context) (*keys.KeyPair, error) {
	kp, err := s.PendingKey(ctx)
	if err == nil {
		return kp, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}
	return s.GenerateIdentityKey(ctx)
}

// IssueCSR builds a PEM certificate signing request for the pending key.
func (s *Store) IssueCSR(ctx context.Context, deviceName string) ([]byte, error) {
	kp, err := s.PendingKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("trust: issue CSR: %w", err)
	}
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: deviceName},
	}
	der, err := x509.CreateCertificateRequest(s.rand, tmpl, kp.Signer())
	if err != nil {
		return nil, fmt.Errorf("trust: create CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// InstallCertificate validates chain against the pinned root, requires its
// leaf to carry the pending key, then promotes the pending key and chain to
// active.
func (s *Store) InstallCertificate(ctx context.Context, chain []*x509.Certificate, reason types.KeyRotationReason) (*types.KeyRotationRecord, error) {
	info, err := s.ValidateChain(ctx, chain, s.now())
	if err != nil {
		return nil, err
	}
	pending, err := s.PendingKey(ctx)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, &types.ErrTrust{Kind: types.TrustKeyMismatch, Reason: "no pending identity key"}
		}
		return nil, err
	}
	if !pending.Matches(info.PublicKey) {
		return nil, &types.ErrTrust{Kind: types.TrustKeyMismatch, Reason: "leaf public key does not match the pending identity key"}
	}

	var previous string
	if cur, err := s.Identity(ctx); err == nil {
		previous = cur.Info.Fingerprint
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.promote(ctx, pending, info.Chain); err != nil {
		s.identity = nil
		return nil, err
	}
	s.identity = &Identity{Key: pending, Info: info}

	record := keys.NewRotationRecord(previous, info.Fingerprint, reason, s.now())
	s.log.Info("device certificate installed",
		logger.Fingerprint(info.Fingerprint),
		zap.String("reason", string(reason)),
		zap.Time("not_after", info.NotAfter))
	return record, nil
}

// promote writes certificate, then key, then removes the pending key. A crash
// between steps is repaired by loadIdentity.
func (s *Store) promote(ctx context.Context, key *keys.KeyPair, chain []*x509.Certificate) error {
	if err := s.docs.Put(ctx, storage.DeviceCertificate, EncodePEM(chain)); err != nil {
		return fmt.Errorf("trust: persist certificate: %w", err)
	}
	if err := s.docs.Put(ctx, storage.DeviceKey, key.Raw()); err != nil {
		return fmt.Errorf("trust: persist key: %w", err)
	}
	if err := s.docs.Delete(ctx, storage.PendingKey); err != nil {
		return fmt.Errorf("trust: remove pending key: %w", err)
	}
	return nil
}

// Identity returns the active key and certificate as one snapshot.
func (s *Store) Identity(ctx context.Context) (*Identity, error) {
	s.mu.RLock()
	id := s.identity
	s.mu.RUnlock()
	if id != nil {
		return id, nil
	}

	v, err, _ := s.group.Do("identity", func() (any, error) {
		return s.loadIdentity(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}

func (s *Store) loadIdentity(ctx context.Context) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil {
		return s.identity, nil
	}

	data, err := s.docs.Get(ctx, storage.DeviceCertificate)
	if err != nil {
		return nil, err
	}
	chain, err := ParseChain(data)
	if err != nil {
		return nil, err
	}
	root := s.root
	if root == nil {
		rootData, err := s.docs.Get(ctx, storage.RootCertificate)
		if err != nil {
			return nil, err
		}
		roots, err := ParseChain(rootData)
		if err != nil {
			return nil, err
		}
		root = roots[0]
		s.root = root
	}
	info, err := ValidateChain(chain, root, time.Time{})
	if err != nil {
		return nil, err
	}

	key, err := s.loadKey(ctx, storage.DeviceKey)
	if err != nil && !types.IsNotFound(err) {
		return nil, err
	}
	if key == nil || !key.Matches(info.PublicKey) {
		pending, perr := s.loadKey(ctx, storage.PendingKey)
		if perr != nil && !types.IsNotFound(perr) {
			return nil, perr
		}
		if pending == nil || !pending.Matches(info.PublicKey) {
			s.log.Warn("device certificate matches no stored key, discarding it", logger.Fingerprint(info.Fingerprint))
			if derr := s.docs.Delete(ctx, storage.DeviceCertificate); derr != nil {
				return nil, fmt.Errorf("trust: discard mismatched certificate: %w", derr)
			}
			return nil, &types.ErrTrust{Kind: types.TrustKeyMismatch, Reason: "device certificate matches neither active nor pending key"}
		}
		s.log.Info("completing interrupted key promotion", logger.Fingerprint(info.Fingerprint))
		if err := s.promote(ctx, pending, info.Chain); err != nil {
			return nil, err
		}
		key = pending
	}

	s.identity = &Identity{Key: key, Info: info}
	return s.identity, nil
}

func (s *Store) loadKey(ctx context.Context, name string) (*keys.KeyPair, error) {
	raw, err := s.docs.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	kp, err := keys.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("trust: load %s: %w", name, err)
	}
	return kp, nil
}

// NeedsRenewal reports whether the active certificate expires within horizon of now.
func (s *Store) NeedsRenewal(ctx context.Context, now time.Time, horizon time.Duration) (bool, error) {
	id, err := s.Identity(ctx)
	if err != nil {
		return false, err
	}
	return keys.RenewalPolicy{Horizon: horizon}.NeedsRenewal(now, id.Info.NotAfter), nil
}

// ResetIdentity removes the device certificate and keys, returning the node to
// ModeNeedsDeviceCertificate.
func (s *Store) ResetIdentity(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{storage.DeviceCertificate, storage.DeviceKey, storage.PendingKey} {
		if err := s.docs.Delete(ctx, name); err != nil {
			return fmt.Errorf("trust: reset %s: %w", name, err)
		}
	}
	s.identity = nil
	s.log.Warn("device identity reset")
	return nil
}
