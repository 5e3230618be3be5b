// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package envelope

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/multiformats/go-multibase"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/canonical"
	"github.com/aumos-ai/device-trust-core/keys"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/types"
)

// ChainValidator validates a chain against the pinned root. *trust.Store implements it.
type ChainValidator interface {
	ValidateChain(ctx context.Context, chain []*x509.Certificate, at time.Time) (*trust.ChainInfo, error)
}

// VerifierOptions configures a Verifier.
type VerifierOptions struct {
	// CertificateTTL is how long a verified chain stays usable for envelopes
	// that carry only its fingerprint. Default 30 minutes.
	CertificateTTL time.Duration
	// ReplayWindow is how long an accepted uuid_transaction is remembered.
	// Default 15 minutes.
	ReplayWindow time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

// Verifier opens envelopes. It is safe for concurrent use.
type Verifier struct {
	trust ChainValidator
	certs *cache.Cache
	seen  *cache.Cache
	now   func() time.Time
	log   *zap.Logger
}

// NewVerifier returns a Verifier anchored on v.
func NewVerifier(v ChainValidator, opts VerifierOptions) *Verifier {
	if opts.CertificateTTL <= 0 {
		opts.CertificateTTL = 30 * time.Minute
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Verifier{
		trust: v,
		certs: cache.New(opts.CertificateTTL, 2*opts.CertificateTTL),
		seen:  cache.New(opts.ReplayWindow, 2*opts.ReplayWindow),
		now:   opts.Now,
		log:   logger.Or(opts.Logger, "envelope"),
	}
}

// Remember caches a chain that was validated out of band, such as one
// received in an enrollment response.
func (v *Verifier) Remember(info *trust.ChainInfo) {
	v.certs.SetDefault(info.Fingerprint, info)
}

// Open verifies env and returns its body and the signer's chain info. Any
// failure returns *types.ErrVerificationFailed and nothing else.
func (v *Verifier) Open(ctx context.Context, env *Envelope) (map[string]any, *trust.ChainInfo, error) {
	if env == nil || env.Header == nil {
		return nil, nil, &types.ErrVerificationFailed{Reason: "missing header"}
	}
	h := env.Header
	if env.Signature == "" {
		return nil, nil, &types.ErrVerificationFailed{Reason: "missing signature"}
	}
	if h.UUIDTransaction == "" || h.HachageContenu == "" {
		return nil, nil, &types.ErrVerificationFailed{Reason: "incomplete header"}
	}

	info, err := v.signerInfo(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	if h.IDMG != "" && h.IDMG != info.IDMG {
		return nil, nil, &types.ErrVerificationFailed{Reason: "header idmg does not match the chain root"}
	}

	body := make(map[string]any, len(env.Body))
	for k, val := range env.Body {
		if !IsPrivate(k) {
			body[k] = val
		}
	}
	hashBytes, err := canonical.Marshal(body)
	if err != nil {
		return nil, nil, &types.ErrVerificationFailed{Reason: fmt.Sprintf("canonicalize body: %v", err)}
	}
	ok, err := canonical.VerifyDigest(hashBytes, h.HachageContenu)
	if err != nil || !ok {
		return nil, nil, &types.ErrVerificationFailed{Reason: "content hash mismatch"}
	}

	signed, err := env.SignedForm()
	if err != nil {
		return nil, nil, &types.ErrVerificationFailed{Reason: err.Error()}
	}
	_, sig, err := multibase.Decode(env.Signature)
	if err != nil {
		return nil, nil, &types.ErrVerificationFailed{Reason: fmt.Sprintf("malformed signature: %v", err)}
	}
	if err := keys.Verify(info.PublicKey, signed, sig); err != nil {
		return nil, nil, &types.ErrVerificationFailed{Reason: "bad signature", Err: err}
	}

	if err := v.seen.Add(h.UUIDTransaction, struct{}{}, cache.DefaultExpiration); err != nil {
		return nil, nil, &types.ErrVerificationFailed{Reason: "replayed transaction " + h.UUIDTransaction}
	}
	v.certs.SetDefault(info.Fingerprint, info)

	v.log.Debug("envelope verified",
		logger.Action(h.Action),
		logger.Fingerprint(info.Fingerprint),
		logger.TransactionID(h.UUIDTransaction))
	return body, info, nil
}

// OpenBytes decodes and opens a wire envelope.
func (v *Verifier) OpenBytes(ctx context.Context, data []byte) (*Envelope, map[string]any, *trust.ChainInfo, error) {
	env, err := Decode(data)
	if err != nil {
		return nil, nil, nil, err
	}
	body, info, err := v.Open(ctx, env)
	if err != nil {
		return nil, nil, nil, err
	}
	return env, body, info, nil
}

func (v *Verifier) signerInfo(ctx context.Context, env *Envelope) (*trust.ChainInfo, error) {
	h := env.Header
	now := v.now()

	if len(env.Certificate) > 0 {
		chain, err := trust.ParsePEMList(env.Certificate)
		if err != nil {
			return nil, &types.ErrVerificationFailed{Reason: "attached chain", Err: err}
		}
		info, err := v.trust.ValidateChain(ctx, chain, now)
		if err != nil {
			return nil, &types.ErrVerificationFailed{Reason: "attached chain", Err: err}
		}
		if h.FingerprintCertificat != info.Fingerprint {
			return nil, &types.ErrVerificationFailed{Reason: "header fingerprint does not match the attached chain"}
		}
		return info, nil
	}

	if h.FingerprintCertificat == "" {
		return nil, &types.ErrVerificationFailed{Reason: "signer has no certificate"}
	}
	cached, ok := v.certs.Get(h.FingerprintCertificat)
	if !ok {
		return nil, &types.ErrVerificationFailed{Reason: "unknown certificate " + h.FingerprintCertificat}
	}
	info := cached.(*trust.ChainInfo)
	if now.After(info.NotAfter) || now.Before(info.NotBefore) {
		v.certs.Delete(h.FingerprintCertificat)
		return nil, &types.ErrVerificationFailed{
			Reason: "cached certificate outside validity",
			Err:    &types.ErrTrust{Kind: types.TrustExpired, Reason: "certificate " + info.Fingerprint},
		}
	}
	return info, nil
}

// IsVerificationFailure reports whether err is an envelope verification failure.
func IsVerificationFailure(err error) bool {
	var vf *types.ErrVerificationFailed
	return errors.As(err, &vf)
}
