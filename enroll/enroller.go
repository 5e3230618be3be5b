// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package enroll

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/envelope"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/storage"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/types"
)

// ConnectionConfig is the persisted enrollment configuration. Its presence
// moves the node out of ModeNeedsEnrollmentConfig.
type ConnectionConfig struct {
	UserID string `json:"user_id,omitempty"`
	// FicheURL is the relay's public document.
	FicheURL string `json:"fiche_url,omitempty"`
	// EnrollURL receives enrollment and renewal requests.
	EnrollURL string   `json:"enroll_url,omitempty"`
	Relais    []string `json:"relais,omitempty"`
}

// LoadConnectionConfig reads the connection config document.
func LoadConnectionConfig(ctx context.Context, docs storage.Store) (*ConnectionConfig, error) {
	var cfg ConnectionConfig
	if err := storage.GetJSON(ctx, docs, storage.ConnectionConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConnectionConfig writes the connection config document.
func SaveConnectionConfig(ctx context.Context, docs storage.Store, cfg *ConnectionConfig) error {
	return storage.PutJSON(ctx, docs, storage.ConnectionConfig, cfg)
}

// ChallengeSink shows a confirmation challenge on the device.
type ChallengeSink interface {
	Challenge(ctx context.Context, codes []int) error
}

// ChallengeFunc adapts a function to ChallengeSink.
type ChallengeFunc func(ctx context.Context, codes []int) error

func (f ChallengeFunc) Challenge(ctx context.Context, codes []int) error { return f(ctx, codes) }

// Enroller drives enrollment against a trust store.
type Enroller struct {
	client     *Client
	trust      *trust.Store
	sink       ChallengeSink
	deviceID   string
	deviceName string
	log        *zap.Logger
}

// EnrollerOptions configures an Enroller.
type EnrollerOptions struct {
	DeviceID   string
	DeviceName string
	// Challenges is optional.
	Challenges ChallengeSink
	Logger     *zap.Logger
}

// NewEnroller returns an Enroller.
func NewEnroller(client *Client, store *trust.Store, opts EnrollerOptions) *Enroller {
	if opts.DeviceName == "" {
		opts.DeviceName = opts.DeviceID
	}
	return &Enroller{
		client:     client,
		trust:      store,
		sink:       opts.Challenges,
		deviceID:   opts.DeviceID,
		deviceName: opts.DeviceName,
		log:        logger.Or(opts.Logger, "enroll"),
	}
}

// ErrIDMGRequired is returned when a root install is attempted without a
// configured IDMG to pin.
var ErrIDMGRequired = errors.New("enroll: expected idmg is required to install a root")

// InstallRootFromFiche fetches the fiche at url and pins its root. The fiche
// must carry expectedIDMG.
func (e *Enroller) InstallRootFromFiche(ctx context.Context, url, expectedIDMG string) (*Fiche, error) {
	if expectedIDMG == "" {
		return nil, ErrIDMGRequired
	}
	f, err := e.client.FetchFiche(ctx, url)
	if err != nil {
		return nil, err
	}
	if f.IDMG != expectedIDMG {
		return nil, &types.ErrTrust{Kind: types.TrustIdentityMismatch, Reason: fmt.Sprintf("fiche idmg %s, expected %s", f.IDMG, expectedIDMG)}
	}
	if err := e.trust.InstallRoot(ctx, []byte(f.CA), expectedIDMG); err != nil {
		return nil, err
	}
	return f, nil
}

// Enroll requests a first certificate for the pending key, generating the
// key when needed. A 202 answer returns *types.ErrEnrollmentPending and keeps
// the pending key for the next attempt.
func (e *Enroller) Enroll(ctx context.Context, url, userID string) error {
	kp, err := e.trust.EnsurePendingKey(ctx)
	if err != nil {
		return err
	}
	csr, err := e.trust.IssueCSR(ctx, e.deviceName)
	if err != nil {
		return err
	}
	resp, err := e.client.Enroll(ctx, url, Request{UUIDAppareil: e.deviceID, UserID: userID, CSR: string(csr)}, envelope.KeySigner(kp))
	if err != nil {
		return err
	}
	return e.Accept(ctx, resp, types.KeyRotationReasonEnrollment)
}

// Renew requests a replacement certificate for a fresh pending key, signed
// by the current identity.
func (e *Enroller) Renew(ctx context.Context, url, userID string) error {
	id, err := e.trust.Identity(ctx)
	if err != nil {
		return err
	}
	if _, err := e.trust.EnsurePendingKey(ctx); err != nil {
		return err
	}
	csr, err := e.trust.IssueCSR(ctx, e.deviceName)
	if err != nil {
		return err
	}
	resp, err := e.client.Renew(ctx, url, Request{UUIDAppareil: e.deviceID, UserID: userID, CSR: string(csr)}, envelope.IdentitySigner(id))
	if err != nil {
		return err
	}
	return e.Accept(ctx, resp, types.KeyRotationReasonRenewal)
}

// Accept installs a granted chain and forwards any challenge.
func (e *Enroller) Accept(ctx context.Context, resp *Response, reason types.KeyRotationReason) error {
	chain, err := trust.ParsePEMList(resp.Certificat)
	if err != nil {
		return err
	}
	rec, err := e.trust.InstallCertificate(ctx, chain, reason)
	if err != nil {
		return err
	}
	e.log.Info("certificate granted", logger.Fingerprint(rec.NewFingerprint), zap.String("reason", string(reason)))

	if len(resp.Challenge) > 0 && e.sink != nil {
		if err := e.sink.Challenge(ctx, resp.Challenge); err != nil {
			e.log.Warn("challenge display failed", zap.Error(err))
		}
	}
	return nil
}

// IsPending reports whether err is a non-terminal 202 answer.
func IsPending(err error) bool {
	var p *types.ErrEnrollmentPending
	return errors.As(err, &p)
}
