// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/channel"
	"github.com/aumos-ai/device-trust-core/dispatch"
	"github.com/aumos-ai/device-trust-core/enroll"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/storage"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/types"
)

// Stage is one step of the configuration refresh.
type Stage int

const (
	StageSecureChannel Stage = iota
	StageDisplayConfig
	StageTimeInfo
	StageProgramConfig
	StageCertificateRenewal
	StageRelayList

	// StageComplete is the cursor value once every stage succeeded.
	StageComplete
)

var stageNames = [...]string{
	StageSecureChannel:      "secure_channel",
	StageDisplayConfig:      "display_config",
	StageTimeInfo:           "time_info",
	StageProgramConfig:      "program_config",
	StageCertificateRenewal: "certificate_renewal",
	StageRelayList:          "relay_list",
	StageComplete:           "complete",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// ExchangeKeyField carries the X25519 public key in both directions of the
// secret exchange.
const ExchangeKeyField = "peer"

// configStages map a stage to its request action and the document its
// response is persisted to.
var configStages = map[Stage]struct {
	action dispatch.Action
	doc    string
}{
	StageDisplayConfig: {dispatch.ActionDisplayConfig, storage.DisplayConfig},
	StageTimeInfo:      {dispatch.ActionTimeInfo, storage.TimeInfo},
	StageProgramConfig: {dispatch.ActionProgramConfig, storage.ProgramConfig},
}

func (s *Session) runStage(ctx context.Context, st Stage) error {
	switch st {
	case StageSecureChannel:
		return s.stageSecureChannel(ctx)
	case StageDisplayConfig, StageTimeInfo, StageProgramConfig:
		return s.stageConfig(ctx, st)
	case StageCertificateRenewal:
		return s.stageRenewal(ctx)
	case StageRelayList:
		return s.stageRelayList(ctx)
	}
	return fmt.Errorf("session: unknown stage %d", int(st))
}

// stageSecureChannel offers an ephemeral key unless the current secret is
// still live, and completes the exchange with the relay's answer.
func (s *Session) stageSecureChannel(ctx context.Context) error {
	if !s.channel.NeedsRenewal(s.now()) {
		return nil
	}
	pub, err := s.channel.OfferKey()
	if err != nil {
		return err
	}
	enc, err := channel.EncodeKey(pub)
	if err != nil {
		return err
	}
	resp, err := s.request(ctx, dispatch.ActionExchangeSecret, map[string]any{
		"uuid_appareil":  s.deviceID,
		ExchangeKeyField: enc,
	}, true)
	if err != nil {
		return err
	}
	peerText, _ := resp.body[ExchangeKeyField].(string)
	if peerText == "" {
		return fmt.Errorf("session: %s response lacks %q", dispatch.ActionExchangeSecret, ExchangeKeyField)
	}
	peer, err := channel.DecodeKey(peerText)
	if err != nil {
		return err
	}
	if err := s.channel.CompleteExchange(peer, resp.sender); err != nil {
		return err
	}
	s.metrics.ChannelEstablished()
	return nil
}

func (s *Session) stageConfig(ctx context.Context, st Stage) error {
	cs := configStages[st]
	resp, err := s.request(ctx, cs.action, map[string]any{"uuid_appareil": s.deviceID}, false)
	if err != nil {
		return err
	}
	if err := storage.PutJSON(ctx, s.docs, cs.doc, resp.body); err != nil {
		return err
	}
	s.configs.SetDefault(cs.doc, resp.body)
	return nil
}

// stageRenewal requests a replacement certificate over the open connection
// when the active one is inside the renewal horizon.
func (s *Session) stageRenewal(ctx context.Context) error {
	need, err := s.trust.NeedsRenewal(ctx, s.now(), s.renewalHorizon)
	if err != nil || !need {
		return err
	}
	if _, err := s.trust.EnsurePendingKey(ctx); err != nil {
		return err
	}
	csr, err := s.trust.IssueCSR(ctx, s.deviceName)
	if err != nil {
		return err
	}
	req := map[string]any{"uuid_appareil": s.deviceID, "csr": string(csr)}
	resp, err := s.request(ctx, dispatch.ActionRenewCertificate, req, true)
	if err != nil {
		return err
	}

	var grant enroll.Response
	if err := decodeInto(resp.body, &grant); err != nil {
		return err
	}
	if len(grant.Certificat) == 0 {
		return &types.ErrEnrollmentPending{Status: 200}
	}
	chain, err := trust.ParsePEMList(grant.Certificat)
	if err != nil {
		return err
	}
	rec, err := s.trust.InstallCertificate(ctx, chain, types.KeyRotationReasonRenewal)
	if err != nil {
		return err
	}
	s.channel.SetFingerprint(rec.NewFingerprint)
	s.chainSent = false
	s.log.Info("certificate renewed over session", logger.Fingerprint(rec.NewFingerprint))
	return nil
}

func (s *Session) stageRelayList(ctx context.Context) error {
	resp, err := s.request(ctx, dispatch.ActionRelayList, map[string]any{"uuid_appareil": s.deviceID}, false)
	if err != nil {
		return err
	}
	var list struct {
		Relais []string `json:"relais"`
	}
	if err := decodeInto(resp.body, &list); err != nil {
		return err
	}
	if len(list.Relais) == 0 {
		s.log.Warn("relay list response is empty, keeping known relays")
		return nil
	}
	if err := storage.PutJSON(ctx, s.docs, storage.RelayList, list); err != nil {
		return err
	}
	s.relays.Replace(list.Relais)
	s.log.Debug("relay list refreshed", zap.Strings("relais", list.Relais))
	return nil
}
