// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package metrics holds the prometheus collectors for session and trust events.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aumos-ai/device-trust-core/types"
)

// Session groups the collectors updated by the session state machine.
// A nil *Session is valid and records nothing.
type Session struct {
	TransportErrors     *prometheus.CounterVec
	Escalations         *prometheus.CounterVec
	StagesCompleted     *prometheus.CounterVec
	FramesSent          prometheus.Counter
	FramesReceived      prometheus.Counter
	DecryptFailures     prometheus.Counter
	VerifyFailures      prometheus.Counter
	ChannelsEstablished prometheus.Counter
	Connected           prometheus.Gauge
}

// New builds the collectors and registers them on reg (the default
// registerer when nil). Collectors already registered are reused.
func New(reg prometheus.Registerer) (*Session, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Session{
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_transport_errors_total",
			Help: "Transport failures by class",
		}, []string{"class"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_escalations_total",
			Help: "Recovery escalations by kind",
		}, []string{"kind"}),
		StagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_refresh_stages_completed_total",
			Help: "Configuration refresh stages completed",
		}, []string{"stage"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_frames_sent_total",
			Help: "Frames sent to the relay",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_frames_received_total",
			Help: "Frames received from the relay",
		}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_channel_decrypt_failures_total",
			Help: "Secure channel frames that failed authentication",
		}),
		VerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_envelope_verify_failures_total",
			Help: "Inbound envelopes rejected by verification",
		}),
		ChannelsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_channels_established_total",
			Help: "Secure channel negotiations completed",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "device_relay_connected",
			Help: "1 while a relay session is open",
		}),
	}

	var err error
	if s.TransportErrors, err = register(reg, s.TransportErrors); err != nil {
		return nil, err
	}
	if s.Escalations, err = register(reg, s.Escalations); err != nil {
		return nil, err
	}
	if s.StagesCompleted, err = register(reg, s.StagesCompleted); err != nil {
		return nil, err
	}
	if s.FramesSent, err = register(reg, s.FramesSent); err != nil {
		return nil, err
	}
	if s.FramesReceived, err = register(reg, s.FramesReceived); err != nil {
		return nil, err
	}
	if s.DecryptFailures, err = register(reg, s.DecryptFailures); err != nil {
		return nil, err
	}
	if s.VerifyFailures, err = register(reg, s.VerifyFailures); err != nil {
		return nil, err
	}
	if s.ChannelsEstablished, err = register(reg, s.ChannelsEstablished); err != nil {
		return nil, err
	}
	if s.Connected, err = register(reg, s.Connected); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg, returning the existing collector when an
// identical one was registered before.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// TransportError counts a classified transport failure.
func (s *Session) TransportError(class types.TransportErrorClass) {
	if s == nil {
		return
	}
	s.TransportErrors.WithLabelValues(string(class)).Inc()
}

// Escalation counts a recovery escalation.
func (s *Session) Escalation(e types.Escalation) {
	if s == nil {
		return
	}
	s.Escalations.WithLabelValues(string(e)).Inc()
}

// StageCompleted counts a completed refresh stage.
func (s *Session) StageCompleted(stage string) {
	if s == nil {
		return
	}
	s.StagesCompleted.WithLabelValues(stage).Inc()
}

// FrameSent counts an outbound frame.
func (s *Session) FrameSent() {
	if s != nil {
		s.FramesSent.Inc()
	}
}

// FrameReceived counts an inbound frame.
func (s *Session) FrameReceived() {
	if s != nil {
		s.FramesReceived.Inc()
	}
}

// DecryptFailure counts a rejected secure channel frame.
func (s *Session) DecryptFailure() {
	if s != nil {
		s.DecryptFailures.Inc()
	}
}

// VerifyFailure counts a rejected envelope.
func (s *Session) VerifyFailure() {
	if s != nil {
		s.VerifyFailures.Inc()
	}
}

// ChannelEstablished counts a completed secure channel negotiation.
func (s *Session) ChannelEstablished() {
	if s != nil {
		s.ChannelsEstablished.Inc()
	}
}

// SetConnected records whether a relay session is open.
func (s *Session) SetConnected(up bool) {
	if s == nil {
		return
	}
	if up {
		s.Connected.Set(1)
	} else {
		s.Connected.Set(0)
	}
}
