// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/aumos-ai/device-trust-core/metrics"
	"github.com/aumos-ai/device-trust-core/types"
)

func gathered(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := metrics.New(reg)
	require.NoError(t, err)
	b, err := metrics.New(reg)
	require.NoError(t, err)

	a.FrameSent()
	b.FrameSent()
	a.TransportError(types.ClassConnectionReset)
	b.Escalation(types.EscalationRotateRelay)
	a.SetConnected(true)

	m := gathered(t, reg)
	require.Equal(t, 2.0, m["device_frames_sent_total"].GetMetric()[0].GetCounter().GetValue())
	require.Equal(t, 1.0, m["device_relay_connected"].GetMetric()[0].GetGauge().GetValue())

	errs := m["device_transport_errors_total"].GetMetric()
	require.Len(t, errs, 1)
	require.Equal(t, "class", errs[0].GetLabel()[0].GetName())
	require.Equal(t, string(types.ClassConnectionReset), errs[0].GetLabel()[0].GetValue())

	a.SetConnected(false)
	m = gathered(t, reg)
	require.Equal(t, 0.0, m["device_relay_connected"].GetMetric()[0].GetGauge().GetValue())
}

func TestNilSessionRecordsNothing(t *testing.T) {
	var s *metrics.Session
	require.NotPanics(t, func() {
		s.TransportError(types.ClassOther)
		s.Escalation(types.EscalationReboot)
		s.StageCompleted("relay_list")
		s.FrameSent()
		s.FrameReceived()
		s.DecryptFailure()
		s.VerifyFailure()
		s.ChannelEstablished()
		s.SetConnected(true)
	})
}
