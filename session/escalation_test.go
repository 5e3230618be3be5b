// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aumos-ai/device-trust-core/session"
	"github.com/aumos-ai/device-trust-core/types"
)

func TestCounters_OutOfMemory(t *testing.T) {
	c := session.NewCounters(session.Thresholds{})
	for i := 1; i < 10; i++ {
		esc, n := c.Record(types.ClassOutOfMemory)
		require.Equal(t, types.EscalationReconnect, esc)
		require.Equal(t, i, n)
	}
	esc, n := c.Record(types.ClassOutOfMemory)
	require.Equal(t, types.EscalationReboot, esc)
	require.Equal(t, 10, n)
}

func TestCounters_ConnectionReset(t *testing.T) {
	c := session.NewCounters(session.DefaultThresholds())
	var rotations []int
	for i := 1; i <= 30; i++ {
		esc, n := c.Record(types.ClassConnectionReset)
		switch esc {
		case types.EscalationRotateRelay:
			rotations = append(rotations, n)
		case types.EscalationReboot:
			require.Equal(t, 30, i)
		default:
			require.Equal(t, types.EscalationReconnect, esc)
		}
	}
	require.Equal(t, []int{3, 6, 9, 12, 15, 18, 21, 24, 27}, rotations)
}

func TestCounters_UnsupportedFrameRotatesAndResets(t *testing.T) {
	c := session.NewCounters(session.DefaultThresholds())
	esc, _ := c.Record(types.ClassUnsupportedFrame)
	require.Equal(t, types.EscalationRotateRelay, esc)
	require.Zero(t, c.Snapshot().UnsupportedFrame)

	c = session.NewCounters(session.Thresholds{UnsupportedRotate: 2})
	esc, _ = c.Record(types.ClassUnsupportedFrame)
	require.Equal(t, types.EscalationReconnect, esc)
	esc, n := c.Record(types.ClassUnsupportedFrame)
	require.Equal(t, types.EscalationRotateRelay, esc)
	require.Equal(t, 2, n)
}

func TestCounters_SuccessClearsAll(t *testing.T) {
	c := session.NewCounters(session.DefaultThresholds())
	c.Record(types.ClassOutOfMemory)
	c.Record(types.ClassConnectionReset)
	c.Record(types.ClassConnectionReset)
	require.Equal(t, session.CounterSnapshot{ConnectionReset: 2, OutOfMemory: 1}, c.Snapshot())

	c.Success()
	require.Equal(t, session.CounterSnapshot{}, c.Snapshot())

	esc, _ := c.Record(types.ClassOther)
	require.Equal(t, types.EscalationReconnect, esc)
	require.Equal(t, session.CounterSnapshot{Other: 1}, c.Snapshot())
	c.Success()
	require.Equal(t, session.CounterSnapshot{}, c.Snapshot())
}

func TestCounters_OtherBacksOff(t *testing.T) {
	c := session.NewCounters(session.DefaultThresholds())
	b := session.DefaultBackoff()
	var delays []time.Duration
	for i := 1; i <= 3; i++ {
		esc, n := c.Record(types.ClassOther)
		require.Equal(t, types.EscalationReconnect, esc, "unclassified failures never escalate")
		require.Equal(t, i, n)
		delays = append(delays, b.Delay(types.ClassOther, n))
	}
	require.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, delays)
}

func TestBackoff_Delay(t *testing.T) {
	b := session.DefaultBackoff()
	require.Equal(t, 5*time.Second, b.Delay(types.ClassConnectionReset, 1))
	require.Equal(t, 10*time.Second, b.Delay(types.ClassConnectionReset, 2))
	require.Equal(t, 2*time.Second, b.Delay(types.ClassOutOfMemory, 0))
	require.Equal(t, 4*time.Second, b.Delay(types.ClassUnsupportedFrame, 3))
	require.Equal(t, 5*time.Minute, b.Delay(types.ClassOther, 20))

	b.Max = 0
	require.Equal(t, 64*time.Second, b.Delay(types.ClassUnsupportedFrame, 50))
}

func TestRelaySet(t *testing.T) {
	r := session.NewRelaySet([]string{" wss://a ", "", "wss://b", "wss://a", "wss://c"})
	require.Equal(t, []string{"wss://a", "wss://b", "wss://c"}, r.URLs())
	require.Equal(t, "wss://a", r.Current())

	next, exhausted := r.Rotate()
	require.Equal(t, "wss://b", next)
	require.False(t, exhausted)
	r.Reset()
	r.Rotate()
	next, exhausted = r.Rotate()
	require.Equal(t, "wss://a", next)
	require.False(t, exhausted)
	_, exhausted = r.Rotate()
	require.True(t, exhausted)
	require.Equal(t, "wss://b", r.Current())

	r.Replace([]string{"wss://d", "wss://b"})
	require.Equal(t, "wss://b", r.Current())
	_, exhausted = r.Rotate()
	require.False(t, exhausted)

	r.Replace([]string{"wss://e"})
	require.Equal(t, "wss://e", r.Current())
	require.Equal(t, 1, r.Len())

	empty := session.NewRelaySet(nil)
	require.Empty(t, empty.Current())
	_, exhausted = empty.Rotate()
	require.True(t, exhausted)
}
