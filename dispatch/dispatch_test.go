// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/types"
)

func TestParseAction_RoundTrip(t *testing.T) {
	for a, s := range wireNames {
		got, err := ParseAction(s)
		require.NoError(t, err)
		require.Equal(t, a, got)
		require.Equal(t, s, a.String())
	}
}

func TestParseAction_Unknown(t *testing.T) {
	a, err := ParseAction("formatDisk")
	require.Equal(t, ActionUnknown, a)
	var ua *types.ErrUnknownAction
	require.True(t, errors.As(err, &ua))
	require.Equal(t, "formatDisk", ua.Action)
}

func TestInbound(t *testing.T) {
	require.True(t, ActionDeviceCommand.Inbound())
	require.True(t, ActionResetSecret.Inbound())
	require.False(t, ActionDeviceState.Inbound())
	require.False(t, ActionEnroll.Inbound())
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(zap.NewNop())

	var got []Action
	r.Handle(ActionDeviceCommand, HandlerFunc(func(_ context.Context, cmd Command) error {
		got = append(got, cmd.Action)
		return nil
	}))
	require.NoError(t, r.Dispatch(ctx, Command{Action: ActionDeviceCommand}))
	require.NoError(t, r.Dispatch(ctx, Command{Action: ActionDisplaysUpdated}), "unrouted actions are dropped")
	require.Equal(t, []Action{ActionDeviceCommand}, got)

	boom := errors.New("boom")
	r.Fallback(HandlerFunc(func(context.Context, Command) error { return boom }))
	err := r.Dispatch(ctx, Command{Action: ActionDisplaysUpdated})
	require.ErrorIs(t, err, boom)
}
