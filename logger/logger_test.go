// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	require.Equal(t, zapcore.WarnLevel, parseLevel(" warning "))
	require.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	require.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestFrom_FallsBackToSingleton(t *testing.T) {
	require.NotNil(t, From(context.Background()))

	scoped := zap.NewNop().Named("scoped")
	ctx := ToContext(context.Background(), scoped)
	require.Same(t, scoped, From(ctx))
}

func TestOr(t *testing.T) {
	nop := zap.NewNop()
	require.Same(t, nop, Or(nop, "x"))
	require.NotNil(t, Or(nil, "x"))
}
