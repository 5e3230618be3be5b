// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package keys

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerate_RawRoundTrip(t *testing.T) {
	kp, err := Generate(nil)
	require.NoError(t, err)

	restored, err := FromRaw(kp.Raw())
	require.NoError(t, err)
	require.True(t, restored.Matches(kp.PublicKey))

	expanded, err := FromRaw(kp.PrivateKey)
	require.NoError(t, err)
	require.True(t, expanded.Matches(kp.PublicKey))
}

func TestGenerate_KeysAreIndependent(t *testing.T) {
	a, err := Generate(nil)
	require.NoError(t, err)
	b, err := Generate(nil)
	require.NoError(t, err)
	require.False(t, a.Matches(b.PublicKey))
}

func TestFromRaw_RejectsBadLength(t *testing.T) {
	_, err := FromRaw(make([]byte, 17))
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	kp, err := Generate(nil)
	require.NoError(t, err)

	msg := []byte("etat appareil")
	sig := kp.Sign(msg)
	require.NoError(t, Verify(kp.PublicKey, msg, sig))

	sig[0] ^= 0x01
	require.Error(t, Verify(kp.PublicKey, msg, sig))
	require.Error(t, Verify(kp.PublicKey, msg, sig[:10]))
	require.Error(t, Verify(ed25519.PublicKey{1, 2}, msg, kp.Sign(msg)))
}

func TestRenewalPolicy(t *testing.T) {
	p := RenewalPolicy{Horizon: 48 * time.Hour}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.False(t, p.NeedsRenewal(now, now.Add(72*time.Hour)))
	require.True(t, p.NeedsRenewal(now, now.Add(47*time.Hour)))
	require.True(t, p.NeedsRenewal(now, now.Add(-time.Hour)))
}
