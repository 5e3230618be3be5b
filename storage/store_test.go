// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aumos-ai/device-trust-core/types"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, DeviceCertificate)
	require.True(t, types.IsNotFound(err), "missing document must be ErrDocumentNotFound, got %v", err)

	ok, err := s.Exists(ctx, DeviceCertificate)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, DeviceCertificate, []byte("pem")))
	ok, err = s.Exists(ctx, DeviceCertificate)
	require.NoError(t, err)
	require.True(t, ok)

	b, err := s.Get(ctx, DeviceCertificate)
	require.NoError(t, err)
	require.Equal(t, "pem", string(b))

	require.NoError(t, s.Put(ctx, DeviceCertificate, []byte("pem2")))
	b, err = s.Get(ctx, DeviceCertificate)
	require.NoError(t, err)
	require.Equal(t, "pem2", string(b))

	require.NoError(t, s.Delete(ctx, DeviceCertificate))
	require.NoError(t, s.Delete(ctx, DeviceCertificate))
	_, err = s.Get(ctx, DeviceCertificate)
	require.True(t, types.IsNotFound(err))

	type relays struct {
		Relais []string `json:"relais"`
	}
	require.NoError(t, PutJSON(ctx, s, RelayList, relays{Relais: []string{"wss://a", "wss://b"}}))
	var got relays
	require.NoError(t, GetJSON(ctx, s, RelayList, &got))
	require.Equal(t, []string{"wss://a", "wss://b"}, got.Relais)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	exerciseStore(t, s)

	require.NoError(t, s.Put(context.Background(), PendingKey, []byte{1, 2, 3}))
	info, err := os.Stat(filepath.Join(dir, "certs", "key.der.new"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_RejectsEscapingNames(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../outside", "/etc/passwd"} {
		require.Error(t, s.Put(context.Background(), name, []byte("x")), "name %q", name)
	}
}
