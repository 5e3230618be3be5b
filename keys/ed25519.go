// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package keys holds the device identity key material: Ed25519 key pairs
// persisted as raw private-key bytes, plus the renewal policy that decides
// when a fresh pair must be generated.
package keys

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/aumos-ai/device-trust-core/types"
)

// KeyPair is an Ed25519 identity key pair.
type KeyPair struct {
	Algorithm  types.KeyAlgorithm
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 key pair from r, or from crypto/rand when r is nil.
func Generate(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("keys: generate Ed25519 key: %w", err)
	}
	return &KeyPair{
		Algorithm:  types.KeyAlgorithmEd25519,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// FromRaw rebuilds a key pair from persisted bytes: a 32-byte seed or a
// 64-byte expanded private key.
func FromRaw(raw []byte) (*KeyPair, error) {
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !bytes.Equal(priv, raw) {
			return nil, fmt.Errorf("keys: inconsistent Ed25519 private key")
		}
	default:
		return nil, fmt.Errorf("keys: invalid Ed25519 private key length %d", len(raw))
	}
	return &KeyPair{
		Algorithm:  types.KeyAlgorithmEd25519,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// Raw returns the bytes persisted for this key pair (the 32-byte seed).
func (kp *KeyPair) Raw() []byte {
	return append([]byte(nil), kp.PrivateKey.Seed()...)
}

// Sign produces an Ed25519 signature over message.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

// Signer exposes the key pair as a crypto.Signer for x509 requests.
func (kp *KeyPair) Signer() crypto.Signer {
	return kp.PrivateKey
}

// Matches reports whether pub is this pair's public key.
func (kp *KeyPair) Matches(pub crypto.PublicKey) bool {
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return false
	}
	return kp.PublicKey.Equal(edPub)
}

// Verify returns nil if the Ed25519 signature over message is valid for publicKey.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("keys: invalid Ed25519 public key length %d", len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("keys: invalid Ed25519 signature length %d", len(signature))
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return fmt.Errorf("keys: Ed25519 signature verification failed")
	}
	return nil
}
