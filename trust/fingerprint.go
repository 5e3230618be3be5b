// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package trust

import (
	"crypto/x509"
	"encoding/binary"
	"fmt"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake2"

	"github.com/aumos-ai/device-trust-core/canonical"
)

// FingerprintCode is the multihash function used for certificate fingerprints (blake2s-256).
const FingerprintCode = multihash.BLAKE2S_MAX

// IDMGVersion is the leading version byte of a root-of-trust identifier.
const IDMGVersion byte = 2

// Fingerprint returns the multibase base58btc multihash of the certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", fmt.Errorf("trust: fingerprint of nil certificate")
	}
	return canonical.Digest(cert.Raw, FingerprintCode, multibase.Base58BTC)
}

// IDMG derives the root-of-trust identifier for a root certificate.
//
// Layout: version byte, uint32 big-endian expiration (ceil of NotAfter unix
// seconds / 1000), then the blake2s-256 multihash of the DER. The result is
// multibase base58btc encoded.
func IDMG(root *x509.Certificate) (string, error) {
	if root == nil {
		return "", fmt.Errorf("trust: IDMG of nil certificate")
	}
	mh, err := multihash.Sum(root.Raw, FingerprintCode, -1)
	if err != nil {
		return "", fmt.Errorf("trust: multihash: %w", err)
	}

	secs := root.NotAfter.Unix()
	if secs < 0 {
		secs = 0
	}
	expiry := uint32((secs + 999) / 1000)

	buf := make([]byte, 0, 5+len(mh))
	buf = append(buf, IDMGVersion)
	buf = binary.BigEndian.AppendUint32(buf, expiry)
	buf = append(buf, mh...)

	out, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		return "", fmt.Errorf("trust: multibase encode: %w", err)
	}
	return out, nil
}
