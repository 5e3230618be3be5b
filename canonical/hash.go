// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package canonical

import (
	"bytes"
	"fmt"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake2"
)

// ContentHashCode is the multihash function used for message content hashes (blake2b-512).
const ContentHashCode = multihash.BLAKE2B_MAX

// ContentHashEncoding is the multibase encoding of content hashes.
const ContentHashEncoding = multibase.Base64

// ContentHash returns the self-describing digest of the canonical serialization of v.
func ContentHash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Digest(b, ContentHashCode, ContentHashEncoding)
}

// Digest hashes data with the multihash function code and text-encodes the
// multihash with the given multibase encoding.
func Digest(data []byte, code uint64, enc multibase.Encoding) (string, error) {
	mh, err := multihash.Sum(data, code, -1)
	if err != nil {
		return "", fmt.Errorf("canonical: multihash: %w", err)
	}
	out, err := multibase.Encode(enc, mh)
	if err != nil {
		return "", fmt.Errorf("canonical: multibase encode: %w", err)
	}
	return out, nil
}

// VerifyDigest recomputes the digest of data using the function recorded in
// digest itself and reports whether they match.
func VerifyDigest(data []byte, digest string) (bool, error) {
	_, raw, err := multibase.Decode(digest)
	if err != nil {
		return false, fmt.Errorf("canonical: multibase decode: %w", err)
	}
	decoded, err := multihash.Decode(raw)
	if err != nil {
		return false, fmt.Errorf("canonical: multihash decode: %w", err)
	}
	sum, err := multihash.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return false, fmt.Errorf("canonical: multihash: %w", err)
	}
	return bytes.Equal(sum, raw), nil
}
