// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package envelope builds and checks signed message envelopes.
//
// On the wire an envelope is one flat JSON object: the body fields, the
// header under "en-tete", and private fields (keys starting with "_") such as
// the detached "_signature" and the optional "_certificat" chain. Private
// fields are never covered by the signature.
package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aumos-ai/device-trust-core/canonical"
	"github.com/aumos-ai/device-trust-core/types"
)

// HeaderKey is the wire key of the envelope header.
const HeaderKey = "en-tete"

// Private field names.
const (
	SignatureKey   = "_signature"
	CertificateKey = "_certificat"
)

// Version is the envelope format version written by Seal.
const Version = 1

// Header is the signed envelope header.
type Header struct {
	Action    string `json:"action,omitempty"`
	Domaine   string `json:"domaine,omitempty"`
	Partition string `json:"partition,omitempty"`
	// Estampille is the creation time in unix seconds.
	Estampille int64 `json:"estampille"`
	// Exactly one of FingerprintCertificat and ClePublique identifies the signer.
	FingerprintCertificat string `json:"fingerprint_certificat,omitempty"`
	ClePublique           string `json:"cle_publique,omitempty"`
	HachageContenu        string `json:"hachage_contenu"`
	IDMG                  string `json:"idmg,omitempty"`
	UUIDTransaction       string `json:"uuid_transaction"`
	Version               int    `json:"version"`
}

// Envelope is a message body with its header, signature and optional chain.
type Envelope struct {
	Header *Header
	// Body holds the non-private payload fields.
	Body map[string]any
	// Signature is the multibase-encoded Ed25519 signature.
	Signature string
	// Certificate is the signer chain, one PEM per certificate, leaf first.
	Certificate []string
	// Private holds any other "_" fields riding alongside.
	Private map[string]any

	// rawHeader is the header exactly as decoded, used for verification so
	// unknown header fields stay covered by the signature.
	rawHeader map[string]any
}

// IsPrivate reports whether key names a field excluded from signing.
func IsPrivate(key string) bool {
	return strings.HasPrefix(key, "_")
}

// SignedForm returns the canonical bytes covered by the signature.
func (e *Envelope) SignedForm() ([]byte, error) {
	if e.Header == nil {
		return nil, fmt.Errorf("envelope: missing header")
	}
	header, err := e.headerMap()
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, len(e.Body)+1)
	for k, v := range e.Body {
		if IsPrivate(k) {
			continue
		}
		m[k] = v
	}
	m[HeaderKey] = header
	return canonical.Marshal(m)
}

func (e *Envelope) headerMap() (map[string]any, error) {
	if e.rawHeader != nil {
		return e.rawHeader, nil
	}
	raw, err := json.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode header: %w", err)
	}
	return canonical.DecodeObject(raw)
}

// MarshalJSON writes the flat canonical wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	header, err := e.headerMap()
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, len(e.Body)+len(e.Private)+3)
	for k, v := range e.Body {
		m[k] = v
	}
	for k, v := range e.Private {
		m[k] = v
	}
	m[HeaderKey] = header
	if e.Signature != "" {
		m[SignatureKey] = e.Signature
	}
	if len(e.Certificate) > 0 {
		m[CertificateKey] = e.Certificate
	}
	return canonical.Marshal(m)
}

// UnmarshalJSON parses the flat wire form. Malformed input yields
// *types.ErrVerificationFailed.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	m, err := canonical.DecodeObject(data)
	if err != nil {
		return &types.ErrVerificationFailed{Reason: fmt.Sprintf("malformed envelope: %v", err)}
	}

	rawHeader, ok := m[HeaderKey].(map[string]any)
	if !ok {
		return &types.ErrVerificationFailed{Reason: "missing header"}
	}
	headerBytes, err := canonical.Marshal(rawHeader)
	if err != nil {
		return &types.ErrVerificationFailed{Reason: fmt.Sprintf("malformed header: %v", err)}
	}
	var h Header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return &types.ErrVerificationFailed{Reason: fmt.Sprintf("malformed header: %v", err)}
	}

	out := Envelope{Header: &h, Body: map[string]any{}, rawHeader: rawHeader}
	for k, v := range m {
		switch {
		case k == HeaderKey:
		case k == SignatureKey:
			s, ok := v.(string)
			if !ok {
				return &types.ErrVerificationFailed{Reason: "signature is not a string"}
			}
			out.Signature = s
		case k == CertificateKey:
			list, ok := v.([]any)
			if !ok {
				return &types.ErrVerificationFailed{Reason: "certificate chain is not a list"}
			}
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return &types.ErrVerificationFailed{Reason: "certificate chain entry is not a string"}
				}
				out.Certificate = append(out.Certificate, s)
			}
		case IsPrivate(k):
			if out.Private == nil {
				out.Private = map[string]any{}
			}
			out.Private[k] = v
		default:
			out.Body[k] = v
		}
	}
	*e = out
	return nil
}

// Decode parses wire bytes into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &e, nil
}

// Fields lists body keys in sorted order.
func (e *Envelope) Fields() []string {
	out := make([]string, 0, len(e.Body))
	for k := range e.Body {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
