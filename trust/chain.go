// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package trust

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/aumos-ai/device-trust-core/types"
)

// Capability extensions carried by device and peer certificates. Each value
// is a UTF-8, comma-separated list of tags.
var (
	OIDExchanges = asn1.ObjectIdentifier{1, 2, 3, 4, 0}
	OIDRoles     = asn1.ObjectIdentifier{1, 2, 3, 4, 1}
	OIDDomains   = asn1.ObjectIdentifier{1, 2, 3, 4, 2}
)

// ChainInfo is what a validated chain tells us about its leaf.
type ChainInfo struct {
	Fingerprint string
	PublicKey   ed25519.PublicKey
	CommonName  string
	NotBefore   time.Time
	NotAfter    time.Time
	Exchanges   []string
	Roles       []string
	Domains     []string
	// IDMG identifies the root the chain terminates at.
	IDMG string
	// Chain is the validated chain, leaf first, excluding the pinned root.
	Chain []*x509.Certificate
}

// HasRole reports whether the leaf carries role.
func (c *ChainInfo) HasRole(role string) bool { return contains(c.Roles, role) }

// HasExchange reports whether the leaf carries exchange level ex.
func (c *ChainInfo) HasExchange(ex string) bool { return contains(c.Exchanges, ex) }

// HasDomain reports whether the leaf carries domain d.
func (c *ChainInfo) HasDomain(d string) bool { return contains(c.Domains, d) }

// ParseChain parses a certificate chain from concatenated PEM blocks or, when
// no PEM block is present, from concatenated DER certificates.
func ParseChain(data []byte) ([]*x509.Certificate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: "empty certificate data"}
	}

	if !bytes.HasPrefix(data, []byte("-----BEGIN")) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: fmt.Sprintf("parse DER: %v", err)}
		}
		return certs, nil
	}

	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: fmt.Sprintf("expected CERTIFICATE PEM block, got %s", block.Type)}
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: fmt.Sprintf("parse certificate %d: %v", len(certs), err)}
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: "no PEM block found"}
	}
	return certs, nil
}

// ParsePEMList parses a chain given as one PEM string per certificate, the
// shape used by envelopes and enrollment responses.
func ParsePEMList(pems []string) ([]*x509.Certificate, error) {
	return ParseChain([]byte(strings.Join(pems, "\n")))
}

// EncodePEM encodes certificates as concatenated PEM blocks.
func EncodePEM(certs []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return buf.Bytes()
}

// PEMList encodes certificates as one PEM string each.
func PEMList(certs []*x509.Certificate) []string {
	out := make([]string, len(certs))
	for i, c := range certs {
		out[i] = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}))
	}
	return out
}

// ValidateChain checks chain (leaf first) link by link and requires it to
// terminate at root. A trailing self-signed certificate must be root itself.
// A zero at skips validity checks.
func ValidateChain(chain []*x509.Certificate, root *x509.Certificate, at time.Time) (*ChainInfo, error) {
	if root == nil {
		return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: "no pinned root certificate"}
	}
	if len(chain) == 0 {
		return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: "empty chain"}
	}

	links := chain
	last := chain[len(chain)-1]
	if isSelfSigned(last) {
		if !bytes.Equal(last.Raw, root.Raw) {
			return nil, &types.ErrTrust{Kind: types.TrustIdentityMismatch, Reason: "chain terminates at a root other than the pinned root"}
		}
		links = chain[:len(chain)-1]
		if len(links) == 0 {
			return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: "chain holds only the root"}
		}
	}

	for i, cert := range links {
		parent := root
		if i+1 < len(links) {
			parent = links[i+1]
		}
		if err := cert.CheckSignatureFrom(parent); err != nil {
			return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: fmt.Sprintf("link %d not signed by its issuer: %v", i, err)}
		}
	}

	if !at.IsZero() {
		for i, cert := range links {
			if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
				return nil, &types.ErrTrust{Kind: types.TrustExpired, Reason: fmt.Sprintf(
					"link %d valid %s to %s, checked at %s", i,
					cert.NotBefore.UTC().Format(time.RFC3339),
					cert.NotAfter.UTC().Format(time.RFC3339),
					at.UTC().Format(time.RFC3339))}
			}
		}
	}

	leaf := links[0]
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, &types.ErrTrust{Kind: types.TrustChainBroken, Reason: fmt.Sprintf("unsupported leaf key type %T", leaf.PublicKey)}
	}
	fp, err := Fingerprint(leaf)
	if err != nil {
		return nil, err
	}
	idmg, err := IDMG(root)
	if err != nil {
		return nil, err
	}

	return &ChainInfo{
		Fingerprint: fp,
		PublicKey:   pub,
		CommonName:  leaf.Subject.CommonName,
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		Exchanges:   extensionList(leaf, OIDExchanges),
		Roles:       extensionList(leaf, OIDRoles),
		Domains:     extensionList(leaf, OIDDomains),
		IDMG:        idmg,
		Chain:       append([]*x509.Certificate(nil), links...),
	}, nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawSubject, cert.RawIssuer) {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}

func extensionList(cert *x509.Certificate, oid asn1.ObjectIdentifier) []string {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oid) {
			continue
		}
		var out []string
		for _, part := range strings.Split(string(ext.Value), ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
