// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package trusttest mints Ed25519 certificate authorities and device
// certificates for tests.
package trusttest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aumos-ai/device-trust-core/storage"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/types"
)

var serial atomic.Int64

// Authority is a self-signed root able to issue intermediates and leaves.
type Authority struct {
	Cert *x509.Certificate
	Key  ed25519.PrivateKey
}

// Claims are the capability extensions written into an issued certificate.
type Claims struct {
	Exchanges []string
	Roles     []string
	Domains   []string
}

// NewAuthority creates a root valid for validity from now.
func NewAuthority(name string, validity time.Duration) (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	now := time.Now().Truncate(time.Second)
	tmpl := caTemplate(name, now.Add(-time.Hour), now.Add(validity))
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("trusttest: create root: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{Cert: cert, Key: priv}, nil
}

// MustAuthority is NewAuthority that panics on error.
func MustAuthority(name string, validity time.Duration) *Authority {
	a, err := NewAuthority(name, validity)
	if err != nil {
		panic(err)
	}
	return a
}

// IDMG returns the authority's root-of-trust identifier.
func (a *Authority) IDMG() string {
	id, err := trust.IDMG(a.Cert)
	if err != nil {
		panic(err)
	}
	return id
}

// PEM returns the root certificate as PEM.
func (a *Authority) PEM() []byte {
	return trust.EncodePEM([]*x509.Certificate{a.Cert})
}

// Intermediate issues a CA certificate signed by a.
func (a *Authority) Intermediate(name string, validity time.Duration) (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	now := time.Now().Truncate(time.Second)
	tmpl := caTemplate(name, now.Add(-time.Hour), now.Add(validity))
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, pub, a.Key)
	if err != nil {
		return nil, fmt.Errorf("trusttest: create intermediate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{Cert: cert, Key: priv}, nil
}

// Issue signs a leaf certificate for pub valid between notBefore and notAfter.
func (a *Authority) Issue(pub ed25519.PublicKey, commonName string, notBefore, notAfter time.Time, claims Claims) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	for _, ext := range []struct {
		oid  asn1.ObjectIdentifier
		tags []string
	}{
		{trust.OIDExchanges, claims.Exchanges},
		{trust.OIDRoles, claims.Roles},
		{trust.OIDDomains, claims.Domains},
	} {
		if len(ext.tags) == 0 {
			continue
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{
			Id:    ext.oid,
			Value: []byte(strings.Join(ext.tags, ",")),
		})
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, pub, a.Key)
	if err != nil {
		return nil, fmt.Errorf("trusttest: create leaf: %w", err)
	}
	return x509.ParseCertificate(der)
}

// IssueFor signs a leaf for pub valid from an hour ago for validity.
func (a *Authority) IssueFor(pub ed25519.PublicKey, commonName string, validity time.Duration, claims Claims) (*x509.Certificate, error) {
	now := time.Now().Truncate(time.Second)
	return a.Issue(pub, commonName, now.Add(-time.Hour), now.Add(validity), claims)
}

func caTemplate(name string, notBefore, notAfter time.Time) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

// Provision drives store to ModeOperational: it writes an empty connection
// config, pins a, and installs a leaf issued by a for a fresh pending key.
func Provision(ctx context.Context, docs storage.Store, store *trust.Store, a *Authority, commonName string, claims Claims) (*trust.Identity, error) {
	if err := docs.Put(ctx, storage.ConnectionConfig, []byte("{}")); err != nil {
		return nil, err
	}
	if err := store.InstallRoot(ctx, a.PEM(), a.IDMG()); err != nil {
		return nil, err
	}
	kp, err := store.GenerateIdentityKey(ctx)
	if err != nil {
		return nil, err
	}
	leaf, err := a.IssueFor(kp.PublicKey, commonName, 30*24*time.Hour, claims)
	if err != nil {
		return nil, err
	}
	if _, err := store.InstallCertificate(ctx, []*x509.Certificate{leaf}, types.KeyRotationReasonEnrollment); err != nil {
		return nil, err
	}
	return store.Identity(ctx)
}
