// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package envelope

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multibase"

	"github.com/aumos-ai/device-trust-core/canonical"
	"github.com/aumos-ai/device-trust-core/keys"
	"github.com/aumos-ai/device-trust-core/trust"
)

// Fields are the caller-chosen header fields.
type Fields struct {
	Action    string
	Domaine   string
	Partition string
}

// Signer is the key used to seal an envelope and, when known, its chain.
// Without a chain the header carries the bare public key.
type Signer struct {
	Key   *keys.KeyPair
	Chain []*x509.Certificate
	IDMG  string
}

// IdentitySigner signs as the device identity.
func IdentitySigner(id *trust.Identity) Signer {
	return Signer{Key: id.Key, Chain: id.Info.Chain, IDMG: id.Info.IDMG}
}

// KeySigner signs with a bare key; used before a certificate exists.
func KeySigner(kp *keys.KeyPair) Signer {
	return Signer{Key: kp}
}

// Seal builds a signed envelope around body, which must encode as a JSON
// object. Private ("_") body fields ride alongside unsigned.
func Seal(body any, fields Fields, signer Signer, attachChain bool) (*Envelope, error) {
	return SealAt(body, fields, signer, attachChain, time.Now())
}

// SealAt is Seal with an explicit timestamp.
func SealAt(body any, fields Fields, signer Signer, attachChain bool, at time.Time) (*Envelope, error) {
	if signer.Key == nil {
		return nil, fmt.Errorf("envelope: seal: no signing key")
	}
	c, err := canonical.Canonicalize(body)
	if err != nil {
		return nil, fmt.Errorf("envelope: seal: %w", err)
	}
	if c == nil {
		c = map[string]any{}
	}
	obj, ok := c.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("envelope: seal: body must be an object, got %T", c)
	}
	if _, ok := obj[HeaderKey]; ok {
		return nil, fmt.Errorf("envelope: seal: body must not contain %q", HeaderKey)
	}

	env := &Envelope{Body: make(map[string]any, len(obj))}
	for k, v := range obj {
		if IsPrivate(k) {
			if env.Private == nil {
				env.Private = map[string]any{}
			}
			env.Private[k] = v
			continue
		}
		env.Body[k] = v
	}

	hash, err := canonical.ContentHash(env.Body)
	if err != nil {
		return nil, fmt.Errorf("envelope: content hash: %w", err)
	}

	h := &Header{
		Action:          fields.Action,
		Domaine:         fields.Domaine,
		Partition:       fields.Partition,
		Estampille:      at.Unix(),
		HachageContenu:  hash,
		IDMG:            signer.IDMG,
		UUIDTransaction: uuid.NewString(),
		Version:         Version,
	}
	if len(signer.Chain) > 0 {
		if !signer.Key.Matches(signer.Chain[0].PublicKey) {
			return nil, fmt.Errorf("envelope: seal: key does not match the leaf certificate")
		}
		fp, err := trust.Fingerprint(signer.Chain[0])
		if err != nil {
			return nil, err
		}
		h.FingerprintCertificat = fp
	} else {
		pub, err := multibase.Encode(multibase.Base64, signer.Key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("envelope: encode public key: %w", err)
		}
		h.ClePublique = pub
	}
	env.Header = h

	signed, err := env.SignedForm()
	if err != nil {
		return nil, err
	}
	sig, err := multibase.Encode(multibase.Base64, signer.Key.Sign(signed))
	if err != nil {
		return nil, fmt.Errorf("envelope: encode signature: %w", err)
	}
	env.Signature = sig

	if attachChain && len(signer.Chain) > 0 {
		env.Certificate = trust.PEMList(signer.Chain)
	}
	return env, nil
}
