// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package channel

import (
	"encoding/json"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// Routage carries the routing action outside the ciphertext.
type Routage struct {
	Action string `json:"action"`
}

// Frame is an encrypted message. Binary fields are multibase base64.
type Frame struct {
	UUIDAppareil string   `json:"uuid_appareil"`
	Fingerprint  string   `json:"fingerprint,omitempty"`
	Nonce        string   `json:"nonce"`
	Tag          string   `json:"tag"`
	Ciphertext   string   `json:"ciphertext"`
	Routage      *Routage `json:"routage,omitempty"`
}

// Action returns the routing action, empty when absent.
func (f *Frame) Action() string {
	if f.Routage == nil {
		return ""
	}
	return f.Routage.Action
}

// IsFrame reports whether a decoded JSON object looks like an encrypted frame.
func IsFrame(obj map[string]any) bool {
	_, ok := obj["ciphertext"]
	return ok
}

// ParseFrame decodes a frame from wire bytes.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("channel: parse frame: %w", err)
	}
	if f.Ciphertext == "" || f.Nonce == "" || f.Tag == "" {
		return nil, fmt.Errorf("channel: parse frame: missing nonce, tag or ciphertext")
	}
	return &f, nil
}

func newFrame(deviceID, fingerprint, action string, nonce, tag, ciphertext []byte) (*Frame, error) {
	f := &Frame{UUIDAppareil: deviceID, Fingerprint: fingerprint}
	var err error
	if f.Nonce, err = multibase.Encode(multibase.Base64, nonce); err != nil {
		return nil, fmt.Errorf("channel: encode nonce: %w", err)
	}
	if f.Tag, err = multibase.Encode(multibase.Base64, tag); err != nil {
		return nil, fmt.Errorf("channel: encode tag: %w", err)
	}
	if f.Ciphertext, err = multibase.Encode(multibase.Base64, ciphertext); err != nil {
		return nil, fmt.Errorf("channel: encode ciphertext: %w", err)
	}
	if action != "" {
		f.Routage = &Routage{Action: action}
	}
	return f, nil
}

func (f *Frame) decode() (nonce, tag, ciphertext []byte, err error) {
	if f == nil {
		return nil, nil, nil, fmt.Errorf("nil frame")
	}
	if _, nonce, err = multibase.Decode(f.Nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce: %w", err)
	}
	if _, tag, err = multibase.Decode(f.Tag); err != nil {
		return nil, nil, nil, fmt.Errorf("tag: %w", err)
	}
	if _, ciphertext, err = multibase.Decode(f.Ciphertext); err != nil {
		return nil, nil, nil, fmt.Errorf("ciphertext: %w", err)
	}
	return nonce, tag, ciphertext, nil
}

// EncodeKey text-encodes an exchange public key.
func EncodeKey(pub []byte) (string, error) {
	return multibase.Encode(multibase.Base64, pub)
}

// DecodeKey decodes a key produced by EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	_, b, err := multibase.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("channel: decode key: %w", err)
	}
	return b, nil
}
