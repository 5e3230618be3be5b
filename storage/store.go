// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package storage is the persistent configuration store of the node. Every
// document (keys, certificates, relay list, display and program configuration)
// is read and written whole. A missing document is reported as
// *types.ErrDocumentNotFound, which callers treat as an expected state.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Well-known document names.
const (
	ConnectionConfig  = "connect.json"
	RootCertificate   = "certs/ca.pem"
	DeviceCertificate = "certs/cert.pem"
	DeviceKey         = "certs/key.der"
	PendingKey        = DeviceKey + ".new"
	RelayList         = "relais.json"
	DisplayConfig     = "displays.json"
	ProgramConfig     = "programmes.json"
	TimeInfo          = "tzinfo.json"
)

// Store reads and writes whole documents by name.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// GetJSON decodes the named document into v.
func GetJSON(ctx context.Context, s Store, name string, v any) error {
	b, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("storage: decode %s: %w", name, err)
	}
	return nil
}

// PutJSON encodes v and writes it as the named document.
func PutJSON(ctx context.Context, s Store, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", name, err)
	}
	return s.Put(ctx, name, b)
}
