// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package trust

import "github.com/aumos-ai/device-trust-core/types"

// Presence is a snapshot of which trust documents exist in storage.
type Presence struct {
	ConnectionConfig  bool
	RootCertificate   bool
	DeviceCertificate bool
}

// ModeOf maps a storage snapshot to the node's operational mode.
func ModeOf(p Presence) types.Mode {
	switch {
	case !p.ConnectionConfig:
		return types.ModeNeedsEnrollmentConfig
	case !p.RootCertificate:
		return types.ModeNeedsRootCertificate
	case !p.DeviceCertificate:
		return types.ModeNeedsDeviceCertificate
	default:
		return types.ModeOperational
	}
}
