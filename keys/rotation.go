// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package keys

import (
	"time"

	"github.com/aumos-ai/device-trust-core/types"
)

// RenewalPolicy defines when the device certificate, and with it the identity
// key, must be renewed.
type RenewalPolicy struct {
	// Horizon is how long before expiry renewal starts.
	Horizon time.Duration
}

// DefaultRenewalPolicy renews when less than 7 days of validity remain.
func DefaultRenewalPolicy() RenewalPolicy {
	return RenewalPolicy{Horizon: 7 * 24 * time.Hour}
}

// NeedsRenewal reports whether notAfter is closer to now than the policy horizon.
func (p RenewalPolicy) NeedsRenewal(now, notAfter time.Time) bool {
	return notAfter.Sub(now) < p.Horizon
}

// NewRotationRecord describes a promotion of the pending key to active.
func NewRotationRecord(previousFingerprint, newFingerprint string, reason types.KeyRotationReason, at time.Time) *types.KeyRotationRecord {
	return &types.KeyRotationRecord{
		PreviousFingerprint: previousFingerprint,
		NewFingerprint:      newFingerprint,
		Reason:              reason,
		RotatedAt:           at.UTC(),
	}
}
