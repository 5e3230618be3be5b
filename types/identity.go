// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package types defines shared value types used across the device trust core.
package types

import "time"

// Mode is the operational mode of the node, derived from which trust documents are persisted.
type Mode string

const (
	// ModeNeedsEnrollmentConfig means no connection configuration has been written yet.
	ModeNeedsEnrollmentConfig Mode = "needs_enrollment_config"
	// ModeNeedsRootCertificate means the pinned root (CA) certificate is missing.
	ModeNeedsRootCertificate Mode = "needs_root_certificate"
	// ModeNeedsDeviceCertificate means the device has no usable certificate.
	ModeNeedsDeviceCertificate Mode = "needs_device_certificate"
	// ModeOperational means the node can open a session with a relay.
	ModeOperational Mode = "operational"
)

// KeyAlgorithm identifies the cryptographic algorithm used by a key pair.
type KeyAlgorithm string

const (
	KeyAlgorithmEd25519 KeyAlgorithm = "Ed25519"
	KeyAlgorithmX25519  KeyAlgorithm = "X25519"
)

// TransportErrorClass buckets transport failures for recovery policy.
type TransportErrorClass string

const (
	ClassConnectionReset  TransportErrorClass = "connection_reset"
	ClassOutOfMemory      TransportErrorClass = "out_of_memory"
	ClassUnsupportedFrame TransportErrorClass = "unsupported_frame"
	ClassOther            TransportErrorClass = "other"
)

// Escalation is the recovery action chosen after a classified failure.
type Escalation string

const (
	EscalationNone        Escalation = "none"
	EscalationReconnect   Escalation = "reconnect"
	EscalationRotateRelay Escalation = "rotate_relay"
	EscalationReboot      Escalation = "reboot"
)

// KeyRotationReason documents why an identity key rotation was triggered.
type KeyRotationReason string

const (
	KeyRotationReasonEnrollment KeyRotationReason = "enrollment"
	KeyRotationReasonRenewal    KeyRotationReason = "renewal"
	KeyRotationReasonTrustReset KeyRotationReason = "trust_reset"
)

// KeyRotationRecord captures metadata about a completed pending-to-active promotion.
type KeyRotationRecord struct {
	PreviousFingerprint string            `json:"previousFingerprint,omitempty"`
	NewFingerprint      string            `json:"newFingerprint"`
	Reason              KeyRotationReason `json:"reason"`
	RotatedAt           time.Time         `json:"rotatedAt"`
}
