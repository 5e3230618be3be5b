// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package types

import (
	"errors"
	"fmt"
)

// TrustErrorKind enumerates the ways a certificate or identity can fail validation.
type TrustErrorKind string

const (
	TrustChainBroken      TrustErrorKind = "chain_broken"
	TrustExpired          TrustErrorKind = "expired"
	TrustIdentityMismatch TrustErrorKind = "identity_mismatch"
	TrustKeyMismatch      TrustErrorKind = "key_mismatch"
)

// ErrTrust is returned when a certificate chain, root or key pair is rejected.
type ErrTrust struct {
	Kind   TrustErrorKind
	Reason string
}

func (e *ErrTrust) Error() string {
	return fmt.Sprintf("trust %s: %s", e.Kind, e.Reason)
}

// IsTrustKind reports whether err carries an ErrTrust of the given kind.
func IsTrustKind(err error, kind TrustErrorKind) bool {
	var te *ErrTrust
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// ErrVerificationFailed is returned when an envelope cannot be verified.
// Err is set when the failure came from chain validation.
type ErrVerificationFailed struct {
	Reason string
	Err    error
}

func (e *ErrVerificationFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope verification failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope verification failed: %s", e.Reason)
}

func (e *ErrVerificationFailed) Unwrap() error { return e.Err }

// ErrDecrypt is returned when a secure channel frame fails authentication.
type ErrDecrypt struct {
	Reason string
}

func (e *ErrDecrypt) Error() string {
	return fmt.Sprintf("secure channel decrypt failed: %s", e.Reason)
}

// ErrChannelNotReady is returned when sealing or opening is attempted without a live secret.
type ErrChannelNotReady struct {
	State string
}

func (e *ErrChannelNotReady) Error() string {
	return fmt.Sprintf("secure channel not ready (state %s)", e.State)
}

// ErrTransport wraps a transport failure with its recovery class.
type ErrTransport struct {
	Class TransportErrorClass
	Err   error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Class, e.Err)
}

func (e *ErrTransport) Unwrap() error { return e.Err }

// TransportClass returns the class of a transport error, or ClassOther when err is not one.
func TransportClass(err error) TransportErrorClass {
	var te *ErrTransport
	if errors.As(err, &te) {
		return te.Class
	}
	return ClassOther
}

// ErrDocumentNotFound is returned when a persisted document does not exist.
// It is an expected condition, not a failure of the store.
type ErrDocumentNotFound struct {
	Name string
}

func (e *ErrDocumentNotFound) Error() string {
	return fmt.Sprintf("document not found: %s", e.Name)
}

// IsNotFound reports whether err is an ErrDocumentNotFound.
func IsNotFound(err error) bool {
	var nf *ErrDocumentNotFound
	return errors.As(err, &nf)
}

// ErrUnknownAction is returned when a wire action string has no known variant.
type ErrUnknownAction struct {
	Action string
}

func (e *ErrUnknownAction) Error() string {
	return fmt.Sprintf("unknown action: %q", e.Action)
}

// ErrEnrollmentPending is returned when the relay accepted an enrollment request
// but has not granted a certificate yet.
type ErrEnrollmentPending struct {
	Status int
}

func (e *ErrEnrollmentPending) Error() string {
	return fmt.Sprintf("enrollment pending (HTTP %d)", e.Status)
}

// ErrRebootRequired is returned when local recovery is exhausted.
type ErrRebootRequired struct {
	Reason string
}

func (e *ErrRebootRequired) Error() string {
	return fmt.Sprintf("reboot required: %s", e.Reason)
}
