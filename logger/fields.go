// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

package logger

import (
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/types"
)

// Relay is the active relay URL.
func Relay(url string) zap.Field {
	return zap.String("relay", url)
}

// Stage is the configuration refresh stage name.
func Stage(name string) zap.Field {
	return zap.String("stage", name)
}

// Action is a wire action string.
func Action(a string) zap.Field {
	return zap.String("action", a)
}

// Fingerprint is a certificate fingerprint.
func Fingerprint(fp string) zap.Field {
	return zap.String("fingerprint", fp)
}

// ErrorClass is a transport error class.
func ErrorClass(c types.TransportErrorClass) zap.Field {
	return zap.String("error_class", string(c))
}

// Mode is the node operational mode.
func Mode(m types.Mode) zap.Field {
	return zap.String("mode", string(m))
}

// TransactionID is an envelope uuid_transaction.
func TransactionID(id string) zap.Field {
	return zap.String("uuid_transaction", id)
}
