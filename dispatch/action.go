// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package dispatch maps wire action strings to a closed set of actions and
// routes verified inbound commands to their handlers.
package dispatch

import "github.com/aumos-ai/device-trust-core/types"

// Action is a known wire action.
type Action int

const (
	ActionUnknown Action = iota

	// Outbound requests.
	ActionDeviceState
	ActionExchangeSecret
	ActionDisplayConfig
	ActionTimeInfo
	ActionProgramConfig
	ActionRenewCertificate
	ActionRelayList
	ActionEnroll

	// Inbound commands and events.
	ActionChallenge
	ActionDisplaysUpdated
	ActionProgramsUpdated
	ActionDeviceCommand
	ActionResetSecret
)

var wireNames = map[Action]string{
	ActionDeviceState:      "etatAppareil",
	ActionExchangeSecret:   "echangerSecret",
	ActionDisplayConfig:    "getAppareilDisplayConfiguration",
	ActionTimeInfo:         "getTimezoneInfo",
	ActionProgramConfig:    "getAppareilProgrammesConfiguration",
	ActionRenewCertificate: "renouvelerCertificat",
	ActionRelayList:        "getRelais",
	ActionEnroll:           "inscrire",
	ActionChallenge:        "challengeAppareil",
	ActionDisplaysUpdated:  "evenementMajDisplays",
	ActionProgramsUpdated:  "evenementMajProgrammes",
	ActionDeviceCommand:    "commandeAppareil",
	ActionResetSecret:      "resetSecret",
}

var byWire = func() map[string]Action {
	m := make(map[string]Action, len(wireNames))
	for a, s := range wireNames {
		m[s] = a
	}
	return m
}()

// String returns the wire name.
func (a Action) String() string {
	if s, ok := wireNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseAction maps a wire string to its Action. Unknown strings yield
// *types.ErrUnknownAction.
func ParseAction(s string) (Action, error) {
	if a, ok := byWire[s]; ok {
		return a, nil
	}
	return ActionUnknown, &types.ErrUnknownAction{Action: s}
}

// Inbound reports whether a is a command the relay may push to the device.
func (a Action) Inbound() bool {
	return a >= ActionChallenge
}
