// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/folders"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/routing"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/sim"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeHandlingFailed    = "HANDLING_FAILED"
	CodeLedgerUnavailable = "LEDGER_UNAVAILABLE"
	CodeCapacityExhausted = "CAPACITY_EXHAUSTED"
	CodeRemoteFailed      = "REMOTE_FAILED"
	CodeReloadFailed      = "RELOAD_FAILED"
	CodeScenarioInvalid   = "SCENARIO_INVALID"
	CodeNotConfigured     = "NOT_CONFIGURED"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// DecideRequest asks for a decision without applying it.
type DecideRequest struct {
	Peer    string   `json:"peer" validate:"required,max=128"`
	Text    string   `json:"text" validate:"max=4096"`
	History []string `json:"history,omitempty" validate:"max=50,dive,max=4096"`

	// Folder is the peer's current folder title. Empty means Bot.
	Folder string `json:"folder,omitempty" validate:"omitempty,oneof=Manual Bot Timewaster Confirmation MANUAL BOT TIMEWASTER CONFIRMATION"`
}

// DecideResponse explains a decision.
type DecideResponse struct {
	Decision   routing.Decision `json:"decision"`
	Stage      routing.Stage    `json:"stage"`
	Used       []string         `json:"used"`
	Last       string           `json:"last,omitempty"`
	Classifier *ClassifierInfo  `json:"classifier,omitempty"`
}

// ClassifierInfo reports the classifier stage of a decision.
type ClassifierInfo struct {
	Action     string  `json:"action,omitempty"`
	Template   string  `json:"template,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// LedgerResponse is the template usage of one peer.
type LedgerResponse struct {
	Peer string   `json:"peer"`
	Used []string `json:"used"`
	Last string   `json:"last,omitempty"`
}

// FoldersResponse lists the remote folders and the slot map.
type FoldersResponse struct {
	Folders []folders.RemoteFolder `json:"folders"`
	Slots   folders.SlotMap        `json:"slots"`
}

// EnsureResponse is the result of EnsureFolders.
type EnsureResponse struct {
	Slots folders.SlotMap `json:"slots"`
}

// ReloadResponse reports the configuration after a reload.
type ReloadResponse struct {
	Patterns  int      `json:"patterns"`
	Builtins  bool     `json:"builtins"`
	Templates []string `json:"templates"`
	Missing   []string `json:"missing,omitempty"`
}

// ScenariosResponse is the result of a scenario run.
type ScenariosResponse struct {
	Passed    bool                 `json:"passed"`
	Scenarios []sim.ScenarioReport `json:"scenarios"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status      string          `json:"status"`
	Account     string          `json:"account"`
	Classifier  bool            `json:"classifier"`
	Slots       folders.SlotMap `json:"slots,omitempty"`
	ActivePeers int             `json:"active_peers"`
}
