// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier is the language-model fallback of the funnel router.
//
// When the keyword rules have nothing to say, the Adapter asks a chat model
// to pick the next template or a folder move. The model only ever chooses
// from a fixed vocabulary; the Adapter enforces the confidence threshold,
// the template enum, and the no-repeat rule before a verdict leaves this
// package.
//
// Thread Safety:
//
//	All exported types are safe for concurrent use.
package classifier

import (
	"context"
	"errors"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnavailable means the model could not be reached, timed out, or the
	// call budget is spent. The caller should fall back to heuristics.
	ErrUnavailable = errors.New("classifier unavailable")

	// ErrMalformedResponse means the model answered but the answer is not a
	// usable classification.
	ErrMalformedResponse = errors.New("classifier response malformed")
)

// =============================================================================
// Actions
// =============================================================================

// Action is what the model proposes to do with the conversation.
type Action string

// Actions the model may return.
const (
	ActionSendTemplate     Action = "send_template"
	ActionMoveManual       Action = "move_manual"
	ActionMoveTimewaster   Action = "move_timewaster"
	ActionMoveConfirmation Action = "move_confirmation"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionSendTemplate, ActionMoveManual, ActionMoveTimewaster, ActionMoveConfirmation:
		return true
	}
	return false
}

// Manual reasons attached to verdicts that fall back to a human.
const (
	ReasonLowConfidence   = "low_confidence"
	ReasonRepeatOrInvalid = "repeat_or_invalid"
	ReasonModelManual     = "classifier_manual"
)

// =============================================================================
// Request / Result / Verdict
// =============================================================================

// Request is everything the model sees about one incoming message.
type Request struct {
	// Text is the normalized incoming message.
	Text string

	// History holds the peer's previous user messages, oldest first. The
	// classifier keeps at most its configured window.
	History []string

	// Folder is the peer's current funnel folder.
	Folder datatypes.Folder

	// Used is the set of templates already sent to the peer.
	Used ledger.TemplateSet

	// Last is the last template sent, or "".
	Last string

	// Threshold overrides the Adapter's threshold when > 0.
	Threshold float64
}

// Result is the raw classification returned by a model.
type Result struct {
	Action      Action  `json:"action"`
	TemplateKey string  `json:"template_key,omitempty"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason,omitempty"`
}

// Verdict is a Result after the Adapter's contract checks.
//
// Description:
//
//	Action is never send_template with a used or unknown key. A
//	move_confirmation verdict always carries the confirmation template as
//	TemplateKey so the caller can send it once before moving.
type Verdict struct {
	Action      Action
	TemplateKey string
	Confidence  float64

	// Reason is the manual reason for move_manual verdicts and the model's
	// own reason otherwise.
	Reason string

	// Raw is the unmodified model result.
	Raw Result
}

// IsManual reports whether the verdict hands the peer to a human.
func (v Verdict) IsManual() bool {
	return v.Action == ActionMoveManual
}

// Classifier produces a raw classification for a request.
//
// Implementations return errors wrapping ErrUnavailable or
// ErrMalformedResponse.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, req Request) (Result, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
