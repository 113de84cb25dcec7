// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing turns one incoming message into a funnel decision.
//
// The FastRouter applies keyword rules in a fixed order and is a pure
// function of the normalized text, the compiled rules, and a ledger
// snapshot. The Orchestrator escalates what the FastRouter cannot decide to
// the classifier and, when the classifier is unusable, to the payment-intent
// rescue before defaulting to a human.
package routing

import (
	"fmt"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
)

// Kind is the variant of a Decision.
type Kind string

// Decision kinds.
const (
	KindSendTemplate     Kind = "send_template"
	KindMoveManual       Kind = "manual"
	KindMoveTimewaster   Kind = "move_timewaster"
	KindMoveConfirmation Kind = "move_confirmation"
	KindNoAction         Kind = "no_action"
)

// Manual reasons produced by this package.
const (
	ReasonRepeat            = "repeat"
	ReasonUnrouted          = "unrouted"
	ReasonLedgerUnavailable = "ledger_unavailable"
)

// Decision is the outcome of routing one message.
//
// Description:
//
//	A tagged value. TemplateKey is the template to send for
//	KindSendTemplate and the template to send once before moving for
//	KindMoveConfirmation. Reason is set for KindMoveManual.
//
// Thread Safety: Plain value, safe to copy.
type Decision struct {
	Kind        Kind   `json:"kind"`
	TemplateKey string `json:"template_key,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SendTemplate sends key and keeps the peer in Bot.
func SendTemplate(key string) Decision {
	return Decision{Kind: KindSendTemplate, TemplateKey: key}
}

// MoveManual hands the peer to a human.
func MoveManual(reason string) Decision {
	return Decision{Kind: KindMoveManual, Reason: reason}
}

// MoveTimewaster files the peer as not interested.
func MoveTimewaster() Decision {
	return Decision{Kind: KindMoveTimewaster}
}

// MoveConfirmation sends sendKey once, then files the peer as paid.
func MoveConfirmation(sendKey string) Decision {
	return Decision{Kind: KindMoveConfirmation, TemplateKey: sendKey}
}

// NoAction means the router has nothing to say.
func NoAction() Decision {
	return Decision{Kind: KindNoAction}
}

// IsRouted reports whether the decision settles the message without
// escalation: anything but manual or no-action.
func (d Decision) IsRouted() bool {
	return d.Kind != KindMoveManual && d.Kind != KindNoAction && d.Kind != ""
}

// TargetFolder returns the folder the peer ends up in.
func (d Decision) TargetFolder() (datatypes.Folder, bool) {
	switch d.Kind {
	case KindSendTemplate:
		return datatypes.FolderBot, true
	case KindMoveManual:
		return datatypes.FolderManual, true
	case KindMoveTimewaster:
		return datatypes.FolderTimewaster, true
	case KindMoveConfirmation:
		return datatypes.FolderConfirmation, true
	}
	return "", false
}

func (d Decision) String() string {
	switch d.Kind {
	case KindSendTemplate:
		return fmt.Sprintf("SendTemplate(%s)", d.TemplateKey)
	case KindMoveManual:
		return fmt.Sprintf("MoveManual(%s)", d.Reason)
	case KindMoveTimewaster:
		return "MoveTimewaster"
	case KindMoveConfirmation:
		return fmt.Sprintf("MoveConfirmation(%s)", d.TemplateKey)
	default:
		return "NoAction"
	}
}
