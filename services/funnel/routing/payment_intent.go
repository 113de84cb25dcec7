// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"regexp"
	"strings"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
)

// DefaultPaymentPhrases signal that the buyer has paid or is paying.
var DefaultPaymentPhrases = []string{
	"here you go", "here u go", "there you go", "sent it", "just sent",
	"sent you", "sent u", "sent the money", "payment done", "paid",
	"transferred", "transfer done", "transfer sent", "screenshot", "receipt",
	"done sending", "done paying", "it's done", "its done", "check it",
	"check your account", "money sent", "sending now",
}

// PaymentIntentHeuristic rescues payment confirmations the router and the
// classifier missed.
//
// Description:
//
//	Fires only for peers who were shown the paylink, or whose last template
//	was the paylink or the pricelist, and only when the message contains a
//	payment phrase. Then the peer gets the confirmation template and moves
//	to Confirmation.
//
// Thread Safety: Immutable; safe for concurrent use.
type PaymentIntentHeuristic struct {
	re *regexp.Regexp
}

// NewPaymentIntentHeuristic builds the heuristic. No phrases uses
// DefaultPaymentPhrases.
func NewPaymentIntentHeuristic(phrases ...string) *PaymentIntentHeuristic {
	if len(phrases) == 0 {
		phrases = DefaultPaymentPhrases
	}
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			alts = append(alts, regexp.QuoteMeta(p))
		}
	}
	return &PaymentIntentHeuristic{
		re: regexp.MustCompile(`(?:^|\b)(?:` + strings.Join(alts, "|") + `)(?:\b|$)`),
	}
}

// Eligible reports whether the peer is far enough into the funnel.
func (h *PaymentIntentHeuristic) Eligible(snap ledger.Snapshot) bool {
	return snap.Used.Has(datatypes.TemplatePaylink) ||
		snap.Last == datatypes.TemplatePaylink ||
		snap.Last == datatypes.TemplatePricelist
}

// Detect returns MoveConfirmation when norm signals payment from an
// eligible peer.
func (h *PaymentIntentHeuristic) Detect(norm string, snap ledger.Snapshot) (Decision, bool) {
	if !h.Eligible(snap) || !h.re.MatchString(norm) {
		return NoAction(), false
	}
	return MoveConfirmation(datatypes.TemplateConfirmation), true
}
