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

// FunnelStage is how far a peer has come, derived from the last template.
type FunnelStage int

// Funnel stages. StagePaylink is terminal for affirmations.
const (
	FunnelNone FunnelStage = iota
	FunnelGreeting
	FunnelPricelist
	FunnelPaylink
)

// FunnelStageOf maps the last sent template to its stage.
func FunnelStageOf(last string) FunnelStage {
	switch last {
	case datatypes.TemplateGreeting:
		return FunnelGreeting
	case datatypes.TemplatePricelist:
		return FunnelPricelist
	case datatypes.TemplatePaylink, datatypes.TemplateConfirmation:
		return FunnelPaylink
	}
	return FunnelNone
}

// DefaultAffirmations are the phrases read as "yes, go on".
var DefaultAffirmations = []string{
	"yes", "yeah", "yea", "yep", "yup", "yas", "sure", "ok", "okay", "okey",
	"ready", "i'm in", "im in", "i am in", "ofcourse", "of course", "ofc",
	"let's go", "lets go", "absolutely", "definitely", "alright", "go ahead",
}

// negations veto an affirmation anywhere in the same message.
var negations = regexp.MustCompile(`\b(?:no|nope|nah|not|dont|don't|do not|never|stop)\b`)

// AffirmationResolver advances the funnel when a peer says yes.
//
// Description:
//
//	Consulted only when no keyword category matched. An affirmative
//	message (whole or inline on word boundaries) after the greeting yields
//	the pricelist, and after the pricelist yields the paylink. Any other
//	stage yields NoAction. A message that also carries a negation ("no",
//	"not", "don't") is never affirmative. A greeting-stage "yes" whose
//	pricelist was already sent also yields NoAction, so the pricelist is
//	never offered twice.
//
// Thread Safety: Immutable; safe for concurrent use.
type AffirmationResolver struct {
	re *regexp.Regexp
}

// NewAffirmationResolver builds a resolver. No phrases uses
// DefaultAffirmations.
func NewAffirmationResolver(phrases ...string) *AffirmationResolver {
	if len(phrases) == 0 {
		phrases = DefaultAffirmations
	}
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			alts = append(alts, regexp.QuoteMeta(squeeze(p)))
		}
	}
	return &AffirmationResolver{
		re: regexp.MustCompile(`(?:^|\b)(?:` + strings.Join(alts, "|") + `)(?:\b|$)`),
	}
}

// IsAffirmative reports whether normalized text contains an affirmation.
func (a *AffirmationResolver) IsAffirmative(norm string) bool {
	s := squeeze(norm)
	return a.re.MatchString(s) && !negations.MatchString(s)
}

// Resolve maps an affirmation to the next funnel step.
func (a *AffirmationResolver) Resolve(norm string, snap ledger.Snapshot) Decision {
	if !a.IsAffirmative(norm) {
		return NoAction()
	}
	switch FunnelStageOf(snap.Last) {
	case FunnelGreeting:
		if snap.Used.Has(datatypes.TemplatePricelist) {
			return NoAction()
		}
		return SendTemplate(datatypes.TemplatePricelist)
	case FunnelPricelist:
		return SendTemplate(datatypes.TemplatePaylink)
	}
	return NoAction()
}
