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
	"log/slog"
	"regexp"
	"strings"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
)

// =============================================================================
// Categories
// =============================================================================

// category is one keyword class of the FastRouter, in match order.
type category int

const (
	catGreeting category = iota
	catPricelist
	catPaylink
	catConfirmation
	catNotInterested
	numCategories
)

var categoryNames = [numCategories]string{
	"greeting", "pricelist", "paylink", "confirmation", "not_interested",
}

func (c category) String() string { return categoryNames[c] }

// Built-in keyword lists used when an account has no rules. Matching is on
// word boundaries against the squeezed text, so "heyyy" and "helloo" match.
var builtinKeywords = [numCategories][]string{
	catGreeting: {
		"hi", "hey", "hello", "helo", "hiya", "howdy", "yo", "sup", "hola",
		"good morning", "good evening", "good afternoon", "whats up", "what's up",
	},
	catPricelist: {
		"menu", "price", "prices", "pricelist", "price list", "prices list",
		"content", "rates", "how much", "what do you have", "what do u have",
		"what dya have", "what do you sell", "what do you offer", "catalog",
	},
	catPaylink: {
		"pay", "paylink", "pay link", "paypal", "payment", "how to pay",
		"how do i pay", "how can i pay", "where do i send", "where to send",
		"send money", "payment method", "payment link",
	},
	catConfirmation: {
		"i sent", "i send", "i sending", "i'm sending", "im sending", "i've paid",
		"ive paid", "i have paid", "have payed", "sending now", "sent it",
		"just paid", "baby got it",
	},
	catNotInterested: {
		"not interested", "no thanks", "no thank you", "nah", "stop",
		"leave me", "leave me alone", "go away", "unsubscribe", "dont text me",
		"don't text me",
	},
}

// literalConfirmation matches the bare words every account treats as
// confirmation regardless of its rules.
var literalConfirmation = regexp.MustCompile(`\b(paid|sending)\b`)

// =============================================================================
// Compiled patterns
// =============================================================================

// compiledPattern holds a pattern with its compiled regex, or the literal
// fallback text when the regex does not compile.
type compiledPattern struct {
	raw     string
	regex   *regexp.Regexp
	literal string
	squeeze bool
}

func (p compiledPattern) match(text, squeezed string) bool {
	subject := text
	if p.squeeze {
		subject = squeezed
	}
	if p.regex != nil {
		return p.regex.MatchString(subject)
	}
	return p.literal != "" && strings.Contains(subject, p.literal)
}

// compilePatterns compiles rule patterns case-insensitively. A pattern that
// fails to compile degrades to a literal containment check on its
// de-escaped form and is reported once here.
func compilePatterns(cat category, patterns []string, logger *slog.Logger) []compiledPattern {
	out := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		cp := compiledPattern{raw: p}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			cp.literal = Normalize(deEscape(p))
			logger.Warn("routing: invalid regex pattern, matching literally",
				slog.String("category", cat.String()),
				slog.String("pattern", p),
				slog.String("literal", cp.literal),
				slog.String("error", err.Error()),
			)
		} else {
			cp.regex = re
		}
		out = append(out, cp)
	}
	return out
}

// compileKeywords turns built-in keywords into one word-bounded pattern
// matched against squeezed text.
func compileKeywords(words []string) []compiledPattern {
	alts := make([]string, 0, len(words))
	for _, w := range words {
		alts = append(alts, regexp.QuoteMeta(squeeze(w)))
	}
	re := regexp.MustCompile(`(?i)(?:^|\b)(?:` + strings.Join(alts, "|") + `)(?:\b|$)`)
	return []compiledPattern{{raw: strings.Join(words, "|"), regex: re, squeeze: true}}
}

// deEscape strips regex escapes so `\bpay\b` degrades to "pay".
func deEscape(p string) string {
	p = strings.ReplaceAll(p, `\b`, "")
	p = strings.ReplaceAll(p, `\B`, "")
	var b strings.Builder
	escaped := false
	for _, r := range p {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// =============================================================================
// FastRouter
// =============================================================================

// FastRouter is the deterministic keyword router.
//
// Description:
//
//	Categories are checked in a fixed order and the first match decides:
//	greeting, pricelist, paylink, confirmation, not_interested. Greeting
//	and pricelist are never offered twice; a repeat yields MoveManual. If
//	nothing matches, the AffirmationResolver maps a "yes" to the next
//	funnel step.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type FastRouter struct {
	patterns [numCategories][]compiledPattern
	builtin  bool
	affirm   *AffirmationResolver
	logger   *slog.Logger
}

// NewFastRouter compiles rules.
//
// Inputs:
//
//	rules - Account rules. Nil or empty uses the built-in keyword lists.
//	affirm - May be nil for the default phrase set.
//	logger - May be nil.
func NewFastRouter(rules *config.RulesConfig, affirm *AffirmationResolver, logger *slog.Logger) *FastRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if affirm == nil {
		affirm = NewAffirmationResolver()
	}
	r := &FastRouter{affirm: affirm, logger: logger}

	if rules.IsEmpty() {
		r.builtin = true
		for c := category(0); c < numCategories; c++ {
			r.patterns[c] = compileKeywords(builtinKeywords[c])
		}
		return r
	}

	r.patterns[catGreeting] = compilePatterns(catGreeting, rules.Keywords.Greeting, logger)
	r.patterns[catPricelist] = compilePatterns(catPricelist, rules.Keywords.Pricelist, logger)
	r.patterns[catPaylink] = compilePatterns(catPaylink, rules.Keywords.Paylink, logger)
	r.patterns[catConfirmation] = compilePatterns(catConfirmation, rules.Keywords.Confirmation, logger)
	r.patterns[catNotInterested] = compilePatterns(catNotInterested, rules.NotInterested, logger)
	return r
}

// UsesBuiltins reports whether the router runs on the built-in keyword lists.
func (r *FastRouter) UsesBuiltins() bool {
	return r.builtin
}

// Route decides what to do with one message.
//
// Inputs:
//
//	text - Raw or normalized message text.
//	snap - Ledger snapshot of the peer taken before routing.
//
// Outputs:
//
//	Decision - Never a zero value. NoAction when nothing matched.
func (r *FastRouter) Route(text string, snap ledger.Snapshot) Decision {
	d, _ := r.route(Normalize(text), snap)
	return d
}

// route returns the decision and the stage that produced it.
func (r *FastRouter) route(norm string, snap ledger.Snapshot) (Decision, Stage) {
	if norm == "" {
		return NoAction(), StageFastRouter
	}
	squeezed := squeeze(norm)

	switch {
	case r.matches(catGreeting, norm, squeezed):
		return onceOnly(datatypes.TemplateGreeting, snap), StageFastRouter
	case r.matches(catPricelist, norm, squeezed):
		return onceOnly(datatypes.TemplatePricelist, snap), StageFastRouter
	case r.matches(catPaylink, norm, squeezed):
		return SendTemplate(datatypes.TemplatePaylink), StageFastRouter
	case r.matches(catConfirmation, norm, squeezed) || literalConfirmation.MatchString(norm):
		return MoveConfirmation(datatypes.TemplateConfirmation), StageFastRouter
	case r.matches(catNotInterested, norm, squeezed):
		return MoveTimewaster(), StageFastRouter
	}

	if d := r.affirm.Resolve(norm, snap); d.Kind != KindNoAction {
		return d, StageAffirmation
	}
	return NoAction(), StageFastRouter
}

func (r *FastRouter) matches(c category, norm, squeezed string) bool {
	for _, p := range r.patterns[c] {
		if p.match(norm, squeezed) {
			return true
		}
	}
	return false
}

func onceOnly(key string, snap ledger.Snapshot) Decision {
	if snap.Used.Has(key) {
		return MoveManual(ReasonRepeat)
	}
	return SendTemplate(key)
}
