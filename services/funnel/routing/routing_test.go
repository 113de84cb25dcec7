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
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
)

// mockClassifier is a ClassifierPort with a pluggable verdict.
type mockClassifier struct {
	classifyFn func(ctx context.Context, req classifier.Request) (classifier.Verdict, error)
	calls      atomic.Int32
	lastReq    classifier.Request
}

func (m *mockClassifier) Classify(ctx context.Context, req classifier.Request) (classifier.Verdict, error) {
	m.calls.Add(1)
	m.lastReq = req
	return m.classifyFn(ctx, req)
}

func verdictOf(v classifier.Verdict) *mockClassifier {
	return &mockClassifier{classifyFn: func(context.Context, classifier.Request) (classifier.Verdict, error) {
		return v, nil
	}}
}

func failingWith(err error) *mockClassifier {
	return &mockClassifier{classifyFn: func(context.Context, classifier.Request) (classifier.Verdict, error) {
		return classifier.Verdict{}, err
	}}
}

// brokenLedger fails every snapshot.
type brokenLedger struct {
	ledger.Ledger
}

func (brokenLedger) Snapshot(context.Context, string) (ledger.Snapshot, error) {
	return ledger.Snapshot{}, errors.New("disk on fire")
}

func snapOf(last string, used ...string) ledger.Snapshot {
	return ledger.Snapshot{Used: ledger.NewTemplateSet(used...), Last: last}
}

// =============================================================================
// Normalize
// =============================================================================

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  Hi   THERE ?", "hi there?"},
		{"how do i pay ?", "how do i pay?"},
		{"ＨＥＹ", "hey"},
		{"ok\t\n !", "ok!"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestSqueeze(t *testing.T) {
	assert.Equal(t, "hey", squeeze("heyyyy"))
	assert.Equal(t, "helo", squeeze("hello"))
	assert.Equal(t, "ok!!", squeeze("ok!!"))
}

// =============================================================================
// FastRouter
// =============================================================================

func routerCases() []struct {
	text string
	want Decision
} {
	return []struct {
		text string
		want Decision
	}{
		{"hey baby", SendTemplate(datatypes.TemplateGreeting)},
		{"hi", SendTemplate(datatypes.TemplateGreeting)},
		{"Hello!", SendTemplate(datatypes.TemplateGreeting)},
		{"prices?", SendTemplate(datatypes.TemplatePricelist)},
		{"content?", SendTemplate(datatypes.TemplatePricelist)},
		{"how do i pay ?", SendTemplate(datatypes.TemplatePaylink)},
		{"payment?", SendTemplate(datatypes.TemplatePaylink)},
		{"i sent", MoveConfirmation(datatypes.TemplateConfirmation)},
		{"ive paid", MoveConfirmation(datatypes.TemplateConfirmation)},
		{"not interested", MoveTimewaster()},
		{"random text with no keywords", NoAction()},
		{"", NoAction()},
	}
}

func TestFastRouter_Builtins(t *testing.T) {
	r := NewFastRouter(nil, nil, nil)
	require.True(t, r.UsesBuiltins())
	for _, tt := range routerCases() {
		assert.Equal(t, tt.want, r.Route(tt.text, ledger.Snapshot{}), "text %q", tt.text)
	}
}

func TestFastRouter_DefaultRules(t *testing.T) {
	r := NewFastRouter(config.DefaultRules(), nil, nil)
	require.False(t, r.UsesBuiltins())
	for _, tt := range routerCases() {
		assert.Equal(t, tt.want, r.Route(tt.text, ledger.Snapshot{}), "text %q", tt.text)
	}
}

func TestFastRouter_BuiltinsMatchStretchedSpelling(t *testing.T) {
	r := NewFastRouter(nil, nil, nil)
	assert.Equal(t, SendTemplate(datatypes.TemplateGreeting), r.Route("heyyyy", ledger.Snapshot{}))
	assert.Equal(t, SendTemplate(datatypes.TemplateGreeting), r.Route("hellooo there", ledger.Snapshot{}))
}

func TestFastRouter_CategoryOrder(t *testing.T) {
	r := NewFastRouter(nil, nil, nil)
	// Greeting is checked before pricelist.
	assert.Equal(t, SendTemplate(datatypes.TemplateGreeting), r.Route("hey how much", ledger.Snapshot{}))
	// Paylink is checked before confirmation.
	assert.Equal(t, SendTemplate(datatypes.TemplatePaylink), r.Route("i sent it via paypal", ledger.Snapshot{}))
}

func TestFastRouter_NoRepeat(t *testing.T) {
	r := NewFastRouter(config.DefaultRules(), nil, nil)
	used := snapOf(datatypes.TemplatePaylink,
		datatypes.TemplateGreeting, datatypes.TemplatePricelist, datatypes.TemplatePaylink)

	assert.Equal(t, MoveManual(ReasonRepeat), r.Route("hey", used))
	assert.Equal(t, MoveManual(ReasonRepeat), r.Route("prices?", used))
	// Paylink may be sent again.
	assert.Equal(t, SendTemplate(datatypes.TemplatePaylink), r.Route("how do i pay?", used))
}

func TestFastRouter_InvalidRegexMatchesLiterally(t *testing.T) {
	rules := &config.RulesConfig{
		Keywords: config.KeywordRules{
			Pricelist: []string{`price list\`},
		},
	}
	var r *FastRouter
	require.NotPanics(t, func() { r = NewFastRouter(rules, nil, nil) })

	assert.Equal(t, SendTemplate(datatypes.TemplatePricelist), r.Route("send me the PRICE LIST please", ledger.Snapshot{}))
	assert.Equal(t, NoAction(), r.Route("hello", ledger.Snapshot{}))
}

func TestFastRouter_Deterministic(t *testing.T) {
	r := NewFastRouter(config.DefaultRules(), nil, nil)
	snap := snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting)
	texts := []string{"yes", "hey", "prices?", "whatever", "how do i pay", "nah"}
	for _, text := range texts {
		first := r.Route(text, snap)
		for i := 0; i < 50; i++ {
			require.Equal(t, first, r.Route(text, snap), "text %q run %d", text, i)
		}
	}
}

// =============================================================================
// AffirmationResolver
// =============================================================================

func TestAffirmationResolver_Resolve(t *testing.T) {
	a := NewAffirmationResolver()
	tests := []struct {
		name string
		text string
		snap ledger.Snapshot
		want Decision
	}{
		{"yes after greeting", "yes", snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting), SendTemplate(datatypes.TemplatePricelist)},
		{"inline after greeting", "yes i am", snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting), SendTemplate(datatypes.TemplatePricelist)},
		{"ofcourse", "ofcourse", snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting), SendTemplate(datatypes.TemplatePricelist)},
		{"of course!", "of course!", snapOf(datatypes.TemplateGreeting), SendTemplate(datatypes.TemplatePricelist)},
		{"stretched", "yeees", snapOf(datatypes.TemplateGreeting), SendTemplate(datatypes.TemplatePricelist)},
		{"ok after pricelist", "ok", snapOf(datatypes.TemplatePricelist, datatypes.TemplatePricelist), SendTemplate(datatypes.TemplatePaylink)},
		{"sure thing after pricelist", "sure thing", snapOf(datatypes.TemplatePricelist), SendTemplate(datatypes.TemplatePaylink)},
		{"no stage", "yes", ledger.Snapshot{}, NoAction()},
		{"after paylink", "yes", snapOf(datatypes.TemplatePaylink, datatypes.TemplatePaylink), NoAction()},
		{"pricelist already sent", "yes", snapOf(datatypes.TemplateGreeting, datatypes.TemplatePricelist), NoAction()},
		{"not affirmative", "maybe later", snapOf(datatypes.TemplateGreeting), NoAction()},
		{"no please", "no please", snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting), NoAction()},
		{"please dont", "please dont", snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting), NoAction()},
		{"ok no", "ok no", snapOf(datatypes.TemplatePricelist, datatypes.TemplatePricelist), NoAction()},
		{"not sure", "not sure", snapOf(datatypes.TemplatePricelist, datatypes.TemplatePricelist), NoAction()},
		{"why not", "why not", snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting), NoAction()},
		{"bare k", "k", snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting), NoAction()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Resolve(Normalize(tt.text), tt.snap))
		})
	}
}

func TestAffirmationResolver_CustomPhrases(t *testing.T) {
	a := NewAffirmationResolver("claro", "  ")
	assert.True(t, a.IsAffirmative("claro"))
	assert.False(t, a.IsAffirmative("yes"))
}

func TestFunnelStageOf(t *testing.T) {
	assert.Equal(t, FunnelNone, FunnelStageOf(""))
	assert.Equal(t, FunnelGreeting, FunnelStageOf(datatypes.TemplateGreeting))
	assert.Equal(t, FunnelPricelist, FunnelStageOf(datatypes.TemplatePricelist))
	assert.Equal(t, FunnelPaylink, FunnelStageOf(datatypes.TemplatePaylink))
}

// =============================================================================
// PaymentIntentHeuristic
// =============================================================================

func TestPaymentIntentHeuristic_Detect(t *testing.T) {
	h := NewPaymentIntentHeuristic()
	tests := []struct {
		name  string
		text  string
		snap  ledger.Snapshot
		fires bool
	}{
		{"after paylink", "here you go", snapOf(datatypes.TemplatePaylink, datatypes.TemplatePaylink), true},
		{"paylink used earlier", "just sent", snapOf(datatypes.TemplateGreeting, datatypes.TemplatePaylink), true},
		{"after pricelist", "done sending", snapOf(datatypes.TemplatePricelist), true},
		{"screenshot", "screenshot attached", snapOf(datatypes.TemplatePaylink), true},
		{"too early", "here you go", snapOf(datatypes.TemplateGreeting, datatypes.TemplateGreeting), false},
		{"fresh peer", "paid", ledger.Snapshot{}, false},
		{"no phrase", "what's up", snapOf(datatypes.TemplatePaylink), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := h.Detect(Normalize(tt.text), tt.snap)
			assert.Equal(t, tt.fires, ok)
			if tt.fires {
				assert.Equal(t, MoveConfirmation(datatypes.TemplateConfirmation), d)
			} else {
				assert.Equal(t, NoAction(), d)
			}
		})
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

func newTestOrchestrator(c ClassifierPort, l ledger.Ledger) *Orchestrator {
	if l == nil {
		l = ledger.NewMemoryLedger()
	}
	return NewOrchestrator(OrchestratorConfig{
		Router:     NewFastRouter(config.DefaultRules(), nil, nil),
		Classifier: c,
		Ledger:     l,
	})
}

func TestOrchestrator_FastRouterSkipsClassifier(t *testing.T) {
	mc := failingWith(classifier.ErrUnavailable)
	o := newTestOrchestrator(mc, nil)

	out := o.Decide(context.Background(), Input{Peer: "p1", Text: "hey", Folder: datatypes.FolderBot})
	assert.Equal(t, SendTemplate(datatypes.TemplateGreeting), out.Decision)
	assert.Equal(t, StageFastRouter, out.Stage)
	assert.False(t, out.Classifier.Called)
	assert.Zero(t, mc.calls.Load())
}

func TestOrchestrator_ClassifierVerdictDecides(t *testing.T) {
	mc := verdictOf(classifier.Verdict{
		Action:      classifier.ActionSendTemplate,
		TemplateKey: datatypes.TemplatePricelist,
		Confidence:  0.9,
	})
	o := newTestOrchestrator(mc, nil)

	out := o.Decide(context.Background(), Input{
		Peer:    "p1",
		Text:    "What  do you do?",
		History: []string{"  HEY ", ""},
		Folder:  datatypes.FolderBot,
	})
	assert.Equal(t, SendTemplate(datatypes.TemplatePricelist), out.Decision)
	assert.Equal(t, StageClassifier, out.Stage)
	assert.True(t, out.Classifier.Called)
	assert.Equal(t, "what do you do?", mc.lastReq.Text)
	assert.Equal(t, []string{"hey"}, mc.lastReq.History)
	assert.Equal(t, datatypes.FolderBot, mc.lastReq.Folder)
}

func TestOrchestrator_ManualVerdictSkipsRescue(t *testing.T) {
	mc := verdictOf(classifier.Verdict{Action: classifier.ActionMoveManual, Reason: classifier.ReasonLowConfidence})
	l := ledger.NewMemoryLedger()
	require.NoError(t, ledger.RecordSend(context.Background(), l, "p1", datatypes.TemplatePaylink))
	o := newTestOrchestrator(mc, l)

	out := o.Decide(context.Background(), Input{Peer: "p1", Text: "here you go"})
	assert.Equal(t, MoveManual(classifier.ReasonLowConfidence), out.Decision)
	assert.Equal(t, StageClassifier, out.Stage)
}

func TestOrchestrator_RescueAfterClassifierFailure(t *testing.T) {
	for _, sentinel := range []error{classifier.ErrUnavailable, classifier.ErrMalformedResponse} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			l := ledger.NewMemoryLedger()
			require.NoError(t, ledger.RecordSend(context.Background(), l, "p1", datatypes.TemplatePaylink))
			mc := failingWith(fmt.Errorf("wrapped: %w", sentinel))
			o := newTestOrchestrator(mc, l)

			out := o.Decide(context.Background(), Input{Peer: "p1", Text: "here you go"})
			assert.Equal(t, MoveConfirmation(datatypes.TemplateConfirmation), out.Decision)
			assert.Equal(t, StageRescue, out.Stage)
			assert.True(t, out.Classifier.Called)
			assert.ErrorIs(t, out.Classifier.Err, sentinel)
			assert.EqualValues(t, 1, mc.calls.Load())
		})
	}
}

func TestOrchestrator_DefaultsToManual(t *testing.T) {
	o := newTestOrchestrator(nil, nil)
	assert.False(t, o.HasClassifier())

	out := o.Decide(context.Background(), Input{Peer: "p1", Text: "random"})
	assert.Equal(t, MoveManual(ReasonUnrouted), out.Decision)
	assert.Equal(t, StageDefault, out.Stage)
	assert.False(t, out.Classifier.Called)
}

func TestOrchestrator_RepeatKeepsReason(t *testing.T) {
	l := ledger.NewMemoryLedger()
	require.NoError(t, ledger.RecordSend(context.Background(), l, "p1", datatypes.TemplateGreeting))
	o := newTestOrchestrator(failingWith(classifier.ErrUnavailable), l)

	out := o.Decide(context.Background(), Input{Peer: "p1", Text: "hey"})
	assert.Equal(t, MoveManual(ReasonRepeat), out.Decision)
	assert.True(t, out.Classifier.Called)
}

func TestOrchestrator_LedgerFailure(t *testing.T) {
	o := newTestOrchestrator(nil, brokenLedger{})
	out := o.Decide(context.Background(), Input{Peer: "p1", Text: "hey"})
	assert.Equal(t, MoveManual(ReasonLedgerUnavailable), out.Decision)
}

func TestOrchestrator_TypedNilAdapterIsNoClassifier(t *testing.T) {
	var a *classifier.Adapter
	o := newTestOrchestrator(a, nil)
	assert.False(t, o.HasClassifier())
}

func TestOrchestrator_ConfidenceGating(t *testing.T) {
	tests := []struct {
		confidence float64
		want       Decision
	}{
		{0.5, MoveManual(classifier.ReasonLowConfidence)},
		{0.74, MoveManual(classifier.ReasonLowConfidence)},
		{0.75, SendTemplate(datatypes.TemplatePricelist)},
		{0.95, SendTemplate(datatypes.TemplatePricelist)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f", tt.confidence), func(t *testing.T) {
			raw := classifier.ClassifierFunc(func(context.Context, classifier.Request) (classifier.Result, error) {
				return classifier.Result{
					Action:      classifier.ActionSendTemplate,
					TemplateKey: datatypes.TemplatePricelist,
					Confidence:  tt.confidence,
				}, nil
			})
			adapter := classifier.NewAdapter(raw, classifier.AdapterConfig{Threshold: 0.75})
			o := newTestOrchestrator(adapter, nil)

			out := o.Decide(context.Background(), Input{Peer: "p1", Text: "tell me about it", Folder: datatypes.FolderBot})
			assert.Equal(t, tt.want, out.Decision)
		})
	}
}

func TestOrchestrator_FunnelProgression(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	o := newTestOrchestrator(nil, l)

	var sent []string
	for _, text := range []string{"hey", "ofcourse", "ok"} {
		out := o.Decide(ctx, Input{Peer: "p1", Text: text})
		require.Equal(t, KindSendTemplate, out.Decision.Kind, "text %q", text)
		require.NoError(t, ledger.RecordSend(ctx, l, "p1", out.Decision.TemplateKey))
		sent = append(sent, out.Decision.TemplateKey)
	}
	assert.Equal(t, []string{datatypes.TemplateGreeting, datatypes.TemplatePricelist, datatypes.TemplatePaylink}, sent)
}

func TestOrchestrator_SetRouter(t *testing.T) {
	o := newTestOrchestrator(nil, nil)
	custom := &config.RulesConfig{Keywords: config.KeywordRules{Greeting: []string{`\bbonjour\b`}}}
	o.SetRouter(NewFastRouter(custom, nil, nil))
	o.SetRouter(nil)

	out := o.Decide(context.Background(), Input{Peer: "p1", Text: "bonjour"})
	assert.Equal(t, SendTemplate(datatypes.TemplateGreeting), out.Decision)
}

func TestDecision_TargetFolder(t *testing.T) {
	f, ok := SendTemplate(datatypes.TemplateGreeting).TargetFolder()
	assert.True(t, ok)
	assert.Equal(t, datatypes.FolderBot, f)

	f, _ = MoveConfirmation(datatypes.TemplateConfirmation).TargetFolder()
	assert.Equal(t, datatypes.FolderConfirmation, f)

	_, ok = NoAction().TargetFolder()
	assert.False(t, ok)
	assert.False(t, MoveManual(ReasonRepeat).IsRouted())
	assert.True(t, MoveTimewaster().IsRouted())
}
