// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/pipeline"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = fixedClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = func() float64 { return 0 }
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func sends(events []Event) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == pipeline.EventSend {
			out = append(out, e)
		}
	}
	return out
}

func sentTemplates(events []Event) []string {
	var out []string
	for _, e := range sends(events) {
		out = append(out, e.Payload["template"].(string))
	}
	return out
}

func kinds(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func fixed(res classifier.Result) classifier.Classifier {
	return classifier.ClassifierFunc(func(context.Context, classifier.Request) (classifier.Result, error) {
		return res, nil
	})
}

// =============================================================================
// Engine
// =============================================================================

func TestEngine_GreetingStaysInBot(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	e.AddPeer("u1", "User 1", "")

	_, err := e.Incoming(ctx, "u1", "hi")
	require.NoError(t, err)

	p, ok := e.Peer("u1")
	require.True(t, ok)
	assert.Equal(t, datatypes.FolderBot, p.Folder)
	assert.Equal(t, []string{"incoming", "route", "read", "typing", "send"}, kinds(e.Events()))
	require.Len(t, p.History, 2)
	assert.Equal(t, datatypes.RoleBot, p.History[1].Role)
}

func TestEngine_NotInterestedMovesTimewaster(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.AddPeer("u1", "User 1", "")

	_, err := e.Incoming(context.Background(), "u1", "not interested")
	require.NoError(t, err)

	p, _ := e.Peer("u1")
	assert.Equal(t, datatypes.FolderTimewaster, p.Folder)

	var last Event
	for _, ev := range e.Events() {
		if ev.PeerID() == "u1" {
			last = ev
		}
	}
	assert.Equal(t, pipeline.EventMoveFolder, last.Kind)
	assert.Equal(t, "TIMEWASTER", last.Payload["folder"])
	assert.Empty(t, sends(e.Events()))
}

func TestEngine_OffTopicWithoutClassifierGoesManual(t *testing.T) {
	e := newTestEngine(t, Config{})

	_, err := e.Incoming(context.Background(), "u1", "random")
	require.NoError(t, err)

	p, _ := e.Peer("u1")
	assert.Equal(t, datatypes.FolderManual, p.Folder)
}

func TestEngine_ClassifierConfidenceGating(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		folder     datatypes.Folder
		sent       bool
	}{
		{"low confidence", 0.6, datatypes.FolderManual, false},
		{"high confidence", 0.9, datatypes.FolderBot, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{
				Classifier: fixed(classifier.Result{Action: classifier.ActionSendTemplate, TemplateKey: "greeting", Confidence: tt.confidence}),
				Threshold:  0.75,
			})
			_, err := e.Incoming(context.Background(), "u1", "random")
			require.NoError(t, err)

			p, _ := e.Peer("u1")
			assert.Equal(t, tt.folder, p.Folder)
			assert.Equal(t, tt.sent, len(sends(e.Events())) == 1)

			ks := kinds(e.Events())
			assert.Contains(t, ks, pipeline.EventLLMCall)
			assert.Contains(t, ks, pipeline.EventLLMResult)
		})
	}
}

func TestEngine_AffirmationsAdvanceFunnel(t *testing.T) {
	for _, yes := range []string{"yes", "yes i am", "ofcourse"} {
		t.Run(yes, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, Config{})
			e.AddPeer("alice", "Alice", "")

			_, err := e.Incoming(ctx, "alice", "hey")
			require.NoError(t, err)
			_, err = e.Incoming(ctx, "alice", yes)
			require.NoError(t, err)

			assert.Equal(t, []string{"greeting", "pricelist"}, sentTemplates(e.Events()))
		})
	}
}

func TestEngine_HowDoIPayRoutesToPaylink(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	_, err := e.Incoming(ctx, "u1", "hey")
	require.NoError(t, err)
	_, err = e.Incoming(ctx, "u1", "how do i pay ?")
	require.NoError(t, err)

	assert.Contains(t, sentTemplates(e.Events()), "paylink")
}

func TestEngine_ManualMoveIsUnread(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.AddPeer("u2", "Bob", "")

	_, err := e.Incoming(context.Background(), "u2", "weird off-topic long text that breaks rules")
	require.NoError(t, err)

	ks := kinds(e.Events())
	assert.Contains(t, ks, pipeline.EventMoveFolder)
	assert.NotContains(t, ks, pipeline.EventRead)
}

func TestEngine_PaylinkNotEmpty(t *testing.T) {
	e := newTestEngine(t, Config{Templates: config.NewTemplates(map[string]string{"paylink": "{PAYLINK}"})})

	_, err := e.Incoming(context.Background(), "u_pay", "how do i pay ?")
	require.NoError(t, err)

	s := sends(e.Events())
	require.Len(t, s, 1)
	assert.Equal(t, "paylink", s[0].Payload["template"])
	assert.NotEmpty(t, strings.TrimSpace(s[0].Payload["text"].(string)))
}

func TestEngine_SynonymsAndMenuVariants(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	for _, msg := range []struct{ peer, text string }{
		{"u_syn", "hey baby"},
		{"u_syn", "payment?"},
		{"u_menu", "content?"},
	} {
		_, err := e.Incoming(ctx, msg.peer, msg.text)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"greeting", "paylink", "pricelist"}, sentTemplates(e.Events()))
}

func TestEngine_PaymentRescueWithClassifierDown(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{Classifier: ClassifierSpec{Mode: ClassifierFail}.build()})
	e.AddPeer("u1", "Alice", "")

	for _, text := range []string{"hey", "prices?", "how do i pay ?", "here you go"} {
		_, err := e.Incoming(ctx, "u1", text)
		require.NoError(t, err)
	}

	events := e.Events()
	assert.Contains(t, sentTemplates(events), "confirmation")
	var lastFolder any
	for _, ev := range events {
		if ev.Kind == pipeline.EventMoveFolder {
			lastFolder = ev.Payload["folder"]
		}
	}
	assert.Equal(t, "CONFIRMATION", lastFolder)

	_, err := e.Incoming(ctx, "u1", "ok?")
	require.NoError(t, err)
	events = e.Events()
	assert.Equal(t, pipeline.EventIgnored, events[len(events)-1].Kind)
}

func TestEngine_ClassifierSeesEarlierMessages(t *testing.T) {
	var got []string
	clf := classifier.ClassifierFunc(func(_ context.Context, req classifier.Request) (classifier.Result, error) {
		got = req.History
		return classifier.Result{Action: classifier.ActionMoveManual, Confidence: 0.9}, nil
	})
	ctx := context.Background()
	e := newTestEngine(t, Config{Classifier: clf})

	_, err := e.Incoming(ctx, "u1", "hi")
	require.NoError(t, err)
	_, err = e.Incoming(ctx, "u1", "tell me something odd")
	require.NoError(t, err)

	assert.Equal(t, []string{"hi"}, got)
}

func TestEngine_SkipReadAndTyping(t *testing.T) {
	e := newTestEngine(t, Config{SkipRead: true, SkipTyping: true})

	_, err := e.Incoming(context.Background(), "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"incoming", "route", "send"}, kinds(e.Events()))
}

func TestEngine_ResetKeepsLedger(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	_, err := e.Incoming(ctx, "u1", "hi")
	require.NoError(t, err)
	e.Reset()
	assert.Empty(t, e.Events())
	assert.Empty(t, e.PeerIDs())

	// Greeting is already used, so a second "hi" is a repeat.
	res, err := e.Incoming(ctx, "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, datatypes.FolderManual, res.Folder)
}

// =============================================================================
// Report
// =============================================================================

func TestEngine_Report(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	e.AddPeer("u1", "Alice", "")

	_, err := e.Incoming(ctx, "u1", "hi")
	require.NoError(t, err)
	_, err = e.Incoming(ctx, "u2", "not interested")
	require.NoError(t, err)

	r := e.Report()
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, 2, r.Summary.NumPeers)
	assert.Equal(t, len(r.Events), r.Summary.NumEvents)
	assert.Equal(t, map[string]int{"MANUAL": 0, "BOT": 1, "TIMEWASTER": 1, "CONFIRMATION": 0}, r.Summary.Folders)
	assert.Equal(t, "Alice", r.Peers["u1"].DisplayName)
	assert.Equal(t, "BOT", r.Peers["u1"].Folder)

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "run_id")
	assert.Contains(t, decoded, "summary")
}

// =============================================================================
// Scenarios
// =============================================================================

func TestLoadScenarios_ClassifierForms(t *testing.T) {
	doc := `
name: scalar
classifier: fail
steps:
  - {peer: u1, text: hi}
---
name: mapping
classifier: {action: send_template, template_key: pricelist, confidence: 0.8}
steps:
  - {peer: u1, text: hi}
---
name: default
steps:
  - {peer: u1, text: hi}
`
	sc, err := LoadScenarios(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, sc, 3)

	assert.Equal(t, ClassifierFail, sc[0].Classifier.Mode)
	assert.Equal(t, ClassifierFixed, sc[1].Classifier.Mode)
	require.NotNil(t, sc[1].Classifier.Result)
	assert.Equal(t, "pricelist", sc[1].Classifier.Result.TemplateKey)
	assert.Equal(t, ClassifierNone, sc[2].Classifier.Mode)
}

func TestLoadScenarios_Invalid(t *testing.T) {
	tests := map[string]string{
		"no steps":       "name: x\n",
		"no name":        "steps:\n  - {peer: u1, text: hi}\n",
		"bad mode":       "name: x\nclassifier: sometimes\nsteps:\n  - {peer: u1, text: hi}\n",
		"bad action":     "name: x\nclassifier: {action: dance, confidence: 1}\nsteps:\n  - {peer: u1, text: hi}\n",
		"step sans peer": "name: x\nsteps:\n  - {text: hi}\n",
		"empty":          "",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadScenarios(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestDefaultScenarios_AllPass(t *testing.T) {
	reports, err := RunAll(context.Background(), DefaultScenarios(), Config{Rand: func() float64 { return 0 }}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, reports)

	for _, rep := range reports {
		for _, step := range rep.Steps {
			assert.True(t, step.Passed, "%s step %d (%q): %v", rep.Name, step.Index, step.Text, step.Failures)
		}
		assert.True(t, rep.Passed, rep.Name)
	}
}

func TestRunScenario_ReportsFailures(t *testing.T) {
	sc := Scenario{
		Name:       "wrong expectation",
		Classifier: ClassifierSpec{Mode: ClassifierNone},
		Steps: []Step{
			{Peer: "u1", Text: "hi", Expect: Expect{Action: "move_timewaster", Folder: "TIMEWASTER"}},
			{Peer: "u1", Text: "prices?", Expect: Expect{Template: "pricelist"}},
		},
	}
	rep, err := RunScenario(context.Background(), sc, Config{})
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	require.Len(t, rep.Steps, 2)
	assert.False(t, rep.Steps[0].Passed)
	assert.Len(t, rep.Steps[0].Failures, 2)
	assert.True(t, rep.Steps[1].Passed)

	var assertions int
	for _, ev := range rep.Report.Events {
		if ev.Kind == pipeline.EventAssertionResult {
			assertions++
		}
	}
	assert.Equal(t, 2, assertions)
}

func TestRunScenario_TemplatesOverride(t *testing.T) {
	sc := Scenario{
		Name:       "custom greeting",
		Classifier: ClassifierSpec{Mode: ClassifierNone},
		Templates:  map[string]string{"greeting": "Hello {peer}"},
		Steps:      []Step{{Peer: "u1", Text: "hi", Expect: Expect{Template: "greeting"}}},
	}
	rep, err := RunScenario(context.Background(), sc, Config{})
	require.NoError(t, err)
	require.True(t, rep.Passed)

	s := sends(rep.Report.Events)
	require.Len(t, s, 1)
	assert.Equal(t, "Hello u1", s[0].Payload["text"])
}

func TestRunAll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunAll(ctx, DefaultScenarios(), Config{}, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
