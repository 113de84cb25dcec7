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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/pipeline"
)

var tracer = otel.Tracer("funnel.sim")

var scenariosTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "sim",
		Name:      "scenarios_total",
		Help:      "Scenario runs by result.",
	},
	[]string{"result"},
)

var scenarioValidate = validator.New()

// ActionIgnored is the expected action of a step whose message is ignored.
const ActionIgnored = "ignored"

// Classifier modes of a scenario.
const (
	ClassifierNone  = "none"
	ClassifierFail  = "fail"
	ClassifierFixed = "fixed"
)

// ErrClassifierDown is what a "fail" scenario classifier returns.
var ErrClassifierDown = errors.New("simulated classifier outage")

// =============================================================================
// Scenario documents
// =============================================================================

// FixedResult is the canned answer of a "fixed" scenario classifier.
type FixedResult struct {
	Action      string  `yaml:"action" validate:"required,oneof=send_template move_manual move_timewaster move_confirmation"`
	TemplateKey string  `yaml:"template_key"`
	Confidence  float64 `yaml:"confidence" validate:"gte=0,lte=1"`
	Reason      string  `yaml:"reason"`
}

// ClassifierSpec selects the scenario's classifier.
//
// Description:
//
//	Written either as a scalar ("none", "fail") or as a mapping holding a
//	fixed result:
//
//	  classifier: fail
//	  classifier: {action: send_template, template_key: pricelist, confidence: 0.9}
type ClassifierSpec struct {
	Mode   string       `validate:"oneof=none fail fixed"`
	Result *FixedResult `validate:"required_if=Mode fixed"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *ClassifierSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var mode string
		if err := node.Decode(&mode); err != nil {
			return err
		}
		c.Mode = strings.ToLower(strings.TrimSpace(mode))
		if c.Mode == "" {
			c.Mode = ClassifierNone
		}
		return nil
	case yaml.MappingNode:
		var r FixedResult
		if err := node.Decode(&r); err != nil {
			return err
		}
		c.Mode, c.Result = ClassifierFixed, &r
		return nil
	}
	return fmt.Errorf("line %d: classifier must be a mode or a result mapping", node.Line)
}

func (c ClassifierSpec) build() classifier.Classifier {
	switch c.Mode {
	case ClassifierFail:
		return classifier.ClassifierFunc(func(context.Context, classifier.Request) (classifier.Result, error) {
			return classifier.Result{}, ErrClassifierDown
		})
	case ClassifierFixed:
		res := classifier.Result{
			Action:      classifier.Action(c.Result.Action),
			TemplateKey: c.Result.TemplateKey,
			Confidence:  c.Result.Confidence,
			Reason:      c.Result.Reason,
		}
		return classifier.ClassifierFunc(func(context.Context, classifier.Request) (classifier.Result, error) {
			return res, nil
		})
	}
	return nil
}

// Expect is what a step must produce. Empty fields are not checked.
type Expect struct {
	// Action is a decision kind or "ignored".
	Action   string `yaml:"action"`
	Template string `yaml:"template"`
	Folder   string `yaml:"folder"`
}

// Step is one incoming message of a scenario.
type Step struct {
	Peer   string `yaml:"peer" validate:"required"`
	Text   string `yaml:"text"`
	Expect Expect `yaml:"expect"`
}

// Scenario is a scripted conversation with expectations.
type Scenario struct {
	Name       string            `yaml:"name" validate:"required"`
	Classifier ClassifierSpec    `yaml:"classifier"`
	Threshold  float64           `yaml:"threshold" validate:"gte=0,lte=1"`
	Paylink    string            `yaml:"paylink"`
	Templates  map[string]string `yaml:"templates"`
	Steps      []Step            `yaml:"steps" validate:"required,min=1,dive"`
}

// LoadScenarios decodes every YAML document in r as a Scenario.
func LoadScenarios(r io.Reader) ([]Scenario, error) {
	dec := yaml.NewDecoder(r)
	var out []Scenario
	for {
		var sc Scenario
		err := dec.Decode(&sc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("LoadScenarios: document %d: %w", len(out)+1, err)
		}
		if sc.Classifier.Mode == "" {
			sc.Classifier.Mode = ClassifierNone
		}
		if err := scenarioValidate.Struct(sc); err != nil {
			return nil, fmt.Errorf("LoadScenarios: %q: %w", sc.Name, err)
		}
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("LoadScenarios: no scenarios found")
	}
	return out, nil
}

// LoadScenarioFile reads scenarios from path.
func LoadScenarioFile(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadScenarioFile: %w", err)
	}
	if len(data) > config.MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadScenarioFile: %s exceeds %d bytes", path, config.MaxYAMLFileSize)
	}
	return LoadScenarios(bytes.NewReader(data))
}

// =============================================================================
// Running
// =============================================================================

// StepResult is the outcome of one step.
type StepResult struct {
	Index    int      `json:"index"`
	Peer     string   `json:"peer"`
	Text     string   `json:"text"`
	Action   string   `json:"action"`
	Template string   `json:"template,omitempty"`
	Folder   string   `json:"folder"`
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ScenarioReport is the outcome of one scenario.
type ScenarioReport struct {
	Name   string       `json:"name"`
	Passed bool         `json:"passed"`
	Steps  []StepResult `json:"steps"`
	Report Report       `json:"report"`
}

// RunScenario plays sc on a fresh engine.
//
// Description:
//
//	base supplies the account templates, rules and logger. The scenario's
//	classifier, threshold, paylink and templates replace base's. Each step
//	is followed by an assertion_result event. A step whose handling fails
//	is reported as failed; the remaining steps still run.
//
// Outputs:
//
//	ScenarioReport - Per-step results and the final engine report.
//	error - Non-nil only if the engine could not be built or ctx ended.
func RunScenario(ctx context.Context, sc Scenario, base Config) (ScenarioReport, error) {
	ctx, span := tracer.Start(ctx, "sim.RunScenario")
	defer span.End()
	span.SetAttributes(
		attribute.String("scenario", sc.Name),
		attribute.Int("steps", len(sc.Steps)),
	)

	cfg := base
	cfg.Ledger = nil
	cfg.Classifier = sc.Classifier.build()
	if sc.Threshold > 0 {
		cfg.Threshold = sc.Threshold
	}
	if sc.Paylink != "" {
		cfg.Paylink = sc.Paylink
	}
	if len(sc.Templates) > 0 {
		cfg.Templates = config.NewTemplates(sc.Templates)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ScenarioReport{}, fmt.Errorf("RunScenario: %q: %w", sc.Name, err)
	}

	rep := ScenarioReport{Name: sc.Name, Passed: true}
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("RunScenario: %q: %w", sc.Name, err)
		}
		res, herr := engine.Incoming(ctx, step.Peer, step.Text)
		sr := engine.check(i, step, res, herr)
		rep.Steps = append(rep.Steps, sr)
		rep.Passed = rep.Passed && sr.Passed
		engine.record(pipeline.EventAssertionResult, map[string]any{
			"peer_id":  step.Peer,
			"step":     i,
			"passed":   sr.Passed,
			"failures": sr.Failures,
		})
	}
	rep.Report = engine.Report()

	result := "passed"
	if !rep.Passed {
		result = "failed"
		span.SetStatus(codes.Error, "expectations not met")
	}
	scenariosTotal.WithLabelValues(result).Inc()
	return rep, nil
}

func (e *Engine) check(i int, step Step, res pipeline.Result, herr error) StepResult {
	sr := StepResult{Index: i, Peer: step.Peer, Text: step.Text}
	if res.Ignored {
		sr.Action = ActionIgnored
	} else {
		sr.Action = string(res.Decision.Kind)
	}
	if res.Sent != nil {
		sr.Template = res.Sent.Template
	} else {
		sr.Template = res.Decision.TemplateKey
	}
	if p, ok := e.Peer(step.Peer); ok {
		sr.Folder = p.Folder.Label()
	}
	if herr != nil {
		sr.Error = herr.Error()
		sr.Failures = append(sr.Failures, "handling failed: "+herr.Error())
	}

	want := step.Expect
	if want.Action != "" && !strings.EqualFold(want.Action, sr.Action) {
		sr.Failures = append(sr.Failures, fmt.Sprintf("action: want %s, got %s", want.Action, sr.Action))
	}
	if want.Template != "" && want.Template != sr.Template {
		sr.Failures = append(sr.Failures, fmt.Sprintf("template: want %s, got %s", want.Template, sr.Template))
	}
	if want.Folder != "" {
		f, ok := datatypes.FolderFromTitle(want.Folder)
		if !ok || f.Label() != sr.Folder {
			sr.Failures = append(sr.Failures, fmt.Sprintf("folder: want %s, got %s", want.Folder, sr.Folder))
		}
	}
	sr.Passed = len(sr.Failures) == 0
	return sr
}

// RunAll plays scenarios concurrently, at most limit at a time.
//
// Description:
//
//	Each scenario runs on its own engine. Reports come back in input
//	order. The first engine or context error cancels the rest.
func RunAll(ctx context.Context, scenarios []Scenario, base Config, limit int) ([]ScenarioReport, error) {
	if limit <= 0 {
		limit = 4
	}
	out := make([]ScenarioReport, len(scenarios))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, sc := range scenarios {
		g.Go(func() error {
			rep, err := RunScenario(ctx, sc, base)
			out[i] = rep
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return out, fmt.Errorf("RunAll: %w", err)
	}
	return out, nil
}
