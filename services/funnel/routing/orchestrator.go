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
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
)

// =============================================================================
// Stages
// =============================================================================

// Stage names the part of the pipeline that produced a decision.
type Stage string

const (
	StageFastRouter  Stage = "fast_router"
	StageAffirmation Stage = "affirmation"
	StageClassifier  Stage = "classifier"
	StageRescue      Stage = "rescue"
	StageDefault     Stage = "default"
)

// =============================================================================
// Types
// =============================================================================

// ClassifierPort is the classifier as the orchestrator sees it.
// *classifier.Adapter implements it.
type ClassifierPort interface {
	Classify(ctx context.Context, req classifier.Request) (classifier.Verdict, error)
}

// Input is one incoming message.
type Input struct {
	// Peer identifies the conversation in the ledger.
	Peer string

	// Text is the raw message text.
	Text string

	// History holds earlier user messages, oldest first.
	History []string

	// Folder is the peer's current folder.
	Folder datatypes.Folder
}

// ClassifierTrace records what happened at the classifier stage.
type ClassifierTrace struct {
	Called   bool
	Verdict  classifier.Verdict
	Err      error
	Duration time.Duration
}

// Outcome is the result of Decide.
type Outcome struct {
	Decision Decision
	Stage    Stage

	// Snapshot is the ledger state the decision was computed from.
	Snapshot ledger.Snapshot

	Classifier ClassifierTrace
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	// Router is required.
	Router *FastRouter

	// Classifier may be nil; escalation then goes straight to the rescue.
	Classifier ClassifierPort

	// Rescue may be nil for the default phrase set.
	Rescue *PaymentIntentHeuristic

	// Ledger is required.
	Ledger ledger.Ledger

	Logger *slog.Logger
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator escalates a message through router, classifier and rescue.
//
// Description:
//
//	1. The FastRouter (with affirmations) decides if it can.
//	2. Otherwise the classifier is asked once. A non-manual verdict
//	   decides; a manual verdict sends the peer to Manual.
//	3. If the classifier is absent, unavailable, or malformed, the
//	   payment-intent rescue gets a chance.
//	4. Anything left goes to Manual.
//
//	All stages see the same ledger snapshot, taken once at the start.
//
// Thread Safety: Safe for concurrent use. SetRouter swaps the router
// atomically for hot reload.
type Orchestrator struct {
	router     atomic.Pointer[FastRouter]
	classifier ClassifierPort
	rescue     *PaymentIntentHeuristic
	ledger     ledger.Ledger
	logger     *slog.Logger
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Router == nil {
		panic("NewOrchestrator: router must not be nil")
	}
	if cfg.Ledger == nil {
		panic("NewOrchestrator: ledger must not be nil")
	}
	if a, ok := cfg.Classifier.(*classifier.Adapter); ok && a == nil {
		cfg.Classifier = nil
	}
	if cfg.Rescue == nil {
		cfg.Rescue = NewPaymentIntentHeuristic()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Orchestrator{
		classifier: cfg.Classifier,
		rescue:     cfg.Rescue,
		ledger:     cfg.Ledger,
		logger:     cfg.Logger,
	}
	o.router.Store(cfg.Router)
	return o
}

// SetRouter installs a new router for subsequent decisions.
func (o *Orchestrator) SetRouter(r *FastRouter) {
	if r != nil {
		o.router.Store(r)
	}
}

// Router returns the current router.
func (o *Orchestrator) Router() *FastRouter {
	return o.router.Load()
}

// HasClassifier reports whether a classifier is configured.
func (o *Orchestrator) HasClassifier() bool {
	return o.classifier != nil
}

// Ledger returns the ledger decisions are computed from.
func (o *Orchestrator) Ledger() ledger.Ledger {
	return o.ledger
}

// Decide computes the decision for one message.
//
// Description:
//
//	Decide never sends, moves, or writes the ledger; the caller applies the
//	decision. A ledger read failure yields MoveManual(ledger_unavailable).
//
// Inputs:
//
//	ctx - Bounds the classifier call.
//	in - The message.
//
// Outputs:
//
//	Outcome - Always populated. Decision is never NoAction.
func (o *Orchestrator) Decide(ctx context.Context, in Input) Outcome {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "routing.Orchestrator.Decide",
		trace.WithAttributes(
			attribute.String("peer", in.Peer),
			attribute.String("folder", in.Folder.Label()),
		),
	)
	defer span.End()

	out := o.decide(ctx, in, span)

	decisionsTotal.WithLabelValues(string(out.Stage), string(out.Decision.Kind)).Inc()
	decideDuration.WithLabelValues(string(out.Stage)).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("stage", string(out.Stage)),
		attribute.String("decision", out.Decision.String()),
		attribute.Bool("classifier_called", out.Classifier.Called),
	)
	o.logger.Debug("routing decision",
		slog.String("peer", in.Peer),
		slog.String("stage", string(out.Stage)),
		slog.String("decision", out.Decision.String()),
	)
	return out
}

func (o *Orchestrator) decide(ctx context.Context, in Input, span trace.Span) Outcome {
	snap, err := o.ledger.Snapshot(ctx, in.Peer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger snapshot failed")
		o.logger.Error("ledger snapshot failed",
			slog.String("peer", in.Peer),
			slog.String("error", err.Error()),
		)
		return Outcome{Decision: MoveManual(ReasonLedgerUnavailable), Stage: StageDefault}
	}
	out := Outcome{Snapshot: snap}

	norm := Normalize(in.Text)
	d, stage := o.router.Load().route(norm, snap)
	if d.IsRouted() {
		out.Decision, out.Stage = d, stage
		return out
	}
	fallbackReason := ReasonUnrouted
	if d.Kind == KindMoveManual && d.Reason != "" {
		fallbackReason = d.Reason
	}

	if o.classifier != nil {
		escalationsTotal.WithLabelValues(string(StageClassifier)).Inc()
		out.Classifier = o.classify(ctx, in, norm, snap)
		if out.Classifier.Err == nil {
			out.Decision, out.Stage = fromVerdict(out.Classifier.Verdict), StageClassifier
			return out
		}
		if !errors.Is(out.Classifier.Err, classifier.ErrUnavailable) &&
			!errors.Is(out.Classifier.Err, classifier.ErrMalformedResponse) {
			span.RecordError(out.Classifier.Err)
		}
	}

	escalationsTotal.WithLabelValues(string(StageRescue)).Inc()
	if d, ok := o.rescue.Detect(norm, snap); ok {
		out.Decision, out.Stage = d, StageRescue
		return out
	}

	out.Decision, out.Stage = MoveManual(fallbackReason), StageDefault
	return out
}

func (o *Orchestrator) classify(ctx context.Context, in Input, norm string, snap ledger.Snapshot) ClassifierTrace {
	history := make([]string, 0, len(in.History))
	for _, h := range in.History {
		if h = Normalize(h); h != "" {
			history = append(history, h)
		}
	}
	req := classifier.Request{
		Text:    norm,
		History: history,
		Folder:  in.Folder,
		Used:    snap.Used.Clone(),
		Last:    snap.Last,
	}
	start := time.Now()
	v, err := o.classifier.Classify(ctx, req)
	return ClassifierTrace{Called: true, Verdict: v, Err: err, Duration: time.Since(start)}
}

// fromVerdict maps a contract-checked verdict to a decision.
func fromVerdict(v classifier.Verdict) Decision {
	switch v.Action {
	case classifier.ActionSendTemplate:
		return SendTemplate(v.TemplateKey)
	case classifier.ActionMoveTimewaster:
		return MoveTimewaster()
	case classifier.ActionMoveConfirmation:
		key := v.TemplateKey
		if key == "" {
			key = datatypes.TemplateConfirmation
		}
		return MoveConfirmation(key)
	}
	reason := v.Reason
	if reason == "" {
		reason = classifier.ReasonModelManual
	}
	return MoveManual(reason)
}
