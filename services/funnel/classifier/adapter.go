// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
)

// Adapter defaults.
const (
	DefaultThreshold = 0.75
	DefaultTimeout   = 15 * time.Second
)

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// Threshold is the minimum confidence for a non-manual verdict.
	// Zero uses DefaultThreshold.
	Threshold float64

	// Timeout bounds each classification. Zero uses DefaultTimeout.
	Timeout time.Duration

	// CallsPerMinute caps model calls. Zero disables the cap.
	CallsPerMinute int

	Logger *slog.Logger
}

// Adapter wraps a Classifier with the verdict contract.
//
// Description:
//
//	Every call is bounded by a timeout and the call budget. Results below
//	the threshold become move_manual{low_confidence}. A send_template result
//	naming an unknown or already used key becomes
//	move_manual{repeat_or_invalid}. Errors are returned as ErrUnavailable or
//	ErrMalformedResponse and are never retried.
//
// Thread Safety: Safe for concurrent use.
type Adapter struct {
	classifier Classifier
	threshold  float64
	timeout    time.Duration
	budget     *CallBudget
	logger     *slog.Logger
}

// NewAdapter wraps c.
func NewAdapter(c Classifier, cfg AdapterConfig) *Adapter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		classifier: c,
		threshold:  cfg.Threshold,
		timeout:    cfg.Timeout,
		budget:     NewCallBudget(cfg.CallsPerMinute),
		logger:     cfg.Logger,
	}
}

// Threshold returns the configured confidence threshold.
func (a *Adapter) Threshold() float64 {
	return a.threshold
}

// Classify asks the wrapped classifier and applies the verdict contract.
//
// Inputs:
//
//	ctx - Parent context. The call gets its own deadline on top.
//	req - The request. req.Threshold overrides the configured threshold.
//
// Outputs:
//
//	Verdict - Valid only when error is nil.
//	error - Wraps ErrUnavailable or ErrMalformedResponse.
func (a *Adapter) Classify(ctx context.Context, req Request) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "classifier.Adapter.Classify",
		trace.WithAttributes(
			attribute.String("folder", req.Folder.Label()),
			attribute.Int("used", len(req.Used)),
		),
	)
	defer span.End()

	if a.classifier == nil {
		return a.fail(span, "unavailable", fmt.Errorf("%w: no classifier configured", ErrUnavailable))
	}
	if ok, retryAfter := a.budget.Allow(); !ok {
		a.logger.Warn("classifier call budget exhausted",
			slog.Duration("retry_after", retryAfter),
		)
		return a.fail(span, "budget", ErrBudgetExhausted)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.classifier.Classify(callCtx, req)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return a.fail(span, "malformed", err)
		}
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return a.fail(span, "unavailable", err)
	}

	if !inUnitRange(res.Confidence) {
		return a.fail(span, "malformed", fmt.Errorf("%w: confidence %v out of range", ErrMalformedResponse, res.Confidence))
	}

	threshold := a.threshold
	if req.Threshold > 0 {
		threshold = req.Threshold
	}

	v := a.verdict(req, res, threshold)
	verdictsTotal.WithLabelValues(string(v.Action), manualReason(v)).Inc()
	span.SetAttributes(
		attribute.String("action", string(v.Action)),
		attribute.String("template_key", v.TemplateKey),
		attribute.Float64("confidence", v.Confidence),
		attribute.String("reason", v.Reason),
	)
	a.logger.Debug("classifier verdict",
		slog.String("action", string(v.Action)),
		slog.String("template_key", v.TemplateKey),
		slog.Float64("confidence", v.Confidence),
		slog.String("reason", v.Reason),
	)
	return v, nil
}

func (a *Adapter) verdict(req Request, res Result, threshold float64) Verdict {
	manual := func(reason string) Verdict {
		return Verdict{Action: ActionMoveManual, Confidence: res.Confidence, Reason: reason, Raw: res}
	}

	if !(res.Confidence >= threshold) {
		return manual(ReasonLowConfidence)
	}

	switch res.Action {
	case ActionSendTemplate:
		key := res.TemplateKey
		if !datatypes.IsFunnelTemplate(key) || req.Used.Has(key) || req.Folder.IsTerminal() {
			return manual(ReasonRepeatOrInvalid)
		}
		if key == datatypes.TemplateConfirmation {
			// Confirmation is always followed by the move.
			return Verdict{Action: ActionMoveConfirmation, TemplateKey: key, Confidence: res.Confidence, Reason: res.Reason, Raw: res}
		}
		return Verdict{Action: ActionSendTemplate, TemplateKey: key, Confidence: res.Confidence, Reason: res.Reason, Raw: res}
	case ActionMoveConfirmation:
		return Verdict{Action: ActionMoveConfirmation, TemplateKey: datatypes.TemplateConfirmation, Confidence: res.Confidence, Reason: res.Reason, Raw: res}
	case ActionMoveTimewaster:
		return Verdict{Action: ActionMoveTimewaster, Confidence: res.Confidence, Reason: res.Reason, Raw: res}
	case ActionMoveManual:
		return manual(ReasonModelManual)
	default:
		return manual(ReasonRepeatOrInvalid)
	}
}

func (a *Adapter) fail(span trace.Span, outcome string, err error) (Verdict, error) {
	verdictsTotal.WithLabelValues(outcome, "").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	a.logger.Info("classifier unusable, falling back",
		slog.String("outcome", outcome),
		slog.String("error", err.Error()),
	)
	return Verdict{}, err
}

func manualReason(v Verdict) string {
	if v.IsManual() {
		return v.Reason
	}
	return ""
}
