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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Defaults for LLMClassifier.
const (
	DefaultTemperature   = 0.1
	DefaultHistoryWindow = 5
)

// LLMClassifier classifies with a chat model.
//
// Thread Safety: Safe for concurrent use if the ChatClient is.
type LLMClassifier struct {
	client        ChatClient
	temperature   float64
	historyWindow int
	logger        *slog.Logger
}

// LLMClassifierOption configures an LLMClassifier.
type LLMClassifierOption func(*LLMClassifier)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMClassifierOption {
	return func(c *LLMClassifier) { c.temperature = t }
}

// WithHistoryWindow sets how many previous user messages are sent.
func WithHistoryWindow(n int) LLMClassifierOption {
	return func(c *LLMClassifier) { c.historyWindow = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LLMClassifierOption {
	return func(c *LLMClassifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewLLMClassifier creates a classifier backed by client.
func NewLLMClassifier(client ChatClient, opts ...LLMClassifierOption) *LLMClassifier {
	c := &LLMClassifier{
		client:        client,
		temperature:   DefaultTemperature,
		historyWindow: DefaultHistoryWindow,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify implements Classifier.
//
// Outputs:
//
//	Result - The parsed model answer.
//	error - Wraps ErrUnavailable on transport failure and
//	  ErrMalformedResponse when the answer cannot be parsed.
func (c *LLMClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "classifier.LLMClassifier.Classify")
	defer span.End()

	if c.client == nil {
		return Result{}, fmt.Errorf("%w: chat client is nil", ErrUnavailable)
	}
	span.SetAttributes(attribute.String("provider", c.client.Provider()))

	messages := BuildMessages(req, c.historyWindow)
	content, err := c.client.Chat(ctx, messages, ChatOptions{Temperature: c.temperature})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	res, err := ParseResult(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		c.logger.Warn("classifier reply rejected",
			slog.String("provider", c.client.Provider()),
			slog.String("error", err.Error()),
			slog.Int("reply_len", len(content)),
		)
		if !errors.Is(err, ErrMalformedResponse) {
			err = fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("action", string(res.Action)),
		attribute.String("template_key", res.TemplateKey),
		attribute.Float64("confidence", res.Confidence),
	)
	return res, nil
}
