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
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIChatClient talks to the OpenAI chat completions API.
//
// Thread Safety: Safe for concurrent use.
type OpenAIChatClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIChatClient creates a client authenticated with apiKey.
//
// Inputs:
//
//	apiKey - Required.
//	model - Default model. Empty uses DefaultOpenAIModel.
//	baseURL - Optional API root for compatible servers and tests.
//	logger - May be nil.
//
// Outputs:
//
//	*OpenAIChatClient - The client.
//	error - Non-nil if apiKey is empty.
func NewOpenAIChatClient(apiKey, model, baseURL string, logger *slog.Logger) (*OpenAIChatClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIChatClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}, nil
}

// Provider implements ChatClient.
func (c *OpenAIChatClient) Provider() string { return "openai" }

// Chat implements ChatClient.
func (c *OpenAIChatClient) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	ctx, span := tracer.Start(ctx, "classifier.OpenAIChatClient.Chat",
		trace.WithAttributes(
			attribute.String("provider", "openai"),
			attribute.String("model", model),
			attribute.Int("message_count", len(messages)),
		),
	)
	defer span.End()

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		role := m.Role
		switch role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			role = RoleUser
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	if opts.Temperature >= 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err == nil && len(resp.Choices) == 0 {
		err = fmt.Errorf("openai: returned no choices")
	}
	recordChatMetrics("openai", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}

	c.logger.Debug("received classifier reply from openai",
		slog.String("model", model),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
	)
	return resp.Choices[0].Message.Content, nil
}
