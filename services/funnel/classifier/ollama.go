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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxResponseBytes caps how much of a backend reply is read.
const maxResponseBytes = 1 << 20

// OllamaChatClient talks to a local Ollama server over /api/chat.
//
// Thread Safety: Safe for concurrent use.
type OllamaChatClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Options  map[string]any `json:"options,omitempty"`
	Stream   bool           `json:"stream"`
}

type ollamaChatResponse struct {
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Response string `json:"response"`
	Error    string `json:"error"`
}

// NewOllamaChatClient creates a client for the Ollama server at baseURL.
//
// Inputs:
//
//	baseURL - Server root, e.g. "http://localhost:11434". Trailing '/' is dropped.
//	model - Default model, e.g. "deepseek-r1:7b".
//	httpClient - May be nil. The classifier bounds each call with a context
//	  deadline, so the default client has no timeout of its own.
//	logger - May be nil.
func NewOllamaChatClient(baseURL, model string, httpClient *http.Client, logger *slog.Logger) *OllamaChatClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaChatClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Provider implements ChatClient.
func (c *OllamaChatClient) Provider() string { return "ollama" }

// Chat implements ChatClient.
func (c *OllamaChatClient) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	ctx, span := tracer.Start(ctx, "classifier.OllamaChatClient.Chat",
		trace.WithAttributes(
			attribute.String("provider", "ollama"),
			attribute.String("model", model),
			attribute.Int("message_count", len(messages)),
		),
	)
	defer span.End()

	start := time.Now()
	content, err := c.chat(ctx, model, messages, opts)
	recordChatMetrics("ollama", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("response_len", len(content)))
	return content, nil
}

func (c *OllamaChatClient) chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (string, error) {
	if model == "" {
		return "", fmt.Errorf("ollama: model must be specified")
	}

	payload := ollamaChatRequest{Model: model, Messages: messages, Stream: false}
	if opts.Temperature >= 0 || opts.MaxTokens > 0 {
		payload.Options = map[string]any{}
		if opts.Temperature >= 0 {
			payload.Options["temperature"] = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			payload.Options["num_predict"] = opts.MaxTokens
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ollama: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending classifier request to ollama",
		slog.String("model", model),
		slog.Int("messages", len(messages)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("ollama: reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama: API returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ollama: parsing response JSON: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: API error: %s", truncate(out.Error, 200))
	}
	if out.Message != nil && out.Message.Content != "" {
		return out.Message.Content, nil
	}
	return out.Response, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
