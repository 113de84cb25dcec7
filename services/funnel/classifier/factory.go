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
	"fmt"
	"log/slog"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
)

// NewChatClientFromSettings builds the chat backend named by settings.
//
// Outputs:
//
//	ChatClient - Nil when the backend is "none".
//	error - Non-nil if the backend is unknown or misconfigured.
func NewChatClientFromSettings(s *config.Settings, logger *slog.Logger) (ChatClient, error) {
	switch s.ClassifierBackend {
	case config.BackendNone:
		return nil, nil
	case config.BackendOllama:
		return NewOllamaChatClient(s.OllamaURL, s.Model, nil, logger), nil
	case config.BackendOpenAI:
		return NewOpenAIChatClient(s.OpenAIAPIKey, s.OpenAIModel, "", logger)
	default:
		return nil, fmt.Errorf("NewChatClientFromSettings: unknown backend %q", s.ClassifierBackend)
	}
}

// NewAdapterFromSettings wires chat client, classifier, and adapter.
//
// Outputs:
//
//	*Adapter - Nil when the classifier is disabled.
//	error - Non-nil if the backend cannot be built.
func NewAdapterFromSettings(s *config.Settings, logger *slog.Logger) (*Adapter, error) {
	client, err := NewChatClientFromSettings(s, logger)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, nil
	}
	llm := NewLLMClassifier(client,
		WithHistoryWindow(s.HistoryWindow),
		WithLogger(logger),
	)
	return NewAdapter(llm, AdapterConfig{
		Threshold:      s.LLMThreshold,
		Timeout:        s.ClassifierTimeout,
		CallsPerMinute: s.ClassifierCallsPerMinute,
		Logger:         logger,
	}), nil
}
