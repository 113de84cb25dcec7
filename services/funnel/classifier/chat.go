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

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a chat transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient is the minimal chat interface the classifier needs.
//
// Description:
//
//	No tools and no streaming. Any backend that can answer a transcript with
//	a single text reply fits.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ChatClient interface {
	// Chat sends messages and returns the assistant's reply text.
	//
	// Inputs:
	//   - ctx: Context for cancellation and timeout.
	//   - messages: Conversation messages (system, user, assistant).
	//   - opts: Provider-agnostic options.
	//
	// Outputs:
	//   - string: The reply text.
	//   - error: Non-nil on transport or API failure.
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error)

	// Provider names the backend for metrics and spans.
	Provider() string
}

// ChatOptions holds provider-agnostic options for a chat request.
type ChatOptions struct {
	// Temperature controls randomness. Negative omits it from the request.
	Temperature float64

	// MaxTokens limits the reply length. Zero uses the provider default.
	MaxTokens int

	// Model overrides the client's default model when set.
	Model string
}
