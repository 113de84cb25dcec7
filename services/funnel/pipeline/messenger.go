// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/bridge"
)

// Outgoing is one reply to deliver.
type Outgoing struct {
	Peer     string `json:"peer"`
	Text     string `json:"text"`
	Template string `json:"template,omitempty"`
}

// Messenger delivers the visible side of a reply.
//
// Implementations must be safe for concurrent use. The Handler takes a
// remote permit around every call.
type Messenger interface {
	// MarkRead acknowledges the peer's messages.
	MarkRead(ctx context.Context, peer string) error

	// Typing shows the typing indicator for about d.
	Typing(ctx context.Context, peer string, d time.Duration) error

	// Send delivers the reply.
	Send(ctx context.Context, msg Outgoing) error
}

// =============================================================================
// OutboxMessenger
// =============================================================================

// OutboxMessenger keeps replies in memory instead of delivering them. It
// backs dry runs and tests.
//
// Thread Safety: Safe for concurrent use.
type OutboxMessenger struct {
	mu     sync.Mutex
	sent   []Outgoing
	reads  map[string]int
	logger *slog.Logger
}

// NewOutboxMessenger creates an empty outbox.
func NewOutboxMessenger(logger *slog.Logger) *OutboxMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxMessenger{reads: make(map[string]int), logger: logger}
}

// MarkRead implements Messenger.
func (o *OutboxMessenger) MarkRead(_ context.Context, peer string) error {
	o.mu.Lock()
	o.reads[peer]++
	o.mu.Unlock()
	return nil
}

// Typing implements Messenger.
func (o *OutboxMessenger) Typing(context.Context, string, time.Duration) error {
	return nil
}

// Send implements Messenger.
func (o *OutboxMessenger) Send(_ context.Context, msg Outgoing) error {
	o.mu.Lock()
	o.sent = append(o.sent, msg)
	o.mu.Unlock()
	o.logger.Info("dry run reply",
		slog.String("peer", msg.Peer),
		slog.String("template", msg.Template),
		slog.Int("chars", len(msg.Text)),
	)
	return nil
}

// Sent returns a copy of every delivered reply, oldest first.
func (o *OutboxMessenger) Sent() []Outgoing {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outgoing(nil), o.sent...)
}

// Reads returns how often peer was marked read.
func (o *OutboxMessenger) Reads(peer string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reads[peer]
}

// =============================================================================
// HTTPMessenger
// =============================================================================

// HTTPMessenger delivers replies through the platform bridge.
//
// Description:
//
//	POST /v1/messages/read   {"peer"}
//	POST /v1/messages/typing {"peer","seconds"}
//	POST /v1/messages/send   {"peer","text","template"}
//
// Thread Safety: Safe for concurrent use.
type HTTPMessenger struct {
	client *bridge.Client
}

// NewHTTPMessenger creates a messenger over client.
func NewHTTPMessenger(client *bridge.Client) *HTTPMessenger {
	return &HTTPMessenger{client: client}
}

type peerRequest struct {
	Peer string `json:"peer"`
}

type typingRequest struct {
	Peer    string  `json:"peer"`
	Seconds float64 `json:"seconds"`
}

// MarkRead implements Messenger.
func (h *HTTPMessenger) MarkRead(ctx context.Context, peer string) error {
	if err := h.client.Do(ctx, http.MethodPost, "/v1/messages/read", peerRequest{Peer: peer}, nil); err != nil {
		return fmt.Errorf("HTTPMessenger.MarkRead: %w", err)
	}
	return nil
}

// Typing implements Messenger.
func (h *HTTPMessenger) Typing(ctx context.Context, peer string, d time.Duration) error {
	req := typingRequest{Peer: peer, Seconds: d.Seconds()}
	if err := h.client.Do(ctx, http.MethodPost, "/v1/messages/typing", req, nil); err != nil {
		return fmt.Errorf("HTTPMessenger.Typing: %w", err)
	}
	return nil
}

// Send implements Messenger.
func (h *HTTPMessenger) Send(ctx context.Context, msg Outgoing) error {
	if err := h.client.Do(ctx, http.MethodPost, "/v1/messages/send", msg, nil); err != nil {
		return fmt.Errorf("HTTPMessenger.Send: %w", err)
	}
	return nil
}
