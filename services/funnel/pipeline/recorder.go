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
	"log/slog"
	"sync"
)

// Event kinds emitted while handling a message.
const (
	EventIncoming        = "incoming"
	EventRead            = "read"
	EventTyping          = "typing"
	EventRoute           = "route"
	EventSend            = "send"
	EventMoveFolder      = "move_folder"
	EventLLMCall         = "llm_call"
	EventLLMResult       = "llm_result"
	EventIgnored         = "ignored"
	EventAssertionResult = "assertion_result"
)

// Recorder receives the decision trail of the Handler.
type Recorder interface {
	Record(ctx context.Context, kind, peer string, payload map[string]any)
}

// NopRecorder drops every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, string, string, map[string]any) {}

// LogRecorder writes events to a slog logger at debug level.
type LogRecorder struct {
	Logger *slog.Logger
}

// Record implements Recorder.
func (r LogRecorder) Record(ctx context.Context, kind, peer string, payload map[string]any) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, len(payload)+2)
	attrs = append(attrs, slog.String("event", kind), slog.String("peer", peer))
	for k, v := range payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.DebugContext(ctx, "funnel event", attrs...)
}

// =============================================================================
// HistoryBook
// =============================================================================

// DefaultHistoryDepth is how many user messages a HistoryBook keeps per peer.
const DefaultHistoryDepth = 20

// HistoryBook remembers the recent user messages of each peer for callers
// that do not supply their own history.
//
// Thread Safety: Safe for concurrent use.
type HistoryBook struct {
	mu    sync.Mutex
	depth int
	texts map[string][]string
}

// NewHistoryBook creates a book keeping depth messages per peer. Zero uses
// DefaultHistoryDepth.
func NewHistoryBook(depth int) *HistoryBook {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &HistoryBook{depth: depth, texts: make(map[string][]string)}
}

// Append adds text to peer's history, dropping the oldest entry when full.
func (b *HistoryBook) Append(peer, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := append(b.texts[peer], text)
	if len(h) > b.depth {
		h = append([]string(nil), h[len(h)-b.depth:]...)
	}
	b.texts[peer] = h
}

// Recent returns up to n of peer's latest messages, oldest first. n <= 0
// returns everything kept.
func (b *HistoryBook) Recent(peer string, n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.texts[peer]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]string(nil), h...)
}

// Forget drops peer's history.
func (b *HistoryBook) Forget(peer string) {
	b.mu.Lock()
	delete(b.texts, peer)
	b.mu.Unlock()
}
