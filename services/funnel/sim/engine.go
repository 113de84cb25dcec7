// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sim runs the funnel without a network.
//
// The Engine drives the same pipeline.Handler the live service uses, with
// itself standing in for the messenger, the folder directory and the event
// recorder. Every visible effect becomes an Event, so a conversation can be
// replayed and inspected step by step.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/guard"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/pipeline"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/routing"
)

// Event is one observable effect of the simulation.
type Event struct {
	// TS is the Unix time in seconds.
	TS      float64        `json:"ts"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// PeerID returns the peer_id payload field, or "".
func (e Event) PeerID() string {
	id, _ := e.Payload["peer_id"].(string)
	return id
}

// Peer is a simulated conversation.
type Peer struct {
	ID          string
	DisplayName string
	Folder      datatypes.Folder
	History     []datatypes.Message
}

func (p *Peer) userTexts() []string {
	return datatypes.UserTexts(p.History, 0)
}

// Config configures an Engine.
type Config struct {
	// Templates may be nil for the embedded defaults.
	Templates *config.Templates

	// Rules may be nil for the built-in keyword lists.
	Rules *config.RulesConfig

	// Classifier may be nil to run without a model.
	Classifier classifier.Classifier

	// Threshold gates classifier verdicts. Zero uses the classifier default.
	Threshold float64

	// HistoryWindow caps the history passed to the classifier.
	HistoryWindow int

	Paylink string

	// Ledger may be nil for a fresh in-memory ledger.
	Ledger ledger.Ledger

	// SkipRead and SkipTyping suppress the read and typing events.
	SkipRead   bool
	SkipTyping bool

	// Clock stamps events. Nil uses time.Now.
	Clock func() time.Time

	// Rand is the typing jitter source. Nil uses math/rand/v2.
	Rand func() float64

	Logger *slog.Logger
}

// Engine is an in-memory funnel.
//
// Thread Safety: Safe for concurrent use. Messages of one peer are
// handled in order; different peers may interleave.
type Engine struct {
	handler *pipeline.Handler
	orch    *routing.Orchestrator
	ledger  ledger.Ledger
	clock   func() time.Time
	cfg     Config

	mu     sync.Mutex
	peers  map[string]*Peer
	events []Event
}

// NewEngine builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewMemoryLedger()
	}

	var port routing.ClassifierPort
	if cfg.Classifier != nil {
		port = classifier.NewAdapter(cfg.Classifier, classifier.AdapterConfig{
			Threshold: cfg.Threshold,
			Logger:    cfg.Logger,
		})
	}
	orch := routing.NewOrchestrator(routing.OrchestratorConfig{
		Router:     routing.NewFastRouter(cfg.Rules, nil, cfg.Logger),
		Classifier: port,
		Ledger:     cfg.Ledger,
		Logger:     cfg.Logger,
	})

	e := &Engine{
		orch:   orch,
		ledger: cfg.Ledger,
		clock:  cfg.Clock,
		cfg:    cfg,
		peers:  make(map[string]*Peer),
	}
	h, err := pipeline.NewHandler(pipeline.HandlerConfig{
		Orchestrator:  orch,
		Templates:     config.NewStore(cfg.Rules, cfg.Templates, cfg.Logger),
		Messenger:     e,
		Folders:       e,
		Guard:         guard.New(guard.Config{Logger: cfg.Logger}),
		Recorder:      e,
		HistoryWindow: cfg.HistoryWindow,
		Paylink:       cfg.Paylink,
		Sleep:         func(context.Context, time.Duration) error { return nil },
		Rand:          cfg.Rand,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}
	e.handler = h
	return e, nil
}

// AddPeer registers a peer in folder. An empty folder means Bot.
func (e *Engine) AddPeer(id, name string, folder datatypes.Folder) {
	if folder == "" {
		folder = datatypes.FolderBot
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[id] = &Peer{ID: id, DisplayName: name, Folder: folder}
}

// SetFolder files a known peer in folder without emitting an event.
func (e *Engine) SetFolder(id string, folder datatypes.Folder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[id]; ok {
		p.Folder = folder
	}
}

// Incoming delivers text from peer id and handles it. Unknown peers are
// created in Bot.
func (e *Engine) Incoming(ctx context.Context, id, text string) (pipeline.Result, error) {
	e.mu.Lock()
	p, ok := e.peers[id]
	if !ok {
		p = &Peer{ID: id, DisplayName: id, Folder: datatypes.FolderBot}
		e.peers[id] = p
	}
	history := p.userTexts()
	p.History = append(p.History, datatypes.Message{Role: datatypes.RoleUser, Text: text, Timestamp: e.clock()})
	e.appendLocked(pipeline.EventIncoming, map[string]any{"peer_id": id, "text": text})
	e.mu.Unlock()

	if history == nil {
		history = []string{}
	}
	return e.handler.Handle(ctx, pipeline.IncomingMessage{
		Peer:        id,
		Text:        text,
		Private:     true,
		DisplayName: p.DisplayName,
		History:     history,
	})
}

// Peer returns a copy of peer id.
func (e *Engine) Peer(id string) (Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		return Peer{}, false
	}
	cp := *p
	cp.History = append([]datatypes.Message(nil), p.History...)
	return cp, true
}

// PeerIDs returns the known peer ids in sorted order.
func (e *Engine) PeerIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Events returns a copy of the event log.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

// Ledger returns the engine's ledger.
func (e *Engine) Ledger() ledger.Ledger {
	return e.ledger
}

// Orchestrator returns the engine's orchestrator.
func (e *Engine) Orchestrator() *routing.Orchestrator {
	return e.orch
}

// Reset forgets all peers and events. The ledger is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers = make(map[string]*Peer)
	e.events = nil
}

func (e *Engine) appendLocked(kind string, payload map[string]any) {
	e.events = append(e.events, Event{
		TS:      float64(e.clock().UnixNano()) / 1e9,
		Kind:    kind,
		Payload: payload,
	})
}

func (e *Engine) record(kind string, payload map[string]any) {
	e.mu.Lock()
	e.appendLocked(kind, payload)
	e.mu.Unlock()
}

// =============================================================================
// pipeline.Messenger, pipeline.FolderMover, pipeline.Recorder
// =============================================================================

// MarkRead implements pipeline.Messenger.
func (e *Engine) MarkRead(_ context.Context, peer string) error {
	if !e.cfg.SkipRead {
		e.record(pipeline.EventRead, map[string]any{"peer_id": peer})
	}
	return nil
}

// Typing implements pipeline.Messenger.
func (e *Engine) Typing(_ context.Context, peer string, d time.Duration) error {
	if !e.cfg.SkipTyping {
		e.record(pipeline.EventTyping, map[string]any{"peer_id": peer, "delay": d.Seconds()})
	}
	return nil
}

// Send implements pipeline.Messenger.
func (e *Engine) Send(_ context.Context, msg pipeline.Outgoing) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[msg.Peer]; ok {
		p.History = append(p.History, datatypes.Message{Role: datatypes.RoleBot, Text: msg.Text, Timestamp: e.clock()})
	}
	e.appendLocked(pipeline.EventSend, map[string]any{
		"peer_id":  msg.Peer,
		"text":     msg.Text,
		"template": msg.Template,
	})
	return nil
}

// MovePeerExclusive implements pipeline.FolderMover. A move to the current
// folder emits nothing.
func (e *Engine) MovePeerExclusive(_ context.Context, target datatypes.Folder, peer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[peer]
	if !ok {
		p = &Peer{ID: peer, DisplayName: peer}
		e.peers[peer] = p
	}
	if p.Folder == target {
		return nil
	}
	p.Folder = target
	e.appendLocked(pipeline.EventMoveFolder, map[string]any{"peer_id": peer, "folder": target.Label()})
	return nil
}

// FolderOf implements pipeline.FolderMover.
func (e *Engine) FolderOf(_ context.Context, peer string) (datatypes.Folder, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[peer]
	if !ok || p.Folder == "" {
		return "", false, nil
	}
	return p.Folder, true, nil
}

// Record implements pipeline.Recorder.
func (e *Engine) Record(_ context.Context, kind, _ string, payload map[string]any) {
	e.record(kind, payload)
}
