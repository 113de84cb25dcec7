// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline handles one incoming private message end to end.
//
// For each message the Handler takes the peer's lock, skips peers already
// filed in a terminal folder, asks the routing orchestrator for a decision
// and applies it: render the template, mark read, show typing, send, record
// the send in the ledger and file the peer in its folder. Manual moves are
// applied without marking the conversation read so a human sees it unread.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/guard"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/routing"
)

// ErrNoPeer is returned for a message without a peer reference.
var ErrNoPeer = errors.New("message has no peer")

// Reasons a message is not handled, and manual reasons set by the Handler.
const (
	IgnoreNotPrivate     = "not_private"
	IgnoreTerminalFolder = "terminal_folder"

	ReasonTemplateMissing = "template_missing"
)

// FolderMover files peers into funnel folders.
//
// folders.Directory implements it against the remote platform; the
// simulation engine implements it in memory.
type FolderMover interface {
	// MovePeerExclusive leaves the peer in target and no other managed folder.
	MovePeerExclusive(ctx context.Context, target datatypes.Folder, peerRef string) error

	// FolderOf returns the managed folder holding the peer. ok is false if none.
	FolderOf(ctx context.Context, peerRef string) (datatypes.Folder, bool, error)
}

// TemplateSource supplies the current templates. config.Store implements it.
type TemplateSource interface {
	Templates() *config.Templates
}

// IncomingMessage is one message received from a peer.
type IncomingMessage struct {
	Peer        string   `json:"peer" validate:"required,max=128"`
	Text        string   `json:"text" validate:"max=4096"`
	Private     bool     `json:"private"`
	DisplayName string   `json:"display_name,omitempty"`
	History     []string `json:"history,omitempty" validate:"max=50,dive,max=4096"`
}

// Result describes what the Handler did with a message.
type Result struct {
	Peer string `json:"peer"`

	Ignored      bool   `json:"ignored,omitempty"`
	IgnoreReason string `json:"ignore_reason,omitempty"`

	// Decision is the decision actually applied. It differs from the
	// orchestrator's when a send had to fall back to Manual.
	Decision routing.Decision `json:"decision"`
	Stage    routing.Stage    `json:"stage,omitempty"`

	// Sent is the delivered reply, if any.
	Sent *Outgoing `json:"sent,omitempty"`

	// Folder is where the peer is filed after handling.
	Folder datatypes.Folder `json:"folder,omitempty"`
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	// Orchestrator is required.
	Orchestrator *routing.Orchestrator

	// Templates is required.
	Templates TemplateSource

	// Messenger is required.
	Messenger Messenger

	// Folders is required.
	Folders FolderMover

	// Guard may be nil for a private guard with default limits.
	Guard *guard.Guard

	// Recorder may be nil.
	Recorder Recorder

	// History backs messages that arrive without their own history. May be nil.
	History *HistoryBook

	// HistoryWindow caps the history passed to the orchestrator.
	HistoryWindow int

	// Paylink fills the {PAYLINK} placeholder.
	Paylink string

	// Sleep waits out the typing delay. Nil uses SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand is the typing jitter source. Nil uses math/rand/v2.
	Rand func() float64

	Logger *slog.Logger
}

// Handler applies routing decisions to incoming messages.
//
// Thread Safety: Safe for concurrent use. Messages of one peer are handled
// one at a time; different peers proceed in parallel.
type Handler struct {
	orch      *routing.Orchestrator
	ledger    ledger.Ledger
	templates TemplateSource
	messenger Messenger
	folders   FolderMover
	guard     *guard.Guard
	recorder  Recorder
	history   *HistoryBook
	window    int
	paylink   string
	sleep     func(ctx context.Context, d time.Duration) error
	rand      func() float64
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, fmt.Errorf("NewHandler: orchestrator must not be nil")
	case cfg.Templates == nil:
		return nil, fmt.Errorf("NewHandler: templates must not be nil")
	case cfg.Messenger == nil:
		return nil, fmt.Errorf("NewHandler: messenger must not be nil")
	case cfg.Folders == nil:
		return nil, fmt.Errorf("NewHandler: folders must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.New(guard.Config{Logger: cfg.Logger})
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	return &Handler{
		orch:      cfg.Orchestrator,
		ledger:    cfg.Orchestrator.Ledger(),
		templates: cfg.Templates,
		messenger: cfg.Messenger,
		folders:   cfg.Folders,
		guard:     cfg.Guard,
		recorder:  cfg.Recorder,
		history:   cfg.History,
		window:    cfg.HistoryWindow,
		paylink:   cfg.Paylink,
		sleep:     cfg.Sleep,
		rand:      cfg.Rand,
		logger:    cfg.Logger,
	}, nil
}

// Handle processes one incoming message.
//
// Description:
//
//	Non-private messages and peers in Manual, Timewaster or Confirmation
//	are ignored. Everything else is decided and applied under the peer's
//	lock. A failed send returns an error and leaves the ledger untouched.
//
// Inputs:
//
//	ctx - Cancelling it abandons the wait for the peer lock and any typing
//	  delay in progress.
//	msg - The message.
//
// Outputs:
//
//	Result - What was done. Valid even when error is non-nil.
//	error - Non-nil if the send or the folder move failed.
func (h *Handler) Handle(ctx context.Context, msg IncomingMessage) (Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Handler.Handle",
		trace.WithAttributes(
			attribute.String("peer", msg.Peer),
			attribute.Bool("private", msg.Private),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() { handleDuration.Observe(time.Since(start).Seconds()) }()

	res := Result{Peer: msg.Peer}
	if strings.TrimSpace(msg.Peer) == "" {
		messagesTotal.WithLabelValues("invalid").Inc()
		return res, fmt.Errorf("Handle: %w", ErrNoPeer)
	}
	if !msg.Private {
		messagesTotal.WithLabelValues(IgnoreNotPrivate).Inc()
		res.Ignored, res.IgnoreReason = true, IgnoreNotPrivate
		return res, nil
	}

	err := h.guard.WithPeer(ctx, msg.Peer, func(ctx context.Context) error {
		var err error
		res, err = h.handleLocked(ctx, msg)
		return err
	})

	outcome := string(res.Decision.Kind)
	if res.Ignored {
		outcome = res.IgnoreReason
	}
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("message handling failed",
			slog.String("peer", msg.Peer),
			slog.String("decision", res.Decision.String()),
			slog.String("error", err.Error()),
		)
	}
	messagesTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.String("decision", res.Decision.String()),
		attribute.String("stage", string(res.Stage)),
		attribute.String("folder", res.Folder.Label()),
	)
	return res, err
}

func (h *Handler) handleLocked(ctx context.Context, msg IncomingMessage) (Result, error) {
	res := Result{Peer: msg.Peer}

	folder := h.currentFolder(ctx, msg.Peer)
	if folder.IsTerminal() {
		h.recorder.Record(ctx, EventIgnored, msg.Peer, map[string]any{
			"peer_id": msg.Peer,
			"folder":  folder.Label(),
		})
		res.Ignored, res.IgnoreReason, res.Folder = true, IgnoreTerminalFolder, folder
		return res, nil
	}

	history := msg.History
	if history == nil && h.history != nil {
		history = h.history.Recent(msg.Peer, h.window)
	}
	if h.history != nil {
		defer h.history.Append(msg.Peer, msg.Text)
	}

	out := h.orch.Decide(ctx, routing.Input{
		Peer:    msg.Peer,
		Text:    msg.Text,
		History: history,
		Folder:  folder,
	})
	h.recordDecision(ctx, msg.Peer, out)

	res.Decision, res.Stage = out.Decision, out.Stage
	return h.apply(ctx, msg.Peer, out, res)
}

// currentFolder returns the peer's folder. Unknown or unreadable membership
// counts as Bot so a directory hiccup never silences the funnel.
func (h *Handler) currentFolder(ctx context.Context, peer string) datatypes.Folder {
	folder, ok, err := h.folders.FolderOf(ctx, peer)
	if err != nil {
		h.logger.Warn("folder lookup failed, treating peer as Bot",
			slog.String("peer", peer),
			slog.String("error", err.Error()),
		)
		return datatypes.FolderBot
	}
	if !ok {
		return datatypes.FolderBot
	}
	return folder
}

func (h *Handler) recordDecision(ctx context.Context, peer string, out routing.Outcome) {
	if ct := out.Classifier; ct.Called {
		h.recorder.Record(ctx, EventLLMCall, peer, map[string]any{"peer_id": peer})
		if ct.Err != nil {
			h.recorder.Record(ctx, EventLLMResult, peer, map[string]any{
				"peer_id": peer,
				"error":   ct.Err.Error(),
			})
		} else {
			h.recorder.Record(ctx, EventLLMResult, peer, map[string]any{
				"peer_id":    peer,
				"action":     string(ct.Verdict.Action),
				"template":   ct.Verdict.TemplateKey,
				"confidence": ct.Verdict.Confidence,
				"reason":     ct.Verdict.Reason,
			})
		}
	}
	h.recorder.Record(ctx, EventRoute, peer, map[string]any{
		"peer_id":  peer,
		"action":   string(out.Decision.Kind),
		"template": out.Decision.TemplateKey,
		"reason":   out.Decision.Reason,
		"stage":    string(out.Stage),
	})
}

func (h *Handler) apply(ctx context.Context, peer string, out routing.Outcome, res Result) (Result, error) {
	d := out.Decision
	switch d.Kind {
	case routing.KindSendTemplate:
		key := d.TemplateKey
		if out.Snapshot.Used.Has(key) && !datatypes.IsResendSafe(key) {
			return h.moveManual(ctx, peer, classifier.ReasonRepeatOrInvalid, res)
		}
		sent, err := h.reply(ctx, peer, key)
		if errors.Is(err, config.ErrTemplateMissing) {
			h.logger.Error("template missing, handing peer to a human",
				slog.String("peer", peer),
				slog.String("template", key),
			)
			return h.moveManual(ctx, peer, ReasonTemplateMissing, res)
		}
		if err != nil {
			return res, fmt.Errorf("Handle: %w", err)
		}
		res.Sent = sent
		return h.move(ctx, peer, datatypes.FolderBot, res)

	case routing.KindMoveConfirmation:
		if key := d.TemplateKey; key != "" && !out.Snapshot.Used.Has(key) {
			sent, err := h.reply(ctx, peer, key)
			switch {
			case errors.Is(err, config.ErrTemplateMissing):
				h.logger.Warn("confirmation template missing, moving without reply",
					slog.String("peer", peer),
					slog.String("template", key),
				)
			case err != nil:
				return res, fmt.Errorf("Handle: %w", err)
			default:
				res.Sent = sent
			}
		}
		return h.move(ctx, peer, datatypes.FolderConfirmation, res)

	case routing.KindMoveTimewaster:
		return h.move(ctx, peer, datatypes.FolderTimewaster, res)

	case routing.KindMoveManual:
		return h.move(ctx, peer, datatypes.FolderManual, res)

	default:
		return h.moveManual(ctx, peer, routing.ReasonUnrouted, res)
	}
}

func (h *Handler) moveManual(ctx context.Context, peer, reason string, res Result) (Result, error) {
	res.Decision = routing.MoveManual(reason)
	return h.move(ctx, peer, datatypes.FolderManual, res)
}

func (h *Handler) move(ctx context.Context, peer string, folder datatypes.Folder, res Result) (Result, error) {
	if err := h.folders.MovePeerExclusive(ctx, folder, peer); err != nil {
		return res, fmt.Errorf("Handle: move to %s: %w", folder, err)
	}
	res.Folder = folder
	return res, nil
}

// reply renders key and delivers it: read receipt, typing indicator,
// delay, send. The ledger is written only after a successful send.
func (h *Handler) reply(ctx context.Context, peer, key string) (*Outgoing, error) {
	text, err := h.templates.Templates().Render(key, config.RenderVars{Paylink: h.paylink, Peer: peer})
	if err != nil {
		repliesTotal.WithLabelValues(key, "template_missing").Inc()
		return nil, err
	}
	msg := Outgoing{Peer: peer, Text: text, Template: key}
	delay := TypingDelay(len([]rune(text)), h.rand)

	if err := h.guard.Remote(ctx, func(ctx context.Context) error {
		return h.messenger.MarkRead(ctx, peer)
	}); err != nil {
		h.logger.Warn("mark read failed", slog.String("peer", peer), slog.String("error", err.Error()))
	}
	if err := h.guard.Remote(ctx, func(ctx context.Context) error {
		return h.messenger.Typing(ctx, peer, delay)
	}); err != nil {
		h.logger.Warn("typing indicator failed", slog.String("peer", peer), slog.String("error", err.Error()))
	}
	if err := h.sleep(ctx, delay); err != nil {
		repliesTotal.WithLabelValues(key, "cancelled").Inc()
		return nil, fmt.Errorf("reply: typing delay: %w", err)
	}
	if err := h.guard.Remote(ctx, func(ctx context.Context) error {
		return h.messenger.Send(ctx, msg)
	}); err != nil {
		repliesTotal.WithLabelValues(key, "send_failed").Inc()
		return nil, fmt.Errorf("reply: send %s: %w", key, err)
	}
	repliesTotal.WithLabelValues(key, "sent").Inc()

	// The reply is out; a ledger failure must not undo the folder move.
	if err := ledger.RecordSend(ctx, h.ledger, peer, key); err != nil {
		h.logger.Error("ledger write failed after send",
			slog.String("peer", peer),
			slog.String("template", key),
			slog.String("error", err.Error()),
		)
	}
	return &msg, nil
}
