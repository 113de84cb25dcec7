// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the HTTP surface of the funnel engine.
//
// The platform bridge posts incoming messages to /v1/messages; operators
// use the remaining endpoints to inspect the ledger, reconcile folders,
// reload rules and replay scenarios.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/folders"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/guard"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/pipeline"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/routing"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/sim"
)

// maxScenarioBody bounds a scenario upload.
const maxScenarioBody = config.MaxYAMLFileSize

// MessageHandler handles incoming messages. pipeline.Handler implements it.
type MessageHandler interface {
	Handle(ctx context.Context, msg pipeline.IncomingMessage) (pipeline.Result, error)
}

// FolderService reconciles the remote folders. folders.Directory
// implements it.
type FolderService interface {
	EnsureFolders(ctx context.Context) (folders.SlotMap, error)
	List(ctx context.Context) ([]folders.RemoteFolder, error)
	Slots() folders.SlotMap
}

// Deps are the collaborators of Handlers. Nil optional fields disable
// their endpoints with 503.
type Deps struct {
	Account string

	// Messages, Orchestrator and Store are required.
	Messages     MessageHandler
	Orchestrator *routing.Orchestrator
	Store        *config.Store

	Folders FolderService
	Guard   *guard.Guard

	// Sim is the base configuration for scenario runs.
	Sim sim.Config

	// ScenarioLimit caps concurrently running scenarios.
	ScenarioLimit int

	Logger *slog.Logger
}

// Handlers serves the engine API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handlers{deps: deps, validate: validator.New(), logger: deps.Logger}
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func (h *Handlers) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body", Code: CodeInvalidRequest, Details: err.Error()})
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation failed", Code: CodeInvalidRequest, Details: err.Error()})
		return false
	}
	return true
}

// =============================================================================
// Messages
// =============================================================================

// HandleMessage handles POST /v1/messages.
//
// Description:
//
//	Runs one incoming message through the pipeline: decide, reply, file.
//	The request blocks for the typing delay of the reply.
//
// Response:
//
//	200 OK: pipeline.Result
//	400 Bad Request: Invalid body
//	502 Bad Gateway: The reply or folder move failed; the body still
//	  carries the Result with the decision that was attempted.
func (h *Handlers) HandleMessage(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleMessage"))

	var req pipeline.IncomingMessage
	if !h.bind(c, &req) {
		return
	}

	res, err := h.deps.Messages.Handle(c.Request.Context(), req)
	if err != nil {
		logger.Warn("message handling failed",
			slog.String("peer", req.Peer),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"code":   CodeHandlingFailed,
			"result": res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleDecide handles POST /v1/decide.
//
// Description:
//
//	Computes the decision for a message without sending, filing or
//	recording anything. The classifier is still called when the rules
//	have no answer.
func (h *Handlers) HandleDecide(c *gin.Context) {
	var req DecideRequest
	if !h.bind(c, &req) {
		return
	}
	folder := datatypes.FolderBot
	if req.Folder != "" {
		folder, _ = datatypes.FolderFromTitle(req.Folder)
	}

	out := h.deps.Orchestrator.Decide(c.Request.Context(), routing.Input{
		Peer:    req.Peer,
		Text:    req.Text,
		History: req.History,
		Folder:  folder,
	})
	resp := DecideResponse{
		Decision: out.Decision,
		Stage:    out.Stage,
		Used:     out.Snapshot.Used.Keys(),
		Last:     out.Snapshot.Last,
	}
	if ct := out.Classifier; ct.Called {
		info := &ClassifierInfo{DurationMs: ct.Duration.Milliseconds()}
		if ct.Err != nil {
			info.Error = ct.Err.Error()
		} else {
			info.Action = string(ct.Verdict.Action)
			info.Template = ct.Verdict.TemplateKey
			info.Confidence = ct.Verdict.Confidence
			info.Reason = ct.Verdict.Reason
		}
		resp.Classifier = info
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Ledger
// =============================================================================

// HandleGetLedger handles GET /v1/ledger/:peer.
func (h *Handlers) HandleGetLedger(c *gin.Context) {
	peer := c.Param("peer")
	snap, err := h.deps.Orchestrator.Ledger().Snapshot(c.Request.Context(), peer)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeLedgerUnavailable})
		return
	}
	c.JSON(http.StatusOK, LedgerResponse{Peer: peer, Used: snap.Used.Keys(), Last: snap.Last})
}

// HandleResetLedger handles DELETE /v1/ledger/:peer.
//
// Description:
//
//	Forgets which templates the peer has seen. The peer's folder is not
//	touched; move it back to Bot on the platform to restart the funnel.
func (h *Handlers) HandleResetLedger(c *gin.Context) {
	peer := c.Param("peer")
	if err := h.deps.Orchestrator.Ledger().Reset(c.Request.Context(), peer); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeLedgerUnavailable})
		return
	}
	h.logger.Info("ledger reset", slog.String("peer", peer), slog.String("request_id", getOrCreateRequestID(c)))
	c.JSON(http.StatusOK, LedgerResponse{Peer: peer, Used: []string{}})
}

// =============================================================================
// Folders
// =============================================================================

// HandleListFolders handles GET /v1/folders.
func (h *Handlers) HandleListFolders(c *gin.Context) {
	if h.deps.Folders == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "folder directory not configured", Code: CodeNotConfigured})
		return
	}
	list, err := h.deps.Folders.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: CodeRemoteFailed})
		return
	}
	c.JSON(http.StatusOK, FoldersResponse{Folders: list, Slots: h.deps.Folders.Slots()})
}

// HandleEnsureFolders handles POST /v1/folders/ensure.
//
// Response:
//
//	200 OK: EnsureResponse
//	409 Conflict: Every folder slot is taken; the body lists the slots
//	  resolved so far.
//	502 Bad Gateway: A remote call failed.
func (h *Handlers) HandleEnsureFolders(c *gin.Context) {
	if h.deps.Folders == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "folder directory not configured", Code: CodeNotConfigured})
		return
	}
	slots, err := h.deps.Folders.EnsureFolders(c.Request.Context())
	switch {
	case errors.Is(err, folders.ErrCapacityExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": CodeCapacityExhausted, "slots": slots})
	case err != nil:
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: CodeRemoteFailed})
	default:
		c.JSON(http.StatusOK, EnsureResponse{Slots: slots})
	}
}

// =============================================================================
// Configuration
// =============================================================================

// HandleReloadRules handles POST /v1/rules/reload.
//
// Description:
//
//	Re-reads rules.yaml and templates.yaml. A file that fails to parse
//	keeps its previous content and the request returns 422.
func (h *Handlers) HandleReloadRules(c *gin.Context) {
	ctx := c.Request.Context()
	store := h.deps.Store
	rulesErr := store.ReloadRules(ctx)
	tmplErr := store.ReloadTemplates(ctx)
	if err := errors.Join(rulesErr, tmplErr); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: CodeReloadFailed})
		return
	}
	c.JSON(http.StatusOK, h.configSummary())
}

// HandleGetRules handles GET /v1/rules.
func (h *Handlers) HandleGetRules(c *gin.Context) {
	c.JSON(http.StatusOK, h.configSummary())
}

func (h *Handlers) configSummary() ReloadResponse {
	rules := h.deps.Store.Rules()
	templates := h.deps.Store.Templates()
	return ReloadResponse{
		Patterns:  rules.PatternCount(),
		Builtins:  h.deps.Orchestrator.Router().UsesBuiltins(),
		Templates: templates.Keys(),
		Missing:   templates.MissingFunnelKeys(),
	}
}

// =============================================================================
// Simulation
// =============================================================================

// HandleRunScenarios handles POST /v1/sim/scenarios.
//
// Description:
//
//	The body is a YAML stream of scenarios. An empty body runs the
//	built-in reference scenarios. Scenarios run on private engines with
//	the account's current rules and templates and never touch the live
//	ledger or folders.
//
// Response:
//
//	200 OK: ScenariosResponse, also when expectations fail
//	400 Bad Request: The YAML does not describe valid scenarios
func (h *Handlers) HandleRunScenarios(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(maxScenarioBody)+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "reading body failed", Code: CodeInvalidRequest, Details: err.Error()})
		return
	}
	if len(body) > maxScenarioBody {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "scenario document too large", Code: CodeScenarioInvalid})
		return
	}

	scenarios := sim.DefaultScenarios()
	if strings.TrimSpace(string(body)) != "" {
		scenarios, err = sim.LoadScenarios(strings.NewReader(string(body)))
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeScenarioInvalid})
			return
		}
	}

	base := h.deps.Sim
	base.Rules = h.deps.Store.Rules()
	base.Templates = h.deps.Store.Templates()
	if base.Logger == nil {
		base.Logger = h.logger
	}

	start := time.Now()
	reports, err := sim.RunAll(c.Request.Context(), scenarios, base, h.deps.ScenarioLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeHandlingFailed})
		return
	}
	resp := ScenariosResponse{Passed: true, Scenarios: reports}
	for _, r := range reports {
		resp.Passed = resp.Passed && r.Passed
	}
	h.logger.Info("scenarios run",
		slog.String("request_id", requestID),
		slog.Int("scenarios", len(reports)),
		slog.Bool("passed", resp.Passed),
		slog.Duration("duration", time.Since(start)),
	)
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:     "ok",
		Account:    h.deps.Account,
		Classifier: h.deps.Orchestrator.HasClassifier(),
	}
	if h.deps.Folders != nil {
		resp.Slots = h.deps.Folders.Slots()
	}
	if h.deps.Guard != nil {
		resp.ActivePeers = h.deps.Guard.ActivePeers()
	}
	c.JSON(http.StatusOK, resp)
}
