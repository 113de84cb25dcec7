// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/telemetry"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// ServiceName names the otelgin spans.
	ServiceName string

	// AccessLog logs every request at info level.
	AccessLog bool

	Logger *slog.Logger
}

// RegisterRoutes registers the engine endpoints under rg.
//
// Endpoints:
//
//	POST   /messages          - Handle an incoming message
//	POST   /decide            - Explain a decision without applying it
//	GET    /ledger/:peer      - Templates already sent to a peer
//	DELETE /ledger/:peer      - Forget a peer's template history
//	GET    /folders           - Remote folders and slot map
//	POST   /folders/ensure    - Create missing funnel folders
//	GET    /rules             - Current rule and template summary
//	POST   /rules/reload      - Re-read rules.yaml and templates.yaml
//	POST   /sim/scenarios     - Replay YAML scenarios
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/messages", h.HandleMessage)
	rg.POST("/decide", h.HandleDecide)

	rg.GET("/ledger/:peer", h.HandleGetLedger)
	rg.DELETE("/ledger/:peer", h.HandleResetLedger)

	rg.GET("/folders", h.HandleListFolders)
	rg.POST("/folders/ensure", h.HandleEnsureFolders)

	rg.GET("/rules", h.HandleGetRules)
	rg.POST("/rules/reload", h.HandleReloadRules)

	rg.POST("/sim/scenarios", h.HandleRunScenarios)
}

// NewRouter builds the gin engine with middleware, /healthz, /metrics and
// the /v1 API.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "funnel"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	if cfg.AccessLog {
		router.Use(accessLog(cfg.Logger))
	}

	router.GET("/healthz", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	RegisterRoutes(router.Group("/v1"), h)
	return router
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", c.Writer.Header().Get("X-Request-ID")),
		)
	}
}
