// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// funnel runs the sales funnel service for one account.
//
// It receives private messages from the messaging bridge over HTTP, decides
// the reply with the fast router, classifier and payment rescue, sends it
// back through the bridge, and files the peer into one of the four managed
// folders.
//
// Usage:
//
//	funnel [--port 8089] [--debug] [--ensure-folders]
//
// Configuration comes from the environment and an optional .env file; see
// config.LoadSettings. Without BRIDGE_URL the service runs dry: replies are
// kept in an in-process outbox and folders live in memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/api"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/bridge"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/folders"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/guard"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/pipeline"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/routing"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/sim"
	badgerstore "github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/storage/badger"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/telemetry"
)

const serviceName = "funnel"

func main() {
	port := flag.Int("port", 0, "Port to listen on (overrides PORT)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	ensure := flag.Bool("ensure-folders", true, "Create the managed folders at startup")
	envFile := flag.String("env-file", ".env", "Optional dotenv file")
	flag.Parse()

	logger := telemetry.NewLogger(telemetry.LogConfigFromEnv())
	slog.SetDefault(logger)

	if err := run(*envFile, *port, *debug, *ensure, logger); err != nil {
		logger.Error("funnel exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(envFile string, port int, debug, ensure bool, logger *slog.Logger) error {
	settings, err := config.LoadSettings(envFile)
	if err != nil {
		return err
	}
	if port != 0 {
		settings.Port = port
	}

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.DefaultConfig(serviceName)
	telCfg.Environment = settings.Environment
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// Configuration with hot reload.
	store, err := config.OpenStore(ctx, settings, logger)
	if err != nil {
		return err
	}
	watcher, err := config.NewWatcher(store, 0, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}
	defer watcher.Stop()

	// Durable state.
	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = settings.StateDir
	dbCfg.Logger = logger
	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		return fmt.Errorf("open state at %s: %w", settings.StateDir, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close state database", slog.String("error", err.Error()))
		}
	}()
	logger.Info("state database opened", slog.String("path", settings.StateDir))

	g := guard.New(guard.Config{
		RemoteConcurrency: settings.RemoteConcurrency,
		RemoteRPS:         settings.RemoteRPS,
		Logger:            logger,
	})

	// Bridge or dry run.
	var (
		remote    folders.RemoteDirectory
		messenger pipeline.Messenger
		slots     folders.SlotStore
	)
	if settings.BridgeURL != "" {
		client := bridge.NewClient(settings.BridgeURL, nil, logger)
		remote = folders.NewHTTPRemote(client)
		messenger = pipeline.NewHTTPMessenger(client)
		slots = folders.NewBadgerSlotStore(db, settings.Account)
		logger.Info("bridge configured", slog.String("url", settings.BridgeURL))
	} else {
		remote = folders.NewMemoryRemote()
		messenger = pipeline.NewOutboxMessenger(logger)
		slots = folders.NewFileSlotStore(settings.FoldersPath(), logger)
		logger.Warn("BRIDGE_URL not set, running dry: replies go to the outbox")
	}

	dir, err := folders.NewDirectory(folders.DirectoryConfig{
		Remote: remote,
		Slots:  slots,
		Gate:   g,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if ensure {
		if slotMap, err := dir.EnsureFolders(ctx); err != nil {
			logger.Warn("ensuring folders failed, continuing with lazy creation",
				slog.String("error", err.Error()),
				slog.Any("slots", slotMap),
			)
		} else {
			logger.Info("folders ready", slog.Any("slots", slotMap))
		}
	}

	// Decision pipeline.
	var classifierPort routing.ClassifierPort
	if settings.ClassifierEnabled() {
		adapter, err := classifier.NewAdapterFromSettings(settings, logger)
		if err != nil {
			return err
		}
		if adapter != nil {
			classifierPort = adapter
		}
	}
	orch := routing.NewOrchestrator(routing.OrchestratorConfig{
		Router:     routing.NewFastRouter(store.Rules(), nil, logger),
		Classifier: classifierPort,
		Ledger:     ledger.NewBadgerLedger(db, settings.Account, logger),
		Logger:     logger,
	})
	store.OnRulesChange(func(rules *config.RulesConfig) {
		orch.SetRouter(routing.NewFastRouter(rules, nil, logger))
	})
	logger.Info("router ready",
		slog.Int("patterns", store.Rules().PatternCount()),
		slog.Bool("builtins", orch.Router().UsesBuiltins()),
		slog.String("classifier", settings.ClassifierBackend),
		slog.Float64("threshold", settings.LLMThreshold),
	)

	handler, err := pipeline.NewHandler(pipeline.HandlerConfig{
		Orchestrator:  orch,
		Templates:     store,
		Messenger:     messenger,
		Folders:       dir,
		Guard:         g,
		Recorder:      pipeline.LogRecorder{Logger: logger},
		History:       pipeline.NewHistoryBook(0),
		HistoryWindow: settings.HistoryWindow,
		Paylink:       settings.Paylink,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	router := api.NewRouter(api.NewHandlers(api.Deps{
		Account:      settings.Account,
		Messages:     handler,
		Orchestrator: orch,
		Store:        store,
		Folders:      dir,
		Guard:        g,
		Sim: sim.Config{
			Threshold:     settings.LLMThreshold,
			HistoryWindow: settings.HistoryWindow,
			Paylink:       settings.Paylink,
		},
		Logger: logger,
	}), api.RouterConfig{ServiceName: serviceName, AccessLog: debug, Logger: logger})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting funnel server",
			slog.String("address", srv.Addr),
			slog.String("account", settings.Account),
			slog.String("environment", settings.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down funnel server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
