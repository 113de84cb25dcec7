// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/sim"
)

// simFlags hold the engine options shared by the sim subcommands.
var (
	simRulesPath     string
	simTemplatesPath string
	simPaylink       string
	simUseLLM        bool
	simPeer          string
	simFolder        string
	simParallel      int
)

func newSimCommand() *cobra.Command {
	simCmd := &cobra.Command{
		Use:   "sim",
		Short: "Run the decision engine offline",
	}
	simCmd.PersistentFlags().StringVar(&simRulesPath, "rules", "", "rules.yaml to load (default: embedded rules)")
	simCmd.PersistentFlags().StringVar(&simTemplatesPath, "templates", "", "templates.yaml to load (default: embedded templates)")
	simCmd.PersistentFlags().StringVar(&simPaylink, "paylink", envOr("PAYLINK", ""), "Payment link for {PAYLINK}")

	runCmd := &cobra.Command{
		Use:   "run [message...]",
		Short: "Play messages from one peer and print the events",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSimCommand,
	}
	runCmd.Flags().StringVar(&simPeer, "peer", "u1", "Peer id")
	runCmd.Flags().StringVar(&simFolder, "folder", "", "Starting folder of the peer")
	runCmd.Flags().BoolVar(&simUseLLM, "llm", false, "Escalate to the classifier configured in the environment")

	scenarioCmd := &cobra.Command{
		Use:   "scenario [file...]",
		Short: "Check scenario files, or the built-in scenarios when none are given",
		RunE:  runScenarioCommand,
	}
	scenarioCmd.Flags().IntVar(&simParallel, "parallel", 4, "Scenarios run concurrently")

	simCmd.AddCommand(runCmd, scenarioCmd)
	return simCmd
}

// simConfig loads rules and templates named by the sim flags.
func simConfig(ctx context.Context) (sim.Config, error) {
	cfg := sim.Config{Paylink: simPaylink}
	if simRulesPath != "" {
		rules, err := config.LoadRulesFile(ctx, simRulesPath, nil)
		if err != nil {
			return cfg, err
		}
		cfg.Rules = rules
	}
	if simTemplatesPath != "" {
		templates, err := config.LoadTemplatesFile(ctx, simTemplatesPath, nil)
		if err != nil {
			return cfg, err
		}
		cfg.Templates = templates
	}
	return cfg, nil
}

func runSimCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := simConfig(ctx)
	if err != nil {
		return err
	}
	if simUseLLM {
		settings, err := config.LoadSettings(".env")
		if err != nil {
			return err
		}
		client, err := classifier.NewChatClientFromSettings(settings, nil)
		if err != nil {
			return err
		}
		if client != nil {
			cfg.Classifier = classifier.NewLLMClassifier(client, classifier.WithHistoryWindow(settings.HistoryWindow))
			cfg.Threshold = settings.LLMThreshold
			cfg.HistoryWindow = settings.HistoryWindow
		}
	}

	engine, err := sim.NewEngine(cfg)
	if err != nil {
		return err
	}
	if simFolder != "" {
		folder, ok := datatypes.FolderFromTitle(simFolder)
		if !ok {
			return fmt.Errorf("unknown folder %q", simFolder)
		}
		engine.AddPeer(simPeer, "", folder)
	}

	for _, text := range args {
		res, err := engine.Incoming(ctx, simPeer, text)
		if err != nil {
			return fmt.Errorf("message %q: %w", text, err)
		}
		if !jsonOutput {
			printf(cmd, "> %s\n", text)
			switch {
			case res.Ignored:
				printf(cmd, "  ignored (%s)\n", res.IgnoreReason)
			case res.Sent != nil:
				printf(cmd, "  [%s] %s\n", res.Sent.Template, res.Sent.Text)
				printf(cmd, "  folder=%s stage=%s\n", res.Folder.Label(), res.Stage)
			default:
				printf(cmd, "  %s folder=%s stage=%s\n", res.Decision, res.Folder.Label(), res.Stage)
			}
		}
	}

	report := engine.Report()
	if jsonOutput {
		return report.WriteJSON(cmd.OutOrStdout())
	}
	printf(cmd, "\nrun %s: %d events\n", report.RunID, report.Summary.NumEvents)
	return nil
}

func runScenarioCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	base, err := simConfig(ctx)
	if err != nil {
		return err
	}

	scenarios := sim.DefaultScenarios()
	if len(args) > 0 {
		scenarios = nil
		for _, path := range args {
			loaded, err := sim.LoadScenarioFile(path)
			if err != nil {
				return err
			}
			scenarios = append(scenarios, loaded...)
		}
	}

	reports, err := sim.RunAll(ctx, scenarios, base, simParallel)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range reports {
		if !r.Passed {
			failed++
		}
	}
	if jsonOutput {
		if err := printJSON(cmd, reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			status := "PASS"
			if !r.Passed {
				status = "FAIL"
			}
			printf(cmd, "%s  %s\n", status, r.Name)
			for _, s := range r.Steps {
				if s.Passed {
					continue
				}
				printf(cmd, "      step %d %s %q: %s\n", s.Index, s.Peer, s.Text, strings.Join(append(s.Failures, s.Error), "; "))
			}
		}
		printf(cmd, "\n%d scenarios, %d failed\n", len(reports), failed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(reports))
	}
	return nil
}
