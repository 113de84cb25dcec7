// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// funnelctl is the operator CLI for the funnel service.
//
// Offline commands run the decision engine in process: "sim run" plays a
// conversation, "sim scenario" checks scenario files, and "rules check"
// validates an account's rules and templates. "folders" and "decide" talk
// to a running funnel server.
//
// Output is human readable on a terminal and JSON otherwise, so the CLI
// can sit in scripts and CI pipelines.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/telemetry"
)

var (
	jsonOutput bool
	serverURL  string
	verbose    bool
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "funnelctl",
		Short:         "Operate and simulate the sales funnel",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := "warn"
			if verbose {
				level = "debug"
			}
			slog.SetDefault(telemetry.NewLogger(telemetry.LogConfig{Format: "text", Level: level, Output: os.Stderr}))
			if !cmd.Flags().Changed("json") && !isTerminal(out) {
				jsonOutput = true
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("FUNNEL_URL", "http://localhost:8089"), "Funnel server URL")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(newSimCommand(), newFoldersCommand(), newRulesCommand(), newDecideCommand(), newLedgerCommand())
	return root
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
