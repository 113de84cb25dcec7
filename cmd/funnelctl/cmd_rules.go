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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/routing"
)

var (
	rulesAccountDir bool
	rulesProbes     []string
)

// rulesReport is the JSON form of "rules check".
type rulesReport struct {
	RulesPath     string            `json:"rules_path"`
	TemplatesPath string            `json:"templates_path"`
	Patterns      int               `json:"patterns"`
	Builtins      bool              `json:"builtins"`
	Templates     []string          `json:"templates"`
	Missing       []string          `json:"missing,omitempty"`
	Probes        map[string]string `json:"probes,omitempty"`
}

func newRulesCommand() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate keyword rules and templates",
	}
	checkCmd := &cobra.Command{
		Use:   "check [rules.yaml [templates.yaml]]",
		Short: "Load rules and templates the way the server does and report problems",
		Args:  cobra.MaximumNArgs(2),
		RunE:  runRulesCheck,
	}
	checkCmd.Flags().BoolVar(&rulesAccountDir, "account", false, "Check the files of the account configured in the environment")
	checkCmd.Flags().StringArrayVar(&rulesProbes, "probe", nil, "Route a sample message for a fresh peer (repeatable)")
	rulesCmd.AddCommand(checkCmd)
	return rulesCmd
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	report := rulesReport{}

	if rulesAccountDir {
		settings, err := config.LoadSettings(".env")
		if err != nil {
			return err
		}
		report.RulesPath, report.TemplatesPath = settings.RulesPath(), settings.TemplatesPath()
	}
	if len(args) > 0 {
		report.RulesPath = args[0]
	}
	if len(args) > 1 {
		report.TemplatesPath = args[1]
	}

	rules := config.DefaultRules()
	if report.RulesPath != "" {
		loaded, err := config.LoadRulesFile(ctx, report.RulesPath, nil)
		if err != nil {
			return err
		}
		rules = loaded
	}
	templates := config.DefaultTemplates()
	if report.TemplatesPath != "" {
		loaded, err := config.LoadTemplatesFile(ctx, report.TemplatesPath, nil)
		if err != nil {
			return err
		}
		templates = loaded
	}

	router := routing.NewFastRouter(rules, nil, nil)
	report.Patterns = rules.PatternCount()
	report.Builtins = router.UsesBuiltins()
	report.Templates = templates.Keys()
	report.Missing = templates.MissingFunnelKeys()
	if len(rulesProbes) > 0 {
		report.Probes = make(map[string]string, len(rulesProbes))
		for _, p := range rulesProbes {
			report.Probes[p] = router.Route(p, ledger.Snapshot{Used: ledger.NewTemplateSet()}).String()
		}
	}

	if jsonOutput {
		if err := printJSON(cmd, report); err != nil {
			return err
		}
	} else {
		printf(cmd, "rules:     %s (%d patterns, builtins=%t)\n", orDefault(report.RulesPath), report.Patterns, report.Builtins)
		printf(cmd, "templates: %s %v\n", orDefault(report.TemplatesPath), report.Templates)
		for _, p := range rulesProbes {
			printf(cmd, "probe %q -> %s\n", p, report.Probes[p])
		}
	}
	if len(report.Missing) > 0 {
		return fmt.Errorf("templates missing funnel keys: %v", report.Missing)
	}
	return nil
}

func orDefault(path string) string {
	if path == "" {
		return "(embedded)"
	}
	return path
}
