// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the per-account funnel configuration: environment
// settings, keyword rules, and reply templates.
//
// Rules and templates ship with embedded defaults and are overridden by
// data/accounts/<account>/{rules.yaml,templates.yaml}. A Store holds the
// live copies and a Watcher hot-reloads them when the files change.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"
)

var configTracer = otel.Tracer("funnel.config")

// MaxYAMLFileSize bounds rules.yaml and templates.yaml.
const MaxYAMLFileSize = 1 << 20

// =============================================================================
// Embedded Default Rules
// =============================================================================

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// =============================================================================
// Rules Configuration Types
// =============================================================================

// RulesConfig holds the keyword patterns of one account.
//
// Description:
//
//	Patterns are case-insensitive regular expressions matched against the
//	normalized message. The router compiles them once; a pattern that does
//	not compile is kept and matched literally.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type RulesConfig struct {
	// Keywords holds the template categories.
	Keywords KeywordRules `yaml:"keywords"`

	// NotInterested patterns move the peer to Timewaster.
	NotInterested []string `yaml:"not_interested"`
}

// KeywordRules holds the pattern lists of the four template categories.
type KeywordRules struct {
	Greeting     []string `yaml:"greeting"`
	Pricelist    []string `yaml:"pricelist"`
	Paylink      []string `yaml:"paylink"`
	Confirmation []string `yaml:"confirmation"`
}

// IsEmpty reports whether no category has any pattern. An empty rule set
// makes the router use its built-in keyword lists.
func (r *RulesConfig) IsEmpty() bool {
	if r == nil {
		return true
	}
	return r.PatternCount() == 0
}

// PatternCount returns the total number of patterns across categories.
func (r *RulesConfig) PatternCount() int {
	if r == nil {
		return 0
	}
	return len(r.Keywords.Greeting) + len(r.Keywords.Pricelist) +
		len(r.Keywords.Paylink) + len(r.Keywords.Confirmation) +
		len(r.NotInterested)
}

// =============================================================================
// Loading
// =============================================================================

// DefaultRules returns the embedded default rules.
//
// Outputs:
//
//	*RulesConfig - Never nil. The embedded file is validated by tests, so a
//	parse failure here means a broken build and panics.
func DefaultRules() *RulesConfig {
	cfg, err := LoadRulesConfig(context.Background(), defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("DefaultRules: embedded rules invalid: %v", err))
	}
	return cfg
}

// LoadRulesConfig parses and validates rules from YAML bytes.
//
// Description:
//
//	An empty document is valid and yields an empty rule set. Blank patterns
//	are dropped. Patterns are trimmed but otherwise kept as written.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes.
//
// Outputs:
//
//	*RulesConfig - The validated rules.
//	error - Non-nil if the data is too large or not valid YAML.
func LoadRulesConfig(ctx context.Context, data []byte) (*RulesConfig, error) {
	_, span := configTracer.Start(ctx, "config.LoadRulesConfig")
	defer span.End()

	if len(data) > MaxYAMLFileSize {
		err := fmt.Errorf("LoadRulesConfig: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
		span.RecordError(err)
		span.SetStatus(codes.Error, "too large")
		return nil, err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, fmt.Errorf("LoadRulesConfig: parsing YAML: %w", err)
	}

	cfg.Keywords.Greeting = cleanPatterns(cfg.Keywords.Greeting)
	cfg.Keywords.Pricelist = cleanPatterns(cfg.Keywords.Pricelist)
	cfg.Keywords.Paylink = cleanPatterns(cfg.Keywords.Paylink)
	cfg.Keywords.Confirmation = cleanPatterns(cfg.Keywords.Confirmation)
	cfg.NotInterested = cleanPatterns(cfg.NotInterested)

	span.SetAttributes(
		attribute.Int("greeting", len(cfg.Keywords.Greeting)),
		attribute.Int("pricelist", len(cfg.Keywords.Pricelist)),
		attribute.Int("paylink", len(cfg.Keywords.Paylink)),
		attribute.Int("confirmation", len(cfg.Keywords.Confirmation)),
		attribute.Int("not_interested", len(cfg.NotInterested)),
		attribute.Bool("empty", cfg.IsEmpty()),
	)

	return &cfg, nil
}

// LoadRulesFile reads rules from path.
//
// Description:
//
//	A missing file yields the embedded defaults. Any other read failure or
//	an invalid document is returned as an error.
//
// Outputs:
//
//	*RulesConfig - The loaded rules.
//	error - Non-nil on read or parse failure.
func LoadRulesFile(ctx context.Context, path string, logger *slog.Logger) (*RulesConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("rules file not found, using embedded defaults", slog.String("path", path))
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadRulesFile: read %s: %w", path, err)
	}
	cfg, err := LoadRulesConfig(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("LoadRulesFile: %s: %w", path, err)
	}
	logger.Info("rules loaded",
		slog.String("path", path),
		slog.Int("patterns", cfg.PatternCount()),
	)
	return cfg, nil
}

func cleanPatterns(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
