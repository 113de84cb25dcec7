// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// RulesListener is called with every newly installed rule set.
type RulesListener func(*RulesConfig)

// Store holds the live rules and templates of one account.
//
// Description:
//
//	Readers call Rules and Templates on every message; both are lock-free
//	pointer loads. Reload swaps in a freshly parsed copy only when parsing
//	succeeds, so a bad edit never replaces a good configuration.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	rules     atomic.Pointer[RulesConfig]
	templates atomic.Pointer[Templates]

	rulesPath     string
	templatesPath string
	logger        *slog.Logger

	mu        sync.Mutex
	listeners []RulesListener
}

// NewStore creates a store seeded with rules and templates.
//
// Inputs:
//
//	rules - Initial rules. Nil uses the embedded defaults.
//	templates - Initial templates. Nil uses the embedded defaults.
//	logger - May be nil.
func NewStore(rules *RulesConfig, templates *Templates, logger *slog.Logger) *Store {
	if rules == nil {
		rules = DefaultRules()
	}
	if templates == nil {
		templates = DefaultTemplates()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	s.rules.Store(rules)
	s.templates.Store(templates)
	return s
}

// OpenStore loads the account's rules and templates from disk.
func OpenStore(ctx context.Context, settings *Settings, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := LoadRulesFile(ctx, settings.RulesPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("OpenStore: %w", err)
	}
	templates, err := LoadTemplatesFile(ctx, settings.TemplatesPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("OpenStore: %w", err)
	}
	if missing := templates.MissingFunnelKeys(); len(missing) > 0 {
		logger.Warn("templates missing funnel keys", slog.Any("missing", missing))
	}
	s := NewStore(rules, templates, logger)
	s.rulesPath = settings.RulesPath()
	s.templatesPath = settings.TemplatesPath()
	return s, nil
}

// Rules returns the current rules. Never nil.
func (s *Store) Rules() *RulesConfig {
	return s.rules.Load()
}

// Templates returns the current templates. Never nil.
func (s *Store) Templates() *Templates {
	return s.templates.Load()
}

// RulesPath returns the watched rules path, or "" for an in-memory store.
func (s *Store) RulesPath() string {
	return s.rulesPath
}

// TemplatesPath returns the watched templates path, or "" for an in-memory store.
func (s *Store) TemplatesPath() string {
	return s.templatesPath
}

// OnRulesChange registers fn to run after every successful rules reload.
func (s *Store) OnRulesChange(fn RulesListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetRules installs rules and notifies listeners.
func (s *Store) SetRules(rules *RulesConfig) {
	s.rules.Store(rules)
	s.mu.Lock()
	listeners := append([]RulesListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(rules)
	}
}

// ReloadRules re-reads the rules file. On failure the current rules stay.
func (s *Store) ReloadRules(ctx context.Context) error {
	if s.rulesPath == "" {
		return nil
	}
	rules, err := LoadRulesFile(ctx, s.rulesPath, s.logger)
	if err != nil {
		s.logger.Warn("rules reload failed, keeping previous rules",
			slog.String("path", s.rulesPath),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ReloadRules: %w", err)
	}
	s.SetRules(rules)
	return nil
}

// ReloadTemplates re-reads the templates file. On failure the current
// templates stay.
func (s *Store) ReloadTemplates(ctx context.Context) error {
	if s.templatesPath == "" {
		return nil
	}
	templates, err := LoadTemplatesFile(ctx, s.templatesPath, s.logger)
	if err != nil {
		s.logger.Warn("templates reload failed, keeping previous templates",
			slog.String("path", s.templatesPath),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ReloadTemplates: %w", err)
	}
	s.templates.Store(templates)
	return nil
}
