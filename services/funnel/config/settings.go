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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Classifier backends.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
	BackendNone   = "none"
)

var settingsValidate = validator.New()

// Settings is the process configuration read from the environment.
//
// Description:
//
//	Every field has a default so an empty environment yields a working dry
//	run for account "acc1". LLM_THRESHOLD gates classifier verdicts; the
//	older THRESHOLD variable is honoured when LLM_THRESHOLD is unset.
//
// Thread Safety: Immutable after loading.
type Settings struct {
	Environment string `validate:"required"`
	Account     string `validate:"required,max=64,excludesall=/\\"`
	DataDir     string `validate:"required"`
	StateDir    string
	Paylink     string

	LLMThreshold  float64 `validate:"gte=0,lte=1"`
	HistoryWindow int     `validate:"gte=0,lte=50"`

	ClassifierBackend        string        `validate:"oneof=ollama openai none"`
	OllamaURL                string        `validate:"required_if=ClassifierBackend ollama,omitempty,url"`
	Model                    string        `validate:"required_if=ClassifierBackend ollama"`
	OpenAIAPIKey             string        `validate:"required_if=ClassifierBackend openai"`
	OpenAIModel              string        `validate:"required_if=ClassifierBackend openai"`
	ClassifierTimeout        time.Duration `validate:"gt=0"`
	ClassifierCallsPerMinute int           `validate:"gte=0"`

	RemoteConcurrency int64   `validate:"gte=1,lte=64"`
	RemoteRPS         float64 `validate:"gte=0"`
	BridgeURL         string  `validate:"omitempty,url"`

	Port int `validate:"gte=1,lte=65535"`
}

// LoadSettings reads Settings from the process environment.
//
// Description:
//
//	envFiles are loaded first with godotenv; variables already set in the
//	environment win. Missing env files are skipped.
//
// Outputs:
//
//	*Settings - Validated settings.
//	error - Non-nil if a value does not parse or validation fails.
func LoadSettings(envFiles ...string) (*Settings, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("LoadSettings: load %s: %w", f, err)
		}
	}
	return LoadSettingsFrom(os.LookupEnv)
}

// LoadSettingsFrom reads Settings through lookup.
func LoadSettingsFrom(lookup func(string) (string, bool)) (*Settings, error) {
	env := envReader{lookup: lookup}

	s := &Settings{
		Environment:       env.str("ENVIRONMENT", "development"),
		Account:           env.str("ACCOUNT", "acc1"),
		DataDir:           env.str("DATA_DIR", "data"),
		StateDir:          env.str("STATE_DIR", ""),
		Paylink:           env.str("PAYLINK", ""),
		ClassifierBackend: env.str("CLASSIFIER_BACKEND", ""),
		OllamaURL:         env.str("OLLAMA_URL", "http://localhost:11434"),
		Model:             env.str("MODEL", "deepseek-r1:7b"),
		OpenAIAPIKey:      env.str("OPENAI_API_KEY", ""),
		OpenAIModel:       env.str("OPENAI_MODEL", env.str("MODEL_NAME", "gpt-4o-mini")),
		BridgeURL:         env.str("BRIDGE_URL", ""),
	}

	legacy := env.float("THRESHOLD", 0.75)
	s.LLMThreshold = env.float("LLM_THRESHOLD", legacy)
	s.HistoryWindow = env.int("HISTORY_WINDOW", 5)
	s.ClassifierTimeout = env.duration("CLASSIFIER_TIMEOUT", 15*time.Second)
	s.ClassifierCallsPerMinute = env.int("CLASSIFIER_CALLS_PER_MINUTE", 30)
	s.RemoteConcurrency = int64(env.int("REMOTE_CONCURRENCY", 5))
	s.RemoteRPS = env.float("REMOTE_RPS", 0)
	s.Port = env.int("PORT", 8089)

	if s.ClassifierBackend == "" {
		s.ClassifierBackend = BackendOllama
		if s.OpenAIAPIKey != "" {
			s.ClassifierBackend = BackendOpenAI
		}
	}
	if s.StateDir == "" {
		s.StateDir = filepath.Join(s.DataDir, "state")
	}

	if len(env.errs) > 0 {
		return nil, fmt.Errorf("LoadSettings: %w", errors.Join(env.errs...))
	}
	if err := settingsValidate.Struct(s); err != nil {
		return nil, fmt.Errorf("LoadSettings: validation: %w", err)
	}
	return s, nil
}

// AccountDir returns data/accounts/<account>.
func (s *Settings) AccountDir() string {
	return filepath.Join(s.DataDir, "accounts", s.Account)
}

// RulesPath returns the account's rules.yaml path.
func (s *Settings) RulesPath() string {
	return filepath.Join(s.AccountDir(), "rules.yaml")
}

// TemplatesPath returns the account's templates.yaml path.
func (s *Settings) TemplatesPath() string {
	return filepath.Join(s.AccountDir(), "templates.yaml")
}

// FoldersPath returns the account's folders.json path.
func (s *Settings) FoldersPath() string {
	return filepath.Join(s.AccountDir(), "folders.json")
}

// ClassifierEnabled reports whether a classifier backend is configured.
func (s *Settings) ClassifierEnabled() bool {
	return s.ClassifierBackend != BackendNone
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(name, def string) string {
	if v, ok := e.lookup(name); ok && v != "" {
		return v
	}
	return def
}

func (e *envReader) float(name string, def float64) float64 {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return f
}

func (e *envReader) int(name string, def int) int {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return n
}

func (e *envReader) duration(name string, def time.Duration) time.Duration {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		if secs, ferr := strconv.ParseFloat(v, 64); ferr == nil {
			return time.Duration(secs * float64(time.Second))
		}
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return d
}
