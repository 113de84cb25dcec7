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
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
)

//go:embed default_templates.yaml
var defaultTemplatesYAML []byte

// ErrTemplateMissing is returned when a template key has no text.
var ErrTemplateMissing = errors.New("template missing")

// PaylinkFallback is sent in place of {PAYLINK} when no link is configured.
const PaylinkFallback = "Payment link will follow shortly."

// RenderVars are the substitutions available to templates.
type RenderVars struct {
	// Paylink replaces {PAYLINK}. Empty uses PaylinkFallback.
	Paylink string

	// Peer replaces {peer}.
	Peer string
}

// Templates maps template keys to reply text.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Templates struct {
	texts map[string]string
}

// NewTemplates builds a template set from a key → text map. The map is copied.
func NewTemplates(texts map[string]string) *Templates {
	t := &Templates{texts: make(map[string]string, len(texts))}
	for k, v := range texts {
		t.texts[k] = v
	}
	return t
}

// DefaultTemplates returns the embedded default templates.
func DefaultTemplates() *Templates {
	t, err := LoadTemplates(context.Background(), defaultTemplatesYAML)
	if err != nil {
		panic(fmt.Sprintf("DefaultTemplates: embedded templates invalid: %v", err))
	}
	return t
}

// LoadTemplates parses templates from YAML bytes.
//
// Description:
//
//	The document must be a mapping of string keys to string values. Keys
//	outside the funnel set are kept so accounts can carry extra texts.
//
// Outputs:
//
//	*Templates - The parsed templates.
//	error - Non-nil if the data is too large or not a mapping.
func LoadTemplates(ctx context.Context, data []byte) (*Templates, error) {
	_, span := configTracer.Start(ctx, "config.LoadTemplates")
	defer span.End()

	if len(data) > MaxYAMLFileSize {
		err := fmt.Errorf("LoadTemplates: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
		span.RecordError(err)
		span.SetStatus(codes.Error, "too large")
		return nil, err
	}

	texts := make(map[string]string)
	if err := yaml.Unmarshal(data, &texts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, fmt.Errorf("LoadTemplates: templates must be a mapping of key to text: %w", err)
	}

	span.SetAttributes(attribute.Int("templates", len(texts)))
	return &Templates{texts: texts}, nil
}

// LoadTemplatesFile reads templates from path. A missing file yields the
// embedded defaults.
func LoadTemplatesFile(ctx context.Context, path string, logger *slog.Logger) (*Templates, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("templates file not found, using embedded defaults", slog.String("path", path))
		return DefaultTemplates(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadTemplatesFile: read %s: %w", path, err)
	}
	t, err := LoadTemplates(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("LoadTemplatesFile: %s: %w", path, err)
	}
	logger.Info("templates loaded",
		slog.String("path", path),
		slog.Any("keys", t.Keys()),
	)
	return t, nil
}

// Keys returns the template keys in sorted order.
func (t *Templates) Keys() []string {
	keys := make([]string, 0, len(t.texts))
	for k := range t.texts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key has a template.
func (t *Templates) Has(key string) bool {
	_, ok := t.texts[key]
	return ok
}

// EnsureTemplate returns ErrTemplateMissing if key has no template.
func (t *Templates) EnsureTemplate(key string) error {
	if !t.Has(key) {
		return fmt.Errorf("%w: %q (loaded keys: %s)", ErrTemplateMissing, key, strings.Join(t.Keys(), ", "))
	}
	return nil
}

// MissingFunnelKeys returns the funnel template keys that have no text.
func (t *Templates) MissingFunnelKeys() []string {
	var missing []string
	for _, k := range datatypes.FunnelTemplates {
		if !t.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Render returns the text of key with placeholders substituted.
//
// Description:
//
//	Replaces {PAYLINK} and {peer}. Unknown placeholders are left as written.
//	The paylink template never renders blank: an empty link is replaced by
//	PaylinkFallback, and a template that still renders to whitespace yields
//	the fallback text alone.
//
// Inputs:
//
//	key - Template key.
//	vars - Substitutions.
//
// Outputs:
//
//	string - The rendered text.
//	error - ErrTemplateMissing if key is unknown.
func (t *Templates) Render(key string, vars RenderVars) (string, error) {
	text, ok := t.texts[key]
	if !ok {
		return "", fmt.Errorf("Render: %w: %q", ErrTemplateMissing, key)
	}
	link := strings.TrimSpace(vars.Paylink)
	if link == "" {
		link = PaylinkFallback
	}
	out := strings.NewReplacer("{PAYLINK}", link, "{peer}", vars.Peer).Replace(text)
	if key == datatypes.TemplatePaylink && strings.TrimSpace(out) == "" {
		out = link
	}
	return out, nil
}
