// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the small vocabulary shared by every funnel
// package: template keys, funnel folder titles, and conversation history
// records.
//
// Thread Safety:
//
//	All types in this package are plain values and safe to copy.
package datatypes

import (
	"strings"
	"time"
)

// =============================================================================
// Template Keys
// =============================================================================

// Template keys of the sales funnel, in funnel order.
const (
	TemplateGreeting     = "greeting"
	TemplatePricelist    = "pricelist"
	TemplatePaylink      = "paylink"
	TemplateConfirmation = "confirmation"
)

// FunnelTemplates lists every template key the classifier may propose.
var FunnelTemplates = []string{
	TemplateGreeting,
	TemplatePricelist,
	TemplatePaylink,
	TemplateConfirmation,
}

// IsFunnelTemplate reports whether key is one of the fixed template keys.
func IsFunnelTemplate(key string) bool {
	for _, k := range FunnelTemplates {
		if k == key {
			return true
		}
	}
	return false
}

// IsResendSafe reports whether a template may be sent more than once to the
// same peer. Payment links and confirmations are idempotent for the buyer.
func IsResendSafe(key string) bool {
	return key == TemplatePaylink || key == TemplateConfirmation
}

// =============================================================================
// Funnel Folders
// =============================================================================

// Folder is one of the four managed funnel folders.
type Folder string

// Funnel folders. The string value is the canonical remote folder title.
const (
	FolderManual       Folder = "Manual"
	FolderBot          Folder = "Bot"
	FolderTimewaster   Folder = "Timewaster"
	FolderConfirmation Folder = "Confirmation"
)

// ManagedFolders lists the canonical folders in slot allocation order.
var ManagedFolders = []Folder{
	FolderManual,
	FolderBot,
	FolderTimewaster,
	FolderConfirmation,
}

// Title returns the canonical remote title of the folder.
func (f Folder) Title() string {
	return string(f)
}

// Label returns the upper-case label used in event logs and reports.
func (f Folder) Label() string {
	return strings.ToUpper(string(f))
}

// IsTerminal reports whether the bot stops answering peers in this folder.
func (f Folder) IsTerminal() bool {
	return f == FolderManual || f == FolderTimewaster || f == FolderConfirmation
}

// IsManaged reports whether title names one of the managed funnel folders.
func IsManaged(title string) bool {
	_, ok := FolderFromTitle(title)
	return ok
}

// FolderFromTitle maps a remote title or an event label back to its folder.
// Matching is case-insensitive.
func FolderFromTitle(title string) (Folder, bool) {
	for _, f := range ManagedFolders {
		if strings.EqualFold(string(f), strings.TrimSpace(title)) {
			return f, true
		}
	}
	return "", false
}

// =============================================================================
// Conversation History
// =============================================================================

// Message roles in a peer's conversation history.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Message is one entry of a peer's ordered conversation history.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// UserTexts returns the texts of the last n user messages, oldest first.
// n <= 0 returns every user message.
func UserTexts(history []Message, n int) []string {
	var texts []string
	for _, m := range history {
		if m.Role == RoleUser {
			texts = append(texts, m.Text)
		}
	}
	if n > 0 && len(texts) > n {
		texts = texts[len(texts)-n:]
	}
	return texts
}
