// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package folders keeps the four funnel folders of an account in sync with
// the messaging platform's folder directory.
//
// The remote directory is eventually consistent, knows only a small fixed
// range of folder ids, and rejects mutations on ids it has not yet seen in
// its folder order. Directory hides this behind two idempotent operations:
// EnsureFolders allocates stable slots for the canonical titles, and
// MovePeerExclusive files a peer into exactly one of them.
package folders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidID means the remote rejected a mutation because the folder
	// id is not part of its known folder order yet.
	ErrInvalidID = errors.New("folder id not in remote order")

	// ErrCapacityExhausted means every slot id is taken. An operator must
	// delete a folder by hand.
	ErrCapacityExhausted = errors.New("all folder slots are already used: delete one manually and retry")

	// ErrRetryExhausted means a mutation still failed after its one retry.
	ErrRetryExhausted = errors.New("remote mutation failed after retry")

	// ErrFolderNotFound means a managed folder has no slot and could not be
	// created.
	ErrFolderNotFound = errors.New("folder not found")
)

// CodeFilterIDInvalid is the remote error code mapped to ErrInvalidID.
const CodeFilterIDInvalid = "FILTER_ID_INVALID"

// RemoteError is a failure reported by the remote directory.
type RemoteError struct {
	Op      string
	Code    string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("remote %s: %s: %s", e.Op, e.Code, e.Message)
}

// Is maps FILTER_ID_INVALID to ErrInvalidID.
func (e *RemoteError) Is(target error) bool {
	return target == ErrInvalidID && e.Code == CodeFilterIDInvalid
}

// =============================================================================
// Wire types
// =============================================================================

// Title is a folder title as the remote sends it: either a plain string or
// a rich-text object with a "text" field. String is the only accessor.
type Title struct {
	text string
}

// NewTitle wraps a plain title.
func NewTitle(s string) Title {
	return Title{text: s}
}

// String returns the plain title text.
func (t Title) String() string {
	return t.text
}

// MarshalJSON writes the title as a plain string.
func (t Title) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.text)
}

// UnmarshalJSON accepts "Bot" or {"text": "Bot", "entities": []}.
func (t *Title) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.text = s
		return nil
	}
	var rich struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &rich); err != nil {
		return fmt.Errorf("folder title: %w", err)
	}
	t.text = rich.Text
	return nil
}

// RemoteFolder is one folder of the remote directory.
type RemoteFolder struct {
	ID       int      `json:"id"`
	Title    Title    `json:"title"`
	Emoticon string   `json:"emoticon,omitempty"`
	Peers    []string `json:"include_peers"`
}

// Has reports whether handle is a member.
func (f RemoteFolder) Has(handle string) bool {
	for _, p := range f.Peers {
		if p == handle {
			return true
		}
	}
	return false
}

// clone returns a copy that shares no slices with f.
func (f RemoteFolder) clone() RemoteFolder {
	f.Peers = append([]string(nil), f.Peers...)
	return f
}

// RemoteDirectory is the platform's folder service.
//
// UpsertFolder has full-replace semantics: the folder ends up with exactly
// the given title and members. Errors that the remote reports with a code
// should be *RemoteError.
type RemoteDirectory interface {
	// ListFolders returns every folder, in remote order.
	ListFolders(ctx context.Context) ([]RemoteFolder, error)

	// UpsertFolder creates or replaces a folder.
	UpsertFolder(ctx context.Context, f RemoteFolder) error

	// ReorderFolders sets the remote folder order.
	ReorderFolders(ctx context.Context, ids []int) error

	// ResolvePeer maps any conversation reference to its canonical handle.
	ResolvePeer(ctx context.Context, ref string) (string, error)
}

// CallGate bounds remote calls. guard.Guard implements it.
type CallGate interface {
	Remote(ctx context.Context, fn func(ctx context.Context) error) error
}

type openGate struct{}

func (openGate) Remote(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
