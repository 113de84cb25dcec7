// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package folders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	badgerstore "github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/storage/badger"
)

// Slot id range supported by the remote directory.
const (
	MinSlotID = 0
	MaxSlotID = 9
)

// SlotMap maps a canonical folder title to its allocated id.
type SlotMap map[string]int

// Clone returns an independent copy.
func (m SlotMap) Clone() SlotMap {
	c := make(SlotMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Equal reports whether m and o hold the same entries.
func (m SlotMap) Equal(o SlotMap) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Titles returns the titles in sorted order.
func (m SlotMap) Titles() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func validSlot(id int) bool {
	return id >= MinSlotID && id <= MaxSlotID
}

// SlotStore persists the slot map of one account.
type SlotStore interface {
	// Load returns the persisted map, or an empty map if none was saved.
	Load(ctx context.Context) (SlotMap, error)

	// Save replaces the persisted map.
	Save(ctx context.Context, m SlotMap) error
}

// =============================================================================
// FileSlotStore
// =============================================================================

// FileSlotStore keeps the slot map in data/accounts/<acc>/folders.json.
//
// Thread Safety: Callers serialize Save. Directory does.
type FileSlotStore struct {
	path   string
	logger *slog.Logger
}

// NewFileSlotStore creates a store at path.
func NewFileSlotStore(path string, logger *slog.Logger) *FileSlotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSlotStore{path: path, logger: logger}
}

// Path returns the file path.
func (s *FileSlotStore) Path() string {
	return s.path
}

// Load implements SlotStore. A corrupt file is logged and treated as empty
// so that EnsureFolders can rebuild the map from the remote titles.
func (s *FileSlotStore) Load(_ context.Context) (SlotMap, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return SlotMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FileSlotStore.Load: %w", err)
	}
	m := SlotMap{}
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("folders.json unreadable, ignoring",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return SlotMap{}, nil
	}
	return sanitize(m), nil
}

// Save implements SlotStore. The file is replaced atomically.
func (s *FileSlotStore) Save(_ context.Context, m SlotMap) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("FileSlotStore.Save: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("FileSlotStore.Save: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("FileSlotStore.Save: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("FileSlotStore.Save: %w", err)
	}
	return nil
}

// =============================================================================
// BadgerSlotStore
// =============================================================================

// SlotKeyPrefix is the versioned prefix of slot map keys.
const SlotKeyPrefix = "folders/slots/v1/"

// BadgerSlotStore keeps the slot map of an account in BadgerDB under
// folders/slots/v1/{account}.
//
// Thread Safety: Safe for concurrent use.
type BadgerSlotStore struct {
	db      *badgerstore.DB
	account string
}

// NewBadgerSlotStore creates a store for account. db must not be nil.
func NewBadgerSlotStore(db *badgerstore.DB, account string) *BadgerSlotStore {
	if db == nil {
		panic("NewBadgerSlotStore: db must not be nil")
	}
	if account == "" {
		account = "default"
	}
	return &BadgerSlotStore{db: db, account: account}
}

// Key returns the storage key.
func (s *BadgerSlotStore) Key() []byte {
	return []byte(SlotKeyPrefix + s.account)
}

// Load implements SlotStore.
func (s *BadgerSlotStore) Load(ctx context.Context) (SlotMap, error) {
	raw, ok, err := s.db.Get(ctx, s.Key())
	if err != nil {
		return nil, fmt.Errorf("BadgerSlotStore.Load: %w", err)
	}
	if !ok {
		return SlotMap{}, nil
	}
	m := SlotMap{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("BadgerSlotStore.Load: decode: %w", err)
	}
	return sanitize(m), nil
}

// Save implements SlotStore.
func (s *BadgerSlotStore) Save(ctx context.Context, m SlotMap) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("BadgerSlotStore.Save: %w", err)
	}
	if err := s.db.Set(ctx, s.Key(), raw); err != nil {
		return fmt.Errorf("BadgerSlotStore.Save: %w", err)
	}
	return nil
}

// MemorySlotStore keeps the slot map in memory. Used by the simulator and
// tests.
type MemorySlotStore struct {
	m SlotMap
}

// Load implements SlotStore.
func (s *MemorySlotStore) Load(context.Context) (SlotMap, error) {
	return s.m.Clone(), nil
}

// Save implements SlotStore.
func (s *MemorySlotStore) Save(_ context.Context, m SlotMap) error {
	s.m = m.Clone()
	return nil
}

// sanitize drops entries whose id is outside the slot range.
func sanitize(m SlotMap) SlotMap {
	for k, v := range m {
		if !validSlot(v) {
			delete(m, k)
		}
	}
	return m
}
