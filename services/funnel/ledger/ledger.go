// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger records, per conversation, which funnel templates were
// already sent and which one was sent last.
//
// The ledger is an explicit store handed to the router and the message
// handler. MemoryLedger is the default; BadgerLedger persists entries so a
// restart does not re-offer a greeting to a peer who already got one.
//
// Thread Safety:
//
//	All implementations must be safe for concurrent use. Writes for a single
//	peer are serialized upstream by the peer guard, but concurrent reads and
//	writes for different peers happen all the time.
package ledger

import (
	"context"
	"sort"
	"sync"
)

// TemplateSet is a set of template keys.
type TemplateSet map[string]struct{}

// NewTemplateSet builds a set from keys.
func NewTemplateSet(keys ...string) TemplateSet {
	s := make(TemplateSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether key is in the set. A nil set has no members.
func (s TemplateSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the members in sorted order.
func (s TemplateSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (s TemplateSet) Clone() TemplateSet {
	c := make(TemplateSet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

// Snapshot is a consistent read of one peer's ledger entry.
//
// Description:
//
//	Routing decisions are computed from a single snapshot taken when the
//	message arrives, so a decision never mixes state from before and after a
//	concurrent write.
type Snapshot struct {
	// Used holds every template key already sent to the peer.
	Used TemplateSet

	// Last is the most recently sent template key, or "" if none.
	Last string
}

// Ledger is the per-conversation template usage store.
type Ledger interface {
	// MarkUsed records that key was sent to peer.
	MarkUsed(ctx context.Context, peer, key string) error

	// AlreadyUsed reports whether key was sent to peer.
	AlreadyUsed(ctx context.Context, peer, key string) (bool, error)

	// UsedSet returns a copy of the keys sent to peer.
	UsedSet(ctx context.Context, peer string) (TemplateSet, error)

	// SetLast records key as the most recent template sent to peer.
	SetLast(ctx context.Context, peer, key string) error

	// Last returns the most recent template sent to peer. ok is false if none.
	Last(ctx context.Context, peer string) (key string, ok bool, err error)

	// Reset forgets everything about peer.
	Reset(ctx context.Context, peer string) error

	// Snapshot returns the used set and last key in one read.
	Snapshot(ctx context.Context, peer string) (Snapshot, error)
}

// RecordSend marks key as used and as the last template for peer.
func RecordSend(ctx context.Context, l Ledger, peer, key string) error {
	if err := l.MarkUsed(ctx, peer, key); err != nil {
		return err
	}
	return l.SetLast(ctx, peer, key)
}

// =============================================================================
// MemoryLedger
// =============================================================================

type entry struct {
	used TemplateSet
	last string
}

// MemoryLedger keeps ledger entries in process memory.
//
// Entries are created on first write and never expire.
//
// Thread Safety: Safe for concurrent use via sync.RWMutex.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]*entry)}
}

func (m *MemoryLedger) entryLocked(peer string) *entry {
	e, ok := m.entries[peer]
	if !ok {
		e = &entry{used: make(TemplateSet)}
		m.entries[peer] = e
	}
	return e
}

// MarkUsed implements Ledger.
func (m *MemoryLedger) MarkUsed(_ context.Context, peer, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryLocked(peer).used[key] = struct{}{}
	return nil
}

// AlreadyUsed implements Ledger.
func (m *MemoryLedger) AlreadyUsed(_ context.Context, peer, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[peer]
	return ok && e.used.Has(key), nil
}

// UsedSet implements Ledger. The returned set is a copy.
func (m *MemoryLedger) UsedSet(_ context.Context, peer string) (TemplateSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[peer]
	if !ok {
		return make(TemplateSet), nil
	}
	return e.used.Clone(), nil
}

// SetLast implements Ledger.
func (m *MemoryLedger) SetLast(_ context.Context, peer, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryLocked(peer).last = key
	return nil
}

// Last implements Ledger.
func (m *MemoryLedger) Last(_ context.Context, peer string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[peer]
	if !ok || e.last == "" {
		return "", false, nil
	}
	return e.last, true, nil
}

// Reset implements Ledger.
func (m *MemoryLedger) Reset(_ context.Context, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, peer)
	return nil
}

// Snapshot implements Ledger.
func (m *MemoryLedger) Snapshot(_ context.Context, peer string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[peer]
	if !ok {
		return Snapshot{Used: make(TemplateSet)}, nil
	}
	return Snapshot{Used: e.used.Clone(), Last: e.last}, nil
}

// Peers returns the keys of every peer with an entry, sorted.
func (m *MemoryLedger) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]string, 0, len(m.entries))
	for p := range m.entries {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}
