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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Remote operation names used by MemoryRemote fault injection and call counts.
const (
	OpList    = "list"
	OpUpsert  = "upsert"
	OpReorder = "reorder"
	OpResolve = "resolve"
)

// MemoryRemote is an in-process RemoteDirectory.
//
// Description:
//
//	Models the platform's quirks: ids outside [MinSlotID, MaxSlotID] are
//	rejected, and with StrictOrder an upsert of a new folder whose id is
//	not in the folder order fails with FILTER_ID_INVALID until
//	ReorderFolders adds it. RejectEmpty refuses folders with no members.
//	Faults can be queued per operation with FailNext.
//
//	Used for dry runs without a bridge, by the simulator, and in tests.
//
// Thread Safety: Safe for concurrent use.
type MemoryRemote struct {
	mu          sync.Mutex
	folders     map[int]RemoteFolder
	order       []int
	aliases     map[string]string
	faults      map[string][]error
	calls       map[string]int
	strictOrder bool
	rejectEmpty bool
}

// MemoryRemoteOption configures a MemoryRemote.
type MemoryRemoteOption func(*MemoryRemote)

// WithStrictOrder makes upserts of unordered new ids fail with
// FILTER_ID_INVALID.
func WithStrictOrder() MemoryRemoteOption {
	return func(m *MemoryRemote) { m.strictOrder = true }
}

// WithRejectEmpty makes upserts with no members fail.
func WithRejectEmpty() MemoryRemoteOption {
	return func(m *MemoryRemote) { m.rejectEmpty = true }
}

// NewMemoryRemote creates an empty remote.
func NewMemoryRemote(opts ...MemoryRemoteOption) *MemoryRemote {
	m := &MemoryRemote{
		folders: make(map[int]RemoteFolder),
		aliases: make(map[string]string),
		faults:  make(map[string][]error),
		calls:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed installs a folder directly, bypassing validation and faults.
func (m *MemoryRemote) Seed(f RemoteFolder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[f.ID] = f.clone()
	m.addToOrderLocked(f.ID)
}

// Alias makes ResolvePeer map ref to handle.
func (m *MemoryRemote) Alias(ref, handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[ref] = handle
}

// FailNext queues err as the result of the next call of op.
func (m *MemoryRemote) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// Calls returns how many times op was called.
func (m *MemoryRemote) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Delete removes a folder, as an operator would by hand.
func (m *MemoryRemote) Delete(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.folders, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Members returns the members of folder id.
func (m *MemoryRemote) Members(id int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.folders[id].Peers...)
}

// ListFolders implements RemoteDirectory.
func (m *MemoryRemote) ListFolders(_ context.Context) ([]RemoteFolder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpList); err != nil {
		return nil, err
	}
	out := make([]RemoteFolder, 0, len(m.folders))
	seen := make(map[int]bool)
	for _, id := range m.order {
		if f, ok := m.folders[id]; ok {
			out = append(out, f.clone())
			seen[id] = true
		}
	}
	var rest []int
	for id := range m.folders {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Ints(rest)
	for _, id := range rest {
		out = append(out, m.folders[id].clone())
	}
	return out, nil
}

// UpsertFolder implements RemoteDirectory.
func (m *MemoryRemote) UpsertFolder(_ context.Context, f RemoteFolder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpUpsert); err != nil {
		return err
	}
	if !validSlot(f.ID) {
		return &RemoteError{Op: OpUpsert, Code: CodeFilterIDInvalid, Message: fmt.Sprintf("id %d out of range", f.ID)}
	}
	if m.rejectEmpty && len(f.Peers) == 0 {
		return &RemoteError{Op: OpUpsert, Code: "FILTER_INCLUDE_EMPTY"}
	}
	_, exists := m.folders[f.ID]
	if m.strictOrder && !exists && !m.inOrderLocked(f.ID) {
		return &RemoteError{Op: OpUpsert, Code: CodeFilterIDInvalid}
	}
	m.folders[f.ID] = f.clone()
	if !m.strictOrder {
		m.addToOrderLocked(f.ID)
	}
	return nil
}

// ReorderFolders implements RemoteDirectory.
func (m *MemoryRemote) ReorderFolders(_ context.Context, ids []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpReorder); err != nil {
		return err
	}
	for _, id := range ids {
		if !validSlot(id) {
			return &RemoteError{Op: OpReorder, Code: CodeFilterIDInvalid, Message: fmt.Sprintf("id %d out of range", id)}
		}
	}
	m.order = append([]int(nil), ids...)
	return nil
}

// ResolvePeer implements RemoteDirectory. Unknown references resolve to
// themselves.
func (m *MemoryRemote) ResolvePeer(_ context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enterLocked(OpResolve); err != nil {
		return "", err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", &RemoteError{Op: OpResolve, Code: "PEER_ID_INVALID"}
	}
	if h, ok := m.aliases[ref]; ok {
		return h, nil
	}
	return ref, nil
}

func (m *MemoryRemote) enterLocked(op string) error {
	m.calls[op]++
	if q := m.faults[op]; len(q) > 0 {
		err := q[0]
		m.faults[op] = q[1:]
		return err
	}
	return nil
}

func (m *MemoryRemote) inOrderLocked(id int) bool {
	for _, o := range m.order {
		if o == id {
			return true
		}
	}
	return false
}

func (m *MemoryRemote) addToOrderLocked(id int) {
	if !m.inOrderLocked(id) {
		m.order = append(m.order, id)
	}
}
