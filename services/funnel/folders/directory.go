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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
)

// DirectoryConfig wires a Directory.
type DirectoryConfig struct {
	// Remote is required.
	Remote RemoteDirectory

	// Slots persists the slot map. Nil keeps it in memory.
	Slots SlotStore

	// Gate bounds every remote call. Nil calls through directly.
	Gate CallGate

	// Retry is applied to every mutation. Zero uses DefaultRetryPolicy.
	Retry RetryPolicy

	// Placeholder, when set, is the member handle new folders are seeded
	// with and the member left behind when the last peer is removed. Some
	// remotes reject folders with no members.
	Placeholder string

	Logger *slog.Logger
}

// Directory is the reconciliation layer over a RemoteDirectory.
//
// Description:
//
//	The remote is the source of truth; Directory keeps a membership cache
//	that is refreshed after every list and updated after every successful
//	mutation. A failed mutation invalidates the cache so the next read goes
//	back to the remote. Concurrent refreshes are coalesced.
//
//	Mutations of one folder are serialized, since the remote replaces the
//	whole member list on every write. Mutations of different folders run
//	in parallel, bounded by the Gate.
//
// Thread Safety: Safe for concurrent use.
type Directory struct {
	remote      RemoteDirectory
	slotStore   SlotStore
	gate        CallGate
	retry       RetryPolicy
	placeholder string
	logger      *slog.Logger

	flight   singleflight.Group
	ensureMu sync.Mutex

	mu          sync.RWMutex
	byID        map[int]RemoteFolder
	order       []int
	valid       bool
	gen         uint64
	writtenAt   map[int]uint64
	orderAt     uint64
	slots       SlotMap
	handles     map[string]string
	folderLocks map[int]*sync.Mutex
}

// NewDirectory creates a directory. Nothing is fetched until first use.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("NewDirectory: remote must not be nil")
	}
	if cfg.Slots == nil {
		cfg.Slots = &MemorySlotStore{}
	}
	if cfg.Gate == nil {
		cfg.Gate = openGate{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Directory{
		remote:      cfg.Remote,
		slotStore:   cfg.Slots,
		gate:        cfg.Gate,
		retry:       cfg.Retry,
		placeholder: cfg.Placeholder,
		logger:      cfg.Logger,
		byID:        make(map[int]RemoteFolder),
		writtenAt:   make(map[int]uint64),
		slots:       SlotMap{},
		handles:     make(map[string]string),
		folderLocks: make(map[int]*sync.Mutex),
	}, nil
}

// =============================================================================
// EnsureFolders
// =============================================================================

// EnsureFolders makes sure the four canonical folders exist.
//
// Description:
//
//	Lists the remote folders. A canonical title already present keeps its
//	id. A missing title gets its persisted slot when that id is free, else
//	the lowest free id in [MinSlotID, MaxSlotID]. The folder is created,
//	added to the remote order, and the title → id map is persisted. A
//	second call with no remote changes mutates nothing and returns the
//	same map.
//
// Outputs:
//
//	SlotMap - The slots resolved so far, also on error.
//	error - ErrCapacityExhausted when no id is free, or a remote failure.
func (d *Directory) EnsureFolders(ctx context.Context) (SlotMap, error) {
	ctx, span := tracer.Start(ctx, "folders.Directory.EnsureFolders")
	defer span.End()

	d.ensureMu.Lock()
	defer d.ensureMu.Unlock()

	if err := d.refresh(ctx, "ensure"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, fmt.Errorf("EnsureFolders: list: %w", err)
	}

	persisted, err := d.slotStore.Load(ctx)
	if err != nil {
		d.logger.Warn("slot map unreadable, rebuilding from remote",
			slog.String("error", err.Error()),
		)
		persisted = SlotMap{}
	}

	existing := d.Folders()
	taken := make(map[int]bool, len(existing))
	found := make(map[string]int)
	for _, f := range existing {
		taken[f.ID] = true
		if folder, ok := datatypes.FolderFromTitle(f.Title.String()); ok {
			if _, dup := found[folder.Title()]; !dup {
				found[folder.Title()] = f.ID
			}
		}
	}

	out := SlotMap{}
	for _, folder := range datatypes.ManagedFolders {
		title := folder.Title()
		if id, ok := found[title]; ok {
			out[title] = id
			continue
		}
		id, displaced, ok := reserveSlot(title, persisted, taken)
		if !ok {
			err := fmt.Errorf("EnsureFolders: %q: %w", title, ErrCapacityExhausted)
			span.RecordError(err)
			span.SetStatus(codes.Error, "capacity exhausted")
			d.logger.Error("no free folder slot",
				slog.String("title", title),
				slog.Int("folders", len(existing)),
			)
			d.commitSlots(ctx, out, persisted)
			return out.Clone(), err
		}
		if displaced != "" {
			d.logger.Warn("folder slot reassigned from another title",
				slog.String("title", title),
				slog.Int("id", id),
				slog.String("displaced", displaced),
			)
			slotReassignedTotal.Inc()
		}
		taken[id] = true
		if err := d.create(ctx, id, title); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
			d.commitSlots(ctx, out, persisted)
			return out.Clone(), fmt.Errorf("EnsureFolders: create %q: %w", title, err)
		}
		out[title] = id
	}

	d.commitSlots(ctx, out, persisted)
	span.SetAttributes(attribute.Int("slots", len(out)))
	return out.Clone(), nil
}

// reserveSlot picks an id for title: its persisted id when free, else the
// lowest free id not persisted for another title, else the lowest free id.
// displaced names the title whose persisted id was handed out in the last
// case.
func reserveSlot(title string, persisted SlotMap, taken map[int]bool) (id int, displaced string, ok bool) {
	if id, ok := persisted[title]; ok && validSlot(id) && !taken[id] {
		return id, "", true
	}
	claimed := make(map[int]string, len(persisted))
	for t, id := range persisted {
		if t != title {
			claimed[id] = t
		}
	}
	fallback := -1
	for id := MinSlotID; id <= MaxSlotID; id++ {
		if taken[id] {
			continue
		}
		if _, c := claimed[id]; !c {
			return id, "", true
		}
		if fallback < 0 {
			fallback = id
		}
	}
	if fallback < 0 {
		return -1, "", false
	}
	return fallback, claimed[fallback], true
}

func (d *Directory) create(ctx context.Context, id int, title string) error {
	f := RemoteFolder{ID: id, Title: NewTitle(title), Peers: d.withPlaceholder(nil)}
	if err := d.mutate(ctx, f); err != nil {
		return err
	}
	if !d.inOrder(id) {
		if err := d.includeInOrder(ctx, id); err != nil {
			d.logger.Warn("created folder not added to remote order",
				slog.Int("id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	slotsAllocatedTotal.Inc()
	d.logger.Info("created folder",
		slog.String("title", title),
		slog.Int("slot", id),
	)
	return nil
}

func (d *Directory) commitSlots(ctx context.Context, out, persisted SlotMap) {
	d.mu.Lock()
	merged := d.slots.Clone()
	for k, v := range out {
		merged[k] = v
	}
	d.slots = merged
	d.mu.Unlock()

	if out.Equal(persisted) || len(out) == 0 {
		return
	}
	// Keep persisted entries for titles not resolved this time, unless their
	// id now belongs to another title.
	used := make(map[int]bool, len(out))
	for _, v := range out {
		used[v] = true
	}
	save := SlotMap{}
	for k, v := range persisted {
		if _, resolved := out[k]; !resolved && used[v] {
			continue
		}
		save[k] = v
	}
	for k, v := range out {
		save[k] = v
	}
	if save.Equal(persisted) {
		return
	}
	if err := d.slotStore.Save(ctx, save); err != nil {
		d.logger.Warn("failed to persist slot map", slog.String("error", err.Error()))
	}
}

// =============================================================================
// MovePeerExclusive
// =============================================================================

// MovePeerExclusive files the peer into target and out of every other
// managed folder.
//
// Description:
//
//	Resolves peerRef, adds the peer to target if absent, then removes it
//	from each other managed folder that lists it. Add comes first so the
//	peer is never filed nowhere by a failure between the two phases; a
//	failure can leave it in two folders, which the next move repairs.
//
// Inputs:
//
//	ctx - Bounds every remote call.
//	target - Destination folder.
//	peerRef - Any reference ResolvePeer understands.
//
// Outputs:
//
//	error - Non-nil if the add failed, or wrapping every failed removal.
//	Invalid-id failures that survive the retry wrap ErrRetryExhausted.
func (d *Directory) MovePeerExclusive(ctx context.Context, target datatypes.Folder, peerRef string) error {
	ctx, span := tracer.Start(ctx, "folders.Directory.MovePeerExclusive",
		trace.WithAttributes(
			attribute.String("target", target.Title()),
			attribute.String("peer", peerRef),
		),
	)
	defer span.End()

	fail := func(result string, err error) error {
		movesTotal.WithLabelValues(target.Title(), result).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		return err
	}

	handle, err := d.resolve(ctx, peerRef)
	if err != nil {
		return fail("error", fmt.Errorf("MovePeerExclusive: resolve %q: %w", peerRef, err))
	}

	targetID, err := d.slotFor(ctx, target)
	if err != nil {
		return fail("error", fmt.Errorf("MovePeerExclusive: %w", err))
	}

	if err := d.addMember(ctx, targetID, target.Title(), handle); err != nil {
		return fail("error", fmt.Errorf("MovePeerExclusive: add to %s: %w", target.Title(), err))
	}

	var errs []error
	for _, f := range d.managedContaining(handle) {
		if f.ID == targetID {
			continue
		}
		if err := d.removeMember(ctx, f.ID, handle); err != nil {
			errs = append(errs, fmt.Errorf("remove from %s: %w", f.Title.String(), err))
		}
	}
	if len(errs) > 0 {
		err := fmt.Errorf("MovePeerExclusive: %w", errors.Join(errs...))
		d.logger.Warn("peer left in more than one folder",
			slog.String("peer", handle),
			slog.String("target", target.Title()),
			slog.String("error", err.Error()),
		)
		return fail("partial", err)
	}

	movesTotal.WithLabelValues(target.Title(), "ok").Inc()
	d.logger.Debug("moved peer",
		slog.String("peer", handle),
		slog.String("target", target.Title()),
		slog.Int("slot", targetID),
	)
	return nil
}

// slotFor returns the id of target, running EnsureFolders when the slot is
// unknown or its folder is gone from the remote.
func (d *Directory) slotFor(ctx context.Context, target datatypes.Folder) (int, error) {
	if err := d.ensureCache(ctx); err != nil {
		return 0, err
	}
	if id, ok := d.liveSlot(target); ok {
		return id, nil
	}
	if _, err := d.EnsureFolders(ctx); err != nil {
		return 0, err
	}
	if id, ok := d.liveSlot(target); ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrFolderNotFound, target.Title())
}

func (d *Directory) liveSlot(target datatypes.Folder) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.slots[target.Title()]
	if !ok {
		return 0, false
	}
	f, ok := d.byID[id]
	if !ok {
		return 0, false
	}
	got, ok := datatypes.FolderFromTitle(f.Title.String())
	return id, ok && got == target
}

func (d *Directory) addMember(ctx context.Context, id int, title, handle string) error {
	unlock := d.lockFolder(id)
	defer unlock()

	cur, ok := d.folder(id)
	if !ok {
		cur = RemoteFolder{ID: id, Title: NewTitle(title)}
	}
	if cur.Has(handle) {
		return nil
	}
	next := cur.clone()
	next.Peers = append(next.Peers, handle)
	return d.mutate(ctx, next)
}

func (d *Directory) removeMember(ctx context.Context, id int, handle string) error {
	unlock := d.lockFolder(id)
	defer unlock()

	cur, ok := d.folder(id)
	if !ok || !cur.Has(handle) {
		return nil
	}
	next := cur.clone()
	next.Peers = next.Peers[:0]
	for _, p := range cur.Peers {
		if p != handle {
			next.Peers = append(next.Peers, p)
		}
	}
	next.Peers = d.withPlaceholder(next.Peers)
	return d.mutate(ctx, next)
}

func (d *Directory) withPlaceholder(peers []string) []string {
	if len(peers) == 0 && d.placeholder != "" {
		return []string{d.placeholder}
	}
	if peers == nil {
		return []string{}
	}
	return peers
}

// =============================================================================
// Queries
// =============================================================================

// Membership returns the managed folders that list the peer, in canonical
// order. More than one entry means an interrupted move.
func (d *Directory) Membership(ctx context.Context, peerRef string) ([]datatypes.Folder, error) {
	handle, err := d.resolve(ctx, peerRef)
	if err != nil {
		return nil, fmt.Errorf("Membership: %w", err)
	}
	if err := d.ensureCache(ctx); err != nil {
		return nil, fmt.Errorf("Membership: %w", err)
	}
	in := make(map[datatypes.Folder]bool)
	for _, f := range d.managedContaining(handle) {
		folder, _ := datatypes.FolderFromTitle(f.Title.String())
		in[folder] = true
	}
	var out []datatypes.Folder
	for _, folder := range datatypes.ManagedFolders {
		if in[folder] {
			out = append(out, folder)
		}
	}
	return out, nil
}

// FolderOf returns the managed folder of the peer. ok is false when the
// peer is in none.
func (d *Directory) FolderOf(ctx context.Context, peerRef string) (datatypes.Folder, bool, error) {
	in, err := d.Membership(ctx, peerRef)
	if err != nil || len(in) == 0 {
		return "", false, err
	}
	return in[0], true, nil
}

// Folders returns a copy of the cached folders in remote order.
func (d *Directory) Folders() []RemoteFolder {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RemoteFolder, 0, len(d.byID))
	seen := make(map[int]bool, len(d.byID))
	for _, id := range d.order {
		if f, ok := d.byID[id]; ok && !seen[id] {
			out = append(out, f.clone())
			seen[id] = true
		}
	}
	for id, f := range d.byID {
		if !seen[id] {
			out = append(out, f.clone())
		}
	}
	return out
}

// List refreshes the cache and returns the remote folders.
func (d *Directory) List(ctx context.Context) ([]RemoteFolder, error) {
	if err := d.refresh(ctx, "list"); err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return d.Folders(), nil
}

// Slots returns the slot map resolved by the last EnsureFolders.
func (d *Directory) Slots() SlotMap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.slots.Clone()
}

// Invalidate drops the membership cache. The next read lists the remote.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.valid = false
	d.mu.Unlock()
}

// =============================================================================
// Cache and remote calls
// =============================================================================

func (d *Directory) ensureCache(ctx context.Context) error {
	d.mu.RLock()
	valid := d.valid
	d.mu.RUnlock()
	if valid {
		return nil
	}
	return d.refresh(ctx, "miss")
}

// refresh lists the remote and replaces the cache. Concurrent callers share
// one remote call. Folders written locally after the list started keep their
// cached copy, so a slow list never undoes a newer write.
func (d *Directory) refresh(ctx context.Context, reason string) error {
	_, err, _ := d.flight.Do("list", func() (interface{}, error) {
		d.mu.RLock()
		start := d.gen
		d.mu.RUnlock()

		var list []RemoteFolder
		err := d.call(ctx, "list", func(ctx context.Context) error {
			var err error
			list, err = d.remote.ListFolders(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		d.install(list, start)
		cacheRefreshTotal.WithLabelValues(reason).Inc()
		return nil, nil
	})
	return err
}

// install replaces the cache with list, a remote snapshot taken at write
// generation start.
func (d *Directory) install(list []RemoteFolder, start uint64) {
	byID := make(map[int]RemoteFolder, len(list))
	order := make([]int, 0, len(list))
	for _, f := range list {
		if _, dup := byID[f.ID]; dup {
			continue
		}
		byID[f.ID] = f.clone()
		order = append(order, f.ID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	kept := 0
	for id, at := range d.writtenAt {
		if at <= start {
			delete(d.writtenAt, id)
			continue
		}
		cur, ok := d.byID[id]
		if !ok {
			continue
		}
		if _, listed := byID[id]; !listed {
			order = append(order, id)
		}
		byID[id] = cur.clone()
		kept++
	}
	if d.orderAt > start {
		order = mergeOrder(d.order, order)
	}
	if kept > 0 {
		d.logger.Debug("list older than local writes, kept cached folders",
			slog.Int("kept", kept),
		)
	}
	d.byID = byID
	d.order = order
	d.valid = true
}

// mergeOrder returns cached followed by any ids of listed it lacks.
func mergeOrder(cached, listed []int) []int {
	out := append([]int(nil), cached...)
	seen := make(map[int]bool, len(out))
	for _, id := range out {
		seen[id] = true
	}
	for _, id := range listed {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

func (d *Directory) folder(id int) (RemoteFolder, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.byID[id]
	return f.clone(), ok
}

func (d *Directory) inOrder(id int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, o := range d.order {
		if o == id {
			return true
		}
	}
	return false
}

func (d *Directory) managedContaining(handle string) []RemoteFolder {
	var out []RemoteFolder
	for _, f := range d.Folders() {
		if datatypes.IsManaged(f.Title.String()) && f.Has(handle) {
			out = append(out, f)
		}
	}
	return out
}

func (d *Directory) lockFolder(id int) func() {
	d.mu.Lock()
	m, ok := d.folderLocks[id]
	if !ok {
		m = &sync.Mutex{}
		d.folderLocks[id] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (d *Directory) resolve(ctx context.Context, ref string) (string, error) {
	d.mu.RLock()
	h, ok := d.handles[ref]
	d.mu.RUnlock()
	if ok {
		return h, nil
	}
	err := d.call(ctx, "resolve", func(ctx context.Context) error {
		var err error
		h, err = d.remote.ResolvePeer(ctx, ref)
		return err
	})
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.handles[ref] = h
	d.mu.Unlock()
	return h, nil
}

// mutate upserts f under the retry policy and records it in the cache.
func (d *Directory) mutate(ctx context.Context, f RemoteFolder) error {
	attempts, err := d.retry.Do(ctx,
		func(ctx context.Context) error {
			return d.call(ctx, "upsert", func(ctx context.Context) error {
				return d.remote.UpsertFolder(ctx, f)
			})
		},
		func(ctx context.Context, cause error) error {
			d.logger.Info("folder id not in remote order, reordering",
				slog.Int("id", f.ID),
				slog.String("error", cause.Error()),
			)
			return d.includeInOrder(ctx, f.ID)
		},
	)
	if attempts > 1 {
		outcome := "recovered"
		if err != nil {
			outcome = "failed"
		}
		retriesTotal.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		d.Invalidate()
		if errors.Is(err, ErrRetryExhausted) {
			d.logger.Warn("folder mutation abandoned after retry",
				slog.Int("id", f.ID),
				slog.String("title", f.Title.String()),
				slog.String("error", err.Error()),
			)
		}
		return err
	}

	d.mu.Lock()
	d.gen++
	d.byID[f.ID] = f.clone()
	d.writtenAt[f.ID] = d.gen
	d.mu.Unlock()
	return nil
}

// includeInOrder refreshes the remote order and appends id to it.
func (d *Directory) includeInOrder(ctx context.Context, id int) error {
	if err := d.refresh(ctx, "reorder"); err != nil {
		d.logger.Debug("order refresh failed, using cached order", slog.String("error", err.Error()))
	}
	d.mu.RLock()
	order := append([]int(nil), d.order...)
	d.mu.RUnlock()

	present := false
	for _, o := range order {
		if o == id {
			present = true
			break
		}
	}
	if !present {
		order = append(order, id)
	}
	err := d.call(ctx, "reorder", func(ctx context.Context) error {
		return d.remote.ReorderFolders(ctx, order)
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.gen++
	d.order = order
	d.orderAt = d.gen
	d.mu.Unlock()
	return nil
}

// call runs one remote call through the gate and counts it.
func (d *Directory) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := d.gate.Remote(ctx, fn)
	switch {
	case err == nil:
		remoteCallsTotal.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, ErrInvalidID):
		remoteCallsTotal.WithLabelValues(op, "invalid_id").Inc()
	default:
		remoteCallsTotal.WithLabelValues(op, "error").Inc()
	}
	return err
}
