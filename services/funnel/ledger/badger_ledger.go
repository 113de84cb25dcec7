// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

// =============================================================================
// BadgerLedger: durable template usage
// =============================================================================
//
// Storage layout:
//
//	ledger/v1/{account}/{peer}  →  JSON {"used":["greeting"],"last":"greeting"}
//
// One key per peer keeps every read a single Get and lets an operator dump or
// reset one conversation without touching the rest. Entries have no TTL: a
// template sent once must stay "used" for the life of the account data.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/storage/badger"
)

// KeyPrefix is the versioned prefix of every ledger key.
const KeyPrefix = "ledger/v1/"

// maxConflictRetries bounds optimistic transaction retries on ErrConflict.
const maxConflictRetries = 3

// Record is the stored form of one peer's entry.
type Record struct {
	Used []string `json:"used"`
	Last string   `json:"last,omitempty"`
}

// BadgerLedger implements Ledger on top of BadgerDB.
//
// Thread Safety: Safe for concurrent use. Writes are read-modify-write
// transactions retried on conflict.
type BadgerLedger struct {
	db      *badgerstore.DB
	account string
	logger  *slog.Logger
}

// NewBadgerLedger creates a ledger for account backed by db.
//
// Inputs:
//
//	db - Opened database. Must not be nil. The caller owns its lifecycle.
//	account - Account namespace, e.g. "acc1". Empty uses "default".
//	logger - May be nil.
//
// Outputs:
//
//	*BadgerLedger - Never nil.
func NewBadgerLedger(db *badgerstore.DB, account string, logger *slog.Logger) *BadgerLedger {
	if db == nil {
		panic("NewBadgerLedger: db must not be nil")
	}
	if account == "" {
		account = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerLedger{db: db, account: account, logger: logger}
}

func (b *BadgerLedger) key(peer string) []byte {
	return []byte(KeyPrefix + b.account + "/" + peer)
}

func (b *BadgerLedger) load(txn *dgbadger.Txn, peer string) (Record, error) {
	item, err := txn.Get(b.key(peer))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("get ledger key: %w", err)
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("decode ledger record: %w", err)
	}
	return rec, nil
}

func (b *BadgerLedger) update(ctx context.Context, peer string, mutate func(*Record)) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			rec, err := b.load(txn, peer)
			if err != nil {
				return err
			}
			mutate(&rec)
			raw, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode ledger record: %w", err)
			}
			return txn.Set(b.key(peer), raw)
		})
		if !errors.Is(err, dgbadger.ErrConflict) {
			break
		}
		b.logger.Debug("ledger write conflict, retrying",
			slog.String("peer", peer),
			slog.Int("attempt", attempt+1),
		)
	}
	if err != nil {
		return fmt.Errorf("BadgerLedger.update: %w", err)
	}
	return nil
}

func (b *BadgerLedger) read(ctx context.Context, peer string) (Record, error) {
	var rec Record
	err := b.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		rec, err = b.load(txn, peer)
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("BadgerLedger.read: %w", err)
	}
	return rec, nil
}

// MarkUsed implements Ledger.
func (b *BadgerLedger) MarkUsed(ctx context.Context, peer, key string) error {
	return b.update(ctx, peer, func(rec *Record) {
		for _, k := range rec.Used {
			if k == key {
				return
			}
		}
		rec.Used = append(rec.Used, key)
	})
}

// AlreadyUsed implements Ledger.
func (b *BadgerLedger) AlreadyUsed(ctx context.Context, peer, key string) (bool, error) {
	rec, err := b.read(ctx, peer)
	if err != nil {
		return false, err
	}
	for _, k := range rec.Used {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

// UsedSet implements Ledger.
func (b *BadgerLedger) UsedSet(ctx context.Context, peer string) (TemplateSet, error) {
	rec, err := b.read(ctx, peer)
	if err != nil {
		return nil, err
	}
	return NewTemplateSet(rec.Used...), nil
}

// SetLast implements Ledger.
func (b *BadgerLedger) SetLast(ctx context.Context, peer, key string) error {
	return b.update(ctx, peer, func(rec *Record) {
		rec.Last = key
	})
}

// Last implements Ledger.
func (b *BadgerLedger) Last(ctx context.Context, peer string) (string, bool, error) {
	rec, err := b.read(ctx, peer)
	if err != nil {
		return "", false, err
	}
	return rec.Last, rec.Last != "", nil
}

// Reset implements Ledger.
func (b *BadgerLedger) Reset(ctx context.Context, peer string) error {
	if err := b.db.Delete(ctx, b.key(peer)); err != nil {
		return fmt.Errorf("BadgerLedger.Reset: %w", err)
	}
	return nil
}

// Snapshot implements Ledger.
func (b *BadgerLedger) Snapshot(ctx context.Context, peer string) (Snapshot, error) {
	rec, err := b.read(ctx, peer)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Used: NewTemplateSet(rec.Used...), Last: rec.Last}, nil
}

// Entries returns every stored record for the account keyed by peer.
func (b *BadgerLedger) Entries(ctx context.Context) (map[string]Record, error) {
	prefix := []byte(KeyPrefix + b.account + "/")
	out := make(map[string]Record)
	err := b.db.ScanPrefix(ctx, prefix, func(key, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			b.logger.Warn("skipping undecodable ledger record",
				slog.String("key", string(key)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		out[strings.TrimPrefix(string(key), string(prefix))] = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("BadgerLedger.Entries: %w", err)
	}
	return out, nil
}
