// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB that holds the
// engine's durable state.
//
// The funnel engine keeps two kinds of records here, each under its own key
// prefix so one database can serve a whole deployment:
//
//	folders/slots/v1/{account}        →  JSON title → slot id map
//	ledger/v1/{account}/{peer}        →  JSON used-set + last template
//
// Everything else (membership cache, peer locks) is process memory.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Used by tests
	// and by dry-run deployments.
	InMemory bool

	// ReadOnly opens an existing database without write access.
	ReadOnly bool

	// SyncWrites enables synchronous writes. Slot maps must survive a crash,
	// so production defaults to true.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC rewrites a file.
	GCDiscardRatio float64
}

// DefaultConfig returns defaults for a persistent state directory.
//
// Outputs:
//
//	Config - SyncWrites on, 10 minute GC interval, 0.5 discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests and dry runs.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with its GC lifecycle.
type DB struct {
	*badger.DB
	stopGC   chan struct{}
	gcDone   chan struct{}
	path     string
	inMemory bool
	logger   *slog.Logger
}

// OpenDB opens a BadgerDB with the given configuration.
//
// Description:
//
//	Creates the directory if needed, opens the database, and starts the
//	value log GC loop when GCInterval > 0 on a writable persistent DB.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*DB - The opened database. Caller must call Close.
//	error - Non-nil if the path is missing or the database cannot be opened.
//
// Thread Safety: The returned DB is safe for concurrent use.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("OpenDB: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if !cfg.ReadOnly {
			if err := os.MkdirAll(cfg.Path, 0750); err != nil {
				return nil, fmt.Errorf("OpenDB: create directory %s: %w", cfg.Path, err)
			}
		}
		opts = badger.DefaultOptions(cfg.Path).WithReadOnly(cfg.ReadOnly)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("OpenDB: open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{DB: raw, path: cfg.Path, inMemory: cfg.InMemory, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory && !cfg.ReadOnly {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.runGC(cfg.GCInterval, ratio)
	}
	return db, nil
}

// OpenInMemory opens an in-memory database. Data is lost on Close.
func OpenInMemory() (*DB, error) {
	return OpenDB(InMemoryConfig())
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.DB.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
		d.stopGC = nil
	}
	return d.DB.Close()
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether the database lives only in memory.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// WithTxn executes fn within a read-write transaction and commits on success.
//
// Inputs:
//
//	ctx - Checked before the transaction starts.
//	fn - Work to run inside the transaction. A non-nil error discards it.
//
// Outputs:
//
//	error - ctx error, fn error, or commit error.
//
// Thread Safety: Safe for concurrent use. Conflicting commits return
// badger.ErrConflict; callers that need it retry.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn executes fn within a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// ScanPrefix calls fn for every key under prefix with a copy of its value.
//
// Description:
//
//	Iterates in key order. Returning an error from fn stops the scan and
//	is returned to the caller unchanged.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value for %s: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns a copy of the value stored at key, or (nil, false, nil) if absent.
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		val, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value for %s: %w", key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// Set stores value at key.
func (d *DB) Set(ctx context.Context, key, value []byte) error {
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (d *DB) Delete(ctx context.Context, key []byte) error {
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}
