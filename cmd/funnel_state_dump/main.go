// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// funnel_state_dump prints the durable state of the funnel service.
//
// The service keeps two kinds of records in its BadgerDB state directory:
// the folder slot map of each account and the template ledger of each
// peer. This tool opens the database read-only and prints both, grouped by
// account.
//
// Usage:
//
//	funnel_state_dump [--path data/state] [--account acc1] [--json]
//
// If --path is not given, reads STATE_DIR from the environment, falling
// back to data/state.
//
// Exit codes:
//
//	0 - success, including an empty or missing state directory
//	1 - error opening or reading the database
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/folders"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
	badgerstore "github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/storage/badger"
)

// accountState is everything stored for one account.
type accountState struct {
	Slots  folders.SlotMap          `json:"slots,omitempty"`
	Ledger map[string]ledger.Record `json:"ledger,omitempty"`
}

// dump is the full state, keyed by account.
type dump struct {
	Accounts map[string]*accountState `json:"accounts"`
	Skipped  []string                 `json:"skipped,omitempty"`
}

func main() {
	pathFlag := flag.String("path", "", "Path to the state BadgerDB directory (overrides STATE_DIR)")
	accountFlag := flag.String("account", "", "Only print this account")
	jsonFlag := flag.Bool("json", false, "Print JSON")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("STATE_DIR")
	}
	if dbPath == "" {
		dbPath = "data/state"
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Printf("State directory %s does not exist. The service has not stored anything yet.\n", dbPath)
		os.Exit(0)
	}

	cfg := badgerstore.DefaultConfig()
	cfg.Path = dbPath
	cfg.ReadOnly = true
	cfg.SyncWrites = false
	cfg.GCInterval = 0
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	d, err := collect(context.Background(), db, *accountFlag)
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fatalf("encode: %v", err)
		}
		return
	}
	fmt.Printf("State path: %s\n", dbPath)
	render(os.Stdout, d)
}

// collect reads slot maps and ledger records. account filters when set.
func collect(ctx context.Context, db *badgerstore.DB, account string) (*dump, error) {
	d := &dump{Accounts: make(map[string]*accountState)}
	get := func(acc string) *accountState {
		s, ok := d.Accounts[acc]
		if !ok {
			s = &accountState{}
			d.Accounts[acc] = s
		}
		return s
	}

	err := db.ScanPrefix(ctx, []byte(folders.SlotKeyPrefix), func(key, value []byte) error {
		acc := strings.TrimPrefix(string(key), folders.SlotKeyPrefix)
		if account != "" && acc != account {
			return nil
		}
		var m folders.SlotMap
		if err := json.Unmarshal(value, &m); err != nil {
			d.Skipped = append(d.Skipped, string(key))
			return nil
		}
		get(acc).Slots = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan slots: %w", err)
	}

	err = db.ScanPrefix(ctx, []byte(ledger.KeyPrefix), func(key, value []byte) error {
		rest := strings.TrimPrefix(string(key), ledger.KeyPrefix)
		acc, peer, ok := strings.Cut(rest, "/")
		if !ok || (account != "" && acc != account) {
			return nil
		}
		var rec ledger.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			d.Skipped = append(d.Skipped, string(key))
			return nil
		}
		s := get(acc)
		if s.Ledger == nil {
			s.Ledger = make(map[string]ledger.Record)
		}
		s.Ledger[peer] = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return d, nil
}

func render(w io.Writer, d *dump) {
	if len(d.Accounts) == 0 {
		fmt.Fprintln(w, "\nNo funnel state found.")
		return
	}
	accounts := make([]string, 0, len(d.Accounts))
	for a := range d.Accounts {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	for _, acc := range accounts {
		s := d.Accounts[acc]
		fmt.Fprintf(w, "\nAccount %s\n", acc)
		fmt.Fprintln(w, strings.Repeat("─", 60))

		if len(s.Slots) == 0 {
			fmt.Fprintln(w, "  Slots:  none")
		} else {
			fmt.Fprintln(w, "  Slots:")
			for _, title := range s.Slots.Titles() {
				fmt.Fprintf(w, "    %-14s %d\n", title, s.Slots[title])
			}
		}

		peers := make([]string, 0, len(s.Ledger))
		for p := range s.Ledger {
			peers = append(peers, p)
		}
		sort.Strings(peers)
		fmt.Fprintf(w, "  Ledger: %d peer%s\n", len(peers), plural(len(peers)))
		for _, p := range peers {
			rec := s.Ledger[p]
			fmt.Fprintf(w, "    %-24s last=%-13s used=%s\n", p, orDash(rec.Last), strings.Join(rec.Used, ","))
		}
	}
	for _, k := range d.Skipped {
		fmt.Fprintf(w, "\nSKIPPED undecodable key %s\n", k)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "funnel_state_dump: "+format+"\n", args...)
	os.Exit(1)
}
