// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sim

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
)

// PeerReport is the final state of one peer.
type PeerReport struct {
	PeerID      string              `json:"peer_id"`
	DisplayName string              `json:"display_name"`
	Folder      string              `json:"folder"`
	History     []datatypes.Message `json:"history"`
}

// Summary counts events, peers and peers per folder.
type Summary struct {
	NumEvents int            `json:"num_events"`
	NumPeers  int            `json:"num_peers"`
	Folders   map[string]int `json:"folders"`
}

// Report is the exportable result of a simulation run.
type Report struct {
	RunID   string                `json:"run_id"`
	Peers   map[string]PeerReport `json:"peers"`
	Events  []Event               `json:"events"`
	Summary Summary               `json:"summary"`
}

// Report snapshots the engine state under a fresh run id.
func (e *Engine) Report() Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := Report{
		RunID:  uuid.NewString(),
		Peers:  make(map[string]PeerReport, len(e.peers)),
		Events: append([]Event(nil), e.events...),
		Summary: Summary{
			NumEvents: len(e.events),
			NumPeers:  len(e.peers),
			Folders:   make(map[string]int, len(datatypes.ManagedFolders)),
		},
	}
	for _, f := range datatypes.ManagedFolders {
		r.Summary.Folders[f.Label()] = 0
	}
	for id, p := range e.peers {
		r.Peers[id] = PeerReport{
			PeerID:      p.ID,
			DisplayName: p.DisplayName,
			Folder:      p.Folder.Label(),
			History:     append([]datatypes.Message(nil), p.History...),
		}
		if p.Folder != "" {
			r.Summary.Folders[p.Folder.Label()]++
		}
	}
	return r
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("Report.WriteJSON: %w", err)
	}
	return nil
}
