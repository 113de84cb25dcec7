// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"net/http"
	"net/url"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/api"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/bridge"
)

var (
	decidePeer   string
	decideFolder string
)

func serverClient() *bridge.Client {
	return bridge.NewClient(serverURL, nil, nil)
}

func newFoldersCommand() *cobra.Command {
	foldersCmd := &cobra.Command{
		Use:   "folders",
		Short: "Inspect and create the managed folders on a running server",
	}
	foldersCmd.AddCommand(
		&cobra.Command{
			Use:   "ensure",
			Short: "Create missing managed folders and print the slot map",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var resp api.EnsureResponse
				if err := serverClient().Do(cmd.Context(), http.MethodPost, "/v1/folders/ensure", nil, &resp); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd, resp)
				}
				printSlots(cmd, resp.Slots)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List remote folders and their members",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var resp api.FoldersResponse
				if err := serverClient().Do(cmd.Context(), http.MethodGet, "/v1/folders", nil, &resp); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd, resp)
				}
				for _, f := range resp.Folders {
					printf(cmd, "%4d  %-14s %d peers\n", f.ID, f.Title, len(f.Peers))
				}
				printSlots(cmd, resp.Slots)
				return nil
			},
		},
	)
	return foldersCmd
}

func printSlots(cmd *cobra.Command, slots map[string]int) {
	titles := make([]string, 0, len(slots))
	for t := range slots {
		titles = append(titles, t)
	}
	sort.Strings(titles)
	for _, t := range titles {
		printf(cmd, "%-14s slot %d\n", t, slots[t])
	}
}

func newDecideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <text>",
		Short: "Ask a running server what it would do with a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.DecideRequest{Peer: decidePeer, Text: args[0], Folder: decideFolder}
			var resp api.DecideResponse
			if err := serverClient().Do(cmd.Context(), http.MethodPost, "/v1/decide", req, &resp); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, resp)
			}
			printf(cmd, "%s via %s\n", resp.Decision, resp.Stage)
			if resp.Classifier != nil {
				printf(cmd, "classifier: action=%s confidence=%.2f %s\n", resp.Classifier.Action, resp.Classifier.Confidence, resp.Classifier.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&decidePeer, "peer", "u1", "Peer id whose ledger is consulted")
	cmd.Flags().StringVar(&decideFolder, "folder", "", "Current folder of the peer")
	return cmd
}

func newLedgerCommand() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show or reset the templates sent to a peer",
	}
	ledgerCmd.AddCommand(
		&cobra.Command{
			Use:   "show <peer>",
			Short: "Print the templates already sent to a peer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp api.LedgerResponse
				if err := serverClient().Do(cmd.Context(), http.MethodGet, ledgerPath(args[0]), nil, &resp); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd, resp)
				}
				printf(cmd, "used: %v\nlast: %s\n", resp.Used, resp.Last)
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset <peer>",
			Short: "Forget every template sent to a peer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp api.LedgerResponse
				if err := serverClient().Do(cmd.Context(), http.MethodDelete, ledgerPath(args[0]), nil, &resp); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd, resp)
				}
				printf(cmd, "ledger of %s reset\n", args[0])
				return nil
			},
		},
	)
	return ledgerCmd
}

// ledgerPath escapes a peer id for the ledger endpoint.
func ledgerPath(peer string) string {
	return "/v1/ledger/" + url.PathEscape(peer)
}
