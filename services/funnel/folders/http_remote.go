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
	"net/http"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/bridge"
)

// HTTPRemote is the RemoteDirectory of the platform bridge.
//
// Endpoints:
//
//	GET  /v1/folders          → {"folders": [RemoteFolder]}
//	PUT  /v1/folders/{id}     ← RemoteFolder
//	PUT  /v1/folders/order    ← {"ids": [int]}
//	POST /v1/peers/resolve    ← {"ref": string} → {"handle": string}
//
// Bridge errors carrying a code become *RemoteError.
type HTTPRemote struct {
	client *bridge.Client
}

// NewHTTPRemote creates a remote over client.
func NewHTTPRemote(client *bridge.Client) *HTTPRemote {
	return &HTTPRemote{client: client}
}

// ListFolders implements RemoteDirectory.
func (r *HTTPRemote) ListFolders(ctx context.Context) ([]RemoteFolder, error) {
	var out struct {
		Folders []RemoteFolder `json:"folders"`
	}
	if err := r.client.Do(ctx, http.MethodGet, "/v1/folders", nil, &out); err != nil {
		return nil, remoteErr(OpList, err)
	}
	return out.Folders, nil
}

// UpsertFolder implements RemoteDirectory.
func (r *HTTPRemote) UpsertFolder(ctx context.Context, f RemoteFolder) error {
	if f.Peers == nil {
		f.Peers = []string{}
	}
	path := fmt.Sprintf("/v1/folders/%d", f.ID)
	return remoteErr(OpUpsert, r.client.Do(ctx, http.MethodPut, path, f, nil))
}

// ReorderFolders implements RemoteDirectory.
func (r *HTTPRemote) ReorderFolders(ctx context.Context, ids []int) error {
	body := struct {
		IDs []int `json:"ids"`
	}{IDs: ids}
	return remoteErr(OpReorder, r.client.Do(ctx, http.MethodPut, "/v1/folders/order", body, nil))
}

// ResolvePeer implements RemoteDirectory.
func (r *HTTPRemote) ResolvePeer(ctx context.Context, ref string) (string, error) {
	in := struct {
		Ref string `json:"ref"`
	}{Ref: ref}
	var out struct {
		Handle string `json:"handle"`
	}
	if err := r.client.Do(ctx, http.MethodPost, "/v1/peers/resolve", in, &out); err != nil {
		return "", remoteErr(OpResolve, err)
	}
	if out.Handle == "" {
		return "", &RemoteError{Op: OpResolve, Code: "PEER_ID_INVALID", Message: ref}
	}
	return out.Handle, nil
}

func remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *bridge.Error
	if errors.As(err, &be) && be.Code != "" {
		return &RemoteError{Op: op, Code: be.Code, Status: be.Status, Message: be.Message}
	}
	return fmt.Errorf("remote %s: %w", op, err)
}
