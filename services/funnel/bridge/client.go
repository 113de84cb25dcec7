// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge is the JSON client of the platform bridge: the thin
// service that owns the messaging session and exposes folders and message
// actions over HTTP. The bridge pushes incoming messages to the engine's
// API; the engine calls back through this client.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("funnel.bridge")

var requestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "funnel",
		Subsystem: "bridge",
		Name:      "request_duration_seconds",
		Help:      "Duration of bridge requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"path", "status"},
)

// maxResponseBytes caps how much of a bridge reply is read.
const maxResponseBytes = 4 << 20

// Error is a non-2xx bridge reply.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("bridge: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("bridge: status %d: %s: %s", e.Status, e.Code, e.Message)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the bridge.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the bridge at baseURL.
//
// Inputs:
//
//	baseURL - Bridge root, e.g. "http://localhost:8090". Trailing '/' is dropped.
//	httpClient - May be nil for a client with a 30s timeout.
//	logger - May be nil.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// BaseURL returns the bridge root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends in as JSON to path and decodes the reply into out.
//
// Inputs:
//
//	ctx - Request context.
//	method - HTTP method.
//	path - Path below the base URL, starting with '/'.
//	in - Request body. Nil sends none.
//	out - Reply target. Nil discards the reply.
//
// Outputs:
//
//	error - *Error for non-2xx replies, a wrapped transport error otherwise.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	ctx, span := tracer.Start(ctx, "bridge.Client.Do",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("path", path),
		),
	)
	defer span.End()

	start := time.Now()
	status, err := c.do(ctx, method, path, in, out)
	requestDuration.WithLabelValues(path, fmt.Sprint(status)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("bridge: marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("bridge: creating HTTP request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("bridge: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("bridge: reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && (eb.Error.Code != "" || eb.Error.Message != "") {
			e.Code, e.Message = eb.Error.Code, eb.Error.Message
		}
		c.logger.Debug("bridge request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("code", e.Code),
		)
		return resp.StatusCode, e
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("bridge: parsing response JSON: %w", err)
		}
	}
	return resp.StatusCode, nil
}
