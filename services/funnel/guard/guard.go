// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard serializes work per conversation and bounds concurrent
// calls to the remote platform.
//
// A message's whole critical section (decide, ledger update, send, folder
// move) runs under its peer's lock, so two messages from one conversation
// never interleave. Remote calls additionally take a permit from a small
// global pool. The permit is held per call, not per critical section, so
// decision logic for different peers never waits on another peer's I/O.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultRemoteConcurrency is the default number of concurrent remote calls.
const DefaultRemoteConcurrency = 5

var (
	peerWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "funnel",
			Subsystem: "guard",
			Name:      "peer_wait_seconds",
			Help:      "Time spent waiting for a peer lock.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
		},
	)

	remoteInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "funnel",
			Subsystem: "guard",
			Name:      "remote_in_flight",
			Help:      "Remote calls currently holding a permit.",
		},
	)

	activePeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "funnel",
			Subsystem: "guard",
			Name:      "active_peers",
			Help:      "Peers with a critical section running or waiting.",
		},
	)
)

// Config configures a Guard.
type Config struct {
	// RemoteConcurrency caps concurrent remote calls. Zero uses
	// DefaultRemoteConcurrency.
	RemoteConcurrency int64

	// RemoteRPS paces remote calls when > 0.
	RemoteRPS float64

	// RemoteBurst is the pacing burst. Zero uses 1.
	RemoteBurst int

	Logger *slog.Logger
}

type peerLock struct {
	ch   chan struct{}
	refs int
}

// Guard holds the per-peer locks and the remote permit pool.
//
// Thread Safety: Safe for concurrent use. Peer locks are created on first
// use and dropped when no goroutine holds or waits for them.
type Guard struct {
	mu      sync.Mutex
	peers   map[string]*peerLock
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Guard.
func New(cfg Config) *Guard {
	if cfg.RemoteConcurrency <= 0 {
		cfg.RemoteConcurrency = DefaultRemoteConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Guard{
		peers:  make(map[string]*peerLock),
		sem:    semaphore.NewWeighted(cfg.RemoteConcurrency),
		logger: cfg.Logger,
	}
	if cfg.RemoteRPS > 0 {
		burst := cfg.RemoteBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RemoteRPS), burst)
	}
	return g
}

// WithPeer runs fn while holding key's lock.
//
// Inputs:
//
//	ctx - Cancels the wait for the lock. fn receives the same context.
//	key - Peer identity.
//	fn - The critical section.
//
// Outputs:
//
//	error - fn's error, or ctx's error if the lock was not acquired.
func (g *Guard) WithPeer(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := g.ref(key)
	defer g.unref(key, l)

	start := time.Now()
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("Guard.WithPeer: %s: %w", key, ctx.Err())
	}
	defer func() { <-l.ch }()
	peerWaitSeconds.Observe(time.Since(start).Seconds())

	return fn(ctx)
}

// Remote runs fn holding one remote permit, after pacing if configured.
func (g *Guard) Remote(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("Guard.Remote: pacing: %w", err)
		}
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("Guard.Remote: %w", err)
	}
	remoteInFlight.Inc()
	defer func() {
		remoteInFlight.Dec()
		g.sem.Release(1)
	}()
	return fn(ctx)
}

// ActivePeers returns how many peers have a critical section running or
// waiting.
func (g *Guard) ActivePeers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers)
}

func (g *Guard) ref(key string) *peerLock {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.peers[key]
	if !ok {
		l = &peerLock{ch: make(chan struct{}, 1)}
		g.peers[key] = l
		activePeers.Inc()
	}
	l.refs++
	return l
}

func (g *Guard) unref(key string, l *peerLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(g.peers, key)
		activePeers.Dec()
	}
}
