// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/bridge"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/classifier"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/folders"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/routing"
)

// =============================================================================
// Fakes
// =============================================================================

type memFolders struct {
	mu      sync.Mutex
	folders map[string]datatypes.Folder
	moves   []string
	moveErr error
	lookErr error
}

func newMemFolders() *memFolders {
	return &memFolders{folders: make(map[string]datatypes.Folder)}
}

func (m *memFolders) MovePeerExclusive(_ context.Context, target datatypes.Folder, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moveErr != nil {
		return m.moveErr
	}
	m.folders[peer] = target
	m.moves = append(m.moves, peer+"->"+target.Label())
	return nil
}

func (m *memFolders) FolderOf(_ context.Context, peer string) (datatypes.Folder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookErr != nil {
		return "", false, m.lookErr
	}
	f, ok := m.folders[peer]
	return f, ok, nil
}

func (m *memFolders) folder(peer string) datatypes.Folder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folders[peer]
}

type failingMessenger struct {
	*OutboxMessenger
	sendErr error
}

func (f *failingMessenger) Send(context.Context, Outgoing) error { return f.sendErr }

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) Record(_ context.Context, kind, _ string, _ map[string]any) {
	e.mu.Lock()
	e.events = append(e.events, kind)
	e.mu.Unlock()
}

func (e *eventLog) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type fixture struct {
	handler  *Handler
	ledger   *ledger.MemoryLedger
	outbox   *OutboxMessenger
	folders  *memFolders
	recorder *eventLog
}

type fixtureOpts struct {
	classifier classifier.Classifier
	templates  *config.Templates
	messenger  Messenger
	paylink    string
	history    *HistoryBook
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   ledger.NewMemoryLedger(),
		outbox:   NewOutboxMessenger(nil),
		folders:  newMemFolders(),
		recorder: &eventLog{},
	}
	var port routing.ClassifierPort
	if opts.classifier != nil {
		port = classifier.NewAdapter(opts.classifier, classifier.AdapterConfig{})
	}
	orch := routing.NewOrchestrator(routing.OrchestratorConfig{
		Router:     routing.NewFastRouter(config.DefaultRules(), nil, nil),
		Classifier: port,
		Ledger:     f.ledger,
	})
	var messenger Messenger = f.outbox
	if opts.messenger != nil {
		messenger = opts.messenger
	}
	h, err := NewHandler(HandlerConfig{
		Orchestrator: orch,
		Templates:    config.NewStore(nil, opts.templates, nil),
		Messenger:    messenger,
		Folders:      f.folders,
		Recorder:     f.recorder,
		History:      opts.history,
		Paylink:      opts.paylink,
		Sleep:        func(context.Context, time.Duration) error { return nil },
		Rand:         func() float64 { return 0 },
	})
	require.NoError(t, err)
	f.handler = h
	return f
}

func private(peer, text string) IncomingMessage {
	return IncomingMessage{Peer: peer, Text: text, Private: true}
}

func failingClassifier() classifier.Classifier {
	return classifier.ClassifierFunc(func(context.Context, classifier.Request) (classifier.Result, error) {
		return classifier.Result{}, errors.New("down")
	})
}

// =============================================================================
// Handler
// =============================================================================

func TestHandler_GreetingSendsAndFilesInBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	res, err := f.handler.Handle(ctx, private("u1", "hi"))
	require.NoError(t, err)

	assert.Equal(t, routing.SendTemplate(datatypes.TemplateGreeting), res.Decision)
	assert.Equal(t, routing.StageFastRouter, res.Stage)
	assert.Equal(t, datatypes.FolderBot, res.Folder)
	require.NotNil(t, res.Sent)
	assert.Equal(t, datatypes.TemplateGreeting, res.Sent.Template)

	assert.Len(t, f.outbox.Sent(), 1)
	assert.Equal(t, 1, f.outbox.Reads("u1"))
	assert.Equal(t, datatypes.FolderBot, f.folders.folder("u1"))

	snap, err := f.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, snap.Used.Has(datatypes.TemplateGreeting))
	assert.Equal(t, datatypes.TemplateGreeting, snap.Last)
	assert.Equal(t, []string{EventRoute}, f.recorder.kinds())
}

func TestHandler_NotPrivateIgnored(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	res, err := f.handler.Handle(context.Background(), IncomingMessage{Peer: "g1", Text: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, IgnoreNotPrivate, res.IgnoreReason)
	assert.Empty(t, f.outbox.Sent())
	assert.Empty(t, f.recorder.kinds())
}

func TestHandler_MissingPeer(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.handler.Handle(context.Background(), private(" ", "hi"))
	assert.ErrorIs(t, err, ErrNoPeer)
}

func TestHandler_TerminalFolderIgnored(t *testing.T) {
	for _, folder := range []datatypes.Folder{datatypes.FolderManual, datatypes.FolderTimewaster, datatypes.FolderConfirmation} {
		t.Run(folder.Label(), func(t *testing.T) {
			f := newFixture(t, fixtureOpts{})
			f.folders.folders["u1"] = folder

			res, err := f.handler.Handle(context.Background(), private("u1", "hi"))
			require.NoError(t, err)
			assert.True(t, res.Ignored)
			assert.Equal(t, IgnoreTerminalFolder, res.IgnoreReason)
			assert.Equal(t, folder, res.Folder)
			assert.Empty(t, f.outbox.Sent())
			assert.Equal(t, []string{EventIgnored}, f.recorder.kinds())
		})
	}
}

func TestHandler_FolderLookupFailureCountsAsBot(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.folders.lookErr = errors.New("remote down")

	res, err := f.handler.Handle(context.Background(), private("u1", "hi"))
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	require.NotNil(t, res.Sent)
}

func TestHandler_ManualMoveIsUnread(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	res, err := f.handler.Handle(context.Background(), private("u2", "weird off-topic long text that breaks rules"))
	require.NoError(t, err)
	assert.Equal(t, routing.KindMoveManual, res.Decision.Kind)
	assert.Equal(t, datatypes.FolderManual, f.folders.folder("u2"))
	assert.Zero(t, f.outbox.Reads("u2"))
	assert.Empty(t, f.outbox.Sent())
}

func TestHandler_NotInterestedMovesWithoutReply(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	res, err := f.handler.Handle(context.Background(), private("u1", "not interested"))
	require.NoError(t, err)
	assert.Equal(t, routing.MoveTimewaster(), res.Decision)
	assert.Equal(t, datatypes.FolderTimewaster, res.Folder)
	assert.Empty(t, f.outbox.Sent())
	assert.Zero(t, f.outbox.Reads("u1"))
}

func TestHandler_SendFailureLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("flood wait")
	f := newFixture(t, fixtureOpts{})
	f2 := newFixture(t, fixtureOpts{messenger: &failingMessenger{OutboxMessenger: NewOutboxMessenger(nil), sendErr: boom}})

	_, err := f2.handler.Handle(ctx, private("u1", "hi"))
	require.ErrorIs(t, err, boom)

	snap, err := f2.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, snap.Used)
	assert.Empty(t, snap.Last)
	assert.Empty(t, f2.folders.moves, "no folder move after a failed send")

	// The same message on a healthy fixture goes through.
	_, err = f.handler.Handle(ctx, private("u1", "hi"))
	require.NoError(t, err)
}

func TestHandler_MoveFailureReturnsError(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.folders.moveErr = fmt.Errorf("upsert: %w", folders.ErrRetryExhausted)

	res, err := f.handler.Handle(context.Background(), private("u1", "not interested"))
	require.Error(t, err)
	assert.ErrorIs(t, err, folders.ErrRetryExhausted)
	assert.Equal(t, routing.MoveTimewaster(), res.Decision)
}

func TestHandler_TemplateMissingGoesManual(t *testing.T) {
	f := newFixture(t, fixtureOpts{templates: config.NewTemplates(map[string]string{"pricelist": "Prices"})})

	res, err := f.handler.Handle(context.Background(), private("u1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, routing.MoveManual(ReasonTemplateMissing), res.Decision)
	assert.Equal(t, datatypes.FolderManual, f.folders.folder("u1"))
	assert.Empty(t, f.outbox.Sent())
}

func TestHandler_PaylinkNeverEmpty(t *testing.T) {
	f := newFixture(t, fixtureOpts{templates: config.NewTemplates(map[string]string{"paylink": "{PAYLINK}"})})

	res, err := f.handler.Handle(context.Background(), private("u_pay", "how do i pay ?"))
	require.NoError(t, err)
	require.NotNil(t, res.Sent)
	assert.Equal(t, datatypes.TemplatePaylink, res.Sent.Template)
	assert.NotEmpty(t, res.Sent.Text)
	assert.Equal(t, config.PaylinkFallback, res.Sent.Text)
}

func TestHandler_PaylinkRendered(t *testing.T) {
	f := newFixture(t, fixtureOpts{paylink: "https://pay.example/x"})

	res, err := f.handler.Handle(context.Background(), private("u1", "payment?"))
	require.NoError(t, err)
	require.NotNil(t, res.Sent)
	assert.Contains(t, res.Sent.Text, "https://pay.example/x")
}

func TestHandler_FunnelProgression(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	var got []string
	for _, text := range []string{"hey", "ofcourse", "ok"} {
		res, err := f.handler.Handle(ctx, private("u1", text))
		require.NoError(t, err)
		require.NotNil(t, res.Sent, text)
		got = append(got, res.Sent.Template)
	}
	assert.Equal(t, []string{"greeting", "pricelist", "paylink"}, got)
}

func TestHandler_PaymentRescueWithFailingClassifier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{classifier: failingClassifier()})

	for _, text := range []string{"hey", "prices?", "how do i pay ?"} {
		_, err := f.handler.Handle(ctx, private("u1", text))
		require.NoError(t, err)
	}

	res, err := f.handler.Handle(ctx, private("u1", "here you go"))
	require.NoError(t, err)
	assert.Equal(t, routing.StageRescue, res.Stage)
	require.NotNil(t, res.Sent)
	assert.Equal(t, datatypes.TemplateConfirmation, res.Sent.Template)
	assert.Equal(t, datatypes.FolderConfirmation, f.folders.folder("u1"))

	kinds := f.recorder.kinds()
	assert.Contains(t, kinds, EventLLMCall)
	assert.Contains(t, kinds, EventLLMResult)

	res, err = f.handler.Handle(ctx, private("u1", "ok?"))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	kinds = f.recorder.kinds()
	assert.Equal(t, EventIgnored, kinds[len(kinds)-1])
}

func TestHandler_ConfirmationSentOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, ledger.RecordSend(ctx, f.ledger, "u1", datatypes.TemplateConfirmation))

	res, err := f.handler.Handle(ctx, private("u1", "i sent"))
	require.NoError(t, err)
	assert.Equal(t, routing.KindMoveConfirmation, res.Decision.Kind)
	assert.Nil(t, res.Sent)
	assert.Equal(t, datatypes.FolderConfirmation, res.Folder)
}

func TestHandler_HistoryBookFeedsClassifier(t *testing.T) {
	ctx := context.Background()
	var (
		mu   sync.Mutex
		seen [][]string
	)
	clf := classifier.ClassifierFunc(func(_ context.Context, req classifier.Request) (classifier.Result, error) {
		mu.Lock()
		seen = append(seen, req.History)
		n := len(seen)
		mu.Unlock()
		key := datatypes.TemplateGreeting
		if n > 1 {
			key = datatypes.TemplatePricelist
		}
		return classifier.Result{Action: classifier.ActionSendTemplate, TemplateKey: key, Confidence: 0.9}, nil
	})
	f := newFixture(t, fixtureOpts{classifier: clf, history: NewHistoryBook(0)})

	_, err := f.handler.Handle(ctx, private("u1", "blah one"))
	require.NoError(t, err)
	_, err = f.handler.Handle(ctx, private("u1", "blah two"))
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Empty(t, seen[0])
	assert.Equal(t, []string{"blah one"}, seen[1])
}

func TestHandler_ConcurrentPeersEachGreetedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		peer := fmt.Sprintf("p%d", i)
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.handler.Handle(ctx, private(peer, "hi"))
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	perPeer := make(map[string]int)
	for _, m := range f.outbox.Sent() {
		perPeer[m.Peer]++
	}
	assert.Len(t, perPeer, 10)
	for peer, n := range perPeer {
		assert.Equal(t, 1, n, peer)
	}
}

func TestHandler_WithDirectory(t *testing.T) {
	ctx := context.Background()
	remote := folders.NewMemoryRemote()
	dir, err := folders.NewDirectory(folders.DirectoryConfig{Remote: remote})
	require.NoError(t, err)

	l := ledger.NewMemoryLedger()
	orch := routing.NewOrchestrator(routing.OrchestratorConfig{
		Router: routing.NewFastRouter(nil, nil, nil),
		Ledger: l,
	})
	h, err := NewHandler(HandlerConfig{
		Orchestrator: orch,
		Templates:    config.NewStore(nil, nil, nil),
		Messenger:    NewOutboxMessenger(nil),
		Folders:      dir,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)

	res, err := h.Handle(ctx, private("u1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, datatypes.FolderBot, res.Folder)

	_, err = h.Handle(ctx, private("u1", "not interested"))
	require.NoError(t, err)

	got, ok, err := dir.FolderOf(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, datatypes.FolderTimewaster, got)

	res, err = h.Handle(ctx, private("u1", "hi again"))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	_, err := NewHandler(HandlerConfig{})
	assert.Error(t, err)
}

// =============================================================================
// Typing delay / history
// =============================================================================

func TestTypingDelay(t *testing.T) {
	zero := func() float64 { return 0 }
	half := func() float64 { return 0.5 }

	assert.Equal(t, 600*time.Millisecond, TypingDelay(0, zero))
	assert.Equal(t, 1600*time.Millisecond, TypingDelay(15, zero))
	assert.Equal(t, 4*time.Second, TypingDelay(1000, zero))
	assert.Equal(t, 4300*time.Millisecond, TypingDelay(1000, half))

	d := TypingDelay(30, nil)
	assert.GreaterOrEqual(t, d, 2600*time.Millisecond)
	assert.Less(t, d, 3200*time.Millisecond)
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, SleepContext(context.Background(), 0))
}

func TestHistoryBook_KeepsDepth(t *testing.T) {
	b := NewHistoryBook(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		b.Append("u1", s)
	}
	assert.Equal(t, []string{"b", "c", "d"}, b.Recent("u1", 0))
	assert.Equal(t, []string{"c", "d"}, b.Recent("u1", 2))
	assert.Empty(t, b.Recent("u2", 5))

	b.Forget("u1")
	assert.Empty(t, b.Recent("u1", 0))
}

// =============================================================================
// HTTPMessenger
// =============================================================================

func TestHTTPMessenger_PostsToBridge(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		sent  Outgoing
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/messages/send" {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	m := NewHTTPMessenger(bridge.NewClient(srv.URL, nil, nil))
	ctx := context.Background()
	require.NoError(t, m.MarkRead(ctx, "u1"))
	require.NoError(t, m.Typing(ctx, "u1", time.Second))
	require.NoError(t, m.Send(ctx, Outgoing{Peer: "u1", Text: "Hello", Template: "greeting"}))

	assert.Equal(t, []string{"/v1/messages/read", "/v1/messages/typing", "/v1/messages/send"}, paths)
	assert.Equal(t, Outgoing{Peer: "u1", Text: "Hello", Template: "greeting"}, sent)
}

func TestHTTPMessenger_BridgeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"FLOOD_WAIT","message":"slow down"}}`))
	}))
	defer srv.Close()

	m := NewHTTPMessenger(bridge.NewClient(srv.URL, nil, nil))
	err := m.Send(context.Background(), Outgoing{Peer: "u1", Text: "x"})
	var be *bridge.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "FLOOD_WAIT", be.Code)
}
