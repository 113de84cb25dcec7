// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/config"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/datatypes"
	"github.com/ast3rix-ai/FELIX-BOT-V2/services/funnel/ledger"
)

// mockChatClient is a ChatClient with a pluggable reply.
type mockChatClient struct {
	chatFn func(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error)
	calls  atomic.Int32
}

func (m *mockChatClient) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error) {
	m.calls.Add(1)
	return m.chatFn(ctx, messages, opts)
}

func (m *mockChatClient) Provider() string { return "mock" }

func replying(reply string) *mockChatClient {
	return &mockChatClient{chatFn: func(context.Context, []ChatMessage, ChatOptions) (string, error) {
		return reply, nil
	}}
}

func fixedResult(res Result) Classifier {
	return ClassifierFunc(func(context.Context, Request) (Result, error) { return res, nil })
}

// =============================================================================
// JSON extraction
// =============================================================================

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Result
		wantErr error
	}{
		{
			name:    "plain object",
			content: `{"action":"send_template","template_key":"pricelist","confidence":0.9,"reason":"asks"}`,
			want:    Result{Action: ActionSendTemplate, TemplateKey: "pricelist", Confidence: 0.9, Reason: "asks"},
		},
		{
			name:    "fenced with prose",
			content: "Sure!\n```json\n{\"action\":\"move_timewaster\",\"template_key\":null,\"confidence\":0.8}\n```\nbye",
			want:    Result{Action: ActionMoveTimewaster, Confidence: 0.8},
		},
		{
			name:    "think block with braces",
			content: "<think>maybe {greeting}?</think>{\"action\":\"move_manual\",\"confidence\":\"0.7\"}",
			want:    Result{Action: ActionMoveManual, Confidence: 0.7},
		},
		{
			name:    "missing fields default to manual",
			content: `{"template_key":"null"}`,
			want:    Result{Action: ActionMoveManual},
		},
		{
			name:    "no object",
			content: "I cannot help with that",
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "broken json",
			content: `{"action": send_template}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "confidence out of range",
			content: `{"action":"send_template","template_key":"greeting","confidence":1.4}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "confidence not a number",
			content: `{"action":"send_template","confidence":"high"}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "confidence NaN",
			content: `{"action":"send_template","template_key":"pricelist","confidence":"NaN"}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "confidence infinite",
			content: `{"action":"send_template","template_key":"pricelist","confidence":"+Inf"}`,
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(tt.content)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Prompt
// =============================================================================

func TestBuildMessages_HistoryWindowAndContext(t *testing.T) {
	req := Request{
		Text:    "and now?",
		History: []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"},
		Folder:  datatypes.FolderBot,
		Used:    ledger.NewTemplateSet("pricelist", "greeting"),
		Last:    "pricelist",
	}
	msgs := BuildMessages(req, 5)

	require.NotEmpty(t, msgs)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "STRICT FALLBACK CLASSIFIER")

	last := msgs[len(msgs)-1]
	assert.Equal(t, RoleUser, last.Role)
	assert.Contains(t, last.Content, "Folder: BOT")
	assert.Contains(t, last.Content, "Used templates: greeting, pricelist")
	assert.Contains(t, last.Content, "Last template: pricelist")
	assert.NotContains(t, last.Content, "- m2\n")
	assert.Contains(t, last.Content, "- m3\n")
	assert.True(t, strings.HasSuffix(last.Content, "Message: and now?"))
}

// =============================================================================
// Adapter contract
// =============================================================================

func TestAdapter_Contract(t *testing.T) {
	used := ledger.NewTemplateSet(datatypes.TemplateGreeting)

	tests := []struct {
		name       string
		result     Result
		folder     datatypes.Folder
		wantAction Action
		wantKey    string
		wantReason string
	}{
		{
			name:       "send unused template",
			result:     Result{Action: ActionSendTemplate, TemplateKey: "pricelist", Confidence: 0.92},
			wantAction: ActionSendTemplate,
			wantKey:    "pricelist",
		},
		{
			name:       "low confidence never sends",
			result:     Result{Action: ActionSendTemplate, TemplateKey: "pricelist", Confidence: 0.6},
			wantAction: ActionMoveManual,
			wantReason: ReasonLowConfidence,
		},
		{
			name:       "repeat is rejected",
			result:     Result{Action: ActionSendTemplate, TemplateKey: "greeting", Confidence: 0.99},
			wantAction: ActionMoveManual,
			wantReason: ReasonRepeatOrInvalid,
		},
		{
			name:       "unknown key is rejected",
			result:     Result{Action: ActionSendTemplate, TemplateKey: "welcome", Confidence: 0.99},
			wantAction: ActionMoveManual,
			wantReason: ReasonRepeatOrInvalid,
		},
		{
			name:       "unknown action is rejected",
			result:     Result{Action: "reply", Confidence: 0.99},
			wantAction: ActionMoveManual,
			wantReason: ReasonRepeatOrInvalid,
		},
		{
			name:       "no sends outside bot folder",
			result:     Result{Action: ActionSendTemplate, TemplateKey: "paylink", Confidence: 0.99},
			folder:     datatypes.FolderManual,
			wantAction: ActionMoveManual,
			wantReason: ReasonRepeatOrInvalid,
		},
		{
			name:       "confirmation move carries send key",
			result:     Result{Action: ActionMoveConfirmation, Confidence: 0.9},
			wantAction: ActionMoveConfirmation,
			wantKey:    datatypes.TemplateConfirmation,
		},
		{
			name:       "confirmation template becomes confirmation move",
			result:     Result{Action: ActionSendTemplate, TemplateKey: "confirmation", Confidence: 0.9},
			wantAction: ActionMoveConfirmation,
			wantKey:    datatypes.TemplateConfirmation,
		},
		{
			name:       "timewaster move",
			result:     Result{Action: ActionMoveTimewaster, Confidence: 0.8},
			wantAction: ActionMoveTimewaster,
		},
		{
			name:       "model chooses manual",
			result:     Result{Action: ActionMoveManual, Confidence: 0.9},
			wantAction: ActionMoveManual,
			wantReason: ReasonModelManual,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			folder := tt.folder
			if folder == "" {
				folder = datatypes.FolderBot
			}
			a := NewAdapter(fixedResult(tt.result), AdapterConfig{Threshold: 0.75})
			v, err := a.Classify(context.Background(), Request{Text: "x", Folder: folder, Used: used})
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, v.Action)
			assert.Equal(t, tt.wantKey, v.TemplateKey)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, v.Reason)
			}
		})
	}
}

func TestAdapter_RequestThresholdOverride(t *testing.T) {
	a := NewAdapter(fixedResult(Result{Action: ActionMoveTimewaster, Confidence: 0.6}), AdapterConfig{Threshold: 0.75})
	v, err := a.Classify(context.Background(), Request{Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, ActionMoveTimewaster, v.Action)
}

func TestAdapter_Errors(t *testing.T) {
	ctx := context.Background()

	a := NewAdapter(nil, AdapterConfig{})
	_, err := a.Classify(ctx, Request{})
	assert.ErrorIs(t, err, ErrUnavailable)

	a = NewAdapter(ClassifierFunc(func(context.Context, Request) (Result, error) {
		return Result{}, errors.New("connection refused")
	}), AdapterConfig{})
	_, err = a.Classify(ctx, Request{})
	assert.ErrorIs(t, err, ErrUnavailable)

	a = NewAdapter(fixedResult(Result{Action: ActionMoveManual, Confidence: 2}), AdapterConfig{})
	_, err = a.Classify(ctx, Request{})
	assert.ErrorIs(t, err, ErrMalformedResponse)

	a = NewAdapter(fixedResult(Result{Action: ActionSendTemplate, TemplateKey: "pricelist", Confidence: math.NaN()}), AdapterConfig{})
	v, err := a.Classify(ctx, Request{Folder: datatypes.FolderBot})
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.NotEqual(t, ActionSendTemplate, v.Action)
}

func TestAdapter_NaNBelowAnyThreshold(t *testing.T) {
	a := NewAdapter(fixedResult(Result{}), AdapterConfig{})
	v := a.verdict(Request{Folder: datatypes.FolderBot},
		Result{Action: ActionSendTemplate, TemplateKey: "pricelist", Confidence: math.NaN()}, 0.75)
	assert.Equal(t, ActionMoveManual, v.Action)
	assert.Equal(t, ReasonLowConfidence, v.Reason)
}

func TestAdapter_UsedPaylinkRejected(t *testing.T) {
	used := ledger.NewTemplateSet(datatypes.TemplateGreeting, datatypes.TemplatePricelist, datatypes.TemplatePaylink)
	a := NewAdapter(fixedResult(Result{Action: ActionSendTemplate, TemplateKey: "paylink", Confidence: 0.99}), AdapterConfig{Threshold: 0.75})
	v, err := a.Classify(context.Background(), Request{Text: "send it again", Folder: datatypes.FolderBot, Used: used})
	require.NoError(t, err)
	assert.Equal(t, ActionMoveManual, v.Action)
	assert.Equal(t, ReasonRepeatOrInvalid, v.Reason)
}

func TestAdapter_TimeoutIsUnavailable(t *testing.T) {
	slow := ClassifierFunc(func(ctx context.Context, _ Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	a := NewAdapter(slow, AdapterConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := a.Classify(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdapter_NeverRetries(t *testing.T) {
	var calls atomic.Int32
	failing := ClassifierFunc(func(context.Context, Request) (Result, error) {
		calls.Add(1)
		return Result{}, ErrMalformedResponse
	})
	a := NewAdapter(failing, AdapterConfig{})
	_, err := a.Classify(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAdapter_BudgetExhausted(t *testing.T) {
	a := NewAdapter(fixedResult(Result{Action: ActionMoveManual, Confidence: 1}), AdapterConfig{CallsPerMinute: 1})
	_, err := a.Classify(context.Background(), Request{})
	require.NoError(t, err)
	_, err = a.Classify(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestCallBudget_SlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewCallBudget(2)
	b.now = func() time.Time { return now }

	ok, _ := b.Allow()
	assert.True(t, ok)
	ok, _ = b.Allow()
	assert.True(t, ok)
	ok, wait := b.Allow()
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	now = now.Add(61 * time.Second)
	ok, _ = b.Allow()
	assert.True(t, ok)

	var disabled *CallBudget
	ok, _ = disabled.Allow()
	assert.True(t, ok)
}

// =============================================================================
// LLMClassifier and backends
// =============================================================================

func TestLLMClassifier_ParsesReply(t *testing.T) {
	client := replying("```json\n{\"action\":\"send_template\",\"template_key\":\"pricelist\",\"confidence\":0.92,\"reason\":\"affirmative\"}\n```")
	c := NewLLMClassifier(client)
	res, err := c.Classify(context.Background(), Request{Text: "ofcourse", Used: ledger.NewTemplateSet("greeting")})
	require.NoError(t, err)
	assert.Equal(t, ActionSendTemplate, res.Action)
	assert.Equal(t, "pricelist", res.TemplateKey)
}

func TestLLMClassifier_ErrorKinds(t *testing.T) {
	down := &mockChatClient{chatFn: func(context.Context, []ChatMessage, ChatOptions) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	}}
	_, err := NewLLMClassifier(down).Classify(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = NewLLMClassifier(replying("no json here")).Classify(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOllamaChatClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deepseek-r1:7b", req.Model)
		assert.False(t, req.Stream)
		assert.InDelta(t, 0.1, req.Options["temperature"], 1e-9)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"action\":\"move_manual\"}"}}`))
	}))
	defer server.Close()

	c := NewOllamaChatClient(server.URL+"/", "deepseek-r1:7b", nil, nil)
	out, err := c.Chat(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, ChatOptions{Temperature: 0.1})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"move_manual"}`, out)
}

func TestOllamaChatClient_ResponseFieldFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"{\"action\":\"move_timewaster\"}"}`))
	}))
	defer server.Close()

	out, err := NewOllamaChatClient(server.URL, "m", nil, nil).Chat(context.Background(), nil, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"move_timewaster"}`, out)
}

func TestOllamaChatClient_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewOllamaChatClient(server.URL, "m", nil, nil).Chat(context.Background(), nil, ChatOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOpenAIChatClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"action\":\"move_manual\",\"confidence\":0.9}"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	c, err := NewOpenAIChatClient("sk-test", "", server.URL, nil)
	require.NoError(t, err)
	out, err := c.Chat(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, ChatOptions{Temperature: 0.1})
	require.NoError(t, err)
	assert.Contains(t, out, "move_manual")

	_, err = NewOpenAIChatClient("", "", "", nil)
	assert.Error(t, err)
}

func TestNewAdapterFromSettings(t *testing.T) {
	s := &config.Settings{ClassifierBackend: config.BackendNone}
	a, err := NewAdapterFromSettings(s, nil)
	require.NoError(t, err)
	assert.Nil(t, a)

	s = &config.Settings{
		ClassifierBackend: config.BackendOllama,
		OllamaURL:         "http://localhost:11434",
		Model:             "deepseek-r1:7b",
		LLMThreshold:      0.8,
		HistoryWindow:     5,
	}
	a, err = NewAdapterFromSettings(s, nil)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 0.8, a.Threshold())
}

func TestClassifyChatError(t *testing.T) {
	assert.Equal(t, "", classifyChatError(nil))
	assert.Equal(t, "timeout", classifyChatError(context.DeadlineExceeded))
	assert.Equal(t, "rate_limit", classifyChatError(ErrBudgetExhausted))
	assert.Equal(t, "server", classifyChatError(errors.New("ollama: API returned status 503: busy")))
	assert.Equal(t, "unknown", classifyChatError(errors.New("boom")))
}
