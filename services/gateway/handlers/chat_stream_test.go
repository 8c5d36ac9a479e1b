// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/gateway/cache"
	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/limits"
	"github.com/AleutianAI/AleutianRelay/services/gateway/middleware"
	"github.com/AleutianAI/AleutianRelay/services/gateway/sanitizer"
	"github.com/AleutianAI/AleutianRelay/services/generation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Fixtures
// =============================================================================

// mockGenerator delivers a fixed chunk sequence, or fails.
type mockGenerator struct {
	chunks    []string
	err       error
	calls     int64
	lastModel atomic.Value

	// started/release turn the generator into a barrier for concurrency
	// tests. Both nil for the common case.
	started     chan struct{}
	release     chan struct{}
	startedOnce sync.Once
}

func (g *mockGenerator) Stream(
	ctx context.Context,
	model string,
	prompt string,
	params generation.Params,
	fn generation.StreamFunc,
) error {
	atomic.AddInt64(&g.calls, 1)
	g.lastModel.Store(model)
	if g.started != nil {
		g.startedOnce.Do(func() { close(g.started) })
	}
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return g.err
	}
	for _, chunk := range g.chunks {
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

type testEnv struct {
	router *gin.Engine
	gen    *mockGenerator
	cache  *cache.ResponseCache
}

type envOptions struct {
	rateLimit      int
	sessionCeiling int
}

func newTestEnv(t *testing.T, gen *mockGenerator, opts envOptions) *testEnv {
	t.Helper()

	if opts.rateLimit == 0 {
		opts.rateLimit = 1000
	}
	if opts.sessionCeiling == 0 {
		opts.sessionCeiling = 100
	}

	responseCache, err := cache.NewResponseCache()
	require.NoError(t, err)
	t.Cleanup(func() { _ = responseCache.Close() })

	redactor, err := sanitizer.NewRedactor()
	require.NoError(t, err)

	handler := NewStreamingChatHandler(
		gen,
		responseCache,
		limits.NewRateLimiter(opts.rateLimit, time.Minute),
		limits.NewSessionLimiter(opts.sessionCeiling),
		redactor,
		nil,
		Config{},
	)

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(middleware.NopResolver{}))
	v1.POST("/chat/stream", handler.HandleChatStream)
	v1.DELETE("/cache/invalidate", handler.HandleCacheInvalidate)

	return &testEnv{router: router, gen: gen, cache: responseCache}
}

func chatRequest(t *testing.T, body map[string]any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseSSE decodes every data line of an SSE body into events.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line[len("data: "):]), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestHandleChatStream_SuccessEmitsRationaleContentComplete(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{
		chunks: []string{"Thought: add the numbers. Answer:", " 4"},
	}, envOptions{})

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
		"conversation_scope": "conv-1",
		"input":              "What is 2+2?",
		"reasoning_mode":     "concise",
	}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)

	assert.Equal(t, datatypes.EventRationale, events[0].Type)
	assert.Equal(t, "add the numbers", events[0].Text)

	assert.Equal(t, datatypes.EventContent, events[1].Type)
	assert.Equal(t, " 4", events[1].Text)

	assert.Equal(t, datatypes.EventComplete, events[2].Type)
	assert.NotEmpty(t, events[2].MessageId)
	assert.Equal(t, 2, events[2].TokensUsed)

	// Every event carries its envelope and the chain links.
	prev := ""
	for _, ev := range events {
		assert.NotEmpty(t, ev.Id)
		assert.Len(t, ev.Hash, 64)
		assert.Equal(t, prev, ev.PrevHash)
		prev = ev.Hash
	}
}

func TestHandleChatStream_ReplayIsByteIdentical(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{
		chunks: []string{"The answer is 4."},
	}, envOptions{})

	body := map[string]any{
		"conversation_scope": "conv-replay",
		"input":              "What is 2+2?",
	}

	first := httptest.NewRecorder()
	env.router.ServeHTTP(first, chatRequest(t, body))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	env.router.ServeHTTP(second, chatRequest(t, body))
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int64(1), atomic.LoadInt64(&env.gen.calls))
}

func TestHandleChatStream_DistinctInputsGenerateIndependently(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{chunks: []string{"ok"}}, envOptions{})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
			"conversation_scope": "conv-distinct",
			"input":              fmt.Sprintf("question %d", i),
		}))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, int64(2), atomic.LoadInt64(&env.gen.calls))
}

func TestHandleChatStream_DefaultModelApplied(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{chunks: []string{"ok"}}, envOptions{})

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
		"conversation_scope": "conv-model",
		"input":              "hello",
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "gpt-4o-mini", env.gen.lastModel.Load())
}

func TestHandleChatStream_GeneratorFailureEmitsErrorEvent(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{
		err: &generation.GenerationError{Model: "m", Err: fmt.Errorf("connection refused")},
	}, envOptions{})

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
		"conversation_scope": "conv-err",
		"input":              "hello",
	}))

	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventError, events[0].Type)
	assert.Equal(t, datatypes.ErrKindGeneration, events[0].Kind)
	assert.Equal(t, "answer generation failed", events[0].Message)
	// Internal details never cross the wire.
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestHandleChatStream_FailureIsNotCached(t *testing.T) {
	gen := &mockGenerator{
		err: &generation.GenerationError{Model: "m", Err: fmt.Errorf("transient")},
	}
	env := newTestEnv(t, gen, envOptions{})

	body := map[string]any{
		"conversation_scope": "conv-flaky",
		"input":              "hello",
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, body))
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, datatypes.EventError, events[0].Type)

	// The upstream recovers; the identical request must regenerate
	// instead of replaying the failure.
	gen.err = nil
	gen.chunks = []string{"recovered"}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, body))
	events = parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, datatypes.EventContent, events[0].Type)
	assert.Equal(t, "recovered", events[0].Text)
	assert.Equal(t, datatypes.EventComplete, events[1].Type)
	assert.Equal(t, int64(2), atomic.LoadInt64(&gen.calls))
}

// =============================================================================
// Admission Tests
// =============================================================================

func TestHandleChatStream_RateLimitRejection(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{chunks: []string{"ok"}}, envOptions{rateLimit: 1})

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
		"conversation_scope": "conv-rate",
		"input":              "first",
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
		"conversation_scope": "conv-rate",
		"input":              "second",
	}))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(datatypes.ErrKindRateLimit), resp["kind"])
	assert.NotZero(t, resp["retry_after_seconds"])
	assert.Equal(t, int64(1), atomic.LoadInt64(&env.gen.calls))
}

func TestHandleChatStream_ConcurrencyLimitRejection(t *testing.T) {
	gen := &mockGenerator{
		chunks:  []string{"slow answer"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	env := newTestEnv(t, gen, envOptions{sessionCeiling: 1})

	firstDone := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
			"conversation_scope": "conv-conc",
			"input":              "first",
		}))
		firstDone <- rec
	}()

	// The first request now holds the only session slot.
	<-gen.started

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
		"conversation_scope": "conv-conc",
		"input":              "second",
	}))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(datatypes.ErrKindConcurrencyLimit), resp["kind"])

	close(gen.release)
	first := <-firstDone
	assert.Equal(t, http.StatusOK, first.Code)

	// The released slot admits the next request.
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, map[string]any{
		"conversation_scope": "conv-conc",
		"input":              "third",
	}))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestHandleChatStream_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "missing input",
			body: map[string]any{"conversation_scope": "conv-1"},
		},
		{
			name: "missing scope",
			body: map[string]any{"input": "hello"},
		},
		{
			name: "oversized input",
			body: map[string]any{
				"conversation_scope": "conv-1",
				"input":              strings.Repeat("a", datatypes.MaxInputBytes+1),
			},
		},
		{
			name: "invalid reasoning mode",
			body: map[string]any{
				"conversation_scope": "conv-1",
				"input":              "hello",
				"reasoning_mode":     "loud",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, &mockGenerator{chunks: []string{"ok"}}, envOptions{})

			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, chatRequest(t, tc.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, int64(0), atomic.LoadInt64(&env.gen.calls))
		})
	}
}

func TestHandleChatStream_MalformedJSON(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{chunks: []string{"ok"}}, envOptions{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Invalidation Tests
// =============================================================================

func TestHandleCacheInvalidate_ScopedRemoval(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{chunks: []string{"cached"}}, envOptions{})

	body := map[string]any{
		"conversation_scope": "conv-inv",
		"input":              "hello",
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, body))
	require.Equal(t, http.StatusOK, rec.Code)

	otherBody := map[string]any{
		"conversation_scope": "conv-other",
		"input":              "hello",
	}
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, otherBody))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(
		http.MethodDelete, "/v1/cache/invalidate?scope=conv-inv", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "conv-inv", resp["scope"])
	assert.Equal(t, float64(1), resp["invalidated"])

	// The invalidated scope regenerates, the other scope still replays.
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), atomic.LoadInt64(&env.gen.calls))

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, chatRequest(t, otherBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), atomic.LoadInt64(&env.gen.calls))
}

func TestHandleCacheInvalidate_RequiresScope(t *testing.T) {
	env := newTestEnv(t, &mockGenerator{}, envOptions{})

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(
		http.MethodDelete, "/v1/cache/invalidate", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
