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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelay/services/gateway/cache"
	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/fingerprint"
	"github.com/AleutianAI/AleutianRelay/services/gateway/limits"
	"github.com/AleutianAI/AleutianRelay/services/gateway/middleware"
	"github.com/AleutianAI/AleutianRelay/services/gateway/observability"
	"github.com/AleutianAI/AleutianRelay/services/gateway/sanitizer"
	"github.com/AleutianAI/AleutianRelay/services/generation"
	"github.com/AleutianAI/AleutianRelay/services/store"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// keepAliveInterval is the interval for SSE comment pings while a
	// request is attached to a generation it does not own. Stays well
	// under typical LB timeouts (60s for ALB/Nginx).
	keepAliveInterval = 15 * time.Second

	// persistTimeout bounds the post-stream write of finalized turns.
	persistTimeout = 5 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamingChatHandler handles streaming chat requests over SSE.
type StreamingChatHandler interface {
	// HandleChatStream processes POST /v1/chat/stream requests.
	HandleChatStream(c *gin.Context)

	// HandleCacheInvalidate processes DELETE /v1/cache/invalidate requests.
	HandleCacheInvalidate(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// Config carries the tunables for the streaming chat handler.
type Config struct {
	// GenerationTimeout bounds a single backend generation. The timeout
	// is independent of the requesting connection: a disconnecting
	// client does not cancel a generation other requests may be
	// attached to.
	GenerationTimeout time.Duration

	// RationaleMaxChars caps surfaced rationale length in concise mode.
	RationaleMaxChars int

	// DefaultModel applies when a request omits model_id.
	DefaultModel string
}

// streamingChatHandler coordinates one streaming chat request end to end.
//
// # Description
//
// The handler admits the request through the rate and concurrency
// limiters, fingerprints it, and resolves it through the response cache:
//   - Cache hit: the stored event sequence is replayed verbatim.
//   - In-flight duplicate: the request attaches to the owner's result
//     and replays it when the owner finishes.
//   - Miss: this request becomes the owner. It generates, sanitizes,
//     and emits events live while accumulating them for the cache.
//
// Events carry their integrity envelope from the moment they are
// produced, so all three paths deliver identical bytes.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable per-request state lives on the
// stack of HandleChatStream.
type streamingChatHandler struct {
	generator         generation.Generator
	cache             *cache.ResponseCache
	rateLimiter       *limits.RateLimiter
	sessionLimiter    *limits.SessionLimiter
	redactor          *sanitizer.Redactor
	messages          store.MessageStore
	tracer            trace.Tracer
	generationTimeout time.Duration
	rationaleMaxChars int
	defaultModel      string
}

var _ StreamingChatHandler = (*streamingChatHandler)(nil)

// =============================================================================
// Constructor
// =============================================================================

// NewStreamingChatHandler creates the streaming chat handler.
//
// # Inputs
//
//   - generator: Answer generation backend. Must not be nil.
//   - responseCache: Completed-response cache. Must not be nil.
//   - rateLimiter, sessionLimiter: Admission limiters. Must not be nil.
//   - redactor: Rationale redactor. May be nil to disable redaction.
//   - messages: Turn persistence. May be nil to disable persistence.
//   - cfg: Handler tunables. Zero fields get defaults.
//
// # Outputs
//
//   - StreamingChatHandler: Ready to register on a router.
func NewStreamingChatHandler(
	generator generation.Generator,
	responseCache *cache.ResponseCache,
	rateLimiter *limits.RateLimiter,
	sessionLimiter *limits.SessionLimiter,
	redactor *sanitizer.Redactor,
	messages store.MessageStore,
	cfg Config,
) StreamingChatHandler {
	if generator == nil {
		panic("NewStreamingChatHandler: generator must not be nil")
	}
	if responseCache == nil {
		panic("NewStreamingChatHandler: responseCache must not be nil")
	}
	if rateLimiter == nil || sessionLimiter == nil {
		panic("NewStreamingChatHandler: limiters must not be nil")
	}

	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 120 * time.Second
	}
	if cfg.RationaleMaxChars <= 0 {
		cfg.RationaleMaxChars = datatypes.DefaultReasoningMaxChars
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}

	return &streamingChatHandler{
		generator:         generator,
		cache:             responseCache,
		rateLimiter:       rateLimiter,
		sessionLimiter:    sessionLimiter,
		redactor:          redactor,
		messages:          messages,
		tracer:            otel.Tracer("relay.gateway.handlers.chat_stream"),
		generationTimeout: cfg.GenerationTimeout,
		rationaleMaxChars: cfg.RationaleMaxChars,
		defaultModel:      cfg.DefaultModel,
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes streaming chat requests with SSE streaming.
//
// # Description
//
// Handles POST /v1/chat/stream requests. The flow is:
//  1. Resolve the authenticated user
//  2. Parse and validate the request body
//  3. Admit through the rate limiter (429 + Retry-After on refusal)
//  4. Acquire a concurrent-session slot (429 on refusal)
//  5. Fingerprint the request
//  6. Set SSE headers and create the writer
//  7. Resolve through the response cache (replay, attach, or generate)
//  8. Persist finalized turns on success
//
// Limiter refusals happen before any SSE bytes are written, so they
// surface as plain HTTP status codes. Failures after streaming has
// started surface as terminal error events.
//
// # Outputs
//
// SSE Events:
//   - event: rationale, data: {"type":"rationale","text":"..."}
//   - event: content, data: {"type":"content","text":"Hello"}
//   - event: complete, data: {"type":"complete","message_id":"...","tokens_used":42}
//   - event: error, data: {"type":"error","kind":"generation_failure","message":"..."}
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid request body or validation failure
//   - 401 Unauthorized: No resolved user
//   - 429 Too Many Requests: Rate or concurrency limit reached
//   - 500 Internal Server Error: SSE setup failure
//
// # Limitations
//
//   - Errors during streaming are sent as events, not HTTP errors
//
// # Assumptions
//
//   - Auth middleware ran before this handler
//   - Client supports SSE
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()

	_, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted()
		defer m.StreamEnded()
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(success, time.Since(startTime))
		}
	}()

	// Step 1: Resolve the authenticated user
	userID, ok := middleware.GetUserID(c)
	if !ok {
		span.SetStatus(codes.Error, "unauthenticated")
		c.JSON(http.StatusUnauthorized, gin.H{
			"kind":  string(datatypes.ErrKindUnauthenticated),
			"error": "authentication required",
		})
		return
	}
	span.SetAttributes(attribute.String("user.id", userID))

	// Step 2: Parse and validate request body
	var req datatypes.ChatStreamRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse streaming chat request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults()
	if req.ModelID == "" {
		req.ModelID = h.defaultModel
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Streaming request validation failed",
			"error", err,
			"requestId", req.RequestID,
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.scope", req.ConversationScope),
		attribute.String("request.model", req.ModelID),
		attribute.String("request.reasoning_mode", string(req.ReasoningMode)),
	)

	// Step 3: Rate limit admission. Refused requests get Retry-After
	// and never open a stream.
	if allowed, retryAfter := h.rateLimiter.Admit(userID); !allowed {
		span.SetStatus(codes.Error, "rate limited")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRejection("rate")
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"kind":                string(datatypes.ErrKindRateLimit),
			"error":               "rate limit exceeded",
			"retry_after_seconds": retryAfter,
		})
		return
	}

	// Step 4: Concurrent-session admission
	handle, err := h.sessionLimiter.Acquire(userID)
	if err != nil {
		span.SetStatus(codes.Error, "concurrency limited")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRejection("concurrency")
		}
		c.JSON(http.StatusTooManyRequests, gin.H{
			"kind":  string(datatypes.ErrKindConcurrencyLimit),
			"error": "too many concurrent sessions",
		})
		return
	}
	defer h.sessionLimiter.Release(handle)

	// Step 5: Fingerprint the request
	fp := fingerprint.Compute(
		req.ConversationScope,
		req.Input,
		req.ModelID,
		req.ReasoningMode,
		req.ReasoningEffort,
		req.Params,
		req.ContextIDs,
	)
	span.SetAttributes(attribute.String("request.fingerprint", fp))

	// Step 6: Switch to SSE
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sse setup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Keepalive pings cover the window where this request is attached
	// to a generation owned by another request and has nothing to write.
	stopKeepAlive := h.startKeepAlive(writer)

	// Step 7: Resolve through the cache. The compute closure runs in at
	// most one goroutine per fingerprint; when it runs here, this
	// request owns the generation and emits events live.
	ownerRan := false
	var ownerResult *liveStreamResult
	events, replayed, err := h.cache.GetOrCompute(fp, func() ([]datatypes.StreamEvent, error) {
		ownerRan = true
		res, genErr := h.generate(req, writer, startTime)
		ownerResult = res
		if genErr != nil {
			return nil, genErr
		}
		return res.events, nil
	})
	stopKeepAlive()

	if m := observability.DefaultMetrics; m != nil {
		if ownerRan {
			m.RecordCacheOutcome(observability.CacheOutcomeMiss)
		} else {
			m.RecordCacheOutcome(observability.CacheOutcomeHit)
		}
	}

	if err != nil {
		kind, message := classifyStreamError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		slog.Error("Streaming chat failed",
			"error", err,
			"kind", string(kind),
			"requestId", req.RequestID,
			"fingerprint", fp,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(string(kind))
		}
		h.writeTerminalError(writer, kind, message)
		return
	}

	// Step 8: Replay for non-owners. The owner already wrote its events
	// inside the compute closure.
	if !ownerRan && replayed {
		for _, ev := range events {
			if writeErr := writer.WriteEvent(ev); writeErr != nil {
				if m := observability.DefaultMetrics; m != nil {
					m.ClientDisconnectsTotal.Inc()
				}
				slog.Warn("Client disconnected during replay",
					"requestId", req.RequestID,
					"fingerprint", fp,
				)
				break
			}
		}
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(tokensFromEvents(events), req.ModelID)
	}

	// Step 9: Persist finalized turns. Only the owner persists, so a
	// replayed response never duplicates rows.
	if ownerRan && ownerResult != nil {
		h.persistTurns(req, ownerResult)
	}

	success = true
	span.SetStatus(codes.Ok, "")
}

// HandleCacheInvalidate removes cached responses for a conversation scope.
//
// # Description
//
// Handles DELETE /v1/cache/invalidate?scope=<scope>. Removes every
// cached response whose fingerprint belongs to the scope. Subsequent
// identical requests regenerate.
//
// # Outputs
//
//   - 200 OK: {"scope": "...", "invalidated": n}
//   - 400 Bad Request: Missing scope parameter
//   - 500 Internal Server Error: Store failure
func (h *streamingChatHandler) HandleCacheInvalidate(c *gin.Context) {
	scope := c.Query("scope")
	if scope == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope parameter is required"})
		return
	}

	n, err := h.cache.Invalidate(fingerprint.ScopePrefix(scope))
	if err != nil {
		slog.Error("Cache invalidation failed", "error", err, "scope", scope)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation failed"})
		return
	}

	slog.Info("Cache invalidated", "scope", scope, "entries", n)
	c.JSON(http.StatusOK, gin.H{"scope": scope, "invalidated": n})
}

// =============================================================================
// Private Methods
// =============================================================================

// liveStreamResult accumulates what the owning request produced.
type liveStreamResult struct {
	events     []datatypes.StreamEvent
	answer     strings.Builder
	tokensUsed int
	degraded   bool
}

// generate runs one backend generation, sanitizing and emitting events
// live while accumulating them for the cache.
//
// The generation runs under a detached timeout context. A disconnecting
// client stops receiving bytes but does not abort the generation:
// attached requests and the cache still need the complete sequence.
func (h *streamingChatHandler) generate(
	req datatypes.ChatStreamRequest,
	writer SSEWriter,
	startTime time.Time,
) (*liveStreamResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.generationTimeout)
	defer cancel()

	san := sanitizer.New(req.ReasoningMode, h.rationaleMaxChars, h.redactor)
	defer san.Close()

	chain := datatypes.NewEventChain()
	res := &liveStreamResult{}

	writeFailed := false
	firstWrite := true
	emit := func(ev datatypes.StreamEvent) {
		chain.Stamp(&ev)
		res.events = append(res.events, ev)
		if writeFailed {
			return
		}
		if err := writer.WriteEvent(ev); err != nil {
			writeFailed = true
			if m := observability.DefaultMetrics; m != nil {
				m.ClientDisconnectsTotal.Inc()
			}
			slog.Warn("Client disconnected mid-generation, continuing for cache",
				"requestId", req.RequestID,
			)
			return
		}
		if firstWrite {
			firstWrite = false
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstToken(time.Since(startTime))
			}
		}
	}
	emitOutputs := func(outs []sanitizer.Output) {
		for _, out := range outs {
			switch {
			case out.Rationale != "":
				emit(datatypes.NewRationaleEvent(out.Rationale))
			case out.Content != "":
				res.answer.WriteString(out.Content)
				emit(datatypes.NewContentEvent(out.Content))
			}
		}
	}

	prompt := generation.BuildPrompt(req.ReasoningMode, req.ReasoningEffort, req.Input)
	params := generation.Params{
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
	}

	err := h.generator.Stream(ctx, req.ModelID, prompt, params, func(chunk string) error {
		res.tokensUsed++
		outs, sanErr := san.Consume(chunk)
		if sanErr != nil {
			return sanErr
		}
		emitOutputs(outs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	outs, err := san.Finish()
	if err != nil {
		return nil, err
	}
	emitOutputs(outs)
	res.degraded = san.Degraded()

	complete := datatypes.NewCompleteEvent(uuid.New().String(), res.tokensUsed)
	emit(complete)

	return res, nil
}

// startKeepAlive sends SSE comment pings until the returned stop
// function is called. Pings interleave safely with events; the writer
// serializes all writes.
func (h *streamingChatHandler) startKeepAlive(writer SSEWriter) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// writeTerminalError stamps and writes a terminal error event.
// Error events are produced per-connection and never cached.
func (h *streamingChatHandler) writeTerminalError(writer SSEWriter, kind datatypes.ErrorKind, message string) {
	ev := datatypes.NewErrorEvent(kind, message)
	datatypes.NewEventChain().Stamp(&ev)
	if err := writer.WriteEvent(ev); err != nil {
		slog.Warn("Failed to deliver terminal error event", "kind", string(kind), "error", err)
	}
}

// persistTurns writes the user input and the finalized assistant answer.
// Persistence is best-effort: failures are logged and never affect the
// already-delivered stream.
func (h *streamingChatHandler) persistTurns(req datatypes.ChatStreamRequest, res *liveStreamResult) {
	if h.messages == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := h.messages.Persist(ctx, req.ConversationScope, store.RoleUser, req.Input, 0); err != nil {
		slog.Error("Failed to persist user turn",
			"error", err,
			"scope", req.ConversationScope,
			"requestId", req.RequestID,
		)
		return
	}
	if _, err := h.messages.Persist(ctx, req.ConversationScope, store.RoleAssistant, res.answer.String(), res.tokensUsed); err != nil {
		slog.Error("Failed to persist assistant turn",
			"error", err,
			"scope", req.ConversationScope,
			"requestId", req.RequestID,
		)
	}
}

// classifyStreamError maps an internal failure to a stable wire kind and
// a client-safe message (SEC-005: no internal details cross the wire).
func classifyStreamError(err error) (datatypes.ErrorKind, string) {
	var genErr *generation.GenerationError
	switch {
	case errors.As(err, &genErr), errors.Is(err, context.DeadlineExceeded):
		return datatypes.ErrKindGeneration, "answer generation failed"
	default:
		return datatypes.ErrKindSanitization, "response processing failed"
	}
}

// tokensFromEvents extracts the token count from the complete event.
func tokensFromEvents(events []datatypes.StreamEvent) int {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == datatypes.EventComplete {
			return events[i].TokensUsed
		}
	}
	return 0
}
