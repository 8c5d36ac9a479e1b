// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request, response, and wire event types for
// the gateway service.
//
// This file contains the streaming chat request type and its validation.
// For the SSE event envelope, see events.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxInputBytes is the maximum size of the user input.
	// Per SEC-003: Unbounded message input mitigation.
	MaxInputBytes = 32 * 1024 // 32KB

	// MaxContextIDs is the maximum number of retrieval context identifiers
	// a request may select.
	MaxContextIDs = 64

	// DefaultReasoningMaxChars is the default cap on rationale text shown
	// to the client in concise mode.
	DefaultReasoningMaxChars = 200
)

// =============================================================================
// Reasoning Mode and Effort
// =============================================================================

// ReasoningMode controls how much of the model's reasoning reaches the client.
type ReasoningMode string

const (
	// ReasoningOff disables rationale handling entirely; the generator
	// output is passed through untouched.
	ReasoningOff ReasoningMode = "off"

	// ReasoningHidden instructs the model to reason internally; any
	// rationale recognized in the output is discarded before emission.
	ReasoningHidden ReasoningMode = "hidden"

	// ReasoningConcise emits a single bounded, redacted rationale event
	// ahead of the answer.
	ReasoningConcise ReasoningMode = "concise"
)

// ReasoningEffort controls how much reasoning the model is asked to spend.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// =============================================================================
// Generation Parameters
// =============================================================================

// GenerationParams carries the tunable generation knobs forwarded to the
// generator backend. Pointer fields distinguish "unset" from zero values.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty" validate:"omitempty"`
	TopP        *float32 `json:"top_p,omitempty" validate:"omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" validate:"omitempty,gte=0,lte=65536"`
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for gateway datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for input size (SEC-003)
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed MaxInputBytes.
//
// Checks byte length (not rune count) to prevent memory exhaustion attacks
// with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxInputBytes
}

// =============================================================================
// Streaming Chat Request
// =============================================================================

// ChatStreamRequest represents a streaming chat request body.
//
// # Description
//
// ChatStreamRequest carries everything the serving core needs to admit,
// fingerprint, and answer one question. This is the body of
// POST /v1/chat/stream. Every request includes a unique ID and timestamp
// for audit trails.
//
// # Fields
//
//   - RequestID: Optional client-side UUID v4; generated when absent.
//   - Timestamp: Optional Unix milliseconds (UTC); generated when absent.
//   - ConversationScope: Required. Identifies the conversation the request
//     belongs to. Cache entries and persisted turns are keyed under it.
//   - Input: Required. The user's question, limited to 32KB (SEC-003).
//   - ModelID: Optional upstream model identifier; the gateway default
//     applies when absent.
//   - ReasoningMode: off, hidden, or concise. Default: off.
//   - ReasoningEffort: low, medium, or high. Default: low.
//   - Params: Optional generation parameters.
//   - ContextIDs: Optional retrieval context identifiers selected by an
//     external retrieval layer. They participate in the fingerprint.
//
// # Validation
//
// Uses go-playground/validator:
//   - ConversationScope: required, 1-256 chars
//   - Input: required, max 32768 bytes per SEC-003
//   - ModelID: at most 128 chars when present
//   - ReasoningMode / ReasoningEffort: closed enumerations
//   - ContextIDs: at most MaxContextIDs elements
//
// # Limitations
//
//   - No multi-message history in this request type; the conversation
//     scope is resolved to history by the persistence collaborator.
//
// # Assumptions
//
//   - RequestID, when present, was generated client-side as UUID v4.
type ChatStreamRequest struct {
	RequestID         string          `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp         int64           `json:"timestamp" validate:"gte=0"`
	ConversationScope string          `json:"conversation_scope" validate:"required,min=1,max=256"`
	Input             string          `json:"input" validate:"required,maxbytes"`
	ModelID           string          `json:"model_id" validate:"omitempty,min=1,max=128"`
	ReasoningMode     ReasoningMode   `json:"reasoning_mode" validate:"omitempty,oneof=off hidden concise"`
	ReasoningEffort   ReasoningEffort `json:"reasoning_effort" validate:"omitempty,oneof=low medium high"`
	Params            GenerationParams `json:"params"`
	ContextIDs        []string        `json:"context_ids" validate:"max=64,dive,min=1,max=256"`
}

// Validate validates the ChatStreamRequest fields.
//
// # Description
//
// Performs validation using go-playground/validator tags and custom
// validators. Call after binding the JSON request and before touching
// any limiter or the cache.
//
// # Outputs
//
//   - error: Non-nil if validation failed, with details about which field.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates default values for optional fields.
//
// # Description
//
// Generates RequestID and Timestamp if not provided by the client and
// fills the reasoning mode and effort defaults. This keeps every request
// traceable and makes the fingerprint input total.
func (r *ChatStreamRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	if r.ReasoningMode == "" {
		r.ReasoningMode = ReasoningOff
	}
	if r.ReasoningEffort == "" {
		r.ReasoningEffort = EffortLow
	}
}
