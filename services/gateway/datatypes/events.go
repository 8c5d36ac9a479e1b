// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Event Types
// =============================================================================

// EventType identifies the kind of a stream event.
type EventType string

const (
	// EventContent carries a chunk of answer text.
	EventContent EventType = "content"

	// EventRationale carries the single bounded, redacted rationale
	// (concise mode only).
	EventRationale EventType = "rationale"

	// EventComplete terminates a successful stream.
	EventComplete EventType = "complete"

	// EventError terminates a failed stream.
	EventError EventType = "error"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind is the stable machine-readable failure classification carried
// on terminal error events. Kinds are part of the wire contract and must
// not change between releases.
type ErrorKind string

const (
	ErrKindRateLimit        ErrorKind = "rate_limit_exceeded"
	ErrKindConcurrencyLimit ErrorKind = "concurrency_limit_exceeded"
	ErrKindGeneration       ErrorKind = "generation_failure"
	ErrKindSanitization     ErrorKind = "sanitization_failure"
	ErrKindCacheCorruption  ErrorKind = "cache_corruption"
	ErrKindUnauthenticated  ErrorKind = "unauthenticated"
)

// =============================================================================
// Stream Event
// =============================================================================

// StreamEvent is one event on the outbound event stream.
//
// # Description
//
// A request produces zero or more rationale/content events followed by
// exactly one terminal event (complete or error). Each event carries an
// integrity envelope: a UUID, a creation timestamp, a SHA-256 hash of its
// content, and the hash of the preceding event. The envelope is stamped
// exactly once, when the event sequence is finalized, so cached replays
// are byte-identical to the original stream.
//
// # Fields
//
//   - Id: UUID v4 assigned at stamping time.
//   - Type: Event kind (content, rationale, complete, error).
//   - CreatedAt: Unix milliseconds when the event was stamped.
//   - Hash / PrevHash: SHA-256 hash chain over event content.
//   - Text: Payload for content and rationale events.
//   - MessageId / TokensUsed: Payload for complete events.
//   - Kind / Message: Payload for error events.
//
// # Thread Safety
//
// StreamEvent is a value type; stamping happens through EventChain which
// is confined to one request.
type StreamEvent struct {
	Id         string    `json:"id,omitempty"`
	Type       EventType `json:"type"`
	CreatedAt  int64     `json:"created_at,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	PrevHash   string    `json:"prev_hash,omitempty"`
	Text       string    `json:"text,omitempty"`
	MessageId  string    `json:"message_id,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	Kind       ErrorKind `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// IsTerminal reports whether the event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// =============================================================================
// Event Chain
// =============================================================================

// EventChain stamps the integrity envelope onto a sequence of events.
//
// # Description
//
// EventChain assigns Id, CreatedAt, Hash, and PrevHash to each event in
// order. Each event's Hash covers its content fields plus the previous
// event's hash, providing chain of custody for the finalized sequence.
// One chain belongs to one in-flight computation; it is not safe for
// concurrent use.
type EventChain struct {
	prevHash string
}

// NewEventChain returns an empty chain.
func NewEventChain() *EventChain {
	return &EventChain{}
}

// Stamp populates the envelope fields of ev in place.
func (c *EventChain) Stamp(ev *StreamEvent) {
	ev.Id = uuid.New().String()
	ev.CreatedAt = time.Now().UnixMilli()
	ev.PrevHash = c.prevHash
	ev.Hash = c.hashEvent(*ev)
	c.prevHash = ev.Hash
}

// hashEvent computes the SHA-256 hash of an event's content fields.
// Called before the Hash field is set.
func (c *EventChain) hashEvent(ev StreamEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%d|%s|%s",
		ev.Id,
		ev.Type,
		ev.CreatedAt,
		ev.PrevHash,
		ev.Text,
		ev.MessageId,
		ev.TokensUsed,
		ev.Kind,
		ev.Message,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Event Constructors
// =============================================================================

// NewContentEvent returns an unstamped content event.
func NewContentEvent(text string) StreamEvent {
	return StreamEvent{Type: EventContent, Text: text}
}

// NewRationaleEvent returns an unstamped rationale event.
func NewRationaleEvent(text string) StreamEvent {
	return StreamEvent{Type: EventRationale, Text: text}
}

// NewCompleteEvent returns an unstamped complete event.
func NewCompleteEvent(messageID string, tokensUsed int) StreamEvent {
	return StreamEvent{Type: EventComplete, MessageId: messageID, TokensUsed: tokensUsed}
}

// NewErrorEvent returns an unstamped error event.
// The message must already be sanitized for client display (SEC-005).
func NewErrorEvent(kind ErrorKind, message string) StreamEvent {
	return StreamEvent{Type: EventError, Kind: kind, Message: message}
}
