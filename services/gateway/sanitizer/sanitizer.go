// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sanitizer classifies streaming generator output into rationale
// and answer material and redacts PII from rationale text before it
// leaves the process boundary.
package sanitizer

import (
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

// =============================================================================
// Delimiters
// =============================================================================

const (
	// rationaleDelimiter opens a rationale block when it is the first
	// non-space output of the generator.
	rationaleDelimiter = "Thought:"

	// answerDelimiter marks the start of the final answer inside a
	// rationale block.
	answerDelimiter = "Answer:"

	// truncationMarker is appended to a rationale that exceeded the cap.
	// Truncation is always visible, never silent.
	truncationMarker = " [truncated]"
)

// =============================================================================
// State Machine
// =============================================================================

// sanitizerState enumerates the per-request classification states.
type sanitizerState int

const (
	stateAwaitingFirstToken sanitizerState = iota
	stateInRationale
	stateInAnswer
	stateDone
)

// Output is one classified piece of sanitizer output. Exactly one of the
// fields is set.
type Output struct {
	// Rationale is the single bounded, redacted rationale text.
	Rationale string

	// Content is a chunk of answer text.
	Content string
}

// Sanitizer is the streaming classifier and redactor for one request.
//
// # Description
//
// Consumes raw generator chunks incrementally and produces classified
// outputs. The state machine per request is:
//
//	AWAITING_FIRST_TOKEN -> IN_RATIONALE -> IN_ANSWER -> DONE
//
// Mode off is a pure passthrough. Modes hidden and concise recognize a
// rationale block opened by "Thought:" as the first non-space output and
// closed by "Answer:". Hidden discards the rationale; concise redacts
// and caps it and emits it as exactly one output before any answer
// content. If the stream ends before "Answer:" is seen, the entire
// buffered output is reclassified as answer content: delimiter detection
// is heuristic, and the failure direction is deliberately "no rationale
// shown", never "answer text swallowed as rationale".
//
// Raw rationale text only ever lives in the request's RationaleBuffer
// (locked memory where available) and is wiped at DONE.
//
// # Thread Safety
//
// Not safe for concurrent use. One Sanitizer belongs to one request.
//
// # Limitations
//
//   - Delimiter matching is exact and case-sensitive; a model that does
//     not follow the instructed protocol falls through to passthrough.
type Sanitizer struct {
	mode     datatypes.ReasoningMode
	maxChars int
	redactor *Redactor

	state    sanitizerState
	pending  strings.Builder // undecided head text before classification
	rawHead  string          // exact text consumed up to and including the rationale delimiter
	buf      RationaleBuffer // raw rationale; nil until a rationale block opens
	degraded bool
}

// New creates a Sanitizer for one request.
//
// # Inputs
//
//   - mode: Reasoning mode for this request.
//   - maxChars: Rationale cap; values < 1 fall back to the default.
//   - redactor: Shared PII redactor. Must not be nil for concise mode.
func New(mode datatypes.ReasoningMode, maxChars int, redactor *Redactor) *Sanitizer {
	if maxChars < 1 {
		maxChars = datatypes.DefaultReasoningMaxChars
	}
	return &Sanitizer{
		mode:     mode,
		maxChars: maxChars,
		redactor: redactor,
		state:    stateAwaitingFirstToken,
	}
}

// Consume classifies one generator chunk.
//
// # Outputs
//
//   - []Output: Classified outputs in emission order; often empty while
//     the classifier is still deciding.
//   - error: Reserved; currently always nil. Internal degradation is
//     handled fail-open and reported via Degraded.
func (s *Sanitizer) Consume(chunk string) ([]Output, error) {
	if chunk == "" || s.state == stateDone {
		return nil, nil
	}
	if s.mode == datatypes.ReasoningOff {
		s.state = stateInAnswer
		return []Output{{Content: chunk}}, nil
	}

	switch s.state {
	case stateAwaitingFirstToken:
		return s.consumeAwaiting(chunk), nil
	case stateInRationale:
		return s.consumeRationale(chunk), nil
	default:
		return []Output{{Content: chunk}}, nil
	}
}

// Finish flushes any undecided state at end of stream.
//
// # Description
//
// A stream ending while still awaiting classification, or inside an
// unterminated rationale block, fails open: everything consumed so far
// is emitted as answer content and no rationale is shown.
func (s *Sanitizer) Finish() ([]Output, error) {
	defer func() { s.state = stateDone }()

	switch s.state {
	case stateAwaitingFirstToken:
		if s.pending.Len() == 0 {
			return nil, nil
		}
		return []Output{{Content: s.pending.String()}}, nil
	case stateInRationale:
		// No answer delimiter ever arrived. Reclassify the whole block,
		// including the delimiter head, as answer content.
		s.degraded = true
		slog.Debug("Rationale block never terminated; failing open to answer content")
		text := s.rawHead + s.buf.Contents()
		if text == "" {
			return nil, nil
		}
		return []Output{{Content: text}}, nil
	default:
		return nil, nil
	}
}

// Close wipes the rationale buffer. Safe to call multiple times; must be
// called on every exit path.
func (s *Sanitizer) Close() {
	if s.buf != nil {
		s.buf.Wipe()
	}
	s.state = stateDone
}

// Degraded reports whether sanitization fell back to passthrough because
// of an overflow or an unterminated rationale block.
func (s *Sanitizer) Degraded() bool {
	return s.degraded
}

// =============================================================================
// State Handlers
// =============================================================================

// consumeAwaiting buffers head text until it can be classified.
func (s *Sanitizer) consumeAwaiting(chunk string) []Output {
	s.pending.WriteString(chunk)
	head := s.pending.String()
	trimmed := strings.TrimLeft(head, " \t\r\n")

	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, rationaleDelimiter) {
		// Rationale block opens. Remember the exact consumed head for
		// fail-open replay, then route the remainder into the buffer.
		idx := strings.Index(head, rationaleDelimiter)
		s.rawHead = head[:idx+len(rationaleDelimiter)]
		rest := head[idx+len(rationaleDelimiter):]
		s.pending.Reset()
		s.state = stateInRationale
		s.buf = NewRationaleBuffer()
		return s.consumeRationale(rest)
	}

	if strings.HasPrefix(rationaleDelimiter, trimmed) {
		// The head is still a strict prefix of the delimiter; wait for
		// more text before deciding.
		return nil
	}

	// First token is not a rationale delimiter: the whole stream is
	// answer content.
	s.pending.Reset()
	s.state = stateInAnswer
	return []Output{{Content: head}}
}

// consumeRationale accumulates rationale text and watches for the answer
// delimiter, which may arrive split across chunks.
func (s *Sanitizer) consumeRationale(chunk string) []Output {
	if chunk != "" {
		if err := s.buf.Write(chunk); err != nil {
			// Overflow: degrade to passthrough of everything seen.
			s.degraded = true
			slog.Warn("Rationale buffer overflow; failing open to answer content")
			text := s.rawHead + s.buf.Contents() + chunk
			s.buf.Wipe()
			s.state = stateInAnswer
			return []Output{{Content: text}}
		}
	}

	contents := s.buf.Contents()
	idx := strings.Index(contents, answerDelimiter)
	if idx < 0 {
		return nil
	}

	raw := contents[:idx]
	answer := strings.TrimLeft(contents[idx+len(answerDelimiter):], " \t\r\n")
	s.buf.Wipe()
	s.state = stateInAnswer

	var outputs []Output
	if s.mode == datatypes.ReasoningConcise {
		if rationale := s.prepareRationale(raw); rationale != "" {
			outputs = append(outputs, Output{Rationale: rationale})
		}
	}
	if answer != "" {
		outputs = append(outputs, Output{Content: answer})
	}
	return outputs
}

// prepareRationale trims, redacts, and caps raw rationale text.
func (s *Sanitizer) prepareRationale(raw string) string {
	text := strings.TrimSpace(raw)
	text = strings.TrimSuffix(text, ".")
	if text == "" {
		return ""
	}

	redacted, findings := s.redact(text)
	if findings > 0 {
		slog.Debug("Redacted PII from rationale", "findings", findings)
	}
	return capRationale(redacted, s.maxChars)
}

// redact applies the PII policy; a missing redactor degrades to dropping
// the rationale entirely rather than emitting it unredacted.
func (s *Sanitizer) redact(text string) (string, int) {
	if s.redactor == nil {
		s.degraded = true
		slog.Warn("No redactor configured; dropping rationale")
		return "", 0
	}
	return s.redactor.Redact(text)
}

// capRationale truncates text to maxChars runes, marking the cut.
func capRationale(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	marker := []rune(truncationMarker)
	keep := maxChars - len(marker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + truncationMarker
}
