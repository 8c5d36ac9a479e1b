// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation defines the pluggable answer-generation capability
// the gateway core depends on, and its OpenAI-compatible implementation.
package generation

import (
	"context"
	"fmt"
)

// Params carries the generation knobs forwarded to the backend.
// Pointer fields distinguish "unset" from zero values.
type Params struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
}

// StreamFunc receives generated text chunks in order. Returning a non-nil
// error aborts the stream.
type StreamFunc func(chunk string) error

// Generator is the pluggable answer-generation capability.
//
// # Description
//
// A Generator accepts a prompt and parameters and produces a finite,
// non-restartable sequence of text chunks through the callback. Upstream
// faults surface as a *GenerationError. The gateway core treats this as
// its only view of the language-model backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Generator interface {
	// Stream generates an answer for the prompt, delivering chunks
	// through fn until the sequence ends or ctx is cancelled.
	Stream(ctx context.Context, model string, prompt string, params Params, fn StreamFunc) error
}

// GenerationError wraps an upstream generation fault.
//
// Callers distinguish upstream faults from callback aborts by unwrapping
// to this type: a callback error is returned as-is.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for model %s: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
