// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// =============================================================================
// OpenAI-Compatible Generator
// =============================================================================

// OpenAIGenerator streams completions from any OpenAI-compatible backend
// (OpenAI itself, vLLM, llama.cpp server, Ollama's compatibility endpoint).
//
// # Description
//
// Wraps the go-openai streaming client. An upstream request-rate guard
// (token bucket) protects the backend from bursts across all concurrent
// requests; callers wait for a slot rather than being rejected, since
// per-user admission control already happened at the gateway edge.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIGenerator struct {
	client  *openai.Client
	limiter *rate.Limiter
}

// OpenAIConfig configures OpenAIGenerator.
type OpenAIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint. Empty uses the official API.
	BaseURL string

	// APIKey authenticates against the backend. Local backends usually
	// accept any value.
	APIKey string

	// UpstreamQPS caps requests per second across all callers.
	// Values <= 0 disable the guard.
	UpstreamQPS float64

	// UpstreamBurst is the token-bucket burst size. Default: 1.
	UpstreamBurst int
}

// NewOpenAIGenerator creates a generator for an OpenAI-compatible backend.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.UpstreamQPS > 0 {
		burst := cfg.UpstreamBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamQPS), burst)
	}

	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: limiter,
	}
}

// Stream generates an answer, delivering chunks through fn.
//
// # Description
//
// Waits for an upstream rate slot, opens a streaming chat completion,
// and forwards each delta to fn. Upstream faults are wrapped in
// *GenerationError; an error returned by fn aborts the stream and is
// returned as-is.
//
// # Inputs
//
//   - ctx: Bounds the whole generation, including the rate wait.
//   - model: Upstream model identifier.
//   - prompt: Fully constructed prompt (see BuildPrompt).
//   - params: Generation parameters; unset fields use backend defaults.
//   - fn: Chunk callback, called in order.
//
// # Outputs
//
//   - error: Nil on a completed stream.
func (g *OpenAIGenerator) Stream(ctx context.Context, model string, prompt string, params Params, fn StreamFunc) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return &GenerationError{Model: model, Err: fmt.Errorf("upstream rate wait: %w", err)}
		}
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: true,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return &GenerationError{Model: model, Err: err}
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			slog.Error("Upstream stream receive failed", "model", model, "error", err)
			return &GenerationError{Model: model, Err: err}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Generator = (*OpenAIGenerator)(nil)
