// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// StreamEventType represents the type of streaming event
type StreamEventType string

const (
	StreamEventContent   StreamEventType = "content"
	StreamEventRationale StreamEventType = "rationale"
	StreamEventComplete  StreamEventType = "complete"
	StreamEventError     StreamEventType = "error"
)

// StreamEvent represents a single streaming event from the gateway
type StreamEvent struct {
	Id         string          `json:"id,omitempty"`
	Type       StreamEventType `json:"type"`
	CreatedAt  int64           `json:"created_at,omitempty"`
	Hash       string          `json:"hash,omitempty"`
	PrevHash   string          `json:"prev_hash,omitempty"`
	Text       string          `json:"text,omitempty"`
	MessageId  string          `json:"message_id,omitempty"`
	TokensUsed int             `json:"tokens_used,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// StreamResult contains the complete result of processing a stream
type StreamResult struct {
	Answer     string
	Rationale  string
	MessageID  string
	TokensUsed int
	ChainValid bool
}

// StreamProcessor defines the interface for processing streaming responses.
type StreamProcessor interface {
	// Process reads and processes a streaming response from the reader.
	// Returns the complete answer, rationale, and message metadata.
	Process(reader io.Reader) (*StreamResult, error)
}

// sseStreamProcessor implements StreamProcessor for Server-Sent Events
type sseStreamProcessor struct {
	writer      io.Writer
	interactive bool
	verifier    *ChainVerifier
	spinner     *Spinner
	answer      strings.Builder
	rationale   strings.Builder
	chainBroken bool
}

// NewStreamProcessor creates a new SSE stream processor writing to stdout
func NewStreamProcessor(interactive bool) StreamProcessor {
	return &sseStreamProcessor{
		writer:      os.Stdout,
		interactive: interactive,
		verifier:    NewChainVerifier(),
	}
}

// NewStreamProcessorWithWriter creates a stream processor with custom writer (for testing)
func NewStreamProcessorWithWriter(w io.Writer, interactive bool) StreamProcessor {
	return &sseStreamProcessor{
		writer:      w,
		interactive: interactive,
		verifier:    NewChainVerifier(),
	}
}

// Process reads and processes a streaming response
func (p *sseStreamProcessor) Process(reader io.Reader) (*StreamResult, error) {
	if p.interactive {
		p.spinner = NewSpinner(p.writer, "Waiting for response...")
		p.spinner.Start()
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// Skip blanks, comments (keepalive pings), and the event: line;
		// the type is repeated inside the data payload.
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") ||
			strings.HasPrefix(line, "event: ") {
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			line = strings.TrimPrefix(line, "data: ")
		}

		var event StreamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		if verifyErr := p.verifier.VerifyNext(event); verifyErr != nil {
			p.chainBroken = true
		}

		switch event.Type {
		case StreamEventRationale:
			p.handleRationale(event.Text)
		case StreamEventContent:
			p.handleContent(event.Text)
		case StreamEventComplete:
			p.finalize()
			return &StreamResult{
				Answer:     p.answer.String(),
				Rationale:  p.rationale.String(),
				MessageID:  event.MessageId,
				TokensUsed: event.TokensUsed,
				ChainValid: !p.chainBroken,
			}, nil
		case StreamEventError:
			p.finalize()
			return nil, fmt.Errorf("stream failed (%s): %s", event.Kind, event.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		p.finalize()
		return nil, err
	}

	// Stream ended without a terminal event
	p.finalize()
	return nil, fmt.Errorf("stream ended without a terminal event")
}

func (p *sseStreamProcessor) handleRationale(text string) {
	p.stopSpinner()
	p.rationale.WriteString(text)
	if p.interactive {
		fmt.Fprintf(p.writer, "[rationale] %s\n", text)
	}
}

func (p *sseStreamProcessor) handleContent(text string) {
	p.stopSpinner()
	p.answer.WriteString(text)
	if p.interactive {
		fmt.Fprint(p.writer, text)
	}
}

func (p *sseStreamProcessor) stopSpinner() {
	if p.spinner != nil {
		p.spinner.Stop()
		p.spinner = nil
	}
}

func (p *sseStreamProcessor) finalize() {
	p.stopSpinner()
	if !p.interactive {
		if p.answer.Len() > 0 {
			fmt.Fprintf(p.writer, "ANSWER: %s\n", p.answer.String())
		}
		return
	}
	if p.answer.Len() > 0 && !strings.HasSuffix(p.answer.String(), "\n") {
		fmt.Fprintln(p.writer)
	}
	if p.chainBroken {
		fmt.Fprintln(p.writer, "warning: event hash chain did not verify")
	}
}
