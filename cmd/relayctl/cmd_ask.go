// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/ux"
	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

// askHTTPTimeout bounds the whole streaming request, not one chunk.
const askHTTPTimeout = 5 * time.Minute

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")

	req := datatypes.ChatStreamRequest{
		ConversationScope: scope,
		Input:             question,
		ModelID:           modelID,
		ReasoningMode:     datatypes.ReasoningMode(reasoningMode),
		ReasoningEffort:   datatypes.ReasoningEffort(reasoningEffort),
		ContextIDs:        contextIDs,
	}
	req.EnsureDefaults()

	body, err := json.Marshal(req)
	if err != nil {
		log.Fatalf("Error encoding request: %v", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, getGatewayBaseURL()+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("Error building request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: askHTTPTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		log.Fatalf("Error contacting gateway: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests {
			if retry := resp.Header.Get("Retry-After"); retry != "" {
				log.Fatalf("Gateway refused the request (retry after %ss): %s", retry, payload)
			}
		}
		log.Fatalf("Gateway returned %d: %s", resp.StatusCode, payload)
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	processor := ux.NewStreamProcessor(interactive)

	result, err := processor.Process(resp.Body)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if interactive {
		fmt.Printf("\n(message %s, %d tokens)\n", result.MessageID, result.TokensUsed)
		if !result.ChainValid {
			fmt.Println("warning: event hash chain did not verify")
		}
	}
}
