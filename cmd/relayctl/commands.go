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
	"os"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	scope           string
	modelID         string
	reasoningMode   string
	reasoningEffort string
	authToken       string
	contextIDs      []string

	rootCmd = &cobra.Command{
		Use:   "relayctl",
		Short: "A cli for the Aleutian Relay chat gateway",
		Long: `relayctl talks to a running relay gateway: ask questions over
SSE streaming, inspect health, and invalidate cached responses.`,
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Asks a question and streams the answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_ask.go
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Checks gateway liveness and cache counters",
		Run:   runHealthCommand, // Defined in cmd_admin.go
	}

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Manage the gateway response cache",
	}
	cacheInvalidateCmd = &cobra.Command{
		Use:   "invalidate",
		Short: "Removes cached responses for a conversation scope",
		Run:   runCacheInvalidate, // Defined in cmd_admin.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for the gateway")

	askCmd.Flags().StringVarP(&scope, "scope", "s", "default", "Conversation scope")
	askCmd.Flags().StringVarP(&modelID, "model", "m", "", "Model identifier (gateway default when empty)")
	askCmd.Flags().StringVar(&reasoningMode, "reasoning", "off", "Reasoning mode: off, hidden, or concise")
	askCmd.Flags().StringVar(&reasoningEffort, "effort", "low", "Reasoning effort: low, medium, or high")
	askCmd.Flags().StringSliceVar(&contextIDs, "context", nil, "Retrieval context identifiers")

	cacheInvalidateCmd.Flags().StringVarP(&scope, "scope", "s", "", "Conversation scope to invalidate (required)")
	_ = cacheInvalidateCmd.MarkFlagRequired("scope")

	cacheCmd.AddCommand(cacheInvalidateCmd)
	rootCmd.AddCommand(askCmd, healthCmd, cacheCmd)
}

// getGatewayBaseURL resolves the gateway endpoint from the environment.
func getGatewayBaseURL() string {
	if v := os.Getenv("RELAY_GATEWAY_URL"); v != "" {
		return v
	}
	return "http://localhost:12310"
}
