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
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

const adminHTTPTimeout = 10 * time.Second

func runHealthCommand(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: adminHTTPTimeout}
	resp, err := client.Get(getGatewayBaseURL() + "/health")
	if err != nil {
		log.Fatalf("Error contacting gateway: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Gateway returned %d: %s", resp.StatusCode, payload)
	}
	fmt.Println(string(payload))
}

func runCacheInvalidate(cmd *cobra.Command, args []string) {
	endpoint := fmt.Sprintf("%s/v1/cache/invalidate?scope=%s",
		getGatewayBaseURL(), url.QueryEscape(scope))

	req, err := http.NewRequest(http.MethodDelete, endpoint, nil)
	if err != nil {
		log.Fatalf("Error building request: %v", err)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: adminHTTPTimeout}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Error contacting gateway: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Gateway returned %d: %s", resp.StatusCode, payload)
	}
	fmt.Println(string(payload))
}
