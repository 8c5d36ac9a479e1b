// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads gateway configuration from the environment.
//
// All variables are optional; every field has a default suitable for a
// local single-user deployment. Invalid values fall back to the default
// with a warning rather than failing startup.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds the gateway runtime configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// CacheTTL bounds how long completed responses are replayable.
	CacheTTL time.Duration

	// CacheDir is the on-disk cache location. Empty means in-memory.
	CacheDir string

	// RateLimit is the per-user request ceiling per RateWindow.
	RateLimit int

	// RateWindow is the fixed rate-limiting window.
	RateWindow time.Duration

	// MaxSessions is the per-user concurrent stream ceiling.
	MaxSessions int

	// SessionMaxAge is the age past which an unreleased session slot is
	// reaped.
	SessionMaxAge time.Duration

	// RationaleMaxChars caps surfaced rationale in concise mode.
	RationaleMaxChars int

	// GenerationTimeout bounds a single backend generation.
	GenerationTimeout time.Duration

	// DefaultModel is used when a request omits model_id.
	DefaultModel string

	// BackendBaseURL is the OpenAI-compatible backend endpoint.
	BackendBaseURL string

	// BackendAPIKey authenticates against the backend. May be empty for
	// local backends.
	BackendAPIKey string

	// UpstreamQPS throttles calls to the backend. Zero disables the
	// throttle.
	UpstreamQPS float64

	// PostgresDSN enables turn persistence when set.
	PostgresDSN string
}

// FromEnv builds a Config from RELAY_* environment variables.
func FromEnv() Config {
	return Config{
		Port:              envString("RELAY_PORT", "12310"),
		CacheTTL:          envDuration("RELAY_CACHE_TTL", 5*time.Minute),
		CacheDir:          os.Getenv("RELAY_CACHE_DIR"),
		RateLimit:         envInt("RELAY_RATE_LIMIT", 60),
		RateWindow:        envDuration("RELAY_RATE_WINDOW", time.Minute),
		MaxSessions:       envInt("RELAY_MAX_SESSIONS", 2),
		SessionMaxAge:     envDuration("RELAY_SESSION_MAX_AGE", 10*time.Minute),
		RationaleMaxChars: envInt("RELAY_RATIONALE_MAX_CHARS", 200),
		GenerationTimeout: envDuration("RELAY_GENERATION_TIMEOUT", 2*time.Minute),
		DefaultModel:      envString("RELAY_DEFAULT_MODEL", "gpt-4o-mini"),
		BackendBaseURL:    envString("RELAY_BACKEND_URL", "http://localhost:8080/v1"),
		BackendAPIKey:     os.Getenv("RELAY_BACKEND_API_KEY"),
		UpstreamQPS:       envFloat("RELAY_UPSTREAM_QPS", 0),
		PostgresDSN:       os.Getenv("RELAY_POSTGRES_DSN"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		slog.Warn("Invalid float in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
