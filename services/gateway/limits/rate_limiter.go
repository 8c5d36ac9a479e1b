// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package limits provides the admission-control primitives of the gateway:
// a fixed-window rate limiter and a per-user concurrent session limiter.
//
// Both registries are sharded by subject key so contention on different
// subjects never serializes; there is no global lock.
package limits

import (
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// =============================================================================
// Constants
// =============================================================================

// shardCount is the number of independently locked partitions in each
// registry. Power of two so the shard pick is a mask.
const shardCount = 64

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter admits requests per subject within a fixed time window.
//
// # Description
//
// Each subject key owns one logical window record {start, count}. Admit
// performs check-and-increment as a single operation under the subject's
// shard lock, so two simultaneous requests from one subject can never
// both take the last slot. Expired windows are lazily reset on the next
// access; no background sweep runs.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards [shardCount]rateShard
}

type rateShard struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

// rateWindow is the per-subject admission record.
type rateWindow struct {
	start time.Time
	count int
}

// RateLimiterOption is a functional option for configuring RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateClock overrides the limiter's clock. Intended for tests.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewRateLimiter creates a limiter admitting at most limit requests per
// subject in each window.
//
// # Inputs
//
//   - limit: Admissions per window per subject. Values < 1 are clamped to 1.
//   - window: Window length. Values <= 0 default to one minute.
func NewRateLimiter(limit int, window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	l := &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*rateWindow)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit records one admission attempt for the subject.
//
// # Description
//
// Atomically checks the subject's current window and increments its count
// when a slot remains. On rejection the count is left untouched and the
// caller receives the whole seconds until the window reopens, always >= 1.
//
// # Inputs
//
//   - subject: Stable key for the requester (user ID or client address).
//
// # Outputs
//
//   - allowed: True when the request may proceed.
//   - retryAfterSeconds: Positive hint on rejection; 0 when allowed.
func (l *RateLimiter) Admit(subject string) (allowed bool, retryAfterSeconds int) {
	shard := &l.shards[shardIndex(subject)]
	now := l.now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.windows[subject]
	if !ok || now.Sub(w.start) >= l.window {
		// Lazy reset: a missing or expired window starts fresh.
		shard.windows[subject] = &rateWindow{start: now, count: 1}
		return true, 0
	}

	if w.count < l.limit {
		w.count++
		return true, 0
	}

	remaining := l.window - now.Sub(w.start)
	retry := int(math.Ceil(remaining.Seconds()))
	if retry < 1 {
		retry = 1
	}
	return false, retry
}

// shardIndex maps a subject key onto a shard.
func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() & (shardCount - 1))
}
