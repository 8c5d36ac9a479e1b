// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package limits

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConcurrencyLimitExceeded is returned by Acquire when the user already
// holds the maximum number of concurrently active sessions.
var ErrConcurrencyLimitExceeded = errors.New("limits: concurrent session ceiling reached")

// =============================================================================
// Session Handle
// =============================================================================

// SessionHandle represents one active streaming session held by a user.
//
// # Description
//
// A handle is created by Acquire and must be given back to Release on
// every exit path of the request. A handle that is never released would
// silently reduce the user's effective concurrency, so the limiter also
// runs a stale-handle reaper as a backstop (see StartReaper).
//
// # Fields
//
//   - UserID: Owner of the session slot.
//   - SessionID: UUID identifying this acquisition.
//   - AcquiredAt: When the slot was taken.
type SessionHandle struct {
	UserID     string
	SessionID  string
	AcquiredAt time.Time
}

// =============================================================================
// Session Limiter
// =============================================================================

// SessionLimiter enforces a ceiling on concurrently active sessions per user.
//
// # Description
//
// Tracks live handles in a sharded registry keyed by user ID. Acquire and
// Release for one user are atomic under that user's shard lock; users on
// different shards never contend.
//
// # Thread Safety
//
// Safe for concurrent use.
type SessionLimiter struct {
	ceiling int
	now     func() time.Time
	shards  [shardCount]sessionShard
}

type sessionShard struct {
	mu sync.Mutex
	// handles maps userID -> sessionID -> acquisition time.
	handles map[string]map[string]time.Time
}

// SessionLimiterOption is a functional option for configuring SessionLimiter.
type SessionLimiterOption func(*SessionLimiter)

// WithSessionClock overrides the limiter's clock. Intended for tests.
func WithSessionClock(now func() time.Time) SessionLimiterOption {
	return func(l *SessionLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewSessionLimiter creates a limiter allowing at most ceiling concurrent
// sessions per user. Values < 1 are clamped to 1.
func NewSessionLimiter(ceiling int, opts ...SessionLimiterOption) *SessionLimiter {
	if ceiling < 1 {
		ceiling = 1
	}

	l := &SessionLimiter{
		ceiling: ceiling,
		now:     time.Now,
	}
	for i := range l.shards {
		l.shards[i].handles = make(map[string]map[string]time.Time)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes a session slot for the user.
//
// # Outputs
//
//   - *SessionHandle: The held slot; pass to Release on every exit path.
//   - error: ErrConcurrencyLimitExceeded when the ceiling is reached.
func (l *SessionLimiter) Acquire(userID string) (*SessionHandle, error) {
	shard := &l.shards[shardIndex(userID)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	active := shard.handles[userID]
	if len(active) >= l.ceiling {
		return nil, ErrConcurrencyLimitExceeded
	}
	if active == nil {
		active = make(map[string]time.Time)
		shard.handles[userID] = active
	}

	handle := &SessionHandle{
		UserID:     userID,
		SessionID:  uuid.New().String(),
		AcquiredAt: l.now(),
	}
	active[handle.SessionID] = handle.AcquiredAt
	return handle, nil
}

// Release gives a session slot back.
//
// # Description
//
// Idempotent: releasing a handle twice, or a handle already reclaimed by
// the reaper, is a no-op. A nil handle is ignored so callers can defer
// Release unconditionally.
func (l *SessionLimiter) Release(handle *SessionHandle) {
	if handle == nil {
		return
	}
	shard := &l.shards[shardIndex(handle.UserID)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	active, ok := shard.handles[handle.UserID]
	if !ok {
		return
	}
	delete(active, handle.SessionID)
	if len(active) == 0 {
		delete(shard.handles, handle.UserID)
	}
}

// ActiveCount returns the number of sessions the user currently holds.
func (l *SessionLimiter) ActiveCount(userID string) int {
	shard := &l.shards[shardIndex(userID)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	return len(shard.handles[userID])
}

// ReapStale force-releases every handle older than maxAge and returns how
// many were reclaimed.
//
// # Description
//
// A handle should always be released by its request, but a crashed worker
// or an abandoned connection must not consume a slot forever. Reaped
// handles are logged; a reap is an invariant violation worth noticing,
// not routine behavior.
func (l *SessionLimiter) ReapStale(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	reaped := 0

	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for userID, active := range shard.handles {
			for sessionID, acquiredAt := range active {
				if acquiredAt.Before(cutoff) {
					delete(active, sessionID)
					reaped++
					slog.Warn("Reaped stale session handle",
						"user_id", userID,
						"session_id", sessionID,
						"acquired_at", acquiredAt,
					)
				}
			}
			if len(active) == 0 {
				delete(shard.handles, userID)
			}
		}
		shard.mu.Unlock()
	}
	return reaped
}

// StartReaper runs ReapStale on a ticker until ctx is cancelled.
//
// # Inputs
//
//   - ctx: Cancels the reaper.
//   - interval: How often to sweep. Values <= 0 default to one minute.
//   - maxAge: Age past which a handle counts as abandoned.
func (l *SessionLimiter) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.ReapStale(maxAge); n > 0 {
					slog.Info("Session reaper cycle complete", "reaped", n)
				}
			}
		}
	}()
}
