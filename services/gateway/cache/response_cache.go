// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the fingerprint-addressed response cache with
// singleflight semantics.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Options
// =============================================================================

// Options configures ResponseCache.
type Options struct {
	// TTL is how long a completed entry stays servable.
	// Default: 5 minutes.
	TTL time.Duration

	// Dir is the badger directory for the completed tier. Empty means
	// in-memory, which is the default: the cache is a performance tier,
	// not a system of record.
	Dir string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TTL: 5 * time.Minute,
	}
}

// Option is a functional option for configuring ResponseCache.
type Option func(*Options)

// WithTTL sets the completed-entry TTL.
func WithTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.TTL = d
		}
	}
}

// WithDir points the completed tier at a directory instead of memory.
func WithDir(dir string) Option {
	return func(o *Options) {
		o.Dir = dir
	}
}

// =============================================================================
// Response Cache
// =============================================================================

// ComputeFunc produces the finalized event sequence for a cache miss.
// It is invoked at most once per fingerprint across all concurrent callers.
type ComputeFunc func() ([]datatypes.StreamEvent, error)

// ResponseCache is the fingerprint-addressed store of finalized answer
// event sequences.
//
// # Description
//
// Two tiers back the cache. Completed entries live in badger with a
// native TTL, serialized as JSON event lists; replay returns the stored
// events verbatim, so every replay is byte-identical to the original
// stream. In-flight (pending) work lives in a singleflight group keyed
// by fingerprint: at most one computation runs per fingerprint, and
// every concurrent caller with the same fingerprint attaches to it and
// receives the identical result. A failed computation is propagated to
// all attached callers and never stored, so a transient upstream fault
// cannot poison later identical requests.
//
// # Eviction
//
// Time-based expiry only: badger drops entries past their TTL and its
// value-log GC bounds memory. No LRU layer sits on top; the singleflight
// guarantee, not entry count, is the correctness-critical part.
//
// # Thread Safety
//
// Safe for concurrent use. Contention on different fingerprints does not
// serialize: badger transactions and the singleflight group both lock
// per key.
type ResponseCache struct {
	db      *badger.DB
	flight  singleflight.Group
	options Options

	// Stats
	hits          int64
	misses        int64
	computes      int64
	attaches      int64
	corruptions   int64
	invalidations int64
}

// flightResult carries a computation result through the singleflight group.
type flightResult struct {
	events    []datatypes.StreamEvent
	fromStore bool
}

// NewResponseCache opens the cache.
//
// # Outputs
//
//   - *ResponseCache: Ready for use. Call Close on shutdown.
//   - error: Non-nil if the badger store failed to open.
func NewResponseCache(opts ...Option) (*ResponseCache, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	badgerOpts := badger.DefaultOptions(options.Dir).WithLogger(nil)
	if options.Dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open response cache store: %w", err)
	}

	return &ResponseCache{
		db:      db,
		options: options,
	}, nil
}

// Close releases the underlying store.
func (c *ResponseCache) Close() error {
	return c.db.Close()
}

// GetOrCompute returns the finalized event sequence for a fingerprint.
//
// # Description
//
// Completed entry: returned verbatim, computeFn never runs. Pending
// entry: the caller attaches to the in-flight computation and blocks
// until it resolves, sharing its outcome. Absent: computeFn runs once,
// its events are stored with the configured TTL on success, and a
// failure is returned to every attached caller with nothing stored.
//
// # Inputs
//
//   - fp: Request fingerprint ("<scope>:<digest>").
//   - compute: Produces the finalized events on a miss.
//
// # Outputs
//
//   - events: The finalized sequence.
//   - replayed: True when the events came from the store or from another
//     caller's computation; false only for the caller whose compute ran.
//   - err: The computation's error, shared by all attached callers.
func (c *ResponseCache) GetOrCompute(fp string, compute ComputeFunc) (events []datatypes.StreamEvent, replayed bool, err error) {
	if stored, ok := c.lookup(fp); ok {
		atomic.AddInt64(&c.hits, 1)
		return stored, true, nil
	}
	atomic.AddInt64(&c.misses, 1)

	ran := false
	v, err, _ := c.flight.Do(fp, func() (interface{}, error) {
		ran = true

		// Double-check: the entry may have been completed while this
		// caller was en route to the flight group.
		if stored, ok := c.lookup(fp); ok {
			return flightResult{events: stored, fromStore: true}, nil
		}

		computed, err := compute()
		if err != nil {
			return nil, err
		}
		if storeErr := c.store(fp, computed); storeErr != nil {
			// Serving the answer matters more than caching it.
			slog.Error("Failed to store completed cache entry",
				"fingerprint", fp, "error", storeErr)
		}
		atomic.AddInt64(&c.computes, 1)
		return flightResult{events: computed}, nil
	})
	if err != nil {
		// The pending entry is gone with the flight call; the next
		// caller retries fresh.
		return nil, false, err
	}

	res := v.(flightResult)
	if !ran {
		atomic.AddInt64(&c.attaches, 1)
	}
	return res.events, !ran || res.fromStore, nil
}

// Invalidate removes every completed entry whose key starts with prefix.
//
// # Description
//
// Used by external collaborators when the inputs behind a scope change
// (for example, a user's documents were re-ingested). Only completed
// entries lose visibility; a computation already in flight is never
// cancelled and will complete for its attached callers.
//
// # Outputs
//
//   - int: Number of entries removed.
//   - error: Non-nil if the store could not be scanned or written.
func (c *ResponseCache) Invalidate(prefix string) (int, error) {
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cache entries for invalidation: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if err := c.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return removed, fmt.Errorf("delete cache entry: %w", err)
		}
		removed++
	}

	atomic.AddInt64(&c.invalidations, int64(removed))
	if removed > 0 {
		slog.Info("Invalidated cache entries", "prefix", prefix, "removed", removed)
	}
	return removed, nil
}

// =============================================================================
// Stats
// =============================================================================

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Computes      int64
	Attaches      int64
	Corruptions   int64
	Invalidations int64
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() Stats {
	return Stats{
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		Computes:      atomic.LoadInt64(&c.computes),
		Attaches:      atomic.LoadInt64(&c.attaches),
		Corruptions:   atomic.LoadInt64(&c.corruptions),
		Invalidations: atomic.LoadInt64(&c.invalidations),
	}
}

// =============================================================================
// Private Methods
// =============================================================================

// lookup fetches and decodes a completed entry. A stored entry that no
// longer decodes is treated as a miss, evicted, and counted as corruption.
func (c *ResponseCache) lookup(fp string) ([]datatypes.StreamEvent, bool) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fp))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		slog.Error("Cache lookup failed", "fingerprint", fp, "error", err)
		return nil, false
	}

	var events []datatypes.StreamEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		atomic.AddInt64(&c.corruptions, 1)
		slog.Warn("Evicting corrupt cache entry", "fingerprint", fp, "error", err)
		c.evict(fp)
		return nil, false
	}
	return events, true
}

// store writes a completed entry with the configured TTL.
func (c *ResponseCache) store(fp string, events []datatypes.StreamEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(fp), data).WithTTL(c.options.TTL)
		return txn.SetEntry(entry)
	})
}

// evict removes an entry, logging rather than failing on error.
func (c *ResponseCache) evict(fp string) {
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(fp))
	}); err != nil {
		slog.Error("Failed to evict cache entry", "fingerprint", fp, "error", err)
	}
}
