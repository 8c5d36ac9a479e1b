// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sanitizer

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// RationaleBufferSize bounds how much raw rationale one request may
	// accumulate. 64 KB is far beyond any reasonable rationale; hitting
	// it degrades the request to fail-open passthrough.
	RationaleBufferSize = 64 * 1024

	// minMlockLimitKB is the minimum mlock limit required for the locked
	// buffer, in kilobytes.
	minMlockLimitKB = 64
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// mlockCheckOnce ensures the mlock limit probe happens only once.
	mlockCheckOnce sync.Once

	// mlockSufficient records whether locked memory is available.
	mlockSufficient bool
)

// =============================================================================
// Rationale Buffer
// =============================================================================

// RationaleBuffer holds raw, unredacted rationale text for one request.
//
// # Description
//
// Raw rationale must never cross the sanitizer boundary or reach any
// persistent store, so it is kept in mlocked memory (memguard) where the
// system allows it: the pages cannot be swapped to disk and are zeroed
// on Wipe. When mlock limits are insufficient, or RELAY_INSECURE_MEMORY
// is set, a plain heap buffer is used instead with a logged warning;
// sanitization degrading must never take the answer down with it.
//
// # Thread Safety
//
// Not safe for concurrent use. One buffer belongs to one request.
type RationaleBuffer interface {
	// Write appends a chunk of raw rationale text.
	// Returns a non-nil error when the buffer capacity would be exceeded.
	Write(chunk string) error

	// Contents returns the accumulated text. The returned string is a
	// copy; the caller decides its fate (redaction or fail-open replay).
	Contents() string

	// Len returns the accumulated byte length.
	Len() int

	// Wipe zeroes and releases the buffer. Idempotent.
	Wipe()
}

// NewRationaleBuffer returns a locked buffer when the system permits,
// otherwise a heap-backed fallback.
func NewRationaleBuffer() RationaleBuffer {
	mlockCheckOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit insufficient for locked rationale buffers; using heap fallback",
				"required_kb", minMlockLimitKB,
				"env_override", "RELAY_INSECURE_MEMORY=true silences this warning",
			)
		}
	})

	if !mlockSufficient || os.Getenv("RELAY_INSECURE_MEMORY") == "true" {
		return &heapRationaleBuffer{data: make([]byte, 0, RationaleBufferSize)}
	}
	return newLockedRationaleBuffer()
}

// checkMlockLimit reports whether the mlock resource limit can hold a
// rationale buffer.
func checkMlockLimit() bool {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true
	}
	return int64(rlimit.Cur/1024) >= minMlockLimitKB
}

// =============================================================================
// Locked Implementation
// =============================================================================

// lockedRationaleBuffer stores rationale text in a memguard LockedBuffer.
type lockedRationaleBuffer struct {
	buffer *memguard.LockedBuffer
	offset int
	wiped  bool
}

func newLockedRationaleBuffer() RationaleBuffer {
	buf := memguard.NewBuffer(RationaleBufferSize)
	if buf == nil {
		// Allocation failure is unexpected once the limit probe passed;
		// degrade rather than fail the request.
		slog.Error("Failed to allocate locked rationale buffer; using heap fallback")
		return &heapRationaleBuffer{data: make([]byte, 0, RationaleBufferSize)}
	}
	buf.Melt()
	return &lockedRationaleBuffer{buffer: buf}
}

func (b *lockedRationaleBuffer) Write(chunk string) error {
	if b.wiped {
		return fmt.Errorf("rationale buffer already wiped")
	}
	if b.offset+len(chunk) > RationaleBufferSize {
		return fmt.Errorf("rationale buffer overflow: need %d bytes, have %d remaining",
			len(chunk), RationaleBufferSize-b.offset)
	}
	copy(b.buffer.Bytes()[b.offset:], chunk)
	b.offset += len(chunk)
	return nil
}

func (b *lockedRationaleBuffer) Contents() string {
	if b.wiped {
		return ""
	}
	return string(b.buffer.Bytes()[:b.offset])
}

func (b *lockedRationaleBuffer) Len() int {
	return b.offset
}

func (b *lockedRationaleBuffer) Wipe() {
	if b.wiped {
		return
	}
	b.buffer.Destroy()
	b.wiped = true
}

// =============================================================================
// Heap Fallback Implementation
// =============================================================================

// heapRationaleBuffer is the fallback when locked memory is unavailable.
// Zeroing on Wipe is best effort; the GC may have copied the data.
type heapRationaleBuffer struct {
	data  []byte
	wiped bool
}

func (b *heapRationaleBuffer) Write(chunk string) error {
	if b.wiped {
		return fmt.Errorf("rationale buffer already wiped")
	}
	if len(b.data)+len(chunk) > RationaleBufferSize {
		return fmt.Errorf("rationale buffer overflow: need %d bytes, have %d remaining",
			len(chunk), RationaleBufferSize-len(b.data))
	}
	b.data = append(b.data, chunk...)
	return nil
}

func (b *heapRationaleBuffer) Contents() string {
	if b.wiped {
		return ""
	}
	return string(b.data)
}

func (b *heapRationaleBuffer) Len() int {
	return len(b.data)
}

func (b *heapRationaleBuffer) Wipe() {
	if b.wiped {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
	b.wiped = true
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ RationaleBuffer = (*lockedRationaleBuffer)(nil)
	_ RationaleBuffer = (*heapRationaleBuffer)(nil)
)
