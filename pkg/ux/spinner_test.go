// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// syncBuffer makes bytes.Buffer safe for the spinner goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_StartAndStop(t *testing.T) {
	var out syncBuffer
	s := NewSpinner(&out, "Waiting...")

	s.Start()
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	assert.Contains(t, out.String(), "Waiting...")
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	var out syncBuffer
	s := NewSpinner(&out, "idle")

	// Must not panic or block.
	s.Stop()
	s.Stop()
}

func TestSpinner_DoubleStart(t *testing.T) {
	var out syncBuffer
	s := NewSpinner(&out, "busy")

	s.Start()
	s.Start()
	s.Stop()
}

func TestSpinner_UpdateMessage(t *testing.T) {
	var out syncBuffer
	s := NewSpinner(&out, "first")

	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.UpdateMessage("second")
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	assert.Contains(t, out.String(), "second")
}
