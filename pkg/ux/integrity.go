// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides client-side components for consuming gateway streams.
//
// This file defines integrity verification for the event hash chain.
// The chain provides tamper-evident delivery for streamed conversations.
//
// Hash Chain Design:
//
//	Each StreamEvent has a Hash computed from its content and a PrevHash
//	linking to the previous event:
//
//	Event[0] → Event[1] → Event[2] → ... → Event[N]
//	  Hash₀     Hash₁     Hash₂           HashN
//	    ↑         ↑         ↑               ↑
//	    └─────────┴─────────┴───────────────┘
//	           Each PrevHash links to previous Hash
//
// If any event is modified in transit, its hash changes, breaking the
// chain. Because the gateway stamps the envelope when events are
// produced, a replayed stream verifies identically to the live one.
package ux

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// secureHashEqual performs constant-time comparison of two hash strings.
// This prevents timing attacks where an attacker could determine how many
// leading characters of a hash are correct by measuring response times.
func secureHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ComputeEventHash recomputes the content hash of an event.
//
// The field order and separator must match what the gateway uses when
// stamping events; any drift breaks verification for all clients.
func ComputeEventHash(ev StreamEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%d|%s|%s",
		ev.Id,
		ev.Type,
		ev.CreatedAt,
		ev.PrevHash,
		ev.Text,
		ev.MessageId,
		ev.TokensUsed,
		ev.Kind,
		ev.Message,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ChainVerifier validates the hash chain of a stream incrementally.
//
// One verifier belongs to one stream. Not safe for concurrent use.
type ChainVerifier struct {
	prevHash string
	count    int
}

// NewChainVerifier returns a verifier positioned before the first event.
func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{}
}

// VerifyNext checks one event against the chain and advances.
//
// Events without a Hash (terminal errors produced outside a chain, or
// servers running with integrity disabled) are accepted but do not
// advance the chain.
func (v *ChainVerifier) VerifyNext(ev StreamEvent) error {
	if ev.Hash == "" {
		return nil
	}

	if !secureHashEqual(ev.PrevHash, v.prevHash) {
		return fmt.Errorf("event %d: prev_hash mismatch", v.count)
	}

	expected := ComputeEventHash(ev)
	if !secureHashEqual(ev.Hash, expected) {
		return fmt.Errorf("event %d: hash mismatch", v.count)
	}

	v.prevHash = ev.Hash
	v.count++
	return nil
}

// VerifyChain validates a complete event sequence.
func VerifyChain(events []StreamEvent) error {
	v := NewChainVerifier()
	for _, ev := range events {
		if err := v.VerifyNext(ev); err != nil {
			return err
		}
	}
	return nil
}
