// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint derives the deterministic cache identity of a chat
// request.
//
// # Description
//
// Two logically identical requests must map to the same fingerprint, and
// every parameter that can change the generated answer must be part of it.
// The include/exclude policy is explicit:
//
// Included: conversation scope, normalized input text, model ID,
// temperature, top_p, max tokens, reasoning mode, reasoning effort, and
// the sorted set of selected retrieval context IDs.
//
// Excluded: request IDs, timestamps, client addresses, and user identity
// beyond the conversation scope. None of these affect generator output;
// including them would make every request a cache miss.
//
// # Normalization
//
// Input text normalization is fixed: Unicode-aware lower-casing, leading
// and trailing whitespace trimmed, and every interior run of whitespace
// collapsed to a single space. Requests differing only in characters the
// normalization removes collide on purpose.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

// Separator joins the conversation scope and the content hash in a key.
// Keys are "<scope>:<hex digest>" so scope-prefixed invalidation can use
// a plain prefix scan.
const Separator = ":"

// Compute derives the fingerprint for one request.
//
// # Description
//
// Pure and deterministic. The digest is SHA-256 over a length-prefixed
// field encoding, so no combination of field values can collide by
// concatenation tricks.
//
// # Inputs
//
//   - scope: Conversation scope the request belongs to.
//   - input: Raw user input; normalized internally.
//   - modelID: Upstream model identifier.
//   - mode, effort: Reasoning configuration.
//   - params: Generation parameters.
//   - contextIDs: Selected retrieval context identifiers. Order does not
//     matter; the slice is not mutated.
//
// # Outputs
//
//   - string: "<scope>:<64 hex chars>".
func Compute(
	scope string,
	input string,
	modelID string,
	mode datatypes.ReasoningMode,
	effort datatypes.ReasoningEffort,
	params datatypes.GenerationParams,
	contextIDs []string,
) string {
	h := sha256.New()

	writeField(h, scope)
	writeField(h, Normalize(input))
	writeField(h, modelID)
	writeField(h, string(mode))
	writeField(h, string(effort))
	writeField(h, encodeFloat(params.Temperature))
	writeField(h, encodeFloat(params.TopP))
	writeField(h, encodeInt(params.MaxTokens))

	sorted := append([]string(nil), contextIDs...)
	sort.Strings(sorted)
	for _, id := range sorted {
		writeField(h, id)
	}

	return scope + Separator + hex.EncodeToString(h.Sum(nil))
}

// Normalize applies the fixed input normalization policy: lower-case,
// trim, and collapse interior whitespace runs to one space.
func Normalize(input string) string {
	lowered := strings.ToLower(input)
	fields := strings.FieldsFunc(lowered, unicode.IsSpace)
	return strings.Join(fields, " ")
}

// ScopePrefix returns the key prefix covering every fingerprint in the
// given conversation scope.
func ScopePrefix(scope string) string {
	return scope + Separator
}

// writeField writes a length-prefixed field into the hash.
func writeField(h interface{ Write([]byte) (int, error) }, field string) {
	fmt.Fprintf(h, "%d:%s;", len(field), field)
}

// encodeFloat renders an optional float32 parameter for hashing.
// Unset parameters hash differently from any set value.
func encodeFloat(v *float32) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%g", *v)
}

// encodeInt renders an optional int parameter for hashing.
func encodeInt(v *int) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%d", *v)
}
