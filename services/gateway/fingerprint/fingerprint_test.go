// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

func baseArgs() (string, string, string, datatypes.ReasoningMode, datatypes.ReasoningEffort, datatypes.GenerationParams, []string) {
	return "user-1:conv-1", "What is 2+2?", "gpt-4o-mini",
		datatypes.ReasoningOff, datatypes.EffortLow, datatypes.GenerationParams{}, nil
}

func TestCompute_Deterministic(t *testing.T) {
	scope, input, model, mode, effort, params, ctxIDs := baseArgs()

	a := Compute(scope, input, model, mode, effort, params, ctxIDs)
	b := Compute(scope, input, model, mode, effort, params, ctxIDs)

	assert.Equal(t, a, b)
}

func TestCompute_ScopePrefixed(t *testing.T) {
	scope, input, model, mode, effort, params, ctxIDs := baseArgs()

	fp := Compute(scope, input, model, mode, effort, params, ctxIDs)

	require.True(t, strings.HasPrefix(fp, scope+Separator))
	digest := strings.TrimPrefix(fp, scope+Separator)
	assert.Len(t, digest, 64)
}

func TestCompute_NormalizationCollapsesEquivalentInputs(t *testing.T) {
	scope, _, model, mode, effort, params, ctxIDs := baseArgs()

	variants := []string{
		"What is 2+2?",
		"what is 2+2?",
		"  What   is\t2+2?  ",
		"WHAT IS 2+2?\n",
	}

	first := Compute(scope, variants[0], model, mode, effort, params, ctxIDs)
	for _, v := range variants[1:] {
		assert.Equal(t, first, Compute(scope, v, model, mode, effort, params, ctxIDs),
			"variant %q should fingerprint identically", v)
	}
}

func TestCompute_DistinctInputsDiverge(t *testing.T) {
	scope, input, model, mode, effort, params, ctxIDs := baseArgs()
	base := Compute(scope, input, model, mode, effort, params, ctxIDs)

	temp := float32(0.7)
	maxTok := 128

	tests := []struct {
		name string
		fp   string
	}{
		{"different input", Compute(scope, "What is 3+3?", model, mode, effort, params, ctxIDs)},
		{"different scope", Compute("user-2:conv-1", input, model, mode, effort, params, ctxIDs)},
		{"different model", Compute(scope, input, "llama-3-8b", mode, effort, params, ctxIDs)},
		{"different mode", Compute(scope, input, model, datatypes.ReasoningConcise, effort, params, ctxIDs)},
		{"different effort", Compute(scope, input, model, mode, datatypes.EffortHigh, params, ctxIDs)},
		{"temperature set", Compute(scope, input, model, mode, effort, datatypes.GenerationParams{Temperature: &temp}, ctxIDs)},
		{"max tokens set", Compute(scope, input, model, mode, effort, datatypes.GenerationParams{MaxTokens: &maxTok}, ctxIDs)},
		{"context ids set", Compute(scope, input, model, mode, effort, params, []string{"doc-1"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, tt.fp)
		})
	}
}

func TestCompute_ZeroParamsDistinctFromUnset(t *testing.T) {
	scope, input, model, mode, effort, _, ctxIDs := baseArgs()

	zero := float32(0)
	unset := Compute(scope, input, model, mode, effort, datatypes.GenerationParams{}, ctxIDs)
	explicit := Compute(scope, input, model, mode, effort, datatypes.GenerationParams{Temperature: &zero}, ctxIDs)

	assert.NotEqual(t, unset, explicit)
}

func TestCompute_ContextIDOrderInsensitive(t *testing.T) {
	scope, input, model, mode, effort, params, _ := baseArgs()

	a := Compute(scope, input, model, mode, effort, params, []string{"doc-1", "doc-2", "doc-3"})
	b := Compute(scope, input, model, mode, effort, params, []string{"doc-3", "doc-1", "doc-2"})

	assert.Equal(t, a, b)
}

func TestCompute_DoesNotMutateContextIDs(t *testing.T) {
	scope, input, model, mode, effort, params, _ := baseArgs()
	ids := []string{"z", "a", "m"}

	Compute(scope, input, model, mode, effort, params, ids)

	assert.Equal(t, []string{"z", "a", "m"}, ids)
}

func TestCompute_FieldBoundariesUnambiguous(t *testing.T) {
	scope, _, _, mode, effort, params, ctxIDs := baseArgs()

	// Length prefixing must keep "ab"+"c" distinct from "a"+"bc" across
	// adjacent fields.
	a := Compute(scope, "ab", "c", mode, effort, params, ctxIDs)
	b := Compute(scope, "a", "bc", mode, effort, params, ctxIDs)

	assert.NotEqual(t, a, b)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello world"},
		{"  leading and trailing  ", "leading and trailing"},
		{"tabs\tand\nnewlines", "tabs and newlines"},
		{"many    spaces", "many spaces"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestScopePrefix(t *testing.T) {
	scope, input, model, mode, effort, params, ctxIDs := baseArgs()

	fp := Compute(scope, input, model, mode, effort, params, ctxIDs)
	assert.True(t, strings.HasPrefix(fp, ScopePrefix(scope)))

	// A scope that happens to be a prefix of another must not cover it.
	other := Compute(scope+"x", input, model, mode, effort, params, ctxIDs)
	assert.False(t, strings.HasPrefix(other, ScopePrefix(scope)))
}
