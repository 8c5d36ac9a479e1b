// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

func TestBuildPrompt_OffModeIsPassthrough(t *testing.T) {
	input := "What is 2+2?"
	assert.Equal(t, input, BuildPrompt(datatypes.ReasoningOff, datatypes.EffortHigh, input))
}

func TestBuildPrompt_EstablishesRationaleProtocol(t *testing.T) {
	for _, mode := range []datatypes.ReasoningMode{datatypes.ReasoningHidden, datatypes.ReasoningConcise} {
		prompt := BuildPrompt(mode, datatypes.EffortLow, "What is 2+2?")

		assert.Contains(t, prompt, `"Thought:"`, "mode %s", mode)
		assert.Contains(t, prompt, `"Answer:"`, "mode %s", mode)
		assert.Contains(t, prompt, "Question: What is 2+2?", "mode %s", mode)
	}
}

func TestBuildPrompt_ModesInstructDifferently(t *testing.T) {
	hidden := BuildPrompt(datatypes.ReasoningHidden, datatypes.EffortLow, "q")
	concise := BuildPrompt(datatypes.ReasoningConcise, datatypes.EffortLow, "q")

	assert.NotEqual(t, hidden, concise)
	assert.Contains(t, hidden, "will not be shown")
	assert.Contains(t, concise, "will be shown to the user")
}

func TestBuildPrompt_EffortChangesGuidance(t *testing.T) {
	efforts := []datatypes.ReasoningEffort{datatypes.EffortLow, datatypes.EffortMedium, datatypes.EffortHigh}
	seen := make(map[string]bool)
	for _, effort := range efforts {
		prompt := BuildPrompt(datatypes.ReasoningConcise, effort, "q")
		assert.False(t, seen[prompt], "effort %s produced a duplicate prompt", effort)
		seen[prompt] = true
	}
}
