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
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

// effortGuidance maps reasoning effort onto the instruction given to the
// model. The wording is advisory; the sanitizer enforces the output
// contract regardless of how well the model follows it.
var effortGuidance = map[datatypes.ReasoningEffort]string{
	datatypes.EffortLow:    "Think briefly.",
	datatypes.EffortMedium: "Think step by step.",
	datatypes.EffortHigh:   "Think carefully and thoroughly before answering.",
}

// BuildPrompt constructs the generation prompt for a reasoning mode.
//
// # Description
//
// Mode off sends the input unchanged. Modes hidden and concise establish
// the rationale protocol the sanitizer recognizes: the model is told to
// begin its reasoning with "Thought:" and its final answer with
// "Answer:". Hidden additionally instructs the model to keep reasoning
// terse since it will never be shown; concise asks for a short rationale
// suitable for display. Prompt construction is the only place the
// protocol is established; classification and redaction happen in the
// sanitizer.
//
// # Inputs
//
//   - mode: Reasoning mode for this request.
//   - effort: Reasoning effort level.
//   - input: The user's question.
//
// # Outputs
//
//   - string: The full prompt to send upstream.
func BuildPrompt(mode datatypes.ReasoningMode, effort datatypes.ReasoningEffort, input string) string {
	if mode == datatypes.ReasoningOff {
		return input
	}

	var b strings.Builder
	b.WriteString("Reason about the question before answering. ")
	b.WriteString(effortGuidance[effort])
	b.WriteString(" Begin your reasoning with \"Thought:\" and your final answer with \"Answer:\".")
	switch mode {
	case datatypes.ReasoningHidden:
		b.WriteString(" Your reasoning will not be shown to the user; keep it terse.")
	case datatypes.ReasoningConcise:
		b.WriteString(" Keep the reasoning to one or two short sentences; a summary of it will be shown to the user.")
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(input)
	return b.String()
}
