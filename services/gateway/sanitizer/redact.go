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
	_ "embed"
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed pii_patterns.yaml
var embeddedPatterns []byte

// =============================================================================
// Classification Types
// =============================================================================

// ConfidenceLevel rates how likely a pattern match is a true positive.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// UnmarshalYAML validates the confidence value while decoding.
func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incoming)
	}
}

// RedactionPolicyFile is the on-disk (embedded) shape of the PII policy.
type RedactionPolicyFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups the patterns that detect one category of PII.
type Classification struct {
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	Priority         int              `yaml:"priority"`
	Patterns         []Pattern        `yaml:"patterns"`
	CompiledPatterns []*regexp.Regexp `yaml:"-"`
}

// Pattern is a single detection regex inside a classification.
type Pattern struct {
	Id          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`
}

// CompileRegexes compiles every pattern in the file.
func (p *RedactionPolicyFile) CompileRegexes() error {
	for i := range p.Classifications {
		cls := &p.Classifications[i]
		cls.CompiledPatterns = cls.CompiledPatterns[:0]
		for j := range cls.Patterns {
			re, err := regexp.Compile(cls.Patterns[j].Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", cls.Patterns[j].Regex, err)
			}
			cls.CompiledPatterns = append(cls.CompiledPatterns, re)
		}
	}
	return nil
}

// SortByPriority orders classifications so higher priority runs first.
func (p *RedactionPolicyFile) SortByPriority() {
	sort.Slice(p.Classifications, func(i, j int) bool {
		return p.Classifications[i].Priority > p.Classifications[j].Priority
	})
}

// =============================================================================
// Redactor
// =============================================================================

// Redactor masks PII in rationale text before it leaves the process.
//
// # Description
//
// Applies the compiled classification patterns in priority order and
// replaces every match with "[REDACTED:<classification>]". Detection is
// pattern-based and therefore heuristic; unmatched PII variants pass
// through, which is why rationale text is additionally bounded and never
// includes raw chain-of-thought.
//
// # Thread Safety
//
// Safe for concurrent use once constructed; compiled patterns are
// read-only.
type Redactor struct {
	policy RedactionPolicyFile
}

// NewRedactor builds a Redactor from the embedded PII policy.
func NewRedactor() (*Redactor, error) {
	return NewRedactorFromYAML(embeddedPatterns)
}

// NewRedactorFromYAML builds a Redactor from raw policy YAML.
//
// # Inputs
//
//   - raw: YAML in the RedactionPolicyFile shape.
//
// # Outputs
//
//   - *Redactor: Ready for use.
//   - error: Non-nil if the YAML is malformed or a regex fails to compile.
func NewRedactorFromYAML(raw []byte) (*Redactor, error) {
	var policy RedactionPolicyFile
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("parse redaction policy: %w", err)
	}
	if err := policy.CompileRegexes(); err != nil {
		return nil, err
	}
	policy.SortByPriority()
	return &Redactor{policy: policy}, nil
}

// Redact masks every PII match in text.
//
// # Outputs
//
//   - string: The masked text.
//   - int: Number of matches replaced.
func (r *Redactor) Redact(text string) (string, int) {
	findings := 0
	for i := range r.policy.Classifications {
		cls := &r.policy.Classifications[i]
		mask := "[REDACTED:" + cls.Name + "]"
		for _, re := range cls.CompiledPatterns {
			text = re.ReplaceAllStringFunc(text, func(string) string {
				findings++
				return mask
			})
		}
	}
	return text, findings
}
