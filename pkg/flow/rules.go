package flow

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RepeatExhaustedPolicy decides what happens when a step's repeat budget
// runs out mid-confirmation.
type RepeatExhaustedPolicy string

const (
	// RepeatExhaustedAdvance forces the sequencer onto the next step with
	// a recorded warning, keeping run duration deterministic.
	RepeatExhaustedAdvance RepeatExhaustedPolicy = "advance"
	// RepeatExhaustedAbort fails the run instead.
	RepeatExhaustedAbort RepeatExhaustedPolicy = "abort"
)

// RuleFile is the on-disk YAML shape of the decision table.
//
//	rules:
//	  - pattern: '\b(confirm|verify)\b'
//	    state: awaiting_confirmation
//	    action: repeat
//	repeat_exhausted: advance
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`

	RepeatExhausted RepeatExhaustedPolicy `yaml:"repeat_exhausted,omitempty"`
}

// RuleSpec is one YAML rule entry.
type RuleSpec struct {
	Pattern string `yaml:"pattern"`
	State   string `yaml:"state"`
	Action  string `yaml:"action"`
}

// ParseRules decodes a YAML rule table. Patterns compile case-insensitive.
func ParseRules(data []byte) ([]Rule, RepeatExhaustedPolicy, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, "", fmt.Errorf("parse rule table: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		if strings.TrimSpace(spec.Pattern) == "" {
			return nil, "", fmt.Errorf("rule %d: pattern must not be empty", i+1)
		}
		pattern, err := regexp.Compile("(?i)" + spec.Pattern)
		if err != nil {
			return nil, "", fmt.Errorf("rule %d: %w", i+1, err)
		}
		next, err := ParseState(strings.TrimSpace(spec.State))
		if err != nil {
			return nil, "", fmt.Errorf("rule %d: %w", i+1, err)
		}
		act, err := ParseAction(strings.TrimSpace(spec.Action))
		if err != nil {
			return nil, "", fmt.Errorf("rule %d: %w", i+1, err)
		}
		rules = append(rules, Rule{Pattern: pattern, Next: next, Act: act})
	}

	policy := file.RepeatExhausted
	switch policy {
	case "":
		policy = RepeatExhaustedAdvance
	case RepeatExhaustedAdvance, RepeatExhaustedAbort:
	default:
		return nil, "", fmt.Errorf("unknown repeat_exhausted policy %q", policy)
	}

	return rules, policy, nil
}

// LoadRules reads and parses a YAML rule table from disk.
func LoadRules(path string) ([]Rule, RepeatExhaustedPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read rule table %q: %w", path, err)
	}
	return ParseRules(data)
}
