package approval

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// TrustedRule pre-approves commands matching a text or prefix pattern.
type TrustedRule struct {
	Command string `yaml:"command"`
	// Mode is "exact" (default) or "prefix".
	Mode string `yaml:"mode,omitempty"`
}

type rulesFile struct {
	Rules []TrustedRule `yaml:"rules"`
}

// RuleSet holds trusted command rules, optionally seeded from a YAML file.
// Decisions with project or global scope append to the set at runtime; the
// set is process-lifetime only and never written back.
type RuleSet struct {
	mu    sync.RWMutex
	rules []TrustedRule
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// LoadRules reads trusted rules from a YAML file. A missing file yields an
// empty set, not an error.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRuleSet(), nil
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return &RuleSet{rules: f.Rules}, nil
}

// Add appends a rule.
func (r *RuleSet) Add(rule TrustedRule) {
	if rule.Command == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Matches reports whether the command is pre-approved by any rule.
func (r *RuleSet) Matches(command string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		switch rule.Mode {
		case "prefix":
			if strings.HasPrefix(command, rule.Command) {
				return true
			}
		default:
			if command == rule.Command {
				return true
			}
		}
	}
	return false
}

// Len returns the number of rules.
func (r *RuleSet) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
