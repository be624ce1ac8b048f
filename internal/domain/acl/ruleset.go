package acl

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// RuleSet is an immutable, validated rule configuration with compiled
// expressions. It is the snapshot published by the rule store; nothing may
// mutate it after NewRuleSet returns.
type RuleSet struct {
	config      RuleConfig
	revision    string
	fingerprint uint64
}

// NewRuleSet validates cfg, compiles every When expression and computes the
// content fingerprint.
func NewRuleSet(cfg RuleConfig, revision string, compiler ExprCompiler) (*RuleSet, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	fp, err := Fingerprint(cfg)
	if err != nil {
		return nil, err
	}

	compiled := make(RuleConfig, len(cfg))
	for role, rules := range cfg {
		out := make([]Rule, len(rules))
		for i, r := range rules {
			if r.When != "" {
				if compiler == nil {
					return nil, fmt.Errorf("%w: %s[%d]: expressions are not enabled", ErrMalformedRules, role, i)
				}
				expr, err := compiler.CompileExpr(r.When)
				if err != nil {
					return nil, fmt.Errorf("%w: %s[%d]: %w", ErrMalformedRules, role, i, err)
				}
				r.expr = expr
			}
			out[i] = r
		}
		compiled[role] = out
	}

	return &RuleSet{config: compiled, revision: revision, fingerprint: fp}, nil
}

// Revision returns the rule document revision the set was loaded from.
func (s *RuleSet) Revision() string {
	if s == nil {
		return ""
	}
	return s.revision
}

// Fingerprint returns the structural content hash of the set.
func (s *RuleSet) Fingerprint() uint64 {
	if s == nil {
		return 0
	}
	return s.fingerprint
}

// Roles returns the number of roles configured, reserved roles included.
func (s *RuleSet) Roles() int {
	if s == nil {
		return 0
	}
	return len(s.config)
}

// rules returns the rule list for role. Callers must not modify it.
func (s *RuleSet) rules(role string) ([]Rule, bool) {
	r, ok := s.config[role]
	return r, ok
}

// Fingerprint hashes the canonical JSON encoding of cfg. encoding/json sorts
// map keys, so two configs with equal content always hash alike regardless
// of the document revision or key order.
func Fingerprint(cfg RuleConfig) (uint64, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode rules: %w", err)
	}
	return xxhash.Sum64(data), nil
}
