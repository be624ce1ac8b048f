// Package acl implements the ordered, CASL-style rule model used to decide
// which documents a user may read or write, down to individual fields.
package acl

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action is an operation a rule grants or revokes.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionManage covers every action.
	ActionManage Action = "manage"
)

// SubjectAll matches documents of every entity type.
const SubjectAll = "all"

// Reserved pseudo-roles.
const (
	// RoleDefault rules are prepended for every authenticated identity.
	RoleDefault = "default"
	// RolePublic rules are the only rules applied to anonymous requests.
	RolePublic = "public"
)

// Rule grants (or, when Inverted, revokes) an action on a subject.
type Rule struct {
	Action  Action `json:"action" yaml:"action" validate:"required,oneof=read create update delete manage"`
	Subject string `json:"subject" yaml:"subject" validate:"required"`
	// Fields restricts the rule to the listed document fields.
	// Empty means the whole document.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty" validate:"omitempty,dive,required"`
	// Conditions must all equal the corresponding document values.
	// String values may embed ${user.<path>} variables.
	Conditions map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Inverted   bool           `json:"inverted,omitempty" yaml:"inverted,omitempty"`
	// When is an optional boolean expression over `doc` and `user`.
	When string `json:"when,omitempty" yaml:"when,omitempty" validate:"omitempty,max=1024"`
	// Reason documents why an inverted rule exists.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	expr Expr
}

// RuleConfig maps a role name to its ordered rule list.
type RuleConfig map[string][]Rule

// Expr is a compiled When expression.
type Expr interface {
	Eval(doc, user map[string]any) (bool, error)
}

// ExprCompiler compiles When expressions. A nil compiler rejects any rule
// that carries an expression.
type ExprCompiler interface {
	CompileExpr(source string) (Expr, error)
}

// ErrMalformedRules is returned when a rule document cannot be turned into
// a RuleConfig.
var ErrMalformedRules = errors.New("malformed rule document")

// ParseRuleDocument decodes a rule document. Top-level keys starting with
// an underscore (_id, _rev, ...) are document metadata, every other key is
// a role. The document revision is returned alongside the config.
func ParseRuleDocument(raw []byte) (RuleConfig, string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrMalformedRules, err)
	}

	var rev string
	cfg := make(RuleConfig, len(top))
	for key, value := range top {
		if strings.HasPrefix(key, "_") {
			if key == "_rev" {
				if err := json.Unmarshal(value, &rev); err != nil {
					return nil, "", fmt.Errorf("%w: _rev: %w", ErrMalformedRules, err)
				}
			}
			continue
		}
		var rules []Rule
		if err := json.Unmarshal(value, &rules); err != nil {
			return nil, "", fmt.Errorf("%w: role %q: %w", ErrMalformedRules, key, err)
		}
		cfg[key] = rules
	}
	return cfg, rev, nil
}

// EntityType returns the subject type encoded in a document id
// ("Note:1" -> "Note"). Ids without a colon have no entity type and are
// matched only by SubjectAll rules.
func EntityType(id string) string {
	typ, _, ok := strings.Cut(id, ":")
	if !ok {
		return ""
	}
	return typ
}
