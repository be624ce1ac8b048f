package acl

import (
	"slices"
	"sort"
	"strings"

	"github.com/mohae/deepcopy"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

// Policy is the ordered rule list compiled for one identity. It lives for
// one request and is never cached, since conditions embed user values.
type Policy struct {
	rules []Rule
	user  map[string]any
}

// Compile builds the policy for identity from set. A nil set means no rules
// document has been loaded.
//
//   - anonymous: only the public rules (none when set is nil)
//   - authenticated, nil set: a single manage/all rule
//   - authenticated: default rules, then each of the identity's roles in order
//
// An unknown ${...} variable fails the whole compilation with a
// *ReferenceError.
func Compile(set *RuleSet, identity *auth.Identity) (*Policy, error) {
	user := identity.Properties()

	if identity == nil {
		if set == nil {
			return &Policy{}, nil
		}
		public, _ := set.rules(RolePublic)
		return newPolicy(public, user)
	}

	if set == nil {
		return &Policy{
			rules: []Rule{{Action: ActionManage, Subject: SubjectAll}},
			user:  user,
		}, nil
	}

	var collected []Rule
	if def, ok := set.rules(RoleDefault); ok {
		collected = append(collected, def...)
	}
	for _, role := range identity.Roles {
		if role == RoleDefault || role == RolePublic {
			continue
		}
		if rules, ok := set.rules(role); ok {
			collected = append(collected, rules...)
		}
	}
	return newPolicy(collected, user)
}

// newPolicy copies rules and substitutes user variables into the copies.
// The snapshot rules stay untouched.
func newPolicy(rules []Rule, user map[string]any) (*Policy, error) {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		c := r
		c.Fields = slices.Clone(r.Fields)
		if len(r.Conditions) > 0 {
			conds, _ := deepcopy.Copy(r.Conditions).(map[string]any)
			if _, err := substitute(conds, user); err != nil {
				return nil, err
			}
			c.Conditions = conds
		}
		out[i] = c
	}
	return &Policy{rules: out, user: user}, nil
}

// Rules returns the compiled rules in evaluation order.
func (p *Policy) Rules() []Rule {
	return slices.Clone(p.rules)
}

// Can reports whether action is allowed on doc, optionally for one field.
// Every matching rule is visited in order and the last match decides: a
// normal rule grants, an inverted rule revokes. No match denies.
func (p *Policy) Can(action Action, doc map[string]any, field ...string) bool {
	var f string
	hasField := len(field) > 0 && field[0] != ""
	if hasField {
		f = field[0]
	}

	allowed := false
	for i := range p.rules {
		r := &p.rules[i]
		if !p.matches(r, action, doc) {
			continue
		}
		if !matchesField(r, f, hasField) {
			continue
		}
		allowed = !r.Inverted
	}
	return allowed
}

// PermittedFields returns the fields action may touch on doc. Matching rules
// are applied in order: granting rules add their fields (all of them when
// the rule lists none) and inverted rules remove theirs (all of them when
// the rule lists none).
func (p *Policy) PermittedFields(action Action, doc map[string]any) FieldSet {
	fs := FieldSet{include: map[string]struct{}{}, exclude: map[string]struct{}{}}
	for i := range p.rules {
		r := &p.rules[i]
		if !p.matches(r, action, doc) {
			continue
		}
		switch {
		case !r.Inverted && len(r.Fields) == 0:
			fs = FieldSet{all: true, include: map[string]struct{}{}, exclude: map[string]struct{}{}}
		case r.Inverted && len(r.Fields) == 0:
			fs = FieldSet{include: map[string]struct{}{}, exclude: map[string]struct{}{}}
		case !r.Inverted:
			for _, name := range r.Fields {
				if fs.all {
					delete(fs.exclude, name)
				} else {
					fs.include[name] = struct{}{}
				}
			}
		default:
			for _, name := range r.Fields {
				if fs.all {
					fs.exclude[name] = struct{}{}
				} else {
					delete(fs.include, name)
				}
			}
		}
	}
	return fs
}

// matches checks subject, action, conditions and the When expression.
func (p *Policy) matches(r *Rule, action Action, doc map[string]any) bool {
	if r.Action != action && r.Action != ActionManage {
		return false
	}
	if r.Subject != SubjectAll {
		id, _ := doc["_id"].(string)
		if !strings.EqualFold(r.Subject, EntityType(id)) {
			return false
		}
	}
	if len(r.Conditions) > 0 && !matchConditions(r.Conditions, doc) {
		return false
	}
	if r.expr != nil {
		user := p.user
		if user == nil {
			user = map[string]any{}
		}
		ok, err := r.expr.Eval(doc, user)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// matchesField applies the field restriction. Without a field argument a
// field-restricted granting rule still matches while a field-restricted
// inverted rule does not: revoking some fields never revokes the document.
func matchesField(r *Rule, field string, hasField bool) bool {
	if len(r.Fields) == 0 {
		return true
	}
	if !hasField {
		return !r.Inverted
	}
	return slices.Contains(r.Fields, field)
}

// FieldSet is the result of PermittedFields.
type FieldSet struct {
	all     bool
	include map[string]struct{}
	exclude map[string]struct{}
}

// AllFields returns the "whole document" set.
func AllFields() FieldSet {
	return FieldSet{all: true}
}

// All reports whether every field is permitted.
func (f FieldSet) All() bool {
	return f.all && len(f.exclude) == 0
}

// Empty reports whether no field is permitted.
func (f FieldSet) Empty() bool {
	return !f.all && len(f.include) == 0
}

// Allows reports whether field is permitted.
func (f FieldSet) Allows(field string) bool {
	if f.all {
		_, excluded := f.exclude[field]
		return !excluded
	}
	_, ok := f.include[field]
	return ok
}

// Fields returns the explicitly permitted fields, sorted. It is empty for
// "all fields" sets; use All and Allows for those.
func (f FieldSet) Fields() []string {
	out := make([]string, 0, len(f.include))
	for name := range f.include {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
