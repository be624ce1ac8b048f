package acl

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ruleValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every rule of cfg against its struct constraints.
// Variable references are not checked here: an unknown variable only fails
// the requests whose policy includes it.
func Validate(cfg RuleConfig) error {
	var problems []string
	for _, role := range sortedRoles(cfg) {
		if strings.TrimSpace(role) == "" {
			problems = append(problems, "empty role name")
			continue
		}
		for i, r := range cfg[role] {
			if err := ruleValidator.Struct(r); err != nil {
				problems = append(problems, formatRuleError(role, i, err))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedRules, strings.Join(problems, "; "))
	}
	return nil
}

func formatRuleError(role string, index int, err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Sprintf("%s[%d]: %v", role, index, err)
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s[%d].%s is required", role, index, field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s[%d].%s must be one of: %s", role, index, field, e.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s[%d].%s is too long (max %s)", role, index, field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s[%d].%s failed validation: %s", role, index, field, e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// CheckVariables reports every ${...} reference whose root is not `user`.
// Such references make policy compilation fail at request time.
func CheckVariables(cfg RuleConfig) []error {
	var errs []error
	for _, role := range sortedRoles(cfg) {
		for i, r := range cfg[role] {
			walkStrings(r.Conditions, func(s string) {
				for _, m := range variablePattern.FindAllStringSubmatch(s, -1) {
					if _, err := splitVariable(m[1]); err != nil {
						errs = append(errs, fmt.Errorf("%s[%d]: %w", role, i, err))
					}
				}
			})
		}
	}
	return errs
}

// Overlap is an action/subject pair ruled on by both the default and the
// public role with different polarity.
type Overlap struct {
	Action  Action
	Subject string
}

// String implements fmt.Stringer.
func (o Overlap) String() string {
	return fmt.Sprintf("%s on %s", o.Action, o.Subject)
}

// Overlaps lists action/subject pairs that default and public rule on with
// different polarity. The two sets are never combined in one policy, so an
// overlap means anonymous and authenticated users see different answers for
// the same pair, which is usually unintended.
func Overlaps(cfg RuleConfig) []Overlap {
	type key struct {
		action  Action
		subject string
	}
	polarity := func(rules []Rule) map[key]bool {
		out := make(map[key]bool)
		for _, r := range rules {
			out[key{r.Action, strings.ToLower(r.Subject)}] = !r.Inverted
		}
		return out
	}

	def := polarity(cfg[RoleDefault])
	pub := polarity(cfg[RolePublic])

	var out []Overlap
	for k, granted := range def {
		if p, ok := pub[k]; ok && p != granted {
			out = append(out, Overlap{Action: k.action, Subject: k.subject})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Action < out[j].Action
	})
	return out
}

func sortedRoles(cfg RuleConfig) []string {
	roles := make([]string, 0, len(cfg))
	for role := range cfg {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, child := range t {
			walkStrings(child, fn)
		}
	case []any:
		for _, child := range t {
			walkStrings(child, fn)
		}
	}
}
