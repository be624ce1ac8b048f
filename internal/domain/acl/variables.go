package acl

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrReference is matched (via errors.Is) by every *ReferenceError.
var ErrReference = errors.New("reference error")

// ReferenceError reports a rule variable that names no known object.
type ReferenceError struct {
	Variable string
}

// Error implements error.
func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%s is not defined", e.Variable)
}

// Is lets errors.Is(err, ErrReference) match.
func (e *ReferenceError) Is(target error) bool {
	return target == ErrReference
}

type undefinedValue struct{}

// String renders the sentinel when it is interpolated into a larger string.
func (undefinedValue) String() string { return "undefined" }

// Undefined replaces a variable whose property does not exist on the user.
// It equals no document value, an absent field included.
var Undefined any = undefinedValue{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedValue)
	return ok
}

var (
	variablePattern = regexp.MustCompile(`\$\{([^}]*)\}`)
	wholeVariable   = regexp.MustCompile(`^\$\{([^}]*)\}$`)
)

// substitute replaces ${user.<path>} references inside v. Maps and slices
// are rewritten in place, so v must be a private copy.
func substitute(v any, user map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return substituteString(t, user)
	case map[string]any:
		for k, child := range t {
			out, err := substitute(child, user)
			if err != nil {
				return nil, err
			}
			t[k] = out
		}
		return t, nil
	case []any:
		for i, child := range t {
			out, err := substitute(child, user)
			if err != nil {
				return nil, err
			}
			t[i] = out
		}
		return t, nil
	default:
		return v, nil
	}
}

// substituteString keeps the value's type when the whole string is a single
// reference (so ${user.roles} stays a list) and interpolates otherwise.
func substituteString(s string, user map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	if m := wholeVariable.FindStringSubmatch(s); m != nil {
		return resolve(m[1], user)
	}

	var firstErr error
	out := variablePattern.ReplaceAllStringFunc(s, func(ref string) string {
		val, err := resolve(ref[2:len(ref)-1], user)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		return fmt.Sprint(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// resolve looks up a dotted variable path on the user object.
func resolve(variable string, user map[string]any) (any, error) {
	path, err := splitVariable(variable)
	if err != nil {
		return nil, err
	}

	var cur any = user
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return Undefined, nil
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return Undefined, nil
			}
			cur = node[idx]
		default:
			return Undefined, nil
		}
	}
	if cur == nil {
		return Undefined, nil
	}
	return cur, nil
}

// splitVariable validates a variable and returns its path below `user`.
func splitVariable(variable string) ([]string, error) {
	variable = strings.TrimSpace(variable)
	parts := strings.Split(variable, ".")
	if parts[0] != "user" {
		return nil, &ReferenceError{Variable: variable}
	}
	for _, p := range parts[1:] {
		if p == "" {
			return nil, &ReferenceError{Variable: variable}
		}
	}
	return parts[1:], nil
}
