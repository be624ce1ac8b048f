package acl

import (
	"reflect"
	"strings"
)

// matchConditions reports whether every condition holds for doc.
func matchConditions(conds map[string]any, doc map[string]any) bool {
	for key, want := range conds {
		got, present := lookup(doc, key)
		if !matchValue(want, got, present) {
			return false
		}
	}
	return true
}

// lookup resolves a dotted field path inside doc.
func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchValue(want, got any, present bool) bool {
	if ops, ok := want.(map[string]any); ok && isOperatorMap(ops) {
		for op, arg := range ops {
			if !matchOperator(op, arg, got, present) {
				return false
			}
		}
		return true
	}
	if !present {
		return false
	}
	if equal(want, got) {
		return true
	}
	// A scalar condition matches an array field containing it.
	if arr, ok := got.([]any); ok {
		if _, wantArr := want.([]any); !wantArr {
			for _, elem := range arr {
				if equal(want, elem) {
					return true
				}
			}
		}
	}
	return false
}

func matchOperator(op string, arg, got any, present bool) bool {
	switch op {
	case "$in":
		list, ok := arg.([]any)
		if !ok || !present {
			return false
		}
		for _, candidate := range list {
			if matchValue(candidate, got, present) {
				return true
			}
		}
		return false
	case "$ne":
		return !present || !matchValue(arg, got, present)
	case "$exists":
		want, ok := arg.(bool)
		return ok && want == present
	default:
		// Unknown operators never match.
		return false
	}
}

func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// equal compares JSON-shaped values. Numbers compare by value regardless of
// their Go type, and Undefined equals nothing.
func equal(a, b any) bool {
	if IsUndefined(a) || IsUndefined(b) {
		return false
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
