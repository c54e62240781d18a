// Package evaluator holds the pure functions that read module state:
// condition rule evaluation and {{key}} interpolation.
package evaluator

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/mpataki/journey/internal/models"
	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Lookup resolves key against state. Plain keys are read directly; dotted
// keys and "$." expressions fall back to a jsonpath lookup into nested values.
func Lookup(state map[string]any, key string) (any, bool) {
	if state == nil || key == "" {
		return nil, false
	}
	if v, ok := state[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") && !strings.HasPrefix(key, "$") {
		return nil, false
	}

	path := key
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	v, err := jsonpath.JsonPathLookup(state, path)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Evaluate reports whether every rule holds. An empty rule list is true.
func Evaluate(rules []*models.ConditionRule, state map[string]any) bool {
	for _, r := range rules {
		if !EvaluateRule(r, state) {
			return false
		}
	}
	return true
}

func EvaluateRule(r *models.ConditionRule, state map[string]any) bool {
	if r == nil {
		return true
	}

	if len(r.All) > 0 && !Evaluate(r.All, state) {
		return false
	}
	if len(r.Any) > 0 {
		matched := false
		for _, child := range r.Any {
			if EvaluateRule(child, state) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.Not != nil && EvaluateRule(r.Not, state) {
		return false
	}
	if r.Key == "" {
		return true
	}

	actual, found := Lookup(state, r.Key)

	switch r.Operator {
	case models.OpExists:
		return found && actual != nil
	case models.OpNotExists:
		return !found || actual == nil
	case models.OpFalsy:
		return !Truthy(actual)
	case models.OpEquals:
		return found && equal(actual, r.Value)
	case models.OpNotEquals:
		return !found || !equal(actual, r.Value)
	case models.OpContains:
		return found && containsValue(actual, r.Value)
	case models.OpIn:
		return found && containsValue(r.Value, actual)
	case models.OpGreater, models.OpGreaterEq, models.OpLess, models.OpLessEq:
		return found && compare(r.Operator, actual, r.Value)
	default:
		// A bare key with no operator means "truthy".
		return Truthy(actual)
	}
}

// Truthy treats nil, false, zero numbers, empty strings and empty
// collections as false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.EqualFold(sa, sb)
		}
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(strings.ToLower(c), strings.ToLower(s))
	case []any:
		for _, v := range c {
			if equal(v, item) {
				return true
			}
		}
	case []string:
		for _, v := range c {
			if equal(v, item) {
				return true
			}
		}
	case map[string]any:
		s, ok := item.(string)
		if ok {
			_, exists := c[s]
			return exists
		}
	}
	return false
}

func compare(op models.Operator, a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return false
	}
	switch op {
	case models.OpGreater:
		return fa > fb
	case models.OpGreaterEq:
		return fa >= fb
	case models.OpLess:
		return fa < fb
	case models.OpLessEq:
		return fa <= fb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// InterpolateString replaces {{key}} tokens with values from state.
// Tokens with no matching key are left untouched.
func InterpolateString(s string, state map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		key := tokenPattern.FindStringSubmatch(token)[1]
		v, ok := Lookup(state, key)
		if !ok || v == nil {
			return token
		}
		return stringify(v)
	})
}

// Interpolate walks strings, slices and maps, interpolating every string
// leaf. Other values pass through unchanged. The input is never mutated.
func Interpolate(v any, state map[string]any) any {
	switch val := v.(type) {
	case string:
		// A value that is exactly one token keeps the referenced value's type.
		if m := tokenPattern.FindStringSubmatch(val); m != nil && m[0] == strings.TrimSpace(val) {
			if resolved, ok := Lookup(state, m[1]); ok && resolved != nil {
				return resolved
			}
			return val
		}
		return InterpolateString(val, state)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Interpolate(item, state)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = InterpolateString(item, state)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Interpolate(item, state)
		}
		return out
	default:
		return v
	}
}

// InterpolateMap is Interpolate specialised for maps.
func InterpolateMap(m map[string]any, state map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Interpolate(m, state).(map[string]any)
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
