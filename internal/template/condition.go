package template

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Operator names a condition leaf or combinator.
type Operator string

// Operator values.
const (
	OpFieldEquals      Operator = "field_equals"
	OpFieldNotEquals   Operator = "field_not_equals"
	OpFieldEmpty       Operator = "field_empty"
	OpFieldNotEmpty    Operator = "field_not_empty"
	OpFieldGreaterThan Operator = "field_greater_than"
	OpFieldLessThan    Operator = "field_less_than"
	OpFieldContains    Operator = "field_contains"
	OpAnd              Operator = "and"
	OpOr               Operator = "or"
	OpNot              Operator = "not"
)

// Condition is a predicate over form data used for display and conditional rules.
type Condition struct {
	Op         Operator    `json:"op"`
	Field      string      `json:"field,omitempty"`
	Value      any         `json:"value,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Evaluate runs the predicate against data. Combinators short-circuit and a
// missing field counts as empty.
func (c Condition) Evaluate(data map[string]any) bool {
	switch c.Op {
	case OpAnd:
		for _, sub := range c.Conditions {
			if !sub.Evaluate(data) {
				return false
			}
		}
		return true
	case OpOr:
		for _, sub := range c.Conditions {
			if sub.Evaluate(data) {
				return true
			}
		}
		return false
	case OpNot:
		if len(c.Conditions) != 1 {
			return false
		}
		return !c.Conditions[0].Evaluate(data)
	}

	value, _ := Lookup(data, c.Field)
	switch c.Op {
	case OpFieldEquals:
		return valuesEqual(value, c.Value)
	case OpFieldNotEquals:
		return !valuesEqual(value, c.Value)
	case OpFieldEmpty:
		return IsEmpty(value)
	case OpFieldNotEmpty:
		return !IsEmpty(value)
	case OpFieldGreaterThan:
		cmp, ok := compareValues(value, c.Value)
		return ok && cmp > 0
	case OpFieldLessThan:
		cmp, ok := compareValues(value, c.Value)
		return ok && cmp < 0
	case OpFieldContains:
		return containsValue(value, c.Value)
	}
	return false
}

// Fields lists every field id the condition reads, in first-seen order.
func (c Condition) Fields() []string {
	var out []string
	var walk func(Condition)
	walk = func(cur Condition) {
		if cur.Field != "" && !slices.Contains(out, cur.Field) {
			out = append(out, cur.Field)
		}
		for _, sub := range cur.Conditions {
			walk(sub)
		}
	}
	walk(c)
	return out
}

// validate checks the condition shape without consulting the template.
func (c Condition) validate() error {
	switch c.Op {
	case OpAnd, OpOr:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s requires at least one condition", c.Op)
		}
	case OpNot:
		if len(c.Conditions) != 1 {
			return fmt.Errorf("not requires exactly one condition")
		}
	case OpFieldEquals, OpFieldNotEquals, OpFieldEmpty, OpFieldNotEmpty,
		OpFieldGreaterThan, OpFieldLessThan, OpFieldContains:
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%s requires a field", c.Op)
		}
		return nil
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	for _, sub := range c.Conditions {
		if err := sub.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves a field id, falling back to a dotted path into nested objects.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = data
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// IsEmpty treats nil, blank strings and empty collections as empty.
// Booleans and numbers are never empty.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		for _, inner := range val {
			if !IsEmpty(inner) {
				return false
			}
		}
		return true
	}
	return false
}

// valuesEqual compares JSON-decoded values, treating numbers and numeric strings alike.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.EqualFold(strings.TrimSpace(sa), strings.TrimSpace(sb))
		}
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders numbers numerically and everything else as strings.
func compareValues(a, b any) (int, bool) {
	if IsEmpty(a) {
		return 0, false
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// containsValue handles substring checks on strings and membership on lists.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(strings.ToLower(h), strings.ToLower(n))
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

// toFloat converts JSON numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// ToFloat exposes numeric coercion to the runtime validator.
func ToFloat(v any) (float64, bool) {
	return toFloat(v)
}
