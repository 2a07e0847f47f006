package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionLeaves(t *testing.T) {
	data := map[string]any{
		"status":   "Active",
		"count":    12.0,
		"note":     "Evacuation underway",
		"tags":     []any{"fire", "smoke"},
		"blank":    "  ",
		"location": map[string]any{"city": "Redding"},
	}
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals case-insensitive", Condition{Op: OpFieldEquals, Field: "status", Value: "active"}, true},
		{"not equals", Condition{Op: OpFieldNotEquals, Field: "status", Value: "closed"}, true},
		{"numeric string equality", Condition{Op: OpFieldEquals, Field: "count", Value: "12"}, true},
		{"empty blank", Condition{Op: OpFieldEmpty, Field: "blank"}, true},
		{"missing is empty", Condition{Op: OpFieldEmpty, Field: "nope"}, true},
		{"not empty", Condition{Op: OpFieldNotEmpty, Field: "note"}, true},
		{"greater", Condition{Op: OpFieldGreaterThan, Field: "count", Value: 10}, true},
		{"less", Condition{Op: OpFieldLessThan, Field: "count", Value: 10}, false},
		{"missing never greater", Condition{Op: OpFieldGreaterThan, Field: "nope", Value: 0}, false},
		{"contains substring", Condition{Op: OpFieldContains, Field: "note", Value: "EVACUATION"}, true},
		{"contains member", Condition{Op: OpFieldContains, Field: "tags", Value: "smoke"}, true},
		{"dotted path", Condition{Op: OpFieldEquals, Field: "location.city", Value: "Redding"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cond.Evaluate(data))
		})
	}
}

func TestConditionCombinators(t *testing.T) {
	data := map[string]any{"a": "x"}
	yes := Condition{Op: OpFieldEquals, Field: "a", Value: "x"}
	no := Condition{Op: OpFieldEmpty, Field: "a"}

	assert.True(t, Condition{Op: OpAnd, Conditions: []Condition{yes, yes}}.Evaluate(data))
	assert.False(t, Condition{Op: OpAnd, Conditions: []Condition{yes, no}}.Evaluate(data))
	assert.True(t, Condition{Op: OpOr, Conditions: []Condition{no, yes}}.Evaluate(data))
	assert.True(t, Condition{Op: OpNot, Conditions: []Condition{no}}.Evaluate(data))
	assert.False(t, Condition{Op: OpNot}.Evaluate(data))

	nested := Condition{Op: OpOr, Conditions: []Condition{no, {Op: OpAnd, Conditions: []Condition{yes, {Op: OpFieldNotEmpty, Field: "b"}}}}}
	assert.Equal(t, []string{"a", "b"}, nested.Fields())
	assert.False(t, nested.Evaluate(data))
}

func TestConditionValidate(t *testing.T) {
	assert.Error(t, Condition{Op: "xor"}.validate())
	assert.Error(t, Condition{Op: OpAnd}.validate())
	assert.Error(t, Condition{Op: OpFieldEquals}.validate())
	assert.NoError(t, Condition{Op: OpNot, Conditions: []Condition{{Op: OpFieldEmpty, Field: "a"}}}.validate())
}
