package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsMinimalTemplate(t *testing.T) {
	tpl, err := Parse([]byte(minimalTemplate("ICS-201")))
	require.NoError(t, err)
	assert.NoError(t, Validate(tpl))
}

func TestValidateReportsStructuralProblems(t *testing.T) {
	raw := `{
  "template_id": "",
  "form_type": "ICS-999",
  "version": "v1",
  "title": "Broken",
  "metadata": {"author": "", "created_at": "", "updated_at": "", "status": "live"},
  "sections": [
    {"id": "a", "title": "A", "fields": [
      {"id": "name", "label": "Name", "field_type": {"type": "text", "min_length": 5, "max_length": 2},
       "validation_rules": [{"type": "min_value", "value": 1}]},
      {"id": "qty", "label": "Qty", "field_type": {"type": "number", "step": 0}, "default": "many"},
      {"id": "pick", "label": "Pick", "field_type": {"type": "radio", "options": [{"value": "x"}, {"value": "x"}]}}
    ]},
    {"id": "a", "title": "Again", "max_repetitions": 3, "fields": [
      {"id": "name", "label": "Dup", "field_type": {"type": "table", "columns": [
        {"id": "inner", "label": "Inner", "field_type": {"type": "table", "columns": []}}
      ]}}
    ]}
  ],
  "validation_rules": [
    {"type": "field_order", "target_fields": ["name"]},
    {"type": "required_if", "target_fields": ["ghost"]}
  ],
  "conditional_logic": [
    {"id": "c", "condition": {"op": "field_equals", "field": "missing", "value": 1},
     "actions": [{"type": "hide_section", "target": "zzz"}, {"type": "set_value", "target": "qty", "value": "lots"}]}
  ],
  "defaults": {"unknown": 1}
}`
	tpl, err := Parse([]byte(raw))
	require.NoError(t, err)

	err = Validate(tpl)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	joined := make([]string, 0, len(verr.Issues))
	for _, issue := range verr.Issues {
		joined = append(joined, issue.String())
	}
	all := strings.Join(joined, "\n")
	for _, want := range []string{
		"$.template_id: must not be empty",
		"unknown form type",
		"is not major.minor[.patch]",
		"unknown status",
		"min_length 5 exceeds max_length 2",
		`rule "min_value" does not apply to text fields`,
		"step: must be positive",
		"incompatible default",
		`duplicate option value "x"`,
		`duplicate section id "a"`,
		"set on a non-repeatable section",
		"duplicate field id",
		"tables cannot nest",
		"field_order needs exactly two fields",
		`unknown field "ghost"`,
		"required_if needs a condition",
		`references unknown field "missing"`,
		`unknown section "zzz"`,
		"incompatible value",
		"$.defaults.unknown: references unknown field",
	} {
		assert.Contains(t, all, want)
	}
	assert.Contains(t, err.Error(), "and ")
}

func TestCheckValueShapes(t *testing.T) {
	text := FieldType{Kind: KindText}
	assert.NoError(t, CheckValue(text, "hi"))
	assert.NoError(t, CheckValue(text, nil))
	assert.Error(t, CheckValue(text, 4.0))

	multi := FieldType{Kind: KindSelect, Choice: &ChoiceSpec{Multiple: true}}
	assert.NoError(t, CheckValue(multi, []any{"a"}))
	assert.Error(t, CheckValue(multi, "a"))

	table := FieldType{Kind: KindTable, Table: &TableSpec{Columns: []Column{{ID: "n", Type: FieldType{Kind: KindNumber}}}}}
	assert.NoError(t, CheckValue(table, []any{map[string]any{"n": 2.0}}))
	assert.Error(t, CheckValue(table, []any{map[string]any{"n": true}}))
	assert.Error(t, CheckValue(table, map[string]any{}))

	assert.NoError(t, CheckValue(FieldType{Kind: KindCheckbox}, false))
	assert.Error(t, CheckValue(FieldType{Kind: KindCheckbox}, "yes"))
}
