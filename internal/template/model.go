// Package template models ICS form templates, validates their structure, and
// loads the bundled catalog.
package template

import (
	"regexp"
	"sync"

	"github.com/hylla/icsforms/internal/domain"
)

// Status is the publication state of a template.
type Status string

// Status values.
const (
	StatusDraft      Status = "draft"
	StatusPublished  Status = "published"
	StatusDeprecated Status = "deprecated"
	StatusArchived   Status = "archived"
)

// Severity of a rule violation.
type Severity string

// Severity values.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Metadata describes template authorship and publication.
type Metadata struct {
	Author    string   `json:"author"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
	Tags      []string `json:"tags,omitempty"`
	Status    Status   `json:"status"`
}

// Template is an immutable schema for one form type at one version.
type Template struct {
	TemplateID       string            `json:"template_id"`
	FormType         domain.FormType   `json:"form_type"`
	Version          string            `json:"version"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Metadata         Metadata          `json:"metadata"`
	Sections         []Section         `json:"sections"`
	ValidationRules  []Rule            `json:"validation_rules,omitempty"`
	ConditionalLogic []ConditionalRule `json:"conditional_logic,omitempty"`
	Defaults         map[string]any    `json:"defaults,omitempty"`

	checksum string
	patterns sync.Map
}

// Section groups fields; sections may nest and repeat.
type Section struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Required         bool       `json:"required,omitempty"`
	Repeatable       bool       `json:"repeatable,omitempty"`
	MaxRepetitions   int        `json:"max_repetitions,omitempty"`
	Fields           []Field    `json:"fields"`
	Subsections      []Section  `json:"subsections,omitempty"`
	DisplayCondition *Condition `json:"display_condition,omitempty"`
	ValidationRules  []Rule     `json:"validation_rules,omitempty"`
}

// Field is one typed input.
type Field struct {
	ID               string     `json:"id"`
	Label            string     `json:"label"`
	Type             FieldType  `json:"field_type"`
	Required         bool       `json:"required,omitempty"`
	Default          any        `json:"default,omitempty"`
	Placeholder      string     `json:"placeholder,omitempty"`
	HelpText         string     `json:"help_text,omitempty"`
	ValidationRules  []Rule     `json:"validation_rules,omitempty"`
	DisplayCondition *Condition `json:"display_condition,omitempty"`
}

// RuleType names a validation rule.
type RuleType string

// Field-level and cross-field rule types.
const (
	RuleMinLength   RuleType = "min_length"
	RuleMaxLength   RuleType = "max_length"
	RulePattern     RuleType = "pattern"
	RuleMinValue    RuleType = "min_value"
	RuleMaxValue    RuleType = "max_value"
	RuleNotFuture   RuleType = "not_future"
	RuleRequiredIf  RuleType = "required_if"
	RuleFieldOrder  RuleType = "field_order"
	RuleAtLeastOne  RuleType = "at_least_one"
	RuleMaxDuration RuleType = "max_duration_hours"
	RuleCustom      RuleType = "custom"
)

// Rule is one validation rule. Cross-field rules name their fields in TargetFields.
type Rule struct {
	ID           string     `json:"id,omitempty"`
	Type         RuleType   `json:"type"`
	Value        any        `json:"value,omitempty"`
	TargetFields []string   `json:"target_fields,omitempty"`
	Condition    *Condition `json:"condition,omitempty"`
	Message      string     `json:"message,omitempty"`
	Severity     Severity   `json:"severity,omitempty"`
}

// EffectiveSeverity defaults an unset severity to error.
func (r Rule) EffectiveSeverity() Severity {
	if r.Severity == "" {
		return SeverityError
	}
	return r.Severity
}

// ActionType names a conditional-rule action.
type ActionType string

// ActionType values.
const (
	ActionShowField      ActionType = "show_field"
	ActionHideField      ActionType = "hide_field"
	ActionRequireField   ActionType = "require_field"
	ActionUnrequireField ActionType = "unrequire_field"
	ActionShowSection    ActionType = "show_section"
	ActionHideSection    ActionType = "hide_section"
	ActionSetValue       ActionType = "set_value"
)

// Action is a UI hint emitted when a conditional rule fires.
type Action struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target"`
	Value  any        `json:"value,omitempty"`
}

// ConditionalRule maps a predicate to actions.
type ConditionalRule struct {
	ID        string    `json:"id"`
	Condition Condition `json:"condition"`
	Actions   []Action  `json:"actions"`
}

// FieldRef locates a field inside the section tree.
type FieldRef struct {
	Field   *Field
	Section *Section
}

// Fields walks every field depth-first in declaration order.
func (t *Template) Fields() []FieldRef {
	var out []FieldRef
	var walk func(sections []Section)
	walk = func(sections []Section) {
		for i := range sections {
			sec := &sections[i]
			for j := range sec.Fields {
				out = append(out, FieldRef{Field: &sec.Fields[j], Section: sec})
			}
			walk(sec.Subsections)
		}
	}
	walk(t.Sections)
	return out
}

// Field returns the field with id.
func (t *Template) Field(id string) (FieldRef, bool) {
	for _, ref := range t.Fields() {
		if ref.Field.ID == id {
			return ref, true
		}
	}
	return FieldRef{}, false
}

// Section returns the section with id at any depth.
func (t *Template) Section(id string) (*Section, bool) {
	var found *Section
	var walk func(sections []Section) bool
	walk = func(sections []Section) bool {
		for i := range sections {
			if sections[i].ID == id {
				found = &sections[i]
				return true
			}
			if walk(sections[i].Subsections) {
				return true
			}
		}
		return false
	}
	walk(t.Sections)
	return found, found != nil
}

// Checksum returns the content hash computed at load time.
func (t *Template) Checksum() string {
	return t.checksum
}

// Pattern compiles a regular expression on first use and caches it on the template.
func (t *Template) Pattern(expr string) (*regexp.Regexp, error) {
	if cached, ok := t.patterns.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	actual, _ := t.patterns.LoadOrStore(expr, re)
	return actual.(*regexp.Regexp), nil
}

// Counts summarizes template size.
type Counts struct {
	Sections int `json:"sections"`
	Fields   int `json:"fields"`
	Rules    int `json:"rules"`
}

// Counts tallies sections, fields and rules at every level.
func (t *Template) Counts() Counts {
	c := Counts{Rules: len(t.ValidationRules) + len(t.ConditionalLogic)}
	var walk func(sections []Section)
	walk = func(sections []Section) {
		for _, sec := range sections {
			c.Sections++
			c.Rules += len(sec.ValidationRules)
			for _, f := range sec.Fields {
				c.Fields++
				c.Rules += len(f.ValidationRules)
			}
			walk(sec.Subsections)
		}
	}
	walk(t.Sections)
	return c
}
