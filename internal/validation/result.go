// Package validation checks form data against templates and ICS business rules.
package validation

import (
	"slices"
	"time"

	"github.com/hylla/icsforms/internal/template"
)

// Severity ranks a validation message. Only errors block submission.
type Severity string

// Severity values.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
)

// Code identifies the kind of finding.
type Code string

// Code values.
const (
	CodeRequired           Code = "required"
	CodeSectionRequired    Code = "section_required"
	CodeMinLength          Code = "min_length"
	CodeMaxLength          Code = "max_length"
	CodePattern            Code = "pattern"
	CodeRange              Code = "range"
	CodeStep               Code = "step"
	CodeDecimalPlaces      Code = "decimal_places"
	CodeInvalidOption      Code = "invalid_option"
	CodeInvalidFormat      Code = "invalid_format"
	CodeInvalidType        Code = "invalid_type"
	CodeRowCount           Code = "row_count"
	CodeTooManyRepetitions Code = "too_many_repetitions"
	CodeFutureDate         Code = "future_date"
	CodeFile               Code = "file"
	CodeCrossField         Code = "cross_field"
	CodeBusinessRule       Code = "business_rule"
	CodeBudgetExceeded     Code = "budget_exceeded"
	CodeReady              Code = "ready"
)

// Message is one validation finding.
type Message struct {
	FieldID    string   `json:"field_id,omitempty"`
	SectionID  string   `json:"section_id,omitempty"`
	Code       Code     `json:"code"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Summary aggregates a result for progress displays.
type Summary struct {
	TotalFields          int     `json:"total_fields"`
	FilledFields         int     `json:"filled_fields"`
	FieldsWithErrors     int     `json:"fields_with_errors"`
	FieldsWithWarnings   int     `json:"fields_with_warnings"`
	CompletionPercentage float64 `json:"completion_percentage"`
	EstimatedFixMinutes  int     `json:"estimated_fix_minutes"`
}

// Result is the outcome of validating one form or field.
type Result struct {
	TemplateID      string            `json:"template_id,omitempty"`
	TemplateVersion string            `json:"template_version,omitempty"`
	Errors          []Message         `json:"errors"`
	Warnings        []Message         `json:"warnings"`
	Info            []Message         `json:"info"`
	Actions         []template.Action `json:"actions,omitempty"`
	Summary         Summary           `json:"summary"`
	IsSubmittable   bool              `json:"is_submittable"`
	BudgetExceeded  bool              `json:"budget_exceeded"`
	Elapsed         time.Duration     `json:"elapsed_ns"`
}

// add files a message under its severity.
func (r *Result) add(m Message) {
	switch m.Severity {
	case SeverityError:
		r.Errors = append(r.Errors, m)
	case SeverityWarning:
		r.Warnings = append(r.Warnings, m)
	default:
		r.Info = append(r.Info, m)
	}
}

// Merge appends messages from other and refreshes derived fields.
func (r *Result) Merge(other Result) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Info = append(r.Info, other.Info...)
	r.finish()
}

// finish recomputes submittability and the error-derived summary fields.
func (r *Result) finish() {
	r.IsSubmittable = len(r.Errors) == 0
	r.Summary.FieldsWithErrors = distinctFields(r.Errors)
	r.Summary.FieldsWithWarnings = distinctFields(r.Warnings)
	r.Summary.EstimatedFixMinutes = 2*len(r.Errors) + len(r.Warnings)
	if r.Summary.TotalFields > 0 {
		pct := float64(r.Summary.FilledFields) / float64(r.Summary.TotalFields) * 100
		r.Summary.CompletionPercentage = float64(int(pct*10+0.5)) / 10
	}
}

// clone returns a deep-enough copy for handing out cached results.
func (r Result) clone() Result {
	r.Errors = slices.Clone(r.Errors)
	r.Warnings = slices.Clone(r.Warnings)
	r.Info = slices.Clone(r.Info)
	r.Actions = slices.Clone(r.Actions)
	return r
}

// distinctFields counts unique field ids among messages.
func distinctFields(msgs []Message) int {
	seen := map[string]bool{}
	for _, m := range msgs {
		if m.FieldID != "" {
			seen[m.FieldID] = true
		}
	}
	return len(seen)
}
