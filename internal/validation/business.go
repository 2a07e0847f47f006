package validation

import (
	"strings"

	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/template"
)

// emergencyKeywords are expected in the text of emergency-priority messages.
var emergencyKeywords = []string{"emergency", "urgent", "immediate"}

// BusinessRules applies the always-on ICS rule pack to a form envelope.
func BusinessRules(f domain.Form) []Message {
	var out []Message
	if err := domain.ValidateOperationalPeriod(f.OperationalPeriodStart, f.OperationalPeriodEnd); err != nil {
		out = append(out, Message{
			FieldID:  "operational_period",
			Code:     CodeBusinessRule,
			Severity: SeverityError,
			Message:  "Operational period must be longer than zero and at most 72 hours",
		})
	}
	if f.Status == domain.StatusFinal {
		if strings.TrimSpace(f.ApprovedBy) == "" {
			out = append(out, Message{FieldID: "approved_by", Code: CodeBusinessRule, Severity: SeverityError,
				Message: "Final forms must name an approver"})
		}
		if f.ApprovedAt == nil {
			out = append(out, Message{FieldID: "approved_at", Code: CodeBusinessRule, Severity: SeverityError,
				Message: "Final forms must record when they were approved"})
		}
	}
	if f.Priority == domain.PriorityEmergency && !mentionsEmergency(f.Data) {
		out = append(out, Message{
			FieldID:    "message",
			Code:       CodeBusinessRule,
			Severity:   SeverityWarning,
			Message:    "Emergency-priority messages should say why they are urgent",
			Suggestion: "Include one of: " + strings.Join(emergencyKeywords, ", "),
		})
	}
	return out
}

// mentionsEmergency looks for an emergency keyword in the message text fields.
func mentionsEmergency(data map[string]any) bool {
	var text strings.Builder
	for _, key := range []string{"subject", "message"} {
		if s, ok := data[key].(string); ok {
			text.WriteString(strings.ToLower(s))
			text.WriteByte(' ')
		}
	}
	body := text.String()
	for _, kw := range emergencyKeywords {
		if strings.Contains(body, kw) {
			return true
		}
	}
	return false
}

// ValidateEnvelope validates form data against tpl and applies the business rules.
func (v *Validator) ValidateEnvelope(tpl *template.Template, f domain.Form) Result {
	res := v.ValidateForm(tpl, f.Data)
	rules := Result{}
	for _, m := range BusinessRules(f) {
		rules.add(m)
	}
	if len(rules.Errors)+len(rules.Warnings)+len(rules.Info) == 0 {
		return res
	}
	if len(rules.Errors) > 0 {
		res.Info = dropReady(res.Info)
	}
	res.Merge(rules)
	return res
}

// dropReady removes the ready-for-submission note.
func dropReady(msgs []Message) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Code != CodeReady {
			out = append(out, m)
		}
	}
	return out
}
