package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hylla/icsforms/internal/template"
)

// fieldRule applies one field-level rule to a non-empty value.
func (p *pass) fieldRule(rule template.Rule, id, label string, value any) (Message, bool) {
	msg := func(code Code, fallback string) (Message, bool) {
		text := rule.Message
		if text == "" {
			text = fallback
		}
		return Message{FieldID: id, Code: code, Severity: Severity(rule.EffectiveSeverity()), Message: text}, true
	}
	limit, _ := template.ToFloat(rule.Value)

	switch rule.Type {
	case template.RuleMinLength:
		if s, ok := value.(string); ok && utf8.RuneCountInString(strings.TrimSpace(s)) < int(limit) {
			return msg(CodeMinLength, fmt.Sprintf("%s must be at least %d characters", label, int(limit)))
		}
	case template.RuleMaxLength:
		if s, ok := value.(string); ok && utf8.RuneCountInString(strings.TrimSpace(s)) > int(limit) {
			return msg(CodeMaxLength, fmt.Sprintf("%s must be at most %d characters", label, int(limit)))
		}
	case template.RulePattern:
		expr, _ := rule.Value.(string)
		s, ok := value.(string)
		if !ok || expr == "" {
			break
		}
		re, err := p.tpl.Pattern(expr)
		if err == nil && !re.MatchString(s) {
			return msg(CodePattern, fmt.Sprintf("%s has an invalid format", label))
		}
	case template.RuleMinValue:
		if n, ok := template.ToFloat(value); ok && n < limit {
			return msg(CodeRange, fmt.Sprintf("%s must be at least %v", label, limit))
		}
	case template.RuleMaxValue:
		if n, ok := template.ToFloat(value); ok && n > limit {
			return msg(CodeRange, fmt.Sprintf("%s must be at most %v", label, limit))
		}
	case template.RuleNotFuture:
		ts, ok := parseTemporal(value)
		if !ok {
			break
		}
		today := p.today.UTC()
		if s, _ := value.(string); len(strings.TrimSpace(s)) == len(time.DateOnly) {
			endOfDay := time.Date(today.Year(), today.Month(), today.Day(), 23, 59, 59, 0, time.UTC)
			if ts.After(endOfDay) {
				return msg(CodeFutureDate, fmt.Sprintf("%s is in the future", label))
			}
		} else if ts.After(today) {
			return msg(CodeFutureDate, fmt.Sprintf("%s is in the future", label))
		}
	}
	return Message{}, false
}

// crossRules applies section-level or global rules whose condition holds.
func (p *pass) crossRules(rules []template.Rule, sectionID string, scope map[string]any) {
	for _, rule := range rules {
		if rule.Type != template.RuleRequiredIf && rule.Condition != nil && !rule.Condition.Evaluate(scope) {
			continue
		}
		for _, m := range p.crossRule(rule, scope) {
			m.SectionID = sectionID
			p.result.add(m)
		}
	}
}

// crossRule evaluates one multi-field rule.
func (p *pass) crossRule(rule template.Rule, scope map[string]any) []Message {
	sev := Severity(rule.EffectiveSeverity())
	text := func(fallback string) string {
		if rule.Message != "" {
			return rule.Message
		}
		return fallback
	}
	label := func(id string) string {
		if ref, ok := p.tpl.Field(id); ok {
			return ref.Field.Label
		}
		return id
	}
	targets := rule.TargetFields

	switch rule.Type {
	case template.RuleRequiredIf:
		if rule.Condition == nil || !rule.Condition.Evaluate(scope) {
			return nil
		}
		var out []Message
		for _, id := range targets {
			if template.IsEmpty(scope[id]) {
				out = append(out, Message{FieldID: id, Code: CodeRequired, Severity: sev,
					Message: text(fmt.Sprintf("%s is required", label(id)))})
			}
		}
		return out
	case template.RuleAtLeastOne:
		for _, id := range targets {
			if !template.IsEmpty(scope[id]) {
				return nil
			}
		}
		if len(targets) == 0 {
			return nil
		}
		return []Message{{FieldID: targets[0], Code: CodeCrossField, Severity: sev,
			Message: text("Provide at least one of: " + strings.Join(targets, ", "))}}
	case template.RuleFieldOrder:
		if len(targets) != 2 {
			return nil
		}
		a, b := scope[targets[0]], scope[targets[1]]
		if template.IsEmpty(a) || template.IsEmpty(b) {
			return nil
		}
		if ta, okA := parseTemporal(a); okA {
			if tb, okB := parseTemporal(b); okB && ta.After(tb) {
				return []Message{{FieldID: targets[1], Code: CodeCrossField, Severity: sev,
					Message: text(fmt.Sprintf("%s must not be before %s", label(targets[1]), label(targets[0])))}}
			}
			return nil
		}
		na, okA := template.ToFloat(a)
		nb, okB := template.ToFloat(b)
		if okA && okB && na > nb {
			return []Message{{FieldID: targets[1], Code: CodeCrossField, Severity: sev,
				Message: text(fmt.Sprintf("%s must not be less than %s", label(targets[1]), label(targets[0])))}}
		}
	case template.RuleMaxDuration:
		if len(targets) != 2 {
			return nil
		}
		hours, _ := template.ToFloat(rule.Value)
		ta, okA := parseTemporal(scope[targets[0]])
		tb, okB := parseTemporal(scope[targets[1]])
		if okA && okB && tb.Sub(ta) > time.Duration(hours*float64(time.Hour)) {
			return []Message{{FieldID: targets[1], Code: CodeCrossField, Severity: sev,
				Message: text(fmt.Sprintf("%s and %s may be at most %v hours apart", label(targets[0]), label(targets[1]), hours))}}
		}
	case template.RuleCustom:
	default:
		var out []Message
		for _, id := range targets {
			value := scope[id]
			if template.IsEmpty(value) {
				continue
			}
			if m, bad := p.fieldRule(rule, id, label(id), value); bad {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
