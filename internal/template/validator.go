package template

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)

// Issue is one template well-formedness problem.
type Issue struct {
	Path    string
	Message string
}

// String renders the issue with its location.
func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationError collects every issue found in one template.
type ValidationError struct {
	TemplateID string
	Issues     []Issue
}

// Error renders the first few issues.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, 3)
	for i, issue := range e.Issues {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Issues)-3))
			break
		}
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("template %q is invalid: %s", e.TemplateID, strings.Join(parts, "; "))
}

// Validate checks template well-formedness. It returns nil or a *ValidationError.
func Validate(t *Template) error {
	v := &templateValidator{
		tpl:      t,
		fields:   map[string]FieldRef{},
		sections: map[string]bool{},
	}
	v.run()
	if len(v.issues) == 0 {
		return nil
	}
	return &ValidationError{TemplateID: t.TemplateID, Issues: v.issues}
}

// templateValidator accumulates issues while walking one template.
type templateValidator struct {
	tpl      *Template
	fields   map[string]FieldRef
	sections map[string]bool
	issues   []Issue
}

// addf records one issue.
func (v *templateValidator) addf(path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// run executes every check in a fixed order.
func (v *templateValidator) run() {
	t := v.tpl
	if strings.TrimSpace(t.TemplateID) == "" {
		v.addf("$.template_id", "must not be empty")
	}
	if !t.FormType.Valid() {
		v.addf("$.form_type", "unknown form type %q", t.FormType)
	}
	if strings.TrimSpace(t.Title) == "" {
		v.addf("$.title", "must not be empty")
	}
	if !semverPattern.MatchString(t.Version) {
		v.addf("$.version", "%q is not major.minor[.patch]", t.Version)
	}
	switch t.Metadata.Status {
	case "", StatusDraft, StatusPublished, StatusDeprecated, StatusArchived:
	default:
		v.addf("$.metadata.status", "unknown status %q", t.Metadata.Status)
	}
	if len(t.Sections) == 0 {
		v.addf("$.sections", "at least one section is required")
	}

	// Index first so references can point forward.
	for _, ref := range t.Fields() {
		if _, dup := v.fields[ref.Field.ID]; dup && ref.Field.ID != "" {
			v.addf("$.fields."+ref.Field.ID, "duplicate field id")
			continue
		}
		v.fields[ref.Field.ID] = ref
	}
	v.indexSections(t.Sections, "$.sections")

	v.checkSections(t.Sections, "$.sections")
	for i, rule := range t.ValidationRules {
		v.checkCrossRule(rule, fmt.Sprintf("$.validation_rules[%d]", i))
	}
	for i, cr := range t.ConditionalLogic {
		v.checkConditional(cr, fmt.Sprintf("$.conditional_logic[%d]", i))
	}
	for key, value := range t.Defaults {
		ref, ok := v.fields[key]
		if !ok {
			v.addf("$.defaults."+key, "references unknown field")
			continue
		}
		if err := CheckValue(ref.Field.Type, value); err != nil {
			v.addf("$.defaults."+key, "incompatible default: %v", err)
		}
	}
}

// indexSections records section ids and flags duplicates.
func (v *templateValidator) indexSections(sections []Section, path string) {
	for i, sec := range sections {
		p := fmt.Sprintf("%s[%d]", path, i)
		if strings.TrimSpace(sec.ID) == "" {
			v.addf(p+".id", "must not be empty")
		} else if v.sections[sec.ID] {
			v.addf(p+".id", "duplicate section id %q", sec.ID)
		}
		v.sections[sec.ID] = true
		v.indexSections(sec.Subsections, p+".subsections")
	}
}

// checkSections validates section shape, fields and section rules.
func (v *templateValidator) checkSections(sections []Section, path string) {
	for i, sec := range sections {
		p := fmt.Sprintf("%s[%d]", path, i)
		if strings.TrimSpace(sec.Title) == "" {
			v.addf(p+".title", "must not be empty")
		}
		if len(sec.Fields) == 0 && len(sec.Subsections) == 0 {
			v.addf(p, "section has no fields")
		}
		if sec.MaxRepetitions < 0 {
			v.addf(p+".max_repetitions", "must not be negative")
		}
		if sec.MaxRepetitions > 0 && !sec.Repeatable {
			v.addf(p+".max_repetitions", "set on a non-repeatable section")
		}
		if sec.DisplayCondition != nil {
			v.checkCondition(*sec.DisplayCondition, p+".display_condition")
		}
		for j, f := range sec.Fields {
			v.checkField(f, fmt.Sprintf("%s.fields[%d]", p, j))
		}
		for j, rule := range sec.ValidationRules {
			v.checkCrossRule(rule, fmt.Sprintf("%s.validation_rules[%d]", p, j))
		}
		v.checkSections(sec.Subsections, p+".subsections")
	}
}

// checkField validates one field, its descriptor, default and rules.
func (v *templateValidator) checkField(f Field, path string) {
	if strings.TrimSpace(f.ID) == "" {
		v.addf(path+".id", "must not be empty")
	}
	if strings.TrimSpace(f.Label) == "" {
		v.addf(path+".label", "must not be empty")
	}
	v.checkFieldType(f.Type, path+".field_type", true)
	if f.Default != nil {
		if err := CheckValue(f.Type, f.Default); err != nil {
			v.addf(path+".default", "incompatible default: %v", err)
		}
	}
	if f.DisplayCondition != nil {
		v.checkCondition(*f.DisplayCondition, path+".display_condition")
	}
	for i, rule := range f.ValidationRules {
		v.checkFieldRule(rule, f.Type.Kind, fmt.Sprintf("%s.validation_rules[%d]", path, i))
	}
}

// checkFieldType verifies descriptor bounds are internally consistent.
func (v *templateValidator) checkFieldType(ft FieldType, path string, allowTable bool) {
	if !ft.Kind.Known() {
		v.addf(path+".type", "unknown field type %q", ft.Kind)
		return
	}
	if s := ft.Text; s != nil {
		if s.MinLength != nil && *s.MinLength < 0 {
			v.addf(path+".min_length", "must not be negative")
		}
		if s.MinLength != nil && s.MaxLength != nil && *s.MinLength > *s.MaxLength {
			v.addf(path, "min_length %d exceeds max_length %d", *s.MinLength, *s.MaxLength)
		}
		if s.Pattern != "" {
			if _, err := regexp.Compile(s.Pattern); err != nil {
				v.addf(path+".pattern", "invalid regex: %v", err)
			}
		}
	}
	if s := ft.Number; s != nil {
		if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
			v.addf(path, "min %v exceeds max %v", *s.Min, *s.Max)
		}
		if s.Step != nil && *s.Step <= 0 {
			v.addf(path+".step", "must be positive")
		}
		if s.DecimalPlaces != nil && *s.DecimalPlaces < 0 {
			v.addf(path+".decimal_places", "must not be negative")
		}
	}
	if s := ft.Choice; s != nil || ft.Kind == KindSelect || ft.Kind == KindRadio || ft.Kind == KindCheckboxGroup {
		if s == nil || len(s.Options) == 0 {
			v.addf(path+".options", "must not be empty")
		} else {
			seen := map[string]bool{}
			for i, opt := range s.Options {
				if strings.TrimSpace(opt.Value) == "" {
					v.addf(fmt.Sprintf("%s.options[%d]", path, i), "empty option value")
				}
				if seen[opt.Value] {
					v.addf(fmt.Sprintf("%s.options[%d]", path, i), "duplicate option value %q", opt.Value)
				}
				seen[opt.Value] = true
			}
		}
	}
	if s := ft.Coordinates; s != nil {
		switch s.Format {
		case CoordinatesDecimal, CoordinatesDMS, CoordinatesUTM, CoordinatesMGRS:
		default:
			v.addf(path+".format", "unknown coordinate format %q", s.Format)
		}
	}
	if s := ft.Frequency; s != nil {
		switch s.Unit {
		case UnitHz, UnitKHz, UnitMHz, UnitGHz:
		default:
			v.addf(path+".unit", "unknown frequency unit %q", s.Unit)
		}
		if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
			v.addf(path, "min %v exceeds max %v", *s.Min, *s.Max)
		}
	}
	if s := ft.File; s != nil && s.MaxSizeMB < 0 {
		v.addf(path+".max_size_mb", "must not be negative")
	}
	if s := ft.Table; s != nil || ft.Kind == KindTable {
		if !allowTable {
			v.addf(path, "tables cannot nest")
			return
		}
		if s == nil || len(s.Columns) == 0 {
			v.addf(path+".columns", "must not be empty")
			return
		}
		seen := map[string]bool{}
		for i, col := range s.Columns {
			cp := fmt.Sprintf("%s.columns[%d]", path, i)
			if strings.TrimSpace(col.ID) == "" {
				v.addf(cp+".id", "must not be empty")
			}
			if seen[col.ID] {
				v.addf(cp+".id", "duplicate column id %q", col.ID)
			}
			seen[col.ID] = true
			v.checkFieldType(col.Type, cp+".field_type", false)
		}
		if s.MinRows != nil && *s.MinRows < 0 {
			v.addf(path+".min_rows", "must not be negative")
		}
		if s.MinRows != nil && s.MaxRows != nil && *s.MinRows > *s.MaxRows {
			v.addf(path, "min_rows %d exceeds max_rows %d", *s.MinRows, *s.MaxRows)
		}
	}
}

// fieldRuleKinds lists which field kinds accept each field-level rule.
var fieldRuleKinds = map[RuleType][]FieldKind{
	RuleMinLength: {KindText, KindTextarea},
	RuleMaxLength: {KindText, KindTextarea},
	RulePattern:   {KindText, KindTextarea, KindEmail, KindPhone},
	RuleMinValue:  {KindNumber, KindFrequency},
	RuleMaxValue:  {KindNumber, KindFrequency},
	RuleNotFuture: {KindDate, KindDateTime},
}

// checkFieldRule validates a rule attached directly to a field.
func (v *templateValidator) checkFieldRule(rule Rule, kind FieldKind, path string) {
	if rule.Type == RuleCustom {
		return
	}
	kinds, ok := fieldRuleKinds[rule.Type]
	if !ok {
		v.addf(path+".type", "rule %q is not a field-level rule", rule.Type)
		return
	}
	if !slices.Contains(kinds, kind) {
		v.addf(path+".type", "rule %q does not apply to %s fields", rule.Type, kind)
	}
	v.checkRuleValue(rule, path)
	v.checkRuleSeverity(rule, path)
}

// checkRuleValue validates the operand of field-level rules.
func (v *templateValidator) checkRuleValue(rule Rule, path string) {
	switch rule.Type {
	case RuleMinLength, RuleMaxLength:
		n, ok := toFloat(rule.Value)
		if !ok || n < 0 || n != float64(int(n)) {
			v.addf(path+".value", "must be a non-negative integer")
		}
	case RulePattern:
		expr, ok := rule.Value.(string)
		if !ok || expr == "" {
			v.addf(path+".value", "must be a regex string")
		} else if _, err := regexp.Compile(expr); err != nil {
			v.addf(path+".value", "invalid regex: %v", err)
		}
	case RuleMinValue, RuleMaxValue:
		if _, ok := toFloat(rule.Value); !ok {
			v.addf(path+".value", "must be numeric")
		}
	}
}

// checkRuleSeverity rejects unknown severities.
func (v *templateValidator) checkRuleSeverity(rule Rule, path string) {
	switch rule.Severity {
	case "", SeverityError, SeverityWarning, SeverityInfo:
	default:
		v.addf(path+".severity", "unknown severity %q", rule.Severity)
	}
}

// checkCrossRule validates a section-level or global rule.
func (v *templateValidator) checkCrossRule(rule Rule, path string) {
	v.checkRuleSeverity(rule, path)
	for _, id := range rule.TargetFields {
		if _, ok := v.fields[id]; !ok {
			v.addf(path+".target_fields", "unknown field %q", id)
		}
	}
	if rule.Condition != nil {
		v.checkCondition(*rule.Condition, path+".condition")
	}
	switch rule.Type {
	case RuleRequiredIf:
		if rule.Condition == nil {
			v.addf(path+".condition", "required_if needs a condition")
		}
		if len(rule.TargetFields) == 0 {
			v.addf(path+".target_fields", "must not be empty")
		}
	case RuleAtLeastOne:
		if len(rule.TargetFields) == 0 {
			v.addf(path+".target_fields", "must not be empty")
		}
	case RuleFieldOrder:
		if len(rule.TargetFields) != 2 {
			v.addf(path+".target_fields", "field_order needs exactly two fields")
		}
	case RuleMaxDuration:
		if len(rule.TargetFields) != 2 {
			v.addf(path+".target_fields", "max_duration_hours needs exactly two fields")
		}
		if n, ok := toFloat(rule.Value); !ok || n <= 0 {
			v.addf(path+".value", "must be a positive number of hours")
		}
	case RuleCustom:
	default:
		kinds, ok := fieldRuleKinds[rule.Type]
		if !ok {
			v.addf(path+".type", "unknown rule type %q", rule.Type)
			return
		}
		if len(rule.TargetFields) == 0 {
			v.addf(path+".target_fields", "must not be empty")
		}
		for _, id := range rule.TargetFields {
			if ref, ok := v.fields[id]; ok && !slices.Contains(kinds, ref.Field.Type.Kind) {
				v.addf(path+".type", "rule %q does not apply to %s field %q", rule.Type, ref.Field.Type.Kind, id)
			}
		}
		v.checkRuleValue(rule, path)
	}
}

// checkCondition validates shape and that every referenced field exists.
func (v *templateValidator) checkCondition(c Condition, path string) {
	if err := c.validate(); err != nil {
		v.addf(path, "%v", err)
		return
	}
	for _, id := range c.Fields() {
		if _, ok := v.fields[rootField(id)]; !ok {
			v.addf(path, "references unknown field %q", id)
		}
	}
}

// checkConditional validates a conditional rule and its action targets.
func (v *templateValidator) checkConditional(cr ConditionalRule, path string) {
	v.checkCondition(cr.Condition, path+".condition")
	if len(cr.Actions) == 0 {
		v.addf(path+".actions", "must not be empty")
	}
	for i, act := range cr.Actions {
		ap := fmt.Sprintf("%s.actions[%d]", path, i)
		switch act.Type {
		case ActionShowField, ActionHideField, ActionRequireField, ActionUnrequireField:
			if _, ok := v.fields[act.Target]; !ok {
				v.addf(ap+".target", "unknown field %q", act.Target)
			}
		case ActionSetValue:
			ref, ok := v.fields[act.Target]
			if !ok {
				v.addf(ap+".target", "unknown field %q", act.Target)
			} else if err := CheckValue(ref.Field.Type, act.Value); err != nil {
				v.addf(ap+".value", "incompatible value: %v", err)
			}
		case ActionShowSection, ActionHideSection:
			if !v.sections[act.Target] {
				v.addf(ap+".target", "unknown section %q", act.Target)
			}
		default:
			v.addf(ap+".type", "unknown action %q", act.Type)
		}
	}
}

// rootField strips a dotted sub-path from a field reference.
func rootField(id string) string {
	head, _, _ := strings.Cut(id, ".")
	return head
}
