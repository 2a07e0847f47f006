package validation

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/hylla/icsforms/internal/fingerprint"
	"github.com/hylla/icsforms/internal/template"
)

// Default budgets for full-form and single-field validation.
const (
	DefaultFullBudget   = 500 * time.Millisecond
	DefaultFieldBudget  = 100 * time.Millisecond
	DefaultCacheEntries = 256
)

// Config tunes a Validator. A negative CacheEntries disables result caching.
type Config struct {
	FullBudget   time.Duration
	FieldBudget  time.Duration
	CacheEntries int
	Clock        func() time.Time
}

// Validator runs template-driven validation. It is safe for concurrent use.
type Validator struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]Result
	order []string
}

// New constructs a validator, filling unset config with defaults.
func New(cfg Config) *Validator {
	if cfg.FullBudget <= 0 {
		cfg.FullBudget = DefaultFullBudget
	}
	if cfg.FieldBudget <= 0 {
		cfg.FieldBudget = DefaultFieldBudget
	}
	switch {
	case cfg.CacheEntries == 0:
		cfg.CacheEntries = DefaultCacheEntries
	case cfg.CacheEntries < 0:
		cfg.CacheEntries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Validator{cfg: cfg, cache: map[string]Result{}}
}

// ValidateForm validates a whole form-data document against tpl.
func (v *Validator) ValidateForm(tpl *template.Template, data map[string]any) Result {
	key := v.cacheKey(tpl, data)
	if cached, ok := v.cached(key); ok {
		return cached
	}

	start := time.Now()
	run := &pass{
		v:        v,
		tpl:      tpl,
		data:     data,
		deadline: start.Add(v.cfg.FullBudget),
		today:    v.cfg.Clock(),
		result:   Result{TemplateID: tpl.TemplateID, TemplateVersion: tpl.Version},
	}
	run.sections(tpl.Sections)
	if !run.result.BudgetExceeded {
		run.crossRules(tpl.ValidationRules, "", data)
		for _, cr := range tpl.ConditionalLogic {
			if cr.Condition.Evaluate(data) {
				run.result.Actions = append(run.result.Actions, cr.Actions...)
			}
		}
	}
	run.result.Elapsed = time.Since(start)
	run.result.finish()
	if run.result.IsSubmittable && !run.result.BudgetExceeded {
		run.result.add(Message{Code: CodeReady, Severity: SeveritySuccess, Message: "Form is ready for submission"})
	}
	if !run.result.BudgetExceeded {
		v.store(key, run.result)
	}
	return run.result.clone()
}

// ValidateField validates one field value in the context of the rest of the form.
func (v *Validator) ValidateField(tpl *template.Template, fieldID string, value any, data map[string]any) (Result, error) {
	ref, ok := tpl.Field(fieldID)
	if !ok {
		return Result{}, fmt.Errorf("template %s has no field %q", tpl.TemplateID, fieldID)
	}
	merged := maps.Clone(data)
	if merged == nil {
		merged = map[string]any{}
	}
	merged[fieldID] = value

	start := time.Now()
	run := &pass{
		v:        v,
		tpl:      tpl,
		data:     merged,
		deadline: start.Add(v.cfg.FieldBudget),
		today:    v.cfg.Clock(),
		result:   Result{TemplateID: tpl.TemplateID, TemplateVersion: tpl.Version},
	}
	run.field(*ref.Field, value, ref.Section.ID, merged)
	run.result.Elapsed = time.Since(start)
	if run.result.Elapsed > v.cfg.FieldBudget {
		run.result.BudgetExceeded = true
	}
	run.result.finish()
	return run.result, nil
}

// cacheKey fingerprints template identity, data and the validation date.
func (v *Validator) cacheKey(tpl *template.Template, data map[string]any) string {
	if v.cfg.CacheEntries == 0 {
		return ""
	}
	sum, _, err := fingerprint.Of(fingerprint.DomainValidation, map[string]any{
		"template": tpl.TemplateID,
		"version":  tpl.Version,
		"checksum": tpl.Checksum(),
		"day":      v.cfg.Clock().UTC().Format(time.DateOnly),
		"data":     data,
	})
	if err != nil {
		return ""
	}
	return sum
}

// cached returns a copy of a cached result.
func (v *Validator) cached(key string) (Result, bool) {
	if key == "" {
		return Result{}, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	res, ok := v.cache[key]
	if !ok {
		return Result{}, false
	}
	return res.clone(), true
}

// store inserts a result, evicting the oldest entry when full.
func (v *Validator) store(key string, res Result) {
	if key == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.cache[key]; ok {
		return
	}
	for len(v.order) >= v.cfg.CacheEntries {
		delete(v.cache, v.order[0])
		v.order = v.order[1:]
	}
	v.cache[key] = res.clone()
	v.order = append(v.order, key)
}

// CacheLen reports how many results are cached.
func (v *Validator) CacheLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}

// pass holds the state of one validation run.
type pass struct {
	v        *Validator
	tpl      *template.Template
	data     map[string]any
	deadline time.Time
	today    time.Time
	result   Result
}

// overBudget marks the result once the deadline passes.
func (p *pass) overBudget() bool {
	if p.result.BudgetExceeded {
		return true
	}
	if time.Now().After(p.deadline) {
		p.result.BudgetExceeded = true
		p.result.add(Message{
			Code:     CodeBudgetExceeded,
			Severity: SeverityWarning,
			Message:  "Validation stopped early: time budget exceeded",
		})
		return true
	}
	return false
}

// sections walks sections depth-first.
func (p *pass) sections(sections []template.Section) {
	for _, sec := range sections {
		if p.overBudget() {
			return
		}
		if sec.DisplayCondition != nil && !sec.DisplayCondition.Evaluate(p.data) {
			continue
		}
		if sec.Repeatable {
			p.repeatable(sec)
		} else {
			if sec.Required && sectionEmpty(sec, p.data) {
				p.result.add(Message{
					SectionID: sec.ID,
					Code:      CodeSectionRequired,
					Severity:  SeverityError,
					Message:   fmt.Sprintf("Section %q is required", sec.Title),
				})
			}
			for _, f := range sec.Fields {
				p.field(f, p.data[f.ID], sec.ID, p.data)
			}
			p.crossRules(sec.ValidationRules, sec.ID, p.data)
		}
		p.sections(sec.Subsections)
	}
}

// repeatable validates each entry of a repeatable section.
func (p *pass) repeatable(sec template.Section) {
	entries, _ := p.data[sec.ID].([]any)
	if sec.Required && len(entries) == 0 {
		p.result.add(Message{
			SectionID: sec.ID,
			Code:      CodeSectionRequired,
			Severity:  SeverityError,
			Message:   fmt.Sprintf("Section %q needs at least one entry", sec.Title),
		})
	}
	if sec.MaxRepetitions > 0 && len(entries) > sec.MaxRepetitions {
		p.result.add(Message{
			SectionID: sec.ID,
			Code:      CodeTooManyRepetitions,
			Severity:  SeverityError,
			Message:   fmt.Sprintf("Section %q allows at most %d entries", sec.Title, sec.MaxRepetitions),
		})
	}
	for i, raw := range entries {
		entry, _ := raw.(map[string]any)
		scope := maps.Clone(p.data)
		maps.Copy(scope, entry)
		sectionID := fmt.Sprintf("%s[%d]", sec.ID, i)
		for _, f := range sec.Fields {
			p.field(f, entry[f.ID], sectionID, scope)
		}
		p.crossRules(sec.ValidationRules, sectionID, scope)
	}
}

// sectionEmpty reports whether every direct field of the section is empty.
func sectionEmpty(sec template.Section, data map[string]any) bool {
	for _, f := range sec.Fields {
		if !template.IsEmpty(data[f.ID]) {
			return false
		}
	}
	return true
}

// field validates one field value.
func (p *pass) field(f template.Field, value any, sectionID string, scope map[string]any) {
	if f.DisplayCondition != nil && !f.DisplayCondition.Evaluate(scope) {
		return
	}
	p.result.Summary.TotalFields++
	if template.IsEmpty(value) {
		if f.Required {
			p.result.add(Message{
				FieldID:    f.ID,
				SectionID:  sectionID,
				Code:       CodeRequired,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("%s is required", f.Label),
				Suggestion: f.HelpText,
			})
		}
		return
	}
	p.result.Summary.FilledFields++
	for _, m := range p.checkValue(f.ID, f.Label, f.Type, value) {
		m.SectionID = sectionID
		p.result.add(m)
	}
	for _, rule := range f.ValidationRules {
		if rule.Condition != nil && !rule.Condition.Evaluate(scope) {
			continue
		}
		if m, bad := p.fieldRule(rule, f.ID, f.Label, value); bad {
			m.SectionID = sectionID
			p.result.add(m)
		}
	}
}
