package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/template"
	"github.com/hylla/icsforms/internal/validation"
)

// AutoSaveSettingsKey is the settings row holding the auto-save configuration.
const AutoSaveSettingsKey = "auto_save"

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	RecoveryDir string
}

// Clock returns the current time.
type Clock func() time.Time

// Service implements the core form operations on top of a Repository.
type Service struct {
	repo      Repository
	templates TemplateSource
	validator *validation.Validator
	clock     Clock
	cfg       ServiceConfig
	autosave  AutoSaveController
}

// NewService constructs a new value for this package.
func NewService(repo Repository, templates TemplateSource, validator *validation.Validator, clock Clock, cfg ServiceConfig) *Service {
	if clock == nil {
		clock = time.Now
	}
	if validator == nil {
		validator = validation.New(validation.Config{Clock: clock})
	}
	return &Service{
		repo:      repo,
		templates: templates,
		validator: validator,
		clock:     clock,
		cfg:       cfg,
	}
}

// AttachAutoSave connects the running auto-save service for live reconfiguration.
func (s *Service) AttachAutoSave(ctrl AutoSaveController) {
	s.autosave = ctrl
}

// CreateFormInput holds input values for create form operations.
type CreateFormInput struct {
	FormType               domain.FormType         `json:"form_type"`
	IncidentName           string                  `json:"incident_name"`
	IncidentNumber         string                  `json:"incident_number,omitempty"`
	PreparerName           string                  `json:"preparer_name,omitempty"`
	Notes                  string                  `json:"notes,omitempty"`
	OperationalPeriodStart *time.Time              `json:"operational_period_start,omitempty"`
	OperationalPeriodEnd   *time.Time              `json:"operational_period_end,omitempty"`
	Priority               domain.Priority         `json:"priority,omitempty"`
	WorkflowPosition       domain.WorkflowPosition `json:"workflow_position,omitempty"`
	Data                   map[string]any          `json:"data,omitempty"`
	TemplateID             string                  `json:"template_id,omitempty"`
	ChangedBy              string                  `json:"changed_by,omitempty"`
}

// CreateForm validates the request, seeds defaults and persists a draft at version 1.
func (s *Service) CreateForm(ctx context.Context, in CreateFormInput) (domain.Form, error) {
	now := s.clock()
	data, err := normalizeData(in.Data)
	if err != nil {
		return domain.Form{}, err
	}
	form, err := domain.NewForm(domain.FormInput{
		FormType:               in.FormType,
		IncidentName:           in.IncidentName,
		IncidentNumber:         in.IncidentNumber,
		PreparerName:           in.PreparerName,
		Notes:                  in.Notes,
		OperationalPeriodStart: in.OperationalPeriodStart,
		OperationalPeriodEnd:   in.OperationalPeriodEnd,
		Priority:               in.Priority,
		WorkflowPosition:       in.WorkflowPosition,
		Data:                   data,
	}, now)
	if err != nil {
		return domain.Form{}, FromDomain(err)
	}

	tpl, _ := s.template(form.FormType)
	if id := strings.TrimSpace(in.TemplateID); id != "" && (tpl == nil || tpl.TemplateID != id) {
		return domain.Form{}, ValidationFailed("template_id", fmt.Sprintf("template %q does not serve %s", id, form.FormType))
	}
	seedDefaults(form.Data, form, now)
	if tpl != nil {
		for key, value := range tpl.Defaults {
			if _, ok := form.Data[key]; !ok {
				form.Data[key] = value
			}
		}
		if err := validation.CheckStructure(tpl, form.Data); err != nil {
			return domain.Form{}, structureError(err)
		}
	}

	created, err := s.repo.CreateForm(ctx, form, changedBy(ctx, in.ChangedBy))
	if err != nil {
		return domain.Form{}, FromDomain(err)
	}
	return created, nil
}

// seedDefaults fills the header and footer keys every ICS form shares.
// Envelope identity always wins; the rest only fill absent keys.
func seedDefaults(data map[string]any, f domain.Form, now time.Time) {
	data["incident_name"] = f.IncidentName
	data["form_type"] = string(f.FormType)
	setIfAbsent := func(key string, value any) {
		if _, ok := data[key]; !ok {
			data[key] = value
		}
	}
	local := now.UTC()
	setIfAbsent("date_prepared", local.Format(time.DateOnly))
	setIfAbsent("time_prepared", local.Format("15:04"))
	if f.PreparerName != "" {
		setIfAbsent("preparer_name", f.PreparerName)
	}
	if f.IncidentNumber != "" {
		setIfAbsent("incident_number", f.IncidentNumber)
	}
	if f.OperationalPeriodStart != nil {
		setIfAbsent("operational_period_from", f.OperationalPeriodStart.Format(time.RFC3339))
	}
	if f.OperationalPeriodEnd != nil {
		setIfAbsent("operational_period_to", f.OperationalPeriodEnd.Format(time.RFC3339))
	}
}

// GetForm returns one form by id.
func (s *Service) GetForm(ctx context.Context, id int64) (domain.Form, error) {
	if id <= 0 {
		return domain.Form{}, ValidationFailed("id", "form id must be positive")
	}
	return s.repo.GetForm(ctx, id)
}

// UpdateForm applies a patch under optimistic locking. Moving to completed or
// final re-runs full validation inside the transaction.
func (s *Service) UpdateForm(ctx context.Context, id int64, patch domain.FormPatch) (domain.Form, error) {
	if id <= 0 {
		return domain.Form{}, ValidationFailed("id", "form id must be positive")
	}
	if patch.Empty() {
		return domain.Form{}, ValidationFailed("patch", "update has no fields to change")
	}
	if patch.Data != nil {
		data, err := normalizeData(patch.Data)
		if err != nil {
			return domain.Form{}, err
		}
		patch.Data = data
	}

	updated, err := s.repo.UpdateForm(ctx, FormUpdate{
		ID:        id,
		Patch:     patch,
		At:        s.clock(),
		ChangedBy: changedBy(ctx, patch.ChangedBy),
		Hook:      s.updateHook(patch),
	})
	if err != nil {
		return domain.Form{}, FromDomain(err)
	}
	return updated, nil
}

// updateHook keeps data in step with the envelope and gates completion on validation.
func (s *Service) updateHook(patch domain.FormPatch) UpdateHook {
	return func(current domain.Form, next *domain.Form) error {
		if next.Data == nil {
			next.Data = map[string]any{}
		}
		if patch.IncidentName != nil {
			next.Data["incident_name"] = next.IncidentName
		}
		if patch.IncidentNumber != nil && next.IncidentNumber != "" {
			next.Data["incident_number"] = next.IncidentNumber
		}
		if patch.PreparerName != nil && next.PreparerName != "" {
			next.Data["preparer_name"] = next.PreparerName
		}
		if patch.ApprovedBy != nil && next.ApprovedBy != "" {
			next.Data["approved_by"] = next.ApprovedBy
		}

		tpl, ok := s.template(next.FormType)
		if !ok {
			return nil
		}
		if err := validation.CheckStructure(tpl, next.Data); err != nil {
			return structureError(err)
		}
		if next.Status == current.Status || (next.Status != domain.StatusCompleted && next.Status != domain.StatusFinal) {
			return nil
		}
		res := s.validator.ValidateEnvelope(tpl, *next)
		if raw, err := json.Marshal(res); err == nil {
			next.ValidationResults = raw
		}
		if len(res.Errors) > 0 {
			e := BusinessRule(fmt.Sprintf("form is not complete enough to mark %s", next.Status))
			e.Details = summarizeMessages(res.Errors, 3)
			return e
		}
		return nil
	}
}

// summarizeMessages joins up to n messages for error details.
func summarizeMessages(msgs []validation.Message, n int) string {
	parts := make([]string, 0, n)
	for i, m := range msgs {
		if i == n {
			parts = append(parts, fmt.Sprintf("and %d more", len(msgs)-n))
			break
		}
		parts = append(parts, m.Message)
	}
	return strings.Join(parts, "; ")
}

// SaveFormData persists a data-only patch; auto-save uses this entry point.
func (s *Service) SaveFormData(ctx context.Context, id int64, data map[string]any, expectedVersion int64) (domain.Form, error) {
	return s.UpdateForm(ctx, id, domain.FormPatch{
		Data:            data,
		ExpectedVersion: &expectedVersion,
	})
}

// DeleteForm removes a form and its dependents. Final or referenced forms need force.
func (s *Service) DeleteForm(ctx context.Context, id int64, force bool) (bool, error) {
	if id <= 0 {
		return false, ValidationFailed("id", "form id must be positive")
	}
	return s.repo.DeleteForm(ctx, id, force)
}

// SearchForms runs a filtered, paged search.
func (s *Service) SearchForms(ctx context.Context, filter FormFilter) (SearchResult, error) {
	if filter.FormType != "" && !filter.FormType.Valid() {
		return SearchResult{}, ValidationFailed("form_type", fmt.Sprintf("unknown form type %q", filter.FormType))
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return SearchResult{}, ValidationFailed("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return SearchResult{}, ValidationFailed("priority", fmt.Sprintf("unknown priority %q", filter.Priority))
	}
	if filter.WorkflowPosition != "" && !filter.WorkflowPosition.Valid() {
		return SearchResult{}, ValidationFailed("workflow_position", fmt.Sprintf("unknown workflow position %q", filter.WorkflowPosition))
	}
	if filter.OrderBy != "" && !filter.OrderBy.Valid() {
		return SearchResult{}, ValidationFailed("order_by", fmt.Sprintf("cannot order by %q", filter.OrderBy))
	}
	if filter.CreatedFrom != nil && filter.CreatedTo != nil && filter.CreatedTo.Before(*filter.CreatedFrom) {
		return SearchResult{}, ValidationFailed("created_to", "date range ends before it starts")
	}
	return s.repo.SearchForms(ctx, filter.Normalize())
}

// GetFormsByIncident lists every form filed under an incident name, oldest first.
func (s *Service) GetFormsByIncident(ctx context.Context, incidentName string) ([]domain.Form, error) {
	incidentName = strings.TrimSpace(incidentName)
	if incidentName == "" {
		return nil, ValidationFailed("incident_name", "incident name is required")
	}
	return s.repo.ListFormsByIncident(ctx, incidentName)
}

// GetRecentForms lists the most recently updated forms.
func (s *Service) GetRecentForms(ctx context.Context, limit int) ([]domain.Form, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = min(limit, MaxSearchLimit)
	return s.repo.ListRecentForms(ctx, limit)
}

// DuplicateForm copies a form's data into a new draft, optionally renaming the incident.
func (s *Service) DuplicateForm(ctx context.Context, id int64, newIncidentName string) (domain.Form, error) {
	src, err := s.GetForm(ctx, id)
	if err != nil {
		return domain.Form{}, err
	}
	data := maps.Clone(src.Data)
	for _, key := range []string{"date_prepared", "time_prepared", "operational_period_from", "operational_period_to"} {
		delete(data, key)
	}
	name := src.IncidentName
	if v := strings.TrimSpace(newIncidentName); v != "" {
		name = v
	}
	return s.CreateForm(ctx, CreateFormInput{
		FormType:       src.FormType,
		IncidentName:   name,
		IncidentNumber: src.IncidentNumber,
		PreparerName:   src.PreparerName,
		Notes:          src.Notes,
		Priority:       src.Priority,
		Data:           data,
	})
}

// ValidateField validates one field value in the context of the rest of the form.
func (s *Service) ValidateField(_ context.Context, formType domain.FormType, fieldID string, value any, data map[string]any) (validation.Result, error) {
	tpl, err := s.requireTemplate(formType)
	if err != nil {
		return validation.Result{}, err
	}
	res, err := s.validator.ValidateField(tpl, fieldID, value, data)
	if err != nil {
		return validation.Result{}, ValidationFailed("field_id", err.Error())
	}
	return res, nil
}

// ValidateFormInput selects either a stored form or an ad-hoc document.
type ValidateFormInput struct {
	FormID   int64           `json:"form_id,omitempty"`
	FormType domain.FormType `json:"form_type,omitempty"`
	Data     map[string]any  `json:"data,omitempty"`
}

// ValidateForm validates a stored form (with business rules) or ad-hoc data.
func (s *Service) ValidateForm(ctx context.Context, in ValidateFormInput) (validation.Result, error) {
	if in.FormID > 0 {
		form, err := s.GetForm(ctx, in.FormID)
		if err != nil {
			return validation.Result{}, err
		}
		tpl, err := s.requireTemplate(form.FormType)
		if err != nil {
			return validation.Result{}, err
		}
		return s.validator.ValidateEnvelope(tpl, form), nil
	}
	tpl, err := s.requireTemplate(in.FormType)
	if err != nil {
		return validation.Result{}, err
	}
	data, err := normalizeData(in.Data)
	if err != nil {
		return validation.Result{}, err
	}
	return s.validator.ValidateForm(tpl, data), nil
}

// ConfigureAutoSave validates, persists and live-applies auto-save settings.
func (s *Service) ConfigureAutoSave(ctx context.Context, settings AutoSaveSettings) (AutoSaveSettings, error) {
	if settings.RecoveryDir == "" {
		settings.RecoveryDir = s.cfg.RecoveryDir
	}
	if err := settings.Validate(); err != nil {
		return AutoSaveSettings{}, err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return AutoSaveSettings{}, NewError(CategorySerialization, "encode auto-save settings", err)
	}
	if err := s.repo.PutSetting(ctx, AutoSaveSettingsKey, string(raw), s.clock()); err != nil {
		return AutoSaveSettings{}, err
	}
	if s.autosave != nil {
		if err := s.autosave.ApplySettings(settings); err != nil {
			return AutoSaveSettings{}, err
		}
	}
	return settings, nil
}

// AutoSaveSettings returns the persisted settings, or defaults when none are stored.
func (s *Service) AutoSaveSettings(ctx context.Context) (AutoSaveSettings, error) {
	defaults := DefaultAutoSaveSettings(s.cfg.RecoveryDir)
	raw, ok, err := s.repo.GetSetting(ctx, AutoSaveSettingsKey)
	if err != nil || !ok {
		return defaults, err
	}
	settings := defaults
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return defaults, NewError(CategorySerialization, "decode auto-save settings", err)
	}
	return settings, nil
}

// GetDatabaseStats reports store size, counts, pool and transaction counters.
func (s *Service) GetDatabaseStats(ctx context.Context) (DatabaseStats, error) {
	return s.repo.DatabaseStats(ctx)
}

// GetStatusHistory lists a form's status transitions in order.
func (s *Service) GetStatusHistory(ctx context.Context, id int64) ([]domain.StatusHistory, error) {
	if _, err := s.GetForm(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListStatusHistory(ctx, id)
}

// AddRelationship links two forms; edges that would close a cycle are rejected.
func (s *Service) AddRelationship(ctx context.Context, source, target int64, kind domain.RelationKind) (domain.Relationship, error) {
	rel, err := domain.NewRelationship(source, target, kind, s.clock())
	if err != nil {
		return domain.Relationship{}, FromDomain(err)
	}
	created, err := s.repo.CreateRelationship(ctx, rel)
	if err != nil {
		return domain.Relationship{}, FromDomain(err)
	}
	return created, nil
}

// ListRelationships lists edges touching a form in either direction.
func (s *Service) ListRelationships(ctx context.Context, id int64) ([]domain.Relationship, error) {
	if id <= 0 {
		return nil, ValidationFailed("id", "form id must be positive")
	}
	return s.repo.ListRelationships(ctx, id)
}

// RemoveRelationship deletes one edge by id.
func (s *Service) RemoveRelationship(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, ValidationFailed("id", "relationship id must be positive")
	}
	return s.repo.DeleteRelationship(ctx, id)
}

// SignForm stores an opaque signature against a form.
func (s *Service) SignForm(ctx context.Context, id int64, signer, role string, payload []byte) (domain.Signature, error) {
	if id <= 0 {
		return domain.Signature{}, ValidationFailed("id", "form id must be positive")
	}
	signer = strings.TrimSpace(signer)
	if signer == "" {
		return domain.Signature{}, ValidationFailed("signer_name", "signer name is required")
	}
	form, err := s.GetForm(ctx, id)
	if err != nil {
		return domain.Signature{}, err
	}
	if form.Status == domain.StatusArchived {
		return domain.Signature{}, FromDomain(domain.ErrArchivedReadOnly)
	}
	return s.repo.CreateSignature(ctx, domain.Signature{
		FormID:     id,
		SignerName: signer,
		SignerRole: strings.TrimSpace(role),
		Data:       payload,
		SignedAt:   domain.Truncate(s.clock()),
	})
}

// ListSignatures lists signatures for a form, oldest first.
func (s *Service) ListSignatures(ctx context.Context, id int64) ([]domain.Signature, error) {
	if id <= 0 {
		return nil, ValidationFailed("id", "form id must be positive")
	}
	return s.repo.ListSignatures(ctx, id)
}

// SyncTemplates records every loaded template in the store and returns how many were written.
func (s *Service) SyncTemplates(ctx context.Context) (int, error) {
	if s.templates == nil {
		return 0, nil
	}
	now := domain.Truncate(s.clock())
	n := 0
	for _, tpl := range s.templates.All() {
		if err := s.repo.UpsertTemplateRecord(ctx, TemplateRecord{
			TemplateID: tpl.TemplateID,
			FormType:   tpl.FormType,
			Version:    tpl.Version,
			Title:      tpl.Title,
			Checksum:   tpl.Checksum(),
			LoadedAt:   now,
			Rules:      tpl.ValidationRules,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// template resolves the template for a form type when a source is configured.
func (s *Service) template(ft domain.FormType) (*template.Template, bool) {
	if s.templates == nil {
		return nil, false
	}
	return s.templates.Get(ft)
}

// requireTemplate resolves a template or reports a validation error.
func (s *Service) requireTemplate(ft domain.FormType) (*template.Template, error) {
	if !ft.Valid() {
		return nil, ValidationFailed("form_type", fmt.Sprintf("unknown form type %q", ft))
	}
	tpl, ok := s.template(ft)
	if !ok {
		return nil, NewError(CategoryConfiguration, fmt.Sprintf("no template loaded for %s", ft), nil)
	}
	return tpl, nil
}

// normalizeData round-trips data through JSON so stored and returned documents agree.
func normalizeData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, NewError(CategorySerialization, "form data is not valid JSON", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewError(CategorySerialization, "form data is not valid JSON", err)
	}
	return out, nil
}

// structureError converts a structural mismatch into a validation error.
func structureError(err error) error {
	var se validation.StructureError
	if errors.As(err, &se) {
		return ValidationFailed(strings.TrimPrefix(se.Path, "$."), "form data does not match template: "+se.Error())
	}
	return ValidationFailed("data", err.Error())
}
