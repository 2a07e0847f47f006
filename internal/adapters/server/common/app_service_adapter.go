package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/autosave"
	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/validation"
)

// AppServiceAdapter maps transport contracts onto app.Service and the optional auto-save service.
type AppServiceAdapter struct {
	service  *app.Service
	autosave *autosave.Service
}

var (
	_ FormService     = (*AppServiceAdapter)(nil)
	_ RecordService   = (*AppServiceAdapter)(nil)
	_ AutoSaveSurface = (*AppServiceAdapter)(nil)
)

// NewAppServiceAdapter builds one common adapter over an app.Service; autosaver may be nil.
func NewAppServiceAdapter(service *app.Service, autosaver *autosave.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service, autosave: autosaver}
}

// configured reports whether the adapter has a backing service.
func (a *AppServiceAdapter) configured() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	return nil
}

// CreateForm validates and persists a new draft.
func (a *AppServiceAdapter) CreateForm(ctx context.Context, in CreateFormRequest) (FormRecord, error) {
	if err := a.configured(); err != nil {
		return FormRecord{}, err
	}
	formType, err := parseFormType(in.FormType)
	if err != nil {
		return FormRecord{}, err
	}
	priority, err := parsePriority(in.Priority)
	if err != nil {
		return FormRecord{}, err
	}
	position, err := parseWorkflowPosition(in.WorkflowPosition)
	if err != nil {
		return FormRecord{}, err
	}
	ctx, err = withActor(ctx, in.Actor)
	if err != nil {
		return FormRecord{}, err
	}
	form, err := a.service.CreateForm(ctx, app.CreateFormInput{
		FormType:               formType,
		IncidentName:           in.IncidentName,
		IncidentNumber:         in.IncidentNumber,
		PreparerName:           in.PreparerName,
		Notes:                  in.Notes,
		OperationalPeriodStart: in.OperationalPeriodStart,
		OperationalPeriodEnd:   in.OperationalPeriodEnd,
		Priority:               priority,
		WorkflowPosition:       position,
		Data:                   in.Data,
		TemplateID:             in.TemplateID,
	})
	if err != nil {
		return FormRecord{}, mapAppError("create form", err)
	}
	return formRecord(form), nil
}

// GetForm loads one form by id.
func (a *AppServiceAdapter) GetForm(ctx context.Context, id int64) (FormRecord, error) {
	if err := a.configured(); err != nil {
		return FormRecord{}, err
	}
	form, err := a.service.GetForm(ctx, id)
	if err != nil {
		return FormRecord{}, mapAppError("get form", err)
	}
	return formRecord(form), nil
}

// UpdateForm applies a partial update under optimistic locking.
func (a *AppServiceAdapter) UpdateForm(ctx context.Context, in UpdateFormRequest) (FormRecord, error) {
	if err := a.configured(); err != nil {
		return FormRecord{}, err
	}
	patch := domain.FormPatch{
		IncidentName:           in.IncidentName,
		IncidentNumber:         in.IncidentNumber,
		Data:                   in.Data,
		Notes:                  in.Notes,
		PreparerName:           in.PreparerName,
		ApprovedBy:             in.ApprovedBy,
		ApprovedAt:             in.ApprovedAt,
		OperationalPeriodStart: in.OperationalPeriodStart,
		OperationalPeriodEnd:   in.OperationalPeriodEnd,
		ExpectedVersion:        in.ExpectedVersion,
	}
	if in.Status != nil {
		status := domain.FormStatus(strings.ToLower(strings.TrimSpace(*in.Status)))
		if !status.Valid() {
			return FormRecord{}, fmt.Errorf("status %q is unsupported: %w", *in.Status, ErrInvalidRequest)
		}
		patch.Status = &status
	}
	if in.Priority != nil {
		priority, err := parsePriority(*in.Priority)
		if err != nil {
			return FormRecord{}, err
		}
		patch.Priority = &priority
	}
	if in.WorkflowPosition != nil {
		position, err := parseWorkflowPosition(*in.WorkflowPosition)
		if err != nil {
			return FormRecord{}, err
		}
		patch.WorkflowPosition = &position
	}
	ctx, err := withActor(ctx, in.Actor)
	if err != nil {
		return FormRecord{}, err
	}
	form, err := a.service.UpdateForm(ctx, in.ID, patch)
	if err != nil {
		return FormRecord{}, mapAppError("update form", err)
	}
	return formRecord(form), nil
}

// DeleteForm removes one form; force also removes forms referenced by others.
func (a *AppServiceAdapter) DeleteForm(ctx context.Context, in DeleteFormRequest) (bool, error) {
	if err := a.configured(); err != nil {
		return false, err
	}
	deleted, err := a.service.DeleteForm(ctx, in.ID, in.Force)
	if err != nil {
		return false, mapAppError("delete form", err)
	}
	return deleted, nil
}

// SearchForms runs one filtered, paged search.
func (a *AppServiceAdapter) SearchForms(ctx context.Context, in SearchFormsRequest) (SearchFormsResult, error) {
	if err := a.configured(); err != nil {
		return SearchFormsResult{}, err
	}
	filter, err := toFormFilter(in)
	if err != nil {
		return SearchFormsResult{}, err
	}
	res, err := a.service.SearchForms(ctx, filter)
	if err != nil {
		return SearchFormsResult{}, mapAppError("search forms", err)
	}
	return SearchFormsResult{
		Forms:         formRecords(res.Forms),
		TotalCount:    res.TotalCount,
		FilteredCount: res.FilteredCount,
		HasMore:       res.HasMore,
		SearchTimeMS:  res.SearchTimeMS,
		Page:          res.Page,
		PageSize:      res.PageSize,
	}, nil
}

// GetFormsByIncident lists every form filed under one incident.
func (a *AppServiceAdapter) GetFormsByIncident(ctx context.Context, incidentName string) ([]FormRecord, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	forms, err := a.service.GetFormsByIncident(ctx, incidentName)
	if err != nil {
		return nil, mapAppError("get forms by incident", err)
	}
	return formRecords(forms), nil
}

// GetRecentForms lists the most recently updated forms.
func (a *AppServiceAdapter) GetRecentForms(ctx context.Context, limit int) ([]FormRecord, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	forms, err := a.service.GetRecentForms(ctx, limit)
	if err != nil {
		return nil, mapAppError("get recent forms", err)
	}
	return formRecords(forms), nil
}

// DuplicateForm copies one form into a new draft.
func (a *AppServiceAdapter) DuplicateForm(ctx context.Context, in DuplicateFormRequest) (FormRecord, error) {
	if err := a.configured(); err != nil {
		return FormRecord{}, err
	}
	ctx, err := withActor(ctx, in.Actor)
	if err != nil {
		return FormRecord{}, err
	}
	form, err := a.service.DuplicateForm(ctx, in.ID, in.NewIncidentName)
	if err != nil {
		return FormRecord{}, mapAppError("duplicate form", err)
	}
	return formRecord(form), nil
}

// ValidateField validates one field value.
func (a *AppServiceAdapter) ValidateField(ctx context.Context, in ValidateFieldRequest) (validation.Result, error) {
	if err := a.configured(); err != nil {
		return validation.Result{}, err
	}
	formType, err := parseFormType(in.FormType)
	if err != nil {
		return validation.Result{}, err
	}
	if strings.TrimSpace(in.FieldID) == "" {
		return validation.Result{}, fmt.Errorf("field_id is required: %w", ErrInvalidRequest)
	}
	res, err := a.service.ValidateField(ctx, formType, strings.TrimSpace(in.FieldID), in.Value, in.Data)
	if err != nil {
		return validation.Result{}, mapAppError("validate field", err)
	}
	return res, nil
}

// ValidateForm validates a stored form or an ad-hoc document.
func (a *AppServiceAdapter) ValidateForm(ctx context.Context, in ValidateFormRequest) (validation.Result, error) {
	if err := a.configured(); err != nil {
		return validation.Result{}, err
	}
	input := app.ValidateFormInput{FormID: in.FormID, Data: in.Data}
	if in.FormID <= 0 {
		formType, err := parseFormType(in.FormType)
		if err != nil {
			return validation.Result{}, err
		}
		input.FormType = formType
	}
	res, err := a.service.ValidateForm(ctx, input)
	if err != nil {
		return validation.Result{}, mapAppError("validate form", err)
	}
	return res, nil
}

// ConfigureAutoSave persists and applies auto-save settings.
func (a *AppServiceAdapter) ConfigureAutoSave(ctx context.Context, in app.AutoSaveSettings) (app.AutoSaveSettings, error) {
	if err := a.configured(); err != nil {
		return app.AutoSaveSettings{}, err
	}
	settings, err := a.service.ConfigureAutoSave(ctx, in)
	if err != nil {
		return app.AutoSaveSettings{}, mapAppError("configure auto-save", err)
	}
	return settings, nil
}

// GetDatabaseStats reports store statistics.
func (a *AppServiceAdapter) GetDatabaseStats(ctx context.Context) (app.DatabaseStats, error) {
	if err := a.configured(); err != nil {
		return app.DatabaseStats{}, err
	}
	stats, err := a.service.GetDatabaseStats(ctx)
	if err != nil {
		return app.DatabaseStats{}, mapAppError("get database stats", err)
	}
	return stats, nil
}

// toFormFilter validates enum members of one search request.
func toFormFilter(in SearchFormsRequest) (app.FormFilter, error) {
	filter := app.FormFilter{
		IncidentName: in.IncidentName,
		PreparerName: in.PreparerName,
		CreatedFrom:  in.CreatedFrom,
		CreatedTo:    in.CreatedTo,
		Text:         in.Text,
		Limit:        in.Limit,
		Offset:       in.Offset,
		Descending:   in.Descending,
	}
	if strings.TrimSpace(in.FormType) != "" {
		formType, err := parseFormType(in.FormType)
		if err != nil {
			return app.FormFilter{}, err
		}
		filter.FormType = formType
	}
	if raw := strings.TrimSpace(in.Status); raw != "" {
		status := domain.FormStatus(strings.ToLower(raw))
		if !status.Valid() {
			return app.FormFilter{}, fmt.Errorf("status %q is unsupported: %w", in.Status, ErrInvalidRequest)
		}
		filter.Status = status
	}
	if strings.TrimSpace(in.Priority) != "" {
		priority, err := parsePriority(in.Priority)
		if err != nil {
			return app.FormFilter{}, err
		}
		filter.Priority = priority
	}
	if strings.TrimSpace(in.WorkflowPosition) != "" {
		position, err := parseWorkflowPosition(in.WorkflowPosition)
		if err != nil {
			return app.FormFilter{}, err
		}
		filter.WorkflowPosition = position
	}
	if raw := strings.TrimSpace(in.OrderBy); raw != "" {
		orderBy := app.OrderBy(strings.ToLower(raw))
		if !orderBy.Valid() {
			return app.FormFilter{}, fmt.Errorf("order_by %q is unsupported: %w", in.OrderBy, ErrInvalidRequest)
		}
		filter.OrderBy = orderBy
	}
	return filter, nil
}

// parseFormType normalizes one ICS form code.
func parseFormType(raw string) (domain.FormType, error) {
	formType, err := domain.ParseFormType(raw)
	if err != nil {
		return "", fmt.Errorf("form_type %q: %w", raw, errors.Join(ErrInvalidRequest, err))
	}
	return formType, nil
}

// parsePriority normalizes one optional priority value.
func parsePriority(raw string) (domain.Priority, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", nil
	}
	priority := domain.Priority(raw)
	if !priority.Valid() {
		return "", fmt.Errorf("priority %q is unsupported: %w", raw, ErrInvalidRequest)
	}
	return priority, nil
}

// parseWorkflowPosition normalizes one optional workflow position.
func parseWorkflowPosition(raw string) (domain.WorkflowPosition, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", nil
	}
	position := domain.WorkflowPosition(raw)
	if !position.Valid() {
		return "", fmt.Errorf("workflow_position %q is unsupported: %w", raw, ErrInvalidRequest)
	}
	return position, nil
}

// withActor attaches caller attribution for status-history rows.
func withActor(ctx context.Context, actor Actor) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(actor.ActorName)
	actorType := domain.ActorType(strings.ToLower(strings.TrimSpace(actor.ActorType)))
	switch actorType {
	case "":
		actorType = domain.ActorTypeUser
	case domain.ActorTypeUser, domain.ActorTypeSystem:
	default:
		return nil, fmt.Errorf("actor_type %q is unsupported: %w", actor.ActorType, ErrInvalidRequest)
	}
	if name == "" {
		return ctx, nil
	}
	return app.WithChangeActor(ctx, app.ChangeActor{Name: name, Type: actorType}), nil
}

// formRecord maps one domain form to its wire shape.
func formRecord(f domain.Form) FormRecord {
	data := f.Data
	if data == nil {
		data = map[string]any{}
	}
	return FormRecord{
		ID:                     f.ID,
		FormType:               string(f.FormType),
		IncidentName:           f.IncidentName,
		IncidentNumber:         f.IncidentNumber,
		Status:                 string(f.Status),
		Data:                   data,
		Notes:                  f.Notes,
		PreparerName:           f.PreparerName,
		ApprovedBy:             f.ApprovedBy,
		ApprovedAt:             f.ApprovedAt,
		OperationalPeriodStart: f.OperationalPeriodStart,
		OperationalPeriodEnd:   f.OperationalPeriodEnd,
		Priority:               string(f.Priority),
		WorkflowPosition:       string(f.WorkflowPosition),
		Version:                f.Version,
		CreatedAt:              f.CreatedAt,
		UpdatedAt:              f.UpdatedAt,
	}
}

// formRecords maps a slice of domain forms, never returning nil.
func formRecords(forms []domain.Form) []FormRecord {
	out := make([]FormRecord, 0, len(forms))
	for _, f := range forms {
		out = append(out, formRecord(f))
	}
	return out
}

// mapAppError maps categorized app errors onto transport sentinels.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, app.ErrNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, app.ErrConcurrency):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrVersionConflict, err))
	case errors.Is(err, app.ErrValidation),
		errors.Is(err, app.ErrSerialization),
		errors.Is(err, app.ErrConfiguration):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	case errors.Is(err, app.ErrBusinessRule),
		errors.Is(err, app.ErrIntegrity):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrRuleViolation, err))
	case app.IsRetryable(err),
		errors.Is(err, app.ErrConnection),
		errors.Is(err, app.ErrTransaction):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrUnavailable, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
