// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"
	"time"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/autosave"
	"github.com/hylla/icsforms/internal/validation"
)

// ErrInvalidRequest reports malformed or rule-violating input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict reports an optimistic-lock mismatch.
var ErrVersionConflict = errors.New("version conflict")

// ErrRuleViolation reports a business rule or integrity failure.
var ErrRuleViolation = errors.New("rule violation")

// ErrUnavailable reports a transient storage failure worth retrying.
var ErrUnavailable = errors.New("storage unavailable")

// ErrAutoSaveUnavailable reports a server started without an auto-save service.
var ErrAutoSaveUnavailable = errors.New("auto-save surface unavailable")

// Actor names the caller recorded in status history.
type Actor struct {
	ActorName string `json:"actor_name,omitempty"`
	ActorType string `json:"actor_type,omitempty"`
}

// FormRecord is the wire shape of one form.
type FormRecord struct {
	ID                     int64          `json:"id"`
	FormType               string         `json:"form_type"`
	IncidentName           string         `json:"incident_name"`
	IncidentNumber         string         `json:"incident_number,omitempty"`
	Status                 string         `json:"status"`
	Data                   map[string]any `json:"data"`
	Notes                  string         `json:"notes,omitempty"`
	PreparerName           string         `json:"preparer_name,omitempty"`
	ApprovedBy             string         `json:"approved_by,omitempty"`
	ApprovedAt             *time.Time     `json:"approved_at,omitempty"`
	OperationalPeriodStart *time.Time     `json:"operational_period_start,omitempty"`
	OperationalPeriodEnd   *time.Time     `json:"operational_period_end,omitempty"`
	Priority               string         `json:"priority"`
	WorkflowPosition       string         `json:"workflow_position"`
	Version                int64          `json:"version"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// StatusChangeRecord is one status-history row.
type StatusChangeRecord struct {
	ID               int64     `json:"id"`
	FormID           int64     `json:"form_id"`
	FromStatus       string    `json:"from_status,omitempty"`
	ToStatus         string    `json:"to_status"`
	ChangedAt        time.Time `json:"changed_at"`
	ChangedBy        string    `json:"changed_by"`
	WorkflowPosition string    `json:"workflow_position,omitempty"`
}

// RelationshipRecord is one directed edge between forms.
type RelationshipRecord struct {
	ID           int64     `json:"id"`
	SourceFormID int64     `json:"source_form_id"`
	TargetFormID int64     `json:"target_form_id"`
	Kind         string    `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}

// SignatureRecord is one stored signature; Data is base64 on the wire.
type SignatureRecord struct {
	ID         int64     `json:"id"`
	FormID     int64     `json:"form_id"`
	SignerName string    `json:"signer_name"`
	SignerRole string    `json:"signer_role,omitempty"`
	Data       []byte    `json:"data,omitempty"`
	SignedAt   time.Time `json:"signed_at"`
}

// CreateFormRequest captures input for create_form.
type CreateFormRequest struct {
	Actor
	FormType               string         `json:"form_type"`
	IncidentName           string         `json:"incident_name"`
	IncidentNumber         string         `json:"incident_number,omitempty"`
	PreparerName           string         `json:"preparer_name,omitempty"`
	Notes                  string         `json:"notes,omitempty"`
	OperationalPeriodStart *time.Time     `json:"operational_period_start,omitempty"`
	OperationalPeriodEnd   *time.Time     `json:"operational_period_end,omitempty"`
	Priority               string         `json:"priority,omitempty"`
	WorkflowPosition       string         `json:"workflow_position,omitempty"`
	Data                   map[string]any `json:"data,omitempty"`
	TemplateID             string         `json:"template_id,omitempty"`
}

// UpdateFormRequest captures input for update_form; nil members are left untouched.
type UpdateFormRequest struct {
	Actor
	ID                     int64          `json:"id,omitempty"`
	IncidentName           *string        `json:"incident_name,omitempty"`
	IncidentNumber         *string        `json:"incident_number,omitempty"`
	Status                 *string        `json:"status,omitempty"`
	Data                   map[string]any `json:"data,omitempty"`
	Notes                  *string        `json:"notes,omitempty"`
	PreparerName           *string        `json:"preparer_name,omitempty"`
	ApprovedBy             *string        `json:"approved_by,omitempty"`
	ApprovedAt             *time.Time     `json:"approved_at,omitempty"`
	OperationalPeriodStart *time.Time     `json:"operational_period_start,omitempty"`
	OperationalPeriodEnd   *time.Time     `json:"operational_period_end,omitempty"`
	Priority               *string        `json:"priority,omitempty"`
	WorkflowPosition       *string        `json:"workflow_position,omitempty"`
	ExpectedVersion        *int64         `json:"expected_version,omitempty"`
}

// DeleteFormRequest captures input for delete_form.
type DeleteFormRequest struct {
	ID    int64 `json:"id"`
	Force bool  `json:"force,omitempty"`
}

// SearchFormsRequest captures input for search_forms.
type SearchFormsRequest struct {
	IncidentName     string     `json:"incident_name,omitempty"`
	FormType         string     `json:"form_type,omitempty"`
	Status           string     `json:"status,omitempty"`
	PreparerName     string     `json:"preparer_name,omitempty"`
	CreatedFrom      *time.Time `json:"created_from,omitempty"`
	CreatedTo        *time.Time `json:"created_to,omitempty"`
	Priority         string     `json:"priority,omitempty"`
	WorkflowPosition string     `json:"workflow_position,omitempty"`
	Text             string     `json:"text,omitempty"`
	Limit            int        `json:"limit,omitempty"`
	Offset           int        `json:"offset,omitempty"`
	OrderBy          string     `json:"order_by,omitempty"`
	Descending       *bool      `json:"descending,omitempty"`
}

// SearchFormsResult is one page of search hits.
type SearchFormsResult struct {
	Forms         []FormRecord `json:"forms"`
	TotalCount    int64        `json:"total_count"`
	FilteredCount int64        `json:"filtered_count"`
	HasMore       bool         `json:"has_more"`
	SearchTimeMS  int64        `json:"search_time_ms"`
	Page          int          `json:"page"`
	PageSize      int          `json:"page_size"`
}

// DuplicateFormRequest captures input for duplicate_form.
type DuplicateFormRequest struct {
	Actor
	ID              int64  `json:"id,omitempty"`
	NewIncidentName string `json:"new_incident_name,omitempty"`
}

// ValidateFieldRequest captures input for validate_field.
type ValidateFieldRequest struct {
	FormType string         `json:"form_type"`
	FieldID  string         `json:"field_id"`
	Value    any            `json:"value"`
	Data     map[string]any `json:"data,omitempty"`
}

// ValidateFormRequest validates a stored form by id or an ad-hoc document.
type ValidateFormRequest struct {
	FormID   int64          `json:"form_id,omitempty"`
	FormType string         `json:"form_type,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// AddRelationshipRequest captures input for linking two forms.
type AddRelationshipRequest struct {
	SourceFormID int64  `json:"source_form_id"`
	TargetFormID int64  `json:"target_form_id"`
	Kind         string `json:"kind"`
}

// SignFormRequest captures input for attaching a signature.
type SignFormRequest struct {
	FormID     int64  `json:"form_id,omitempty"`
	SignerName string `json:"signer_name"`
	SignerRole string `json:"signer_role,omitempty"`
	Data       []byte `json:"data,omitempty"`
}

// TrackEditRequest hands one in-memory edit to the auto-save service.
type TrackEditRequest struct {
	FormID  int64          `json:"form_id,omitempty"`
	Data    map[string]any `json:"data"`
	Version int64          `json:"version"`
}

// TrackEditResult reports whether the edit differed from the last tracked one.
type TrackEditResult struct {
	FormID  int64 `json:"form_id"`
	Changed bool  `json:"changed"`
}

// AutoSaveState reports the auto-save service's current state.
type AutoSaveState struct {
	Settings app.AutoSaveSettings     `json:"settings"`
	Running  bool                     `json:"running"`
	Status   autosave.Status          `json:"status"`
	Message  string                   `json:"message"`
	Pending  []autosave.PendingChange `json:"pending"`
}

// FlushResult lists forms persisted by a forced flush.
type FlushResult struct {
	Saved []int64 `json:"saved"`
	Error string  `json:"error,omitempty"`
}

// FormService exposes the core form operations to transports.
type FormService interface {
	CreateForm(context.Context, CreateFormRequest) (FormRecord, error)
	GetForm(context.Context, int64) (FormRecord, error)
	UpdateForm(context.Context, UpdateFormRequest) (FormRecord, error)
	DeleteForm(context.Context, DeleteFormRequest) (bool, error)
	SearchForms(context.Context, SearchFormsRequest) (SearchFormsResult, error)
	GetFormsByIncident(context.Context, string) ([]FormRecord, error)
	GetRecentForms(context.Context, int) ([]FormRecord, error)
	DuplicateForm(context.Context, DuplicateFormRequest) (FormRecord, error)
	ValidateField(context.Context, ValidateFieldRequest) (validation.Result, error)
	ValidateForm(context.Context, ValidateFormRequest) (validation.Result, error)
	ConfigureAutoSave(context.Context, app.AutoSaveSettings) (app.AutoSaveSettings, error)
	GetDatabaseStats(context.Context) (app.DatabaseStats, error)
}

// RecordService exposes history, relationships, signatures and incident snapshots.
type RecordService interface {
	GetStatusHistory(context.Context, int64) ([]StatusChangeRecord, error)
	ListRelationships(context.Context, int64) ([]RelationshipRecord, error)
	AddRelationship(context.Context, AddRelationshipRequest) (RelationshipRecord, error)
	SignForm(context.Context, SignFormRequest) (SignatureRecord, error)
	ExportIncident(context.Context, string) (app.Snapshot, error)
	ImportIncident(context.Context, app.Snapshot) (app.ImportResult, error)
}

// AutoSaveSurface exposes the running auto-save service.
type AutoSaveSurface interface {
	TrackEdit(context.Context, TrackEditRequest) (TrackEditResult, error)
	AutoSaveState(context.Context) (AutoSaveState, error)
	FlushAutoSave(context.Context) (FlushResult, error)
}
