package app

import (
	"context"
	"time"

	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/template"
)

// Repository is the persistence port the service drives. The sqlite adapter is
// the production implementation; every mutation runs in one transaction.
type Repository interface {
	CreateForm(context.Context, domain.Form, string) (domain.Form, error)
	GetForm(context.Context, int64) (domain.Form, error)
	UpdateForm(context.Context, FormUpdate) (domain.Form, error)
	DeleteForm(context.Context, int64, bool) (bool, error)
	SearchForms(context.Context, FormFilter) (SearchResult, error)
	ListFormsByIncident(context.Context, string) ([]domain.Form, error)
	ListRecentForms(context.Context, int) ([]domain.Form, error)
	ListStatusHistory(context.Context, int64) ([]domain.StatusHistory, error)

	CreateRelationship(context.Context, domain.Relationship) (domain.Relationship, error)
	ListRelationships(context.Context, int64) ([]domain.Relationship, error)
	DeleteRelationship(context.Context, int64) (bool, error)

	CreateSignature(context.Context, domain.Signature) (domain.Signature, error)
	ListSignatures(context.Context, int64) ([]domain.Signature, error)

	GetSetting(context.Context, string) (string, bool, error)
	PutSetting(context.Context, string, string, time.Time) error

	UpsertTemplateRecord(context.Context, TemplateRecord) error
	ListTemplateRecords(context.Context) ([]TemplateRecord, error)

	DatabaseStats(context.Context) (DatabaseStats, error)
}

// UpdateHook runs inside the update transaction after the patch is applied.
// It may adjust next before it is written; a non-nil error aborts the update.
type UpdateHook func(current domain.Form, next *domain.Form) error

// FormUpdate describes one optimistic update.
type FormUpdate struct {
	ID        int64
	Patch     domain.FormPatch
	At        time.Time
	ChangedBy string
	Hook      UpdateHook
}

// TemplateSource resolves templates by form type.
type TemplateSource interface {
	Get(domain.FormType) (*template.Template, bool)
	All() []*template.Template
}

// AutoSaveController is the slice of the auto-save service the core API drives.
type AutoSaveController interface {
	ApplySettings(AutoSaveSettings) error
	Settings() AutoSaveSettings
}

// OrderBy names a sortable form column.
type OrderBy string

// OrderBy values accepted by search.
const (
	OrderByUpdatedAt    OrderBy = "updated_at"
	OrderByCreatedAt    OrderBy = "created_at"
	OrderByIncidentName OrderBy = "incident_name"
	OrderByFormType     OrderBy = "form_type"
	OrderByStatus       OrderBy = "status"
	OrderByID           OrderBy = "id"
)

// Valid reports whether the column may be used for ordering.
func (o OrderBy) Valid() bool {
	switch o {
	case OrderByUpdatedAt, OrderByCreatedAt, OrderByIncidentName, OrderByFormType, OrderByStatus, OrderByID:
		return true
	}
	return false
}

// Search limits.
const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 100
	DefaultRecentLimit = 10
)

// FormFilter is an AND-combined search request; zero members are ignored.
type FormFilter struct {
	IncidentName     string                  `json:"incident_name,omitempty"`
	FormType         domain.FormType         `json:"form_type,omitempty"`
	Status           domain.FormStatus       `json:"status,omitempty"`
	PreparerName     string                  `json:"preparer_name,omitempty"`
	CreatedFrom      *time.Time              `json:"created_from,omitempty"`
	CreatedTo        *time.Time              `json:"created_to,omitempty"`
	Priority         domain.Priority         `json:"priority,omitempty"`
	WorkflowPosition domain.WorkflowPosition `json:"workflow_position,omitempty"`
	Text             string                  `json:"text,omitempty"`
	Limit            int                     `json:"limit,omitempty"`
	Offset           int                     `json:"offset,omitempty"`
	OrderBy          OrderBy                 `json:"order_by,omitempty"`
	Descending       *bool                   `json:"descending,omitempty"`
}

// Normalize applies defaults and the hard limit cap.
func (f FormFilter) Normalize() FormFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultSearchLimit
	}
	if f.Limit > MaxSearchLimit {
		f.Limit = MaxSearchLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.OrderBy == "" {
		f.OrderBy = OrderByUpdatedAt
	}
	if f.Descending == nil {
		desc := true
		f.Descending = &desc
	}
	return f
}

// SearchResult is one page of search hits. TotalCount counts every form
// matching the filters; FilteredCount counts the forms on this page.
type SearchResult struct {
	Forms         []domain.Form `json:"forms"`
	TotalCount    int64         `json:"total_count"`
	FilteredCount int64         `json:"filtered_count"`
	HasMore       bool          `json:"has_more"`
	SearchTimeMS  int64         `json:"search_time_ms"`
	Page          int           `json:"page"`
	PageSize      int           `json:"page_size"`
}

// TemplateRecord mirrors one loaded template in the store. Rules are the
// template's global rules, written to validation_rules on upsert.
type TemplateRecord struct {
	TemplateID string          `json:"template_id"`
	FormType   domain.FormType `json:"form_type"`
	Version    string          `json:"version"`
	Title      string          `json:"title"`
	Checksum   string          `json:"checksum"`
	LoadedAt   time.Time       `json:"loaded_at"`
	Rules      []template.Rule `json:"-"`
}

// PoolStats reports connection-pool utilisation.
type PoolStats struct {
	MaxOpen      int           `json:"max_open"`
	Open         int           `json:"open"`
	InUse        int           `json:"in_use"`
	Idle         int           `json:"idle"`
	WaitCount    int64         `json:"wait_count"`
	WaitDuration time.Duration `json:"wait_duration_ns"`
}

// TransactionStats are cumulative transaction counters.
type TransactionStats struct {
	Started       int64         `json:"started"`
	Committed     int64         `json:"committed"`
	RolledBack    int64         `json:"rolled_back"`
	Timeouts      int64         `json:"timeouts"`
	Deadlocks     int64         `json:"deadlocks"`
	Retries       int64         `json:"retries"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

// SuccessRate is committed over started, or 1 when nothing ran.
func (s TransactionStats) SuccessRate() float64 {
	if s.Started == 0 {
		return 1
	}
	return float64(s.Committed) / float64(s.Started)
}

// MeanDuration is the average time per started transaction.
func (s TransactionStats) MeanDuration() time.Duration {
	if s.Started == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Started)
}

// DatabaseStats summarises the store for get_database_stats.
type DatabaseStats struct {
	Path                 string                      `json:"path"`
	Mode                 string                      `json:"mode"`
	SchemaVersion        int                         `json:"schema_version"`
	TotalForms           int64                       `json:"total_forms"`
	FormsByStatus        map[domain.FormStatus]int64 `json:"forms_by_status"`
	Relationships        int64                       `json:"relationships"`
	StatusHistoryRows    int64                       `json:"status_history_rows"`
	Templates            int64                       `json:"templates"`
	FileSizeBytes        int64                       `json:"file_size_bytes"`
	PageSize             int64                       `json:"page_size"`
	PageCount            int64                       `json:"page_count"`
	FreePages            int64                       `json:"free_pages"`
	FragmentationPercent float64                     `json:"fragmentation_percent"`
	Pool                 PoolStats                   `json:"pool"`
	Transactions         TransactionStats            `json:"transactions"`
}

// AutoSaveSettings is the persisted auto-save configuration.
type AutoSaveSettings struct {
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"interval_seconds"`
	RecoveryEnabled bool   `json:"recovery_enabled"`
	RecoveryDir     string `json:"recovery_dir"`
	MaxAgeHours     int    `json:"max_age_hours"`
}

// Auto-save bounds.
const (
	DefaultAutoSaveInterval = 30
	MinAutoSaveInterval     = 5
	MaxAutoSaveInterval     = 3600
	DefaultRecoveryMaxAge   = 24
)

// DefaultAutoSaveSettings returns the built-in auto-save configuration.
func DefaultAutoSaveSettings(recoveryDir string) AutoSaveSettings {
	return AutoSaveSettings{
		Enabled:         true,
		IntervalSeconds: DefaultAutoSaveInterval,
		RecoveryEnabled: true,
		RecoveryDir:     recoveryDir,
		MaxAgeHours:     DefaultRecoveryMaxAge,
	}
}

// Validate checks bounds on the settings.
func (s AutoSaveSettings) Validate() error {
	if s.IntervalSeconds < MinAutoSaveInterval || s.IntervalSeconds > MaxAutoSaveInterval {
		return ValidationFailed("interval_seconds", "auto-save interval must be between 5 and 3600 seconds")
	}
	if s.MaxAgeHours <= 0 {
		return ValidationFailed("max_age_hours", "recovery max age must be positive")
	}
	if s.RecoveryEnabled && s.RecoveryDir == "" {
		return ValidationFailed("recovery_dir", "recovery directory is required when recovery is enabled")
	}
	return nil
}

// Interval returns the flush interval as a duration.
func (s AutoSaveSettings) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// MaxAge returns the journal expiry as a duration.
func (s AutoSaveSettings) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeHours) * time.Hour
}
