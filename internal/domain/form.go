package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Incident name bounds, counted in characters.
const (
	MinIncidentNameLength = 3
	MaxIncidentNameLength = 100
)

// MaxOperationalPeriod is the longest operational period ICS allows.
const MaxOperationalPeriod = 72 * time.Hour

// FormStatus is the persisted lifecycle state of a form.
type FormStatus string

// FormStatus values.
const (
	StatusDraft     FormStatus = "draft"
	StatusCompleted FormStatus = "completed"
	StatusFinal     FormStatus = "final"
	StatusArchived  FormStatus = "archived"
)

var validStatuses = []FormStatus{StatusDraft, StatusCompleted, StatusFinal, StatusArchived}

// Statuses returns the persisted status set.
func Statuses() []FormStatus {
	return slices.Clone(validStatuses)
}

// Valid reports whether the status is persistable.
func (s FormStatus) Valid() bool {
	return slices.Contains(validStatuses, s)
}

// Priority is the dispatch urgency recorded on a form.
type Priority string

// Priority values. An empty priority defaults to routine.
const (
	PriorityRoutine   Priority = "routine"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

var validPriorities = []Priority{PriorityRoutine, PriorityUrgent, PriorityEmergency}

// Valid reports whether the priority is recognized.
func (p Priority) Valid() bool {
	return slices.Contains(validPriorities, p)
}

// WorkflowPosition is where a form sits in the ICS planning cycle.
type WorkflowPosition string

// WorkflowPosition values. An empty position defaults to initial.
const (
	WorkflowInitial        WorkflowPosition = "initial"
	WorkflowPlanning       WorkflowPosition = "planning"
	WorkflowApproval       WorkflowPosition = "approval"
	WorkflowDistribution   WorkflowPosition = "distribution"
	WorkflowImplementation WorkflowPosition = "implementation"
	WorkflowArchive        WorkflowPosition = "archive"
)

var validWorkflowPositions = []WorkflowPosition{
	WorkflowInitial,
	WorkflowPlanning,
	WorkflowApproval,
	WorkflowDistribution,
	WorkflowImplementation,
	WorkflowArchive,
}

// Valid reports whether the workflow position is recognized.
func (w WorkflowPosition) Valid() bool {
	return slices.Contains(validWorkflowPositions, w)
}

// Form is the envelope shared by every ICS form; Data holds the form-type payload.
type Form struct {
	ID                     int64
	FormType               FormType
	IncidentName           string
	IncidentNumber         string
	Status                 FormStatus
	Data                   map[string]any
	Notes                  string
	PreparerName           string
	ApprovedBy             string
	ApprovedAt             *time.Time
	OperationalPeriodStart *time.Time
	OperationalPeriodEnd   *time.Time
	Priority               Priority
	WorkflowPosition       WorkflowPosition
	Version                int64
	PageInfo               json.RawMessage
	ValidationResults      json.RawMessage
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FormInput holds the caller-supplied fields for NewForm.
type FormInput struct {
	FormType               FormType
	IncidentName           string
	IncidentNumber         string
	PreparerName           string
	Notes                  string
	OperationalPeriodStart *time.Time
	OperationalPeriodEnd   *time.Time
	Priority               Priority
	WorkflowPosition       WorkflowPosition
	Data                   map[string]any
}

// NewForm validates input and returns a draft form at version 1.
func NewForm(in FormInput, now time.Time) (Form, error) {
	in.IncidentName = strings.TrimSpace(in.IncidentName)
	in.IncidentNumber = strings.TrimSpace(in.IncidentNumber)
	in.PreparerName = strings.TrimSpace(in.PreparerName)
	in.Notes = strings.TrimSpace(in.Notes)

	if err := ValidateIncidentName(in.IncidentName); err != nil {
		return Form{}, err
	}
	if !in.FormType.Valid() {
		return Form{}, ErrInvalidFormType
	}
	if in.Priority == "" {
		in.Priority = PriorityRoutine
	}
	if !in.Priority.Valid() {
		return Form{}, ErrInvalidPriority
	}
	if in.WorkflowPosition == "" {
		in.WorkflowPosition = WorkflowInitial
	}
	if !in.WorkflowPosition.Valid() {
		return Form{}, ErrInvalidWorkflowPosition
	}
	start := normalizeTS(in.OperationalPeriodStart)
	end := normalizeTS(in.OperationalPeriodEnd)
	if err := ValidateOperationalPeriod(start, end); err != nil {
		return Form{}, err
	}

	data := maps.Clone(in.Data)
	if data == nil {
		data = map[string]any{}
	}
	now = Truncate(now)
	return Form{
		FormType:               in.FormType,
		IncidentName:           in.IncidentName,
		IncidentNumber:         in.IncidentNumber,
		Status:                 StatusDraft,
		Data:                   data,
		Notes:                  in.Notes,
		PreparerName:           in.PreparerName,
		OperationalPeriodStart: start,
		OperationalPeriodEnd:   end,
		Priority:               in.Priority,
		WorkflowPosition:       in.WorkflowPosition,
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

// ValidateIncidentName enforces the 3 to 100 character bound on trimmed names.
func ValidateIncidentName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < MinIncidentNameLength || n > MaxIncidentNameLength {
		return ErrInvalidIncidentName
	}
	return nil
}

// ValidateOperationalPeriod checks 0 < end-start <= 72h when both endpoints are set.
func ValidateOperationalPeriod(start, end *time.Time) error {
	if start == nil || end == nil {
		return nil
	}
	d := end.Sub(*start)
	if d <= 0 || d > MaxOperationalPeriod {
		return ErrInvalidOperationalPeriod
	}
	return nil
}

// NormalizeIncidentNumber upper-cases and strips whitespace for indexed lookup.
func NormalizeIncidentNumber(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

// Truncate converts a timestamp to the persisted precision: UTC, whole seconds.
func Truncate(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Second)
}

// normalizeTS truncates an optional timestamp, returning a fresh pointer.
func normalizeTS(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := Truncate(*ts)
	return &v
}
