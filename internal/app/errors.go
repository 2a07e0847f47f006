package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/icsforms/internal/domain"
)

// Category classifies a core error.
type Category string

// Category values.
const (
	CategoryConnection    Category = "connection"
	CategoryTransaction   Category = "transaction"
	CategoryValidation    Category = "validation"
	CategoryIntegrity     Category = "integrity"
	CategoryNotFound      Category = "not_found"
	CategoryConcurrency   Category = "concurrency"
	CategoryMigration     Category = "migration"
	CategoryBackup        Category = "backup"
	CategoryPerformance   Category = "performance"
	CategorySecurity      Category = "security"
	CategoryConfiguration Category = "configuration"
	CategoryInternal      Category = "internal"
	CategorySerialization Category = "serialization"
	CategoryBusinessLogic Category = "business_logic"
)

// Severity ranks how disruptive an error is.
type Severity string

// Severity values.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the categorized error every core operation returns.
type Error struct {
	Category  Category
	Severity  Severity
	Retryable bool
	Message   string
	Details   string
	// Expected and Actual carry optimistic-lock versions for concurrency errors.
	Expected int64
	Actual   int64
	// Warnings holds secondary failures, such as a failed rollback.
	Warnings []string
	Err      error

	sentinel bool
}

// Error renders the user-facing message followed by details.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Details != "" {
		b.WriteString(" (")
		b.WriteString(e.Details)
		b.WriteString(")")
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches category sentinels such as ErrNotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel {
		return false
	}
	return t.Category == e.Category
}

// WithWarning appends a secondary failure and returns the receiver.
func (e *Error) WithWarning(msg string) *Error {
	e.Warnings = append(e.Warnings, msg)
	return e
}

// Category sentinels for errors.Is checks.
var (
	ErrConnection    = &Error{Category: CategoryConnection, sentinel: true}
	ErrTransaction   = &Error{Category: CategoryTransaction, sentinel: true}
	ErrValidation    = &Error{Category: CategoryValidation, sentinel: true}
	ErrIntegrity     = &Error{Category: CategoryIntegrity, sentinel: true}
	ErrNotFound      = &Error{Category: CategoryNotFound, sentinel: true}
	ErrConcurrency   = &Error{Category: CategoryConcurrency, sentinel: true}
	ErrMigration     = &Error{Category: CategoryMigration, sentinel: true}
	ErrBackup        = &Error{Category: CategoryBackup, sentinel: true}
	ErrPerformance   = &Error{Category: CategoryPerformance, sentinel: true}
	ErrSecurity      = &Error{Category: CategorySecurity, sentinel: true}
	ErrConfiguration = &Error{Category: CategoryConfiguration, sentinel: true}
	ErrInternal      = &Error{Category: CategoryInternal, sentinel: true}
	ErrSerialization = &Error{Category: CategorySerialization, sentinel: true}
	ErrBusinessRule  = &Error{Category: CategoryBusinessLogic, sentinel: true}
)

// NewError builds a categorized error with the category's default severity and retryability.
func NewError(category Category, message string, cause error) *Error {
	sev, retry := categoryDefaults(category)
	return &Error{
		Category:  category,
		Severity:  sev,
		Retryable: retry,
		Message:   message,
		Err:       cause,
	}
}

// categoryDefaults returns default severity and retryability per category.
func categoryDefaults(c Category) (Severity, bool) {
	switch c {
	case CategoryConnection, CategoryTransaction:
		return SeverityHigh, false
	case CategoryValidation, CategoryNotFound, CategoryBusinessLogic:
		return SeverityLow, false
	case CategoryConcurrency:
		return SeverityMedium, true
	case CategoryBackup, CategoryPerformance:
		return SeverityMedium, true
	case CategoryIntegrity, CategorySerialization, CategorySecurity, CategoryConfiguration:
		return SeverityHigh, false
	case CategoryMigration, CategoryInternal:
		return SeverityCritical, false
	default:
		return SeverityHigh, false
	}
}

// NotFound reports an absent entity.
func NotFound(entity string, id int64) *Error {
	return NewError(CategoryNotFound, fmt.Sprintf("%s %d not found", entity, id), nil)
}

// ValidationFailed reports an input violation on one field.
func ValidationFailed(field, message string) *Error {
	e := NewError(CategoryValidation, message, nil)
	e.Details = "field=" + field
	return e
}

// ConcurrencyConflict reports an optimistic-lock mismatch.
func ConcurrencyConflict(expected, actual int64) *Error {
	e := NewError(CategoryConcurrency, "form was modified by another writer", nil)
	e.Expected = expected
	e.Actual = actual
	e.Details = fmt.Sprintf("expected version %d, actual %d", expected, actual)
	return e
}

// BusinessRule reports a violated lifecycle or ICS rule.
func BusinessRule(message string) *Error {
	return NewError(CategoryBusinessLogic, message, nil)
}

// Transient marks infrastructure failures that may succeed on retry.
func Transient(category Category, message string, cause error) *Error {
	e := NewError(category, message, cause)
	e.Retryable = true
	return e
}

// IsRetryable reports whether err is classified as worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// CategoryOf returns the category of err, or Internal for uncategorized errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// FromDomain maps domain sentinels to categorized errors; other errors pass through.
func FromDomain(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrInvalidIncidentName):
		return wrapDomain(CategoryValidation, "incident_name", err)
	case errors.Is(err, domain.ErrInvalidFormType):
		return wrapDomain(CategoryValidation, "form_type", err)
	case errors.Is(err, domain.ErrInvalidPriority):
		return wrapDomain(CategoryValidation, "priority", err)
	case errors.Is(err, domain.ErrInvalidWorkflowPosition):
		return wrapDomain(CategoryValidation, "workflow_position", err)
	case errors.Is(err, domain.ErrInvalidStatus):
		return wrapDomain(CategoryValidation, "status", err)
	case errors.Is(err, domain.ErrInvalidID):
		return wrapDomain(CategoryValidation, "id", err)
	case errors.Is(err, domain.ErrInvalidRelationKind):
		return wrapDomain(CategoryValidation, "relation_kind", err)
	case errors.Is(err, domain.ErrInvalidOperationalPeriod):
		return wrapDomain(CategoryBusinessLogic, "operational_period", err)
	case errors.Is(err, domain.ErrInvalidTransition):
		return wrapDomain(CategoryBusinessLogic, "status", err)
	case errors.Is(err, domain.ErrMissingApproval):
		return wrapDomain(CategoryBusinessLogic, "approved_by", err)
	case errors.Is(err, domain.ErrArchivedReadOnly):
		return wrapDomain(CategoryBusinessLogic, "status", err)
	case errors.Is(err, domain.ErrSelfRelationship):
		return wrapDomain(CategoryBusinessLogic, "target_form_id", err)
	}
	return err
}

// wrapDomain builds a categorized error around a domain sentinel.
func wrapDomain(c Category, field string, err error) *Error {
	e := NewError(c, err.Error(), err)
	e.Details = "field=" + field
	return e
}
