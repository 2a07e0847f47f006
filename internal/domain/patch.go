package domain

import (
	"maps"
	"strings"
	"time"
)

// FormPatch lists the mutable fields of a form; nil members are left untouched.
type FormPatch struct {
	IncidentName           *string
	IncidentNumber         *string
	Status                 *FormStatus
	Data                   map[string]any
	Notes                  *string
	PreparerName           *string
	ApprovedBy             *string
	ApprovedAt             *time.Time
	OperationalPeriodStart *time.Time
	OperationalPeriodEnd   *time.Time
	Priority               *Priority
	WorkflowPosition       *WorkflowPosition
	ExpectedVersion        *int64
	ChangedBy              string
}

// Empty reports whether the patch changes nothing.
func (p FormPatch) Empty() bool {
	return p.Status == nil && !p.touchesContent()
}

// touchesContent reports whether any non-status field is present.
func (p FormPatch) touchesContent() bool {
	return p.IncidentName != nil || p.IncidentNumber != nil || p.Data != nil ||
		p.Notes != nil || p.PreparerName != nil || p.ApprovedBy != nil ||
		p.ApprovedAt != nil || p.OperationalPeriodStart != nil ||
		p.OperationalPeriodEnd != nil || p.Priority != nil || p.WorkflowPosition != nil
}

// Apply returns the form that results from patching f at now. The returned form
// carries the next version; the receiver is never modified.
func (f Form) Apply(p FormPatch, now time.Time) (Form, error) {
	if f.Status == StatusArchived {
		if p.touchesContent() || (p.Status != nil && *p.Status != StatusArchived) {
			return Form{}, ErrArchivedReadOnly
		}
	}

	next := f
	next.Data = maps.Clone(f.Data)
	if p.IncidentName != nil {
		name := strings.TrimSpace(*p.IncidentName)
		if err := ValidateIncidentName(name); err != nil {
			return Form{}, err
		}
		next.IncidentName = name
	}
	if p.IncidentNumber != nil {
		next.IncidentNumber = strings.TrimSpace(*p.IncidentNumber)
	}
	if p.Data != nil {
		next.Data = maps.Clone(p.Data)
	}
	if p.Notes != nil {
		next.Notes = strings.TrimSpace(*p.Notes)
	}
	if p.PreparerName != nil {
		next.PreparerName = strings.TrimSpace(*p.PreparerName)
	}
	if p.ApprovedBy != nil {
		next.ApprovedBy = strings.TrimSpace(*p.ApprovedBy)
	}
	if p.ApprovedAt != nil {
		next.ApprovedAt = normalizeTS(p.ApprovedAt)
	}
	if p.OperationalPeriodStart != nil {
		next.OperationalPeriodStart = normalizeTS(p.OperationalPeriodStart)
	}
	if p.OperationalPeriodEnd != nil {
		next.OperationalPeriodEnd = normalizeTS(p.OperationalPeriodEnd)
	}
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return Form{}, ErrInvalidPriority
		}
		next.Priority = *p.Priority
	}
	if p.WorkflowPosition != nil {
		if !p.WorkflowPosition.Valid() {
			return Form{}, ErrInvalidWorkflowPosition
		}
		next.WorkflowPosition = *p.WorkflowPosition
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return Form{}, ErrInvalidStatus
		}
		if !CanTransition(f.Status, *p.Status) {
			return Form{}, ErrInvalidTransition
		}
		next.Status = *p.Status
	}

	if err := ValidateOperationalPeriod(next.OperationalPeriodStart, next.OperationalPeriodEnd); err != nil {
		return Form{}, err
	}
	if next.Status == StatusFinal && (next.ApprovedBy == "" || next.ApprovedAt == nil) {
		return Form{}, ErrMissingApproval
	}

	next.Version = f.Version + 1
	next.UpdatedAt = Truncate(now)
	return next, nil
}

// StatusChanged reports whether applying the patch moved the form to a new status.
func StatusChanged(before, after Form) bool {
	return before.Status != after.Status
}
