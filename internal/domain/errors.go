package domain

import "errors"

// Sentinel errors returned by domain constructors and transitions. The app
// layer wraps them into validation or business-rule errors.
var (
	ErrInvalidID                = errors.New("invalid id")
	ErrInvalidIncidentName      = errors.New("invalid incident name")
	ErrInvalidFormType          = errors.New("invalid form type")
	ErrInvalidStatus            = errors.New("invalid status")
	ErrInvalidPriority          = errors.New("invalid priority")
	ErrInvalidWorkflowPosition  = errors.New("invalid workflow position")
	ErrInvalidOperationalPeriod = errors.New("invalid operational period")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrMissingApproval          = errors.New("final forms require approved_by and approved_at")
	ErrArchivedReadOnly         = errors.New("archived forms are read-only")
	ErrInvalidRelationKind      = errors.New("invalid relation kind")
	ErrSelfRelationship         = errors.New("form cannot relate to itself")
)
