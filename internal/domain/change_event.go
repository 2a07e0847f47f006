package domain

import "time"

// ActorType identifies what kind of caller performed a mutation.
type ActorType string

// ActorType values.
const (
	ActorTypeUser     ActorType = "user"
	ActorTypeSystem   ActorType = "system"
	ActorTypeAutoSave ActorType = "auto-save"
)

// StatusHistory is one append-only status transition row. An empty FromStatus marks creation.
type StatusHistory struct {
	ID               int64
	FormID           int64
	FromStatus       FormStatus
	ToStatus         FormStatus
	ChangedAt        time.Time
	ChangedBy        string
	WorkflowPosition WorkflowPosition
}

// Signature is an opaque signature payload attached to a form.
type Signature struct {
	ID         int64
	FormID     int64
	SignerName string
	SignerRole string
	Data       []byte
	SignedAt   time.Time
}
