package autosave

import (
	"fmt"
	"time"
)

// State names the auto-save service's last observable activity.
type State string

// State values.
const (
	StateIdle      State = "idle"
	StateSaving    State = "saving"
	StateSaved     State = "saved"
	StateFailed    State = "failed"
	StateConflict  State = "conflict"
	StateRecovered State = "recovered"
)

// Status is one status transition. Only the members relevant to State are set.
type Status struct {
	State         State     `json:"state"`
	FormID        int64     `json:"form_id,omitempty"`
	At            time.Time `json:"at,omitempty"`
	Error         string    `json:"error,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	LocalVersion  int64     `json:"local_version,omitempty"`
	RemoteVersion int64     `json:"remote_version,omitempty"`
	Count         int       `json:"count,omitempty"`
}

// String renders the status for logs and the CLI.
func (s Status) String() string {
	switch s.State {
	case StateSaving:
		return fmt.Sprintf("saving form %d", s.FormID)
	case StateSaved:
		return fmt.Sprintf("saved form %d at %s", s.FormID, s.At.Format(time.RFC3339))
	case StateFailed:
		return fmt.Sprintf("failed to save form %d after %d attempt(s): %s", s.FormID, s.Attempts, s.Error)
	case StateConflict:
		return fmt.Sprintf("form %d changed elsewhere (local v%d, stored v%d)", s.FormID, s.LocalVersion, s.RemoteVersion)
	case StateRecovered:
		return fmt.Sprintf("recovered %d unsaved change(s)", s.Count)
	}
	return string(StateIdle)
}

// PendingChange is one tracked, possibly unsaved, form edit.
type PendingChange struct {
	FormID    int64     `json:"form_id"`
	Hash      string    `json:"hash"`
	Payload   []byte    `json:"-"`
	Version   int64     `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
	Attempts  int       `json:"attempts"`
	Saved     bool      `json:"saved"`
	Conflict  bool      `json:"conflict"`
}

// due reports whether the flush loop should attempt the change.
func (p PendingChange) due() bool {
	return !p.Saved && !p.Conflict
}
