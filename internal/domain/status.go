package domain

// CanTransition reports whether a persisted form may move from one status to another.
// Same-state moves are legal, corrections may always return to draft, forward moves
// follow draft->completed->final, and archived is terminal.
func CanTransition(from, to FormStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from == StatusArchived {
		return false
	}
	switch to {
	case StatusDraft, StatusArchived:
		return true
	case StatusCompleted:
		return from == StatusDraft
	case StatusFinal:
		return from == StatusDraft || from == StatusCompleted
	}
	return false
}

// LegalHistoryTransition reports whether a recorded status-history row is legal.
// An empty from status marks the creation row, which must land in draft.
func LegalHistoryTransition(from, to FormStatus) bool {
	if from == "" {
		return to == StatusDraft
	}
	return CanTransition(from, to)
}
