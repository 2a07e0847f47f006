package domain

import (
	"slices"
	"time"
)

// RelationKind describes how one form depends on another.
type RelationKind string

// RelationKind values.
const (
	RelationFeeds      RelationKind = "feeds"
	RelationRequires   RelationKind = "requires"
	RelationUpdates    RelationKind = "updates"
	RelationReferences RelationKind = "references"
	RelationSupersedes RelationKind = "supersedes"
	RelationExtends    RelationKind = "extends"
)

var validRelationKinds = []RelationKind{
	RelationFeeds,
	RelationRequires,
	RelationUpdates,
	RelationReferences,
	RelationSupersedes,
	RelationExtends,
}

// Valid reports whether the relation kind is recognized.
func (k RelationKind) Valid() bool {
	return slices.Contains(validRelationKinds, k)
}

// Relationship is a directed edge between two forms, referenced by id.
type Relationship struct {
	ID           int64
	SourceFormID int64
	TargetFormID int64
	Kind         RelationKind
	CreatedAt    time.Time
}

// NewRelationship validates one edge; cycle detection needs the stored graph and lives in storage.
func NewRelationship(source, target int64, kind RelationKind, now time.Time) (Relationship, error) {
	if source <= 0 || target <= 0 {
		return Relationship{}, ErrInvalidID
	}
	if source == target {
		return Relationship{}, ErrSelfRelationship
	}
	if !kind.Valid() {
		return Relationship{}, ErrInvalidRelationKind
	}
	return Relationship{
		SourceFormID: source,
		TargetFormID: target,
		Kind:         kind,
		CreatedAt:    Truncate(now),
	}, nil
}
