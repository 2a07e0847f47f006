package app

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/hylla/icsforms/internal/domain"
)

// SnapshotVersion identifies the incident snapshot format.
const SnapshotVersion = "icsforms.incident.v1"

// Snapshot is a portable copy of every form filed under one incident.
type Snapshot struct {
	Version       string                 `json:"version"`
	ExportedAt    time.Time              `json:"exported_at"`
	IncidentName  string                 `json:"incident_name"`
	Forms         []SnapshotForm         `json:"forms"`
	Relationships []SnapshotRelationship `json:"relationships,omitempty"`
	Signatures    []SnapshotSignature    `json:"signatures,omitempty"`
	History       []SnapshotStatusChange `json:"history,omitempty"`
}

// SnapshotForm is one exported form envelope and its data.
type SnapshotForm struct {
	ID                     int64                   `json:"id"`
	FormType               domain.FormType         `json:"form_type"`
	IncidentName           string                  `json:"incident_name"`
	IncidentNumber         string                  `json:"incident_number,omitempty"`
	Status                 domain.FormStatus       `json:"status"`
	PreparerName           string                  `json:"preparer_name,omitempty"`
	ApprovedBy             string                  `json:"approved_by,omitempty"`
	ApprovedAt             *time.Time              `json:"approved_at,omitempty"`
	OperationalPeriodStart *time.Time              `json:"operational_period_start,omitempty"`
	OperationalPeriodEnd   *time.Time              `json:"operational_period_end,omitempty"`
	Priority               domain.Priority         `json:"priority,omitempty"`
	WorkflowPosition       domain.WorkflowPosition `json:"workflow_position,omitempty"`
	Notes                  string                  `json:"notes,omitempty"`
	Version                int64                   `json:"version"`
	Data                   map[string]any          `json:"data"`
	CreatedAt              time.Time               `json:"created_at"`
	UpdatedAt              time.Time               `json:"updated_at"`
}

// SnapshotRelationship is one edge between two exported forms.
type SnapshotRelationship struct {
	SourceFormID int64               `json:"source_form_id"`
	TargetFormID int64               `json:"target_form_id"`
	Kind         domain.RelationKind `json:"kind"`
}

// SnapshotSignature is one exported signature payload.
type SnapshotSignature struct {
	FormID     int64     `json:"form_id"`
	SignerName string    `json:"signer_name"`
	SignerRole string    `json:"signer_role,omitempty"`
	Data       []byte    `json:"data,omitempty"`
	SignedAt   time.Time `json:"signed_at"`
}

// SnapshotStatusChange is one exported status-history row. History is kept for
// audit and is not replayed on import.
type SnapshotStatusChange struct {
	FormID     int64             `json:"form_id"`
	FromStatus domain.FormStatus `json:"from_status,omitempty"`
	ToStatus   domain.FormStatus `json:"to_status"`
	ChangedAt  time.Time         `json:"changed_at"`
	ChangedBy  string            `json:"changed_by"`
}

// ImportResult maps snapshot form ids to the ids assigned on import.
type ImportResult struct {
	Forms         map[int64]int64 `json:"forms"`
	Relationships int             `json:"relationships"`
	Signatures    int             `json:"signatures"`
}

// ExportIncident collects every form of one incident with the edges between
// them, their signatures and their status history.
func (s *Service) ExportIncident(ctx context.Context, incidentName string) (Snapshot, error) {
	forms, err := s.GetFormsByIncident(ctx, incidentName)
	if err != nil {
		return Snapshot{}, err
	}
	if len(forms) == 0 {
		return Snapshot{}, NewError(CategoryNotFound, fmt.Sprintf("no forms filed under incident %q", strings.TrimSpace(incidentName)), nil)
	}

	snap := Snapshot{
		Version:       SnapshotVersion,
		ExportedAt:    s.clock().UTC(),
		IncidentName:  forms[0].IncidentName,
		Forms:         make([]SnapshotForm, 0, len(forms)),
		Relationships: make([]SnapshotRelationship, 0),
		Signatures:    make([]SnapshotSignature, 0),
		History:       make([]SnapshotStatusChange, 0),
	}
	members := make(map[int64]struct{}, len(forms))
	for _, f := range forms {
		members[f.ID] = struct{}{}
	}
	seenEdges := map[int64]struct{}{}
	for _, f := range forms {
		snap.Forms = append(snap.Forms, snapshotFormFromDomain(f))

		rels, err := s.repo.ListRelationships(ctx, f.ID)
		if err != nil {
			return Snapshot{}, err
		}
		for _, rel := range rels {
			_, srcIn := members[rel.SourceFormID]
			_, dstIn := members[rel.TargetFormID]
			if _, seen := seenEdges[rel.ID]; seen || !srcIn || !dstIn {
				continue
			}
			seenEdges[rel.ID] = struct{}{}
			snap.Relationships = append(snap.Relationships, SnapshotRelationship{
				SourceFormID: rel.SourceFormID,
				TargetFormID: rel.TargetFormID,
				Kind:         rel.Kind,
			})
		}

		sigs, err := s.repo.ListSignatures(ctx, f.ID)
		if err != nil {
			return Snapshot{}, err
		}
		for _, sig := range sigs {
			snap.Signatures = append(snap.Signatures, SnapshotSignature{
				FormID:     sig.FormID,
				SignerName: sig.SignerName,
				SignerRole: sig.SignerRole,
				Data:       sig.Data,
				SignedAt:   sig.SignedAt,
			})
		}

		history, err := s.repo.ListStatusHistory(ctx, f.ID)
		if err != nil {
			return Snapshot{}, err
		}
		for _, h := range history {
			snap.History = append(snap.History, SnapshotStatusChange{
				FormID:     h.FormID,
				FromStatus: h.FromStatus,
				ToStatus:   h.ToStatus,
				ChangedAt:  h.ChangedAt,
				ChangedBy:  h.ChangedBy,
			})
		}
	}
	snap.sort()
	return snap, nil
}

// ImportIncident recreates a snapshot's forms as new drafts, then re-links
// their relationships and signatures under the new ids.
func (s *Service) ImportIncident(ctx context.Context, snap Snapshot) (ImportResult, error) {
	if err := snap.Validate(); err != nil {
		return ImportResult{}, err
	}
	snap.sort()

	res := ImportResult{Forms: make(map[int64]int64, len(snap.Forms))}
	for _, f := range snap.Forms {
		created, err := s.CreateForm(ctx, CreateFormInput{
			FormType:               f.FormType,
			IncidentName:           f.IncidentName,
			IncidentNumber:         f.IncidentNumber,
			PreparerName:           f.PreparerName,
			Notes:                  f.Notes,
			OperationalPeriodStart: copyTimePtr(f.OperationalPeriodStart),
			OperationalPeriodEnd:   copyTimePtr(f.OperationalPeriodEnd),
			Priority:               f.Priority,
			WorkflowPosition:       f.WorkflowPosition,
			Data:                   maps.Clone(f.Data),
		})
		if err != nil {
			return res, fmt.Errorf("import form %d: %w", f.ID, err)
		}
		res.Forms[f.ID] = created.ID
	}
	for _, rel := range snap.Relationships {
		if _, err := s.AddRelationship(ctx, res.Forms[rel.SourceFormID], res.Forms[rel.TargetFormID], rel.Kind); err != nil {
			return res, fmt.Errorf("import relationship %d->%d: %w", rel.SourceFormID, rel.TargetFormID, err)
		}
		res.Relationships++
	}
	for _, sig := range snap.Signatures {
		if _, err := s.repo.CreateSignature(ctx, domain.Signature{
			FormID:     res.Forms[sig.FormID],
			SignerName: sig.SignerName,
			SignerRole: sig.SignerRole,
			Data:       sig.Data,
			SignedAt:   domain.Truncate(sig.SignedAt),
		}); err != nil {
			return res, fmt.Errorf("import signature for form %d: %w", sig.FormID, err)
		}
		res.Signatures++
	}
	return res, nil
}

// Validate checks the snapshot is self-consistent before anything is written.
func (s *Snapshot) Validate() error {
	if s.Version != "" && s.Version != SnapshotVersion {
		return ValidationFailed("version", fmt.Sprintf("unsupported snapshot version %q", s.Version))
	}
	if len(s.Forms) == 0 {
		return ValidationFailed("forms", "snapshot has no forms")
	}
	ids := make(map[int64]struct{}, len(s.Forms))
	for i, f := range s.Forms {
		if f.ID <= 0 {
			return ValidationFailed(fmt.Sprintf("forms[%d].id", i), "form id must be positive")
		}
		if _, dup := ids[f.ID]; dup {
			return ValidationFailed(fmt.Sprintf("forms[%d].id", i), fmt.Sprintf("duplicate form id %d", f.ID))
		}
		if !f.FormType.Valid() {
			return ValidationFailed(fmt.Sprintf("forms[%d].form_type", i), fmt.Sprintf("unknown form type %q", f.FormType))
		}
		ids[f.ID] = struct{}{}
	}
	for i, rel := range s.Relationships {
		_, srcOK := ids[rel.SourceFormID]
		_, dstOK := ids[rel.TargetFormID]
		if !srcOK || !dstOK {
			return ValidationFailed(fmt.Sprintf("relationships[%d]", i), "relationship references a form outside the snapshot")
		}
	}
	for i, sig := range s.Signatures {
		if _, ok := ids[sig.FormID]; !ok {
			return ValidationFailed(fmt.Sprintf("signatures[%d].form_id", i), "signature references a form outside the snapshot")
		}
	}
	return nil
}

// sort orders every slice deterministically so exports diff cleanly.
func (s *Snapshot) sort() {
	slices.SortFunc(s.Forms, func(a, b SnapshotForm) int {
		return cmp.Compare(a.ID, b.ID)
	})
	slices.SortFunc(s.Relationships, func(a, b SnapshotRelationship) int {
		return cmp.Or(
			cmp.Compare(a.SourceFormID, b.SourceFormID),
			cmp.Compare(a.TargetFormID, b.TargetFormID),
			cmp.Compare(a.Kind, b.Kind),
		)
	})
	slices.SortStableFunc(s.Signatures, func(a, b SnapshotSignature) int {
		return cmp.Or(cmp.Compare(a.FormID, b.FormID), a.SignedAt.Compare(b.SignedAt))
	})
	slices.SortStableFunc(s.History, func(a, b SnapshotStatusChange) int {
		return cmp.Or(cmp.Compare(a.FormID, b.FormID), a.ChangedAt.Compare(b.ChangedAt))
	})
}

func snapshotFormFromDomain(f domain.Form) SnapshotForm {
	return SnapshotForm{
		ID:                     f.ID,
		FormType:               f.FormType,
		IncidentName:           f.IncidentName,
		IncidentNumber:         f.IncidentNumber,
		Status:                 f.Status,
		PreparerName:           f.PreparerName,
		ApprovedBy:             f.ApprovedBy,
		ApprovedAt:             copyTimePtr(f.ApprovedAt),
		OperationalPeriodStart: copyTimePtr(f.OperationalPeriodStart),
		OperationalPeriodEnd:   copyTimePtr(f.OperationalPeriodEnd),
		Priority:               f.Priority,
		WorkflowPosition:       f.WorkflowPosition,
		Notes:                  f.Notes,
		Version:                f.Version,
		Data:                   maps.Clone(f.Data),
		CreatedAt:              f.CreatedAt,
		UpdatedAt:              f.UpdatedAt,
	}
}

func copyTimePtr(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}
