package common

import (
	"context"
	"fmt"
	"strings"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
)

// GetStatusHistory lists one form's status transitions in order.
func (a *AppServiceAdapter) GetStatusHistory(ctx context.Context, id int64) ([]StatusChangeRecord, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	rows, err := a.service.GetStatusHistory(ctx, id)
	if err != nil {
		return nil, mapAppError("get status history", err)
	}
	out := make([]StatusChangeRecord, 0, len(rows))
	for _, h := range rows {
		out = append(out, StatusChangeRecord{
			ID:               h.ID,
			FormID:           h.FormID,
			FromStatus:       string(h.FromStatus),
			ToStatus:         string(h.ToStatus),
			ChangedAt:        h.ChangedAt,
			ChangedBy:        h.ChangedBy,
			WorkflowPosition: string(h.WorkflowPosition),
		})
	}
	return out, nil
}

// ListRelationships lists edges touching one form.
func (a *AppServiceAdapter) ListRelationships(ctx context.Context, id int64) ([]RelationshipRecord, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	rels, err := a.service.ListRelationships(ctx, id)
	if err != nil {
		return nil, mapAppError("list relationships", err)
	}
	out := make([]RelationshipRecord, 0, len(rels))
	for _, rel := range rels {
		out = append(out, relationshipRecord(rel))
	}
	return out, nil
}

// AddRelationship links two forms.
func (a *AppServiceAdapter) AddRelationship(ctx context.Context, in AddRelationshipRequest) (RelationshipRecord, error) {
	if err := a.configured(); err != nil {
		return RelationshipRecord{}, err
	}
	kind := domain.RelationKind(strings.ToLower(strings.TrimSpace(in.Kind)))
	if !kind.Valid() {
		return RelationshipRecord{}, fmt.Errorf("kind %q is unsupported: %w", in.Kind, ErrInvalidRequest)
	}
	rel, err := a.service.AddRelationship(ctx, in.SourceFormID, in.TargetFormID, kind)
	if err != nil {
		return RelationshipRecord{}, mapAppError("add relationship", err)
	}
	return relationshipRecord(rel), nil
}

// SignForm attaches an opaque signature to one form.
func (a *AppServiceAdapter) SignForm(ctx context.Context, in SignFormRequest) (SignatureRecord, error) {
	if err := a.configured(); err != nil {
		return SignatureRecord{}, err
	}
	sig, err := a.service.SignForm(ctx, in.FormID, in.SignerName, in.SignerRole, in.Data)
	if err != nil {
		return SignatureRecord{}, mapAppError("sign form", err)
	}
	return SignatureRecord{
		ID:         sig.ID,
		FormID:     sig.FormID,
		SignerName: sig.SignerName,
		SignerRole: sig.SignerRole,
		Data:       sig.Data,
		SignedAt:   sig.SignedAt,
	}, nil
}

// ExportIncident builds a portable snapshot of one incident.
func (a *AppServiceAdapter) ExportIncident(ctx context.Context, incidentName string) (app.Snapshot, error) {
	if err := a.configured(); err != nil {
		return app.Snapshot{}, err
	}
	snap, err := a.service.ExportIncident(ctx, incidentName)
	if err != nil {
		return app.Snapshot{}, mapAppError("export incident", err)
	}
	return snap, nil
}

// ImportIncident recreates a snapshot's forms under new ids.
func (a *AppServiceAdapter) ImportIncident(ctx context.Context, snap app.Snapshot) (app.ImportResult, error) {
	if err := a.configured(); err != nil {
		return app.ImportResult{}, err
	}
	res, err := a.service.ImportIncident(ctx, snap)
	if err != nil {
		return res, mapAppError("import incident", err)
	}
	return res, nil
}

// TrackEdit hands one in-memory edit of an existing form to the auto-save service.
func (a *AppServiceAdapter) TrackEdit(ctx context.Context, in TrackEditRequest) (TrackEditResult, error) {
	if err := a.autoSaveConfigured(); err != nil {
		return TrackEditResult{}, err
	}
	if _, err := a.service.GetForm(ctx, in.FormID); err != nil {
		return TrackEditResult{}, mapAppError("track edit", err)
	}
	changed, err := a.autosave.Track(in.FormID, in.Data, in.Version)
	if err != nil {
		return TrackEditResult{}, mapAppError("track edit", err)
	}
	return TrackEditResult{FormID: in.FormID, Changed: changed}, nil
}

// AutoSaveState reports settings, status and pending edits.
func (a *AppServiceAdapter) AutoSaveState(_ context.Context) (AutoSaveState, error) {
	if err := a.autoSaveConfigured(); err != nil {
		return AutoSaveState{}, err
	}
	status := a.autosave.Status()
	return AutoSaveState{
		Settings: a.autosave.Settings(),
		Running:  a.autosave.Running(),
		Status:   status,
		Message:  status.String(),
		Pending:  a.autosave.Pending(),
	}, nil
}

// FlushAutoSave forces a flush of every due edit. Per-form failures are
// reported in the result rather than as an error.
func (a *AppServiceAdapter) FlushAutoSave(ctx context.Context) (FlushResult, error) {
	if err := a.autoSaveConfigured(); err != nil {
		return FlushResult{}, err
	}
	saved, err := a.autosave.SaveAllPending(ctx)
	out := FlushResult{Saved: saved}
	if out.Saved == nil {
		out.Saved = []int64{}
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out, nil
}

// autoSaveConfigured reports whether an auto-save service is attached.
func (a *AppServiceAdapter) autoSaveConfigured() error {
	if err := a.configured(); err != nil {
		return err
	}
	if a.autosave == nil {
		return ErrAutoSaveUnavailable
	}
	return nil
}

// relationshipRecord maps one domain edge to its wire shape.
func relationshipRecord(rel domain.Relationship) RelationshipRecord {
	return RelationshipRecord{
		ID:           rel.ID,
		SourceFormID: rel.SourceFormID,
		TargetFormID: rel.TargetFormID,
		Kind:         string(rel.Kind),
		CreatedAt:    rel.CreatedAt,
	}
}
