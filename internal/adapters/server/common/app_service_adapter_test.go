package common

import (
	"context"
	"errors"
	"testing"

	"github.com/hylla/icsforms/internal/adapters/storage/sqlite"
	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/autosave"
	"github.com/hylla/icsforms/internal/template"
)

// newTestAdapter builds an adapter over an in-memory store and the bundled templates.
func newTestAdapter(t *testing.T, withAutoSave bool) *AppServiceAdapter {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, sqlite.Options{})
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	reg, err := template.LoadBundled(ctx, template.LoaderConfig{FailOnError: true})
	if err != nil {
		t.Fatalf("LoadBundled() error = %v", err)
	}
	recoveryDir := t.TempDir()
	svc := app.NewService(store, reg, nil, nil, app.ServiceConfig{RecoveryDir: recoveryDir})
	if !withAutoSave {
		return NewAppServiceAdapter(svc, nil)
	}
	saver, err := autosave.New(svc, autosave.Config{Settings: app.DefaultAutoSaveSettings(recoveryDir)})
	if err != nil {
		t.Fatalf("autosave.New() error = %v", err)
	}
	svc.AttachAutoSave(saver)
	return NewAppServiceAdapter(svc, saver)
}

func TestAdapterFormLifecycle(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t, false)

	created, err := adapter.CreateForm(ctx, CreateFormRequest{
		Actor:        Actor{ActorName: "Martinez"},
		FormType:     "ics-201",
		IncidentName: "Pine Canyon",
		PreparerName: "Martinez",
		Priority:     "Urgent",
	})
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}
	if created.ID <= 0 || created.Version != 1 || created.Status != "draft" || created.FormType != "ICS-201" {
		t.Fatalf("unexpected created form %#v", created)
	}
	if created.Priority != "urgent" {
		t.Fatalf("expected normalized priority, got %q", created.Priority)
	}

	notes := "initial briefing"
	updated, err := adapter.UpdateForm(ctx, UpdateFormRequest{
		Actor:           Actor{ActorName: "Lee"},
		ID:              created.ID,
		Notes:           &notes,
		ExpectedVersion: &created.Version,
	})
	if err != nil {
		t.Fatalf("UpdateForm() error = %v", err)
	}
	if updated.Version != 2 || updated.Notes != notes {
		t.Fatalf("unexpected updated form %#v", updated)
	}

	stale := int64(1)
	_, err = adapter.UpdateForm(ctx, UpdateFormRequest{ID: created.ID, Notes: &notes, ExpectedVersion: &stale})
	if !errors.Is(err, ErrVersionConflict) || !errors.Is(err, app.ErrConcurrency) {
		t.Fatalf("UpdateForm(stale) error = %v, want version conflict", err)
	}

	history, err := adapter.GetStatusHistory(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetStatusHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].ToStatus != "draft" || history[0].ChangedBy != "Martinez" {
		t.Fatalf("unexpected history %#v", history)
	}

	dup, err := adapter.DuplicateForm(ctx, DuplicateFormRequest{ID: created.ID, NewIncidentName: "Cedar Fire"})
	if err != nil {
		t.Fatalf("DuplicateForm() error = %v", err)
	}
	if dup.ID == created.ID || dup.IncidentName != "Cedar Fire" || dup.Version != 1 {
		t.Fatalf("unexpected duplicate %#v", dup)
	}

	byIncident, err := adapter.GetFormsByIncident(ctx, "pine canyon")
	if err != nil || len(byIncident) != 1 {
		t.Fatalf("GetFormsByIncident() = %d, %v", len(byIncident), err)
	}
	recent, err := adapter.GetRecentForms(ctx, 0)
	if err != nil || len(recent) != 2 {
		t.Fatalf("GetRecentForms() = %d, %v", len(recent), err)
	}

	deleted, err := adapter.DeleteForm(ctx, DeleteFormRequest{ID: dup.ID})
	if err != nil || !deleted {
		t.Fatalf("DeleteForm() = %t, %v", deleted, err)
	}
	deleted, err = adapter.DeleteForm(ctx, DeleteFormRequest{ID: dup.ID})
	if err != nil || deleted {
		t.Fatalf("DeleteForm(missing) = %t, %v", deleted, err)
	}
	if _, err := adapter.GetForm(ctx, dup.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetForm(deleted) error = %v, want not found", err)
	}
}

func TestAdapterRejectsBadEnums(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t, false)

	if _, err := adapter.CreateForm(ctx, CreateFormRequest{FormType: "ICS-999", IncidentName: "Pine Canyon"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CreateForm(bad type) error = %v", err)
	}
	if _, err := adapter.CreateForm(ctx, CreateFormRequest{FormType: "ICS-201", IncidentName: "Pine Canyon", Priority: "whenever"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CreateForm(bad priority) error = %v", err)
	}
	if _, err := adapter.CreateForm(ctx, CreateFormRequest{FormType: "ICS-201", IncidentName: "PC"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CreateForm(short name) error = %v", err)
	}
	if _, err := adapter.CreateForm(ctx, CreateFormRequest{Actor: Actor{ActorName: "x", ActorType: "robot"}, FormType: "ICS-201", IncidentName: "Pine Canyon"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CreateForm(bad actor type) error = %v", err)
	}
	if _, err := adapter.SearchForms(ctx, SearchFormsRequest{OrderBy: "random()"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("SearchForms(bad order) error = %v", err)
	}
	if _, err := adapter.AddRelationship(ctx, AddRelationshipRequest{SourceFormID: 1, TargetFormID: 2, Kind: "likes"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("AddRelationship(bad kind) error = %v", err)
	}
}

func TestAdapterSearchValidateAndStats(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t, false)
	for _, name := range []string{"Pine Canyon", "Cedar Fire", "Pine Ridge"} {
		if _, err := adapter.CreateForm(ctx, CreateFormRequest{FormType: "ICS-202", IncidentName: name}); err != nil {
			t.Fatalf("CreateForm(%s) error = %v", name, err)
		}
	}

	res, err := adapter.SearchForms(ctx, SearchFormsRequest{IncidentName: "pine", Limit: 1, OrderBy: "incident_name"})
	if err != nil {
		t.Fatalf("SearchForms() error = %v", err)
	}
	if res.TotalCount != 2 || res.FilteredCount != 1 || len(res.Forms) != 1 || !res.HasMore {
		t.Fatalf("unexpected search result %#v", res)
	}

	field, err := adapter.ValidateField(ctx, ValidateFieldRequest{FormType: "ICS-202", FieldID: "incident_name", Value: ""})
	if err != nil {
		t.Fatalf("ValidateField() error = %v", err)
	}
	if field.IsSubmittable || len(field.Errors) == 0 {
		t.Fatalf("expected required-field error, got %#v", field)
	}
	if _, err := adapter.ValidateField(ctx, ValidateFieldRequest{FormType: "ICS-202", FieldID: " "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ValidateField(no field) error = %v", err)
	}

	stored, err := adapter.ValidateForm(ctx, ValidateFormRequest{FormID: res.Forms[0].ID})
	if err != nil {
		t.Fatalf("ValidateForm(stored) error = %v", err)
	}
	if stored.TemplateID == "" {
		t.Fatalf("expected template id on result %#v", stored)
	}
	if _, err := adapter.ValidateForm(ctx, ValidateFormRequest{FormID: 999}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ValidateForm(missing) error = %v", err)
	}

	stats, err := adapter.GetDatabaseStats(ctx)
	if err != nil {
		t.Fatalf("GetDatabaseStats() error = %v", err)
	}
	if stats.TotalForms != 3 {
		t.Fatalf("expected 3 forms in stats, got %d", stats.TotalForms)
	}
}

func TestAdapterRecordsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t, false)
	a, err := adapter.CreateForm(ctx, CreateFormRequest{FormType: "ICS-201", IncidentName: "Pine Canyon"})
	if err != nil {
		t.Fatalf("CreateForm(a) error = %v", err)
	}
	b, err := adapter.CreateForm(ctx, CreateFormRequest{FormType: "ICS-202", IncidentName: "Pine Canyon"})
	if err != nil {
		t.Fatalf("CreateForm(b) error = %v", err)
	}

	rel, err := adapter.AddRelationship(ctx, AddRelationshipRequest{SourceFormID: a.ID, TargetFormID: b.ID, Kind: "Feeds"})
	if err != nil {
		t.Fatalf("AddRelationship() error = %v", err)
	}
	if rel.Kind != "feeds" {
		t.Fatalf("unexpected relationship %#v", rel)
	}
	if _, err := adapter.AddRelationship(ctx, AddRelationshipRequest{SourceFormID: b.ID, TargetFormID: a.ID, Kind: "feeds"}); !errors.Is(err, ErrRuleViolation) {
		t.Fatalf("AddRelationship(cycle) error = %v, want rule violation", err)
	}
	rels, err := adapter.ListRelationships(ctx, b.ID)
	if err != nil || len(rels) != 1 {
		t.Fatalf("ListRelationships() = %#v, %v", rels, err)
	}

	sig, err := adapter.SignForm(ctx, SignFormRequest{FormID: a.ID, SignerName: "Adams", Data: []byte("ink")})
	if err != nil {
		t.Fatalf("SignForm() error = %v", err)
	}
	if sig.ID <= 0 || string(sig.Data) != "ink" {
		t.Fatalf("unexpected signature %#v", sig)
	}

	snap, err := adapter.ExportIncident(ctx, "Pine Canyon")
	if err != nil {
		t.Fatalf("ExportIncident() error = %v", err)
	}
	if len(snap.Forms) != 2 || len(snap.Relationships) != 1 || len(snap.Signatures) != 1 {
		t.Fatalf("unexpected snapshot sizes %d/%d/%d", len(snap.Forms), len(snap.Relationships), len(snap.Signatures))
	}
	if _, err := adapter.ExportIncident(ctx, "Nowhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ExportIncident(unknown) error = %v", err)
	}

	other := newTestAdapter(t, false)
	res, err := other.ImportIncident(ctx, snap)
	if err != nil {
		t.Fatalf("ImportIncident() error = %v", err)
	}
	if len(res.Forms) != 2 || res.Relationships != 1 || res.Signatures != 1 {
		t.Fatalf("unexpected import result %#v", res)
	}
	snap.Version = "icsforms.incident.v0"
	if _, err := other.ImportIncident(ctx, snap); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ImportIncident(bad version) error = %v", err)
	}
}

func TestAdapterAutoSaveSurface(t *testing.T) {
	ctx := context.Background()
	without := newTestAdapter(t, false)
	if _, err := without.AutoSaveState(ctx); !errors.Is(err, ErrAutoSaveUnavailable) {
		t.Fatalf("AutoSaveState(no service) error = %v", err)
	}

	adapter := newTestAdapter(t, true)
	form, err := adapter.CreateForm(ctx, CreateFormRequest{FormType: "ICS-201", IncidentName: "Pine Canyon"})
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}
	if _, err := adapter.TrackEdit(ctx, TrackEditRequest{FormID: 404, Data: map[string]any{}, Version: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("TrackEdit(missing form) error = %v", err)
	}

	data := form.Data
	data["situation_summary"] = "Spot fires east of the ridge"
	tracked, err := adapter.TrackEdit(ctx, TrackEditRequest{FormID: form.ID, Data: data, Version: form.Version})
	if err != nil || !tracked.Changed {
		t.Fatalf("TrackEdit() = %#v, %v", tracked, err)
	}
	state, err := adapter.AutoSaveState(ctx)
	if err != nil {
		t.Fatalf("AutoSaveState() error = %v", err)
	}
	if len(state.Pending) != 1 || state.Pending[0].Saved || state.Running {
		t.Fatalf("unexpected auto-save state %#v", state)
	}

	flushed, err := adapter.FlushAutoSave(ctx)
	if err != nil || flushed.Error != "" || len(flushed.Saved) != 1 || flushed.Saved[0] != form.ID {
		t.Fatalf("FlushAutoSave() = %#v, %v", flushed, err)
	}
	got, err := adapter.GetForm(ctx, form.ID)
	if err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}
	if got.Version != 2 || got.Data["situation_summary"] != "Spot fires east of the ridge" {
		t.Fatalf("auto-save did not persist: %#v", got)
	}

	settings := app.DefaultAutoSaveSettings("")
	settings.IntervalSeconds = 120
	applied, err := adapter.ConfigureAutoSave(ctx, settings)
	if err != nil {
		t.Fatalf("ConfigureAutoSave() error = %v", err)
	}
	state, err = adapter.AutoSaveState(ctx)
	if err != nil {
		t.Fatalf("AutoSaveState() error = %v", err)
	}
	if applied.RecoveryDir == "" || state.Settings.IntervalSeconds != 120 {
		t.Fatalf("settings not applied live: %#v / %#v", applied, state.Settings)
	}
}
