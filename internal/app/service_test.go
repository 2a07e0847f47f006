package app

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/template"
	"github.com/hylla/icsforms/internal/validation"
)

type fakeRepo struct {
	nextID    int64
	forms     map[int64]domain.Form
	history   []domain.StatusHistory
	rels      []domain.Relationship
	sigs      []domain.Signature
	settings  map[string]string
	templates map[string]TemplateRecord
	lastQuery FormFilter
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		forms:     map[int64]domain.Form{},
		settings:  map[string]string{},
		templates: map[string]TemplateRecord{},
	}
}

func fallbackActor(explicit string, f domain.Form) string {
	for _, v := range []string{explicit, f.PreparerName, DefaultChangedBy} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return DefaultChangedBy
}

func (f *fakeRepo) CreateForm(_ context.Context, form domain.Form, changedBy string) (domain.Form, error) {
	f.nextID++
	form.ID = f.nextID
	f.forms[form.ID] = form
	f.history = append(f.history, domain.StatusHistory{
		ID:        int64(len(f.history) + 1),
		FormID:    form.ID,
		ToStatus:  form.Status,
		ChangedAt: form.CreatedAt,
		ChangedBy: fallbackActor(changedBy, form),
	})
	return form, nil
}

func (f *fakeRepo) GetForm(_ context.Context, id int64) (domain.Form, error) {
	form, ok := f.forms[id]
	if !ok {
		return domain.Form{}, NotFound("form", id)
	}
	form.Data = maps.Clone(form.Data)
	return form, nil
}

func (f *fakeRepo) UpdateForm(ctx context.Context, upd FormUpdate) (domain.Form, error) {
	current, err := f.GetForm(ctx, upd.ID)
	if err != nil {
		return domain.Form{}, err
	}
	if upd.Patch.ExpectedVersion != nil && *upd.Patch.ExpectedVersion != current.Version {
		return domain.Form{}, ConcurrencyConflict(*upd.Patch.ExpectedVersion, current.Version)
	}
	next, err := current.Apply(upd.Patch, upd.At)
	if err != nil {
		return domain.Form{}, err
	}
	if upd.Hook != nil {
		if err := upd.Hook(current, &next); err != nil {
			return domain.Form{}, err
		}
	}
	f.forms[next.ID] = next
	if domain.StatusChanged(current, next) {
		f.history = append(f.history, domain.StatusHistory{
			ID:         int64(len(f.history) + 1),
			FormID:     next.ID,
			FromStatus: current.Status,
			ToStatus:   next.Status,
			ChangedAt:  next.UpdatedAt,
			ChangedBy:  fallbackActor(upd.ChangedBy, next),
		})
	}
	return next, nil
}

func (f *fakeRepo) DeleteForm(_ context.Context, id int64, force bool) (bool, error) {
	form, ok := f.forms[id]
	if !ok {
		return false, nil
	}
	if form.Status == domain.StatusFinal && !force {
		return false, BusinessRule("cannot delete final form without force")
	}
	delete(f.forms, id)
	return true, nil
}

func (f *fakeRepo) SearchForms(_ context.Context, filter FormFilter) (SearchResult, error) {
	f.lastQuery = filter
	out := SearchResult{PageSize: filter.Limit}
	for _, form := range f.forms {
		if filter.IncidentName != "" && !strings.Contains(strings.ToLower(form.IncidentName), strings.ToLower(filter.IncidentName)) {
			continue
		}
		out.Forms = append(out.Forms, form)
	}
	out.TotalCount = int64(len(out.Forms))
	out.FilteredCount = out.TotalCount
	return out, nil
}

func (f *fakeRepo) ListFormsByIncident(_ context.Context, name string) ([]domain.Form, error) {
	var out []domain.Form
	for _, form := range f.forms {
		if strings.EqualFold(form.IncidentName, name) {
			out = append(out, form)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) ListRecentForms(_ context.Context, limit int) ([]domain.Form, error) {
	out := slices.Collect(maps.Values(f.forms))
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) ListStatusHistory(_ context.Context, id int64) ([]domain.StatusHistory, error) {
	var out []domain.StatusHistory
	for _, h := range f.history {
		if h.FormID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateRelationship(_ context.Context, rel domain.Relationship) (domain.Relationship, error) {
	rel.ID = int64(len(f.rels) + 1)
	f.rels = append(f.rels, rel)
	return rel, nil
}

func (f *fakeRepo) ListRelationships(_ context.Context, id int64) ([]domain.Relationship, error) {
	var out []domain.Relationship
	for _, rel := range f.rels {
		if rel.SourceFormID == id || rel.TargetFormID == id {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteRelationship(_ context.Context, id int64) (bool, error) {
	before := len(f.rels)
	f.rels = slices.DeleteFunc(f.rels, func(rel domain.Relationship) bool { return rel.ID == id })
	return len(f.rels) < before, nil
}

func (f *fakeRepo) CreateSignature(_ context.Context, sig domain.Signature) (domain.Signature, error) {
	sig.ID = int64(len(f.sigs) + 1)
	f.sigs = append(f.sigs, sig)
	return sig, nil
}

func (f *fakeRepo) ListSignatures(_ context.Context, id int64) ([]domain.Signature, error) {
	var out []domain.Signature
	for _, sig := range f.sigs {
		if sig.FormID == id {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetSetting(_ context.Context, key string) (string, bool, error) {
	v, ok := f.settings[key]
	return v, ok, nil
}

func (f *fakeRepo) PutSetting(_ context.Context, key, value string, _ time.Time) error {
	f.settings[key] = value
	return nil
}

func (f *fakeRepo) UpsertTemplateRecord(_ context.Context, rec TemplateRecord) error {
	f.templates[rec.TemplateID] = rec
	return nil
}

func (f *fakeRepo) ListTemplateRecords(context.Context) ([]TemplateRecord, error) {
	return slices.Collect(maps.Values(f.templates)), nil
}

func (f *fakeRepo) DatabaseStats(context.Context) (DatabaseStats, error) {
	return DatabaseStats{TotalForms: int64(len(f.forms))}, nil
}

type fakeAutoSave struct {
	applied []AutoSaveSettings
}

func (f *fakeAutoSave) ApplySettings(s AutoSaveSettings) error {
	f.applied = append(f.applied, s)
	return nil
}

func (f *fakeAutoSave) Settings() AutoSaveSettings {
	if len(f.applied) == 0 {
		return AutoSaveSettings{}
	}
	return f.applied[len(f.applied)-1]
}

var testNow = time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeRepo) {
	t.Helper()
	reg, err := template.LoadBundled(context.Background(), template.LoaderConfig{FailOnError: true})
	if err != nil {
		t.Fatalf("LoadBundled() error = %v", err)
	}
	clock := func() time.Time { return testNow }
	repo := newFakeRepo()
	svc := NewService(repo, reg, validation.New(validation.Config{Clock: clock}), clock, ServiceConfig{RecoveryDir: "/tmp/recovery"})
	return svc, repo
}

func createPineCanyon(t *testing.T, svc *Service) domain.Form {
	t.Helper()
	form, err := svc.CreateForm(context.Background(), CreateFormInput{
		FormType:     domain.FormTypeICS201,
		IncidentName: "Pine Canyon",
		PreparerName: "Martinez",
	})
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}
	return form
}

func TestServiceCreateFormSeedsDefaults(t *testing.T) {
	svc, repo := newTestService(t)
	form := createPineCanyon(t, svc)

	if form.ID <= 0 || form.Version != 1 || form.Status != domain.StatusDraft {
		t.Fatalf("unexpected created form %+v", form)
	}
	want := map[string]any{
		"incident_name": "Pine Canyon",
		"form_type":     "ICS-201",
		"date_prepared": "2026-02-21",
		"time_prepared": "12:00",
		"preparer_name": "Martinez",
	}
	for key, value := range want {
		if form.Data[key] != value {
			t.Fatalf("data[%s] = %v, want %v", key, form.Data[key], value)
		}
	}
	history, _ := repo.ListStatusHistory(context.Background(), form.ID)
	if len(history) != 1 || history[0].FromStatus != "" || history[0].ToStatus != domain.StatusDraft || history[0].ChangedBy != "Martinez" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestServiceCreateFormTemplateDefaultsAndActor(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := WithChangeActor(context.Background(), ChangeActor{Name: "Lee"})
	form, err := svc.CreateForm(ctx, CreateFormInput{
		FormType:     domain.FormTypeICS209,
		IncidentName: "Pine Canyon",
		TemplateID:   "ics-209-standard",
		Data:         map[string]any{"incident_size": 120},
	})
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}
	if form.Data["size_unit"] != "acres" {
		t.Fatalf("size_unit = %v, want template default acres", form.Data["size_unit"])
	}
	if form.Data["incident_size"] != float64(120) {
		t.Fatalf("incident_size = %#v, want JSON-normalized 120", form.Data["incident_size"])
	}
	history, _ := repo.ListStatusHistory(ctx, form.ID)
	if history[0].ChangedBy != "Lee" {
		t.Fatalf("ChangedBy = %q, want context actor Lee", history[0].ChangedBy)
	}
}

func TestServiceCreateFormRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	start := testNow
	end := testNow.Add(72*time.Hour + time.Second)

	cases := []struct {
		name string
		in   CreateFormInput
		want error
	}{
		{name: "short name", in: CreateFormInput{FormType: domain.FormTypeICS201, IncidentName: "PC"}, want: ErrValidation},
		{name: "unknown type", in: CreateFormInput{FormType: "ICS-999", IncidentName: "Pine Canyon"}, want: ErrValidation},
		{name: "long period", in: CreateFormInput{FormType: domain.FormTypeICS201, IncidentName: "Pine Canyon", OperationalPeriodStart: &start, OperationalPeriodEnd: &end}, want: ErrBusinessRule},
		{name: "template mismatch", in: CreateFormInput{FormType: domain.FormTypeICS201, IncidentName: "Pine Canyon", TemplateID: "ics-202-standard"}, want: ErrValidation},
		{name: "wrong shape", in: CreateFormInput{FormType: domain.FormTypeICS201, IncidentName: "Pine Canyon", Data: map[string]any{"current_actions": "none"}}, want: ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateForm(ctx, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("CreateForm() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestServiceUpdateLifecycle(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	form := createPineCanyon(t, svc)

	completed := domain.StatusCompleted
	updated, err := svc.UpdateForm(ctx, form.ID, domain.FormPatch{Status: &completed})
	if err != nil {
		t.Fatalf("UpdateForm(completed) error = %v", err)
	}
	if updated.Version != 2 || len(updated.ValidationResults) == 0 {
		t.Fatalf("unexpected completed form version=%d results=%d", updated.Version, len(updated.ValidationResults))
	}

	final := domain.StatusFinal
	if _, err := svc.UpdateForm(ctx, form.ID, domain.FormPatch{Status: &final}); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("UpdateForm(final without approval) error = %v, want business rule", err)
	}

	approver := "Adams"
	approvedAt := testNow
	updated, err = svc.UpdateForm(ctx, form.ID, domain.FormPatch{Status: &final, ApprovedBy: &approver, ApprovedAt: &approvedAt})
	if err != nil {
		t.Fatalf("UpdateForm(final) error = %v", err)
	}
	if updated.Version != 3 || updated.Data["approved_by"] != "Adams" {
		t.Fatalf("unexpected final form %+v", updated)
	}

	stale := int64(2)
	notes := "late edit"
	_, err = svc.UpdateForm(ctx, form.ID, domain.FormPatch{Notes: &notes, ExpectedVersion: &stale})
	var coreErr *Error
	if !errors.As(err, &coreErr) || coreErr.Category != CategoryConcurrency || coreErr.Expected != 2 || coreErr.Actual != 3 {
		t.Fatalf("UpdateForm(stale) error = %v, want concurrency 2/3", err)
	}

	history, _ := repo.ListStatusHistory(ctx, form.ID)
	if len(history) != 3 || history[1].FromStatus != domain.StatusDraft || history[1].ToStatus != domain.StatusCompleted {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestServiceUpdateRejectsIncompleteAndEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	form, err := svc.CreateForm(ctx, CreateFormInput{FormType: domain.FormTypeICS201, IncidentName: "Pine Canyon"})
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}

	completed := domain.StatusCompleted
	_, err = svc.UpdateForm(ctx, form.ID, domain.FormPatch{Status: &completed})
	if !errors.Is(err, ErrBusinessRule) || !strings.Contains(err.Error(), "Name is required") {
		t.Fatalf("UpdateForm(incomplete) error = %v", err)
	}
	if _, err := svc.UpdateForm(ctx, form.ID, domain.FormPatch{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("UpdateForm(empty) error = %v, want validation", err)
	}
	if _, err := svc.UpdateForm(ctx, 0, domain.FormPatch{Status: &completed}); !errors.Is(err, ErrValidation) {
		t.Fatalf("UpdateForm(id 0) error = %v, want validation", err)
	}

	name := "Pine Ridge"
	updated, err := svc.UpdateForm(ctx, form.ID, domain.FormPatch{IncidentName: &name})
	if err != nil {
		t.Fatalf("UpdateForm(rename) error = %v", err)
	}
	if updated.Data["incident_name"] != "Pine Ridge" {
		t.Fatalf("data incident_name = %v, want envelope sync", updated.Data["incident_name"])
	}
}

func TestServiceDuplicateForm(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	start := testNow.Add(-2 * time.Hour)
	end := testNow.Add(10 * time.Hour)
	src, err := svc.CreateForm(ctx, CreateFormInput{
		FormType:               domain.FormTypeICS202,
		IncidentName:           "Pine Canyon",
		PreparerName:           "Martinez",
		OperationalPeriodStart: &start,
		OperationalPeriodEnd:   &end,
		Data:                   map[string]any{"objectives": "Hold the ridge", "date_prepared": "2026-02-01"},
	})
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}

	dup, err := svc.DuplicateForm(ctx, src.ID, "Pine Canyon II")
	if err != nil {
		t.Fatalf("DuplicateForm() error = %v", err)
	}
	if dup.ID == src.ID || dup.Version != 1 || dup.Status != domain.StatusDraft {
		t.Fatalf("unexpected duplicate %+v", dup)
	}
	if dup.IncidentName != "Pine Canyon II" || dup.Data["incident_name"] != "Pine Canyon II" {
		t.Fatalf("duplicate not renamed: %+v", dup)
	}
	if dup.Data["objectives"] != "Hold the ridge" || dup.Data["date_prepared"] != "2026-02-21" {
		t.Fatalf("unexpected duplicate data %#v", dup.Data)
	}
	if dup.OperationalPeriodStart != nil || dup.Data["operational_period_from"] != nil {
		t.Fatalf("duplicate kept operational period: %#v", dup.Data)
	}
}

func TestServiceSearchAndListing(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	for _, name := range []string{"Creek Fire", "Ridge Fire", "Lake Fire", "River Flood"} {
		if _, err := svc.CreateForm(ctx, CreateFormInput{FormType: domain.FormTypeICS201, IncidentName: name}); err != nil {
			t.Fatalf("CreateForm(%s) error = %v", name, err)
		}
	}

	res, err := svc.SearchForms(ctx, FormFilter{IncidentName: "fire", Limit: 101})
	if err != nil {
		t.Fatalf("SearchForms() error = %v", err)
	}
	if res.FilteredCount != 3 || res.TotalCount != 3 {
		t.Fatalf("unexpected counts filtered=%d total=%d", res.FilteredCount, res.TotalCount)
	}
	if repo.lastQuery.Limit != MaxSearchLimit || repo.lastQuery.OrderBy != OrderByUpdatedAt || !*repo.lastQuery.Descending {
		t.Fatalf("filter not normalized: %+v", repo.lastQuery)
	}
	if _, err := svc.SearchForms(ctx, FormFilter{Status: "pending"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("SearchForms(bad status) error = %v", err)
	}
	if _, err := svc.SearchForms(ctx, FormFilter{OrderBy: "data"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("SearchForms(bad order) error = %v", err)
	}

	byIncident, err := svc.GetFormsByIncident(ctx, " lake fire ")
	if err != nil || len(byIncident) != 1 {
		t.Fatalf("GetFormsByIncident() = %d, %v", len(byIncident), err)
	}
	recent, err := svc.GetRecentForms(ctx, 2)
	if err != nil || len(recent) != 2 || recent[0].IncidentName != "River Flood" {
		t.Fatalf("GetRecentForms() = %+v, %v", recent, err)
	}
}

func TestServiceValidateOperations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	form := createPineCanyon(t, svc)

	res, err := svc.ValidateForm(ctx, ValidateFormInput{FormID: form.ID})
	if err != nil || !res.IsSubmittable {
		t.Fatalf("ValidateForm(stored) = %+v, %v", res, err)
	}
	res, err = svc.ValidateForm(ctx, ValidateFormInput{FormType: domain.FormTypeICS201, Data: map[string]any{}})
	if err != nil || res.IsSubmittable {
		t.Fatalf("ValidateForm(empty data) = %+v, %v", res, err)
	}
	res, err = svc.ValidateField(ctx, domain.FormTypeICS201, "incident_name", "PC", nil)
	if err != nil || len(res.Errors) != 1 {
		t.Fatalf("ValidateField() = %+v, %v", res, err)
	}
	if _, err := svc.ValidateField(ctx, domain.FormTypeICS201, "nope", "x", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("ValidateField(unknown) error = %v", err)
	}
	if _, err := svc.ValidateField(ctx, "ICS-000", "x", "x", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("ValidateField(bad type) error = %v", err)
	}
}

func TestServiceConfigureAutoSave(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ctrl := &fakeAutoSave{}
	svc.AttachAutoSave(ctrl)

	got, err := svc.AutoSaveSettings(ctx)
	if err != nil || got.IntervalSeconds != DefaultAutoSaveInterval || got.RecoveryDir != "/tmp/recovery" {
		t.Fatalf("AutoSaveSettings(default) = %+v, %v", got, err)
	}

	want := AutoSaveSettings{Enabled: true, IntervalSeconds: 10, RecoveryEnabled: true, MaxAgeHours: 6}
	applied, err := svc.ConfigureAutoSave(ctx, want)
	if err != nil {
		t.Fatalf("ConfigureAutoSave() error = %v", err)
	}
	if applied.RecoveryDir != "/tmp/recovery" || ctrl.Settings() != applied {
		t.Fatalf("settings not applied: %+v / %+v", applied, ctrl.Settings())
	}
	if _, ok := repo.settings[AutoSaveSettingsKey]; !ok {
		t.Fatal("settings not persisted")
	}
	reloaded, err := svc.AutoSaveSettings(ctx)
	if err != nil || reloaded != applied {
		t.Fatalf("AutoSaveSettings() = %+v, %v", reloaded, err)
	}

	if _, err := svc.ConfigureAutoSave(ctx, AutoSaveSettings{IntervalSeconds: 1, MaxAgeHours: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("ConfigureAutoSave(bad interval) error = %v", err)
	}
	if len(ctrl.applied) != 1 {
		t.Fatalf("invalid settings reached controller: %+v", ctrl.applied)
	}
}

func TestServiceRelationshipsSignaturesTemplates(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	a := createPineCanyon(t, svc)
	b := createPineCanyon(t, svc)

	if _, err := svc.AddRelationship(ctx, a.ID, a.ID, domain.RelationFeeds); !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("AddRelationship(self) error = %v", err)
	}
	if _, err := svc.AddRelationship(ctx, a.ID, b.ID, "blocks"); !errors.Is(err, ErrValidation) {
		t.Fatalf("AddRelationship(bad kind) error = %v", err)
	}
	rel, err := svc.AddRelationship(ctx, a.ID, b.ID, domain.RelationSupersedes)
	if err != nil {
		t.Fatalf("AddRelationship() error = %v", err)
	}
	rels, _ := svc.ListRelationships(ctx, b.ID)
	if len(rels) != 1 || rels[0].ID != rel.ID {
		t.Fatalf("unexpected relationships %+v", rels)
	}

	sig, err := svc.SignForm(ctx, a.ID, " Adams ", "IC", []byte{1, 2, 3})
	if err != nil || sig.SignerName != "Adams" || !sig.SignedAt.Equal(testNow) {
		t.Fatalf("SignForm() = %+v, %v", sig, err)
	}
	if _, err := svc.SignForm(ctx, a.ID, "", "IC", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("SignForm(no signer) error = %v", err)
	}

	n, err := svc.SyncTemplates(ctx)
	if err != nil || n != len(domain.FormTypes()) || len(repo.templates) != n {
		t.Fatalf("SyncTemplates() = %d, %v", n, err)
	}
}
