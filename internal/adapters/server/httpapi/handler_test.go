package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hylla/icsforms/internal/adapters/server/common"
	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/validation"
)

// stubForms provides deterministic form-service responses for handler tests.
type stubForms struct {
	form       common.FormRecord
	forms      []common.FormRecord
	search     common.SearchFormsResult
	result     validation.Result
	settings   app.AutoSaveSettings
	stats      app.DatabaseStats
	deleted    bool
	err        error
	lastCreate common.CreateFormRequest
	lastUpdate common.UpdateFormRequest
	lastDelete common.DeleteFormRequest
	lastSearch common.SearchFormsRequest
	lastDup    common.DuplicateFormRequest
	lastField  common.ValidateFieldRequest
	lastForm   common.ValidateFormRequest
	lastID     int64
	lastName   string
	lastLimit  int
}

func (s *stubForms) CreateForm(_ context.Context, req common.CreateFormRequest) (common.FormRecord, error) {
	s.lastCreate = req
	return s.form, s.err
}

func (s *stubForms) GetForm(_ context.Context, id int64) (common.FormRecord, error) {
	s.lastID = id
	return s.form, s.err
}

func (s *stubForms) UpdateForm(_ context.Context, req common.UpdateFormRequest) (common.FormRecord, error) {
	s.lastUpdate = req
	return s.form, s.err
}

func (s *stubForms) DeleteForm(_ context.Context, req common.DeleteFormRequest) (bool, error) {
	s.lastDelete = req
	return s.deleted, s.err
}

func (s *stubForms) SearchForms(_ context.Context, req common.SearchFormsRequest) (common.SearchFormsResult, error) {
	s.lastSearch = req
	return s.search, s.err
}

func (s *stubForms) GetFormsByIncident(_ context.Context, name string) ([]common.FormRecord, error) {
	s.lastName = name
	return s.forms, s.err
}

func (s *stubForms) GetRecentForms(_ context.Context, limit int) ([]common.FormRecord, error) {
	s.lastLimit = limit
	return s.forms, s.err
}

func (s *stubForms) DuplicateForm(_ context.Context, req common.DuplicateFormRequest) (common.FormRecord, error) {
	s.lastDup = req
	return s.form, s.err
}

func (s *stubForms) ValidateField(_ context.Context, req common.ValidateFieldRequest) (validation.Result, error) {
	s.lastField = req
	return s.result, s.err
}

func (s *stubForms) ValidateForm(_ context.Context, req common.ValidateFormRequest) (validation.Result, error) {
	s.lastForm = req
	return s.result, s.err
}

func (s *stubForms) ConfigureAutoSave(_ context.Context, in app.AutoSaveSettings) (app.AutoSaveSettings, error) {
	s.settings = in
	return in, s.err
}

func (s *stubForms) GetDatabaseStats(context.Context) (app.DatabaseStats, error) {
	return s.stats, s.err
}

// stubRecords provides deterministic record-service responses.
type stubRecords struct {
	rel      common.RelationshipRecord
	sig      common.SignatureRecord
	snap     app.Snapshot
	imported app.ImportResult
	err      error
	lastRel  common.AddRelationshipRequest
	lastSign common.SignFormRequest
	lastSnap app.Snapshot
}

func (s *stubRecords) GetStatusHistory(_ context.Context, id int64) ([]common.StatusChangeRecord, error) {
	return []common.StatusChangeRecord{{FormID: id, ToStatus: "draft", ChangedBy: "system"}}, s.err
}

func (s *stubRecords) ListRelationships(context.Context, int64) ([]common.RelationshipRecord, error) {
	return []common.RelationshipRecord{s.rel}, s.err
}

func (s *stubRecords) AddRelationship(_ context.Context, req common.AddRelationshipRequest) (common.RelationshipRecord, error) {
	s.lastRel = req
	return s.rel, s.err
}

func (s *stubRecords) SignForm(_ context.Context, req common.SignFormRequest) (common.SignatureRecord, error) {
	s.lastSign = req
	return s.sig, s.err
}

func (s *stubRecords) ExportIncident(context.Context, string) (app.Snapshot, error) {
	return s.snap, s.err
}

func (s *stubRecords) ImportIncident(_ context.Context, snap app.Snapshot) (app.ImportResult, error) {
	s.lastSnap = snap
	return s.imported, s.err
}

// stubAutoSave provides deterministic auto-save responses.
type stubAutoSave struct {
	state     common.AutoSaveState
	flushed   common.FlushResult
	lastTrack common.TrackEditRequest
}

func (s *stubAutoSave) TrackEdit(_ context.Context, req common.TrackEditRequest) (common.TrackEditResult, error) {
	s.lastTrack = req
	return common.TrackEditResult{FormID: req.FormID, Changed: true}, nil
}

func (s *stubAutoSave) AutoSaveState(context.Context) (common.AutoSaveState, error) {
	return s.state, nil
}

func (s *stubAutoSave) FlushAutoSave(context.Context) (common.FlushResult, error) {
	return s.flushed, nil
}

// serve runs one request through the handler.
func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// decodeBody decodes one JSON response body into the requested type.
func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return out
}

// TestHandlerCreateForm verifies create_form request decoding and 201 status.
func TestHandlerCreateForm(t *testing.T) {
	forms := &stubForms{form: common.FormRecord{ID: 7, FormType: "ICS-201", Status: "draft", Version: 1}}
	h := NewHandler(forms, nil, nil)

	rec := serve(t, h, http.MethodPost, "/forms", `{"form_type":"ics-201","incident_name":"Pine Ridge","actor_name":"Martinez","data":{"situation_summary":"spot fire"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	got := decodeBody[common.FormRecord](t, rec)
	if got.ID != 7 || got.Version != 1 {
		t.Fatalf("form = %#v, want id 7 version 1", got)
	}
	if forms.lastCreate.IncidentName != "Pine Ridge" || forms.lastCreate.ActorName != "Martinez" {
		t.Fatalf("create request = %#v", forms.lastCreate)
	}
	if forms.lastCreate.Data["situation_summary"] != "spot fire" {
		t.Fatalf("data = %#v", forms.lastCreate.Data)
	}
}

// TestHandlerRejectsMalformedBodies verifies strict JSON decoding.
func TestHandlerRejectsMalformedBodies(t *testing.T) {
	h := NewHandler(&stubForms{}, nil, nil)
	cases := map[string]string{
		"unknown field":    `{"form_type":"ICS-201","bogus":1}`,
		"trailing content": `{"form_type":"ICS-201"}{"x":1}`,
		"not json":         `form_type=ICS-201`,
		"empty":            ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(t, h, http.MethodPost, "/forms", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			env := decodeBody[ErrorEnvelope](t, rec)
			if env.Error.Code != "invalid_request" {
				t.Fatalf("code = %q, want invalid_request", env.Error.Code)
			}
		})
	}
}

// TestHandlerGetFormPathValidation verifies id parsing on path segments.
func TestHandlerGetFormPathValidation(t *testing.T) {
	forms := &stubForms{form: common.FormRecord{ID: 12}}
	h := NewHandler(forms, nil, nil)

	if rec := serve(t, h, http.MethodGet, "/forms/12", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if forms.lastID != 12 {
		t.Fatalf("id = %d, want 12", forms.lastID)
	}
	for _, target := range []string{"/forms/abc", "/forms/0", "/forms/-3"} {
		if rec := serve(t, h, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", target, rec.Code)
		}
	}
}

// TestHandlerUpdateFormIfMatch verifies version preconditions from headers and bodies.
func TestHandlerUpdateFormIfMatch(t *testing.T) {
	forms := &stubForms{form: common.FormRecord{ID: 3, Version: 5}}
	h := NewHandler(forms, nil, nil)

	req := httptest.NewRequest(http.MethodPatch, "/forms/3", strings.NewReader(`{"status":"completed"}`))
	req.Header.Set("If-Match", `"4"`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if forms.lastUpdate.ID != 3 {
		t.Fatalf("id = %d, want 3", forms.lastUpdate.ID)
	}
	if forms.lastUpdate.ExpectedVersion == nil || *forms.lastUpdate.ExpectedVersion != 4 {
		t.Fatalf("expected version = %v, want 4", forms.lastUpdate.ExpectedVersion)
	}
	if forms.lastUpdate.Status == nil || *forms.lastUpdate.Status != "completed" {
		t.Fatalf("status = %v, want completed", forms.lastUpdate.Status)
	}

	rec = serve(t, h, http.MethodPatch, "/forms/3", `{"expected_version":9}`)
	if rec.Code != http.StatusOK || *forms.lastUpdate.ExpectedVersion != 9 {
		t.Fatalf("body version not used: status %d version %v", rec.Code, forms.lastUpdate.ExpectedVersion)
	}

	req = httptest.NewRequest(http.MethodPatch, "/forms/3", strings.NewReader(`{}`))
	req.Header.Set("If-Match", "v4")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad If-Match status = %d, want 400", rec.Code)
	}
}

// TestHandlerErrorMapping verifies structured status mapping for adapter errors.
func TestHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantKey  string
	}{
		{name: "not found", err: fmt.Errorf("get form: %w", common.ErrNotFound), wantCode: http.StatusNotFound, wantKey: "not_found"},
		{name: "invalid", err: common.ErrInvalidRequest, wantCode: http.StatusBadRequest, wantKey: "invalid_request"},
		{name: "rule", err: common.ErrRuleViolation, wantCode: http.StatusUnprocessableEntity, wantKey: "rule_violation"},
		{name: "unavailable", err: common.ErrUnavailable, wantCode: http.StatusServiceUnavailable, wantKey: "unavailable"},
		{name: "unknown", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantKey: "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&stubForms{err: tc.err}, nil, nil)
			rec := serve(t, h, http.MethodGet, "/forms/1", "")
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			env := decodeBody[ErrorEnvelope](t, rec)
			if env.Error.Code != tc.wantKey {
				t.Fatalf("code = %q, want %q", env.Error.Code, tc.wantKey)
			}
		})
	}
}

// TestHandlerVersionConflictContext verifies optimistic-lock versions surface in error context.
func TestHandlerVersionConflictContext(t *testing.T) {
	coreErr := &app.Error{
		Category: app.CategoryConcurrency,
		Severity: app.SeverityMedium,
		Message:  "form was modified",
		Expected: 2,
		Actual:   3,
	}
	err := errors.Join(common.ErrVersionConflict, coreErr)
	h := NewHandler(&stubForms{err: err}, nil, nil)

	rec := serve(t, h, http.MethodPatch, "/forms/1", `{"expected_version":2}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	env := decodeBody[ErrorEnvelope](t, rec)
	if env.Error.Code != "version_conflict" || env.Error.Hint == "" {
		t.Fatalf("error = %#v", env.Error)
	}
	if env.Error.Context["expected_version"] != float64(2) || env.Error.Context["actual_version"] != float64(3) {
		t.Fatalf("context = %#v", env.Error.Context)
	}
}

// TestHandlerDeleteForm verifies force flags and not-found deletes.
func TestHandlerDeleteForm(t *testing.T) {
	forms := &stubForms{deleted: true}
	h := NewHandler(forms, nil, nil)

	rec := serve(t, h, http.MethodDelete, "/forms/4?force=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if forms.lastDelete.ID != 4 || !forms.lastDelete.Force {
		t.Fatalf("delete request = %#v", forms.lastDelete)
	}

	forms.deleted = false
	if rec := serve(t, h, http.MethodDelete, "/forms/4", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing delete status = %d, want 404", rec.Code)
	}
	if rec := serve(t, h, http.MethodDelete, "/forms/4?force=maybe", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad force status = %d, want 400", rec.Code)
	}
}

// TestHandlerSearchQuery verifies query-string filters reach the service.
func TestHandlerSearchQuery(t *testing.T) {
	forms := &stubForms{search: common.SearchFormsResult{Forms: []common.FormRecord{{ID: 1}}, TotalCount: 5, FilteredCount: 1}}
	h := NewHandler(forms, nil, nil)

	rec := serve(t, h, http.MethodGet, "/forms?incident_name=pine&status=draft&limit=10&offset=20&order_by=incident_name&descending=false&created_from=2026-10-01T00:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	got := decodeBody[common.SearchFormsResult](t, rec)
	if got.TotalCount != 5 || len(got.Forms) != 1 {
		t.Fatalf("result = %#v", got)
	}
	req := forms.lastSearch
	if req.IncidentName != "pine" || req.Status != "draft" || req.Limit != 10 || req.Offset != 20 {
		t.Fatalf("search request = %#v", req)
	}
	if req.Descending == nil || *req.Descending {
		t.Fatalf("descending = %v, want false", req.Descending)
	}
	want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if req.CreatedFrom == nil || !req.CreatedFrom.Equal(want) {
		t.Fatalf("created_from = %v, want %v", req.CreatedFrom, want)
	}
	if req.CreatedTo != nil {
		t.Fatalf("created_to = %v, want nil", req.CreatedTo)
	}

	for _, target := range []string{"/forms?limit=ten", "/forms?descending=sideways", "/forms?created_to=yesterday"} {
		if rec := serve(t, h, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", target, rec.Code)
		}
	}
}

// TestHandlerSearchBody verifies JSON filters and empty bodies.
func TestHandlerSearchBody(t *testing.T) {
	forms := &stubForms{}
	h := NewHandler(forms, nil, nil)

	if rec := serve(t, h, http.MethodPost, "/forms/search", `{"text":"spot","form_type":"ICS-213"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if forms.lastSearch.Text != "spot" || forms.lastSearch.FormType != "ICS-213" {
		t.Fatalf("search request = %#v", forms.lastSearch)
	}
	if rec := serve(t, h, http.MethodPost, "/forms/search", ""); rec.Code != http.StatusOK {
		t.Fatalf("empty body status = %d, want 200", rec.Code)
	}
}

// TestHandlerListingRoutes verifies recent, by-incident and duplicate routes.
func TestHandlerListingRoutes(t *testing.T) {
	forms := &stubForms{forms: []common.FormRecord{{ID: 1}, {ID: 2}}, form: common.FormRecord{ID: 9}}
	h := NewHandler(forms, nil, nil)

	rec := serve(t, h, http.MethodGet, "/forms/recent?limit=5", "")
	if rec.Code != http.StatusOK || forms.lastLimit != 5 {
		t.Fatalf("recent status = %d limit = %d", rec.Code, forms.lastLimit)
	}
	got := decodeBody[struct {
		Forms []common.FormRecord `json:"forms"`
	}](t, rec)
	if len(got.Forms) != 2 {
		t.Fatalf("forms = %d, want 2", len(got.Forms))
	}

	if rec := serve(t, h, http.MethodGet, "/incidents/Pine%20Ridge/forms", ""); rec.Code != http.StatusOK {
		t.Fatalf("by-incident status = %d", rec.Code)
	}
	if forms.lastName != "Pine Ridge" {
		t.Fatalf("incident = %q, want Pine Ridge", forms.lastName)
	}

	rec = serve(t, h, http.MethodPost, "/forms/2/duplicate", `{"new_incident_name":"Cedar Fire","actor_name":"Lee"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	if forms.lastDup.ID != 2 || forms.lastDup.NewIncidentName != "Cedar Fire" || forms.lastDup.ActorName != "Lee" {
		t.Fatalf("duplicate request = %#v", forms.lastDup)
	}
	if rec := serve(t, h, http.MethodPost, "/forms/2/duplicate", ""); rec.Code != http.StatusCreated {
		t.Fatalf("duplicate without body status = %d", rec.Code)
	}
}

// TestHandlerValidationRoutes verifies field and form validation bodies.
func TestHandlerValidationRoutes(t *testing.T) {
	forms := &stubForms{result: validation.Result{Errors: []validation.Message{{
		FieldID:  "incident_name",
		Code:     validation.CodeRequired,
		Severity: validation.SeverityError,
		Message:  "Incident Name is required",
	}}}}
	h := NewHandler(forms, nil, nil)

	rec := serve(t, h, http.MethodPost, "/validate/field", `{"form_type":"ICS-202","field_id":"incident_name","value":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decodeBody[validation.Result](t, rec)
	if got.IsSubmittable || len(got.Errors) != 1 || got.Errors[0].Code != validation.CodeRequired {
		t.Fatalf("result = %#v", got)
	}
	if forms.lastField.FieldID != "incident_name" {
		t.Fatalf("field = %q", forms.lastField.FieldID)
	}

	if rec := serve(t, h, http.MethodPost, "/validate/form", `{"form_id":3}`); rec.Code != http.StatusOK {
		t.Fatalf("validate form status = %d", rec.Code)
	}
	if forms.lastForm.FormID != 3 {
		t.Fatalf("form id = %d, want 3", forms.lastForm.FormID)
	}
}

// TestHandlerSettingsAndStats verifies auto-save settings and stats routes.
func TestHandlerSettingsAndStats(t *testing.T) {
	forms := &stubForms{stats: app.DatabaseStats{TotalForms: 42, Mode: "testing"}}
	h := NewHandler(forms, nil, nil)

	rec := serve(t, h, http.MethodPut, "/settings/autosave", `{"enabled":true,"interval_seconds":60,"recovery_enabled":false,"max_age_hours":12}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if forms.settings.IntervalSeconds != 60 || !forms.settings.Enabled {
		t.Fatalf("settings = %#v", forms.settings)
	}

	rec = serve(t, h, http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	stats := decodeBody[app.DatabaseStats](t, rec)
	if stats.TotalForms != 42 {
		t.Fatalf("total = %d, want 42", stats.TotalForms)
	}
}

// TestHandlerRecordRoutes verifies history, relationship, signature and snapshot routes.
func TestHandlerRecordRoutes(t *testing.T) {
	records := &stubRecords{
		rel:      common.RelationshipRecord{ID: 1, SourceFormID: 1, TargetFormID: 2, Kind: "feeds"},
		sig:      common.SignatureRecord{ID: 4, FormID: 2, SignerName: "Lee"},
		snap:     app.Snapshot{Version: "icsforms.incident.v0", IncidentName: "Pine Ridge"},
		imported: app.ImportResult{Forms: map[int64]int64{1: 10}},
	}
	h := NewHandler(&stubForms{}, records, nil)

	if rec := serve(t, h, http.MethodGet, "/forms/1/history", ""); rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/forms/1/relationships", ""); rec.Code != http.StatusOK {
		t.Fatalf("relationships status = %d", rec.Code)
	}
	rec := serve(t, h, http.MethodPost, "/relationships", `{"source_form_id":1,"target_form_id":2,"kind":"feeds"}`)
	if rec.Code != http.StatusCreated || records.lastRel.TargetFormID != 2 {
		t.Fatalf("add relationship status = %d req = %#v", rec.Code, records.lastRel)
	}
	rec = serve(t, h, http.MethodPost, "/forms/2/signatures", `{"signer_name":"Lee","data":"aGVsbG8="}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sign status = %d", rec.Code)
	}
	if records.lastSign.FormID != 2 || string(records.lastSign.Data) != "hello" {
		t.Fatalf("sign request = %#v", records.lastSign)
	}

	rec = serve(t, h, http.MethodGet, "/incidents/Pine%20Ridge/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	snap := decodeBody[app.Snapshot](t, rec)
	if snap.IncidentName != "Pine Ridge" {
		t.Fatalf("snapshot = %#v", snap)
	}
	rec = serve(t, h, http.MethodPost, "/incidents/import", `{"version":"icsforms.incident.v0","incident_name":"Pine Ridge","forms":[]}`)
	if rec.Code != http.StatusCreated || records.lastSnap.IncidentName != "Pine Ridge" {
		t.Fatalf("import status = %d snap = %#v", rec.Code, records.lastSnap)
	}
}

// TestHandlerOptionalSurfaces verifies 501 responses when optional services are missing.
func TestHandlerOptionalSurfaces(t *testing.T) {
	h := NewHandler(&stubForms{}, nil, nil)
	for _, target := range []string{"/forms/1/history", "/autosave"} {
		rec := serve(t, h, http.MethodGet, target, "")
		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("%s status = %d, want 501", target, rec.Code)
		}
	}
}

// TestHandlerAutoSaveRoutes verifies track, state and flush routes.
func TestHandlerAutoSaveRoutes(t *testing.T) {
	auto := &stubAutoSave{
		state:   common.AutoSaveState{Running: true, Message: "idle"},
		flushed: common.FlushResult{Saved: []int64{3}},
	}
	h := NewHandler(&stubForms{}, nil, auto)

	rec := serve(t, h, http.MethodPut, "/forms/3/draft", `{"data":{"notes":"x"},"version":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("track status = %d", rec.Code)
	}
	if auto.lastTrack.FormID != 3 || auto.lastTrack.Version != 2 {
		t.Fatalf("track request = %#v", auto.lastTrack)
	}
	rec = serve(t, h, http.MethodGet, "/autosave", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("state status = %d", rec.Code)
	}
	state := decodeBody[common.AutoSaveState](t, rec)
	if !state.Running {
		t.Fatalf("state = %#v", state)
	}
	rec = serve(t, h, http.MethodPost, "/autosave/flush", "")
	flushed := decodeBody[common.FlushResult](t, rec)
	if len(flushed.Saved) != 1 || flushed.Saved[0] != 3 {
		t.Fatalf("flushed = %#v", flushed)
	}
}

// TestHandlerUnknownRoutes verifies JSON 404s and missing service handling.
func TestHandlerUnknownRoutes(t *testing.T) {
	h := NewHandler(&stubForms{}, nil, nil)
	rec := serve(t, h, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	rec = serve(t, NewHandler(nil, nil, nil), http.MethodGet, "/stats", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil service status = %d, want 503", rec.Code)
	}
}
