package mcpapi

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hylla/icsforms/internal/adapters/server/common"
	"github.com/hylla/icsforms/internal/app"
)

// stubRecords provides deterministic record responses for extended tool tests.
type stubRecords struct {
	err      error
	lastRel  common.AddRelationshipRequest
	lastSign common.SignFormRequest
	lastSnap app.Snapshot
	lastName string
}

func (s *stubRecords) GetStatusHistory(_ context.Context, id int64) ([]common.StatusChangeRecord, error) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	return []common.StatusChangeRecord{{ID: 1, FormID: id, ToStatus: "draft", ChangedAt: now, ChangedBy: "system"}}, s.err
}

func (s *stubRecords) ListRelationships(_ context.Context, id int64) ([]common.RelationshipRecord, error) {
	return []common.RelationshipRecord{{ID: 1, SourceFormID: id, TargetFormID: id + 1, Kind: "feeds"}}, s.err
}

func (s *stubRecords) AddRelationship(_ context.Context, req common.AddRelationshipRequest) (common.RelationshipRecord, error) {
	s.lastRel = req
	return common.RelationshipRecord{ID: 2, SourceFormID: req.SourceFormID, TargetFormID: req.TargetFormID, Kind: req.Kind}, s.err
}

func (s *stubRecords) SignForm(_ context.Context, req common.SignFormRequest) (common.SignatureRecord, error) {
	s.lastSign = req
	return common.SignatureRecord{ID: 3, FormID: req.FormID, SignerName: req.SignerName}, s.err
}

func (s *stubRecords) ExportIncident(_ context.Context, name string) (app.Snapshot, error) {
	s.lastName = name
	return app.Snapshot{Version: "icsforms.incident.v0", IncidentName: name}, s.err
}

func (s *stubRecords) ImportIncident(_ context.Context, snap app.Snapshot) (app.ImportResult, error) {
	s.lastSnap = snap
	return app.ImportResult{Forms: map[int64]int64{}}, s.err
}

// stubAutoSave provides deterministic auto-save responses for extended tool tests.
type stubAutoSave struct {
	lastTrack common.TrackEditRequest
	flushes   int
}

func (s *stubAutoSave) TrackEdit(_ context.Context, req common.TrackEditRequest) (common.TrackEditResult, error) {
	s.lastTrack = req
	return common.TrackEditResult{FormID: req.FormID, Changed: true}, nil
}

func (s *stubAutoSave) AutoSaveState(context.Context) (common.AutoSaveState, error) {
	return common.AutoSaveState{Running: true, Message: "idle"}, nil
}

func (s *stubAutoSave) FlushAutoSave(context.Context) (common.FlushResult, error) {
	s.flushes++
	return common.FlushResult{Saved: []int64{4}}, nil
}

// TestHandlerRegistersOptionalTools verifies record and auto-save tools appear with their services.
func TestHandlerRegistersOptionalTools(t *testing.T) {
	server := newTestServer(t, &stubForms{}, &stubRecords{}, &stubAutoSave{})
	names := listToolNames(t, server)
	for _, required := range []string{
		"icsforms.get_status_history",
		"icsforms.list_relationships",
		"icsforms.add_relationship",
		"icsforms.sign_form",
		"icsforms.export_incident",
		"icsforms.import_incident",
		"icsforms.track_edit",
		"icsforms.auto_save_state",
		"icsforms.flush_auto_save",
	} {
		if !slices.Contains(names, required) {
			t.Fatalf("tool list missing %q: %#v", required, names)
		}
	}
}

// TestRecordToolCalls verifies record tool argument mapping.
func TestRecordToolCalls(t *testing.T) {
	records := &stubRecords{}
	server := newTestServer(t, &stubForms{}, records, nil)

	_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "icsforms.get_status_history", map[string]any{"form_id": 7}))
	structured := toolResultStructured(t, resp.Result)
	if rows, ok := structured["history"].([]any); !ok || len(rows) != 1 {
		t.Fatalf("history = %#v, want one row", structured["history"])
	}

	_, resp = postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "icsforms.add_relationship", map[string]any{
		"source_form_id": 7,
		"target_form_id": 8,
		"kind":           "requires",
	}))
	if isToolError(resp.Result) {
		t.Fatalf("add_relationship error: %s", toolResultText(t, resp.Result))
	}
	if records.lastRel.SourceFormID != 7 || records.lastRel.TargetFormID != 8 || records.lastRel.Kind != "requires" {
		t.Fatalf("relationship request = %#v", records.lastRel)
	}

	_, resp = postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "icsforms.sign_form", map[string]any{
		"form_id":     8,
		"signer_name": "Okafor",
		"signer_role": "Planning Section Chief",
		"data":        "c2lnbmVk",
	}))
	if isToolError(resp.Result) {
		t.Fatalf("sign_form error: %s", toolResultText(t, resp.Result))
	}
	if records.lastSign.FormID != 8 || string(records.lastSign.Data) != "signed" {
		t.Fatalf("sign request = %#v", records.lastSign)
	}

	_, resp = postJSONRPC(t, server.Client(), server.URL, callToolRequest(6, "icsforms.export_incident", map[string]any{"incident_name": "Pine Ridge"}))
	structured = toolResultStructured(t, resp.Result)
	if structured["incident_name"] != "Pine Ridge" {
		t.Fatalf("snapshot = %#v", structured)
	}

	_, resp = postJSONRPC(t, server.Client(), server.URL, callToolRequest(7, "icsforms.import_incident", map[string]any{
		"snapshot": map[string]any{"version": "icsforms.incident.v0", "incident_name": "Pine Ridge", "forms": []any{}},
	}))
	if isToolError(resp.Result) {
		t.Fatalf("import_incident error: %s", toolResultText(t, resp.Result))
	}
	if records.lastSnap.IncidentName != "Pine Ridge" {
		t.Fatalf("imported snapshot = %#v", records.lastSnap)
	}
}

// TestRecordToolArgumentErrors verifies required argument failures.
func TestRecordToolArgumentErrors(t *testing.T) {
	server := newTestServer(t, &stubForms{}, &stubRecords{}, &stubAutoSave{})
	cases := []struct {
		tool string
		args map[string]any
		want string
	}{
		{tool: "icsforms.add_relationship", args: map[string]any{"source_form_id": 1, "target_form_id": 2}, want: `"kind" not found`},
		{tool: "icsforms.sign_form", args: map[string]any{"signer_name": "Lee"}, want: `"form_id" not found`},
		{tool: "icsforms.import_incident", args: map[string]any{}, want: `"snapshot" not found`},
		{tool: "icsforms.track_edit", args: map[string]any{"data": map[string]any{}, "version": 1}, want: `"form_id" not found`},
		{tool: "icsforms.list_relationships", args: map[string]any{"form_id": "seven"}, want: "positive integer"},
	}
	for i, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(30+i, tc.tool, tc.args))
			if !isToolError(resp.Result) {
				t.Fatalf("isError = false, want true")
			}
			text := toolResultText(t, resp.Result)
			if !strings.HasPrefix(text, "invalid_request:") || !strings.Contains(text, tc.want) {
				t.Fatalf("text = %q, want invalid_request containing %q", text, tc.want)
			}
		})
	}
}

// TestRecordToolMapsRuleViolations verifies cycle rejections surface as rule violations.
func TestRecordToolMapsRuleViolations(t *testing.T) {
	records := &stubRecords{err: errors.Join(common.ErrRuleViolation, errors.New("relationship would create a cycle"))}
	server := newTestServer(t, &stubForms{}, records, nil)

	_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "icsforms.add_relationship", map[string]any{
		"source_form_id": 2,
		"target_form_id": 1,
		"kind":           "feeds",
	}))
	if !isToolError(resp.Result) {
		t.Fatalf("isError = false, want true")
	}
	if got := toolResultText(t, resp.Result); !strings.HasPrefix(got, "rule_violation:") {
		t.Fatalf("text = %q, want rule_violation prefix", got)
	}
}

// TestAutoSaveToolCalls verifies track, state and flush tools.
func TestAutoSaveToolCalls(t *testing.T) {
	auto := &stubAutoSave{}
	server := newTestServer(t, &stubForms{}, nil, auto)

	_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "icsforms.track_edit", map[string]any{
		"form_id": 4,
		"data":    map[string]any{"notes": "crew staged"},
		"version": 2,
	}))
	structured := toolResultStructured(t, resp.Result)
	if structured["changed"] != true {
		t.Fatalf("track result = %#v", structured)
	}
	if auto.lastTrack.FormID != 4 || auto.lastTrack.Version != 2 || auto.lastTrack.Data["notes"] != "crew staged" {
		t.Fatalf("track request = %#v", auto.lastTrack)
	}

	_, resp = postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "icsforms.auto_save_state", map[string]any{}))
	if structured := toolResultStructured(t, resp.Result); structured["running"] != true {
		t.Fatalf("state = %#v", structured)
	}

	_, resp = postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "icsforms.flush_auto_save", map[string]any{}))
	structured = toolResultStructured(t, resp.Result)
	if saved, ok := structured["saved"].([]any); !ok || len(saved) != 1 {
		t.Fatalf("flush result = %#v", structured)
	}
	if auto.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", auto.flushes)
	}
}
