// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hylla/icsforms/internal/adapters/server/common"
	"github.com/hylla/icsforms/internal/app"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 4 << 20

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	forms    common.FormService
	records  common.RecordService
	autosave common.AutoSaveSurface
	mux      *http.ServeMux
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter. records and autosave are optional.
func NewHandler(forms common.FormService, records common.RecordService, autosave common.AutoSaveSurface) *Handler {
	h := &Handler{
		forms:    forms,
		records:  records,
		autosave: autosave,
		mux:      http.NewServeMux(),
	}
	h.routes()
	return h
}

// routes registers every endpoint on the handler mux.
func (h *Handler) routes() {
	h.mux.HandleFunc("GET /forms", h.handleSearchQuery)
	h.mux.HandleFunc("POST /forms", h.handleCreateForm)
	h.mux.HandleFunc("POST /forms/search", h.handleSearchBody)
	h.mux.HandleFunc("GET /forms/recent", h.handleRecentForms)
	h.mux.HandleFunc("GET /forms/{id}", h.handleGetForm)
	h.mux.HandleFunc("PATCH /forms/{id}", h.handleUpdateForm)
	h.mux.HandleFunc("DELETE /forms/{id}", h.handleDeleteForm)
	h.mux.HandleFunc("POST /forms/{id}/duplicate", h.handleDuplicateForm)
	h.mux.HandleFunc("GET /forms/{id}/history", h.handleStatusHistory)
	h.mux.HandleFunc("GET /forms/{id}/relationships", h.handleListRelationships)
	h.mux.HandleFunc("POST /relationships", h.handleAddRelationship)
	h.mux.HandleFunc("POST /forms/{id}/signatures", h.handleSignForm)
	h.mux.HandleFunc("PUT /forms/{id}/draft", h.handleTrackEdit)
	h.mux.HandleFunc("GET /incidents/{name}/forms", h.handleFormsByIncident)
	h.mux.HandleFunc("GET /incidents/{name}/export", h.handleExportIncident)
	h.mux.HandleFunc("POST /incidents/import", h.handleImportIncident)
	h.mux.HandleFunc("POST /validate/field", h.handleValidateField)
	h.mux.HandleFunc("POST /validate/form", h.handleValidateForm)
	h.mux.HandleFunc("PUT /settings/autosave", h.handleConfigureAutoSave)
	h.mux.HandleFunc("GET /autosave", h.handleAutoSaveState)
	h.mux.HandleFunc("POST /autosave/flush", h.handleFlushAutoSave)
	h.mux.HandleFunc("GET /stats", h.handleDatabaseStats)
	h.mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "endpoint not found",
		})
	})
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.forms == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "form service is not configured",
		})
		return
	}
	h.mux.ServeHTTP(w, r)
}

// handleCreateForm serves POST `/forms`.
func (h *Handler) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	var req common.CreateFormRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	form, err := h.forms.CreateForm(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, form)
}

// handleGetForm serves GET `/forms/{id}`.
func (h *Handler) handleGetForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	form, err := h.forms.GetForm(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

// handleUpdateForm serves PATCH `/forms/{id}`. An If-Match header carries the expected version.
func (h *Handler) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req common.UpdateFormRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ID = id
	if raw := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`); raw != "" && req.ExpectedVersion == nil {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, APIError{
				Code:    "invalid_request",
				Message: "If-Match must carry an integer form version",
			})
			return
		}
		req.ExpectedVersion = &v
	}
	form, err := h.forms.UpdateForm(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

// handleDeleteForm serves DELETE `/forms/{id}?force=true`.
func (h *Handler) handleDeleteForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	force, err := queryBool(r, "force")
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	deleted, err := h.forms.DeleteForm(r.Context(), common.DeleteFormRequest{ID: id, Force: force})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if !deleted {
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: fmt.Sprintf("form %d not found", id),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// handleSearchQuery serves GET `/forms` with filters in the query string.
func (h *Handler) handleSearchQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := common.SearchFormsRequest{
		IncidentName:     strings.TrimSpace(q.Get("incident_name")),
		FormType:         strings.TrimSpace(q.Get("form_type")),
		Status:           strings.TrimSpace(q.Get("status")),
		PreparerName:     strings.TrimSpace(q.Get("preparer_name")),
		Priority:         strings.TrimSpace(q.Get("priority")),
		WorkflowPosition: strings.TrimSpace(q.Get("workflow_position")),
		Text:             strings.TrimSpace(q.Get("q")),
		OrderBy:          strings.TrimSpace(q.Get("order_by")),
	}
	var err error
	if req.Limit, err = queryInt(r, "limit"); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if req.Offset, err = queryInt(r, "offset"); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if raw := strings.TrimSpace(q.Get("descending")); raw != "" {
		desc, err := strconv.ParseBool(raw)
		if err != nil {
			writeErrorFrom(w, fmt.Errorf("descending must be a boolean: %w", common.ErrInvalidRequest))
			return
		}
		req.Descending = &desc
	}
	for key, dst := range map[string]**time.Time{"created_from": &req.CreatedFrom, "created_to": &req.CreatedTo} {
		ts, err := queryTime(r, key)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		*dst = ts
	}
	h.search(w, r, req)
}

// handleSearchBody serves POST `/forms/search` with a JSON filter.
func (h *Handler) handleSearchBody(w http.ResponseWriter, r *http.Request) {
	var req common.SearchFormsRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	h.search(w, r, req)
}

// search runs one search and writes the page.
func (h *Handler) search(w http.ResponseWriter, r *http.Request, req common.SearchFormsRequest) {
	res, err := h.forms.SearchForms(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRecentForms serves GET `/forms/recent?limit=n`.
func (h *Handler) handleRecentForms(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	forms, err := h.forms.GetRecentForms(r.Context(), limit)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forms": forms})
}

// handleFormsByIncident serves GET `/incidents/{name}/forms`.
func (h *Handler) handleFormsByIncident(w http.ResponseWriter, r *http.Request) {
	forms, err := h.forms.GetFormsByIncident(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forms": forms})
}

// handleDuplicateForm serves POST `/forms/{id}/duplicate`.
func (h *Handler) handleDuplicateForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req common.DuplicateFormRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ID = id
	form, err := h.forms.DuplicateForm(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, form)
}

// handleValidateField serves POST `/validate/field`.
func (h *Handler) handleValidateField(w http.ResponseWriter, r *http.Request) {
	var req common.ValidateFieldRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	res, err := h.forms.ValidateField(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleValidateForm serves POST `/validate/form`.
func (h *Handler) handleValidateForm(w http.ResponseWriter, r *http.Request) {
	var req common.ValidateFormRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	res, err := h.forms.ValidateForm(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleConfigureAutoSave serves PUT `/settings/autosave`.
func (h *Handler) handleConfigureAutoSave(w http.ResponseWriter, r *http.Request) {
	var req app.AutoSaveSettings
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	settings, err := h.forms.ConfigureAutoSave(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleDatabaseStats serves GET `/stats`.
func (h *Handler) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.forms.GetDatabaseStats(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleStatusHistory serves GET `/forms/{id}/history`.
func (h *Handler) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	if !h.requireRecords(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rows, err := h.records.GetStatusHistory(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

// handleListRelationships serves GET `/forms/{id}/relationships`.
func (h *Handler) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	if !h.requireRecords(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rels, err := h.records.ListRelationships(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

// handleAddRelationship serves POST `/relationships`.
func (h *Handler) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	if !h.requireRecords(w) {
		return
	}
	var req common.AddRelationshipRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	rel, err := h.records.AddRelationship(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

// handleSignForm serves POST `/forms/{id}/signatures`.
func (h *Handler) handleSignForm(w http.ResponseWriter, r *http.Request) {
	if !h.requireRecords(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req common.SignFormRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.FormID = id
	sig, err := h.records.SignForm(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

// handleExportIncident serves GET `/incidents/{name}/export`.
func (h *Handler) handleExportIncident(w http.ResponseWriter, r *http.Request) {
	if !h.requireRecords(w) {
		return
	}
	snap, err := h.records.ExportIncident(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleImportIncident serves POST `/incidents/import`.
func (h *Handler) handleImportIncident(w http.ResponseWriter, r *http.Request) {
	if !h.requireRecords(w) {
		return
	}
	var snap app.Snapshot
	if err := decodeJSONBody(r.Context(), w, r, &snap); err != nil {
		writeErrorFrom(w, err)
		return
	}
	res, err := h.records.ImportIncident(r.Context(), snap)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleTrackEdit serves PUT `/forms/{id}/draft`.
func (h *Handler) handleTrackEdit(w http.ResponseWriter, r *http.Request) {
	if !h.requireAutoSave(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req common.TrackEditRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.FormID = id
	res, err := h.autosave.TrackEdit(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// handleAutoSaveState serves GET `/autosave`.
func (h *Handler) handleAutoSaveState(w http.ResponseWriter, r *http.Request) {
	if !h.requireAutoSave(w) {
		return
	}
	state, err := h.autosave.AutoSaveState(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleFlushAutoSave serves POST `/autosave/flush`.
func (h *Handler) handleFlushAutoSave(w http.ResponseWriter, r *http.Request) {
	if !h.requireAutoSave(w) {
		return
	}
	res, err := h.autosave.FlushAutoSave(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// requireRecords writes 501 when the record surface is missing.
func (h *Handler) requireRecords(w http.ResponseWriter) bool {
	if h.records != nil {
		return true
	}
	writeJSONError(w, http.StatusNotImplemented, APIError{
		Code:    "not_implemented",
		Message: "record APIs are not available",
	})
	return false
}

// requireAutoSave writes 501 when no auto-save service is attached.
func (h *Handler) requireAutoSave(w http.ResponseWriter) bool {
	if h.autosave != nil {
		return true
	}
	writeErrorFrom(w, common.ErrAutoSaveUnavailable)
	return false
}

// pathID parses the `{id}` path segment and writes 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: fmt.Sprintf("form id %q must be a positive integer", raw),
		})
		return 0, false
	}
	return id, true
}

// queryInt parses one optional integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, common.ErrInvalidRequest)
	}
	return v, nil
}

// queryBool parses one optional boolean query parameter.
func queryBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, common.ErrInvalidRequest)
	}
	return v, nil
}

// queryTime parses one optional RFC3339 query parameter.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", key, common.ErrInvalidRequest)
	}
	utc := ts.UTC()
	return &utc, nil
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	apiErr := APIError{Code: "internal_error", Message: "unknown error"}
	status := http.StatusInternalServerError
	if err != nil {
		apiErr.Message = err.Error()
	}
	switch {
	case err == nil:
	case errors.Is(err, common.ErrNotFound):
		status, apiErr.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, common.ErrVersionConflict):
		status, apiErr.Code = http.StatusConflict, "version_conflict"
		apiErr.Hint = "Reload the form and reapply the edit on the stored version."
	case errors.Is(err, common.ErrRuleViolation):
		status, apiErr.Code = http.StatusUnprocessableEntity, "rule_violation"
	case errors.Is(err, common.ErrInvalidRequest):
		status, apiErr.Code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, common.ErrUnavailable):
		status, apiErr.Code = http.StatusServiceUnavailable, "unavailable"
		apiErr.Hint = "The store is busy; retry the request."
	case errors.Is(err, common.ErrAutoSaveUnavailable):
		status, apiErr.Code = http.StatusNotImplemented, "not_implemented"
	}

	var coreErr *app.Error
	if errors.As(err, &coreErr) {
		apiErr.Context = map[string]any{
			"category":  coreErr.Category,
			"severity":  coreErr.Severity,
			"retryable": coreErr.Retryable,
		}
		if coreErr.Category == app.CategoryConcurrency {
			apiErr.Context["expected_version"] = coreErr.Expected
			apiErr.Context["actual_version"] = coreErr.Actual
		}
		if coreErr.Details != "" {
			apiErr.Context["details"] = coreErr.Details
		}
	}
	writeJSONError(w, status, apiErr)
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

// decodeOptionalJSONBody decodes one optional JSON body and ignores empty payloads.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if err == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request canceled: %w", ctx.Err())
		default:
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
}
