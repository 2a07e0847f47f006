// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hylla/icsforms/internal/adapters/server/common"
	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// formTypes lists accepted form_type enum values for tool schemas.
var formTypes = enumValues(domain.FormTypes())

// statuses lists accepted status enum values for tool schemas.
var statuses = enumValues(domain.Statuses())

// priorities lists accepted priority enum values for tool schemas.
var priorities = enumValues([]domain.Priority{domain.PriorityRoutine, domain.PriorityUrgent, domain.PriorityEmergency})

// enumValues renders typed enum constants as schema strings.
func enumValues[T ~string](in []T) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, string(v))
	}
	return out
}

// NewHandler builds one stateless MCP adapter. records and autosave are optional.
func NewHandler(cfg Config, forms common.FormService, records common.RecordService, autosave common.AutoSaveSurface) (*Handler, error) {
	if forms == nil {
		return nil, fmt.Errorf("form service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerFormTools(mcpSrv, forms)
	registerQueryTools(mcpSrv, forms)
	registerValidationTools(mcpSrv, forms)
	registerMaintenanceTools(mcpSrv, forms)
	if records != nil {
		registerRecordTools(mcpSrv, records)
	}
	if autosave != nil {
		registerAutoSaveTools(mcpSrv, autosave)
	}

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "icsforms"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// registerFormTools registers create, get, update, delete and duplicate tools.
func registerFormTools(srv *mcpserver.MCPServer, forms common.FormService) {
	srv.AddTool(
		mcp.NewTool(
			"icsforms.create_form",
			mcp.WithDescription("Create one ICS form in draft status."),
			mcp.WithString("form_type", mcp.Required(), mcp.Description("ICS form type"), mcp.Enum(formTypes...)),
			mcp.WithString("incident_name", mcp.Required(), mcp.Description("Incident name, 2 to 100 characters")),
			mcp.WithString("incident_number", mcp.Description("Optional incident number")),
			mcp.WithString("preparer_name", mcp.Description("Preparer name")),
			mcp.WithString("notes", mcp.Description("Free-form notes")),
			mcp.WithString("operational_period_start", mcp.Description("Optional RFC3339 timestamp")),
			mcp.WithString("operational_period_end", mcp.Description("Optional RFC3339 timestamp")),
			mcp.WithString("priority", mcp.Description("routine|urgent|emergency"), mcp.Enum(priorities...)),
			mcp.WithString("workflow_position", mcp.Description("Workflow position of the form")),
			mcp.WithObject("data", mcp.Description("Form-specific data document")),
			mcp.WithString("actor_name", mcp.Description("Name recorded in status history")),
			mcp.WithString("actor_type", mcp.Description("user|system"), mcp.Enum("user", "system")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				FormType               string         `json:"form_type"`
				IncidentName           string         `json:"incident_name"`
				IncidentNumber         string         `json:"incident_number"`
				PreparerName           string         `json:"preparer_name"`
				Notes                  string         `json:"notes"`
				OperationalPeriodStart string         `json:"operational_period_start"`
				OperationalPeriodEnd   string         `json:"operational_period_end"`
				Priority               string         `json:"priority"`
				WorkflowPosition       string         `json:"workflow_position"`
				Data                   map[string]any `json:"data"`
				ActorName              string         `json:"actor_name"`
				ActorType              string         `json:"actor_type"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.FormType) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "form_type" not found`), nil
			}
			if strings.TrimSpace(args.IncidentName) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "incident_name" not found`), nil
			}
			start, err := parseOptionalTime("operational_period_start", args.OperationalPeriodStart)
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			end, err := parseOptionalTime("operational_period_end", args.OperationalPeriodEnd)
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			form, err := forms.CreateForm(ctx, common.CreateFormRequest{
				Actor:                  common.Actor{ActorName: args.ActorName, ActorType: args.ActorType},
				FormType:               args.FormType,
				IncidentName:           args.IncidentName,
				IncidentNumber:         args.IncidentNumber,
				PreparerName:           args.PreparerName,
				Notes:                  args.Notes,
				OperationalPeriodStart: start,
				OperationalPeriodEnd:   end,
				Priority:               args.Priority,
				WorkflowPosition:       args.WorkflowPosition,
				Data:                   args.Data,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("create_form", form)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.get_form",
			mcp.WithDescription("Fetch one form by id."),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Form id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, errResult := requireID(req, "id")
			if errResult != nil {
				return errResult, nil
			}
			form, err := forms.GetForm(ctx, id)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_form", form)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.update_form",
			mcp.WithDescription("Patch one form. Omitted arguments stay unchanged; expected_version enables optimistic locking."),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Form id")),
			mcp.WithNumber("expected_version", mcp.Description("Version the caller last read")),
			mcp.WithString("incident_name", mcp.Description("New incident name")),
			mcp.WithString("incident_number", mcp.Description("New incident number")),
			mcp.WithString("status", mcp.Description("Target status"), mcp.Enum(statuses...)),
			mcp.WithObject("data", mcp.Description("Replacement data document")),
			mcp.WithString("notes", mcp.Description("Notes")),
			mcp.WithString("preparer_name", mcp.Description("Preparer name")),
			mcp.WithString("approved_by", mcp.Description("Approver name")),
			mcp.WithString("priority", mcp.Description("routine|urgent|emergency"), mcp.Enum(priorities...)),
			mcp.WithString("workflow_position", mcp.Description("Workflow position")),
			mcp.WithString("actor_name", mcp.Description("Name recorded in status history")),
			mcp.WithString("actor_type", mcp.Description("user|system"), mcp.Enum("user", "system")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				ID               int64          `json:"id"`
				ExpectedVersion  *int64         `json:"expected_version"`
				IncidentName     *string        `json:"incident_name"`
				IncidentNumber   *string        `json:"incident_number"`
				Status           *string        `json:"status"`
				Data             map[string]any `json:"data"`
				Notes            *string        `json:"notes"`
				PreparerName     *string        `json:"preparer_name"`
				ApprovedBy       *string        `json:"approved_by"`
				Priority         *string        `json:"priority"`
				WorkflowPosition *string        `json:"workflow_position"`
				ActorName        string         `json:"actor_name"`
				ActorType        string         `json:"actor_type"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if args.ID <= 0 {
				return mcp.NewToolResultError(`invalid_request: required argument "id" not found`), nil
			}
			form, err := forms.UpdateForm(ctx, common.UpdateFormRequest{
				Actor:            common.Actor{ActorName: args.ActorName, ActorType: args.ActorType},
				ID:               args.ID,
				IncidentName:     args.IncidentName,
				IncidentNumber:   args.IncidentNumber,
				Status:           args.Status,
				Data:             args.Data,
				Notes:            args.Notes,
				PreparerName:     args.PreparerName,
				ApprovedBy:       args.ApprovedBy,
				Priority:         args.Priority,
				WorkflowPosition: args.WorkflowPosition,
				ExpectedVersion:  args.ExpectedVersion,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("update_form", form)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.delete_form",
			mcp.WithDescription("Delete one form. Forms with relationships need force."),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Form id")),
			mcp.WithBoolean("force", mcp.Description("Also delete relationships")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, errResult := requireID(req, "id")
			if errResult != nil {
				return errResult, nil
			}
			deleted, err := forms.DeleteForm(ctx, common.DeleteFormRequest{ID: id, Force: req.GetBool("force", false)})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("delete_form", map[string]any{"id": id, "deleted": deleted})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.duplicate_form",
			mcp.WithDescription("Copy one form into a new draft, optionally under another incident."),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("Source form id")),
			mcp.WithString("new_incident_name", mcp.Description("Incident name for the copy")),
			mcp.WithString("actor_name", mcp.Description("Name recorded in status history")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, errResult := requireID(req, "id")
			if errResult != nil {
				return errResult, nil
			}
			form, err := forms.DuplicateForm(ctx, common.DuplicateFormRequest{
				Actor:           common.Actor{ActorName: req.GetString("actor_name", "")},
				ID:              id,
				NewIncidentName: req.GetString("new_incident_name", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("duplicate_form", form)
		},
	)
}

// registerQueryTools registers search and listing tools.
func registerQueryTools(srv *mcpserver.MCPServer, forms common.FormService) {
	srv.AddTool(
		mcp.NewTool(
			"icsforms.search_forms",
			mcp.WithDescription("Search forms with filters and pagination."),
			mcp.WithString("incident_name", mcp.Description("Incident name substring")),
			mcp.WithString("form_type", mcp.Description("ICS form type"), mcp.Enum(formTypes...)),
			mcp.WithString("status", mcp.Description("Form status"), mcp.Enum(statuses...)),
			mcp.WithString("preparer_name", mcp.Description("Preparer name substring")),
			mcp.WithString("created_from", mcp.Description("RFC3339 lower bound on creation time")),
			mcp.WithString("created_to", mcp.Description("RFC3339 upper bound on creation time")),
			mcp.WithString("priority", mcp.Description("routine|urgent|emergency"), mcp.Enum(priorities...)),
			mcp.WithString("workflow_position", mcp.Description("Workflow position")),
			mcp.WithString("text", mcp.Description("Full-text query over notes and data")),
			mcp.WithNumber("limit", mcp.Description("Page size, 1 to 1000")),
			mcp.WithNumber("offset", mcp.Description("Rows to skip")),
			mcp.WithString("order_by", mcp.Description("Sort column")),
			mcp.WithBoolean("descending", mcp.Description("Sort descending")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				common.SearchFormsRequest
				CreatedFrom string `json:"created_from"`
				CreatedTo   string `json:"created_to"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			search := args.SearchFormsRequest
			var err error
			if search.CreatedFrom, err = parseOptionalTime("created_from", args.CreatedFrom); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if search.CreatedTo, err = parseOptionalTime("created_to", args.CreatedTo); err != nil {
				return invalidRequestToolResult(err), nil
			}
			res, err := forms.SearchForms(ctx, search)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("search_forms", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.get_forms_by_incident",
			mcp.WithDescription("List every form of one incident."),
			mcp.WithString("incident_name", mcp.Required(), mcp.Description("Exact incident name")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := req.RequireString("incident_name")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			rows, err := forms.GetFormsByIncident(ctx, name)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_forms_by_incident", map[string]any{"forms": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.get_recent_forms",
			mcp.WithDescription("List the most recently updated forms."),
			mcp.WithNumber("limit", mcp.Description("Maximum rows, default 10")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Limit int `json:"limit"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			rows, err := forms.GetRecentForms(ctx, args.Limit)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_recent_forms", map[string]any{"forms": rows})
		},
	)
}

// registerValidationTools registers field and form validation tools.
func registerValidationTools(srv *mcpserver.MCPServer, forms common.FormService) {
	srv.AddTool(
		mcp.NewTool(
			"icsforms.validate_field",
			mcp.WithDescription("Validate one field value against its form template."),
			mcp.WithString("form_type", mcp.Required(), mcp.Description("ICS form type"), mcp.Enum(formTypes...)),
			mcp.WithString("field_id", mcp.Required(), mcp.Description("Template field id")),
			mcp.WithString("value", mcp.Description("Field value; any JSON value is accepted")),
			mcp.WithObject("data", mcp.Description("Surrounding form data for cross-field rules")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.ValidateFieldRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			res, err := forms.ValidateField(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("validate_field", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.validate_form",
			mcp.WithDescription("Validate a stored form by id, or an ad-hoc data document for a form type."),
			mcp.WithNumber("form_id", mcp.Description("Stored form id")),
			mcp.WithString("form_type", mcp.Description("ICS form type when no form_id is given"), mcp.Enum(formTypes...)),
			mcp.WithObject("data", mcp.Description("Data document when no form_id is given")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.ValidateFormRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			res, err := forms.ValidateForm(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("validate_form", res)
		},
	)
}

// registerMaintenanceTools registers auto-save configuration and database stats tools.
func registerMaintenanceTools(srv *mcpserver.MCPServer, forms common.FormService) {
	srv.AddTool(
		mcp.NewTool(
			"icsforms.configure_auto_save",
			mcp.WithDescription("Persist auto-save settings and apply them to the running service."),
			mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Enable periodic auto-save")),
			mcp.WithNumber("interval_seconds", mcp.Description("Flush interval, 5 to 3600 seconds")),
			mcp.WithBoolean("recovery_enabled", mcp.Description("Write crash-recovery journals")),
			mcp.WithString("recovery_dir", mcp.Description("Directory for recovery journals")),
			mcp.WithNumber("max_age_hours", mcp.Description("Discard recovery journals older than this")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args app.AutoSaveSettings
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			settings, err := forms.ConfigureAutoSave(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("configure_auto_save", settings)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.get_database_stats",
			mcp.WithDescription("Report form counts, storage usage and transaction metrics."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			stats, err := forms.GetDatabaseStats(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_database_stats", stats)
		},
	)
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	switch {
	case err == nil:
		return mcp.NewToolResultError("unknown error")
	case errors.Is(err, common.ErrNotFound):
		return mcp.NewToolResultError("not_found: " + err.Error())
	case errors.Is(err, common.ErrVersionConflict):
		return mcp.NewToolResultError("version_conflict: " + err.Error())
	case errors.Is(err, common.ErrRuleViolation):
		return mcp.NewToolResultError("rule_violation: " + err.Error())
	case errors.Is(err, common.ErrInvalidRequest):
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	case errors.Is(err, common.ErrUnavailable):
		return mcp.NewToolResultError("unavailable: " + err.Error())
	case errors.Is(err, common.ErrAutoSaveUnavailable):
		return mcp.NewToolResultError("not_implemented: " + err.Error())
	default:
		return mcp.NewToolResultError("internal_error: " + err.Error())
	}
}

// invalidRequestToolResult wraps argument-binding failures as deterministic tool errors.
func invalidRequestToolResult(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("invalid_request: malformed arguments")
	}
	return mcp.NewToolResultError("invalid_request: " + err.Error())
}

// jsonResult encodes one structured tool result.
func jsonResult(op string, v any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", op, err)
	}
	return result, nil
}

// requireID reads one positive integer id argument.
func requireID(req mcp.CallToolRequest, key string) (int64, *mcp.CallToolResult) {
	var args map[string]any
	if err := req.BindArguments(&args); err != nil {
		return 0, invalidRequestToolResult(err)
	}
	raw, ok := args[key]
	if !ok {
		return 0, mcp.NewToolResultError(fmt.Sprintf("invalid_request: required argument %q not found", key))
	}
	n, ok := raw.(float64)
	if !ok || n <= 0 || n != float64(int64(n)) {
		return 0, mcp.NewToolResultError(fmt.Sprintf("invalid_request: %q must be a positive integer", key))
	}
	return int64(n), nil
}

// parseOptionalTime parses one optional RFC3339 argument.
func parseOptionalTime(key, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", key, err)
	}
	utc := ts.UTC()
	return &utc, nil
}
