package mcpapi

import (
	"context"
	"strings"

	"github.com/hylla/icsforms/internal/adapters/server/common"
	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// relationKinds lists accepted relationship kinds for tool schemas.
var relationKinds = enumValues([]domain.RelationKind{
	domain.RelationFeeds,
	domain.RelationRequires,
	domain.RelationUpdates,
	domain.RelationReferences,
	domain.RelationSupersedes,
	domain.RelationExtends,
})

// registerRecordTools registers history, relationship, signature and snapshot tools.
func registerRecordTools(srv *mcpserver.MCPServer, records common.RecordService) {
	srv.AddTool(
		mcp.NewTool(
			"icsforms.get_status_history",
			mcp.WithDescription("List status transitions for one form, oldest first."),
			mcp.WithNumber("form_id", mcp.Required(), mcp.Description("Form id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, errResult := requireID(req, "form_id")
			if errResult != nil {
				return errResult, nil
			}
			rows, err := records.GetStatusHistory(ctx, id)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_status_history", map[string]any{"history": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.list_relationships",
			mcp.WithDescription("List relationships where the form is source or target."),
			mcp.WithNumber("form_id", mcp.Required(), mcp.Description("Form id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, errResult := requireID(req, "form_id")
			if errResult != nil {
				return errResult, nil
			}
			rows, err := records.ListRelationships(ctx, id)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_relationships", map[string]any{"relationships": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.add_relationship",
			mcp.WithDescription("Link two forms. Cycles and self-links are rejected."),
			mcp.WithNumber("source_form_id", mcp.Required(), mcp.Description("Source form id")),
			mcp.WithNumber("target_form_id", mcp.Required(), mcp.Description("Target form id")),
			mcp.WithString("kind", mcp.Required(), mcp.Description("Relationship kind"), mcp.Enum(relationKinds...)),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.AddRelationshipRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.Kind) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "kind" not found`), nil
			}
			rel, err := records.AddRelationship(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("add_relationship", rel)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.sign_form",
			mcp.WithDescription("Attach a signature to one form."),
			mcp.WithNumber("form_id", mcp.Required(), mcp.Description("Form id")),
			mcp.WithString("signer_name", mcp.Required(), mcp.Description("Signer name")),
			mcp.WithString("signer_role", mcp.Description("Signer ICS position")),
			mcp.WithString("data", mcp.Description("Base64 signature image or token")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.SignFormRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if args.FormID <= 0 {
				return mcp.NewToolResultError(`invalid_request: required argument "form_id" not found`), nil
			}
			sig, err := records.SignForm(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("sign_form", sig)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.export_incident",
			mcp.WithDescription("Export every form of one incident with relationships, signatures and history."),
			mcp.WithString("incident_name", mcp.Required(), mcp.Description("Exact incident name")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := req.RequireString("incident_name")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			snap, err := records.ExportIncident(ctx, name)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("export_incident", snap)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.import_incident",
			mcp.WithDescription("Import an incident snapshot; forms receive new ids."),
			mcp.WithObject("snapshot", mcp.Required(), mcp.Description("Snapshot produced by export_incident")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Snapshot *app.Snapshot `json:"snapshot"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if args.Snapshot == nil {
				return mcp.NewToolResultError(`invalid_request: required argument "snapshot" not found`), nil
			}
			res, err := records.ImportIncident(ctx, *args.Snapshot)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("import_incident", res)
		},
	)
}

// registerAutoSaveTools registers edit tracking, state and flush tools.
func registerAutoSaveTools(srv *mcpserver.MCPServer, autosave common.AutoSaveSurface) {
	srv.AddTool(
		mcp.NewTool(
			"icsforms.track_edit",
			mcp.WithDescription("Queue an unsaved edit of one form for the next auto-save flush."),
			mcp.WithNumber("form_id", mcp.Required(), mcp.Description("Form id")),
			mcp.WithObject("data", mcp.Required(), mcp.Description("Full edited data document")),
			mcp.WithNumber("version", mcp.Required(), mcp.Description("Form version the edit is based on")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.TrackEditRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if args.FormID <= 0 {
				return mcp.NewToolResultError(`invalid_request: required argument "form_id" not found`), nil
			}
			res, err := autosave.TrackEdit(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("track_edit", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.auto_save_state",
			mcp.WithDescription("Report auto-save settings, status and pending edits."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			state, err := autosave.AutoSaveState(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("auto_save_state", state)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"icsforms.flush_auto_save",
			mcp.WithDescription("Persist every pending edit now."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			res, err := autosave.FlushAutoSave(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("flush_auto_save", res)
		},
	)
}
