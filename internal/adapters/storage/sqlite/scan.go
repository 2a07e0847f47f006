package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
)

// formColumns is the canonical select list for scanForm.
const formColumns = `
	id, form_type, incident_name, incident_number, status, data, notes, preparer_name, approved_by, approved_at,
	operational_period_start, operational_period_end, priority, workflow_position, version, page_info,
	validation_results, created_at, updated_at
`

// scanner represents scanner data used by this package.
type scanner interface {
	Scan(dest ...any) error
}

// queryRower represents a read-only DB contract used by DB and Tx implementations.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// execerContext represents a write-only DB contract used by DB and Tx implementations.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// scanForm decodes one forms row selected with formColumns.
func scanForm(s scanner) (domain.Form, error) {
	var (
		f          domain.Form
		formType   string
		status     string
		dataRaw    string
		approvedAt sql.NullString
		opStart    sql.NullString
		opEnd      sql.NullString
		priority   string
		workflow   string
		pageInfo   sql.NullString
		results    sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := s.Scan(
		&f.ID,
		&formType,
		&f.IncidentName,
		&f.IncidentNumber,
		&status,
		&dataRaw,
		&f.Notes,
		&f.PreparerName,
		&f.ApprovedBy,
		&approvedAt,
		&opStart,
		&opEnd,
		&priority,
		&workflow,
		&f.Version,
		&pageInfo,
		&results,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return domain.Form{}, err
	}
	f.FormType = domain.FormType(formType)
	f.Status = domain.FormStatus(status)
	f.Priority = domain.Priority(priority)
	f.WorkflowPosition = domain.WorkflowPosition(workflow)
	f.ApprovedAt = parseNullTS(approvedAt)
	f.OperationalPeriodStart = parseNullTS(opStart)
	f.OperationalPeriodEnd = parseNullTS(opEnd)
	f.CreatedAt = parseTS(createdRaw)
	f.UpdatedAt = parseTS(updatedRaw)
	if pageInfo.Valid {
		f.PageInfo = json.RawMessage(pageInfo.String)
	}
	if results.Valid {
		f.ValidationResults = json.RawMessage(results.String)
	}
	data, err := decodeData(dataRaw)
	if err != nil {
		return domain.Form{}, err
	}
	f.Data = data
	return f, nil
}

// getFormByID loads one form through q, which may be the pool or a transaction.
func getFormByID(ctx context.Context, q queryRower, id int64) (domain.Form, error) {
	row := q.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id = ?`, id)
	f, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Form{}, app.NotFound("form", id)
	}
	if err != nil {
		return domain.Form{}, translate(err)
	}
	return f, nil
}

// collectForms drains rows of formColumns.
func collectForms(rows *sql.Rows) ([]domain.Form, error) {
	defer rows.Close()
	out := []domain.Form{}
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, f)
	}
	return out, translate(rows.Err())
}

// encodeData serializes form data for the data column.
func encodeData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", app.NewError(app.CategorySerialization, "encode form data", err)
	}
	return string(raw), nil
}

// decodeData parses the data column.
func decodeData(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, app.NewError(app.CategorySerialization, "decode form data", err)
	}
	return out, nil
}

// nullableJSON stores empty raw JSON as NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// chooseActorID returns the first non-empty actor id or the system actor.
func chooseActorID(candidates ...string) string {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" {
			return candidate
		}
	}
	return app.DefaultChangedBy
}

// translateNoRows reports NotFound when an exec touched nothing.
func translateNoRows(res sql.Result, entity string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if affected == 0 {
		return app.NotFound(entity, id)
	}
	return nil
}

// ts formats a timestamp at the persisted precision.
func ts(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// nullableTS handles nullable ts.
func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}
