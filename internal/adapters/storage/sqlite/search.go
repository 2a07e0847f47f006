package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/hylla/icsforms/internal/app"
)

// orderColumns maps accepted sort keys onto SQL expressions.
var orderColumns = map[app.OrderBy]string{
	app.OrderByUpdatedAt:    "updated_at",
	app.OrderByCreatedAt:    "created_at",
	app.OrderByIncidentName: "incident_name COLLATE NOCASE",
	app.OrderByFormType:     "form_type",
	app.OrderByStatus:       "status",
	app.OrderByID:           "id",
}

// SearchForms runs an AND-combined filtered search and returns one page.
func (s *Store) SearchForms(ctx context.Context, filter app.FormFilter) (app.SearchResult, error) {
	start := time.Now()
	filter = filter.Normalize()
	orderExpr, ok := orderColumns[filter.OrderBy]
	if !ok {
		return app.SearchResult{}, app.ValidationFailed("order_by", "unsupported order column")
	}
	where, args := searchWhere(filter)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forms`+where, args...).Scan(&total); err != nil {
		return app.SearchResult{}, translate(err)
	}

	dir := "ASC"
	if *filter.Descending {
		dir = "DESC"
	}
	query := `SELECT ` + formColumns + ` FROM forms` + where +
		` ORDER BY ` + orderExpr + ` ` + dir + `, id ` + dir + ` LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return app.SearchResult{}, translate(err)
	}
	forms, err := collectForms(rows)
	if err != nil {
		return app.SearchResult{}, err
	}

	elapsed := time.Since(start)
	if s.policy.SlowOperationWarning > 0 && elapsed > s.policy.SlowOperationWarning {
		s.logger.Warn("slow search", "duration", elapsed, "matches", total)
	}
	return app.SearchResult{
		Forms:         forms,
		TotalCount:    total,
		FilteredCount: int64(len(forms)),
		HasMore:       int64(filter.Offset+len(forms)) < total,
		SearchTimeMS:  elapsed.Milliseconds(),
		Page:          filter.Offset / max(filter.Limit, 1),
		PageSize:      filter.Limit,
	}, nil
}

// searchWhere builds the WHERE clause and its arguments from present filters.
func searchWhere(f app.FormFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if v := strings.TrimSpace(f.IncidentName); v != "" {
		clauses = append(clauses, `incident_name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(v)+"%")
	}
	if f.FormType != "" {
		clauses = append(clauses, `form_type = ?`)
		args = append(args, string(f.FormType))
	}
	if f.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, string(f.Status))
	}
	if v := strings.TrimSpace(f.PreparerName); v != "" {
		clauses = append(clauses, `preparer_name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(v)+"%")
	}
	if f.CreatedFrom != nil {
		clauses = append(clauses, `created_at >= ?`)
		args = append(args, ts(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		clauses = append(clauses, `created_at <= ?`)
		args = append(args, ts(*f.CreatedTo))
	}
	if f.Priority != "" {
		clauses = append(clauses, `priority = ?`)
		args = append(args, string(f.Priority))
	}
	if f.WorkflowPosition != "" {
		clauses = append(clauses, `workflow_position = ?`)
		args = append(args, string(f.WorkflowPosition))
	}
	if phrase := ftsPhrase(f.Text); phrase != "" {
		clauses = append(clauses, `id IN (SELECT rowid FROM forms_fts WHERE forms_fts MATCH ?)`)
		args = append(args, phrase)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// escapeLike escapes LIKE wildcards with a backslash.
func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}

// ftsPhrase quotes free text as one FTS5 phrase so query syntax is never interpreted.
func ftsPhrase(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(text, `"`, `""`) + `"`
}
