package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
)

// CreateForm inserts a draft form at version 1 with its creation history row.
func (s *Store) CreateForm(ctx context.Context, f domain.Form, changedBy string) (domain.Form, error) {
	if s == nil || s.db == nil {
		return domain.Form{}, app.NewError(app.CategoryConnection, "create form", errClosed)
	}
	if !f.FormType.Valid() {
		return domain.Form{}, app.FromDomain(domain.ErrInvalidFormType)
	}
	dataJSON, err := encodeData(f.Data)
	if err != nil {
		return domain.Form{}, err
	}
	f.Status = domain.StatusDraft
	f.Version = 1
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	f.CreatedAt = domain.Truncate(f.CreatedAt)
	f.UpdatedAt = f.CreatedAt
	if f.Priority == "" {
		f.Priority = domain.PriorityRoutine
	}
	if f.WorkflowPosition == "" {
		f.WorkflowPosition = domain.WorkflowInitial
	}

	var created domain.Form
	err = s.tx.ExecuteWithRetry(ctx, s.policy.MaxRetryAttempts, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO forms(
				form_type, incident_name, incident_number, status, data, notes, preparer_name, approved_by, approved_at,
				operational_period_start, operational_period_end, priority, workflow_position, version, page_info,
				validation_results, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			string(f.FormType),
			f.IncidentName,
			f.IncidentNumber,
			string(f.Status),
			dataJSON,
			f.Notes,
			f.PreparerName,
			f.ApprovedBy,
			nullableTS(f.ApprovedAt),
			nullableTS(f.OperationalPeriodStart),
			nullableTS(f.OperationalPeriodEnd),
			string(f.Priority),
			string(f.WorkflowPosition),
			f.Version,
			nullableJSON(f.PageInfo),
			nullableJSON(f.ValidationResults),
			ts(f.CreatedAt),
			ts(f.UpdatedAt),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := insertStatusHistory(ctx, tx, domain.StatusHistory{
			FormID:           id,
			ToStatus:         domain.StatusDraft,
			ChangedAt:        f.CreatedAt,
			ChangedBy:        chooseActorID(changedBy, f.PreparerName),
			WorkflowPosition: f.WorkflowPosition,
		}); err != nil {
			return err
		}
		created, err = getFormByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.Form{}, err
	}
	s.logger.Debug("form created", "form_id", created.ID, "form_type", created.FormType)
	return created, nil
}

// GetForm returns one form by id.
func (s *Store) GetForm(ctx context.Context, id int64) (domain.Form, error) {
	return getFormByID(ctx, s.db, id)
}

// UpdateForm applies a patch under optimistic locking. Only changed columns are
// written; version always advances by one and a status change appends history.
func (s *Store) UpdateForm(ctx context.Context, u app.FormUpdate) (domain.Form, error) {
	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	var updated domain.Form
	err := s.tx.ExecuteWithRetry(ctx, s.policy.MaxRetryAttempts, func(tx *sql.Tx) error {
		current, err := getFormByID(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		if exp := u.Patch.ExpectedVersion; exp != nil && *exp != current.Version {
			return app.ConcurrencyConflict(*exp, current.Version)
		}
		next, err := current.Apply(u.Patch, at)
		if err != nil {
			return app.FromDomain(err)
		}
		if u.Hook != nil {
			if err := u.Hook(current, &next); err != nil {
				return err
			}
		}

		sets, args, err := changedColumns(current, next)
		if err != nil {
			return err
		}
		sets = append(sets, "version = version + 1", "updated_at = ?")
		args = append(args, ts(next.UpdatedAt), current.ID, current.Version)
		res, err := tx.ExecContext(ctx,
			`UPDATE forms SET `+strings.Join(sets, ", ")+` WHERE id = ? AND version = ?`,
			args...,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var actual int64
			if err := tx.QueryRowContext(ctx, `SELECT version FROM forms WHERE id = ?`, current.ID).Scan(&actual); err != nil {
				return err
			}
			return app.ConcurrencyConflict(current.Version, actual)
		}

		if domain.StatusChanged(current, next) {
			if err := insertStatusHistory(ctx, tx, domain.StatusHistory{
				FormID:           current.ID,
				FromStatus:       current.Status,
				ToStatus:         next.Status,
				ChangedAt:        next.UpdatedAt,
				ChangedBy:        chooseActorID(u.ChangedBy, next.PreparerName),
				WorkflowPosition: next.WorkflowPosition,
			}); err != nil {
				return err
			}
		}
		updated, err = getFormByID(ctx, tx, current.ID)
		return err
	})
	if err != nil {
		return domain.Form{}, err
	}
	s.logger.Debug("form updated", "form_id", updated.ID, "version", updated.Version)
	return updated, nil
}

// changedColumns lists SET clauses for every envelope column that differs.
func changedColumns(prev, next domain.Form) ([]string, []any, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, before, after any) {
		if before != after {
			sets = append(sets, column+" = ?")
			args = append(args, after)
		}
	}
	prevData, err := encodeData(prev.Data)
	if err != nil {
		return nil, nil, err
	}
	nextData, err := encodeData(next.Data)
	if err != nil {
		return nil, nil, err
	}
	add("incident_name", prev.IncidentName, next.IncidentName)
	add("incident_number", prev.IncidentNumber, next.IncidentNumber)
	add("status", string(prev.Status), string(next.Status))
	add("data", prevData, nextData)
	add("notes", prev.Notes, next.Notes)
	add("preparer_name", prev.PreparerName, next.PreparerName)
	add("approved_by", prev.ApprovedBy, next.ApprovedBy)
	add("approved_at", nullableTS(prev.ApprovedAt), nullableTS(next.ApprovedAt))
	add("operational_period_start", nullableTS(prev.OperationalPeriodStart), nullableTS(next.OperationalPeriodStart))
	add("operational_period_end", nullableTS(prev.OperationalPeriodEnd), nullableTS(next.OperationalPeriodEnd))
	add("priority", string(prev.Priority), string(next.Priority))
	add("workflow_position", string(prev.WorkflowPosition), string(next.WorkflowPosition))
	add("page_info", nullableJSON(prev.PageInfo), nullableJSON(next.PageInfo))
	add("validation_results", nullableJSON(prev.ValidationResults), nullableJSON(next.ValidationResults))
	return sets, args, nil
}

// DeleteForm removes a form and its dependents. A missing id reports false.
func (s *Store) DeleteForm(ctx context.Context, id int64, force bool) (bool, error) {
	deleted := false
	err := s.tx.ExecuteWithRetry(ctx, s.policy.MaxRetryAttempts, func(tx *sql.Tx) error {
		deleted = false
		current, err := getFormByID(ctx, tx, id)
		if errors.Is(err, app.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Status == domain.StatusFinal && !force {
			return app.BusinessRule("cannot delete final form without force")
		}
		var refs int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM form_relationships WHERE source_form_id = ? OR target_form_id = ?
		`, id, id).Scan(&refs); err != nil {
			return err
		}
		if refs > 0 && !force {
			e := app.BusinessRule(fmt.Sprintf("form is referenced by %d relationship(s); use force to delete", refs))
			e.Details = fmt.Sprintf("relationships=%d", refs)
			return e
		}
		for _, stmt := range []string{
			`DELETE FROM form_signatures WHERE form_id = ?`,
			`DELETE FROM form_status_history WHERE form_id = ?`,
			`DELETE FROM form_relationships WHERE source_form_id = ?1 OR target_form_id = ?1`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM forms WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if err := translateNoRows(res, "form", id); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("form deleted", "form_id", id, "force", force)
	}
	return deleted, nil
}

// ListFormsByIncident returns forms whose incident name matches exactly, ignoring case.
func (s *Store) ListFormsByIncident(ctx context.Context, incidentName string) ([]domain.Form, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+formColumns+`
		FROM forms
		WHERE incident_name = ? COLLATE NOCASE
		ORDER BY created_at ASC, id ASC
	`, strings.TrimSpace(incidentName))
	if err != nil {
		return nil, translate(err)
	}
	return collectForms(rows)
}

// ListFormsByIncidentNumber returns forms sharing a normalized incident number.
func (s *Store) ListFormsByIncidentNumber(ctx context.Context, incidentNumber string) ([]domain.Form, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+formColumns+`
		FROM forms
		WHERE incident_number_normalized = ?
		ORDER BY created_at ASC, id ASC
	`, domain.NormalizeIncidentNumber(incidentNumber))
	if err != nil {
		return nil, translate(err)
	}
	return collectForms(rows)
}

// ListRecentForms returns the most recently updated forms.
func (s *Store) ListRecentForms(ctx context.Context, limit int) ([]domain.Form, error) {
	if limit <= 0 {
		limit = app.DefaultRecentLimit
	}
	limit = min(limit, app.MaxSearchLimit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+formColumns+`
		FROM forms
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, translate(err)
	}
	return collectForms(rows)
}

// ListStatusHistory lists the transitions recorded for a form, oldest first.
func (s *Store) ListStatusHistory(ctx context.Context, formID int64) ([]domain.StatusHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, from_status, to_status, changed_at, changed_by, workflow_position
		FROM form_status_history
		WHERE form_id = ?
		ORDER BY changed_at ASC, id ASC
	`, formID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := []domain.StatusHistory{}
	for rows.Next() {
		var (
			h          domain.StatusHistory
			from       sql.NullString
			to         string
			changedRaw string
			workflow   string
		)
		if err := rows.Scan(&h.ID, &h.FormID, &from, &to, &changedRaw, &h.ChangedBy, &workflow); err != nil {
			return nil, translate(err)
		}
		h.FromStatus = domain.FormStatus(from.String)
		h.ToStatus = domain.FormStatus(to)
		h.ChangedAt = parseTS(changedRaw)
		h.WorkflowPosition = domain.WorkflowPosition(workflow)
		out = append(out, h)
	}
	return out, translate(rows.Err())
}

// insertStatusHistory appends one transition row. An empty from status is stored as NULL.
func insertStatusHistory(ctx context.Context, execer execerContext, h domain.StatusHistory) error {
	var from any
	if h.FromStatus != "" {
		from = string(h.FromStatus)
	}
	_, err := execer.ExecContext(ctx, `
		INSERT INTO form_status_history(form_id, from_status, to_status, changed_at, changed_by, workflow_position)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		h.FormID,
		from,
		string(h.ToStatus),
		ts(h.ChangedAt),
		chooseActorID(h.ChangedBy),
		string(h.WorkflowPosition),
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}
