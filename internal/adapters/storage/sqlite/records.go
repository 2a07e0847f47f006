package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
)

// CreateSignature stores an opaque signature payload.
func (s *Store) CreateSignature(ctx context.Context, sig domain.Signature) (domain.Signature, error) {
	if sig.SignedAt.IsZero() {
		sig.SignedAt = s.now()
	}
	sig.SignedAt = domain.Truncate(sig.SignedAt)
	err := s.tx.ExecuteWithRetry(ctx, s.policy.MaxRetryAttempts, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM forms WHERE id = ?`, sig.FormID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return app.NotFound("form", sig.FormID)
			}
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO form_signatures(form_id, signer_name, signer_role, signature_data, signed_at)
			VALUES (?, ?, ?, ?, ?)
		`, sig.FormID, sig.SignerName, sig.SignerRole, sig.Data, ts(sig.SignedAt))
		if err != nil {
			return err
		}
		sig.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return domain.Signature{}, err
	}
	return sig, nil
}

// ListSignatures lists signatures for a form, oldest first.
func (s *Store) ListSignatures(ctx context.Context, formID int64) ([]domain.Signature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, signer_name, signer_role, signature_data, signed_at
		FROM form_signatures
		WHERE form_id = ?
		ORDER BY signed_at ASC, id ASC
	`, formID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := []domain.Signature{}
	for rows.Next() {
		var (
			sig       domain.Signature
			signedRaw string
		)
		if err := rows.Scan(&sig.ID, &sig.FormID, &sig.SignerName, &sig.SignerRole, &sig.Data, &signedRaw); err != nil {
			return nil, translate(err)
		}
		sig.SignedAt = parseTS(signedRaw)
		out = append(out, sig)
	}
	return out, translate(rows.Err())
}

// GetSetting reads one JSON setting value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err)
	}
	return value, true, nil
}

// PutSetting upserts one JSON setting value.
func (s *Store) PutSetting(ctx context.Context, key, value string, at time.Time) error {
	if !json.Valid([]byte(value)) {
		return app.NewError(app.CategorySerialization, "setting value is not valid JSON", nil)
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.tx.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings(key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, ts(at))
		return err
	})
}

// UpsertTemplateRecord records a loaded template and replaces its global rules.
func (s *Store) UpsertTemplateRecord(ctx context.Context, rec app.TemplateRecord) error {
	if rec.LoadedAt.IsZero() {
		rec.LoadedAt = s.now()
	}
	return s.tx.ExecuteWithRetry(ctx, s.policy.MaxRetryAttempts, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO form_templates(template_id, form_type, version, title, checksum, loaded_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(template_id) DO UPDATE SET
				form_type = excluded.form_type,
				version = excluded.version,
				title = excluded.title,
				checksum = excluded.checksum,
				loaded_at = excluded.loaded_at
		`, rec.TemplateID, string(rec.FormType), rec.Version, rec.Title, rec.Checksum, ts(rec.LoadedAt))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM validation_rules WHERE template_id = ?`, rec.TemplateID); err != nil {
			return err
		}
		for _, rule := range rec.Rules {
			def, err := json.Marshal(rule)
			if err != nil {
				return app.NewError(app.CategorySerialization, "encode validation rule", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO validation_rules(template_id, rule_id, rule_type, severity, definition)
				VALUES (?, ?, ?, ?, ?)
			`, rec.TemplateID, rule.ID, string(rule.Type), string(rule.EffectiveSeverity()), string(def)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTemplateRecords lists recorded templates by form type.
func (s *Store) ListTemplateRecords(ctx context.Context) ([]app.TemplateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT template_id, form_type, version, title, checksum, loaded_at
		FROM form_templates
		ORDER BY form_type ASC, template_id ASC
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := []app.TemplateRecord{}
	for rows.Next() {
		var (
			rec       app.TemplateRecord
			formType  string
			loadedRaw string
		)
		if err := rows.Scan(&rec.TemplateID, &formType, &rec.Version, &rec.Title, &rec.Checksum, &loadedRaw); err != nil {
			return nil, translate(err)
		}
		rec.FormType = domain.FormType(formType)
		rec.LoadedAt = parseTS(loadedRaw)
		out = append(out, rec)
	}
	return out, translate(rows.Err())
}

// CountValidationRules returns the number of stored global rules for a template.
func (s *Store) CountValidationRules(ctx context.Context, templateID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_rules WHERE template_id = ?`, templateID).Scan(&n)
	return n, translate(err)
}
