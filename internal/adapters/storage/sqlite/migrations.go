package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/fingerprint"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationName matches NNNN_description.up.sql and NNNN_description.down.sql.
var migrationName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
	Checksum    string
}

// HasRollback reports whether a down script is registered.
func (m Migration) HasRollback() bool {
	return strings.TrimSpace(m.Down) != ""
}

// AppliedMigration is one row of the tracking table.
type AppliedMigration struct {
	Version      int       `json:"version"`
	Description  string    `json:"description"`
	AppliedAt    time.Time `json:"applied_at"`
	ExecutionMS  int64     `json:"execution_ms"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Checksum     string    `json:"checksum"`
	HasRollback  bool      `json:"has_rollback"`
	RolledBack   bool      `json:"rolled_back"`
	// Drifted is set when the stored checksum no longer matches the code.
	Drifted bool `json:"drifted"`
}

// MigrationReport summarises one RunMigrations call.
type MigrationReport struct {
	From    int   `json:"from"`
	To      int   `json:"to"`
	Applied []int `json:"applied"`
}

// EmbeddedMigrations returns the migrations compiled into the binary.
func EmbeddedMigrations() ([]Migration, error) {
	return LoadMigrations(migrationFS, "migrations")
}

// LoadMigrations reads NNNN_description.{up,down}.sql pairs from dir.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, app.NewError(app.CategoryMigration, "read migrations", err)
	}
	byVersion := map[int]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, app.NewError(app.CategoryMigration, fmt.Sprintf("unexpected migration file %q", entry.Name()), nil)
		}
		version, _ := strconv.Atoi(match[1])
		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, app.NewError(app.CategoryMigration, "read migration", err)
		}
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Description: strings.ReplaceAll(match[2], "_", " ")}
			byVersion[version] = m
		}
		switch match[3] {
		case "up":
			m.Up = string(raw)
		case "down":
			m.Down = string(raw)
		}
	}
	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if strings.TrimSpace(m.Up) == "" {
			return nil, app.NewError(app.CategoryMigration, fmt.Sprintf("migration %04d has no up script", m.Version), nil)
		}
		out = append(out, NewMigration(m.Version, m.Description, m.Up, m.Down))
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// NewMigration builds a migration and computes its checksum over the up script.
func NewMigration(version int, description, up, down string) Migration {
	return Migration{
		Version:     version,
		Description: description,
		Up:          up,
		Down:        down,
		Checksum:    fingerprint.Hash(fingerprint.DomainMigration, []byte(up)),
	}
}

// ensureMigrationTable bootstraps the tracking table.
func (s *Store) ensureMigrationTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			execution_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL,
			has_rollback INTEGER NOT NULL DEFAULT 0,
			rolled_back INTEGER NOT NULL DEFAULT 0
		)
	`)
	return translate(err)
}

// RunMigrations applies every pending migration in version order, each in its
// own transaction. The first failure is rolled back, recorded and returned.
func (s *Store) RunMigrations(ctx context.Context) (MigrationReport, error) {
	if err := s.ensureMigrationTable(ctx); err != nil {
		return MigrationReport{}, err
	}
	applied, err := s.AppliedMigrations(ctx)
	if err != nil {
		return MigrationReport{}, err
	}
	done := map[int]bool{}
	for _, a := range applied {
		if a.Success {
			done[a.Version] = true
		}
		if a.Drifted {
			s.logger.Warn("migration checksum drift", "migration", a.Version, "description", a.Description)
		}
	}
	from, err := s.SchemaVersion(ctx)
	if err != nil {
		return MigrationReport{}, err
	}

	report := MigrationReport{From: from, To: from, Applied: []int{}}
	for _, m := range s.migrations {
		if done[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return report, err
		}
		report.Applied = append(report.Applied, m.Version)
		report.To = max(report.To, m.Version)
	}
	return report, nil
}

// applyMigration runs one up script and its post-check in a transaction.
func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	start := time.Now()
	err := s.tx.Execute(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			return fmt.Errorf("apply migration %04d: %w", m.Version, err)
		}
		problems, err := engineCheck(ctx, tx, true)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			e := app.NewError(app.CategoryMigration, fmt.Sprintf("integrity check failed after migration %04d", m.Version), nil)
			e.Details = strings.Join(problems, "; ")
			return e
		}
		return recordMigration(ctx, tx, m, s.now(), time.Since(start), true, "", false)
	})
	if err == nil {
		s.logger.Info("migration applied", "migration", m.Version, "description", m.Description, "duration", time.Since(start))
		return nil
	}

	rolledBack := false
	if m.HasRollback() {
		rbErr := s.tx.Execute(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, m.Down)
			return err
		})
		rolledBack = rbErr == nil
		if rbErr != nil {
			s.logger.Error("migration rollback failed", "migration", m.Version, "err", rbErr)
		}
	}
	recErr := s.tx.Execute(ctx, func(tx *sql.Tx) error {
		return recordMigration(ctx, tx, m, s.now(), time.Since(start), false, err.Error(), rolledBack)
	})
	s.logger.Error("migration failed", "migration", m.Version, "rolled_back", rolledBack, "err", err)

	out := app.NewError(app.CategoryMigration, fmt.Sprintf("migration %04d failed", m.Version), err)
	if !rolledBack && m.HasRollback() {
		out.WithWarning("rollback script failed")
	}
	if recErr != nil {
		out.WithWarning("could not record failed migration: " + recErr.Error())
	}
	return out
}

// recordMigration upserts one tracking row.
func recordMigration(ctx context.Context, execer execerContext, m Migration, at time.Time, elapsed time.Duration, success bool, msg string, rolledBack bool) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO schema_migrations(version, description, applied_at, execution_ms, success, error_message, checksum, has_rollback, rolled_back)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			description = excluded.description,
			applied_at = excluded.applied_at,
			execution_ms = excluded.execution_ms,
			success = excluded.success,
			error_message = excluded.error_message,
			checksum = excluded.checksum,
			has_rollback = excluded.has_rollback,
			rolled_back = excluded.rolled_back
	`,
		m.Version,
		m.Description,
		ts(at),
		elapsed.Milliseconds(),
		boolInt(success),
		msg,
		m.Checksum,
		boolInt(m.HasRollback()),
		boolInt(rolledBack),
	)
	return err
}

// AppliedMigrations lists tracking rows in version order and flags checksum drift.
func (s *Store) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	if err := s.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_ms, success, error_message, checksum, has_rollback, rolled_back
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	code := map[int]string{}
	for _, m := range s.migrations {
		code[m.Version] = m.Checksum
	}
	out := []AppliedMigration{}
	for rows.Next() {
		var (
			a          AppliedMigration
			appliedRaw string
			success    int
			hasRB      int
			rolledBack int
		)
		if err := rows.Scan(&a.Version, &a.Description, &appliedRaw, &a.ExecutionMS, &success, &a.ErrorMessage, &a.Checksum, &hasRB, &rolledBack); err != nil {
			return nil, translate(err)
		}
		a.AppliedAt = parseTS(appliedRaw)
		a.Success = success != 0
		a.HasRollback = hasRB != 0
		a.RolledBack = rolledBack != 0
		if sum, ok := code[a.Version]; ok && a.Success && sum != a.Checksum {
			a.Drifted = true
		}
		out = append(out, a)
	}
	return out, translate(rows.Err())
}

// PendingMigrations returns code migrations without a successful tracking row.
func (s *Store) PendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := s.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	done := map[int]bool{}
	for _, a := range applied {
		if a.Success {
			done[a.Version] = true
		}
	}
	out := []Migration{}
	for _, m := range s.migrations {
		if !done[m.Version] {
			out = append(out, m)
		}
	}
	return out, nil
}

// SchemaVersion returns the highest successfully applied version, or 0.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if err := s.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE success = 1`).Scan(&v)
	return v, translate(err)
}

// MigrateDown rolls back applied migrations above target, newest first.
func (s *Store) MigrateDown(ctx context.Context, target int) ([]int, error) {
	applied, err := s.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	byVersion := map[int]Migration{}
	for _, m := range s.migrations {
		byVersion[m.Version] = m
	}
	slices.Reverse(applied)

	reverted := []int{}
	for _, a := range applied {
		if !a.Success || a.Version <= target {
			continue
		}
		m, ok := byVersion[a.Version]
		if !ok || !m.HasRollback() {
			return reverted, app.NewError(app.CategoryMigration, fmt.Sprintf("migration %04d has no rollback script", a.Version), nil)
		}
		err := s.tx.Execute(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE schema_migrations SET success = 0, rolled_back = 1 WHERE version = ?`, m.Version)
			return err
		})
		if err != nil {
			return reverted, app.NewError(app.CategoryMigration, fmt.Sprintf("roll back migration %04d", m.Version), err)
		}
		s.logger.Info("migration rolled back", "migration", m.Version)
		reverted = append(reverted, m.Version)
	}
	return reverted, nil
}

// boolInt converts a flag to the stored 0/1 form.
func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
