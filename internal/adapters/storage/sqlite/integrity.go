package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/hylla/icsforms/internal/domain"
)

// FindingSeverity ranks integrity findings.
type FindingSeverity string

// FindingSeverity values, least to most severe.
const (
	FindingInfo     FindingSeverity = "info"
	FindingLow      FindingSeverity = "low"
	FindingMedium   FindingSeverity = "medium"
	FindingHigh     FindingSeverity = "high"
	FindingCritical FindingSeverity = "critical"
)

// rank orders severities for comparisons.
func (s FindingSeverity) rank() int {
	switch s {
	case FindingLow:
		return 1
	case FindingMedium:
		return 2
	case FindingHigh:
		return 3
	case FindingCritical:
		return 4
	}
	return 0
}

// Integrity check names.
const (
	CheckEngine            = "engine"
	CheckForeignKeys       = "foreign_keys"
	CheckBusinessRules     = "business_rules"
	CheckJSONStructure     = "json_structure"
	CheckOrphans           = "orphans"
	CheckRelationshipCycle = "relationship_cycles"
	CheckStatusHistory     = "status_history"
	CheckStatusConsistency = "status_consistency"
	CheckSchema            = "schema"
	CheckIndexes           = "performance"
	CheckMigrations        = "migrations"
)

// cycleDepth bounds the traversal used by the cycle check.
const cycleDepth = 10

// expectedTables must exist in a fully migrated database.
var expectedTables = []string{
	"schema_migrations",
	"forms",
	"form_status_history",
	"form_relationships",
	"form_signatures",
	"form_templates",
	"validation_rules",
	"export_configurations",
	"settings",
	"forms_fts",
}

// expectedIndexes cover the frequently queried columns, with the statement that restores each.
var expectedIndexes = map[string]string{
	"idx_forms_incident_name":       "CREATE INDEX idx_forms_incident_name ON forms(incident_name COLLATE NOCASE)",
	"idx_forms_form_type":           "CREATE INDEX idx_forms_form_type ON forms(form_type)",
	"idx_forms_status":              "CREATE INDEX idx_forms_status ON forms(status)",
	"idx_forms_updated_at":          "CREATE INDEX idx_forms_updated_at ON forms(updated_at DESC, id DESC)",
	"idx_forms_incident_number":     "CREATE INDEX idx_forms_incident_number ON forms(incident_number_normalized)",
	"idx_status_history_form":       "CREATE INDEX idx_status_history_form ON form_status_history(form_id, changed_at, id)",
	"idx_relationships_source":      "CREATE INDEX idx_relationships_source ON form_relationships(source_form_id)",
	"idx_relationships_target":      "CREATE INDEX idx_relationships_target ON form_relationships(target_form_id)",
	"idx_signatures_form":           "CREATE INDEX idx_signatures_form ON form_signatures(form_id)",
	"idx_validation_rules_template": "CREATE INDEX idx_validation_rules_template ON validation_rules(template_id)",
}

// Finding is one integrity problem.
type Finding struct {
	Check    string          `json:"check"`
	Severity FindingSeverity `json:"severity"`
	Message  string          `json:"message"`
	Entity   string          `json:"entity,omitempty"`
	EntityID int64           `json:"entity_id,omitempty"`
	AutoFix  string          `json:"auto_fix,omitempty"`
}

// IntegrityReport collects the findings of one CheckIntegrity run.
type IntegrityReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Checks    []string      `json:"checks"`
	Findings  []Finding     `json:"findings"`
}

// Passed reports whether no finding is high or critical.
func (r IntegrityReport) Passed() bool {
	return r.Worst().rank() < FindingHigh.rank()
}

// Worst returns the most severe finding level, or info when clean.
func (r IntegrityReport) Worst() FindingSeverity {
	worst := FindingInfo
	for _, f := range r.Findings {
		if f.Severity.rank() > worst.rank() {
			worst = f.Severity
		}
	}
	return worst
}

// Count returns how many findings carry severity.
func (r IntegrityReport) Count(severity FindingSeverity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == severity {
			n++
		}
	}
	return n
}

// IntegrityOptions selects optional checks. Engine and foreign-key checks always run.
type IntegrityOptions struct {
	Full          bool
	BusinessRules bool
	JSONStructure bool
	Orphans       bool
	Cycles        bool
	StatusHistory bool
	Schema        bool
	Performance   bool
	Migrations    bool
	// StructureCheck, when set, validates each form's data against its template.
	StructureCheck func(domain.Form) error
}

// AllChecks enables every optional check.
func AllChecks() IntegrityOptions {
	return IntegrityOptions{
		Full:          true,
		BusinessRules: true,
		JSONStructure: true,
		Orphans:       true,
		Cycles:        true,
		StatusHistory: true,
		Schema:        true,
		Performance:   true,
		Migrations:    true,
	}
}

// integrityRun accumulates findings.
type integrityRun struct {
	report IntegrityReport
}

func (r *integrityRun) ran(check string) {
	r.report.Checks = append(r.report.Checks, check)
}

func (r *integrityRun) add(f Finding) {
	r.report.Findings = append(r.report.Findings, f)
}

// CheckIntegrity runs the layered checks and returns a structured report.
// Errors are returned only when a check cannot execute.
func (s *Store) CheckIntegrity(ctx context.Context, opts IntegrityOptions) (IntegrityReport, error) {
	ctx, cancel := s.maintenanceContext(ctx)
	defer cancel()
	start := time.Now()
	run := &integrityRun{report: IntegrityReport{StartedAt: s.now(), Findings: []Finding{}}}

	steps := []struct {
		enabled bool
		check   string
		fn      func(context.Context, *integrityRun) error
	}{
		{true, CheckEngine, func(ctx context.Context, r *integrityRun) error { return s.checkEngine(ctx, r, opts.Full) }},
		{true, CheckForeignKeys, s.checkForeignKeys},
		{opts.Schema, CheckSchema, s.checkSchema},
		{opts.BusinessRules, CheckBusinessRules, s.checkBusinessRules},
		{opts.JSONStructure, CheckJSONStructure, func(ctx context.Context, r *integrityRun) error { return s.checkJSON(ctx, r, opts.StructureCheck) }},
		{opts.Orphans, CheckOrphans, s.checkOrphans},
		{opts.Cycles, CheckRelationshipCycle, s.checkCycles},
		{opts.StatusHistory, CheckStatusHistory, s.checkStatusHistory},
		{opts.StatusHistory, CheckStatusConsistency, s.checkStatusConsistency},
		{opts.Performance, CheckIndexes, s.checkIndexes},
		{opts.Migrations, CheckMigrations, s.checkMigrations},
	}
	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := step.fn(ctx, run); err != nil {
			return run.report, fmt.Errorf("integrity check %s: %w", step.check, err)
		}
		run.ran(step.check)
	}
	run.report.Duration = time.Since(start)
	s.logger.Info("integrity check finished", "findings", len(run.report.Findings), "worst", run.report.Worst(), "duration", run.report.Duration)
	return run.report, nil
}

// checkEngine runs the engine's own page-level verification.
func (s *Store) checkEngine(ctx context.Context, r *integrityRun, full bool) error {
	problems, err := engineCheck(ctx, s.db, full)
	if err != nil {
		return err
	}
	for _, p := range problems {
		r.add(Finding{
			Check:    CheckEngine,
			Severity: FindingCritical,
			Message:  p,
			AutoFix:  "restore from the most recent verified backup",
		})
	}
	return nil
}

// checkForeignKeys reports rows whose references do not resolve.
func (s *Store) checkForeignKeys(ctx context.Context, r *integrityRun) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return translate(err)
	}
	var found []Finding
	for rows.Next() {
		var (
			table  string
			rowID  sql.NullInt64
			parent string
			fkid   int
		)
		if err := rows.Scan(&table, &rowID, &parent, &fkid); err != nil {
			rows.Close()
			return translate(err)
		}
		found = append(found, Finding{
			Check:    CheckForeignKeys,
			Severity: FindingHigh,
			Message:  fmt.Sprintf("%s row %d references a missing %s row", table, rowID.Int64, parent),
			Entity:   table,
			EntityID: rowID.Int64,
			AutoFix:  fmt.Sprintf("DELETE FROM %s WHERE rowid = %d", table, rowID.Int64),
		})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return translate(err)
	}
	for _, f := range found {
		r.add(f)
	}
	return nil
}

// checkSchema reports expected tables that are missing.
func (s *Store) checkSchema(ctx context.Context, r *integrityRun) error {
	present, err := s.objectNames(ctx, "table")
	if err != nil {
		return err
	}
	for _, name := range expectedTables {
		if !present[name] {
			r.add(Finding{
				Check:    CheckSchema,
				Severity: FindingCritical,
				Message:  fmt.Sprintf("table %s is missing", name),
				Entity:   name,
				AutoFix:  "run icsforms migrate",
			})
		}
	}
	return nil
}

// checkIndexes reports missing indexes on frequently queried columns.
func (s *Store) checkIndexes(ctx context.Context, r *integrityRun) error {
	present, err := s.objectNames(ctx, "index")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(expectedIndexes))
	for name := range expectedIndexes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if !present[name] {
			r.add(Finding{
				Check:    CheckIndexes,
				Severity: FindingLow,
				Message:  fmt.Sprintf("index %s is missing", name),
				Entity:   name,
				AutoFix:  expectedIndexes[name],
			})
		}
	}
	return nil
}

// objectNames lists sqlite_master entries of one type.
func (s *Store) objectNames(ctx context.Context, kind string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = ?`, kind)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, translate(err)
		}
		out[name] = true
	}
	return out, translate(rows.Err())
}

// checkBusinessRules verifies operational periods and final-form approval.
func (s *Store) checkBusinessRules(ctx context.Context, r *integrityRun) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, approved_by, approved_at, operational_period_start, operational_period_end
		FROM forms
		ORDER BY id
	`)
	if err != nil {
		return translate(err)
	}
	var found []Finding
	for rows.Next() {
		var (
			id         int64
			status     string
			approvedBy string
			approvedAt sql.NullString
			opStart    sql.NullString
			opEnd      sql.NullString
		)
		if err := rows.Scan(&id, &status, &approvedBy, &approvedAt, &opStart, &opEnd); err != nil {
			rows.Close()
			return translate(err)
		}
		if err := domain.ValidateOperationalPeriod(parseNullTS(opStart), parseNullTS(opEnd)); err != nil {
			found = append(found, Finding{
				Check:    CheckBusinessRules,
				Severity: FindingHigh,
				Message:  fmt.Sprintf("form %d operational period must be positive and at most 72 hours", id),
				Entity:   "form",
				EntityID: id,
				AutoFix:  "correct operational_period_end",
			})
		}
		if domain.FormStatus(status) == domain.StatusFinal && (approvedBy == "" || !approvedAt.Valid) {
			found = append(found, Finding{
				Check:    CheckBusinessRules,
				Severity: FindingHigh,
				Message:  fmt.Sprintf("form %d is final without approved_by and approved_at", id),
				Entity:   "form",
				EntityID: id,
				AutoFix:  "record the approval or move the form back to completed",
			})
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return translate(err)
	}
	for _, f := range found {
		r.add(f)
	}
	return nil
}

// checkJSON reports malformed data documents and, with a structure check, template mismatches.
func (s *Store) checkJSON(ctx context.Context, r *integrityRun, structure func(domain.Form) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM forms WHERE json_valid(data) = 0 ORDER BY id`)
	if err != nil {
		return translate(err)
	}
	var bad []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return translate(err)
		}
		bad = append(bad, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return translate(err)
	}
	for _, id := range bad {
		r.add(Finding{
			Check:    CheckJSONStructure,
			Severity: FindingCritical,
			Message:  fmt.Sprintf("form %d data is not well-formed JSON", id),
			Entity:   "form",
			EntityID: id,
			AutoFix:  "restore the form data from a recovery journal or backup",
		})
	}
	if structure == nil {
		return nil
	}

	rows, err = s.db.QueryContext(ctx, `SELECT `+formColumns+` FROM forms WHERE json_valid(data) = 1 ORDER BY id`)
	if err != nil {
		return translate(err)
	}
	forms, err := collectForms(rows)
	if err != nil {
		return err
	}
	for _, f := range forms {
		if err := structure(f); err != nil {
			r.add(Finding{
				Check:    CheckJSONStructure,
				Severity: FindingMedium,
				Message:  fmt.Sprintf("form %d data does not match its template: %v", f.ID, err),
				Entity:   "form",
				EntityID: f.ID,
			})
		}
	}
	return nil
}

// checkOrphans reports dependent rows whose form no longer exists.
func (s *Store) checkOrphans(ctx context.Context, r *integrityRun) error {
	queries := []struct {
		entity string
		query  string
	}{
		{"form_status_history", `SELECT h.id, h.form_id FROM form_status_history h LEFT JOIN forms f ON f.id = h.form_id WHERE f.id IS NULL ORDER BY h.id`},
		{"form_signatures", `SELECT g.id, g.form_id FROM form_signatures g LEFT JOIN forms f ON f.id = g.form_id WHERE f.id IS NULL ORDER BY g.id`},
		{"form_relationships", `
			SELECT r.id, CASE WHEN s.id IS NULL THEN r.source_form_id ELSE r.target_form_id END
			FROM form_relationships r
			LEFT JOIN forms s ON s.id = r.source_form_id
			LEFT JOIN forms t ON t.id = r.target_form_id
			WHERE s.id IS NULL OR t.id IS NULL
			ORDER BY r.id`},
	}
	for _, q := range queries {
		pairs, err := s.idPairs(ctx, q.query)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			r.add(Finding{
				Check:    CheckOrphans,
				Severity: FindingHigh,
				Message:  fmt.Sprintf("%s row %d references missing form %d", q.entity, p[0], p[1]),
				Entity:   q.entity,
				EntityID: p[0],
				AutoFix:  fmt.Sprintf("DELETE FROM %s WHERE id = %d", q.entity, p[0]),
			})
		}
	}
	return nil
}

// idPairs drains a two-integer-column query.
func (s *Store) idPairs(ctx context.Context, query string) ([][2]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var out [][2]int64
	for rows.Next() {
		var p [2]int64
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, translate(err)
		}
		out = append(out, p)
	}
	return out, translate(rows.Err())
}

// checkCycles reports forms that can reach themselves within cycleDepth hops.
func (s *Store) checkCycles(ctx context.Context, r *integrityRun) error {
	adj, err := loadEdges(ctx, s.db)
	if err != nil {
		return translate(err)
	}
	nodes := make([]int64, 0, len(adj))
	for node := range adj {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		cyclic := false
		for _, to := range adj[node] {
			if reachable(adj, to, node, cycleDepth) {
				cyclic = true
				break
			}
		}
		if cyclic {
			r.add(Finding{
				Check:    CheckRelationshipCycle,
				Severity: FindingHigh,
				Message:  fmt.Sprintf("form %d participates in a relationship cycle", node),
				Entity:   "form",
				EntityID: node,
				AutoFix:  "remove one relationship on the cycle",
			})
		}
	}
	return nil
}

// checkStatusHistory reports recorded transitions the lifecycle forbids.
func (s *Store) checkStatusHistory(ctx context.Context, r *integrityRun) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, form_id, from_status, to_status FROM form_status_history ORDER BY id`)
	if err != nil {
		return translate(err)
	}
	var found []Finding
	for rows.Next() {
		var (
			id     int64
			formID int64
			from   sql.NullString
			to     string
		)
		if err := rows.Scan(&id, &formID, &from, &to); err != nil {
			rows.Close()
			return translate(err)
		}
		if !domain.LegalHistoryTransition(domain.FormStatus(from.String), domain.FormStatus(to)) {
			found = append(found, Finding{
				Check:    CheckStatusHistory,
				Severity: FindingHigh,
				Message:  fmt.Sprintf("history row %d for form %d records illegal transition %q -> %q", id, formID, from.String, to),
				Entity:   "form_status_history",
				EntityID: id,
			})
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return translate(err)
	}
	for _, f := range found {
		r.add(f)
	}
	return nil
}

// checkStatusConsistency reports forms whose status differs from their latest history row.
func (s *Store) checkStatusConsistency(ctx context.Context, r *integrityRun) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.status, COALESCE((
			SELECT h.to_status FROM form_status_history h
			WHERE h.form_id = f.id
			ORDER BY h.changed_at DESC, h.id DESC
			LIMIT 1
		), '')
		FROM forms f
		ORDER BY f.id
	`)
	if err != nil {
		return translate(err)
	}
	var found []Finding
	for rows.Next() {
		var (
			id     int64
			status string
			last   string
		)
		if err := rows.Scan(&id, &status, &last); err != nil {
			rows.Close()
			return translate(err)
		}
		switch {
		case last == "":
			found = append(found, Finding{
				Check:    CheckStatusConsistency,
				Severity: FindingMedium,
				Message:  fmt.Sprintf("form %d has no status history", id),
				Entity:   "form",
				EntityID: id,
				AutoFix:  fmt.Sprintf("insert a creation history row for form %d", id),
			})
		case last != status:
			found = append(found, Finding{
				Check:    CheckStatusConsistency,
				Severity: FindingMedium,
				Message:  fmt.Sprintf("form %d status %q differs from latest history %q", id, status, last),
				Entity:   "form",
				EntityID: id,
			})
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return translate(err)
	}
	for _, f := range found {
		r.add(f)
	}
	return nil
}

// checkMigrations reports checksum drift and pending migrations.
func (s *Store) checkMigrations(ctx context.Context, r *integrityRun) error {
	applied, err := s.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	for _, a := range applied {
		if a.Drifted {
			r.add(Finding{
				Check:    CheckMigrations,
				Severity: FindingMedium,
				Message:  fmt.Sprintf("migration %04d (%s) changed after it was applied", a.Version, a.Description),
				Entity:   "schema_migrations",
				EntityID: int64(a.Version),
			})
		}
	}
	pending, err := s.PendingMigrations(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		r.add(Finding{
			Check:    CheckMigrations,
			Severity: FindingLow,
			Message:  fmt.Sprintf("migration %04d (%s) is pending", m.Version, m.Description),
			Entity:   "schema_migrations",
			EntityID: int64(m.Version),
			AutoFix:  "run icsforms migrate",
		})
	}
	return nil
}
