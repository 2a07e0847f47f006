package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	serveradapter "github.com/hylla/icsforms/internal/adapters/server"
	servercommon "github.com/hylla/icsforms/internal/adapters/server/common"
	"github.com/hylla/icsforms/internal/adapters/storage/sqlite"
	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/autosave"
	"github.com/hylla/icsforms/internal/config"
	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/template"
	"github.com/hylla/icsforms/internal/validation"
	"github.com/spf13/cobra"
)

// serveRunner starts the HTTP+MCP serve flow.
var serveRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
	return serveradapter.Run(ctx, cfg, deps)
}

// autoSaveStopTimeout bounds the final flush when serve or recover exits.
const autoSaveStopTimeout = 10 * time.Second

func newPathsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config, data and database paths",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			paths, err := opts.resolvePaths()
			if err != nil {
				return err
			}
			out := printer{format: opts.format, out: opts.stdout}
			view := map[string]any{
				"app":          opts.appName,
				"dev_mode":     opts.devMode,
				"config":       paths.ConfigPath,
				"data_dir":     paths.DataDir,
				"db":           paths.DBPath,
				"recovery_dir": paths.RecoveryDir,
				"backup_dir":   paths.BackupDir,
				"log_dir":      paths.LogDir,
			}
			return out.emit(view, func() string {
				return renderPairs("", [][2]string{
					{"app", opts.appName},
					{"dev_mode", strconv.FormatBool(opts.devMode)},
					{"config", paths.ConfigPath},
					{"data_dir", paths.DataDir},
					{"db", paths.DBPath},
					{"recovery_dir", paths.RecoveryDir},
					{"backup_dir", paths.BackupDir},
					{"log_dir", paths.LogDir},
				})
			})
		},
	}
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config, create directories and migrate the database",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "init", func(ctx context.Context, s *session, _ []string) error {
			if s.cfg.Database.Path == s.paths.DBPath {
				if err := s.paths.Ensure(); err != nil {
					return fmt.Errorf("create data directories: %w", err)
				}
			}
			for _, dir := range []string{filepath.Dir(s.cfg.Database.Path), s.cfg.AutoSave.RecoveryDir, s.cfg.Maintenance.BackupDir} {
				if strings.TrimSpace(dir) == "" {
					continue
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create directory %q: %w", dir, err)
				}
			}
			created, err := config.WriteDefault(s.configPath, s.cfg)
			if err != nil {
				return fmt.Errorf("write default config: %w", err)
			}

			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			_, reg, err := s.newService(ctx, store)
			if err != nil {
				return err
			}
			schema, err := store.SchemaVersion(ctx)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			s.logger.Info("database initialized", "db_path", s.cfg.Database.Path, "schema_version", schema, "config_created", created)

			view := map[string]any{
				"config":         s.configPath,
				"config_created": created,
				"db":             s.cfg.Database.Path,
				"schema_version": schema,
				"templates":      reg.Stats().Templates,
			}
			return s.out.emit(view, func() string {
				return renderPairs("initialized", [][2]string{
					{"config", s.configPath},
					{"config_created", strconv.FormatBool(created)},
					{"db", s.cfg.Database.Path},
					{"schema_version", strconv.Itoa(schema)},
					{"templates", strconv.Itoa(reg.Stats().Templates)},
				})
			})
		}),
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "migrate", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, true)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			report, err := store.RunMigrations(ctx)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			s.logger.Info("migrations applied", "from", report.From, "to", report.To, "applied", len(report.Applied))
			return s.out.emit(report, func() string {
				return renderPairs("migrate", [][2]string{
					{"from", strconv.Itoa(report.From)},
					{"to", strconv.Itoa(report.To)},
					{"applied", joinInts(report.Applied)},
				})
			})
		}),
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "migrate status", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, true)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			schema, err := store.SchemaVersion(ctx)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			applied, err := store.AppliedMigrations(ctx)
			if err != nil {
				return fmt.Errorf("list applied migrations: %w", err)
			}
			pending, err := store.PendingMigrations(ctx)
			if err != nil {
				return fmt.Errorf("list pending migrations: %w", err)
			}
			pendingVersions := make([]int, 0, len(pending))
			for _, m := range pending {
				pendingVersions = append(pendingVersions, m.Version)
			}
			view := map[string]any{
				"schema_version": schema,
				"applied":        applied,
				"pending":        pendingVersions,
			}
			return s.out.emit(view, func() string {
				rows := make([][]string, 0, len(applied)+len(pending))
				for _, m := range applied {
					state := "applied"
					switch {
					case m.RolledBack:
						state = "rolled back"
					case !m.Success:
						state = "failed"
					case m.Drifted:
						state = "drifted"
					}
					rows = append(rows, []string{strconv.Itoa(m.Version), m.Description, state, m.AppliedAt.Format(time.RFC3339)})
				}
				for _, m := range pending {
					rows = append(rows, []string{strconv.Itoa(m.Version), m.Description, "pending", ""})
				}
				return fmt.Sprintf("schema version %d\n%s", schema, renderTable([]string{"version", "description", "state", "applied at"}, rows))
			})
		}),
	}

	var target int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations above a target version",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "migrate down", func(ctx context.Context, s *session, _ []string) error {
			if target < 0 {
				return fmt.Errorf("--to must be >= 0, got %d", target)
			}
			store, err := s.openStore(ctx, true)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			reverted, err := store.MigrateDown(ctx, target)
			if err != nil {
				return fmt.Errorf("roll back migrations: %w", err)
			}
			s.logger.Warn("migrations rolled back", "target", target, "reverted", len(reverted))
			return s.out.emit(map[string]any{"target": target, "reverted": reverted}, func() string {
				return renderPairs("migrate down", [][2]string{
					{"target", strconv.Itoa(target)},
					{"reverted", joinInts(reverted)},
				})
			})
		}),
	}
	down.Flags().IntVar(&target, "to", 0, "schema version to roll back to")
	_ = down.MarkFlagRequired("to")

	cmd.AddCommand(status, down)
	return cmd
}

// checkOptions holds flags for the check command.
type checkOptions struct {
	quick       bool
	noStructure bool
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	var co checkOptions
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run database integrity checks",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "check", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)

			checks := sqlite.AllChecks()
			if co.quick {
				checks = sqlite.IntegrityOptions{}
			}
			if !co.quick && !co.noStructure {
				reg, err := s.loadTemplates(ctx)
				if err != nil {
					return err
				}
				checks.StructureCheck = structureCheck(reg)
			}
			report, err := store.CheckIntegrity(ctx, checks)
			if err != nil {
				return fmt.Errorf("check integrity: %w", err)
			}
			s.logger.Info("integrity check complete", "checks", len(report.Checks), "findings", len(report.Findings), "worst", report.Worst(), "duration", report.Duration)

			if err := s.out.emit(report, func() string { return renderIntegrity(report) }); err != nil {
				return err
			}
			if !report.Passed() {
				return failure(fmt.Sprintf("integrity check failed: worst finding is %s", report.Worst()))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&co.quick, "quick", false, "run only the engine and foreign-key checks")
	cmd.Flags().BoolVar(&co.noStructure, "no-structure", false, "skip template structure checks of form data")
	return cmd
}

// structureCheck validates stored form data against the loaded template.
func structureCheck(reg *template.Registry) func(domain.Form) error {
	return func(f domain.Form) error {
		tpl, ok := reg.Get(f.FormType)
		if !ok {
			return fmt.Errorf("no template loaded for %s", f.FormType)
		}
		return validation.CheckStructure(tpl, f.Data)
	}
}

// renderIntegrity draws findings grouped under a pass/fail headline.
func renderIntegrity(report sqlite.IntegrityReport) string {
	headline := "PASSED"
	if !report.Passed() {
		headline = "FAILED"
	}
	summary := fmt.Sprintf("%s  %d checks, %d findings (critical %d, high %d, medium %d, low %d)",
		titleStyle.Render(headline),
		len(report.Checks),
		len(report.Findings),
		report.Count(sqlite.FindingCritical),
		report.Count(sqlite.FindingHigh),
		report.Count(sqlite.FindingMedium),
		report.Count(sqlite.FindingLow),
	)
	if len(report.Findings) == 0 {
		return summary
	}
	rows := make([][]string, 0, len(report.Findings))
	for _, f := range report.Findings {
		entity := f.Entity
		if f.EntityID > 0 {
			entity = fmt.Sprintf("%s %d", f.Entity, f.EntityID)
		}
		rows = append(rows, []string{string(f.Severity), f.Check, entity, f.Message, f.AutoFix})
	}
	return summary + "\n" + renderTable([]string{"severity", "check", "entity", "message", "fix"}, rows)
}

// compactOptions holds flags for the compact command.
type compactOptions struct {
	mode   string
	force  bool
	pages  int
	advise bool
}

func newCompactCommand(opts *rootOptions) *cobra.Command {
	var co compactOptions
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim free pages or report whether compaction is advised",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "compact", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)

			if co.advise {
				advice, err := store.CompactionRecommended(ctx)
				if err != nil {
					return fmt.Errorf("compaction advice: %w", err)
				}
				return s.out.emit(advice, func() string {
					return renderPairs("compaction advice", [][2]string{
						{"recommended", strconv.FormatBool(advice.Recommended)},
						{"mode", string(advice.Mode)},
						{"reason", advice.Reason},
						{"fragmentation", fmt.Sprintf("%.1f%%", advice.FragmentationPercent)},
						{"size", formatBytes(advice.SizeBytes)},
						{"next_window", advice.NextWindow.Format(time.RFC3339)},
					})
				})
			}

			mode, err := sqlite.ParseCompactMode(co.mode)
			if err != nil {
				return err
			}
			res, err := store.Compact(ctx, sqlite.CompactOptions{
				Mode:      mode,
				Force:     co.force,
				Pages:     co.pages,
				BackupDir: s.cfg.Maintenance.BackupDir,
			})
			if err != nil {
				return fmt.Errorf("compact database: %w", err)
			}
			s.logger.Info("compaction finished", "mode", res.Mode, "skipped", res.Skipped, "reclaimed", res.ReclaimedBytes, "duration", res.Duration)
			return s.out.emit(res, func() string {
				pairs := [][2]string{
					{"mode", string(res.Mode)},
					{"skipped", strconv.FormatBool(res.Skipped)},
				}
				if res.Reason != "" {
					pairs = append(pairs, [2]string{"reason", res.Reason})
				}
				if res.BackupPath != "" {
					pairs = append(pairs, [2]string{"backup", res.BackupPath})
				}
				pairs = append(pairs,
					[2]string{"size_before", formatBytes(res.Before.SizeBytes)},
					[2]string{"size_after", formatBytes(res.After.SizeBytes)},
					[2]string{"reclaimed", formatBytes(res.ReclaimedBytes)},
					[2]string{"duration", res.Duration.Round(time.Millisecond).String()},
				)
				return renderPairs("compact", pairs)
			})
		}),
	}
	cmd.Flags().StringVar(&co.mode, "mode", "incremental", "compaction mode (incremental|full)")
	cmd.Flags().BoolVar(&co.force, "force", false, "compact even below the fragmentation threshold")
	cmd.Flags().IntVar(&co.pages, "pages", 0, "pages to reclaim in incremental mode (0 uses the mode policy)")
	cmd.Flags().BoolVar(&co.advise, "advise", false, "only report whether compaction is recommended")
	return cmd
}

func newBackupCommand(opts *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a verified copy of the database",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "backup", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			target := strings.TrimSpace(outPath)
			if target == "" {
				target = sqlite.BackupPath(s.cfg.Maintenance.BackupDir, time.Now())
			}
			res, err := store.Backup(ctx, target)
			if err != nil {
				return fmt.Errorf("backup database: %w", err)
			}
			s.logger.Info("backup written", "path", res.Path, "size", res.SizeBytes, "verified", res.Verified)
			return s.out.emit(res, func() string {
				return renderPairs("backup", [][2]string{
					{"path", res.Path},
					{"size", formatBytes(res.SizeBytes)},
					{"verified", strconv.FormatBool(res.Verified)},
					{"duration", res.Duration.Round(time.Millisecond).String()},
				})
			})
		}),
	}
	cmd.Flags().StringVar(&outPath, "out", "", "backup file path (defaults to the configured backup dir)")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database size, form counts and pool counters",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "stats", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			svc := app.NewService(store, nil, nil, nil, app.ServiceConfig{RecoveryDir: s.cfg.AutoSave.RecoveryDir})
			stats, err := svc.GetDatabaseStats(ctx)
			if err != nil {
				return fmt.Errorf("database stats: %w", err)
			}
			return s.out.emit(stats, func() string { return renderStats(stats) })
		}),
	}
}

// renderStats draws the database summary and per-status counts.
func renderStats(stats app.DatabaseStats) string {
	pairs := [][2]string{
		{"path", stats.Path},
		{"mode", stats.Mode},
		{"schema_version", strconv.Itoa(stats.SchemaVersion)},
		{"total_forms", strconv.FormatInt(stats.TotalForms, 10)},
	}
	for _, status := range domain.Statuses() {
		pairs = append(pairs, [2]string{"forms_" + string(status), strconv.FormatInt(stats.FormsByStatus[status], 10)})
	}
	pairs = append(pairs,
		[2]string{"relationships", strconv.FormatInt(stats.Relationships, 10)},
		[2]string{"status_history_rows", strconv.FormatInt(stats.StatusHistoryRows, 10)},
		[2]string{"templates", strconv.FormatInt(stats.Templates, 10)},
		[2]string{"file_size", formatBytes(stats.FileSizeBytes)},
		[2]string{"fragmentation", fmt.Sprintf("%.1f%%", stats.FragmentationPercent)},
		[2]string{"transactions", fmt.Sprintf("%d started, %d committed, %d rolled back", stats.Transactions.Started, stats.Transactions.Committed, stats.Transactions.RolledBack)},
	)
	return renderPairs("database", pairs)
}

func newTemplatesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the bundled form templates",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "templates", func(ctx context.Context, s *session, _ []string) error {
			reg, err := s.loadTemplates(ctx)
			if err != nil {
				return err
			}
			return emitTemplates(s.out, reg)
		}),
	}
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Record the loaded templates in the database registry",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "templates sync", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			_, reg, err := s.newService(ctx, store)
			if err != nil {
				return err
			}
			records, err := store.ListTemplateRecords(ctx)
			if err != nil {
				return fmt.Errorf("list template records: %w", err)
			}
			s.logger.Info("template registry synced", "templates", len(records))
			view := map[string]any{"synced": len(records), "failed": len(reg.Failures())}
			return s.out.emit(view, func() string {
				return renderPairs("templates sync", [][2]string{
					{"synced", strconv.Itoa(len(records))},
					{"failed", strconv.Itoa(len(reg.Failures()))},
				})
			})
		}),
	}
	cmd.AddCommand(sync)
	return cmd
}

// templateView is the list row for one template.
type templateView struct {
	FormType   domain.FormType `json:"form_type"`
	TemplateID string          `json:"template_id"`
	Version    string          `json:"version"`
	Title      string          `json:"title"`
	Checksum   string          `json:"checksum"`
	template.Counts
}

// emitTemplates writes the catalog with its load failures.
func emitTemplates(out printer, reg *template.Registry) error {
	all := reg.All()
	views := make([]templateView, 0, len(all))
	for _, tpl := range all {
		views = append(views, templateView{
			FormType:   tpl.FormType,
			TemplateID: tpl.TemplateID,
			Version:    tpl.Version,
			Title:      tpl.Title,
			Checksum:   tpl.Checksum(),
			Counts:     tpl.Counts(),
		})
	}
	view := map[string]any{"templates": views, "failures": reg.Failures(), "stats": reg.Stats()}
	return out.emit(view, func() string {
		rows := make([][]string, 0, len(views))
		for _, v := range views {
			rows = append(rows, []string{
				string(v.FormType),
				v.Version,
				v.Title,
				strconv.Itoa(v.Sections),
				strconv.Itoa(v.Fields),
				strconv.Itoa(v.Rules),
			})
		}
		body := renderTable([]string{"form", "version", "title", "sections", "fields", "rules"}, rows)
		for _, f := range reg.Failures() {
			body += fmt.Sprintf("\nskipped %s: %s", f.File, f.Err)
		}
		return body
	})
}

// validateOptions holds flags for the validate command.
type validateOptions struct {
	formID   int64
	formType string
	file     string
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var vo validateOptions
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a stored form or a JSON data document",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "validate", func(ctx context.Context, s *session, _ []string) error {
			in := app.ValidateFormInput{FormID: vo.formID}
			if vo.formID <= 0 {
				if strings.TrimSpace(vo.formType) == "" || strings.TrimSpace(vo.file) == "" {
					return fmt.Errorf("either --form or both --type and --file are required")
				}
				ft, err := domain.ParseFormType(vo.formType)
				if err != nil {
					return err
				}
				data, err := readJSONDocument(vo.file, s.opts.stdinReader())
				if err != nil {
					return err
				}
				in.FormType = ft
				in.Data = data
			}

			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			svc, _, err := s.newService(ctx, store)
			if err != nil {
				return err
			}
			res, err := svc.ValidateForm(ctx, in)
			if err != nil {
				return fmt.Errorf("validate form: %w", err)
			}
			if err := s.out.emit(res, func() string { return renderValidation(res) }); err != nil {
				return err
			}
			if !res.IsSubmittable {
				return failure(fmt.Sprintf("form is not submittable: %d error(s)", len(res.Errors)))
			}
			return nil
		}),
	}
	cmd.Flags().Int64Var(&vo.formID, "form", 0, "stored form id")
	cmd.Flags().StringVar(&vo.formType, "type", "", "form type for --file (e.g. ICS-201)")
	cmd.Flags().StringVar(&vo.file, "file", "", "JSON data document ('-' for stdin)")
	return cmd
}

// stdinReader is the input stream for '-' paths.
func (o *rootOptions) stdinReader() io.Reader {
	if o.stdin == nil {
		return os.Stdin
	}
	return o.stdin
}

// readJSONDocument decodes one JSON object from path or stdin.
func readJSONDocument(path string, stdin io.Reader) (map[string]any, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read data document: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode data document: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("data document must be a JSON object")
	}
	return data, nil
}

// renderValidation draws findings and the completion summary.
func renderValidation(res validation.Result) string {
	headline := "SUBMITTABLE"
	if !res.IsSubmittable {
		headline = "NOT SUBMITTABLE"
	}
	summary := fmt.Sprintf("%s  %s %s  %.0f%% complete, %d/%d fields filled",
		titleStyle.Render(headline),
		res.TemplateID,
		res.TemplateVersion,
		res.Summary.CompletionPercentage,
		res.Summary.FilledFields,
		res.Summary.TotalFields,
	)
	if res.BudgetExceeded {
		summary += " (validation budget exceeded)"
	}
	var rows [][]string
	for _, group := range [][]validation.Message{res.Errors, res.Warnings, res.Info} {
		for _, m := range group {
			rows = append(rows, []string{string(m.Severity), m.FieldID, string(m.Code), m.Message})
		}
	}
	if len(rows) == 0 {
		return summary
	}
	if res.Summary.EstimatedFixMinutes > 0 {
		summary += fmt.Sprintf(", about %d min to fix", res.Summary.EstimatedFixMinutes)
	}
	return summary + "\n" + renderTable([]string{"severity", "field", "code", "message"}, rows)
}

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay unsaved edits from the recovery journal",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "recover", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			svc, _, err := s.newService(ctx, store)
			if err != nil {
				return err
			}
			settings, err := s.autoSaveSettings(ctx, store)
			if err != nil {
				return err
			}
			saver, err := autosave.New(svc, autosave.Config{Settings: settings, Logger: s.logger.Component("autosave")})
			if err != nil {
				return fmt.Errorf("configure auto-save: %w", err)
			}
			recovered, err := saver.Start(ctx)
			if err != nil {
				return fmt.Errorf("recover journal: %w", err)
			}
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), autoSaveStopTimeout)
			defer cancel()
			saved, flushErr := saver.Stop(stopCtx)
			remaining := saver.Pending()
			s.logger.Info("recovery complete", "recovered", recovered, "saved", len(saved), "remaining", len(remaining))

			view := map[string]any{
				"recovered": recovered,
				"saved":     saved,
				"remaining": remaining,
			}
			if err := s.out.emit(view, func() string { return renderRecovery(recovered, saved, remaining) }); err != nil {
				return err
			}
			if flushErr != nil {
				return fmt.Errorf("save recovered edits: %w", flushErr)
			}
			return nil
		}),
	}
}

// renderRecovery draws recovered counts and any edits still pending.
func renderRecovery(recovered int, saved []int64, remaining []autosave.PendingChange) string {
	body := renderPairs("recover", [][2]string{
		{"recovered", strconv.Itoa(recovered)},
		{"saved", joinInt64s(saved)},
		{"remaining", strconv.Itoa(len(remaining))},
	})
	if len(remaining) == 0 {
		return body
	}
	rows := make([][]string, 0, len(remaining))
	for _, p := range remaining {
		state := "pending"
		if p.Conflict {
			state = "conflict"
		}
		rows = append(rows, []string{strconv.FormatInt(p.FormID, 10), strconv.FormatInt(p.Version, 10), state, strconv.Itoa(p.Attempts), p.ChangedAt.Format(time.RFC3339)})
	}
	return body + "\n" + renderTable([]string{"form", "version", "state", "attempts", "changed at"}, rows)
}

// serveOptions holds flags for the serve command.
type serveOptions struct {
	httpBind    string
	apiEndpoint string
	mcpEndpoint string
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var so serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoint with auto-save running",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "serve", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			svc, _, err := s.newService(ctx, store)
			if err != nil {
				return err
			}
			settings, err := s.autoSaveSettings(ctx, store)
			if err != nil {
				return err
			}
			saver, err := autosave.New(svc, autosave.Config{Settings: settings, Logger: s.logger.Component("autosave")})
			if err != nil {
				return fmt.Errorf("configure auto-save: %w", err)
			}
			svc.AttachAutoSave(saver)
			recovered, err := saver.Start(ctx)
			if err != nil {
				return fmt.Errorf("start auto-save: %w", err)
			}
			if recovered > 0 {
				s.logger.Info("recovered unsaved edits", "count", recovered)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), autoSaveStopTimeout)
				defer cancel()
				if _, err := saver.Stop(stopCtx); err != nil {
					s.logger.Warn("final auto-save flush incomplete", "err", err)
				}
			}()

			adapter := servercommon.NewAppServiceAdapter(svc, saver)
			return serveRunner(ctx, serveradapter.Config{
				HTTPBind:      firstNonEmpty(so.httpBind, s.cfg.Server.HTTPBind),
				APIEndpoint:   firstNonEmpty(so.apiEndpoint, s.cfg.Server.APIEndpoint),
				MCPEndpoint:   firstNonEmpty(so.mcpEndpoint, s.cfg.Server.MCPEndpoint),
				ServerName:    s.opts.appName,
				ServerVersion: version,
			}, serveradapter.Dependencies{
				Forms:    adapter,
				Records:  adapter,
				AutoSave: adapter,
				Ready: func(ctx context.Context) error {
					return store.DB().PingContext(ctx)
				},
				Logger: s.logger.Component("server"),
			})
		}),
	}
	cmd.Flags().StringVar(&so.httpBind, "http", "", "HTTP listen address (defaults to server.http_bind)")
	cmd.Flags().StringVar(&so.apiEndpoint, "api-endpoint", "", "HTTP API base endpoint")
	cmd.Flags().StringVar(&so.mcpEndpoint, "mcp-endpoint", "", "MCP streamable HTTP endpoint")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		incident string
		outPath  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one incident as a JSON snapshot",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "export", func(ctx context.Context, s *session, _ []string) error {
			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			svc, _, err := s.newService(ctx, store)
			if err != nil {
				return err
			}
			snap, err := svc.ExportIncident(ctx, incident)
			if err != nil {
				return fmt.Errorf("export incident: %w", err)
			}
			encoded, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("encode snapshot json: %w", err)
			}
			encoded = append(encoded, '\n')

			if outPath == "-" {
				if _, err := s.opts.stdout.Write(encoded); err != nil {
					return fmt.Errorf("write snapshot to stdout: %w", err)
				}
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create export output dir: %w", err)
			}
			if err := os.WriteFile(outPath, encoded, 0o644); err != nil {
				return fmt.Errorf("write export file: %w", err)
			}
			s.logger.Info("incident exported", "incident", incident, "forms", len(snap.Forms), "path", outPath)
			return nil
		}),
	}
	cmd.Flags().StringVar(&incident, "incident", "", "incident name")
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path ('-' for stdout)")
	_ = cmd.MarkFlagRequired("incident")
	return cmd
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an incident snapshot; forms receive new ids",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, "import", func(ctx context.Context, s *session, _ []string) error {
			content, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			var snap app.Snapshot
			if err := json.Unmarshal(content, &snap); err != nil {
				return fmt.Errorf("decode snapshot json: %w", err)
			}

			store, err := s.openStore(ctx, false)
			if err != nil {
				return err
			}
			defer s.closeStore(store)
			svc, _, err := s.newService(ctx, store)
			if err != nil {
				return err
			}
			res, err := svc.ImportIncident(ctx, snap)
			if err != nil {
				return fmt.Errorf("import snapshot: %w", err)
			}
			s.logger.Info("incident imported", "incident", snap.IncidentName, "forms", len(res.Forms))
			return s.out.emit(res, func() string {
				return renderPairs("import", [][2]string{
					{"incident", snap.IncidentName},
					{"forms", strconv.Itoa(len(res.Forms))},
					{"relationships", strconv.Itoa(res.Relationships)},
					{"signatures", strconv.Itoa(res.Signatures)},
				})
			})
		}),
	}
	cmd.Flags().StringVar(&inPath, "in", "", "input snapshot JSON file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// firstNonEmpty returns the first non-blank value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// joinInts renders a comma-separated list, or "none".
func joinInts(values []int) string {
	if len(values) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ", ")
}

// joinInt64s renders a comma-separated id list, or "none".
func joinInt64s(values []int64) string {
	if len(values) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.FormatInt(v, 10))
	}
	return strings.Join(parts, ", ")
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
