package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/hylla/icsforms/internal/adapters/storage/sqlite"
	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/config"
	"github.com/hylla/icsforms/internal/platform"
	"github.com/hylla/icsforms/internal/template"
	"github.com/hylla/icsforms/internal/validation"
	"github.com/spf13/cobra"
)

// version is stamped at build time.
var version = "dev"

// main handles main.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := newRootCommand(os.Stdout, os.Stderr)
	err := fang.Execute(ctx, root, fang.WithVersion(version))
	stop()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

// run executes one command line without the fang wrapper.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// rootOptions holds global flags shared by every command.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
	format     string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// newRootCommand builds the icsforms command tree.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	defaultDevMode := version == "dev"
	if envDev, ok := parseBoolEnv(config.EnvPrefix + "DEV_MODE"); ok {
		defaultDevMode = envDev
	}
	defaultApp := platform.DefaultAppName
	if envApp := strings.TrimSpace(os.Getenv(config.EnvPrefix + "APP_NAME")); envApp != "" {
		defaultApp = envApp
	}

	cmd := &cobra.Command{
		Use:           "icsforms",
		Short:         "Offline ICS incident forms store",
		Long:          "Create, validate and maintain ICS incident forms in a local SQLite database.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			format, err := normalizeFormat(opts.format)
			if err != nil {
				return err
			}
			opts.format = format
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config TOML")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	cmd.PersistentFlags().StringVar(&opts.appName, "app", defaultApp, "application name for config/data path resolution")
	cmd.PersistentFlags().BoolVar(&opts.devMode, "dev", defaultDevMode, "use dev mode paths (<app>-dev)")
	cmd.PersistentFlags().StringVar(&opts.format, "format", formatTable, "output format (table|json|yaml)")

	cmd.AddCommand(
		newPathsCommand(opts),
		newInitCommand(opts),
		newMigrateCommand(opts),
		newCheckCommand(opts),
		newCompactCommand(opts),
		newBackupCommand(opts),
		newStatsCommand(opts),
		newTemplatesCommand(opts),
		newValidateCommand(opts),
		newRecoverCommand(opts),
		newServeCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
	)
	return cmd
}

// session is the resolved runtime state of one command invocation.
type session struct {
	opts       *rootOptions
	paths      platform.Paths
	configPath string
	cfg        config.Config
	logger     *runtimeLogger
	out        printer
}

// resolvePaths resolves per-user locations for the selected app name.
func (o *rootOptions) resolvePaths() (platform.Paths, error) {
	return platform.DefaultPathsWithOptions(platform.Options{
		AppName: o.appName,
		DevMode: o.devMode,
	})
}

// prepare resolves paths, loads config and configures logging. Flags win
// over ICSFORMS_* variables, which win over the config file.
func (o *rootOptions) prepare() (*session, error) {
	paths, err := o.resolvePaths()
	if err != nil {
		return nil, err
	}

	configPath := strings.TrimSpace(o.configPath)
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv(config.EnvPrefix + "CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(o.dbPath)
	dbOverridden := dbPath != ""
	if !dbOverridden {
		dbPath = paths.DBPath
	}

	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	cfg, err = cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}

	logger, err := newRuntimeLogger(o.stderr, o.appName, o.devMode, cfg.Logging, filepath.Dir(cfg.Database.Path), time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Debug("dev file logging enabled", "path", devPath)
	}
	return &session{
		opts:       o,
		paths:      paths,
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		out:        printer{format: o.format, out: o.stdout},
	}, nil
}

// close releases the logger sinks.
func (s *session) close() {
	if err := s.logger.Close(); err != nil {
		_, _ = fmt.Fprintf(s.opts.stderr, "warning: close runtime log sink: %v\n", err)
	}
}

// withSession wraps one command flow with session setup, flow logging and teardown.
func withSession(opts *rootOptions, name string, fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := opts.prepare()
		if err != nil {
			return err
		}
		defer s.close()

		s.logger.Debug("command flow start", "command", name, "db_path", s.cfg.Database.Path)
		if err := fn(cmd.Context(), s, args); err != nil {
			if exitCode(err) == exitCommandError {
				s.logger.Error("command flow failed", "command", name, "err", err)
			}
			return err
		}
		s.logger.Debug("command flow complete", "command", name)
		return nil
	}
}

// storePolicy applies maintenance overrides from config to the mode policy.
func (s *session) storePolicy(mode sqlite.Mode) sqlite.Policy {
	policy := sqlite.PolicyFor(mode)
	m := s.cfg.Maintenance
	if m.VacuumThresholdPercent > 0 {
		policy.VacuumThresholdPct = m.VacuumThresholdPercent
	}
	if m.IncrementalPages > 0 {
		policy.IncrementalPages = m.IncrementalPages
	}
	policy.BackupBeforeCompact = policy.BackupBeforeCompact && m.BackupBeforeCompact
	if s.cfg.Database.MaxRetryAttempts > 0 {
		policy.MaxRetryAttempts = s.cfg.Database.MaxRetryAttempts
	}
	return policy
}

// openStore opens the configured database. skipMigrations leaves the schema untouched.
func (s *session) openStore(ctx context.Context, skipMigrations bool) (*sqlite.Store, error) {
	mode, err := sqlite.ParseMode(s.cfg.Database.Mode)
	if err != nil {
		return nil, err
	}
	policy := s.storePolicy(mode)
	s.logger.Debug("opening sqlite store", "db_path", s.cfg.Database.Path, "mode", mode)
	store, err := sqlite.Open(ctx, s.cfg.Database.Path, sqlite.Options{
		Mode:           mode,
		Policy:         &policy,
		Logger:         s.logger.Component("sqlite"),
		SkipMigrations: skipMigrations,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

// closeStore closes the store and logs failures.
func (s *session) closeStore(store *sqlite.Store) {
	if err := store.Close(); err != nil {
		s.logger.Warn("sqlite close failed", "db_path", s.cfg.Database.Path, "err", err)
	}
}

// loadTemplates loads the bundled template catalog.
func (s *session) loadTemplates(ctx context.Context) (*template.Registry, error) {
	reg, err := template.LoadBundled(ctx, template.LoaderConfig{
		FailOnError: s.cfg.Templates.FailOnError,
		Logger:      s.logger.Component("templates"),
	})
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	for _, f := range reg.Failures() {
		s.logger.Warn("template skipped", "file", f.File, "err", f.Err)
	}
	return reg, nil
}

// newService builds the form service over store and syncs the template registry.
func (s *session) newService(ctx context.Context, store *sqlite.Store) (*app.Service, *template.Registry, error) {
	reg, err := s.loadTemplates(ctx)
	if err != nil {
		return nil, nil, err
	}
	validator := validation.New(validation.Config{
		FullBudget:   s.cfg.Validation.FullBudget(),
		FieldBudget:  s.cfg.Validation.FieldBudget(),
		CacheEntries: s.cfg.Validation.CacheEntries,
	})
	svc := app.NewService(store, reg, validator, nil, app.ServiceConfig{RecoveryDir: s.cfg.AutoSave.RecoveryDir})
	synced, err := svc.SyncTemplates(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sync templates: %w", err)
	}
	s.logger.Debug("template registry synced", "templates", synced)
	return svc, reg, nil
}

// autoSaveSettings starts from config and applies settings persisted by configure_auto_save.
func (s *session) autoSaveSettings(ctx context.Context, store *sqlite.Store) (app.AutoSaveSettings, error) {
	settings := app.AutoSaveSettings{
		Enabled:         s.cfg.AutoSave.Enabled,
		IntervalSeconds: s.cfg.AutoSave.IntervalSeconds,
		RecoveryEnabled: s.cfg.AutoSave.RecoveryEnabled,
		RecoveryDir:     s.cfg.AutoSave.RecoveryDir,
		MaxAgeHours:     s.cfg.AutoSave.MaxAgeHours,
	}
	raw, ok, err := store.GetSetting(ctx, app.AutoSaveSettingsKey)
	if err != nil {
		return app.AutoSaveSettings{}, fmt.Errorf("read auto-save settings: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			s.logger.Warn("stored auto-save settings ignored", "err", err)
		}
	}
	if settings.RecoveryDir == "" {
		settings.RecoveryDir = s.cfg.AutoSave.RecoveryDir
	}
	if err := settings.Validate(); err != nil {
		return app.AutoSaveSettings{}, err
	}
	return settings, nil
}

// parseBoolEnv parses one boolean environment variable.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
