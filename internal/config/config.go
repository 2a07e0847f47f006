package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ICSFORMS_"

type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	AutoSave    AutoSaveConfig    `toml:"autosave"`
	Validation  ValidationConfig  `toml:"validation"`
	Templates   TemplatesConfig   `toml:"templates"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
}

type DatabaseConfig struct {
	Path             string `toml:"path"`
	Mode             string `toml:"mode"` // production | development | testing
	MaxRetryAttempts int    `toml:"max_retry_attempts"`
}

type AutoSaveConfig struct {
	Enabled         bool   `toml:"enabled"`
	IntervalSeconds int    `toml:"interval_seconds"`
	RecoveryEnabled bool   `toml:"recovery_enabled"`
	RecoveryDir     string `toml:"recovery_dir"`
	MaxAgeHours     int    `toml:"max_age_hours"`
}

type ValidationConfig struct {
	FullBudgetMS  int `toml:"full_budget_ms"`
	FieldBudgetMS int `toml:"field_budget_ms"`
	CacheEntries  int `toml:"cache_entries"`
}

type TemplatesConfig struct {
	FailOnError bool `toml:"fail_on_error"`
}

type MaintenanceConfig struct {
	// VacuumThresholdPercent overrides the mode policy when > 0.
	VacuumThresholdPercent float64 `toml:"vacuum_threshold_percent"`
	IncrementalPages       int     `toml:"incremental_pages"`
	BackupBeforeCompact    bool    `toml:"backup_before_compact"`
	BackupDir              string  `toml:"backup_dir"`
}

type ServerConfig struct {
	HTTPBind    string `toml:"http_bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

type LoggingConfig struct {
	Level   string               `toml:"level"`
	DevFile LoggingDevFileConfig `toml:"dev_file"`
}

type LoggingDevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Default returns the built-in configuration for a database path. Recovery and
// backup directories default to siblings of the database file.
func Default(dbPath string) Config {
	dataDir := filepath.Dir(dbPath)
	return Config{
		Database: DatabaseConfig{
			Path:             dbPath,
			Mode:             "production",
			MaxRetryAttempts: 3,
		},
		AutoSave: AutoSaveConfig{
			Enabled:         true,
			IntervalSeconds: 30,
			RecoveryEnabled: true,
			RecoveryDir:     filepath.Join(dataDir, "recovery"),
			MaxAgeHours:     24,
		},
		Validation: ValidationConfig{
			FullBudgetMS:  50,
			FieldBudgetMS: 10,
			CacheEntries:  256,
		},
		Templates: TemplatesConfig{
			FailOnError: false,
		},
		Maintenance: MaintenanceConfig{
			BackupBeforeCompact: true,
			BackupDir:           filepath.Join(dataDir, "backups"),
		},
		Server: ServerConfig{
			HTTPBind:    "127.0.0.1:8080",
			APIEndpoint: "/api/v1",
			MCPEndpoint: "/mcp",
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: LoggingDevFileConfig{
				Enabled: true,
				Dir:     filepath.Join(dataDir, "logs"),
			},
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv overlays ICSFORMS_* variables read through lookup and re-validates.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		raw, ok := lookup(EnvPrefix + name)
		raw = strings.TrimSpace(raw)
		return raw, ok && raw != ""
	}
	var errs []error
	setInt := func(name string, dst *int) {
		if raw, ok := get(name); ok {
			v, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if raw, ok := get(name); ok {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = v
		}
	}
	setString := func(name string, dst *string) {
		if raw, ok := get(name); ok {
			*dst = raw
		}
	}

	setString("DB_PATH", &c.Database.Path)
	setString("DB_MODE", &c.Database.Mode)
	setBool("AUTOSAVE_ENABLED", &c.AutoSave.Enabled)
	setInt("AUTOSAVE_INTERVAL", &c.AutoSave.IntervalSeconds)
	setString("RECOVERY_DIR", &c.AutoSave.RecoveryDir)
	setString("BACKUP_DIR", &c.Maintenance.BackupDir)
	setString("HTTP_BIND", &c.Server.HTTPBind)
	setString("LOG_LEVEL", &c.Logging.Level)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	c.Database.Path = strings.TrimSpace(c.Database.Path)
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	switch strings.TrimSpace(strings.ToLower(c.Database.Mode)) {
	case "", "production", "development", "testing":
	default:
		return fmt.Errorf("invalid database.mode: %q", c.Database.Mode)
	}
	if c.Database.MaxRetryAttempts < 0 || c.Database.MaxRetryAttempts > 10 {
		return fmt.Errorf("database.max_retry_attempts must be within 0..10, got %d", c.Database.MaxRetryAttempts)
	}

	if c.AutoSave.IntervalSeconds < 5 || c.AutoSave.IntervalSeconds > 3600 {
		return fmt.Errorf("autosave.interval_seconds must be within 5..3600, got %d", c.AutoSave.IntervalSeconds)
	}
	if c.AutoSave.MaxAgeHours <= 0 {
		return fmt.Errorf("autosave.max_age_hours must be > 0, got %d", c.AutoSave.MaxAgeHours)
	}
	if c.AutoSave.RecoveryEnabled && strings.TrimSpace(c.AutoSave.RecoveryDir) == "" {
		return errors.New("autosave.recovery_dir is required when recovery is enabled")
	}

	if c.Validation.FullBudgetMS < 0 || c.Validation.FieldBudgetMS < 0 {
		return errors.New("validation budgets must be >= 0")
	}
	if c.Validation.CacheEntries < 0 {
		return fmt.Errorf("validation.cache_entries must be >= 0, got %d", c.Validation.CacheEntries)
	}

	if c.Maintenance.VacuumThresholdPercent < 0 || c.Maintenance.VacuumThresholdPercent > 100 {
		return fmt.Errorf("maintenance.vacuum_threshold_percent must be within 0..100, got %g", c.Maintenance.VacuumThresholdPercent)
	}
	if c.Maintenance.IncrementalPages < 0 {
		return fmt.Errorf("maintenance.incremental_pages must be >= 0, got %d", c.Maintenance.IncrementalPages)
	}

	if strings.TrimSpace(c.Server.HTTPBind) == "" {
		return errors.New("server.http_bind is required")
	}
	for name, endpoint := range map[string]string{"server.api_endpoint": c.Server.APIEndpoint, "server.mcp_endpoint": c.Server.MCPEndpoint} {
		if !strings.HasPrefix(strings.TrimSpace(endpoint), "/") {
			return fmt.Errorf("%s must start with '/', got %q", name, endpoint)
		}
	}

	if _, err := charmLog.ParseLevel(strings.TrimSpace(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}
	return nil
}

// FullBudget is the whole-form validation budget.
func (v ValidationConfig) FullBudget() time.Duration {
	return time.Duration(v.FullBudgetMS) * time.Millisecond
}

// FieldBudget is the single-field validation budget.
func (v ValidationConfig) FieldBudget() time.Duration {
	return time.Duration(v.FieldBudgetMS) * time.Millisecond
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// WriteDefault writes cfg to path unless a file already exists there.
func WriteDefault(path string, cfg Config) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if err := EnsureConfigDir(path); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	encoded, err := toml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("encode toml: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
