package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hylla/icsforms/internal/app"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// Mode selects an operating policy for the store.
type Mode string

// Mode values.
const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
	ModeTesting     Mode = "testing"
)

// ParseMode normalizes a configured mode name.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeProduction:
		return ModeProduction, nil
	case ModeDevelopment, "":
		return ModeDevelopment, nil
	case ModeTesting:
		return ModeTesting, nil
	}
	return "", app.NewError(app.CategoryConfiguration, fmt.Sprintf("unknown database mode %q", raw), nil)
}

// IntegrityLevel selects how much checking runs when the store opens.
type IntegrityLevel string

// IntegrityLevel values.
const (
	IntegrityNone  IntegrityLevel = "none"
	IntegrityQuick IntegrityLevel = "quick"
	IntegrityFull  IntegrityLevel = "full"
)

// AutoVacuum mirrors the engine's auto_vacuum setting.
type AutoVacuum string

// AutoVacuum values.
const (
	AutoVacuumNone        AutoVacuum = "none"
	AutoVacuumFull        AutoVacuum = "full"
	AutoVacuumIncremental AutoVacuum = "incremental"
)

// Policy bundles the timeouts and maintenance switches for one mode.
type Policy struct {
	BusyTimeout          time.Duration
	OperationTimeout     time.Duration
	MaintenanceTimeout   time.Duration
	MaxOpenConns         int
	IntegrityOnOpen      IntegrityLevel
	AutoVacuum           AutoVacuum
	BackupBeforeCompact  bool
	VacuumThresholdPct   float64
	IncrementalPages     int
	MaxRetryAttempts     int
	SlowOperationWarning time.Duration
}

// PolicyFor returns the built-in policy for a mode.
func PolicyFor(mode Mode) Policy {
	switch mode {
	case ModeProduction:
		return Policy{
			BusyTimeout:          10 * time.Second,
			OperationTimeout:     30 * time.Second,
			MaintenanceTimeout:   600 * time.Second,
			MaxOpenConns:         4,
			IntegrityOnOpen:      IntegrityQuick,
			AutoVacuum:           AutoVacuumIncremental,
			BackupBeforeCompact:  true,
			VacuumThresholdPct:   20,
			IncrementalPages:     500,
			MaxRetryAttempts:     3,
			SlowOperationWarning: time.Second,
		}
	case ModeTesting:
		return Policy{
			BusyTimeout:          time.Second,
			OperationTimeout:     10 * time.Second,
			MaintenanceTimeout:   60 * time.Second,
			MaxOpenConns:         1,
			IntegrityOnOpen:      IntegrityNone,
			AutoVacuum:           AutoVacuumIncremental,
			BackupBeforeCompact:  false,
			VacuumThresholdPct:   0,
			IncrementalPages:     100,
			MaxRetryAttempts:     2,
			SlowOperationWarning: 0,
		}
	default:
		return Policy{
			BusyTimeout:          5 * time.Second,
			OperationTimeout:     60 * time.Second,
			MaintenanceTimeout:   60 * time.Second,
			MaxOpenConns:         2,
			IntegrityOnOpen:      IntegrityFull,
			AutoVacuum:           AutoVacuumIncremental,
			BackupBeforeCompact:  false,
			VacuumThresholdPct:   10,
			IncrementalPages:     200,
			MaxRetryAttempts:     3,
			SlowOperationWarning: 500 * time.Millisecond,
		}
	}
}

// Options tunes Open.
type Options struct {
	Mode   Mode
	Policy *Policy
	Logger *log.Logger
	Clock  func() time.Time
	// Migrations replaces the embedded migration set; tests use it.
	Migrations []Migration
	// SkipMigrations opens the file without evolving the schema.
	SkipMigrations bool
}

// Store is the storage engine: it owns the connection pool and is the only writer.
type Store struct {
	db         *sql.DB
	path       string
	mode       Mode
	policy     Policy
	logger     *log.Logger
	clock      func() time.Time
	tx         *TxManager
	migrations []Migration
}

var _ app.Repository = (*Store)(nil)

// Open opens or creates the database at path, applies pragmas and pending migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, app.NewError(app.CategoryConfiguration, "sqlite path is required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, app.NewError(app.CategoryConnection, "create sqlite dir", err)
	}
	return open(ctx, path, "file:"+path, opts)
}

// OpenInMemory opens a private in-memory database. Each call gets its own database.
func OpenInMemory(ctx context.Context, opts Options) (*Store, error) {
	if opts.Mode == "" {
		opts.Mode = ModeTesting
	}
	name := "mem-" + uuid.NewString()
	return open(ctx, ":memory:", "file:"+name+"?mode=memory&cache=shared", opts)
}

// open builds the pool and brings the schema up to date.
func open(ctx context.Context, path, base string, opts Options) (*Store, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeDevelopment
	}
	policy := PolicyFor(mode)
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	migrations := opts.Migrations
	if migrations == nil {
		var err error
		migrations, err = EmbeddedMigrations()
		if err != nil {
			return nil, err
		}
	}

	inMemory := path == ":memory:"
	db, err := sql.Open(driverName, dsn(base, policy, inMemory))
	if err != nil {
		return nil, app.NewError(app.CategoryConnection, "open sqlite", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(max(policy.MaxOpenConns, 1))
	}
	db.SetMaxIdleConns(max(policy.MaxOpenConns, 1))
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, translate(err)
	}

	s := &Store{
		db:         db,
		path:       path,
		mode:       mode,
		policy:     policy,
		logger:     logger,
		clock:      clock,
		migrations: migrations,
	}
	s.tx = NewTxManager(db, TxOptions{
		Timeout:  policy.OperationTimeout,
		SlowWarn: policy.SlowOperationWarning,
		Logger:   logger,
	})

	if !opts.SkipMigrations {
		if _, err := s.RunMigrations(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if policy.IntegrityOnOpen != IntegrityNone {
		problems, err := s.engineCheck(ctx, policy.IntegrityOnOpen == IntegrityFull)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if len(problems) > 0 {
			_ = db.Close()
			e := app.NewError(app.CategoryIntegrity, "database failed integrity check on open", nil)
			e.Severity = app.SeverityCritical
			e.Details = strings.Join(problems, "; ")
			return nil, e
		}
	}
	logger.Debug("sqlite store opened", "path", path, "mode", mode)
	return s, nil
}

// dsn appends the connection pragmas to a sqlite URI.
func dsn(base string, p Policy, inMemory bool) string {
	q := url.Values{}
	switch p.AutoVacuum {
	case AutoVacuumFull:
		q.Add("_pragma", "auto_vacuum(1)")
	case AutoVacuumIncremental:
		q.Add("_pragma", "auto_vacuum(2)")
	default:
		q.Add("_pragma", "auto_vacuum(0)")
	}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", p.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if !inMemory {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	q.Set("_txlock", "immediate")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the pool for maintenance tooling and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path, or ":memory:".
func (s *Store) Path() string {
	return s.path
}

// Mode returns the operating mode.
func (s *Store) Mode() Mode {
	return s.mode
}

// Policy returns the active policy.
func (s *Store) Policy() Policy {
	return s.policy
}

// Tx returns the transaction manager.
func (s *Store) Tx() *TxManager {
	return s.tx
}

// inMemory reports whether the store has no backing file.
func (s *Store) inMemory() bool {
	return s.path == ":memory:"
}

// maintenanceContext applies the maintenance timeout when ctx has no deadline.
func (s *Store) maintenanceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.policy.MaintenanceTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.policy.MaintenanceTimeout)
}

// engineCheck runs PRAGMA integrity_check (full) or quick_check and returns non-ok rows.
func (s *Store) engineCheck(ctx context.Context, full bool) ([]string, error) {
	return engineCheck(ctx, s.db, full)
}

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

// engineCheck runs the engine-level integrity pragma on any handle.
func engineCheck(ctx context.Context, q queryer, full bool) ([]string, error) {
	pragma := "PRAGMA quick_check"
	if full {
		pragma = "PRAGMA integrity_check"
	}
	rows, err := q.QueryContext(ctx, pragma)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, translate(err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return problems, nil
}

// now returns the store clock truncated to persisted precision.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

// errClosed is returned for operations on a nil store.
var errClosed = errors.New("sqlite store is closed")
