package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hylla/icsforms/internal/app"
)

// BackupResult reports one verified backup.
type BackupResult struct {
	Path      string        `json:"path"`
	SizeBytes int64         `json:"size_bytes"`
	Duration  time.Duration `json:"duration_ns"`
	Verified  bool          `json:"verified"`
}

// BackupPath returns a unique backup file name under dir.
func BackupPath(dir string, at time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return filepath.Join(dir, fmt.Sprintf("icsforms-%s-%s.db", at.UTC().Format("20060102T150405Z"), suffix))
}

// Backup writes a consistent copy of the database to target, re-opens the copy
// and verifies its integrity. The copy is removed when verification fails.
func (s *Store) Backup(ctx context.Context, target string) (BackupResult, error) {
	ctx, cancel := s.maintenanceContext(ctx)
	defer cancel()
	start := time.Now()
	target = strings.TrimSpace(target)
	if target == "" {
		return BackupResult{}, app.NewError(app.CategoryConfiguration, "backup target path is required", nil)
	}
	if _, err := os.Stat(target); err == nil {
		return BackupResult{}, app.NewError(app.CategoryBackup, fmt.Sprintf("backup target %s already exists", target), nil)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return BackupResult{}, app.NewError(app.CategoryBackup, "stat backup target", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return BackupResult{}, app.NewError(app.CategoryBackup, "create backup dir", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		_ = os.Remove(target)
		return BackupResult{}, app.NewError(app.CategoryBackup, "copy database", translate(err))
	}
	if err := verifyBackup(ctx, target); err != nil {
		_ = os.Remove(target)
		s.logger.Error("backup verification failed", "path", target, "err", err)
		return BackupResult{}, app.NewError(app.CategoryBackup, "backup verification failed", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return BackupResult{}, app.NewError(app.CategoryBackup, "stat backup", err)
	}
	res := BackupResult{
		Path:      target,
		SizeBytes: info.Size(),
		Duration:  time.Since(start),
		Verified:  true,
	}
	s.logger.Info("backup written", "path", target, "bytes", res.SizeBytes, "duration", res.Duration)
	return res, nil
}

// verifyBackup opens the copy read-only and runs a full integrity check.
func verifyBackup(ctx context.Context, path string) error {
	db, err := sql.Open(driverName, "file:"+path+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()
	problems, err := engineCheck(ctx, db, true)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return fmt.Errorf("integrity check: %s", strings.Join(problems, "; "))
	}
	var tables int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'forms'`).Scan(&tables); err != nil {
		return err
	}
	if tables != 1 {
		return errors.New("backup has no forms table")
	}
	return nil
}
