package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hylla/icsforms/internal/app"
)

// CompactMode selects how compaction reclaims space.
type CompactMode string

// CompactMode values.
const (
	CompactFull        CompactMode = "full"
	CompactIncremental CompactMode = "incremental"
)

// ParseCompactMode normalizes a mode name; empty means incremental.
func ParseCompactMode(raw string) (CompactMode, error) {
	switch CompactMode(strings.ToLower(strings.TrimSpace(raw))) {
	case CompactFull:
		return CompactFull, nil
	case CompactIncremental, "":
		return CompactIncremental, nil
	}
	return "", app.ValidationFailed("mode", fmt.Sprintf("unknown compaction mode %q", raw))
}

// Advisor thresholds.
const (
	defaultAdvisorThreshold = 10.0
	largeDatabaseBytes      = 100 << 20
	maintenanceHour         = 2
)

// SpaceStats describes page usage of the database file.
type SpaceStats struct {
	PageSize             int64   `json:"page_size"`
	PageCount            int64   `json:"page_count"`
	FreePages            int64   `json:"free_pages"`
	SizeBytes            int64   `json:"size_bytes"`
	FragmentationPercent float64 `json:"fragmentation_percent"`
}

// CompactOptions tunes Compact.
type CompactOptions struct {
	Mode CompactMode
	// Force compacts even below the fragmentation threshold.
	Force bool
	// Pages bounds incremental reclamation; zero uses the policy value.
	Pages int
	// BackupDir receives the pre-compaction backup when the policy asks for one.
	BackupDir string
}

// CompactResult reports one compaction.
type CompactResult struct {
	Mode           CompactMode   `json:"mode"`
	Skipped        bool          `json:"skipped"`
	Reason         string        `json:"reason,omitempty"`
	BackupPath     string        `json:"backup_path,omitempty"`
	Before         SpaceStats    `json:"before"`
	After          SpaceStats    `json:"after"`
	ReclaimedBytes int64         `json:"reclaimed_bytes"`
	Duration       time.Duration `json:"duration_ns"`
}

// CompactionAdvice is the advisor's recommendation.
type CompactionAdvice struct {
	Recommended          bool        `json:"recommended"`
	Mode                 CompactMode `json:"mode,omitempty"`
	Reason               string      `json:"reason"`
	FragmentationPercent float64     `json:"fragmentation_percent"`
	SizeBytes            int64       `json:"size_bytes"`
	NextWindow           time.Time   `json:"next_window"`
}

// SpaceStats reads page counters for the main database.
func (s *Store) SpaceStats(ctx context.Context) (SpaceStats, error) {
	var st SpaceStats
	for _, p := range []struct {
		pragma string
		dest   *int64
	}{
		{"PRAGMA page_size", &st.PageSize},
		{"PRAGMA page_count", &st.PageCount},
		{"PRAGMA freelist_count", &st.FreePages},
	} {
		if err := s.db.QueryRowContext(ctx, p.pragma).Scan(p.dest); err != nil {
			return SpaceStats{}, translate(err)
		}
	}
	st.SizeBytes = st.PageSize * st.PageCount
	if st.PageCount > 0 {
		st.FragmentationPercent = float64(st.FreePages) / float64(st.PageCount) * 100
	}
	return st, nil
}

// Compact reclaims free pages. Full mode rebuilds the file, its indexes and
// planner statistics, then re-verifies integrity; incremental mode frees a
// bounded number of pages in place. A failure leaves the pre-compaction state.
func (s *Store) Compact(ctx context.Context, opts CompactOptions) (CompactResult, error) {
	ctx, cancel := s.maintenanceContext(ctx)
	defer cancel()
	start := time.Now()
	if opts.Mode == "" {
		opts.Mode = CompactIncremental
	}
	before, err := s.SpaceStats(ctx)
	if err != nil {
		return CompactResult{}, err
	}
	res := CompactResult{Mode: opts.Mode, Before: before}

	switch opts.Mode {
	case CompactFull:
		threshold := s.policy.VacuumThresholdPct
		if !opts.Force && threshold > 0 && before.FragmentationPercent < threshold {
			res.Skipped = true
			res.Reason = fmt.Sprintf("fragmentation %.1f%% is below the %.1f%% threshold", before.FragmentationPercent, threshold)
			res.After = before
			res.Duration = time.Since(start)
			return res, nil
		}
		if s.policy.BackupBeforeCompact && !s.inMemory() {
			dir := opts.BackupDir
			if dir == "" {
				dir = filepath.Join(filepath.Dir(s.path), "backups")
			}
			backup, err := s.Backup(ctx, BackupPath(dir, s.now()))
			if err != nil {
				return res, err
			}
			res.BackupPath = backup.Path
		}
		for _, stmt := range []string{`VACUUM`, `REINDEX`, `ANALYZE`} {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return res, compactError(stmt, err)
			}
		}
		problems, err := engineCheck(ctx, s.db, true)
		if err != nil {
			return res, err
		}
		if len(problems) > 0 {
			e := app.NewError(app.CategoryIntegrity, "integrity check failed after compaction", nil)
			e.Details = strings.Join(problems, "; ")
			return res, e
		}
	case CompactIncremental:
		pages := opts.Pages
		if pages <= 0 {
			pages = s.policy.IncrementalPages
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA incremental_vacuum(%d)`, pages)); err != nil {
			return res, compactError("incremental_vacuum", err)
		}
		if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
			return res, compactError("optimize", err)
		}
	default:
		return res, app.ValidationFailed("mode", fmt.Sprintf("unknown compaction mode %q", opts.Mode))
	}

	after, err := s.SpaceStats(ctx)
	if err != nil {
		return res, err
	}
	res.After = after
	res.ReclaimedBytes = max(before.SizeBytes-after.SizeBytes, 0)
	res.Duration = time.Since(start)
	s.logger.Info("compaction finished", "mode", opts.Mode, "reclaimed", res.ReclaimedBytes, "duration", res.Duration)
	return res, nil
}

// compactError wraps a maintenance statement failure; the store stays usable.
func compactError(stmt string, err error) error {
	e := app.NewError(app.CategoryPerformance, "compaction failed at "+stmt, translate(err))
	e.Retryable = app.IsRetryable(translate(err))
	return e
}

// CompactionRecommended suggests whether and when to compact, based on
// fragmentation and file size.
func (s *Store) CompactionRecommended(ctx context.Context) (CompactionAdvice, error) {
	st, err := s.SpaceStats(ctx)
	if err != nil {
		return CompactionAdvice{}, err
	}
	threshold := s.policy.VacuumThresholdPct
	if threshold <= 0 {
		threshold = defaultAdvisorThreshold
	}
	now := s.now()
	advice := CompactionAdvice{
		FragmentationPercent: st.FragmentationPercent,
		SizeBytes:            st.SizeBytes,
	}
	switch {
	case st.FragmentationPercent >= 2*threshold:
		advice.Recommended = true
		advice.Mode = CompactFull
		advice.Reason = fmt.Sprintf("fragmentation %.1f%% is at least twice the %.1f%% threshold", st.FragmentationPercent, threshold)
		advice.NextWindow = now
		if st.SizeBytes >= largeDatabaseBytes {
			advice.NextWindow = nextMaintenanceWindow(now)
			advice.Reason += "; large file, schedule off-hours"
		}
	case st.FragmentationPercent >= threshold:
		advice.Recommended = true
		advice.Mode = CompactIncremental
		advice.Reason = fmt.Sprintf("fragmentation %.1f%% exceeds the %.1f%% threshold", st.FragmentationPercent, threshold)
		advice.NextWindow = now
	default:
		advice.Reason = fmt.Sprintf("fragmentation %.1f%% is below the %.1f%% threshold", st.FragmentationPercent, threshold)
		advice.NextWindow = now.Add(7 * 24 * time.Hour)
	}
	return advice, nil
}

// nextMaintenanceWindow returns the next 02:00 UTC strictly after now.
func nextMaintenanceWindow(now time.Time) time.Time {
	now = now.UTC()
	window := time.Date(now.Year(), now.Month(), now.Day(), maintenanceHour, 0, 0, 0, time.UTC)
	if !window.After(now) {
		window = window.Add(24 * time.Hour)
	}
	return window
}
