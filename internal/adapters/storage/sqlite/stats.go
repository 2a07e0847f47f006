package sqlite

import (
	"context"
	"os"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
)

// DatabaseStats reports row counts, file and page usage, pool utilisation and
// transaction counters.
func (s *Store) DatabaseStats(ctx context.Context) (app.DatabaseStats, error) {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return app.DatabaseStats{}, err
	}
	out := app.DatabaseStats{
		Path:          s.path,
		Mode:          string(s.mode),
		SchemaVersion: version,
		FormsByStatus: map[domain.FormStatus]int64{},
	}
	for _, st := range domain.Statuses() {
		out.FormsByStatus[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM forms GROUP BY status`)
	if err != nil {
		return app.DatabaseStats{}, translate(err)
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return app.DatabaseStats{}, translate(err)
		}
		out.FormsByStatus[domain.FormStatus(status)] = n
		out.TotalForms += n
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return app.DatabaseStats{}, translate(err)
	}

	for _, c := range []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM form_relationships`, &out.Relationships},
		{`SELECT COUNT(*) FROM form_status_history`, &out.StatusHistoryRows},
		{`SELECT COUNT(*) FROM form_templates`, &out.Templates},
	} {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return app.DatabaseStats{}, translate(err)
		}
	}

	space, err := s.SpaceStats(ctx)
	if err != nil {
		return app.DatabaseStats{}, err
	}
	out.PageSize = space.PageSize
	out.PageCount = space.PageCount
	out.FreePages = space.FreePages
	out.FragmentationPercent = space.FragmentationPercent
	out.FileSizeBytes = space.SizeBytes
	if !s.inMemory() {
		if info, err := os.Stat(s.path); err == nil {
			out.FileSizeBytes = info.Size()
		}
	}

	pool := s.db.Stats()
	out.Pool = app.PoolStats{
		MaxOpen:      pool.MaxOpenConnections,
		Open:         pool.OpenConnections,
		InUse:        pool.InUse,
		Idle:         pool.Idle,
		WaitCount:    pool.WaitCount,
		WaitDuration: pool.WaitDuration,
	}
	out.Transactions = s.tx.Stats()
	return out, nil
}
