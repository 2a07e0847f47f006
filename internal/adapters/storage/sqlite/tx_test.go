package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/hylla/icsforms/internal/app"
)

// recordingSleep captures retry delays without waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestTxManager(t *testing.T, store *Store) (*TxManager, *recordingSleep) {
	t.Helper()
	rec := &recordingSleep{}
	return NewTxManager(store.DB(), TxOptions{Timeout: time.Second, Sleep: rec.sleep}), rec
}

func countSettings(t *testing.T, store *Store) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM settings`).Scan(&n); err != nil {
		t.Fatalf("count settings error = %v", err)
	}
	return n
}

func insertSetting(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO settings(key, value, updated_at) VALUES (?, ?, ?)`, key, value, ts(testNow))
	return err
}

func TestTxManagerCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	mgr, _ := newTestTxManager(t, store)

	if err := mgr.Execute(ctx, func(tx *sql.Tx) error {
		return insertSetting(ctx, tx, "kept", `1`)
	}); err != nil {
		t.Fatalf("Execute(commit) error = %v", err)
	}
	err := mgr.Execute(ctx, func(tx *sql.Tx) error {
		if err := insertSetting(ctx, tx, "dropped", `2`); err != nil {
			return err
		}
		return app.BusinessRule("abort")
	})
	if !errors.Is(err, app.ErrBusinessRule) {
		t.Fatalf("Execute(rollback) error = %v, want business rule", err)
	}
	if got := countSettings(t, store); got != 1 {
		t.Fatalf("expected only the committed row, got %d", got)
	}

	stats := mgr.Stats()
	if stats.Started != 2 || stats.Committed != 1 || stats.RolledBack != 1 || stats.SuccessRate() != 0.5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.MeanDuration() <= 0 {
		t.Fatalf("expected positive mean duration, got %v", stats.MeanDuration())
	}
	mgr.Reset()
	if stats := mgr.Stats(); stats.Started != 0 || stats.Committed != 0 || stats.SuccessRate() != 1 {
		t.Fatalf("unexpected stats after reset %+v", stats)
	}
}

func TestTxManagerPanicRollsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	mgr, _ := newTestTxManager(t, store)

	err := mgr.Execute(ctx, func(tx *sql.Tx) error {
		if err := insertSetting(ctx, tx, "half", `1`); err != nil {
			return err
		}
		panic("boom")
	})
	var coreErr *app.Error
	if !errors.As(err, &coreErr) || coreErr.Category != app.CategoryInternal {
		t.Fatalf("Execute(panic) error = %v, want internal", err)
	}
	if got := countSettings(t, store); got != 0 {
		t.Fatalf("expected panic to roll back, found %d rows", got)
	}
	if mgr.Stats().RolledBack != 1 {
		t.Fatalf("expected one rollback, got %+v", mgr.Stats())
	}
	if err := mgr.Execute(ctx, func(tx *sql.Tx) error {
		return insertSetting(ctx, tx, "after", `1`)
	}); err != nil {
		t.Fatalf("Execute(after panic) error = %v", err)
	}
}

func TestTxManagerRetryBackoff(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	mgr, rec := newTestTxManager(t, store)

	calls := 0
	err := mgr.ExecuteWithRetry(ctx, 3, func(*sql.Tx) error {
		calls++
		if calls < 3 {
			return app.Transient(app.CategoryTransaction, "database is busy", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if calls != 3 || !slices.Equal(rec.delays, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}) {
		t.Fatalf("calls=%d delays=%v", calls, rec.delays)
	}
	if stats := mgr.Stats(); stats.Retries != 2 || stats.Committed != 1 || stats.RolledBack != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	rec.delays = nil
	calls = 0
	err = mgr.ExecuteWithRetry(ctx, 2, func(*sql.Tx) error {
		calls++
		return app.Transient(app.CategoryConnection, "disk i/o error", nil)
	})
	if !errors.Is(err, app.ErrConnection) || calls != 2 || len(rec.delays) != 1 {
		t.Fatalf("exhausted retry: err=%v calls=%d delays=%v", err, calls, rec.delays)
	}
}

func TestTxManagerDoesNotRetryPermanentFailures(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	mgr, rec := newTestTxManager(t, store)

	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "concurrency", err: app.ConcurrencyConflict(1, 2), want: app.ErrConcurrency},
		{name: "validation", err: app.ValidationFailed("incident_name", "too short"), want: app.ErrValidation},
		{name: "not found", err: app.NotFound("form", 9), want: app.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := mgr.ExecuteWithRetry(ctx, 3, func(*sql.Tx) error {
				calls++
				return tc.err
			})
			if !errors.Is(err, tc.want) || calls != 1 {
				t.Fatalf("err=%v calls=%d; want %v after one call", err, calls, tc.want)
			}
		})
	}
	if len(rec.delays) != 0 {
		t.Fatalf("expected no backoff, got %v", rec.delays)
	}
}

func TestTxManagerCountsTimeouts(t *testing.T) {
	store := openTestStore(t)
	mgr, _ := newTestTxManager(t, store)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err := mgr.Execute(ctx, func(*sql.Tx) error { return nil })
	if !errors.Is(err, app.ErrPerformance) || !app.IsRetryable(err) {
		t.Fatalf("Execute(expired) error = %v, want retryable performance", err)
	}
	if mgr.Stats().Timeouts != 1 {
		t.Fatalf("expected one timeout, got %+v", mgr.Stats())
	}
}

func TestTranslateConstraintAndDriverErrors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	mgr, _ := newTestTxManager(t, store)

	err := mgr.Execute(ctx, func(tx *sql.Tx) error {
		if err := insertSetting(ctx, tx, "dup", `1`); err != nil {
			return err
		}
		return insertSetting(ctx, tx, "dup", `2`)
	})
	var coreErr *app.Error
	if !errors.As(err, &coreErr) || coreErr.Category != app.CategoryIntegrity || coreErr.Message != "unique constraint violated" {
		t.Fatalf("duplicate key error = %v, want unique integrity error", err)
	}
	if coreErr.Details != "settings.key" {
		t.Fatalf("constraint detail = %q, want settings.key", coreErr.Details)
	}

	err = mgr.Execute(ctx, func(tx *sql.Tx) error {
		return insertSetting(ctx, tx, "bad", `{not json`)
	})
	if !errors.As(err, &coreErr) || coreErr.Category != app.CategoryIntegrity || coreErr.Message != "check constraint violated" {
		t.Fatalf("check violation error = %v, want check integrity error", err)
	}

	cases := []struct {
		name      string
		err       error
		category  app.Category
		retryable bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, category: app.CategoryPerformance, retryable: true},
		{name: "canceled", err: context.Canceled, category: app.CategoryTransaction},
		{name: "conn done", err: sql.ErrConnDone, category: app.CategoryConnection, retryable: true},
		{name: "tx done", err: sql.ErrTxDone, category: app.CategoryTransaction},
		{name: "plain", err: errors.New("odd"), category: app.CategoryInternal},
		{name: "categorized", err: app.BusinessRule("kept"), category: app.CategoryBusinessLogic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := translate(tc.err)
			if app.CategoryOf(got) != tc.category || app.IsRetryable(got) != tc.retryable {
				t.Fatalf("translate(%v) = %v (retryable %v)", tc.err, got, app.IsRetryable(got))
			}
			if !errors.Is(got, tc.err) && tc.name != "categorized" {
				t.Fatalf("translate(%v) lost the cause", tc.err)
			}
		})
	}
	if translate(nil) != nil {
		t.Fatal("translate(nil) should be nil")
	}
}

func TestConstraintDetail(t *testing.T) {
	cases := map[string]string{
		"constraint failed: UNIQUE constraint failed: settings.key (1555)":    "settings.key",
		"constraint failed: CHECK constraint failed: json_valid(value) (275)": "json_valid(value)",
		"NOT NULL constraint failed: forms.status":                            "forms.status",
		"something else":                                                      "",
	}
	for msg, want := range cases {
		if got := constraintDetail(msg); got != want {
			t.Fatalf("constraintDetail(%q) = %q, want %q", msg, got, want)
		}
	}
}
