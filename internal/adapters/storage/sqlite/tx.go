package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/icsforms/internal/app"
)

// Retry tuning for ExecuteWithRetry.
const (
	DefaultRetryAttempts = 3
	retryBaseDelay       = 100 * time.Millisecond
)

// TxOptions configures a TxManager.
type TxOptions struct {
	Timeout  time.Duration
	SlowWarn time.Duration
	Logger   *log.Logger
	// Sleep waits between retries; tests replace it.
	Sleep func(context.Context, time.Duration) error
}

// TxManager runs units of work in a single transaction and keeps counters.
type TxManager struct {
	db       *sql.DB
	timeout  time.Duration
	slowWarn time.Duration
	logger   *log.Logger
	sleep    func(context.Context, time.Duration) error

	started    atomic.Int64
	committed  atomic.Int64
	rolledBack atomic.Int64
	timeouts   atomic.Int64
	deadlocks  atomic.Int64
	retries    atomic.Int64
	totalNanos atomic.Int64
}

// NewTxManager constructs a transaction manager over db.
func NewTxManager(db *sql.DB, opts TxOptions) *TxManager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &TxManager{
		db:       db,
		timeout:  opts.Timeout,
		slowWarn: opts.SlowWarn,
		logger:   logger,
		sleep:    sleep,
	}
}

// Execute runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including when fn panics.
func (m *TxManager) Execute(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	if _, ok := ctx.Deadline(); !ok && m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	m.started.Add(1)
	defer func() {
		elapsed := time.Since(start)
		m.totalNanos.Add(int64(elapsed))
		if m.slowWarn > 0 && elapsed > m.slowWarn {
			m.logger.Warn("slow transaction", "elapsed", elapsed, "err", err)
		}
	}()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.rolledBack.Add(1)
		return m.classify(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		rbErr := tx.Rollback()
		m.rolledBack.Add(1)
		if p := recover(); p != nil {
			err = app.NewError(app.CategoryInternal, "transaction aborted by panic", fmt.Errorf("%v", p))
		}
		if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			var ce *app.Error
			if errors.As(err, &ce) {
				ce.WithWarning("rollback failed: " + rbErr.Error())
			}
		}
	}()

	if err = fn(tx); err != nil {
		err = m.classify(err)
		return err
	}
	if err = tx.Commit(); err != nil {
		err = m.classify(err)
		return err
	}
	committed = true
	m.committed.Add(1)
	return nil
}

// ExecuteWithRetry runs Execute up to attempts times, backing off 100ms, 200ms,
// 400ms and so on between retryable failures. Concurrency conflicts are never retried.
func (m *TxManager) ExecuteWithRetry(ctx context.Context, attempts int, fn func(*sql.Tx) error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = m.Execute(ctx, fn)
		if err == nil {
			return nil
		}
		if !app.IsRetryable(err) || app.CategoryOf(err) == app.CategoryConcurrency || attempt == attempts {
			return err
		}
		delay := retryBaseDelay << (attempt - 1)
		m.retries.Add(1)
		m.logger.Debug("retrying transaction", "attempt", attempt, "delay", delay, "err", err)
		if serr := m.sleep(ctx, delay); serr != nil {
			return translate(serr)
		}
	}
	return err
}

// classify translates err and bumps the timeout and lock counters.
func (m *TxManager) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		m.timeouts.Add(1)
	}
	if isBusy(err) {
		m.deadlocks.Add(1)
	}
	return translate(err)
}

// Stats returns a snapshot of the counters.
func (m *TxManager) Stats() app.TransactionStats {
	return app.TransactionStats{
		Started:       m.started.Load(),
		Committed:     m.committed.Load(),
		RolledBack:    m.rolledBack.Load(),
		Timeouts:      m.timeouts.Load(),
		Deadlocks:     m.deadlocks.Load(),
		Retries:       m.retries.Load(),
		TotalDuration: time.Duration(m.totalNanos.Load()),
	}
}

// Reset zeroes the counters.
func (m *TxManager) Reset() {
	m.started.Store(0)
	m.committed.Store(0)
	m.rolledBack.Store(0)
	m.timeouts.Store(0)
	m.deadlocks.Store(0)
	m.retries.Store(0)
	m.totalNanos.Store(0)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
