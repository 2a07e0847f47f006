// Package autosave tracks in-memory form edits, flushes them to the store on a
// timer, and journals unsaved edits so they survive an unclean shutdown.
package autosave

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/icsforms/internal/app"
	"github.com/hylla/icsforms/internal/domain"
	"github.com/hylla/icsforms/internal/fingerprint"
)

// ActorName is recorded as changed_by for auto-saved updates.
const ActorName = "auto-save"

const statusBuffer = 64

// Saver persists a data-only patch under optimistic locking.
type Saver interface {
	SaveFormData(ctx context.Context, id int64, data map[string]any, expectedVersion int64) (domain.Form, error)
}

// Config holds construction options.
type Config struct {
	Settings app.AutoSaveSettings
	Logger   *log.Logger
	Clock    func() time.Time
}

// Service is the auto-save engine. Track may be called from any goroutine.
type Service struct {
	saver  Saver
	logger *log.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	pending  map[int64]*PendingChange
	settings app.AutoSaveSettings
	status   Status

	// journalMu orders journal writes against removals after a save.
	journalMu sync.Mutex
	// flushMu keeps the loop and SaveAllPending from flushing the same change twice.
	flushMu sync.Mutex

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	statuses chan Status
	reset    chan time.Duration
	// tickEvery overrides the settings interval when positive.
	tickEvery time.Duration
}

var _ app.AutoSaveController = (*Service)(nil)

// New validates settings and returns a stopped service.
func New(saver Saver, cfg Config) (*Service, error) {
	if saver == nil {
		return nil, app.NewError(app.CategoryConfiguration, "auto-save needs a saver", nil)
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		saver:    saver,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		pending:  map[int64]*PendingChange{},
		settings: cfg.Settings,
		status:   Status{State: StateIdle},
		statuses: make(chan Status, statusBuffer),
		reset:    make(chan time.Duration, 1),
	}, nil
}

// Settings returns the active settings.
func (s *Service) Settings() app.AutoSaveSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// ApplySettings swaps settings live; a changed interval takes effect on the next tick.
func (s *Service) ApplySettings(settings app.AutoSaveSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	changed := settings.Interval() != s.settings.Interval()
	s.settings = settings
	s.mu.Unlock()
	if changed && s.tickEvery <= 0 {
		select {
		case <-s.reset:
		default:
		}
		select {
		case s.reset <- settings.Interval():
		default:
		}
	}
	s.logger.Info("auto-save settings applied", "enabled", settings.Enabled, "interval", settings.Interval(), "recovery", settings.RecoveryEnabled)
	return nil
}

// Status returns the latest status.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Statuses streams status transitions. Slow readers miss transitions rather
// than block saving.
func (s *Service) Statuses() <-chan Status {
	return s.statuses
}

func (s *Service) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	select {
	case s.statuses <- st:
	default:
	}
}

// Pending returns a snapshot of tracked changes ordered by form id.
func (s *Service) Pending() []PendingChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingChange, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b PendingChange) int {
		return cmp.Compare(a.FormID, b.FormID)
	})
	return out
}

// Track records the latest in-memory data for a form. It reports false when
// the data hashes the same as the tracked change.
func (s *Service) Track(formID int64, data map[string]any, version int64) (bool, error) {
	if formID <= 0 {
		return false, app.ValidationFailed("form_id", "form id must be positive")
	}
	if data == nil {
		return false, app.ValidationFailed("data", "form data is required")
	}
	hash, payload, err := snapshotData(data)
	if err != nil {
		return false, app.NewError(app.CategorySerialization, "serialize form data", err)
	}

	now := s.clock()
	s.mu.Lock()
	if cur, ok := s.pending[formID]; ok && cur.Hash == hash {
		s.mu.Unlock()
		return false, nil
	}
	s.pending[formID] = &PendingChange{
		FormID:    formID,
		Hash:      hash,
		Payload:   payload,
		Version:   version,
		ChangedAt: now,
	}
	settings := s.settings
	s.mu.Unlock()
	s.logger.Debug("change tracked", "form_id", formID, "version", version)

	if !settings.RecoveryEnabled {
		return true, nil
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	s.mu.RLock()
	cur := s.pending[formID]
	current := cur != nil && cur.Hash == hash && !cur.Saved
	s.mu.RUnlock()
	if !current {
		return true, nil
	}
	entry := journalEntry{FormID: formID, FormData: string(payload), Version: version, Timestamp: now}
	if err := writeJournal(settings.RecoveryDir, entry); err != nil {
		s.logger.Warn("recovery journal write failed", "form_id", formID, "err", err)
		return true, app.Transient(app.CategoryBackup, "write recovery journal", err)
	}
	return true, nil
}

// snapshotData returns the change-detection hash of data and the payload to
// persist. The hash covers the canonical form; the payload keeps data as given.
func snapshotData(data map[string]any) (string, []byte, error) {
	hash, _, err := fingerprint.Of(fingerprint.DomainFormData, data)
	if err != nil {
		return "", nil, err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", nil, err
	}
	return hash, payload, nil
}

// Discard drops a tracked change and its journal entry, typically after the
// caller resolved a conflict.
func (s *Service) Discard(formID int64) error {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	s.mu.Lock()
	delete(s.pending, formID)
	dir := s.settings.RecoveryDir
	s.mu.Unlock()
	if dir == "" {
		return nil
	}
	return removeJournal(dir, formID)
}

// SaveAllPending flushes every due change and returns the ids persisted.
// Failures stay pending; their errors are joined in the result.
func (s *Service) SaveAllPending(ctx context.Context) ([]int64, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	due := make([]PendingChange, 0, len(s.pending))
	for _, p := range s.pending {
		if p.due() {
			due = append(due, *p)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(due, func(a, b PendingChange) int {
		return cmp.Compare(a.FormID, b.FormID)
	})

	var (
		saved []int64
		errs  []error
	)
	for _, change := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.flushOne(ctx, change); err != nil {
			errs = append(errs, err)
			continue
		}
		saved = append(saved, change.FormID)
	}
	return saved, errors.Join(errs...)
}

// flushOne saves one snapshot; the map is never locked across the store call.
func (s *Service) flushOne(ctx context.Context, change PendingChange) error {
	s.setStatus(Status{State: StateSaving, FormID: change.FormID, At: s.clock()})
	var data map[string]any
	if err := json.Unmarshal(change.Payload, &data); err != nil {
		return s.recordFailure(change, app.NewError(app.CategorySerialization, "decode tracked data", err))
	}

	ctx = app.WithChangeActor(ctx, app.ChangeActor{Name: ActorName, Type: domain.ActorTypeAutoSave})
	form, err := s.saver.SaveFormData(ctx, change.FormID, data, change.Version)
	if err != nil {
		if errors.Is(err, app.ErrConcurrency) {
			return s.recordConflict(change, err)
		}
		return s.recordFailure(change, err)
	}

	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	s.mu.Lock()
	cur, ok := s.pending[change.FormID]
	settled := ok && cur.Hash == change.Hash
	var newer *journalEntry
	if ok {
		// A newer edit tracked mid-flush keeps its data but must target the new version.
		cur.Version = form.Version
		cur.Attempts = 0
		cur.Saved = settled
		if !settled {
			newer = &journalEntry{FormID: cur.FormID, FormData: string(cur.Payload), Version: cur.Version, Timestamp: cur.ChangedAt}
		}
	}
	dir := s.settings.RecoveryDir
	recovery := s.settings.RecoveryEnabled
	s.mu.Unlock()

	switch {
	case settled && recovery:
		if err := removeJournal(dir, change.FormID); err != nil {
			s.logger.Warn("recovery journal cleanup failed", "form_id", change.FormID, "err", err)
		}
	case newer != nil && recovery:
		if err := writeJournal(dir, *newer); err != nil {
			s.logger.Warn("recovery journal rewrite failed", "form_id", change.FormID, "err", err)
		}
	}
	s.setStatus(Status{State: StateSaved, FormID: change.FormID, At: s.clock()})
	s.logger.Debug("auto-saved form", "form_id", change.FormID, "version", form.Version)
	return nil
}

func (s *Service) recordFailure(change PendingChange, err error) error {
	attempts := 0
	s.mu.Lock()
	if cur, ok := s.pending[change.FormID]; ok && cur.Hash == change.Hash {
		cur.Attempts++
		attempts = cur.Attempts
	}
	s.mu.Unlock()
	s.setStatus(Status{State: StateFailed, FormID: change.FormID, At: s.clock(), Error: err.Error(), Attempts: attempts})
	s.logger.Warn("auto-save failed", "form_id", change.FormID, "attempts", attempts, "err", err)
	return err
}

func (s *Service) recordConflict(change PendingChange, err error) error {
	remote := int64(0)
	var coreErr *app.Error
	if errors.As(err, &coreErr) {
		remote = coreErr.Actual
	}
	s.mu.Lock()
	if cur, ok := s.pending[change.FormID]; ok && cur.Hash == change.Hash {
		cur.Conflict = true
	}
	s.mu.Unlock()
	s.setStatus(Status{
		State:         StateConflict,
		FormID:        change.FormID,
		At:            s.clock(),
		Error:         err.Error(),
		LocalVersion:  change.Version,
		RemoteVersion: remote,
	})
	s.logger.Warn("auto-save conflict", "form_id", change.FormID, "local", change.Version, "remote", remote)
	return err
}

// Start recovers journaled changes and launches the flush loop. It returns
// the number of recovered changes; starting a running service is a no-op.
func (s *Service) Start(ctx context.Context) (int, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return 0, nil
	}
	recovered, err := s.recover()
	if err != nil {
		return 0, err
	}

	interval := s.tickEvery
	if interval <= 0 {
		interval = s.Settings().Interval()
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.run(context.WithoutCancel(ctx), ctx.Done(), interval)
	s.logger.Info("auto-save started", "interval", interval, "recovered", recovered)
	return recovered, nil
}

// run flushes on every tick until stopped. An in-flight flush completes
// before the loop exits.
func (s *Service) run(ctx context.Context, parentDone <-chan struct{}, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-parentDone:
			return
		case d := <-s.reset:
			ticker.Reset(d)
		case <-ticker.C:
			if !s.Settings().Enabled {
				continue
			}
			if _, err := s.SaveAllPending(ctx); err != nil {
				s.logger.Debug("auto-save tick left changes pending", "err", err)
			}
		}
	}
}

// Stop ends the loop and performs one final flush.
func (s *Service) Stop(ctx context.Context) ([]int64, error) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil, nil
	}
	close(s.stop)
	<-s.done
	s.running = false
	s.runMu.Unlock()

	saved, err := s.SaveAllPending(ctx)
	s.logger.Info("auto-save stopped", "flushed", len(saved))
	return saved, err
}

// Running reports whether the flush loop is active.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// recover promotes fresh journal entries to pending changes.
func (s *Service) recover() (int, error) {
	settings := s.Settings()
	if !settings.RecoveryEnabled {
		return 0, nil
	}
	scan, err := scanJournal(settings.RecoveryDir, s.clock(), settings.MaxAge())
	if err != nil {
		return 0, app.NewError(app.CategoryBackup, "scan recovery journal", err)
	}
	for _, path := range scan.Corrupt {
		s.logger.Warn("skipping unreadable recovery entry", "path", path)
	}
	if len(scan.Expired) > 0 {
		s.logger.Info("expired recovery entries removed", "count", len(scan.Expired))
	}

	count := 0
	s.mu.Lock()
	for _, entry := range scan.Entries {
		if cur, ok := s.pending[entry.FormID]; ok && !cur.Saved {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(entry.FormData), &data); err != nil || data == nil {
			s.logger.Warn("skipping unreadable recovery entry", "form_id", entry.FormID, "err", err)
			continue
		}
		hash, payload, err := snapshotData(data)
		if err != nil {
			s.logger.Warn("skipping unreadable recovery entry", "form_id", entry.FormID, "err", err)
			continue
		}
		s.pending[entry.FormID] = &PendingChange{
			FormID:    entry.FormID,
			Hash:      hash,
			Payload:   payload,
			Version:   entry.Version,
			ChangedAt: entry.Timestamp,
		}
		count++
	}
	s.mu.Unlock()

	if count > 0 {
		s.setStatus(Status{State: StateRecovered, At: s.clock(), Count: count})
		s.logger.Info("recovered unsaved changes", "count", count)
	}
	return count, nil
}
