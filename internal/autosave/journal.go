package autosave

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const journalSuffix = ".recovery"

// journalEntry is the on-disk recovery record for one dirty form.
type journalEntry struct {
	FormID    int64     `json:"form_id"`
	FormData  string    `json:"form_data"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// journalPath returns <dir>/form_<id>.recovery.
func journalPath(dir string, formID int64) string {
	return filepath.Join(dir, "form_"+strconv.FormatInt(formID, 10)+journalSuffix)
}

// writeJournal replaces the entry for one form atomically.
func writeJournal(dir string, entry journalEntry) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create recovery dir: %w", err)
	}
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Second)
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode recovery entry: %w", err)
	}
	tmp := filepath.Join(dir, ".form_"+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write recovery entry: %w", err)
	}
	if err := os.Rename(tmp, journalPath(dir, entry.FormID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit recovery entry: %w", err)
	}
	return nil
}

// removeJournal deletes the entry for one form; a missing file is not an error.
func removeJournal(dir string, formID int64) error {
	err := os.Remove(journalPath(dir, formID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove recovery entry: %w", err)
	}
	return nil
}

// scanResult splits journal files found on startup.
type scanResult struct {
	Entries []journalEntry
	Expired []string
	Corrupt []string
}

// scanJournal reads every *.recovery file in dir. Entries older than maxAge
// are removed; unreadable ones are reported and left in place.
func scanJournal(dir string, now time.Time, maxAge time.Duration) (scanResult, error) {
	var res scanResult
	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read recovery dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), journalSuffix) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			res.Corrupt = append(res.Corrupt, path)
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.FormID <= 0 || !json.Valid([]byte(entry.FormData)) {
			res.Corrupt = append(res.Corrupt, path)
			continue
		}
		if now.Sub(entry.Timestamp) > maxAge {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return res, fmt.Errorf("remove expired recovery entry: %w", err)
			}
			res.Expired = append(res.Expired, path)
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	return res, nil
}
