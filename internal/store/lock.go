package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/proc"
	"github.com/weftworks/weft/internal/werr"
)

// lockRecord is the content of the advisory lock file.
type lockRecord struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is an advisory per-workspace file lock. Only one daemon may hold it.
type Lock struct {
	path string
	held bool
}

// AcquireLock takes the workspace lock, breaking a stale one when its owner
// is dead or the record is older than staleTTL. Returns store.lock_held when
// another live daemon owns the workspace.
func AcquireLock(path string, staleTTL time.Duration) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			rec := lockRecord{PID: os.Getpid(), AcquiredAt: time.Now()}
			enc := json.NewEncoder(f)
			if encErr := enc.Encode(rec); encErr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, werr.Wrap(werr.CodeIOError, encErr, "writing lock file")
			}
			if err := f.Close(); err != nil {
				return nil, werr.Wrap(werr.CodeIOError, err, "closing lock file")
			}
			return &Lock{path: path, held: true}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, werr.Wrap(werr.CodeIOError, err, "creating lock file")
		}

		rec, readErr := readLockRecord(path)
		if readErr != nil {
			// Unreadable lock file counts as stale.
			log.Warn(log.CatStore, "Breaking unreadable lock file", "path", path)
			_ = os.Remove(path)
			continue
		}
		stale := !proc.Alive(rec.PID) || time.Since(rec.AcquiredAt) > staleTTL
		if !stale {
			return nil, werr.New(werr.CodeLockHeld,
				"workspace locked by pid %d since %s", rec.PID, rec.AcquiredAt.Format(time.RFC3339))
		}
		log.Warn(log.CatStore, "Breaking stale workspace lock",
			"path", path, "ownerPid", rec.PID, "age", time.Since(rec.AcquiredAt))
		_ = os.Remove(path)
	}
	return nil, werr.New(werr.CodeLockHeld, "could not acquire workspace lock at %s", path)
}

// Release removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

func readLockRecord(path string) (lockRecord, error) {
	var rec lockRecord
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is the workspace lock file
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	if rec.PID == 0 {
		return rec, fmt.Errorf("lock record missing pid")
	}
	return rec, nil
}
