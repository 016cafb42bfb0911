package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/werr"
)

// NotifyDebounce is the minimum interval between store.changed
// notifications, so external watchers don't see refresh storms.
const NotifyDebounce = 250 * time.Millisecond

// ErrSessionNotFound is returned when a session id is not in the index.
var ErrSessionNotFound = errors.New("session not found")

// Options configures a Store.
type Options struct {
	// StaleLockTTL bounds how long an abandoned lock survives.
	StaleLockTTL time.Duration
	// History is the optional completed-session archive. May be nil.
	History *History
	// FlushInterval enables the periodic reconcile sweep: the on-disk state
	// is re-read on this cadence, catching edits the file watcher missed.
	// Zero disables the sweep.
	FlushInterval time.Duration
}

// Store owns the in-memory state tree and its on-disk mirror. It is the
// single writer for the workspace; every mutation is serialized through
// its mutex, and every file lands via atomic rename.
type Store struct {
	layout  Layout
	lock    *Lock
	bus     *bus.Bus
	history *History

	mu       sync.RWMutex
	sessions map[string]*Session
	pool     *PoolSnapshot

	notifyMu   sync.Mutex
	notifyTime time.Time
	notifyWait *time.Timer
	closed     bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Open acquires the workspace lock, builds the directory tree, and loads
// the persisted state into memory.
func Open(layout Layout, b *bus.Bus, opts Options) (*Store, error) {
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	ttl := opts.StaleLockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	lock, err := AcquireLock(layout.LockFile(), ttl)
	if err != nil {
		return nil, err
	}

	s := &Store{
		layout:   layout,
		lock:     lock,
		bus:      b,
		history:  opts.History,
		sessions: make(map[string]*Session),
	}
	if err := s.ReloadFromFiles(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	if opts.FlushInterval > 0 {
		s.sweepStop = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweep(opts.FlushInterval)
	}
	return s, nil
}

// Layout exposes the workspace layout for components that write their own
// streams (agent logs, progress log).
func (s *Store) Layout() Layout { return s.layout }

// Close stops the reconcile sweep and releases the workspace lock.
func (s *Store) Close() error {
	s.notifyMu.Lock()
	if s.closed {
		s.notifyMu.Unlock()
		return nil
	}
	s.closed = true
	if s.notifyWait != nil {
		s.notifyWait.Stop()
	}
	s.notifyMu.Unlock()

	if s.sweepStop != nil {
		close(s.sweepStop)
		<-s.sweepDone
	}
	return s.lock.Release()
}

// sweep periodically reconciles the index against the files, notifying
// watchers when an external edit changed something.
func (s *Store) sweep(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			changed, err := s.reconcile()
			if err != nil {
				log.Warn(log.CatStore, "State reconcile sweep failed", "error", err)
				continue
			}
			if changed {
				s.notify()
			}
		case <-s.sweepStop:
			return
		}
	}
}

// ReloadFromFiles rebuilds the in-memory indices from the on-disk files.
// After it returns, the index and the files agree.
func (s *Store) ReloadFromFiles() error {
	_, err := s.reconcile()
	return err
}

// reconcile swaps in a fresh read of the files and reports whether it
// differed from the index.
func (s *Store) reconcile() (bool, error) {
	sessions := make(map[string]*Session)

	entries, err := os.ReadDir(s.layout.PlansDir())
	if err != nil {
		return false, werr.Wrap(werr.CodeIOError, err, "reading plans directory")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var sess Session
		if err := readJSON(s.layout.SessionFile(entry.Name()), &sess); err != nil {
			log.Warn(log.CatStore, "Skipping unreadable session", "id", entry.Name(), "error", err)
			continue
		}
		sessions[sess.ID] = &sess
	}

	var pool *PoolSnapshot
	if _, err := os.Stat(s.layout.PoolFile()); err == nil {
		var snap PoolSnapshot
		if err := readJSON(s.layout.PoolFile(), &snap); err == nil {
			pool = &snap
		}
	}

	s.mu.Lock()
	changed := len(sessions) != len(s.sessions)
	if !changed {
		for id, sess := range sessions {
			prev, ok := s.sessions[id]
			if !ok || prev.Status != sess.Status || !prev.UpdatedAt.Equal(sess.UpdatedAt) {
				changed = true
				break
			}
		}
	}
	s.sessions = sessions
	s.pool = pool
	s.mu.Unlock()

	log.Debug(log.CatStore, "Reloaded state from files", "sessions", len(sessions), "changed", changed)
	return changed, nil
}

// SaveSession persists a session record and updates the index.
func (s *Store) SaveSession(sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.UpdatedAt = time.Now()
	if err := writeJSONAtomic(s.layout.SessionFile(sess.ID), sess); err != nil {
		return err
	}
	s.sessions[sess.ID] = sess.Clone()
	s.notify()
	return nil
}

// GetSession returns a snapshot of a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, werr.Wrap(werr.CodeSessionNotFound, ErrSessionNotFound, "session %s", id)
	}
	return sess.Clone(), nil
}

// Sessions returns snapshots of all sessions, newest first.
func (s *Store) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// DeleteSession removes a session directory and its index entry.
// The caller is responsible for checking that no live workflow references it.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return werr.Wrap(werr.CodeSessionNotFound, ErrSessionNotFound, "session %s", id)
	}
	if err := os.RemoveAll(s.layout.SessionDir(id)); err != nil {
		return werr.Wrap(werr.CodeIOError, err, "removing session directory")
	}
	delete(s.sessions, id)
	s.notify()
	return nil
}

// GetCompletedSessions returns up to limit completed sessions, newest
// first. Sessions evicted from the live index are served from the history
// archive when one is configured.
func (s *Store) GetCompletedSessions(limit int) ([]*Session, error) {
	var out []*Session
	for _, sess := range s.Sessions() {
		if sess.Status == StatusCompleted {
			out = append(out, sess)
		}
	}
	if s.history != nil && (limit <= 0 || len(out) < limit) {
		archived, err := s.history.CompletedSessions(limit - len(out))
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(out))
		for _, sess := range out {
			seen[sess.ID] = true
		}
		for _, sess := range archived {
			if !seen[sess.ID] {
				out = append(out, sess)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ArchiveSession records a terminal session in the history database.
// A no-op when no history archive is configured.
func (s *Store) ArchiveSession(sess *Session) error {
	if s.history == nil {
		return nil
	}
	return s.history.Archive(sess)
}

// SaveCheckpoint persists a workflow checkpoint blob.
func (s *Store) SaveCheckpoint(sessionID string, ckpt *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ckpt.Timestamp = time.Now()
	return writeJSONAtomic(s.layout.CheckpointFile(sessionID, ckpt.WorkflowID), ckpt)
}

// LoadCheckpoint reads back a workflow checkpoint, or nil when none exists.
func (s *Store) LoadCheckpoint(sessionID, workflowID string) (*Checkpoint, error) {
	path := s.layout.CheckpointFile(sessionID, workflowID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	var ckpt Checkpoint
	if err := readJSON(path, &ckpt); err != nil {
		return nil, err
	}
	return &ckpt, nil
}

// ListCheckpoints returns the workflow ids with checkpoints for a session.
func (s *Store) ListCheckpoints(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(s.layout.CheckpointDir(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, werr.Wrap(werr.CodeIOError, err, "reading checkpoint directory")
	}
	var ids []string
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), ".json"); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

// RemoveCheckpoint deletes a workflow's checkpoint blob.
func (s *Store) RemoveCheckpoint(sessionID, workflowID string) error {
	err := os.Remove(s.layout.CheckpointFile(sessionID, workflowID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return werr.Wrap(werr.CodeIOError, err, "removing checkpoint")
	}
	return nil
}

// SavePool persists the pool snapshot.
func (s *Store) SavePool(snap *PoolSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.UpdatedAt = time.Now()
	if err := writeJSONAtomic(s.layout.PoolFile(), snap); err != nil {
		return err
	}
	s.pool = snap
	s.notify()
	return nil
}

// LoadPool returns the last persisted pool snapshot, or nil.
func (s *Store) LoadPool() *PoolSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// WritePortFile publishes the chosen IPC port for discovery.
func (s *Store) WritePortFile(port int) error {
	return writeFileAtomic(s.layout.PortFile(), []byte(strconv.Itoa(port)+"\n"), 0644)
}

// ReadPortFile reads the published IPC port.
func ReadPortFile(layout Layout) (int, error) {
	data, err := os.ReadFile(layout.PortFile()) //nolint:gosec // G304: well-known path
	if err != nil {
		return 0, werr.Wrap(werr.CodeIOError, err, "reading port file")
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, werr.Wrap(werr.CodeIOError, err, "parsing port file")
	}
	return port, nil
}

// RemovePortFile removes the port file on shutdown.
func (s *Store) RemovePortFile() {
	_ = os.Remove(s.layout.PortFile())
}

// WritePlan writes a plan artifact for a session version and returns its path.
func (s *Store) WritePlan(sessionID string, version int, content []byte) (string, error) {
	path := s.layout.PlanFile(sessionID, version)
	if err := writeFileAtomic(path, content, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadPlan reads a plan artifact by version.
func (s *Store) ReadPlan(sessionID string, version int) ([]byte, error) {
	data, err := os.ReadFile(s.layout.PlanFile(sessionID, version)) //nolint:gosec // G304: workspace layout path
	if err != nil {
		return nil, werr.Wrap(werr.CodeIOError, err, "reading plan v%d", version)
	}
	return data, nil
}

// WriteTasks stores the expanded task list as opaque JSON.
func (s *Store) WriteTasks(sessionID string, raw []byte) error {
	return writeFileAtomic(s.layout.TasksFile(sessionID), raw, 0644)
}

// ReadTasks reads the expanded task list, or nil when absent.
func (s *Store) ReadTasks(sessionID string) ([]byte, error) {
	data, err := os.ReadFile(s.layout.TasksFile(sessionID)) //nolint:gosec // G304: workspace layout path
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, werr.Wrap(werr.CodeIOError, err, "reading tasks.json")
	}
	return data, nil
}

// AppendProgress appends one line to a session's progress log.
func (s *Store) AppendProgress(sessionID, line string) error {
	f, err := os.OpenFile(s.layout.ProgressLog(sessionID),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: workspace layout path
	if err != nil {
		return werr.Wrap(werr.CodeIOError, err, "opening progress log")
	}
	defer f.Close()

	stamp := time.Now().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "%s %s\n", stamp, line); err != nil {
		return werr.Wrap(werr.CodeIOError, err, "appending progress log")
	}
	return nil
}

// AgentLogWriter opens the append-only per-agent stream log for a session.
// The caller owns the returned file.
func (s *Store) AgentLogWriter(sessionID, agentName string) (*os.File, error) {
	f, err := os.OpenFile(s.layout.AgentLog(sessionID, agentName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: workspace layout path
	if err != nil {
		return nil, werr.Wrap(werr.CodeIOError, err, "opening agent log")
	}
	return f, nil
}

// notify publishes store.changed, coalescing bursts into at most one
// notification per NotifyDebounce window. It takes only notifyMu, so
// callers may hold s.mu or not.
func (s *Store) notify() {
	if s.bus == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.closed {
		return
	}

	since := time.Since(s.notifyTime)
	if since >= NotifyDebounce {
		s.notifyTime = time.Now()
		s.bus.Publish(bus.TopicStoreChanged, "store", nil)
		return
	}
	if s.notifyWait == nil {
		s.notifyWait = time.AfterFunc(NotifyDebounce-since, func() {
			s.notifyMu.Lock()
			s.notifyTime = time.Now()
			s.notifyWait = nil
			closed := s.closed
			s.notifyMu.Unlock()
			if !closed {
				s.bus.Publish(bus.TopicStoreChanged, "store", nil)
			}
		})
	}
}
