package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/werr"
)

func init() {
	log.InitWriter(os.Stderr)
	log.SetEnabled(false)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	layout := NewLayout(t.TempDir(), "_AiDevLog")
	s, err := Open(layout, nil, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_AcquiresLock(t *testing.T) {
	layout := NewLayout(t.TempDir(), "_AiDevLog")

	s, err := Open(layout, nil, Options{})
	require.NoError(t, err)
	defer s.Close()

	// Second daemon on the same workspace must be refused.
	_, err = Open(layout, nil, Options{})
	require.Error(t, err)
	require.Equal(t, werr.CodeLockHeld, werr.CodeOf(err))
}

func TestOpen_BreaksStaleLock(t *testing.T) {
	layout := NewLayout(t.TempDir(), "_AiDevLog")
	require.NoError(t, layout.EnsureDirs())

	// A lock held by a dead process is stale regardless of age.
	rec := lockRecord{PID: 999999, AcquiredAt: time.Now()}
	data, _ := json.Marshal(rec)
	require.NoError(t, os.WriteFile(layout.LockFile(), data, 0644))

	s, err := Open(layout, nil, Options{})
	require.NoError(t, err, "stale lock should be broken")
	defer s.Close()
}

func TestSaveSession_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	sess := &Session{
		ID:          "sess-1",
		Requirement: "add combo system",
		Status:      StatusPlanning,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.SaveSession(sess))

	got, err := s.GetSession("sess-1")
	require.NoError(t, err)
	require.Equal(t, "add combo system", got.Requirement)
	require.Equal(t, StatusPlanning, got.Status)
	require.False(t, got.UpdatedAt.IsZero())

	// The file on disk agrees with the index.
	var onDisk Session
	require.NoError(t, readJSON(s.Layout().SessionFile("sess-1"), &onDisk))
	require.Equal(t, got.Requirement, onDisk.Requirement)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession("missing")
	require.Error(t, err)
	require.Equal(t, werr.CodeSessionNotFound, werr.CodeOf(err))
}

func TestReloadFromFiles_AgreesWithDisk(t *testing.T) {
	layout := NewLayout(t.TempDir(), "_AiDevLog")
	s, err := Open(layout, nil, Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveSession(&Session{ID: "a", Status: StatusReviewing, CreatedAt: time.Now()}))

	// Simulate an external writer adding a session directory.
	extDir := layout.SessionDir("b")
	require.NoError(t, os.MkdirAll(extDir, 0750))
	ext := Session{ID: "b", Status: StatusCompleted, CreatedAt: time.Now()}
	data, _ := json.Marshal(ext)
	require.NoError(t, os.WriteFile(filepath.Join(extDir, "session.json"), data, 0644))

	require.NoError(t, s.ReloadFromFiles())

	_, err = s.GetSession("a")
	require.NoError(t, err)
	_, err = s.GetSession("b")
	require.NoError(t, err)
}

func TestGetCompletedSessions_Limit(t *testing.T) {
	s := newTestStore(t)

	base := time.Now()
	for i, id := range []string{"one", "two", "three"} {
		require.NoError(t, s.SaveSession(&Session{
			ID:        id,
			Status:    StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.SaveSession(&Session{ID: "live", Status: StatusExecuting, CreatedAt: base}))

	got, err := s.GetCompletedSessions(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, sess := range got {
		require.Equal(t, StatusCompleted, sess.Status)
	}
	// Newest first.
	require.Equal(t, "three", got[0].ID)
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(&Session{ID: "sess-1", Status: StatusExecuting, CreatedAt: time.Now()}))

	ckpt := &Checkpoint{
		WorkflowID: "wf-1",
		Graph:      "execute",
		Completed:  []string{"start", "a", "b"},
		Variables:  map[string]any{"count": float64(3)},
		Results: map[string]map[string]any{
			"b": {"out": "done"},
		},
	}
	require.NoError(t, s.SaveCheckpoint("sess-1", ckpt))

	got, err := s.LoadCheckpoint("sess-1", "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, []string{"start", "a", "b"}, got.Completed)
	require.Equal(t, float64(3), got.Variables["count"])
	require.Equal(t, "done", got.Results["b"]["out"])

	ids, err := s.ListCheckpoints("sess-1")
	require.NoError(t, err)
	require.Equal(t, []string{"wf-1"}, ids)

	require.NoError(t, s.RemoveCheckpoint("sess-1", "wf-1"))
	got, err = s.LoadCheckpoint("sess-1", "wf-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPoolSnapshot_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	snap := &PoolSnapshot{
		Slots: []Slot{
			{Name: "agent-1", State: SlotAvailable},
			{Name: "agent-2", State: SlotBusy, WorkflowID: "wf-1", RoleID: "engineer"},
		},
	}
	require.NoError(t, s.SavePool(snap))

	got := s.LoadPool()
	require.NotNil(t, got)
	require.Len(t, got.Slots, 2)
	require.Equal(t, SlotBusy, got.Slots[1].State)
}

func TestPortFile_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WritePortFile(43123))
	port, err := ReadPortFile(s.Layout())
	require.NoError(t, err)
	require.Equal(t, 43123, port)

	s.RemovePortFile()
	_, err = ReadPortFile(s.Layout())
	require.Error(t, err)
}

func TestPlanAndTasks(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(&Session{ID: "sess-1", Status: StatusPlanning, CreatedAt: time.Now()}))

	path, err := s.WritePlan("sess-1", 1, []byte("# Plan v1\n"))
	require.NoError(t, err)
	require.FileExists(t, path)

	content, err := s.ReadPlan("sess-1", 1)
	require.NoError(t, err)
	require.Equal(t, "# Plan v1\n", string(content))

	// tasks.json is opaque JSON.
	require.NoError(t, s.WriteTasks("sess-1", []byte(`{"tasks":[]}`)))
	raw, err := s.ReadTasks("sess-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"tasks":[]}`, string(raw))

	// Absent tasks.json yields nil, not an error.
	raw, err = s.ReadTasks("sess-1")
	require.NoError(t, err)
	require.NotNil(t, raw)
}

func TestNotify_Debounced(t *testing.T) {
	b := bus.New()
	defer b.Close()

	layout := NewLayout(t.TempDir(), "_AiDevLog")
	s, err := Open(layout, b, Options{})
	require.NoError(t, err)
	defer s.Close()

	events := make(chan bus.Event, 16)
	b.Subscribe("test", bus.TopicStoreChanged, func(e bus.Event) {
		events <- e
	})

	// A burst of writes inside the debounce window coalesces.
	for i := range 5 {
		require.NoError(t, s.SaveSession(&Session{
			ID:        "burst",
			Status:    StatusPlanning,
			CreatedAt: time.Now().Add(time.Duration(i)),
		}))
	}

	count := 0
	deadline := time.After(NotifyDebounce * 4)
loop:
	for {
		select {
		case <-events:
			count++
		case <-deadline:
			break loop
		}
	}
	require.GreaterOrEqual(t, count, 1)
	require.LessOrEqual(t, count, 2, "burst of 5 writes must coalesce")
}

func TestHistory_ArchiveAndQuery(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHistory(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer h.Close()

	now := time.Now()
	sess := &Session{
		ID:          "done-1",
		Requirement: "ship it",
		Status:      StatusCompleted,
		Plans:       []PlanVersion{{Version: 1, Path: "plan-v1.md", CreatedAt: now}},
		Workflows: []WorkflowRef{
			{ID: "wf-1", Graph: "planning", Success: true, StartedAt: now, EndedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.Archive(sess))
	// Idempotent upsert.
	require.NoError(t, h.Archive(sess))

	got, err := h.CompletedSessions(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ship it", got[0].Requirement)

	runs, err := h.WorkflowRuns("done-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, runs[0].Success)
}

func TestHistory_ReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	h, err := OpenHistory(path)
	require.NoError(t, err)

	now := time.Now()
	sess := &Session{
		ID:          "done-2",
		Requirement: "keep it",
		Status:      StatusCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, h.Archive(sess))
	require.NoError(t, h.Close())

	// Reopening runs migrations against an already-migrated database and
	// must not fail or lose archived rows.
	h2, err := OpenHistory(path)
	require.NoError(t, err)
	defer h2.Close()

	got, err := h2.CompletedSessions(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "done-2", got[0].ID)
}

func TestSweep_PicksUpExternalEdits(t *testing.T) {
	layout := NewLayout(t.TempDir(), "_AiDevLog")
	b := bus.New()
	defer b.Close()

	notified := make(chan struct{}, 4)
	b.Subscribe("test", bus.TopicStoreChanged, func(bus.Event) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	s, err := Open(layout, b, Options{FlushInterval: 25 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	// An external writer adds a session directory. No file watcher runs in
	// this test, so only the periodic sweep can surface it.
	extDir := layout.SessionDir("ext")
	require.NoError(t, os.MkdirAll(extDir, 0750))
	ext := Session{ID: "ext", Status: StatusCompleted, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	data, err := json.Marshal(ext)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(extDir, "session.json"), data, 0644))

	require.Eventually(t, func() bool {
		_, err := s.GetSession("ext")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never published store.changed")
	}
}
