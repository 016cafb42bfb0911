package coordinator

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

func init() {
	log.InitWriter(io.Discard)
	log.SetEnabled(false)
}

type call struct {
	op     string
	sessID string
	taskID string
}

type fakeDispatcher struct {
	mu       sync.Mutex
	statuses map[string]store.Status
	calls    []call
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{statuses: map[string]store.Status{}}
}

func (f *fakeDispatcher) set(id string, s store.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
}

func (f *fakeDispatcher) Get(id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[id]
	if !ok {
		return nil, werr.New(werr.CodeSessionNotFound, "session %s", id)
	}
	return &store.Session{ID: id, Status: s}, nil
}

func (f *fakeDispatcher) record(op, sessID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op, sessID, taskID})
	return nil
}

func (f *fakeDispatcher) Start(id string) error  { return f.record("start", id, "") }
func (f *fakeDispatcher) Resume(id string) error { return f.record("resume", id, "") }
func (f *fakeDispatcher) RetryTask(id, taskID string) error {
	return f.record("retry", id, taskID)
}

func (f *fakeDispatcher) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newCoordinator(t *testing.T, d Dispatcher, opts Options) (*Coordinator, *bus.Bus) {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = 20 * time.Millisecond
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = 10 * time.Millisecond
	}
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	c := New(d, b, opts)
	c.Run()
	t.Cleanup(c.Close)
	return c, b
}

func TestEnqueue_UserCommandDispatches(t *testing.T) {
	d := newFakeDispatcher()
	d.set("s1", store.StatusApproved)
	c, _ := newCoordinator(t, d, Options{})

	c.Enqueue(Command{SessionID: "s1", Action: ActionStart})

	require.Eventually(t, func() bool {
		return len(d.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, call{"start", "s1", ""}, d.snapshot()[0])
}

func TestDebounce_CoalescesBurst(t *testing.T) {
	d := newFakeDispatcher()
	d.set("s1", store.StatusPaused)
	c, _ := newCoordinator(t, d, Options{Debounce: 50 * time.Millisecond})

	// A burst of commands inside one window collapses to one dispatch.
	for i := 0; i < 5; i++ {
		c.Enqueue(Command{SessionID: "s1", Action: ActionResume})
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(d.snapshot()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Len(t, d.snapshot(), 1)
}

func TestPriority_UserCommandOutranksRetry(t *testing.T) {
	d := newFakeDispatcher()
	d.set("s1", store.StatusFailed)
	c, b := newCoordinator(t, d, Options{
		Debounce:          50 * time.Millisecond,
		AutoRetryFailures: true,
	})

	// Failure event and user command land in the same window; the user
	// command wins and the session gets exactly one dispatch.
	b.Publish(bus.TopicWorkflowCompleted, "engine", map[string]any{
		"sessionId": "s1", "success": false,
	})
	c.Enqueue(Command{SessionID: "s1", Action: ActionRetry, TaskID: "t3"})

	require.Eventually(t, func() bool {
		return len(d.snapshot()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	calls := d.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, call{"retry", "s1", "t3"}, calls[0])
}

func TestAutoRetry_RestartsFailedSession(t *testing.T) {
	d := newFakeDispatcher()
	d.set("s1", store.StatusFailed)
	_, b := newCoordinator(t, d, Options{AutoRetryFailures: true})

	b.Publish(bus.TopicWorkflowCompleted, "engine", map[string]any{
		"sessionId": "s1", "success": false,
	})

	require.Eventually(t, func() bool {
		calls := d.snapshot()
		return len(calls) == 1 && calls[0].op == "start"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAutoRetry_DisabledByDefault(t *testing.T) {
	d := newFakeDispatcher()
	d.set("s1", store.StatusFailed)
	_, b := newCoordinator(t, d, Options{})

	b.Publish(bus.TopicTaskFailedFinal, "session", map[string]any{
		"sessionId": "s1", "taskId": "t1",
	})

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, d.snapshot())
}

func TestAutoStart_ApprovedSession(t *testing.T) {
	d := newFakeDispatcher()
	d.set("s1", store.StatusApproved)
	_, b := newCoordinator(t, d, Options{AutoStartApproved: true})

	// A successful planning workflow leaves the session ready; approval
	// shows up as the natural next step once the user signs off.
	b.Publish(bus.TopicWorkflowCompleted, "engine", map[string]any{
		"sessionId": "s1", "success": true,
	})

	require.Eventually(t, func() bool {
		calls := d.snapshot()
		return len(calls) == 1 && calls[0].op == "start"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEvaluate_OneDispatchPerSessionPerCycle(t *testing.T) {
	d := newFakeDispatcher()
	d.set("s1", store.StatusPaused)
	d.set("s2", store.StatusPaused)
	c, _ := newCoordinator(t, d, Options{Debounce: 50 * time.Millisecond})

	c.Enqueue(Command{SessionID: "s1", Action: ActionResume})
	c.Enqueue(Command{SessionID: "s1", Action: ActionResume})
	c.Enqueue(Command{SessionID: "s2", Action: ActionResume})

	require.Eventually(t, func() bool {
		return len(d.snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	calls := d.snapshot()
	require.Len(t, calls, 2)
	require.ElementsMatch(t, []call{
		{"resume", "s1", ""},
		{"resume", "s2", ""},
	}, calls)
}

func TestStates_CycleThroughCooldown(t *testing.T) {
	d := newFakeDispatcher()
	d.set("s1", store.StatusApproved)
	c, _ := newCoordinator(t, d, Options{
		Debounce: 30 * time.Millisecond,
		Cooldown: 60 * time.Millisecond,
	})
	require.Equal(t, StateIdle, c.State())

	c.Enqueue(Command{SessionID: "s1", Action: ActionStart})

	seen := map[State]bool{}
	require.Eventually(t, func() bool {
		seen[c.State()] = true
		return seen[StateQueuing] && seen[StateCooldown] && len(d.snapshot()) == 1
	}, 3*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return c.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownSession_Skipped(t *testing.T) {
	d := newFakeDispatcher()
	c, _ := newCoordinator(t, d, Options{})

	c.Enqueue(Command{SessionID: "ghost", Action: ActionStart})
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, d.snapshot())
}
