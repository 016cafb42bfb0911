//go:build !windows

package proc

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/werr"
)

func init() {
	log.InitWriter(io.Discard)
	log.SetEnabled(false)
}

func newTestSupervisor(t *testing.T, opts Options) (*Supervisor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	s := NewSupervisor(b, opts)
	t.Cleanup(s.Close)
	return s, b
}

func shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func TestStart_CapturesOutput(t *testing.T) {
	s, b := newTestSupervisor(t, Options{})
	logPath := filepath.Join(t.TempDir(), "wf-1.log")

	events := make(chan bus.Event, 8)
	b.Subscribe("test", "process.*", func(e bus.Event) { events <- e })

	id, err := s.Start(Spec{
		Command: shell("echo hello; echo oops >&2"),
		Owner:   "wf-1",
		LogPath: logPath,
	})
	require.NoError(t, err)

	exit, err := s.Wait(id)
	require.NoError(t, err)
	require.Equal(t, 0, exit.Code)
	require.Equal(t, "wf-1", exit.Owner)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), "oops", "stderr is captured too")

	var topics []string
	for len(topics) < 2 {
		select {
		case e := <-events:
			topics = append(topics, e.Topic)
		case <-time.After(time.Second):
			t.Fatalf("missing process events, got %v", topics)
		}
	}
	require.Equal(t, []string{bus.TopicProcessStarted, bus.TopicProcessExited}, topics)
}

func TestStart_AbnormalExit(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{})
	logPath := filepath.Join(t.TempDir(), "wf-1.log")

	id, err := s.Start(Spec{Command: shell("exit 3"), Owner: "wf-1", LogPath: logPath})
	require.NoError(t, err)

	exit, err := s.Wait(id)
	require.NoError(t, err)
	require.Equal(t, 3, exit.Code)
	require.Error(t, exit.Err)
}

func TestStart_SpawnFailureIsSynchronous(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{})
	logPath := filepath.Join(t.TempDir(), "wf-1.log")

	_, err := s.Start(Spec{
		Command: []string{"/nonexistent/definitely-not-a-binary"},
		Owner:   "wf-1",
		LogPath: logPath,
	})
	require.Error(t, err)
	require.Equal(t, werr.CodeProcessSpawnFailed, werr.CodeOf(err))
	require.Empty(t, s.Tracked())
}

func TestStart_TimeoutKills(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{GracePeriod: 100 * time.Millisecond})
	logPath := filepath.Join(t.TempDir(), "wf-1.log")

	id, err := s.Start(Spec{
		Command: shell("sleep 30"),
		Owner:   "wf-1",
		Timeout: 100 * time.Millisecond,
		LogPath: logPath,
	})
	require.NoError(t, err)

	done := make(chan Exit, 1)
	go func() {
		exit, _ := s.Wait(id)
		done <- exit
	}()

	select {
	case exit := <-done:
		require.NotEqual(t, 0, exit.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed-out process was not killed")
	}
}

func TestStop_GracefulThenForced(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{GracePeriod: 200 * time.Millisecond})
	logPath := filepath.Join(t.TempDir(), "wf-1.log")

	// The child ignores TERM, so stop has to escalate.
	id, err := s.Start(Spec{
		Command: shell("trap '' TERM; sleep 30"),
		Owner:   "wf-1",
		LogPath: logPath,
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // let the trap install

	s.Stop(id, false)

	done := make(chan struct{})
	go func() {
		_, _ = s.Wait(id)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not escalate to kill")
	}
}

func TestKillStuck(t *testing.T) {
	s, b := newTestSupervisor(t, Options{StuckThreshold: 100 * time.Millisecond})
	logPath := filepath.Join(t.TempDir(), "wf-1.log")

	failures := make(chan bus.Event, 4)
	b.Subscribe("test", bus.TopicTaskFailed, func(e bus.Event) { failures <- e })

	id, err := s.Start(Spec{Command: shell("sleep 30"), Owner: "wf-1", LogPath: logPath})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	killed := s.KillStuck()
	require.Equal(t, []string{id}, killed)

	select {
	case e := <-failures:
		require.Equal(t, "stuck", e.Payload["kind"])
		require.Equal(t, "wf-1", e.Payload["owner"])
	case <-time.After(time.Second):
		t.Fatal("no task.failed event for stuck process")
	}
}

func TestTouch_DefersStuckDetection(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{StuckThreshold: 150 * time.Millisecond})
	logPath := filepath.Join(t.TempDir(), "wf-1.log")

	_, err := s.Start(Spec{
		Command:       shell("sleep 30"),
		Owner:         "wf-1",
		ActivityToken: "tok-1",
		LogPath:       logPath,
	})
	require.NoError(t, err)

	// Keep poking activity past the threshold window.
	for range 4 {
		time.Sleep(50 * time.Millisecond)
		s.Touch("tok-1")
	}
	require.Empty(t, s.KillStuck(), "touched process is not stuck")

	time.Sleep(250 * time.Millisecond)
	require.Len(t, s.KillStuck(), 1, "silence past the threshold counts as stuck")
}

func TestKillOrphans_DisabledWithoutSignature(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{})
	killed, err := s.KillOrphans()
	require.NoError(t, err)
	require.Empty(t, killed)
}

func TestKillOrphans_MatchesSignature(t *testing.T) {
	sig := "weft-orphan-test-" + filepath.Base(t.TempDir())
	s, _ := newTestSupervisor(t, Options{OrphanSignature: sig})

	// An untracked process carrying the signature in its argv.
	cmd := shell("sleep 30")
	orphan := startRaw(t, append(cmd, sig))

	killed, err := s.KillOrphans()
	require.NoError(t, err)
	require.Contains(t, killed, orphan)
}

// startRaw launches an untracked process for orphan-sweep tests and
// returns its pid.
func startRaw(t *testing.T, argv []string) int {
	t.Helper()
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // G204: test fixture
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() {
		killGroup(pid)
		_ = cmd.Wait()
	})
	return pid
}

func TestMatches(t *testing.T) {
	e := psEntry{pid: 1, args: "/usr/bin/claude --session abc"}
	require.True(t, e.matches("claude"))
	require.False(t, e.matches("codex"))
}
