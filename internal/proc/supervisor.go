// Package proc supervises agent child processes: spawning, output capture,
// per-process timeouts, stuck detection, and orphan cleanup across daemon
// restarts.
package proc

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/werr"
)

// Spec describes one child process to launch.
type Spec struct {
	// Command is the argv to execute. Command[0] is the executable.
	Command []string
	// Owner identifies the workflow the process runs for.
	Owner string
	// Timeout kills the process when it runs longer. Zero means no limit.
	Timeout time.Duration
	// ActivityToken lets other components refresh the last-activity clock,
	// e.g. when a prompt is answered out of band. Optional.
	ActivityToken string
	// LogPath receives the line-buffered stdout/stderr stream.
	LogPath string
	// Dir is the working directory. Empty inherits the daemon's.
	Dir string
	// Env entries are appended to the daemon's environment.
	Env []string
}

// Exit describes how a tracked process ended.
type Exit struct {
	ID    string
	Owner string
	PID   int
	Code  int
	Err   error
}

type managed struct {
	id     string
	owner  string
	token  string
	cmd    *exec.Cmd
	pid    int
	logf   *os.File
	cancel func()

	lastActivity atomic.Int64 // unix nanos

	done chan struct{}
	exit Exit
}

func (m *managed) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *managed) idleFor() time.Duration {
	return time.Since(time.Unix(0, m.lastActivity.Load()))
}

// Options configures a Supervisor.
type Options struct {
	// StuckThreshold is the inactivity window after which a process counts
	// as stuck.
	StuckThreshold time.Duration
	// GracePeriod is how long stop waits between terminate and kill.
	GracePeriod time.Duration
	// OrphanSignature is the command-line substring the orphan sweep
	// matches. Empty disables the sweep.
	OrphanSignature string
	// Heartbeat is the stuck-scan cadence. Zero disables the timer; callers
	// can still invoke KillStuck directly.
	Heartbeat time.Duration
}

// Supervisor tracks live child processes by id.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*managed
	tokens map[string]*managed

	opts Options
	bus  *bus.Bus

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSupervisor builds a supervisor and starts its heartbeat when
// configured.
func NewSupervisor(b *bus.Bus, opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	s := &Supervisor{
		procs:  make(map[string]*managed),
		tokens: make(map[string]*managed),
		opts:   opts,
		bus:    b,
		stop:   make(chan struct{}),
	}
	if opts.Heartbeat > 0 && opts.StuckThreshold > 0 {
		s.wg.Add(1)
		go s.heartbeat()
	}
	return s
}

// Start launches a child process and begins capturing its output. The
// returned id identifies the process for Stop, Wait, and events.
func (s *Supervisor) Start(spec Spec) (string, error) {
	if len(spec.Command) == 0 {
		return "", werr.New(werr.CodeProcessSpawnFailed, "empty command")
	}

	logf, err := os.OpenFile(spec.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: workspace layout path
	if err != nil {
		return "", werr.Wrap(werr.CodeProcessSpawnFailed, err, "opening process log")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...) //nolint:gosec // G204: argv comes from node config, not remote input
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = logf.Close()
		return "", werr.Wrap(werr.CodeProcessSpawnFailed, err, "creating stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = logf.Close()
		return "", werr.Wrap(werr.CodeProcessSpawnFailed, err, "creating stderr pipe")
	}

	m := &managed{
		id:    uuid.NewString(),
		owner: spec.Owner,
		token: spec.ActivityToken,
		cmd:   cmd,
		logf:  logf,
		done:  make(chan struct{}),
	}
	m.touch()

	log.Debug(log.CatProc, "Spawning process", "owner", spec.Owner, "command", spec.Command[0])
	if err := cmd.Start(); err != nil {
		_ = logf.Close()
		return "", werr.Wrap(werr.CodeProcessSpawnFailed, err, "starting %s", spec.Command[0])
	}
	m.pid = cmd.Process.Pid

	if spec.Timeout > 0 {
		timer := time.AfterFunc(spec.Timeout, func() {
			log.Warn(log.CatProc, "Process timeout exceeded", "id", m.id, "pid", m.pid, "timeout", spec.Timeout)
			s.Stop(m.id, false)
		})
		m.cancel = func() { timer.Stop() }
	}

	s.mu.Lock()
	s.procs[m.id] = m
	if m.token != "" {
		s.tokens[m.token] = m
	}
	s.mu.Unlock()

	// One reader per captured stream; both feed the same log and the
	// activity clock.
	var readers sync.WaitGroup
	readers.Add(2)
	var logMu sync.Mutex
	scan := func(r *bufio.Scanner) {
		defer readers.Done()
		r.Buffer(make([]byte, 64*1024), 1024*1024)
		for r.Scan() {
			m.touch()
			logMu.Lock()
			_, _ = fmt.Fprintln(m.logf, r.Text())
			logMu.Unlock()
		}
	}
	go scan(bufio.NewScanner(stdout))
	go scan(bufio.NewScanner(stderr))

	go func() {
		readers.Wait()
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		s.finish(m, code, err)
	}()

	log.Info(log.CatProc, "Process started", "id", m.id, "pid", m.pid, "owner", spec.Owner)
	s.publish(bus.TopicProcessStarted, map[string]any{
		"id": m.id, "pid": m.pid, "owner": m.owner,
	})
	return m.id, nil
}

func (s *Supervisor) finish(m *managed, code int, err error) {
	if m.cancel != nil {
		m.cancel()
	}
	_ = m.logf.Close()

	s.mu.Lock()
	delete(s.procs, m.id)
	if m.token != "" {
		delete(s.tokens, m.token)
	}
	s.mu.Unlock()

	m.exit = Exit{ID: m.id, Owner: m.owner, PID: m.pid, Code: code, Err: err}
	close(m.done)

	if code != 0 {
		log.Warn(log.CatProc, "Process exited abnormally", "id", m.id, "pid", m.pid, "code", code)
	} else {
		log.Debug(log.CatProc, "Process exited", "id", m.id, "pid", m.pid)
	}
	s.publish(bus.TopicProcessExited, map[string]any{
		"id": m.id, "pid": m.pid, "owner": m.owner, "code": code,
	})
}

// Wait blocks until the process exits and returns its exit record.
func (s *Supervisor) Wait(id string) (Exit, error) {
	s.mu.Lock()
	m, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return Exit{}, fmt.Errorf("process %s is not tracked", id)
	}
	<-m.done
	return m.exit, nil
}

// Stop terminates a process. Without force it sends a graceful terminate
// and escalates to kill after the grace period; with force it kills the
// whole group immediately.
func (s *Supervisor) Stop(id string, force bool) {
	s.mu.Lock()
	m, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	if force {
		killGroup(m.pid)
		return
	}

	terminateGroup(m.pid)
	grace := s.opts.GracePeriod
	go func() {
		select {
		case <-m.done:
		case <-time.After(grace):
			log.Warn(log.CatProc, "Grace period expired, killing", "id", m.id, "pid", m.pid)
			killGroup(m.pid)
		}
	}()
}

// Touch refreshes the last-activity clock for the process registered under
// the given activity token.
func (s *Supervisor) Touch(token string) {
	s.mu.Lock()
	m, ok := s.tokens[token]
	s.mu.Unlock()
	if ok {
		m.touch()
	}
}

// KillStuck kills every tracked process whose last-activity age exceeds
// the stuck threshold and returns their ids.
func (s *Supervisor) KillStuck() []string {
	if s.opts.StuckThreshold <= 0 {
		return nil
	}

	s.mu.Lock()
	var stuck []*managed
	for _, m := range s.procs {
		if m.idleFor() > s.opts.StuckThreshold {
			stuck = append(stuck, m)
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(stuck))
	for _, m := range stuck {
		log.Warn(log.CatProc, "Killing stuck process",
			"id", m.id, "pid", m.pid, "owner", m.owner, "idle", m.idleFor())
		killGroup(m.pid)
		ids = append(ids, m.id)

		s.publish(bus.TopicProcessStuck, map[string]any{
			"id": m.id, "pid": m.pid, "owner": m.owner,
		})
		s.publish(bus.TopicTaskFailed, map[string]any{
			"owner": m.owner, "processId": m.id, "kind": "stuck",
		})
	}
	return ids
}

// KillOrphans scans the OS process table for processes matching the
// configured signature that this supervisor does not track, excluding the
// daemon itself, and kills them. Returns the pids killed.
func (s *Supervisor) KillOrphans() ([]int, error) {
	sig := s.opts.OrphanSignature
	if sig == "" {
		return nil, nil
	}

	entries, err := listProcesses()
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	s.mu.Lock()
	tracked := make(map[int]bool, len(s.procs))
	for _, m := range s.procs {
		tracked[m.pid] = true
	}
	s.mu.Unlock()

	self := os.Getpid()
	var killed []int
	for _, e := range entries {
		if e.pid == self || tracked[e.pid] || !e.matches(sig) {
			continue
		}
		log.Warn(log.CatProc, "Killing orphan process", "pid", e.pid)
		killGroup(e.pid)
		killed = append(killed, e.pid)
	}
	if len(killed) > 0 {
		log.Info(log.CatProc, "Orphan sweep complete", "killed", len(killed))
	}
	return killed, nil
}

// Tracked returns the ids of live processes.
func (s *Supervisor) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) heartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.KillStuck()
		case <-s.stop:
			return
		}
	}
}

// Close stops the heartbeat and force-kills every tracked process.
func (s *Supervisor) Close() {
	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	var pids []int
	for _, m := range s.procs {
		pids = append(pids, m.pid)
	}
	s.mu.Unlock()
	for _, pid := range pids {
		killGroup(pid)
	}
}

func (s *Supervisor) publish(topic string, payload map[string]any) {
	if s.bus != nil {
		s.bus.Publish(topic, "proc", payload)
	}
}
