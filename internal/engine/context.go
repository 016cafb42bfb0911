package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/expr"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/pool"
	"github.com/weftworks/weft/internal/proc"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

// Deps are the daemon services the engine executes against.
type Deps struct {
	Pool       *pool.Pool
	Supervisor *proc.Supervisor
	Bus        *bus.Bus
	Store      *store.Store
	Backend    Backend
	// DefaultAgentTimeout bounds agent tasks without an explicit budget.
	DefaultAgentTimeout time.Duration
}

// execContext is the per-workflow implementation of graph.ExecContext.
// Variables, outputs, and the bench are shared across parallel branches
// under one mutex; last writer wins on variable conflicts.
type execContext struct {
	workflowID string
	sessionID  string
	deps       Deps

	params map[string]any // immutable after dispatch

	mu        sync.Mutex
	vars      map[string]any
	outputs   map[string]map[string]any
	completed map[string]bool
	bench     map[int]string

	cancelled atomic.Bool
}

func newExecContext(workflowID, sessionID string, params map[string]any, deps Deps) *execContext {
	if params == nil {
		params = map[string]any{}
	}
	return &execContext{
		workflowID: workflowID,
		sessionID:  sessionID,
		deps:       deps,
		params:     params,
		vars:       map[string]any{},
		outputs:    map[string]map[string]any{},
		completed:  map[string]bool{},
		bench:      map[int]string{},
	}
}

func (ec *execContext) WorkflowID() string { return ec.workflowID }

func (ec *execContext) Param(name string) (any, bool) {
	v, ok := ec.params[name]
	return v, ok
}

func (ec *execContext) Var(name string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.vars[name]
	return v, ok
}

func (ec *execContext) SetVar(name string, v any) {
	ec.mu.Lock()
	ec.vars[name] = v
	ec.mu.Unlock()
}

// env builds the expression environment: parameters, variables, and node
// outputs under their spec'd roots, plus loop scalars at top level.
func (ec *execContext) env() expr.Env {
	ec.mu.Lock()
	vars := make(map[string]any, len(ec.vars))
	for k, v := range ec.vars {
		vars[k] = v
	}
	nodes := make(map[string]any, len(ec.outputs))
	for id, out := range ec.outputs {
		ports := make(map[string]any, len(out))
		for p, v := range out {
			if !strings.HasPrefix(p, "__") {
				ports[p] = v
			}
		}
		nodes[id] = ports
	}
	ec.mu.Unlock()

	roots := map[string]any{
		"params": ec.params,
		"vars":   vars,
		"nodes":  nodes,
	}
	return expr.ChainEnv(expr.MapEnv(roots), expr.MapEnv(vars))
}

func (ec *execContext) Eval(src string) (any, error) {
	return expr.Eval(src, ec.env(), 0)
}

func (ec *execContext) Render(tmpl string) (string, error) {
	return expr.Render(tmpl, ec.env(), 0)
}

func (ec *execContext) RequestAgent(ctx context.Context, role string, timeout time.Duration) (string, error) {
	if ec.deps.Pool == nil {
		return "", fmt.Errorf("no agent pool configured")
	}
	return ec.deps.Pool.Request(ctx, role, timeout)
}

func (ec *execContext) ReleaseAgent(name string, force bool) {
	if ec.deps.Pool == nil {
		return
	}
	if force {
		ec.deps.Pool.ForceRelease(name)
	} else {
		ec.deps.Pool.Release(name)
	}
}

func (ec *execContext) RunAgentTask(ctx context.Context, agent, prompt, stage string, timeout time.Duration) (string, error) {
	if ec.deps.Supervisor == nil || ec.deps.Backend == nil {
		return "", fmt.Errorf("no supervisor or backend configured")
	}
	if timeout <= 0 {
		timeout = ec.deps.DefaultAgentTimeout
	}

	ec.deps.Pool.MarkBusy(agent, ec.workflowID)

	if stage != "" && ec.deps.Bus != nil {
		ec.deps.Bus.Publish(bus.TopicWorkflowStage, "workflow:"+ec.workflowID, map[string]any{
			"sessionId":  ec.sessionID,
			"workflowId": ec.workflowID,
			"stage":      stage,
			"agent":      agent,
		})
	}

	logPath := ec.agentLogPath(agent)
	argv := ec.deps.Backend.BuildCommand(TaskRequest{
		Agent:     agent,
		Prompt:    prompt,
		Stage:     stage,
		SessionID: ec.sessionID,
	})

	id, err := ec.deps.Supervisor.Start(proc.Spec{
		Command:       argv,
		Owner:         ec.workflowID,
		Timeout:       timeout,
		ActivityToken: ec.workflowID + ":" + agent,
		LogPath:       logPath,
	})
	if err != nil {
		return "", err
	}

	exit, err := ec.deps.Supervisor.Wait(id)
	if err != nil {
		return "", err
	}
	if ec.ShouldStop() {
		return "", werr.New(werr.CodeWorkflowCancelled, "workflow %s cancelled", ec.workflowID)
	}
	if exit.Code != 0 {
		return "", werr.New(werr.CodeProcessCrashed, "agent %s exited with code %d (stage %s)", agent, exit.Code, stage)
	}

	reply, err := os.ReadFile(logPath) //nolint:gosec // G304: workspace layout path
	if err != nil {
		return "", werr.Wrap(werr.CodeIOError, err, "reading agent reply")
	}
	return string(reply), nil
}

func (ec *execContext) agentLogPath(agent string) string {
	if ec.deps.Store != nil && ec.sessionID != "" {
		return ec.deps.Store.Layout().AgentLog(ec.sessionID, agent+"-"+ec.workflowID)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("weft-%s-%s.log", ec.workflowID, agent))
}

func (ec *execContext) RunCommand(ctx context.Context, argv []string, timeout time.Duration) (string, string, int, error) {
	if len(argv) == 0 {
		return "", "", -1, fmt.Errorf("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // G204: argv comes from node config
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is data, not an execution failure.
			err = nil
		}
	}
	return stdout.String(), stderr.String(), code, err
}

func (ec *execContext) ReadFile(path string) ([]byte, error) {
	// Paths resolve inside the session's artifact tree only.
	if ec.deps.Store == nil || ec.sessionID == "" {
		return nil, fmt.Errorf("no session tree to read from")
	}
	base := ec.deps.Store.Layout().SessionDir(ec.sessionID)
	full := filepath.Join(base, filepath.Clean("/"+path))
	return os.ReadFile(full) //nolint:gosec // G304: confined to the session directory above
}

func (ec *execContext) WaitEvent(ctx context.Context, topic string, timeout time.Duration) (map[string]any, error) {
	if ec.deps.Bus == nil {
		return nil, fmt.Errorf("no event bus configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := ec.deps.Bus.Channel(ctx)
	for {
		select {
		case wrapped, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("event stream closed")
			}
			ev := wrapped.Payload
			if bus.Matches(topic, ev.Topic) {
				return map[string]any{
					"topic":   ev.Topic,
					"payload": ev.Payload,
				}, nil
			}
		case <-ctx.Done():
			return nil, werr.Wrap(werr.CodeWorkflowTimeout, ctx.Err(), "waiting for event %q", topic)
		}
	}
}

func (ec *execContext) Emit(topic string, payload map[string]any) {
	if ec.deps.Bus != nil {
		ec.deps.Bus.Publish(topic, "workflow:"+ec.workflowID, payload)
	}
}

func (ec *execContext) BenchGet(seat int) (string, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	name, ok := ec.bench[seat]
	return name, ok
}

func (ec *execContext) BenchSet(seat int, agent string) {
	ec.mu.Lock()
	ec.bench[seat] = agent
	ec.mu.Unlock()
}

func (ec *execContext) BenchRemove(seat int) {
	ec.mu.Lock()
	delete(ec.bench, seat)
	ec.mu.Unlock()
}

// benchAgents returns the seated agents, for cleanup on teardown.
func (ec *execContext) benchAgents() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]string, 0, len(ec.bench))
	for _, name := range ec.bench {
		out = append(out, name)
	}
	return out
}

func (ec *execContext) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ec *execContext) ShouldStop() bool { return ec.cancelled.Load() }

func (ec *execContext) Log(msg string) {
	if ec.deps.Store != nil && ec.sessionID != "" {
		if err := ec.deps.Store.AppendProgress(ec.sessionID, msg); err != nil {
			log.Warn(log.CatEngine, "Appending progress log failed", "error", err)
		}
	}
	log.Info(log.CatEngine, msg, "workflow", ec.workflowID)
}

// recordOutputs publishes a node's outputs for downstream gathering and
// expression resolution.
func (ec *execContext) recordOutputs(nodeID string, outputs map[string]any) {
	ec.mu.Lock()
	ec.outputs[nodeID] = outputs
	ec.completed[nodeID] = true
	ec.mu.Unlock()
}

// stageOutputs exposes port values without marking the node completed.
// Loops use it to publish item/index mid-flight.
func (ec *execContext) stageOutputs(nodeID string, outputs map[string]any) {
	ec.mu.Lock()
	ec.outputs[nodeID] = outputs
	ec.mu.Unlock()
}

func (ec *execContext) hasOutputs(nodeID string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	_, ok := ec.outputs[nodeID]
	return ok
}

func (ec *execContext) isCompleted(nodeID string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.completed[nodeID]
}

func (ec *execContext) output(nodeID, port string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out, ok := ec.outputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := out[port]
	return v, ok
}

// reset drops completion state and outputs for loop-body nodes between
// iterations.
func (ec *execContext) reset(nodeIDs map[string]bool) {
	ec.mu.Lock()
	for id := range nodeIDs {
		delete(ec.outputs, id)
		delete(ec.completed, id)
	}
	ec.mu.Unlock()
}

func (ec *execContext) snapshotVars() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]any, len(ec.vars))
	for k, v := range ec.vars {
		out[k] = v
	}
	return out
}

func (ec *execContext) snapshotOutputs() map[string]map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]map[string]any, len(ec.outputs))
	for id, ports := range ec.outputs {
		cp := make(map[string]any, len(ports))
		for p, v := range ports {
			if !strings.HasPrefix(p, "__") {
				cp[p] = v
			}
		}
		out[id] = cp
	}
	return out
}

// snapshotOutputsRaw keeps sentinel keys. Checkpoints need them so resume
// re-fires the branch a node actually took.
func (ec *execContext) snapshotOutputsRaw() map[string]map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]map[string]any, len(ec.outputs))
	for id, ports := range ec.outputs {
		cp := make(map[string]any, len(ports))
		for p, v := range ports {
			cp[p] = v
		}
		out[id] = cp
	}
	return out
}

// outputsOf returns a copy of one node's port outputs without sentinel
// keys.
func (ec *execContext) outputsOf(nodeID string) map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ports, ok := ec.outputs[nodeID]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(ports))
	for p, v := range ports {
		if !strings.HasPrefix(p, "__") {
			out[p] = v
		}
	}
	return out
}

func (ec *execContext) completedIDs() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]string, 0, len(ec.completed))
	for id := range ec.completed {
		out = append(out, id)
	}
	return out
}

var _ graph.ExecContext = (*execContext)(nil)
