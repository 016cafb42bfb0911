package graph

import (
	"context"
	"time"
)

// ExecContext is the per-workflow API handed to node executors. The engine
// provides the implementation; node code never reaches around it.
type ExecContext interface {
	// WorkflowID identifies the running workflow instance.
	WorkflowID() string

	// Param reads an immutable dispatch parameter.
	Param(name string) (any, bool)
	// Var reads a workflow variable.
	Var(name string) (any, bool)
	// SetVar writes a workflow variable.
	SetVar(name string, v any)

	// Eval evaluates an expression against parameters, variables, and
	// upstream node outputs.
	Eval(src string) (any, error)
	// Render substitutes {{...}} spans in a template string.
	Render(tmpl string) (string, error)

	// RequestAgent allocates a pool slot for a role, blocking up to timeout.
	RequestAgent(ctx context.Context, role string, timeout time.Duration) (string, error)
	// ReleaseAgent returns a slot; force bypasses the rest period.
	ReleaseAgent(name string, force bool)
	// RunAgentTask spawns the agent child process for a prompt and blocks
	// until it finishes, returning the reply text.
	RunAgentTask(ctx context.Context, agent, prompt, stage string, timeout time.Duration) (string, error)

	// RunCommand executes an external command and captures its output.
	RunCommand(ctx context.Context, argv []string, timeout time.Duration) (stdout, stderr string, code int, err error)
	// ReadFile reads a file from the session's artifact tree.
	ReadFile(path string) ([]byte, error)

	// WaitEvent blocks until an event on topic arrives or timeout elapses.
	WaitEvent(ctx context.Context, topic string, timeout time.Duration) (map[string]any, error)
	// Emit publishes an event on the daemon bus.
	Emit(topic string, payload map[string]any)

	// Bench seats hold allocated agent names keyed by slot number 1..N.
	BenchGet(seat int) (string, bool)
	BenchSet(seat int, agent string)
	BenchRemove(seat int)

	// Sleep pauses, honoring cancellation.
	Sleep(ctx context.Context, d time.Duration) error
	// ShouldStop reports whether the workflow was cancelled so executors
	// can bail at safe points.
	ShouldStop() bool

	// Log appends a line to the session progress log.
	Log(msg string)
}
