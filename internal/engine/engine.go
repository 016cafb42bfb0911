package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/store"
)

// Engine interprets workflow graphs against the daemon's services.
type Engine struct {
	deps     Deps
	reg      *graph.Registry
	loader   *graph.Loader
	maxDepth int
}

// Options tune the engine beyond its service dependencies.
type Options struct {
	// MaxSubgraphDepth bounds nesting at load and at run time. <= 0 uses
	// the loader default.
	MaxSubgraphDepth int
}

// New builds an engine, binding executors for every built-in node type.
func New(deps Deps, opts Options) *Engine {
	maxDepth := opts.MaxSubgraphDepth
	if maxDepth <= 0 {
		maxDepth = graph.DefaultMaxSubgraphDepth
	}
	reg := graph.NewRegistry()
	e := &Engine{
		deps:     deps,
		reg:      reg,
		loader:   graph.NewLoader(reg, maxDepth),
		maxDepth: maxDepth,
	}
	e.bindExecutors()
	return e
}

// Registry exposes the node type registry, for validation surfaces.
func (e *Engine) Registry() *graph.Registry { return e.reg }

// Loader exposes the graph loader bound to this engine's registry.
func (e *Engine) Loader() *graph.Loader { return e.loader }

// DebugOpts switches a run into debug mode: breakpoints pause before a
// node executes until Step is called, mocks replace node execution with
// canned outputs. Mocked runs never checkpoint.
type DebugOpts struct {
	Breakpoints map[string]bool
	Mocks       map[string]map[string]any

	step chan struct{}
}

func NewDebugOpts() *DebugOpts {
	return &DebugOpts{
		Breakpoints: map[string]bool{},
		Mocks:       map[string]map[string]any{},
		step:        make(chan struct{}, 16),
	}
}

// Step releases one paused breakpoint.
func (d *DebugOpts) Step() {
	select {
	case d.step <- struct{}{}:
	default:
	}
}

func (d *DebugOpts) waitStep(ctx context.Context) bool {
	select {
	case <-d.step:
		return true
	case <-ctx.Done():
		return false
	}
}

// Workflow is one dispatched graph execution.
type Workflow struct {
	ID        string
	SessionID string
	Graph     *graph.Graph
	Params    map[string]any
	Debug     *DebugOpts
	// Resume restores a prior checkpoint before scheduling.
	Resume *store.Checkpoint
}

// Result is the outcome of a completed run.
type Result struct {
	WorkflowID string
	Success    bool
	Outputs    map[string]map[string]any
	Vars       map[string]any
	Err        error
}

// LoadGraph parses and validates a graph by template name or path.
func (e *Engine) LoadGraph(path string) (*graph.Graph, graph.Issues, error) {
	return e.loader.Load(path)
}

// Run executes a workflow to quiescence. The returned Result always
// carries the final outputs and variables, even on failure.
func (e *Engine) Run(ctx context.Context, wf *Workflow) *Result {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	started := time.Now()

	// Document parameter defaults sit under explicit dispatch params.
	params := make(map[string]any, len(wf.Graph.Parameters)+len(wf.Params))
	for k, v := range wf.Graph.Parameters {
		params[k] = v
	}
	for k, v := range wf.Params {
		params[k] = v
	}

	ec := newExecContext(wf.ID, wf.SessionID, params, e.deps)
	for k, v := range wf.Graph.Variables {
		ec.SetVar(k, v)
	}
	stop := context.AfterFunc(ctx, func() { ec.cancelled.Store(true) })
	defer stop()

	log.Info(log.CatEngine, "Workflow starting",
		"workflow", wf.ID, "graph", wf.Graph.Name, "session", wf.SessionID)
	e.publish(bus.TopicWorkflowStarted, map[string]any{
		"workflowId": wf.ID, "sessionId": wf.SessionID, "graph": wf.Graph.Name,
	})

	r := newRun(e, ctx, wf, wf.Graph, ec, nil, 1)
	if wf.Resume != nil {
		e.applyCheckpoint(r, wf.Resume)
	}

	err := r.loop()

	// Agents still seated when the run ends would leak pool slots.
	for _, agent := range ec.benchAgents() {
		ec.ReleaseAgent(agent, true)
	}

	res := &Result{
		WorkflowID: wf.ID,
		Success:    err == nil,
		Outputs:    ec.snapshotOutputs(),
		Vars:       ec.snapshotVars(),
		Err:        err,
	}
	if err != nil {
		log.ErrorErr(log.CatEngine, "Workflow finished with failure", err,
			"workflow", wf.ID, "elapsed", time.Since(started).Round(time.Millisecond))
	} else {
		log.Info(log.CatEngine, "Workflow completed",
			"workflow", wf.ID, "elapsed", time.Since(started).Round(time.Millisecond))
	}

	payload := map[string]any{
		"workflowId": wf.ID, "sessionId": wf.SessionID, "success": err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.publish(bus.TopicWorkflowCompleted, payload)

	return res
}

// applyCheckpoint marks completed nodes, restores their outputs and the
// variable scope, and re-fires the triggers those nodes had delivered, so
// scheduling resumes exactly past the checkpoint.
func (e *Engine) applyCheckpoint(r *run, ckpt *store.Checkpoint) {
	for k, v := range ckpt.Variables {
		r.ec.SetVar(k, v)
	}
	for _, id := range ckpt.Completed {
		r.state[id] = stateCompleted
		outputs := ckpt.Results[id]
		if outputs == nil {
			outputs = map[string]any{}
		}
		r.ec.recordOutputs(id, outputs)
	}
	for _, id := range ckpt.Completed {
		n := r.g.NodeByID(id)
		if n == nil {
			continue
		}
		for _, port := range firedPorts(n, ckpt.Results[id]) {
			for _, conn := range r.g.OutgoingFrom(id, port) {
				if r.state[conn.ToNode] == statePending {
					r.fire(conn)
				}
			}
		}
	}
	log.Info(log.CatEngine, "Workflow resumed from checkpoint",
		"workflow", r.wf.ID, "completed", len(ckpt.Completed))
}

func (e *Engine) saveCheckpoint(wf *Workflow, g *graph.Graph, ec *execContext, running []string) {
	ckpt := &store.Checkpoint{
		WorkflowID: wf.ID,
		Graph:      g.Name,
		Timestamp:  time.Now().UTC(),
		Completed:  ec.completedIDs(),
		Running:    running,
		Variables:  ec.snapshotVars(),
		Results:    ec.snapshotOutputsRaw(),
	}
	if err := e.deps.Store.SaveCheckpoint(wf.SessionID, ckpt); err != nil {
		log.Warn(log.CatEngine, "Checkpoint save failed",
			"workflow", wf.ID, "error", err)
		return
	}
	log.Debug(log.CatEngine, "Checkpoint saved",
		"workflow", wf.ID, "completed", len(ckpt.Completed))
}

func (e *Engine) publish(topic string, payload map[string]any) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(topic, "engine", payload)
	}
}
