package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/werr"
)

type nodeState int

const (
	statePending nodeState = iota
	stateRunning
	stateCompleted
	stateFailed
	stateSkipped
)

type readyItem struct {
	node *graph.Node
	// bypassGather skips input gathering; used by goto targets.
	bypassGather bool
}

type completion struct {
	node    *graph.Node
	outputs map[string]any
	err     error
}

// run drives one scheduler over a scope of graph nodes. The top-level run
// scopes the whole graph; loop iterations and subgraphs get nested runs.
type run struct {
	eng   *Engine
	g     *graph.Graph
	ec    *execContext
	ctx   context.Context
	wf    *Workflow
	depth int

	// scope limits which nodes this run may schedule. nil means all.
	scope map[string]bool
	state map[string]nodeState
	fired map[string]bool // connection id -> trigger delivered
	ready []readyItem

	running int
	compCh  chan completion

	// lastDone is the most recently completed node; loops collect its
	// outputs as the iteration result.
	lastDone string

	failure error
}

func newRun(eng *Engine, ctx context.Context, wf *Workflow, g *graph.Graph, ec *execContext, scope map[string]bool, depth int) *run {
	return &run{
		eng:    eng,
		g:      g,
		ec:     ec,
		ctx:    ctx,
		wf:     wf,
		depth:  depth,
		scope:  scope,
		state:  make(map[string]nodeState),
		fired:  make(map[string]bool),
		compCh: make(chan completion, 16),
	}
}

func (r *run) inScope(id string) bool {
	return r.scope == nil || r.scope[id]
}

// fire marks a connection's trigger as delivered when its target belongs
// to this run.
func (r *run) fire(c *graph.Connection) {
	if r.inScope(c.ToNode) {
		r.fired[c.ID] = true
	}
}

// loop schedules eligible nodes until the scope is quiescent or a failure
// propagates. Returns the first aborting error, if any.
func (r *run) loop() error {
	r.enqueueEligible()

	for {
		if r.failure == nil && !r.ec.ShouldStop() {
			for _, item := range r.ready {
				r.dispatch(item)
			}
			r.ready = r.ready[:0]
		} else {
			r.ready = r.ready[:0]
		}

		if r.running == 0 {
			break
		}

		c := <-r.compCh
		r.running--
		r.handle(c)
	}

	// Cancellation wins over node failures it caused itself.
	if r.ec.ShouldStop() {
		return werr.New(werr.CodeWorkflowCancelled, "workflow %s cancelled", r.wf.ID)
	}
	if r.failure != nil {
		return r.failure
	}
	return nil
}

// enqueueEligible scans the scope for pending nodes whose gating is
// satisfied. Newly eligible nodes append in scan order, which follows the
// document's node order, giving FIFO behavior.
func (r *run) enqueueEligible() {
	for _, n := range r.g.Nodes {
		if !r.inScope(n.ID) || r.state[n.ID] != statePending {
			continue
		}
		if n.Type == "note" {
			continue
		}
		if r.eligible(n) {
			// Reserve the slot so a later scan cannot double-enqueue.
			r.state[n.ID] = stateRunning
			r.ready = append(r.ready, readyItem{node: n})
		}
	}
}

// eligible implements the gating rule: every incoming non-trigger
// connection has a completed source, and at least one incoming trigger was
// delivered (when the node has trigger inputs at all). sync nodes override
// the trigger rule with their join mode.
func (r *run) eligible(n *graph.Node) bool {
	incoming := r.g.Incoming(n.ID)

	triggers := 0
	firedTriggers := 0
	for _, c := range incoming {
		dst := n.Input(c.ToPort)
		if dst == nil {
			continue
		}
		if dst.Type == graph.PortTrigger {
			triggers++
			if r.fired[c.ID] {
				firedTriggers++
			}
			continue
		}
		// A loop exposes item/index to its body before it completes, so
		// staged outputs from outside the scope satisfy the dependency.
		if !r.ec.isCompleted(c.FromNode) &&
			!(!r.inScope(c.FromNode) && r.ec.hasOutputs(c.FromNode)) {
			return false
		}
	}

	if n.Type == "sync" {
		mode := n.ConfigString("mode")
		if mode == "ANY" {
			return firedTriggers >= 1
		}
		return triggers > 0 && firedTriggers == triggers
	}
	if triggers == 0 {
		return true
	}
	return firedTriggers >= 1
}

func (r *run) dispatch(item readyItem) {
	r.running++
	r.state[item.node.ID] = stateRunning
	go r.exec(item)
}

// exec runs one node in its own goroutine, applying retry policy inline
// and reporting the final outcome to the scheduler.
func (r *run) exec(item readyItem) {
	n := item.node
	r.emitDebug(bus.TopicNodeStart, n, nil)

	if r.wf.Debug != nil && r.wf.Debug.Breakpoints[n.ID] {
		r.eng.publish(bus.TopicBreakpoint, map[string]any{
			"workflowId": r.wf.ID, "nodeId": n.ID,
		})
		if !r.wf.Debug.waitStep(r.ctx) {
			r.compCh <- completion{node: n, err: r.ctx.Err()}
			return
		}
		r.eng.publish(bus.TopicStep, map[string]any{
			"workflowId": r.wf.ID, "nodeId": n.ID,
		})
	}

	if r.wf.Debug != nil {
		if mock, ok := r.wf.Debug.Mocks[n.ID]; ok {
			r.compCh <- completion{node: n, outputs: mock}
			return
		}
	}

	var inputs map[string]any
	if !item.bypassGather {
		inputs = r.gather(n)
	}

	policy := n.OnError
	maxRetries := 0
	var retryDelay time.Duration
	if policy != nil && policy.Kind == graph.PolicyRetry {
		maxRetries = policy.MaxRetries
		retryDelay = time.Duration(policy.DelayMs) * time.Millisecond
	}

	var outputs map[string]any
	var err error
	for attempt := 0; ; attempt++ {
		outputs, err = r.execOnce(n, inputs)
		if err == nil || attempt >= maxRetries || r.ec.ShouldStop() {
			break
		}
		log.Warn(log.CatEngine, "Node failed, retrying",
			"workflow", r.wf.ID, "node", n.ID, "attempt", attempt+1, "error", err)
		if sleepErr := r.ec.Sleep(r.ctx, retryDelay); sleepErr != nil {
			break
		}
	}
	if err != nil && maxRetries > 0 {
		err = werr.Wrap(werr.CodeRetryExhausted, err,
			"node %s failed after %d attempts", n.ID, maxRetries+1)
	}

	r.compCh <- completion{node: n, outputs: outputs, err: err}
}

// execOnce applies the per-node timeout around a single executor call.
func (r *run) execOnce(n *graph.Node, inputs map[string]any) (map[string]any, error) {
	ctx := r.ctx
	var cancel context.CancelFunc
	if n.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	type result struct {
		outputs map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		out, err := r.execute(ctx, n, inputs)
		done <- result{out, err}
	}()

	budgetErr := func() error {
		return werr.New(werr.CodeWorkflowTimeout,
			"node %s exceeded its %dms budget", n.ID, n.TimeoutMs)
	}
	select {
	case res := <-done:
		// Executors that honor ctx return the raw deadline error; map it
		// to the budget violation it represents.
		if res.err != nil && n.TimeoutMs > 0 && ctx.Err() != nil && r.ctx.Err() == nil {
			return nil, budgetErr()
		}
		return res.outputs, res.err
	case <-ctx.Done():
		if r.ctx.Err() == nil && n.TimeoutMs > 0 {
			return nil, budgetErr()
		}
		return nil, ctx.Err()
	}
}

// execute runs the node body. Control-flow nodes that need nested
// scheduling (loops, subgraphs) are driven here, inside the node's own
// goroutine, so sibling branches stay live.
func (r *run) execute(ctx context.Context, n *graph.Node, inputs map[string]any) (map[string]any, error) {
	switch n.Type {
	case "for_loop", "while_loop":
		return r.runLoop(ctx, n)
	case "subgraph":
		return r.runSubgraph(ctx, n)
	}

	exec, ok := r.eng.reg.Executor(n.Type)
	if !ok {
		return nil, fmt.Errorf("node type %q has no executor", n.Type)
	}
	return exec(ctx, r.ec, n, inputs)
}

// gather collects input port values from completed upstream outputs.
// Declared defaults fill the ports no connection supplied.
func (r *run) gather(n *graph.Node) map[string]any {
	inputs := make(map[string]any)
	for _, c := range r.g.Incoming(n.ID) {
		dst := n.Input(c.ToPort)
		if dst == nil || dst.Type == graph.PortTrigger {
			continue
		}
		if v, ok := r.ec.output(c.FromNode, c.FromPort); ok {
			inputs[c.ToPort] = v
			r.emitDebug(bus.TopicPortValue, n, map[string]any{
				"port": c.ToPort, "value": v,
			})
		}
	}
	for i := range n.Inputs {
		p := &n.Inputs[i]
		if p.Type == graph.PortTrigger || p.Default == nil {
			continue
		}
		if _, ok := inputs[p.Name]; !ok {
			inputs[p.Name] = p.Default
		}
	}
	return inputs
}

// handle applies one completion to the scheduler state.
func (r *run) handle(c completion) {
	n := c.node

	if c.err != nil {
		r.handleFailure(c)
		return
	}

	r.state[n.ID] = stateCompleted
	if c.outputs == nil {
		c.outputs = map[string]any{}
	}
	r.ec.recordOutputs(n.ID, c.outputs)
	r.lastDone = n.ID
	r.emitDebug(bus.TopicNodeComplete, n, nil)

	if n.Checkpoint && r.checkpointAllowed() {
		r.eng.saveCheckpoint(r.wf, r.g, r.ec, r.runningIDs())
	}

	for _, port := range firedPorts(n, c.outputs) {
		for _, conn := range r.g.OutgoingFrom(n.ID, port) {
			r.fire(conn)
		}
	}
	r.enqueueEligible()
}

func (r *run) handleFailure(c completion) {
	n := c.node
	policy := n.OnError
	kind := graph.PolicyAbort
	if policy != nil {
		kind = policy.Kind
	}

	r.emitDebug(bus.TopicNodeError, n, map[string]any{"error": c.err.Error()})

	switch kind {
	case graph.PolicySkip:
		r.state[n.ID] = stateSkipped
		defaults := map[string]any{}
		if policy.Default != nil {
			defaults = policy.Default
		}
		r.ec.recordOutputs(n.ID, defaults)
		log.Warn(log.CatEngine, "Node error masked by skip policy",
			"workflow", r.wf.ID, "node", n.ID, "error", c.err)
		// Skipped nodes still trigger downstream.
		for _, port := range allTriggerPorts(n) {
			for _, conn := range r.g.OutgoingFrom(n.ID, port) {
				r.fire(conn)
			}
		}
		r.enqueueEligible()

	case graph.PolicyGoto:
		r.state[n.ID] = stateFailed
		target := r.g.NodeByID(policy.Target)
		if target == nil || !r.inScope(target.ID) {
			r.failure = werr.Wrap(werr.CodeWorkflowFailed, c.err,
				"goto target %q not available from node %s", policy.Target, n.ID)
			return
		}
		log.Warn(log.CatEngine, "Node failed, jumping",
			"workflow", r.wf.ID, "node", n.ID, "target", policy.Target, "error", c.err)
		if r.state[target.ID] == statePending {
			r.ready = append(r.ready, readyItem{node: target, bypassGather: true})
			r.state[target.ID] = stateRunning
		}

	default: // abort
		r.state[n.ID] = stateFailed
		r.failure = c.err
		log.ErrorErr(log.CatEngine, "Node failed, aborting workflow", c.err,
			"workflow", r.wf.ID, "node", n.ID)
	}
}

// runningIDs lists nodes dispatched or reserved but not yet completed, so
// a checkpoint records the work that was in flight when it was taken.
func (r *run) runningIDs() []string {
	var out []string
	for id, st := range r.state {
		if st == stateRunning {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *run) checkpointAllowed() bool {
	if r.wf.Debug != nil && len(r.wf.Debug.Mocks) > 0 {
		return false
	}
	return r.eng.deps.Store != nil && r.wf.SessionID != ""
}

func (r *run) emitDebug(topic string, n *graph.Node, extra map[string]any) {
	payload := map[string]any{"workflowId": r.wf.ID, "nodeId": n.ID}
	for k, v := range extra {
		payload[k] = v
	}
	r.eng.publish(topic, payload)
}

// firedPorts resolves which outgoing trigger ports a completed node fires:
// a branch sentinel selects one, a parallel sentinel lists several, and
// plain nodes fire every trigger output.
func firedPorts(n *graph.Node, outputs map[string]any) []string {
	if sel, ok := outputs[graph.SentinelBranch].(string); ok {
		return []string{sel}
	}
	if list, ok := outputs[graph.SentinelParallel].([]string); ok {
		return list
	}
	if list, ok := outputs[graph.SentinelParallel].([]any); ok {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return allTriggerPorts(n)
}

func allTriggerPorts(n *graph.Node) []string {
	var out []string
	for _, p := range n.Outputs {
		if p.Type == graph.PortTrigger {
			out = append(out, p.Name)
		}
	}
	return out
}
