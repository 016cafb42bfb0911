package engine

import (
	"context"
	"fmt"

	"github.com/weftworks/weft/internal/expr"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/werr"
)

const defaultMaxIterations = 100

// bodyNodes collects the loop-body subtree: everything reachable from the
// loop's body port, following connections forward.
func (r *run) bodyNodes(n *graph.Node) map[string]bool {
	body := make(map[string]bool)
	var queue []string
	for _, c := range r.g.OutgoingFrom(n.ID, "body") {
		queue = append(queue, c.ToNode)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if body[id] || id == n.ID {
			continue
		}
		body[id] = true
		for _, c := range r.g.Outgoing(id) {
			queue = append(queue, c.ToNode)
		}
	}
	return body
}

// runLoop drives for_loop and while_loop nodes. Each iteration schedules
// the body subtree as a fresh nested run, so per-iteration node state
// resets naturally while sibling branches of the parent keep running.
func (r *run) runLoop(ctx context.Context, n *graph.Node) (map[string]any, error) {
	body := r.bodyNodes(n)

	if n.Type == "while_loop" {
		return r.runWhile(ctx, n, body)
	}
	return r.runFor(ctx, n, body)
}

func (r *run) runFor(ctx context.Context, n *graph.Node, body map[string]bool) (map[string]any, error) {
	items, err := r.loopItems(n)
	if err != nil {
		return nil, err
	}

	resultExpr := n.ConfigString("result")
	results := make([]any, 0, len(items))
	var lastItem any
	lastIndex := -1

	for i, item := range items {
		if r.ec.ShouldStop() || ctx.Err() != nil {
			break
		}
		lastItem, lastIndex = item, i
		bodyOut, err := r.runIteration(ctx, n, body, map[string]any{
			"item":  item,
			"index": float64(i),
		})
		if err != nil {
			return nil, err
		}

		collected := collapseResult(bodyOut, item)
		if resultExpr != "" {
			v, err := r.ec.Eval(resultExpr)
			if err != nil {
				return nil, werr.Wrap(werr.CodeExpressionError, err,
					"collecting result of loop %s iteration %d", n.ID, i)
			}
			collected = v
		}
		results = append(results, collected)
	}

	return map[string]any{
		"results":            results,
		"item":               lastItem,
		"index":              float64(lastIndex),
		graph.SentinelBranch: "done",
	}, nil
}

func (r *run) runWhile(ctx context.Context, n *graph.Node, body map[string]bool) (map[string]any, error) {
	cond := n.ConfigString("condition")
	max := n.ConfigInt("maxIterations", defaultMaxIterations)

	i := 0
	for ; i < max; i++ {
		if r.ec.ShouldStop() || ctx.Err() != nil {
			break
		}
		keep, err := expr.EvalBool(cond, r.ec.env(), 0)
		if err != nil {
			return nil, err
		}
		if !keep {
			break
		}
		if _, err := r.runIteration(ctx, n, body, map[string]any{
			"iteration": float64(i),
		}); err != nil {
			return nil, err
		}
	}
	if i == max {
		log.Warn(log.CatEngine, "While loop hit its iteration bound",
			"workflow", r.wf.ID, "node", n.ID, "max", max)
	}

	return map[string]any{
		"iteration":          float64(i),
		graph.SentinelBranch: "done",
	}, nil
}

// runIteration resets the body subtree, exposes the iteration scalars as
// loop outputs and bare variables, and runs the body to quiescence. It
// returns the outputs of the last body node that completed, which is what
// a for_loop collects when no result expression overrides it.
func (r *run) runIteration(ctx context.Context, n *graph.Node, body map[string]bool, scalars map[string]any) (map[string]any, error) {
	r.ec.reset(body)
	r.ec.stageOutputs(n.ID, scalars)
	for name, v := range scalars {
		r.ec.SetVar(name, v)
	}

	sub := newRun(r.eng, ctx, r.wf, r.g, r.ec, body, r.depth)
	for _, c := range r.g.OutgoingFrom(n.ID, "body") {
		sub.fire(c)
	}
	if err := sub.loop(); err != nil {
		return nil, err
	}
	if sub.lastDone == "" {
		return nil, nil
	}
	return r.ec.outputsOf(sub.lastDone), nil
}

// collapseResult reduces the last body node's outputs to the value a
// for_loop collects: a sole port collapses to its value, an "out" port
// wins over siblings, and an empty body falls back to the loop item.
func collapseResult(outputs map[string]any, fallback any) any {
	if len(outputs) == 0 {
		return fallback
	}
	if v, ok := outputs["out"]; ok {
		return v
	}
	if len(outputs) == 1 {
		for _, v := range outputs {
			return v
		}
	}
	return outputs
}

// loopItems resolves the for_loop iteration source: an items expression
// yielding an array, or a count.
func (r *run) loopItems(n *graph.Node) ([]any, error) {
	if src := n.ConfigString("items"); src != "" {
		v, err := r.ec.Eval(src)
		if err != nil {
			return nil, err
		}
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("loop %s: items expression yielded %T, want array", n.ID, v)
		}
		return items, nil
	}

	count := n.ConfigInt("count", -1)
	if count < 0 {
		if src := n.ConfigString("count"); src != "" {
			v, err := r.ec.Eval(src)
			if err != nil {
				return nil, err
			}
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("loop %s: count expression yielded %T, want number", n.ID, v)
			}
			count = int(f)
		}
	}
	if count < 0 {
		return nil, fmt.Errorf("loop %s: neither items nor count configured", n.ID)
	}

	items := make([]any, count)
	for i := range items {
		items[i] = float64(i)
	}
	return items, nil
}

// runSubgraph loads and executes a nested graph in an isolated context.
// Parameters flow down; variables flow down only with inheritVariables.
// The child's final variables come back as the result output.
func (r *run) runSubgraph(ctx context.Context, n *graph.Node) (map[string]any, error) {
	if r.eng.maxDepth > 0 && r.depth+1 > r.eng.maxDepth {
		return nil, werr.New(werr.CodeSubgraphTooDeep,
			"subgraph %s exceeds nesting bound %d", n.ID, r.eng.maxDepth)
	}

	path := n.ConfigString("path")
	child, issues, err := r.eng.loader.Load(path)
	if err != nil {
		return nil, werr.Wrap(werr.CodeOf(err), err, "loading subgraph %q for node %s", path, n.ID)
	}
	for _, issue := range issues {
		log.Warn(log.CatEngine, "Subgraph validation warning",
			"workflow", r.wf.ID, "node", n.ID, "code", issue.Code, "detail", issue.Message)
	}

	childEC := newExecContext(r.wf.ID+"/"+n.ID, r.ec.sessionID, r.ec.params, r.eng.deps)
	if n.ConfigBool("inheritVariables") {
		for k, v := range r.ec.snapshotVars() {
			childEC.SetVar(k, v)
		}
	}
	stop := context.AfterFunc(ctx, func() { childEC.cancelled.Store(true) })
	defer stop()

	sub := newRun(r.eng, ctx, r.wf, child, childEC, nil, r.depth+1)
	if err := sub.loop(); err != nil {
		return nil, err
	}

	return map[string]any{
		"result": childEC.snapshotVars(),
	}, nil
}
