package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/expr"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/werr"
)

// bindExecutors attaches node behavior to the registry. for_loop,
// while_loop, and subgraph are driven by the scheduler itself and stay
// unbound here.
func (e *Engine) bindExecutors() {
	mustBind := func(name string, exec graph.Executor) {
		if err := e.reg.Bind(name, exec); err != nil {
			panic(err)
		}
	}

	mustBind("start", execNoop)
	mustBind("end", execNoop)
	mustBind("sync", execNoop)
	mustBind("agent_bench", execNoop)
	mustBind("if", execIf)
	mustBind("switch", execSwitch)
	mustBind("parallel", execParallel)
	mustBind("agent_request", execAgentRequest)
	mustBind("agentic_work", execAgenticWork)
	mustBind("agent_release", execAgentRelease)
	mustBind("script", execScript)
	mustBind("log", execLog)
	mustBind("variable_set", execVariableSet)
	mustBind("variable_get", execVariableGet)
	mustBind("event", e.execEvent)
	mustBind("command", execCommand)
	mustBind("delay", execDelay)
	mustBind("wait_event", execWaitEvent)
}

func execNoop(_ context.Context, _ graph.ExecContext, _ *graph.Node, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func execIf(_ context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	v, err := ec.Eval(n.ConfigString("condition"))
	if err != nil {
		return nil, err
	}
	branch := "false"
	if expr.Truthy(v) {
		branch = "true"
	}
	return map[string]any{graph.SentinelBranch: branch}, nil
}

func execSwitch(_ context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	v, err := ec.Eval(n.ConfigString("expression"))
	if err != nil {
		return nil, err
	}
	val := expr.Stringify(v)

	branch := "default"
	if cases, ok := n.Config["cases"].([]any); ok {
		for _, c := range cases {
			if s, ok := c.(string); ok && s == val && n.Output(s) != nil {
				branch = s
				break
			}
		}
	}
	return map[string]any{
		"value":              val,
		graph.SentinelBranch: branch,
	}, nil
}

func execParallel(_ context.Context, _ graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	return map[string]any{
		graph.SentinelParallel: allTriggerPorts(n),
	}, nil
}

func execAgentRequest(ctx context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	role, err := ec.Render(n.ConfigString("role"))
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(n.ConfigInt("timeoutMs", 0)) * time.Millisecond

	name, err := ec.RequestAgent(ctx, role, timeout)
	if err != nil {
		return nil, err
	}
	if seat := n.ConfigInt("seat", 0); seat > 0 {
		ec.BenchSet(seat, name)
	}
	return map[string]any{"agent": name}, nil
}

func execAgenticWork(ctx context.Context, ec graph.ExecContext, n *graph.Node, inputs map[string]any) (map[string]any, error) {
	agent, err := resolveAgent(ec, n, inputs)
	if err != nil {
		return nil, err
	}

	prompt, err := ec.Render(n.ConfigString("prompt"))
	if err != nil {
		return nil, err
	}
	stage := n.ConfigString("stage")
	timeout := time.Duration(n.ConfigInt("timeoutMs", 0)) * time.Millisecond

	reply, err := ec.RunAgentTask(ctx, agent, prompt, stage, timeout)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{"reply": reply}
	if n.ConfigBool("parse") {
		parsed, perr := parseReply(reply)
		if perr != nil {
			return nil, werr.Wrap(werr.CodeParseError, perr,
				"node %s: agent %s reply is not parseable", n.ID, agent)
		}
		outputs["parsed"] = parsed
	}
	if n.ConfigBool("release") {
		ec.ReleaseAgent(agent, false)
		if seat := n.ConfigInt("seat", 0); seat > 0 {
			ec.BenchRemove(seat)
		}
	}
	return outputs, nil
}

// resolveAgent finds the agent for a work node: the agent input port wins,
// then the configured bench seat.
func resolveAgent(ec graph.ExecContext, n *graph.Node, inputs map[string]any) (string, error) {
	if name, ok := inputs["agent"].(string); ok && name != "" {
		return name, nil
	}
	if seat := n.ConfigInt("seat", 0); seat > 0 {
		if name, ok := ec.BenchGet(seat); ok {
			return name, nil
		}
		return "", fmt.Errorf("node %s: bench seat %d is empty", n.ID, seat)
	}
	return "", fmt.Errorf("node %s: no agent wired or seated", n.ID)
}

// parseReply extracts structured data from an agent reply: the whole text
// if it is JSON, otherwise the last line that parses as a JSON object.
// Stream-JSON backends emit one object per line, so the last object wins.
func parseReply(reply string) (any, error) {
	trimmed := strings.TrimSpace(reply)
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v, nil
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("no JSON found in %d bytes of reply", len(reply))
}

func execAgentRelease(_ context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	seat := n.ConfigInt("seat", 0)
	name, ok := ec.BenchGet(seat)
	if !ok {
		return nil, fmt.Errorf("node %s: bench seat %d is empty", n.ID, seat)
	}
	ec.ReleaseAgent(name, false)
	ec.BenchRemove(seat)
	return map[string]any{}, nil
}

func execScript(_ context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	v, err := ec.Eval(n.ConfigString("code"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": v}, nil
}

func execLog(_ context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	msg, err := ec.Render(n.ConfigString("message"))
	if err != nil {
		return nil, err
	}
	ec.Log(msg)
	return map[string]any{}, nil
}

func execVariableSet(_ context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	name := n.ConfigString("name")

	var v any
	var err error
	switch {
	case n.ConfigString("valueExpr") != "":
		v, err = ec.Eval(n.ConfigString("valueExpr"))
	default:
		v = n.Config["value"]
		if s, ok := v.(string); ok {
			v, err = ec.Render(s)
		}
	}
	if err != nil {
		return nil, err
	}
	ec.SetVar(name, v)
	return map[string]any{}, nil
}

func execVariableGet(_ context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	v, _ := ec.Var(n.ConfigString("name"))
	return map[string]any{"value": v}, nil
}

// execEvent multiplexes the daemon-facing actions a workflow can take:
// emitting bus events, reading session artifacts, and ad-hoc pool calls.
// It is a method so artifact reads can reach the store directly.
func (e *Engine) execEvent(ctx context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	action := n.ConfigString("action")
	switch action {
	case "emit":
		topic, err := ec.Render(n.ConfigString("topic"))
		if err != nil {
			return nil, err
		}
		payload := map[string]any{}
		if raw, ok := n.Config["payload"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					rendered, err := ec.Render(s)
					if err != nil {
						return nil, err
					}
					payload[k] = rendered
					continue
				}
				payload[k] = v
			}
		}
		ec.Emit(topic, payload)
		return map[string]any{}, nil

	case "read_plan":
		return e.readPlan(ec)

	case "read_tasks":
		data, err := ec.ReadFile("tasks.json")
		if err != nil {
			return nil, err
		}
		var tasks any
		if err := json.Unmarshal(data, &tasks); err != nil {
			return nil, werr.Wrap(werr.CodeParseError, err, "decoding tasks.json")
		}
		return map[string]any{"result": tasks}, nil

	case "read_context":
		data, err := ec.ReadFile("progress.log")
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": string(data)}, nil

	case "request_agent":
		role, err := ec.Render(n.ConfigString("role"))
		if err != nil {
			return nil, err
		}
		name, err := ec.RequestAgent(ctx, role, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": name}, nil

	case "release_agent":
		agent, err := ec.Render(n.ConfigString("agent"))
		if err != nil {
			return nil, err
		}
		ec.ReleaseAgent(agent, false)
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("node %s: unknown event action %q", n.ID, action)
}

// readPlan resolves the session's current plan version and returns its
// markdown body.
func (e *Engine) readPlan(ec graph.ExecContext) (map[string]any, error) {
	exec, ok := ec.(*execContext)
	if !ok || e.deps.Store == nil || exec.sessionID == "" {
		return nil, fmt.Errorf("read_plan needs a session-bound run")
	}
	sess, err := e.deps.Store.GetSession(exec.sessionID)
	if err != nil {
		return nil, err
	}
	current := sess.CurrentPlan()
	if current == nil {
		return nil, werr.New(werr.CodePlanNotFound, "session %s has no plan yet", exec.sessionID)
	}
	body, err := e.deps.Store.ReadPlan(exec.sessionID, current.Version)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"result":  string(body),
		"version": float64(current.Version),
	}, nil
}

func execCommand(ctx context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	argv, err := commandArgv(ec, n)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(n.ConfigInt("timeoutMs", 0)) * time.Millisecond

	stdout, stderr, code, err := ec.RunCommand(ctx, argv, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stdout": stdout,
		"stderr": stderr,
		"code":   float64(code),
	}, nil
}

// commandArgv accepts a shell string or an argv list; templates render in
// either form.
func commandArgv(ec graph.ExecContext, n *graph.Node) ([]string, error) {
	switch cmd := n.Config["command"].(type) {
	case string:
		rendered, err := ec.Render(cmd)
		if err != nil {
			return nil, err
		}
		return []string{"/bin/sh", "-c", rendered}, nil
	case []any:
		argv := make([]string, 0, len(cmd))
		for _, raw := range cmd {
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("node %s: command argv must be strings", n.ID)
			}
			rendered, err := ec.Render(s)
			if err != nil {
				return nil, err
			}
			argv = append(argv, rendered)
		}
		return argv, nil
	}
	return nil, fmt.Errorf("node %s: command must be a string or argv list", n.ID)
}

func execDelay(ctx context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	d := time.Duration(n.ConfigInt("durationMs", 0)) * time.Millisecond
	if err := ec.Sleep(ctx, d); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func execWaitEvent(ctx context.Context, ec graph.ExecContext, n *graph.Node, _ map[string]any) (map[string]any, error) {
	topic, err := ec.Render(n.ConfigString("topic"))
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(n.ConfigInt("timeoutMs", 0)) * time.Millisecond

	ev, err := ec.WaitEvent(ctx, topic, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"event": ev}, nil
}
