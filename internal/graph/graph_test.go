package graph

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/werr"
)

func init() {
	log.InitWriter(io.Discard)
	log.SetEnabled(false)
}

func newTestLoader() *Loader {
	return NewLoader(NewRegistry(), 0)
}

func parse(t *testing.T, src string) (*Graph, Issues) {
	t.Helper()
	g, issues, err := newTestLoader().Parse([]byte(src))
	require.NoError(t, err)
	require.NotNil(t, g)
	return g, issues
}

func parseErr(t *testing.T, src string) Issues {
	t.Helper()
	g, issues, err := newTestLoader().Parse([]byte(src))
	require.Error(t, err)
	require.Nil(t, g)
	require.True(t, issues.HasErrors())
	return issues
}

func hasIssue(issues Issues, code string) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

const simpleGraph = `
name: simple
version: 1
parameters:
  requirement: ""
nodes:
  - id: start
    type: start
  - id: greet
    type: log
    config:
      message: "hello {{ params.requirement }}"
    inputs:
      - port: in
        from: start.out
  - id: done
    type: end
    inputs:
      - port: in
        from: greet.out
`

func TestParse_SimpleGraph(t *testing.T) {
	g, issues := parse(t, simpleGraph)
	require.Empty(t, issues)
	require.Equal(t, "simple", g.Name)
	require.Len(t, g.Nodes, 3)
	require.Len(t, g.Connections, 2)

	greet := g.NodeByID("greet")
	require.NotNil(t, greet)
	// Registry default ports are interned onto the instance.
	require.NotNil(t, greet.Input("in"))
	require.NotNil(t, greet.Output("out"))
	require.Equal(t, PortTrigger, greet.Input("in").Type)

	require.Equal(t, "start", g.Start().ID)
	require.Len(t, g.Incoming("done"), 1)
	require.Len(t, g.OutgoingFrom("start", "out"), 1)
}

func TestParse_ExplicitConnections(t *testing.T) {
	g, issues := parse(t, `
name: explicit
nodes:
  - id: start
    type: start
  - id: done
    type: end
connections:
  - id: c1
    from: start.out
    to: done.in
`)
	require.Empty(t, issues)
	require.Equal(t, "c1", g.Connections[0].ID)
}

func TestParse_DuplicateNodeID(t *testing.T) {
	issues := parseErr(t, `
name: dup
nodes:
  - id: start
    type: start
  - id: start
    type: start
`)
	require.True(t, hasIssue(issues, "duplicate_node"))
}

func TestParse_StartCount(t *testing.T) {
	issues := parseErr(t, `
name: nostart
nodes:
  - id: done
    type: end
`)
	require.True(t, hasIssue(issues, "start_count"))
}

func TestParse_UnknownType(t *testing.T) {
	issues := parseErr(t, `
name: bad
nodes:
  - id: start
    type: start
  - id: x
    type: teleport
`)
	require.True(t, hasIssue(issues, "unknown_type"))
}

func TestParse_MissingPort(t *testing.T) {
	issues := parseErr(t, `
name: badport
nodes:
  - id: start
    type: start
  - id: done
    type: end
    inputs:
      - port: in
        from: start.nope
`)
	require.True(t, hasIssue(issues, "missing_port"))
}

func TestParse_PortCompatibility(t *testing.T) {
	// trigger into a string port is a hard error.
	issues := parseErr(t, `
name: mismatch
nodes:
  - id: start
    type: start
  - id: s
    type: script
    config: {code: "1"}
    ports:
      inputs:
        - {name: text, type: string}
    inputs:
      - port: text
        from: start.out
`)
	require.True(t, hasIssue(issues, "port_mismatch"))

	// string into number is a coercion warning, not an error.
	_, warns := parse(t, `
name: coerce
nodes:
  - id: start
    type: start
  - id: a
    type: script
    config: {code: "'5'"}
    ports:
      outputs:
        - {name: text, type: string}
    inputs:
      - port: in
        from: start.out
  - id: b
    type: script
    config: {code: "1"}
    ports:
      inputs:
        - {name: n, type: number}
    inputs:
      - port: in
        from: a.out
      - port: n
        from: a.text
`)
	require.True(t, hasIssue(warns, "port_coercion"))
	require.False(t, warns.HasErrors())
}

func TestParse_DynamicPortsPolicy(t *testing.T) {
	// log does not permit extra ports.
	issues := parseErr(t, `
name: static
nodes:
  - id: start
    type: start
  - id: l
    type: log
    config: {message: x}
    ports:
      outputs:
        - {name: extra, type: string}
    inputs:
      - port: in
        from: start.out
`)
	require.True(t, hasIssue(issues, "static_ports"))

	// parallel does.
	g, issues := parse(t, `
name: dynamic
nodes:
  - id: start
    type: start
  - id: p
    type: parallel
    ports:
      outputs:
        - {name: left, type: trigger}
        - {name: right, type: trigger}
    inputs:
      - port: in
        from: start.out
  - id: l
    type: end
    inputs: [{port: in, from: p.left}]
  - id: r
    type: end
    inputs: [{port: in, from: p.right}]
`)
	require.False(t, issues.HasErrors())
	require.NotNil(t, g.NodeByID("p").Output("left"))
}

func TestParse_RequiredInputPort(t *testing.T) {
	// A required data input with no connection and no default is an error.
	issues := parseErr(t, `
name: needy
nodes:
  - id: start
    type: start
  - id: s
    type: script
    config: {code: "1"}
    ports:
      inputs:
        - {name: text, type: string, required: true}
    inputs:
      - port: in
        from: start.out
`)
	require.True(t, hasIssue(issues, "required_port_unconnected"))

	// A declared default satisfies the requirement.
	g, issues := parse(t, `
name: defaulted
nodes:
  - id: start
    type: start
  - id: s
    type: script
    config: {code: "1"}
    ports:
      inputs:
        - {name: text, type: string, required: true, default: fallback}
    inputs:
      - port: in
        from: start.out
  - id: done
    type: end
    inputs: [{port: in, from: s.out}]
`)
	require.False(t, issues.HasErrors(), "%v", issues)
	port := g.NodeByID("s").Input("text")
	require.True(t, port.Required)
	require.Equal(t, "fallback", port.Default)
}

func TestParse_PortFanIn(t *testing.T) {
	// Two connections into one data port warn unless the port opts in.
	src := `
name: fanin
nodes:
  - id: start
    type: start
  - id: a
    type: script
    config: {code: "1"}
    inputs: [{port: in, from: start.out}]
  - id: b
    type: script
    config: {code: "2"}
    inputs: [{port: in, from: start.out}]
  - id: c
    type: script
    config: {code: "n"}
    ports:
      inputs:
        - {name: n, type: any%s}
    inputs:
      - {port: in, from: a.out}
      - {port: n, from: a.value}
      - {port: n, from: b.value}
  - id: done
    type: end
    inputs: [{port: in, from: c.out}]
`
	_, issues := parse(t, fmt.Sprintf(src, ""))
	require.False(t, issues.HasErrors(), "%v", issues)
	require.True(t, hasIssue(issues, "port_fanin"))

	_, issues = parse(t, fmt.Sprintf(src, ", allowMultiple: true"))
	require.False(t, hasIssue(issues, "port_fanin"))
}

func TestParse_RequiredConfig(t *testing.T) {
	issues := parseErr(t, `
name: noconfig
nodes:
  - id: start
    type: start
  - id: cond
    type: if
    inputs:
      - port: in
        from: start.out
`)
	require.True(t, hasIssue(issues, "missing_config"))
}

func TestParse_ConfigValidator(t *testing.T) {
	issues := parseErr(t, `
name: badmode
nodes:
  - id: start
    type: start
  - id: join
    type: sync
    config: {mode: SOME}
    ports:
      inputs:
        - {name: a, type: trigger}
    inputs:
      - port: a
        from: start.out
`)
	require.True(t, hasIssue(issues, "config_invalid"))
}

func TestParse_CycleRejected(t *testing.T) {
	issues := parseErr(t, `
name: loopy
nodes:
  - id: start
    type: start
  - id: a
    type: agent_bench
    inputs:
      - port: in
        from: start.out
  - id: b
    type: agent_bench
    inputs:
      - port: in
        from: a.out
connections:
  - from: b.out
    to: a.in
`)
	require.True(t, hasIssue(issues, "cycle"))
}

func TestParse_UnreachableWarning(t *testing.T) {
	_, issues := parse(t, `
name: island
nodes:
  - id: start
    type: start
  - id: done
    type: end
    inputs:
      - port: in
        from: start.out
  - id: stranded
    type: log
    config: {message: x}
  - id: remark
    type: note
    config: {text: "annotations are exempt"}
`)
	require.False(t, issues.HasErrors())
	require.True(t, hasIssue(issues, "unreachable"))
	for _, i := range issues {
		require.NotEqual(t, "remark", i.NodeID)
	}
}

func TestLoad_SubgraphDepthBound(t *testing.T) {
	// Each level references the next; depth 4 against a bound of 3.
	files := map[string]string{}
	for i := 1; i <= 4; i++ {
		next := ""
		if i < 4 {
			next = fmt.Sprintf(`
  - id: sub
    type: subgraph
    config: {path: level%d}
    inputs: [{port: in, from: start.out}]
  - id: done
    type: end
    inputs: [{port: in, from: sub.out}]`, i+1)
		} else {
			next = `
  - id: done
    type: end
    inputs: [{port: in, from: start.out}]`
		}
		files[fmt.Sprintf("level%d", i)] = fmt.Sprintf("name: level%d\nnodes:\n  - id: start\n    type: start%s\n", i, next)
	}

	loader := NewLoader(NewRegistry(), 3).WithOpener(func(path string) ([]byte, error) {
		src, ok := files[path]
		if !ok {
			return nil, fmt.Errorf("no such graph %q", path)
		}
		return []byte(src), nil
	})

	_, issues, err := loader.Load("level1")
	require.Error(t, err)
	require.Equal(t, werr.CodeSubgraphTooDeep, werr.CodeOf(err))
	require.True(t, hasIssue(issues, "subgraph_too_deep"))
}

func TestLoad_SubgraphCycle(t *testing.T) {
	files := map[string]string{
		"a": "name: a\nnodes:\n  - id: start\n    type: start\n  - id: sub\n    type: subgraph\n    config: {path: b}\n    inputs: [{port: in, from: start.out}]\n",
		"b": "name: b\nnodes:\n  - id: start\n    type: start\n  - id: sub\n    type: subgraph\n    config: {path: a}\n    inputs: [{port: in, from: start.out}]\n",
	}
	loader := newTestLoader().WithOpener(func(path string) ([]byte, error) {
		return []byte(files[path]), nil
	})

	_, issues, err := loader.Load("a")
	require.Error(t, err)
	require.True(t, hasIssue(issues, "subgraph_cycle"))
}

func TestTemplates_AllValid(t *testing.T) {
	names := TemplateNames()
	require.ElementsMatch(t, []string{"planning", "revision", "execute", "single-task"}, names)

	loader := newTestLoader()
	for _, name := range names {
		g, issues, err := loader.Load(name)
		require.NoError(t, err, "template %s", name)
		require.False(t, issues.HasErrors(), "template %s: %v", name, issues)
		require.NotNil(t, g.Start(), "template %s", name)
	}
}

func TestDump_RoundTrip(t *testing.T) {
	loader := newTestLoader()
	g1, _, err := loader.Parse([]byte(simpleGraph))
	require.NoError(t, err)

	out, err := loader.Dump(g1)
	require.NoError(t, err)

	g2, issues, err := loader.Parse(out)
	require.NoError(t, err)
	require.False(t, issues.HasErrors())
	require.Equal(t, g1.Name, g2.Name)
	require.Len(t, g2.Nodes, len(g1.Nodes))
	require.Len(t, g2.Connections, len(g1.Connections))
	require.Equal(t, "hello {{ params.requirement }}", g2.NodeByID("greet").ConfigString("message"))
}

func TestCompatible_Matrix(t *testing.T) {
	cases := []struct {
		from, to PortType
		ok, warn bool
	}{
		{PortAny, PortTrigger, true, false}, // any matches anything, trigger included
		{PortTrigger, PortTrigger, true, false},
		{PortTrigger, PortString, false, false},
		{PortString, PortTrigger, false, false},
		{PortString, PortString, true, false},
		{PortString, PortNumber, true, true},
		{PortNumber, PortBoolean, true, true},
		{PortObject, PortArray, true, true},
		{PortArray, PortObject, true, true},
		{PortObject, PortString, false, false},
		{PortAgent, PortAgent, true, false},
		{PortAgent, PortString, false, false},
		{PortAny, PortObject, true, false},
	}
	for _, tc := range cases {
		ok, warn := Compatible(tc.from, tc.to)
		require.Equal(t, tc.ok, ok, "%s -> %s", tc.from, tc.to)
		require.Equal(t, tc.warn, warn, "%s -> %s", tc.from, tc.to)
	}
}
