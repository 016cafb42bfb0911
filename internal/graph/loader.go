package graph

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/werr"
)

// DefaultMaxSubgraphDepth bounds subgraph nesting when the loader is built
// without an explicit limit.
const DefaultMaxSubgraphDepth = 8

// document is the on-disk shape of a graph file.
type document struct {
	Name        string          `yaml:"name"`
	Version     int             `yaml:"version"`
	Parameters  map[string]any  `yaml:"parameters"`
	Variables   map[string]any  `yaml:"variables"`
	Nodes       []docNode       `yaml:"nodes"`
	Connections []docConnection `yaml:"connections"`
}

type docNode struct {
	ID         string         `yaml:"id"`
	Type       string         `yaml:"type"`
	Name       string         `yaml:"name"`
	Config     map[string]any `yaml:"config"`
	Ports      docPorts       `yaml:"ports"`
	Inputs     []docInputRef  `yaml:"inputs"`
	OnError    *ErrorPolicy   `yaml:"onError"`
	TimeoutMs  int            `yaml:"timeoutMs"`
	Checkpoint bool           `yaml:"checkpoint"`
}

type docPorts struct {
	Inputs  []Port `yaml:"inputs"`
	Outputs []Port `yaml:"outputs"`
}

// docInputRef is the inline connection form: a target port fed from
// "node.port".
type docInputRef struct {
	Port string `yaml:"port"`
	From string `yaml:"from"`
}

type docConnection struct {
	ID   string `yaml:"id"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Loader parses and validates graph documents.
type Loader struct {
	reg      *Registry
	maxDepth int
	// open resolves a graph path to its bytes. The default checks the
	// embedded template library first, then the filesystem.
	open func(path string) ([]byte, error)
}

// NewLoader builds a loader over the given registry. maxDepth <= 0 uses
// the default subgraph nesting bound.
func NewLoader(reg *Registry, maxDepth int) *Loader {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxSubgraphDepth
	}
	l := &Loader{reg: reg, maxDepth: maxDepth}
	l.open = func(path string) ([]byte, error) {
		if data, ok := Template(path); ok {
			return data, nil
		}
		return os.ReadFile(path) //nolint:gosec // G304: graph paths come from workflow config
	}
	return l
}

// WithOpener replaces the path resolver, for tests and sandboxed setups.
func (l *Loader) WithOpener(open func(path string) ([]byte, error)) *Loader {
	l.open = open
	return l
}

// Load reads, parses, and validates the graph at path, following subgraph
// references to enforce the nesting bound.
func (l *Loader) Load(path string) (*Graph, Issues, error) {
	data, err := l.open(path)
	if err != nil {
		return nil, nil, werr.Wrap(werr.CodeIOError, err, "reading graph %s", path)
	}
	g, issues, err := l.Parse(data)
	if err != nil {
		return nil, issues, err
	}
	issues = append(issues, l.checkSubgraphs(g, map[string]bool{path: true}, 1)...)
	if issues.HasErrors() {
		for _, issue := range issues {
			if issue.Code == "subgraph_too_deep" {
				return nil, issues, werr.New(werr.CodeSubgraphTooDeep, "%s", issue.Message)
			}
		}
		return nil, issues, werr.New(werr.CodeValidation, "graph %s has %d error(s)", path, len(issues.Errors()))
	}
	return g, issues, nil
}

// Parse interns and validates one graph document.
func (l *Loader) Parse(data []byte) (*Graph, Issues, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, werr.Wrap(werr.CodeValidation, err, "parsing graph document")
	}

	g := &Graph{
		Name:       doc.Name,
		Version:    doc.Version,
		Parameters: doc.Parameters,
		Variables:  doc.Variables,
	}

	var issues Issues
	for i := range doc.Nodes {
		n, nodeIssues := l.intern(&doc.Nodes[i])
		issues = append(issues, nodeIssues...)
		if n != nil {
			g.Nodes = append(g.Nodes, n)
		}
	}
	g.index()

	issues = append(issues, l.resolveConnections(g, &doc)...)
	issues = append(issues, l.validate(g)...)

	if issues.HasErrors() {
		return nil, issues, werr.New(werr.CodeValidation, "graph %q has %d error(s)", doc.Name, len(issues.Errors()))
	}
	log.Debug(log.CatGraph, "Graph parsed", "name", g.Name, "nodes", len(g.Nodes), "warnings", len(issues))
	return g, issues, nil
}

// intern builds a node instance: registry default ports plus any
// document-declared extras when the definition allows them.
func (l *Loader) intern(dn *docNode) (*Node, Issues) {
	var issues Issues
	if dn.ID == "" {
		return nil, Issues{{Level: LevelError, Code: "missing_id", Message: "node without an id"}}
	}

	def, known := l.reg.Lookup(dn.Type)
	if !known {
		return nil, Issues{{Level: LevelError, Code: "unknown_type", NodeID: dn.ID,
			Message: fmt.Sprintf("node type %q is not registered", dn.Type)}}
	}

	n := &Node{
		ID:         dn.ID,
		Type:       dn.Type,
		Name:       dn.Name,
		Config:     dn.Config,
		Inputs:     append([]Port(nil), def.Inputs...),
		Outputs:    append([]Port(nil), def.Outputs...),
		OnError:    dn.OnError,
		TimeoutMs:  dn.TimeoutMs,
		Checkpoint: dn.Checkpoint,
	}
	if n.Config == nil {
		n.Config = map[string]any{}
	}

	extra := len(dn.Ports.Inputs) + len(dn.Ports.Outputs)
	if extra > 0 && !def.DynamicPorts {
		issues = append(issues, Issue{Level: LevelError, Code: "static_ports", NodeID: dn.ID,
			Message: fmt.Sprintf("node type %q does not permit additional ports", dn.Type)})
	} else {
		for _, p := range dn.Ports.Inputs {
			issues = append(issues, checkPortDecl(dn.ID, p)...)
			n.Inputs = append(n.Inputs, p)
		}
		for _, p := range dn.Ports.Outputs {
			issues = append(issues, checkPortDecl(dn.ID, p)...)
			n.Outputs = append(n.Outputs, p)
		}
	}
	return n, issues
}

func checkPortDecl(nodeID string, p Port) Issues {
	var issues Issues
	if p.Name == "" {
		issues = append(issues, Issue{Level: LevelError, Code: "bad_port", NodeID: nodeID,
			Message: "port without a name"})
	}
	if !knownPortTypes[p.Type] {
		issues = append(issues, Issue{Level: LevelError, Code: "bad_port", NodeID: nodeID,
			Message: fmt.Sprintf("port %q has unknown type %q", p.Name, p.Type)})
	}
	return issues
}

// resolveConnections merges explicit connection entries with inline
// inputs[].from references.
func (l *Loader) resolveConnections(g *Graph, doc *document) Issues {
	var issues Issues

	addConn := func(id, from, to string) {
		fromNode, fromPort, okFrom := splitRef(from)
		toNode, toPort, okTo := splitRef(to)
		if !okFrom || !okTo {
			issues = append(issues, Issue{Level: LevelError, Code: "bad_connection",
				Message: fmt.Sprintf("connection endpoints must be node.port, got %q -> %q", from, to)})
			return
		}
		if id == "" {
			id = from + "->" + to
		}
		g.Connections = append(g.Connections, &Connection{
			ID: id, FromNode: fromNode, FromPort: fromPort, ToNode: toNode, ToPort: toPort,
		})
	}

	for _, c := range doc.Connections {
		addConn(c.ID, c.From, c.To)
	}
	for _, dn := range doc.Nodes {
		for _, in := range dn.Inputs {
			if in.Port == "" || in.From == "" {
				issues = append(issues, Issue{Level: LevelError, Code: "bad_connection", NodeID: dn.ID,
					Message: "inline input needs both port and from"})
				continue
			}
			addConn("", in.From, dn.ID+"."+in.Port)
		}
	}
	return issues
}

func splitRef(ref string) (node, port string, ok bool) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}

// checkSubgraphs loads every referenced subgraph, bounding nesting depth
// and rejecting reference cycles.
func (l *Loader) checkSubgraphs(g *Graph, seen map[string]bool, depth int) Issues {
	var issues Issues
	for _, n := range g.Nodes {
		if n.Type != "subgraph" {
			continue
		}
		path := n.ConfigString("path")
		if seen[path] {
			issues = append(issues, Issue{Level: LevelError, Code: "subgraph_cycle", NodeID: n.ID,
				Message: fmt.Sprintf("subgraph %q references itself", path)})
			continue
		}
		if depth+1 > l.maxDepth {
			issues = append(issues, Issue{Level: LevelError, Code: "subgraph_too_deep", NodeID: n.ID,
				Message: fmt.Sprintf("subgraph nesting exceeds %d", l.maxDepth)})
			continue
		}

		data, err := l.open(path)
		if err != nil {
			issues = append(issues, Issue{Level: LevelError, Code: "subgraph_missing", NodeID: n.ID,
				Message: fmt.Sprintf("subgraph %q: %v", path, err)})
			continue
		}
		sub, subIssues, err := l.Parse(data)
		issues = append(issues, subIssues.Errors()...)
		if err != nil || sub == nil {
			continue
		}
		seen[path] = true
		issues = append(issues, l.checkSubgraphs(sub, seen, depth+1)...)
		delete(seen, path)
	}
	return issues
}
