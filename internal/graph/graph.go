// Package graph defines workflow node types, parses graph documents, and
// validates them before execution. The registry describes what each node
// type looks like; executors are bound separately by the engine.
package graph

import (
	"fmt"
)

// Sentinel output keys interpreted by the engine. They control flow and
// never appear in persisted port data.
const (
	SentinelBranch   = "__branch__"
	SentinelParallel = "__parallel__"
	SentinelSync     = "__sync__"
	SentinelLoop     = "__loop__"
	SentinelSubgraph = "__subgraph__"
)

// Error policy kinds, per node.
const (
	PolicyAbort = "abort"
	PolicyRetry = "retry"
	PolicySkip  = "skip"
	PolicyGoto  = "goto"
)

// ErrorPolicy declares what the engine does when a node fails.
type ErrorPolicy struct {
	Kind       string         `yaml:"kind" json:"kind"`
	MaxRetries int            `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	DelayMs    int            `yaml:"delayMs,omitempty" json:"delayMs,omitempty"`
	Default    map[string]any `yaml:"default,omitempty" json:"default,omitempty"`
	Target     string         `yaml:"target,omitempty" json:"target,omitempty"`
}

// Node is one interned node instance of a graph.
type Node struct {
	ID         string         `yaml:"id" json:"id"`
	Type       string         `yaml:"type" json:"type"`
	Name       string         `yaml:"name,omitempty" json:"name,omitempty"`
	Config     map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Inputs     []Port         `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs    []Port         `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	OnError    *ErrorPolicy   `yaml:"onError,omitempty" json:"onError,omitempty"`
	TimeoutMs  int            `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	Checkpoint bool           `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`
}

// Input returns the named input port, or nil.
func (n *Node) Input(name string) *Port {
	for i := range n.Inputs {
		if n.Inputs[i].Name == name {
			return &n.Inputs[i]
		}
	}
	return nil
}

// Output returns the named output port, or nil.
func (n *Node) Output(name string) *Port {
	for i := range n.Outputs {
		if n.Outputs[i].Name == name {
			return &n.Outputs[i]
		}
	}
	return nil
}

// ConfigString reads a string config field, empty when absent.
func (n *Node) ConfigString(key string) string {
	if v, ok := n.Config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigInt reads a numeric config field, def when absent.
func (n *Node) ConfigInt(key string, def int) int {
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// ConfigBool reads a boolean config field.
func (n *Node) ConfigBool(key string) bool {
	if v, ok := n.Config[key].(bool); ok {
		return v
	}
	return false
}

// Connection wires one node's output port into another node's input port.
type Connection struct {
	ID       string `yaml:"id,omitempty" json:"id,omitempty"`
	FromNode string `yaml:"-" json:"fromNode"`
	FromPort string `yaml:"-" json:"fromPort"`
	ToNode   string `yaml:"-" json:"toNode"`
	ToPort   string `yaml:"-" json:"toPort"`
}

// Graph is a parsed, interned workflow document.
type Graph struct {
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Nodes       []*Node        `json:"nodes"`
	Connections []*Connection  `json:"connections"`

	byID map[string]*Node
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	return g.byID[id]
}

// Start returns the graph's start node. Validation guarantees exactly one.
func (g *Graph) Start() *Node {
	for _, n := range g.Nodes {
		if n.Type == "start" {
			return n
		}
	}
	return nil
}

// Incoming returns the connections that target node id.
func (g *Graph) Incoming(id string) []*Connection {
	var out []*Connection
	for _, c := range g.Connections {
		if c.ToNode == id {
			out = append(out, c)
		}
	}
	return out
}

// Outgoing returns the connections that leave node id.
func (g *Graph) Outgoing(id string) []*Connection {
	var out []*Connection
	for _, c := range g.Connections {
		if c.FromNode == id {
			out = append(out, c)
		}
	}
	return out
}

// OutgoingFrom returns the connections leaving a specific output port.
func (g *Graph) OutgoingFrom(id, port string) []*Connection {
	var out []*Connection
	for _, c := range g.Connections {
		if c.FromNode == id && c.FromPort == port {
			out = append(out, c)
		}
	}
	return out
}

func (g *Graph) index() {
	g.byID = make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		g.byID[n.ID] = n
	}
}

// IssueLevel separates fatal problems from advisories.
type IssueLevel string

const (
	LevelError   IssueLevel = "error"
	LevelWarning IssueLevel = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Level   IssueLevel `json:"level"`
	Code    string     `json:"code"`
	NodeID  string     `json:"nodeId,omitempty"`
	Message string     `json:"message"`
}

func (i Issue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s [%s] %s: %s", i.Level, i.Code, i.NodeID, i.Message)
	}
	return fmt.Sprintf("%s [%s] %s", i.Level, i.Code, i.Message)
}

// Issues is a validation report.
type Issues []Issue

// HasErrors reports whether any finding is fatal.
func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.Level == LevelError {
			return true
		}
	}
	return false
}

// Errors returns only the fatal findings.
func (is Issues) Errors() Issues {
	var out Issues
	for _, i := range is {
		if i.Level == LevelError {
			out = append(out, i)
		}
	}
	return out
}
