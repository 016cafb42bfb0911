package graph

import (
	"context"
	"fmt"
	"sort"
)

// Category groups node types in the registry.
type Category string

const (
	CategoryFlow       Category = "flow"
	CategoryAgent      Category = "agent"
	CategoryData       Category = "data"
	CategoryActions    Category = "actions"
	CategoryAnnotation Category = "annotation"
)

// ConfigField is one typed configuration field of a node definition.
type ConfigField struct {
	Name     string
	Type     string // "string", "number", "boolean", "array", "object", "any"
	Required bool
	// Validator, when set, checks the configured value beyond its type.
	Validator func(v any) error
}

// Executor runs one node instance. It receives the gathered inputs and
// returns the node's outputs. Bound by the engine, not here.
type Executor func(ctx context.Context, ec ExecContext, n *Node, inputs map[string]any) (map[string]any, error)

// Definition describes one node type.
type Definition struct {
	Type     Category
	Name     string
	Inputs   []Port
	Outputs  []Port
	Config   []ConfigField
	// DynamicPorts permits graph documents to declare additional ports on
	// instances of this type.
	DynamicPorts bool

	exec Executor
}

// Registry maps node type names to definitions.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry preloaded with the built-in node library.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]*Definition)}
	r.registerBuiltins()
	return r
}

// Register adds a definition. Registering a duplicate name is a
// programming error.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("definition has no name")
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("node type %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Bind attaches an executor to a registered node type.
func (r *Registry) Bind(name string, exec Executor) error {
	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("node type %q not registered", name)
	}
	def.exec = exec
	return nil
}

// Lookup returns the definition for a node type.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Executor returns the bound executor for a node type.
func (r *Registry) Executor(name string) (Executor, bool) {
	def, ok := r.defs[name]
	if !ok || def.exec == nil {
		return nil, false
	}
	return def.exec, true
}

// Types returns all registered type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func trigIn() []Port  { return []Port{{Name: "in", Type: PortTrigger}} }
func trigOut() []Port { return []Port{{Name: "out", Type: PortTrigger}} }

func enumValidator(field string, allowed ...string) func(any) error {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s must be a string", field)
		}
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of %v, got %q", field, allowed, s)
	}
}

func positiveNumber(field string) func(any) error {
	return func(v any) error {
		switch n := v.(type) {
		case int:
			if n > 0 {
				return nil
			}
		case int64:
			if n > 0 {
				return nil
			}
		case float64:
			if n > 0 {
				return nil
			}
		default:
			return fmt.Errorf("%s must be a number", field)
		}
		return fmt.Errorf("%s must be positive", field)
	}
}

func (r *Registry) registerBuiltins() {
	mustRegister := func(def *Definition) {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}

	// Flow
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "start",
		Outputs: trigOut(),
	})
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "end",
		Inputs: trigIn(),
	})
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "if",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "true", Type: PortTrigger},
			{Name: "false", Type: PortTrigger},
		},
		Config: []ConfigField{
			{Name: "condition", Type: "string", Required: true},
		},
	})
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "switch",
		Inputs:  trigIn(),
		Outputs: []Port{{Name: "default", Type: PortTrigger}},
		Config: []ConfigField{
			{Name: "expression", Type: "string", Required: true},
			{Name: "cases", Type: "array", Required: true},
		},
		DynamicPorts: true,
	})
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "for_loop",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "body", Type: PortTrigger},
			{Name: "done", Type: PortTrigger},
			{Name: "item", Type: PortAny},
			{Name: "index", Type: PortNumber},
			{Name: "results", Type: PortArray},
		},
		Config: []ConfigField{
			{Name: "items", Type: "string"},
			{Name: "count", Type: "any"},
		},
	})
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "while_loop",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "body", Type: PortTrigger},
			{Name: "done", Type: PortTrigger},
			{Name: "iteration", Type: PortNumber},
		},
		Config: []ConfigField{
			{Name: "condition", Type: "string", Required: true},
			{Name: "maxIterations", Type: "number", Validator: positiveNumber("maxIterations")},
		},
	})
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "parallel",
		Inputs:       trigIn(),
		DynamicPorts: true,
	})
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "sync",
		Outputs: trigOut(),
		Config: []ConfigField{
			{Name: "mode", Type: "string", Required: true,
				Validator: enumValidator("mode", "ALL", "ANY")},
		},
		DynamicPorts: true,
	})
	mustRegister(&Definition{
		Type: CategoryFlow, Name: "subgraph",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "out", Type: PortTrigger},
			{Name: "result", Type: PortObject},
		},
		Config: []ConfigField{
			{Name: "path", Type: "string", Required: true},
			{Name: "inheritVariables", Type: "boolean"},
		},
		DynamicPorts: true,
	})

	// Agent
	mustRegister(&Definition{
		Type: CategoryAgent, Name: "agent_request",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "out", Type: PortTrigger},
			{Name: "agent", Type: PortAgent},
		},
		Config: []ConfigField{
			{Name: "role", Type: "string", Required: true},
			{Name: "seat", Type: "number", Validator: positiveNumber("seat")},
			{Name: "timeoutMs", Type: "number"},
		},
	})
	mustRegister(&Definition{
		Type: CategoryAgent, Name: "agentic_work",
		Inputs: []Port{
			{Name: "in", Type: PortTrigger},
			{Name: "agent", Type: PortAgent},
		},
		Outputs: []Port{
			{Name: "out", Type: PortTrigger},
			{Name: "reply", Type: PortString},
			{Name: "parsed", Type: PortObject},
		},
		Config: []ConfigField{
			{Name: "prompt", Type: "string", Required: true},
			{Name: "seat", Type: "number"},
			{Name: "stage", Type: "string"},
			{Name: "parse", Type: "boolean"},
			{Name: "release", Type: "boolean"},
			{Name: "timeoutMs", Type: "number"},
		},
	})
	mustRegister(&Definition{
		Type: CategoryAgent, Name: "agent_release",
		Inputs:  trigIn(),
		Outputs: trigOut(),
		Config: []ConfigField{
			{Name: "seat", Type: "number", Required: true, Validator: positiveNumber("seat")},
		},
	})
	mustRegister(&Definition{
		Type: CategoryAgent, Name: "agent_bench",
		Inputs:  trigIn(),
		Outputs: trigOut(),
	})

	// Data
	mustRegister(&Definition{
		Type: CategoryData, Name: "script",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "out", Type: PortTrigger},
			{Name: "value", Type: PortAny},
		},
		Config: []ConfigField{
			{Name: "code", Type: "string", Required: true},
		},
		DynamicPorts: true,
	})
	mustRegister(&Definition{
		Type: CategoryData, Name: "log",
		Inputs:  trigIn(),
		Outputs: trigOut(),
		Config: []ConfigField{
			{Name: "message", Type: "string", Required: true},
		},
	})
	mustRegister(&Definition{
		Type: CategoryData, Name: "variable_set",
		Inputs:  trigIn(),
		Outputs: trigOut(),
		Config: []ConfigField{
			{Name: "name", Type: "string", Required: true},
			{Name: "value", Type: "any"},
			{Name: "valueExpr", Type: "string"},
		},
	})
	mustRegister(&Definition{
		Type: CategoryData, Name: "variable_get",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "out", Type: PortTrigger},
			{Name: "value", Type: PortAny},
		},
		Config: []ConfigField{
			{Name: "name", Type: "string", Required: true},
		},
	})

	// Actions
	mustRegister(&Definition{
		Type: CategoryActions, Name: "event",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "out", Type: PortTrigger},
			{Name: "result", Type: PortAny},
		},
		Config: []ConfigField{
			{Name: "action", Type: "string", Required: true,
				Validator: enumValidator("action",
					"emit", "read_plan", "read_tasks", "read_context",
					"request_agent", "release_agent")},
			{Name: "topic", Type: "string"},
			{Name: "payload", Type: "object"},
			{Name: "role", Type: "string"},
			{Name: "agent", Type: "string"},
		},
	})
	mustRegister(&Definition{
		Type: CategoryActions, Name: "command",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "out", Type: PortTrigger},
			{Name: "stdout", Type: PortString},
			{Name: "stderr", Type: PortString},
			{Name: "code", Type: PortNumber},
		},
		Config: []ConfigField{
			{Name: "command", Type: "any", Required: true},
			{Name: "timeoutMs", Type: "number"},
		},
	})
	mustRegister(&Definition{
		Type: CategoryActions, Name: "delay",
		Inputs:  trigIn(),
		Outputs: trigOut(),
		Config: []ConfigField{
			{Name: "durationMs", Type: "number", Required: true, Validator: positiveNumber("durationMs")},
		},
	})
	mustRegister(&Definition{
		Type: CategoryActions, Name: "wait_event",
		Inputs: trigIn(),
		Outputs: []Port{
			{Name: "out", Type: PortTrigger},
			{Name: "event", Type: PortObject},
		},
		Config: []ConfigField{
			{Name: "topic", Type: "string", Required: true},
			{Name: "timeoutMs", Type: "number"},
		},
	})

	// Annotation
	mustRegister(&Definition{
		Type: CategoryAnnotation, Name: "note",
		Config: []ConfigField{
			{Name: "text", Type: "string"},
		},
	})
}
