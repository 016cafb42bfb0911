package graph

import (
	"fmt"
)

// validate runs the structural checks on an interned graph.
func (l *Loader) validate(g *Graph) Issues {
	var issues Issues

	// Unique node ids.
	seenNodes := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if seenNodes[n.ID] {
			issues = append(issues, Issue{Level: LevelError, Code: "duplicate_node", NodeID: n.ID,
				Message: fmt.Sprintf("node id %q appears more than once", n.ID)})
		}
		seenNodes[n.ID] = true
	}

	// Exactly one start node.
	starts := 0
	for _, n := range g.Nodes {
		if n.Type == "start" {
			starts++
		}
	}
	if starts != 1 {
		issues = append(issues, Issue{Level: LevelError, Code: "start_count",
			Message: fmt.Sprintf("graph needs exactly one start node, found %d", starts)})
	}

	// Unique connection ids, endpoints exist, port types compatible.
	seenConns := make(map[string]bool, len(g.Connections))
	for _, c := range g.Connections {
		if seenConns[c.ID] {
			issues = append(issues, Issue{Level: LevelError, Code: "duplicate_connection",
				Message: fmt.Sprintf("connection id %q appears more than once", c.ID)})
		}
		seenConns[c.ID] = true

		from := g.NodeByID(c.FromNode)
		to := g.NodeByID(c.ToNode)
		if from == nil || to == nil {
			issues = append(issues, Issue{Level: LevelError, Code: "dangling_connection",
				Message: fmt.Sprintf("connection %q references unknown node", c.ID)})
			continue
		}
		srcPort := from.Output(c.FromPort)
		dstPort := to.Input(c.ToPort)
		if srcPort == nil {
			issues = append(issues, Issue{Level: LevelError, Code: "missing_port", NodeID: c.FromNode,
				Message: fmt.Sprintf("output port %q does not exist", c.FromPort)})
			continue
		}
		if dstPort == nil {
			issues = append(issues, Issue{Level: LevelError, Code: "missing_port", NodeID: c.ToNode,
				Message: fmt.Sprintf("input port %q does not exist", c.ToPort)})
			continue
		}
		ok, warn := Compatible(srcPort.Type, dstPort.Type)
		if !ok {
			issues = append(issues, Issue{Level: LevelError, Code: "port_mismatch",
				Message: fmt.Sprintf("connection %q: %s is not compatible with %s", c.ID, srcPort.Type, dstPort.Type)})
		} else if warn {
			issues = append(issues, Issue{Level: LevelWarning, Code: "port_coercion",
				Message: fmt.Sprintf("connection %q: %s coerces to %s at evaluation time", c.ID, srcPort.Type, dstPort.Type)})
		}
	}

	// Input port contracts: required data inputs must be fed by a
	// connection or a default, and data inputs only fan in when declared
	// to. Trigger ports join freely.
	for _, n := range g.Nodes {
		fanin := make(map[string]int)
		for _, c := range g.Incoming(n.ID) {
			fanin[c.ToPort]++
		}
		for i := range n.Inputs {
			p := &n.Inputs[i]
			if p.Type == PortTrigger {
				continue
			}
			if p.Required && p.Default == nil && fanin[p.Name] == 0 {
				issues = append(issues, Issue{Level: LevelError, Code: "required_port_unconnected", NodeID: n.ID,
					Message: fmt.Sprintf("required input port %q has no incoming connection", p.Name)})
			}
			if fanin[p.Name] > 1 && !p.AllowMultiple {
				issues = append(issues, Issue{Level: LevelWarning, Code: "port_fanin", NodeID: n.ID,
					Message: fmt.Sprintf("input port %q has %d incoming connections", p.Name, fanin[p.Name])})
			}
		}
	}

	// Config schema.
	for _, n := range g.Nodes {
		def, ok := l.reg.Lookup(n.Type)
		if !ok {
			continue // reported during interning
		}
		issues = append(issues, checkConfig(n, def)...)
	}

	issues = append(issues, checkAcyclic(g)...)
	issues = append(issues, checkReachable(g)...)
	return issues
}

func checkConfig(n *Node, def *Definition) Issues {
	var issues Issues
	for _, f := range def.Config {
		v, present := n.Config[f.Name]
		if !present {
			if f.Required {
				issues = append(issues, Issue{Level: LevelError, Code: "missing_config", NodeID: n.ID,
					Message: fmt.Sprintf("required config field %q is missing", f.Name)})
			}
			continue
		}
		if !configTypeOK(f.Type, v) {
			issues = append(issues, Issue{Level: LevelError, Code: "config_type", NodeID: n.ID,
				Message: fmt.Sprintf("config field %q must be a %s", f.Name, f.Type)})
			continue
		}
		if f.Validator != nil {
			if err := f.Validator(v); err != nil {
				issues = append(issues, Issue{Level: LevelError, Code: "config_invalid", NodeID: n.ID,
					Message: err.Error()})
			}
		}
	}
	return issues
}

func configTypeOK(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// checkAcyclic rejects connection cycles. Loops are expressed through
// for_loop/while_loop body subtrees, never through back-edges.
func checkAcyclic(g *Graph) Issues {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var cycle bool
	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		for _, c := range g.Outgoing(id) {
			switch color[c.ToNode] {
			case white:
				visit(c.ToNode)
			case gray:
				cycle = true
			}
		}
		color[id] = black
	}
	for _, n := range g.Nodes {
		if color[n.ID] == white {
			visit(n.ID)
		}
		if cycle {
			return Issues{{Level: LevelError, Code: "cycle",
				Message: "graph contains a connection cycle"}}
		}
	}
	return nil
}

// checkReachable flags nodes the start node cannot trigger. Annotation
// nodes are exempt: they are never executed.
func checkReachable(g *Graph) Issues {
	start := g.Start()
	if start == nil {
		return nil
	}

	reached := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range g.Outgoing(id) {
			if !reached[c.ToNode] {
				reached[c.ToNode] = true
				queue = append(queue, c.ToNode)
			}
		}
	}

	var issues Issues
	for _, n := range g.Nodes {
		if reached[n.ID] || n.Type == "note" {
			continue
		}
		issues = append(issues, Issue{Level: LevelWarning, Code: "unreachable", NodeID: n.ID,
			Message: "node is not reachable from start"})
	}
	return issues
}
