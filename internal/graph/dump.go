package graph

import (
	"gopkg.in/yaml.v3"
)

// Dump serializes a graph back to document form, suitable for round-trip
// through Parse. Only ports beyond the registry defaults are emitted, so a
// dumped document stays as small as a hand-written one.
func (l *Loader) Dump(g *Graph) ([]byte, error) {
	doc := document{
		Name:       g.Name,
		Version:    g.Version,
		Parameters: g.Parameters,
		Variables:  g.Variables,
	}
	for _, n := range g.Nodes {
		dn := docNode{
			ID:         n.ID,
			Type:       n.Type,
			Name:       n.Name,
			Config:     n.Config,
			OnError:    n.OnError,
			TimeoutMs:  n.TimeoutMs,
			Checkpoint: n.Checkpoint,
		}
		if def, ok := l.reg.Lookup(n.Type); ok {
			dn.Ports.Inputs = extraPorts(n.Inputs, def.Inputs)
			dn.Ports.Outputs = extraPorts(n.Outputs, def.Outputs)
		}
		doc.Nodes = append(doc.Nodes, dn)
	}
	for _, c := range g.Connections {
		doc.Connections = append(doc.Connections, docConnection{
			From: c.FromNode + "." + c.FromPort,
			To:   c.ToNode + "." + c.ToPort,
		})
	}
	return yaml.Marshal(&doc)
}

func extraPorts(all, defaults []Port) []Port {
	var out []Port
	for _, p := range all {
		found := false
		for _, d := range defaults {
			if d.Name == p.Name {
				found = true
				break
			}
		}
		if !found {
			out = append(out, p)
		}
	}
	return out
}
