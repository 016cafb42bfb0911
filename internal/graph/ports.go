package graph

// PortType is the declared data type of a node port.
type PortType string

const (
	PortAny     PortType = "any"
	PortTrigger PortType = "trigger"
	PortString  PortType = "string"
	PortNumber  PortType = "number"
	PortBoolean PortType = "boolean"
	PortObject  PortType = "object"
	PortArray   PortType = "array"
	PortAgent   PortType = "agent"
)

var knownPortTypes = map[PortType]bool{
	PortAny: true, PortTrigger: true, PortString: true, PortNumber: true,
	PortBoolean: true, PortObject: true, PortArray: true, PortAgent: true,
}

// Compatible reports whether a connection from a source port of type `from`
// into a target port of type `to` is allowed, and whether the pairing is a
// lossy coercion worth warning about.
func Compatible(from, to PortType) (ok, warn bool) {
	if from == to {
		return true, false
	}
	if from == PortAny || to == PortAny {
		return true, false
	}
	// trigger connects only to trigger, and identity was handled above.
	if from == PortTrigger || to == PortTrigger {
		return false, false
	}
	if isPrimitive(from) && isPrimitive(to) {
		return true, true
	}
	if (from == PortObject && to == PortArray) || (from == PortArray && to == PortObject) {
		return true, true
	}
	return false, false
}

func isPrimitive(t PortType) bool {
	return t == PortString || t == PortNumber || t == PortBoolean
}

// Port is one declared input or output of a node instance. Required and
// Default apply to inputs: a required input must be connected unless a
// default stands in, and the default feeds the executor when nothing is
// wired. AllowMultiple permits fan-in on a data input.
type Port struct {
	Name          string   `yaml:"name" json:"name"`
	Type          PortType `yaml:"type" json:"type"`
	Required      bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Default       any      `yaml:"default,omitempty" json:"default,omitempty"`
	AllowMultiple bool     `yaml:"allowMultiple,omitempty" json:"allowMultiple,omitempty"`
}
