package runtime

import (
	"maps"

	"github.com/roach88/cardrt/internal/ir"
)

// InstanceConfig describes an instance to create.
type InstanceConfig struct {
	// Definition is card@version, or a bare card id for its latest
	// runnable version.
	Definition string
	// Inputs binds input ports to the streams (or lanes) they read.
	// Unbound inputs receive nothing.
	Inputs map[string]string
	// Outputs binds output ports to streams. Unbound outputs write to
	// <instance>/<port>.
	Outputs map[string]string
	Params  ir.IRObject
	Seed    int64
}

// Instance is one running copy of a card definition with its own state,
// params and port bindings.
type Instance struct {
	ID         string
	Definition string
	Card       string
	Inputs     map[string]string
	Outputs    map[string]string
	// Params as given; Resolved has the schema defaults applied.
	Params   ir.IRObject
	Resolved ir.IRObject
	State    ir.IRValue
	Seed     int64
	// Offsets is how far into each input stream the instance has read.
	Offsets map[string]int

	Faults   int
	Disabled bool
	Badge    string
}

func (i *Instance) clone() Instance {
	cp := *i
	cp.Inputs = maps.Clone(i.Inputs)
	cp.Outputs = maps.Clone(i.Outputs)
	cp.Offsets = maps.Clone(i.Offsets)
	if cp.Offsets == nil {
		cp.Offsets = make(map[string]int)
	}
	return cp
}
