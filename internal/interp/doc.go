// Package interp executes checked card programs.
//
// The interpreter is a CEK-style machine: a control (the expression being
// reduced or the value being returned), an environment, and an explicit
// continuation stack. Every transition is one step and is charged to the
// invocation's gas meter before it happens, so the meter never goes
// negative and a run halts within a number of steps bounded by its budget.
//
// DETERMINISM:
// The machine has no wall clock, no goroutines and no ambient randomness.
// The only source of randomness is the seeded rng/rand_int pair, and
// records are ordered canonically whenever they leave the machine.
// Running the same program with the same invocation twice yields the same
// state and the same host calls in the same order.
//
// HOST CALLS:
// Primitives never run inside the machine. A primitive call converts its
// arguments to IR and hands them to the invocation's Host, which checks
// the capability token, charges the call cost and performs the effect.
// Capability violations and gas exhaustion stop the run with a typed
// error; any other failure inside the machine is a RuntimeFault.
//
// The wall-clock frame budget is enforced by polling the context every
// PollInterval steps; an expired context stops the run with a Timeout.
package interp
