// Package harness runs scripted scenarios against a fully assembled
// runtime and checks the result.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: echo_chain
//	description: "What this scenario validates"
//	policy:              # optional, policy file format
//	  fault_threshold: 2
//	cards:
//	  - manifest: ../cards/echo/manifest.cue
//	    source: ../cards/echo/echo.card
//	workspace:
//	  streams:
//	    in:
//	      - {at: 0, dur: 12, pitch: 60, vel: 100, kind: note}
//	instances:
//	  - definition: acme:pack/echo
//	    inputs: {notes: in}
//	    outputs: {out: out}
//	steps:
//	  - tick: 2
//	  - commit: all
//	assertions:
//	  - {type: outcome, tick: 1, instance: inst-1, code: ok}
//	  - {type: stream_count, stream: out, count: 1}
//
// Steps are tick, append, commit, rollback, reject, revoke, enable and
// upgrade. Patches are referred to by alias (p1, p2, ...) in the order
// the scenario first sees them.
//
// # Determinism
//
// Instance ids, token ids and wall-clock stamps come from testutil, and
// the database is in-memory unless WithStore is given, so a scenario
// always produces the same trace. RunWithGolden compares that trace
// against testdata/golden/{name}.golden.
package harness
