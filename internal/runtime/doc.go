// Package runtime schedules card instances on a logical tick clock.
//
// Each tick runs in three phases:
//
//  1. Snapshot. Every enabled instance reads the events its input streams
//     received since its last invocation. Reads happen before anything of
//     this tick is applied, so invocations in one tick are independent.
//  2. Invoke. Instances run in parallel on a bounded worker pool, each
//     under its own gas meter and wall-clock frame budget.
//  3. Apply. Outputs are published in stream dependency order (producers
//     before consumers, ties by instance id). An invocation that failed
//     publishes nothing.
//
// Failures are classified by InvocationError codes. Runtime faults and
// timeouts count towards the fault threshold; an instance that reaches it
// is disabled and carries a badge until re-enabled. Gas exhaustion only
// throttles: the tick's output is dropped with a warning.
//
// Tick numbers come from Clock and never from wall time, so a replay with
// the same inputs, seeds and grants produces the same outputs.
package runtime
