// Package lang implements the card script surface language: tokens, the
// abstract syntax tree, the parser, diagnostics with caret snippets, and the
// S-expression form used inside compiled artifacts.
//
// A card source file is a sequence of declarations:
//
//	type Hit = {at: Int, vel: Int}
//
//	fn accent(e: Event) -> Event = {e | vel: min(127, e.vel + 20)}
//
//	fn run(ctx) =
//	  let n = emit_events(ctx.caps.out, "out", map(ctx.inputs.notes, accent)) in
//	  {count: ctx.state.count + n}
//
// The language has no loops, no mutation and no floats. Every program is a
// set of pure functions; effects only happen through host primitives, which
// take a capability token as their first argument.
package lang
