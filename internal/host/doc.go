// Package host is the only boundary between interpreted card code and the
// shared composition.
//
// A Session serves the primitive calls of one invocation. Direct emissions
// (event streams, automation lanes) and registrations are buffered; patch
// proposals become Patch records that do not touch anything. When the run
// succeeds, Session.Finish validates every proposal against the current
// workspace, computes previews and inverses, and returns an Output. Any
// rejection empties the whole output.
//
// Host.Apply then appends the emissions, registers identifiers, and stages
// the patches on the Board, where the approval policy decides between
// auto-commit and holding the patch for an explicit decision. Commit and
// rollback are idempotent and re-check the proposing token.
package host
