// Package store provides SQLite-backed durable state for cardrt.
//
// The store keeps:
//   - Artifacts: content-addressed compiled cards
//   - Tokens and Revocations: every grant, plus an append-only audit of
//     revocations
//   - Patches and the Patch Log: current status with provenance, plus an
//     append-only history of status changes
//   - Instances: per-instance state, params, stream offsets and badges
//   - Clock: the last completed tick
//   - Workspace: the latest dump of the shared composition
//
// It implements capability.Persister, host.PatchStore,
// registry.ArtifactStore and runtime.StateStore.
//
// # Ordering
//
// Every query orders by logical columns (tick, seq, id) and never by
// recorded_at, so reads are identical across replays.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability and speed
//   - busy_timeout=5000: wait on lock contention
//   - foreign_keys=ON
//   - PRAGMA user_version: schema migrations
package store
