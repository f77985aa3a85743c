package host

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/interp"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
	"github.com/roach88/cardrt/internal/namespace"
)

const card = "acme:drums/edit"

type fixture struct {
	ws     *Workspace
	grants *capability.GrantTable
	arena  *namespace.Arena
	host   *Host
	policy capability.GasPolicy
	logs   *bytes.Buffer
	ids    int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{ws: NewWorkspace(), policy: capability.DefaultGasPolicy(), logs: &bytes.Buffer{}}
	logger := slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.grants = capability.NewGrantTable(capability.WithLogger(logger), capability.WithIDGenerator(func() string {
		f.ids++
		return fmt.Sprintf("tok-%d", f.ids)
	}))
	f.arena = namespace.NewArena(namespace.WithLogger(logger))
	base := []Option{WithLogger(logger), WithGasPolicy(f.policy)}
	h, err := New(f.ws, f.arena, f.grants, append(base, opts...)...)
	require.NoError(t, err)
	f.host = h

	require.NoError(t, f.ws.PutContainer(ir.Container{ID: "drums", Kind: "drums", Items: []ir.Item{
		{ID: "k1", Event: ir.Event{At: 0, Dur: 12, Pitch: 36, Vel: 100, Kind: "note"}},
	}}))
	return f
}

func (f *fixture) grant(t *testing.T, alias string, kind capability.Kind, scope string) capability.Token {
	t.Helper()
	tok, err := f.grants.Grant(context.Background(), capability.GrantRequest{
		Card: card, Alias: alias, Kind: kind, Scope: capability.MustParseScope(scope),
	})
	require.NoError(t, err)
	return tok
}

// invoke runs src as card with every token granted so far and finishes
// the session.
func (f *fixture) invoke(t *testing.T, src string, policy capability.GasPolicy) (*Output, *capability.Meter, error) {
	t.Helper()
	prog, err := lang.Parse(src)
	require.NoError(t, err)
	in, err := interp.New(prog, interp.WithGasPolicy(policy))
	require.NoError(t, err)

	caps := map[string]string{}
	for _, tok := range f.grants.LiveTokens(card, 1) {
		caps[tok.Alias] = tok.ID
	}
	meter := policy.NewMeter()
	sess := f.host.Session(SessionConfig{
		Card:     card,
		Instance: "inst-1",
		Tick:     1,
		Tokens:   f.grants.View(card),
		Gas:      meter,
		Outputs:  map[string]string{"out": "[Event]"},
	})
	res, err := in.Run(context.Background(), interp.Invocation{
		Card:  card,
		Caps:  caps,
		State: ir.IRObject{},
		Tick:  1,
		Host:  sess,
		Gas:   meter,
	})
	if err != nil {
		return nil, meter, err
	}
	out, err := sess.Finish(res.State)
	return out, meter, err
}

func TestProposeWithReadOnlyTokenIsAViolation(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "edit", capability.ReadOnly, "container:drums")
	before := f.ws.Snapshot()

	src := `
fn run(ctx) =
  let id = propose_patch(ctx.caps.edit, [remove_item("drums", "k1")]) in
  {id: id}
`
	out, _, err := f.invoke(t, src, f.policy)
	require.Nil(t, out)
	v, ok := capability.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "ContainerWrite", v.Missing)
	assert.Equal(t, "container:drums", v.Resource)
	assert.Equal(t, card, v.Card)

	assert.True(t, ir.Equal(before, f.ws.Snapshot()), "no container may change")
	assert.Empty(t, f.host.Board().List())
}

func TestGasExhaustionDiscardsEveryEmission(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "out", capability.EventWrite, "stream:out")
	src := `
fn emit_n(tok, n, acc) =
  if n == 0 then acc else emit_n(tok, n - 1, acc + emit_events(tok, "out", [{at: n, dur: 1, pitch: 60, vel: 90, kind: "note"}]))

fn run(ctx) = {count: emit_n(ctx.caps.out, 11, 0)}
`
	policy := capability.GasPolicy{Budget: 100, HostCallCost: 10}
	out, meter, err := f.invoke(t, src, policy)
	require.True(t, capability.IsGasExhausted(err), "got %v", err)
	assert.Nil(t, out)
	assert.Equal(t, int64(0), meter.Remaining())
	assert.Equal(t, 0, f.ws.StreamLen("inst-1/out"))
}

func TestEmissionsAreAppliedAsOneBatch(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "out", capability.EventWrite, "stream:out")
	src := `
fn run(ctx) =
  let a = emit_events(ctx.caps.out, "out", [{at: 0, dur: 1, pitch: 60, vel: 90, kind: "note"}]) in
  let b = emit_events(ctx.caps.out, "out", [{at: 4, dur: 1, pitch: 62, vel: 90, kind: "note"}]) in
  {n: a + b}
`
	out, _, err := f.invoke(t, src, f.policy)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(2)}, out.State)

	f.ws.AppendEvents("mix", []ir.Event{{At: 99, Pitch: 1, Kind: "note"}})
	applied, err := f.host.Apply(context.Background(), out, map[string]string{"out": "mix"})
	require.NoError(t, err)
	assert.Equal(t, 2, applied.Events)

	mix := f.ws.Stream("mix", 0)
	require.Len(t, mix, 3)
	assert.Equal(t, []int64{99, 0, 4}, []int64{mix[0].At, mix[1].At, mix[2].At})
}

func TestEmitOutsideScopeIsAViolation(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "out", capability.EventWrite, "stream:out")
	src := `fn run(ctx) = {n: emit_events(ctx.caps.out, "side", [])}`
	_, _, err := f.invoke(t, src, f.policy)
	v, ok := capability.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, capability.ReasonOutOfScope, v.Reason)
	assert.Equal(t, "stream:side", v.Resource)
}

func TestRejectionEmptiesTheWholeOutput(t *testing.T) {
	tests := []struct {
		name   string
		scope  string
		body   string
		reason string
		op     int
	}{
		{
			name:   "missing item",
			scope:  "container:drums",
			body:   `propose_patch(ctx.caps.edit, [remove_item("drums", "nope")])`,
			reason: ReasonMissingTarget,
			op:     0,
		},
		{
			name:   "duplicate item",
			scope:  "container:drums",
			body:   `propose_patch(ctx.caps.edit, [add_item("drums", {id: "k1", event: {at: 0, dur: 1, pitch: 38, vel: 90, kind: "note"}})])`,
			reason: ReasonIDCollision,
			op:     0,
		},
		{
			name:   "pitch out of range",
			scope:  "container:drums",
			body:   `propose_patch(ctx.caps.edit, [add_item("drums", {id: "k2", event: {at: 0, dur: 1, pitch: 200, vel: 90, kind: "note"}})])`,
			reason: ReasonTypeMismatch,
			op:     0,
		},
		{
			name:   "wrong event kind for container",
			scope:  "container:drums",
			body:   `propose_patch(ctx.caps.edit, [add_item("drums", {id: "k2", event: {at: 0, dur: 1, pitch: 1, vel: 90, kind: "cc"}})])`,
			reason: ReasonTypeMismatch,
			op:     0,
		},
		{
			name:   "resource outside token scope",
			scope:  "container:drums",
			body:   `propose_patch(ctx.caps.edit, [new_container("fresh", "notes"), new_container("bass", "notes")])`,
			reason: ReasonCapabilityScope,
			op:     0,
		},
		{
			name:   "second op sees the first",
			scope:  "container:*",
			body:   `propose_patch(ctx.caps.edit, [new_container("bass", "notes"), new_container("bass", "notes")])`,
			reason: ReasonIDCollision,
			op:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.grant(t, "out", capability.EventWrite, "stream:out")
			f.grant(t, "edit", capability.ContainerWrite, tt.scope)
			src := `
fn run(ctx) =
  let n = emit_events(ctx.caps.out, "out", [{at: 0, dur: 1, pitch: 60, vel: 90, kind: "note"}]) in
  let id = ` + tt.body + ` in
  {n: n}
`
			out, _, err := f.invoke(t, src, f.policy)
			assert.Nil(t, out)
			r, ok := AsRejection(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.reason, r.Reason)
			assert.Equal(t, tt.op, r.Op)
			assert.Equal(t, card, r.Card)
			assert.NotEmpty(t, r.Patch)
			assert.Contains(t, f.logs.String(), `"event":"host.reject"`)
		})
	}
}

func TestEdgeScopeCoversBothEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		scope  string
		body   string
		reject bool
	}{
		{"target outside scope", "graph:a", `[connect("a", "b")]`, true},
		{"disconnect target outside scope", "graph:a", `[disconnect("a", "b")]`, true},
		{"both endpoints inside", "graph:*", `[connect("a", "b")]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ws.PutNode("a", "synth")
			f.ws.PutNode("b", "fx")
			f.grant(t, "graph", capability.GraphPatch, tt.scope)
			src := `fn run(ctx) = {id: propose_graph_patch(ctx.caps.graph, ` + tt.body + `)}`

			out, _, err := f.invoke(t, src, f.policy)
			if !tt.reject {
				require.NoError(t, err)
				require.Len(t, out.Patches, 1)
				return
			}
			assert.Nil(t, out)
			r, ok := AsRejection(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, ReasonCapabilityScope, r.Reason)
			assert.Equal(t, 0, r.Op)
			assert.Contains(t, r.Error(), "graph:b")
		})
	}
}

func TestMalformedEmissionIsRejected(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "out", capability.EventWrite, "stream:out")
	src := `fn run(ctx) = {n: emit_events(ctx.caps.out, "out", [{at: 0, dur: 1, pitch: 60, vel: 300, kind: "note"}])}`
	_, _, err := f.invoke(t, src, f.policy)
	r, ok := AsRejection(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, ReasonTypeMismatch, r.Reason)
	assert.Empty(t, r.Patch)
	assert.Contains(t, r.Error(), "vel 300")
}

func TestContainerPatchAutoCommitsAndRollsBack(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "edit", capability.ContainerWrite, "container:drums")
	before := f.ws.Snapshot()

	src := `
fn run(ctx) =
  let item = {id: "k2", event: {at: 24, dur: 12, pitch: 38, vel: 90, kind: "note"}} in
  let id = propose_patch(ctx.caps.edit, [add_item("drums", item), update_item("drums", {id: "k1", event: {at: 0, dur: 12, pitch: 36, vel: 120, kind: "note"}})]) in
  {id: id}
`
	out, _, err := f.invoke(t, src, f.policy)
	require.NoError(t, err)
	require.Len(t, out.Patches, 1)
	p := out.Patches[0]
	assert.Equal(t, ir.IRString(p.ID), out.State.(ir.IRObject)["id"])
	assert.Equal(t, ir.PatchStaged, p.Status)
	assert.Equal(t, "tok-1", p.Provenance.TokenID)
	assert.Equal(t, "ContainerWrite", p.Provenance.Capability)
	assert.Equal(t, int64(1), p.Provenance.Seq)
	require.Len(t, p.Inverse, 2)
	assert.Equal(t, ir.OpUpdateItem, p.Inverse[0].Op)
	assert.Equal(t, ir.OpRemoveItem, p.Inverse[1].Op)

	ctx := context.Background()
	applied, err := f.host.Apply(ctx, out, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, applied.Committed)

	c, _ := f.ws.Container("drums")
	require.Len(t, c.Items, 2)
	assert.Equal(t, int64(120), c.Items[0].Event.Vel)
	after := f.ws.Snapshot()

	again, err := f.host.Board().Commit(ctx, p.ID, 2)
	require.NoError(t, err, "committing twice is a no-op")
	assert.Equal(t, ir.PatchCommitted, again.Status)
	assert.True(t, ir.Equal(after, f.ws.Snapshot()))

	require.NoError(t, f.host.Board().Rollback(ctx, p.ID))
	assert.True(t, ir.Equal(before, f.ws.Snapshot()))
	require.NoError(t, f.host.Board().Rollback(ctx, p.ID), "rolling back twice is a no-op")
	assert.True(t, ir.Equal(before, f.ws.Snapshot()))

	_, err = f.host.Board().Commit(ctx, p.ID, 3)
	var se *StateError
	assert.ErrorAs(t, err, &se)
}

func TestRollbackOfUncommittedPatchIsANoop(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "graph", capability.GraphPatch, "graph:*")
	out, _, err := f.invoke(t, `fn run(ctx) = {id: propose_graph_patch(ctx.caps.graph, [add_node("n1", "synth")])}`, f.policy)
	require.NoError(t, err)
	_, err = f.host.Apply(context.Background(), out, nil)
	require.NoError(t, err)

	id := out.Patches[0].ID
	require.NoError(t, f.host.Board().Rollback(context.Background(), id))
	p, ok := f.host.Board().Get(id)
	require.True(t, ok)
	assert.Equal(t, ir.PatchStaged, p.Status)
	assert.False(t, f.ws.HasNode("n1"))
}

func TestRevokeInvalidatesPendingPatches(t *testing.T) {
	f := newFixture(t)
	tok := f.grant(t, "graph", capability.GraphPatch, "graph:*")
	src := `
fn run(ctx) =
  let id = propose_graph_patch(ctx.caps.graph, [add_node("n1", "synth"), add_node("n2", "fx"), connect("n1", "n2")]) in
  {id: id}
`
	out, _, err := f.invoke(t, src, f.policy)
	require.NoError(t, err)
	ctx := context.Background()
	applied, err := f.host.Apply(ctx, out, nil)
	require.NoError(t, err)
	require.Len(t, applied.Held, 1, "graph patches wait for approval")
	id := applied.Held[0]

	require.NoError(t, f.grants.Revoke(ctx, tok.ID, 2, "user"))
	p, _ := f.host.Board().Get(id)
	assert.Equal(t, ir.PatchInvalidated, p.Status)
	assert.Contains(t, f.logs.String(), `"event":"patch.invalidate"`)

	_, err = f.host.Board().Commit(ctx, id, 3)
	v, ok := capability.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "GraphPatch", v.Missing)
	assert.Equal(t, capability.ReasonRevoked, v.Reason)
	assert.Equal(t, "graph:n1", v.Resource)
	assert.False(t, f.ws.HasNode("n1"))
}

func TestPatchProposedBeforeRevocationIsStagedInvalidated(t *testing.T) {
	f := newFixture(t)
	tok := f.grant(t, "graph", capability.GraphPatch, "graph:*")
	out, _, err := f.invoke(t, `fn run(ctx) = {id: propose_graph_patch(ctx.caps.graph, [add_node("n1", "synth")])}`, f.policy)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.grants.Revoke(ctx, tok.ID, 1, "user"))
	applied, err := f.host.Apply(ctx, out, nil)
	require.NoError(t, err)
	assert.Empty(t, applied.Held)
	require.Len(t, applied.Invalidated, 1)

	id := applied.Invalidated[0]
	p, ok := f.host.Board().Get(id)
	require.True(t, ok)
	assert.Equal(t, ir.PatchInvalidated, p.Status)
	assert.Equal(t, "token revoked: user", p.Reason)
	assert.Empty(t, f.host.Board().List(ir.PatchStaged))

	_, err = f.host.Board().Commit(ctx, id, 2)
	v, ok := capability.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, capability.ReasonRevoked, v.Reason)
	assert.False(t, f.ws.HasNode("n1"))
}

func TestCommitRevalidatesAgainstCurrentState(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "graph", capability.GraphPatch, "graph:*")
	out, _, err := f.invoke(t, `fn run(ctx) = {id: propose_graph_patch(ctx.caps.graph, [add_node("n1", "synth")])}`, f.policy)
	require.NoError(t, err)
	_, err = f.host.Apply(context.Background(), out, nil)
	require.NoError(t, err)

	f.ws.PutNode("n1", "other")
	_, err = f.host.Board().Commit(context.Background(), out.Patches[0].ID, 2)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonIDCollision, ce.Rejection.Reason)
}

func TestApprovalPolicy(t *testing.T) {
	p, err := NewPolicy("", map[string]string{
		"acme:graph/auto": `patch.tier == "graph" && size(patch.ops) < 3`,
	})
	require.NoError(t, err)

	graph := &ir.Patch{Tier: ir.TierGraph, Ops: []ir.PatchOp{{Op: ir.OpAddNode, Node: "n", Kind: "synth"}}}
	graph.Provenance.Card = "acme:graph/auto"
	ok, err := p.AutoCommit(graph)
	require.NoError(t, err)
	assert.True(t, ok)

	graph.Provenance.Card = card
	ok, err = p.AutoCommit(graph)
	require.NoError(t, err)
	assert.False(t, ok, "the default holds graph patches")

	container := &ir.Patch{Tier: ir.TierContainer, Provenance: ir.Provenance{Card: card}}
	ok, err = p.AutoCommit(container)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewPolicy("patch.kind ==", nil)
	assert.Error(t, err)

	bad, err := NewPolicy("patch.tier", nil)
	require.NoError(t, err)
	_, err = bad.AutoCommit(container)
	assert.ErrorContains(t, err, "bool")
}

func TestLogIsRateLimitedPerInstance(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, WithLogRate(1, 2), WithClock(func() time.Time { return now }))
	src := `
fn run(ctx) =
  let a = log("info", "one", 1) in
  let b = log("info", "two", {x: 2}) in
  let c = log("warn", "three", 3) in
  {ok: a && b && c}
`
	out, _, err := f.invoke(t, src, f.policy)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"ok": ir.IRBool(true)}, out.State)
	assert.Equal(t, 1, out.LogsDropped)
	assert.Equal(t, int64(1), f.host.LogsDropped("inst-1"))
	assert.Equal(t, 2, bytes.Count(f.logs.Bytes(), []byte(`"event":"card.log"`)))
	assert.Contains(t, f.logs.String(), `"data":"{\"x\":2}"`)
}

func TestRegistrationsEnterTheArena(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "reg", capability.ReadOnly, "registry:*")
	src := `
fn run(ctx) =
  let k = register_event_kind(ctx.caps.reg, "acme:drums/flam", ["at", "vel"]) in
  let p = register_port_type(ctx.caps.reg, "acme:drums/groove", "[Event]") in
  {k: k, p: p}
`
	out, _, err := f.invoke(t, src, f.policy)
	require.NoError(t, err)
	require.Len(t, out.Registrations, 2)

	_, err = f.host.Apply(context.Background(), out, nil)
	require.NoError(t, err)
	assert.True(t, f.arena.Lookup(namespace.KindEvent, "acme:drums/flam").Known)
	assert.True(t, f.arena.Lookup(namespace.KindPort, "acme:drums/groove").Known)
}

func TestRegistrationOutsideOwnNamespaceFaults(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "reg", capability.ReadOnly, "registry:*")
	_, _, err := f.invoke(t, `fn run(ctx) = {k: register_event_kind(ctx.caps.reg, "other:pack/flam", [])}`, f.policy)
	require.True(t, interp.IsRuntimeFault(err), "got %v", err)
	assert.Equal(t, namespace.ErrWrongNamespace, namespace.ErrorCode(err))
}

func TestReadContainer(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "read", capability.ReadOnly, "container:drums")
	out, _, err := f.invoke(t, `fn run(ctx) = {n: len(read_container(ctx.caps.read, "drums").items)}`, f.policy)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(1)}, out.State)

	_, _, err = f.invoke(t, `fn run(ctx) = {n: len(read_container(ctx.caps.read, "bass").items)}`, f.policy)
	assert.True(t, capability.IsCapabilityViolation(err))
}

func TestPreviewText(t *testing.T) {
	d := newDocument()
	d.containers["drums"] = &ir.Container{ID: "drums", Kind: "drums", Items: []ir.Item{
		{ID: "k1", Event: ir.Event{At: 0, Dur: 12, Pitch: 36, Vel: 100, Kind: "note"}},
	}}
	ops := []ir.PatchOp{
		{Op: ir.OpNewContainer, Container: "hats", Kind: "drums"},
		{Op: ir.OpAddItem, Container: "hats", Item: &ir.Item{ID: "h1", Event: ir.Event{At: 0, Dur: 6, Pitch: 42, Vel: 80, Kind: "note"}}},
		{Op: ir.OpUpdateItem, Container: "drums", Item: &ir.Item{ID: "k1", Event: ir.Event{At: 0, Dur: 12, Pitch: 36, Vel: 110, Kind: "note"}}},
		{Op: ir.OpRemoveItem, Container: "drums", ItemID: "k1"},
	}
	_, lines, fail := d.applyOps(ir.TierContainer, nil, ops)
	require.Nil(t, fail)
	p := &ir.Patch{ID: "0123456789abcdef", Tier: ir.TierContainer, Ops: ops, Provenance: ir.Provenance{Card: "acme:drums/humanize"}}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "preview", []byte(previewText(p, lines)))
}

// seedOp decodes an integer into an op over a small id space, so random
// sequences collide often.
func seedOp(n int) ir.PatchOp {
	items := []string{"k1", "k2", "k3", "k4"}
	nodes := []string{"a", "b", "c", "d"}
	containers := []string{"drums", "ctl", "fresh"}
	targets := []string{MetaComposition, "drums", "a", "nowhere"}
	item := items[(n/13)%4]
	node, other := nodes[(n/13)%4], nodes[(n/53)%4]
	ct := containers[(n/211)%3]
	ev := ir.Event{At: int64((n/7)%4) * 24, Dur: 12, Pitch: int64(36 + (n/3)%12), Vel: int64(60 + (n/5)%60), Kind: "note"}
	key := fmt.Sprintf("k%d", (n/17)%3)
	switch n % 11 {
	case 0:
		return ir.PatchOp{Op: ir.OpNewContainer, Container: ct, Kind: "notes"}
	case 1:
		return ir.PatchOp{Op: ir.OpAddItem, Container: ct, Item: &ir.Item{ID: item, Event: ev}}
	case 2:
		return ir.PatchOp{Op: ir.OpUpdateItem, Container: ct, Item: &ir.Item{ID: item, Event: ev}}
	case 3:
		return ir.PatchOp{Op: ir.OpRemoveItem, Container: ct, ItemID: item}
	case 4:
		return ir.PatchOp{Op: ir.OpAddNode, Node: node, Kind: "synth"}
	case 5:
		return ir.PatchOp{Op: ir.OpRemoveNode, Node: node}
	case 6:
		return ir.PatchOp{Op: ir.OpConnect, From: node, To: other}
	case 7:
		return ir.PatchOp{Op: ir.OpDisconnect, From: node, To: other}
	case 8:
		return ir.PatchOp{Op: ir.OpSetMeta, Target: targets[(n/29)%4], Key: key, Value: fmt.Sprint(n % 97)}
	case 9:
		return ir.PatchOp{Op: ir.OpUnsetMeta, Target: targets[(n/29)%4], Key: key}
	default:
		return ir.PatchOp{Op: ir.OpDropContainer, Container: ct}
	}
}

func seededDocument() *document {
	d := newDocument()
	d.containers["drums"] = &ir.Container{ID: "drums", Kind: "drums", Items: []ir.Item{
		{ID: "k1", Event: ir.Event{At: 0, Dur: 12, Pitch: 36, Vel: 100, Kind: "note"}},
		{ID: "k2", Event: ir.Event{At: 48, Dur: 12, Pitch: 38, Vel: 90, Kind: "note"}},
	}}
	d.containers["ctl"] = &ir.Container{ID: "ctl", Kind: "controller"}
	d.nodes["a"] = "synth"
	d.nodes["b"] = "fx"
	d.addEdge("a", "b")
	d.meta[MetaComposition] = map[string]string{"title": "sketch"}
	return d
}

func TestPatchReversibility(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("applying a patch then its inverse restores the document", prop.ForAll(
		func(seeds []int) bool {
			// Keep the ops that apply in sequence so every sample is a
			// valid patch.
			probe := seededDocument()
			var ops []ir.PatchOp
			for _, n := range seeds {
				op := seedOp(n)
				trial := probe.clone()
				if _, _, f := trial.applyOps("", nil, []ir.PatchOp{op}); f != nil {
					continue
				}
				probe = trial
				ops = append(ops, op)
			}

			d := seededDocument()
			before := d.toIR()
			inverse, _, f := d.applyOps("", nil, ops)
			if f != nil {
				return false
			}
			if _, _, f := d.applyOps("", nil, inverse); f != nil {
				return false
			}
			return ir.Equal(before, d.toIR())
		},
		gen.SliceOf(gen.IntRange(0, 1<<20)),
	))

	properties.TestingRun(t)
}

func TestWorkspaceExportImport(t *testing.T) {
	f := newFixture(t)
	f.ws.PutNode("synth", "instrument")
	f.ws.PutNode("reverb", "effect")
	f.ws.AppendEvents("keys", []ir.Event{{At: 0, Dur: 6, Pitch: 60, Vel: 90, Kind: "note"}})
	f.ws.AppendPoints("cutoff", []ir.Point{{At: 0, Value: 64}, {At: 12, Value: 80}})

	dump := f.ws.Export()
	ws := NewWorkspace()
	require.NoError(t, ws.Import(dump))

	assert.True(t, ir.Equal(dump, ws.Export()))
	assert.True(t, ir.Equal(f.ws.Snapshot(), ws.Snapshot()))
	assert.True(t, ws.HasNode("synth"))
	assert.Equal(t, 1, ws.StreamLen("keys"))
	assert.Equal(t, 2, ws.LaneLen("cutoff"))
	drums, ok := ws.Container("drums")
	require.True(t, ok)
	assert.Len(t, drums.Items, 1)
}

func TestWorkspaceImportRejectsMalformedDump(t *testing.T) {
	ws := NewWorkspace()
	err := ws.Import(ir.IRObject{"streams": ir.IRObject{"keys": ir.IRString("nope")}})
	assert.Error(t, err)
}
