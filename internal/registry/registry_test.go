package registry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/compiler"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/namespace"
)

const passThrough = "fn run(ctx) =\n  let n = emit_events(ctx.caps.out, \"out\", ctx.inputs.notes) in\n  ctx.state\n"

func manifest(id, version string) *ir.Manifest {
	return &ir.Manifest{
		ID:             id,
		Version:        version,
		HostAPIVersion: "1.2.0",
		Signature: ir.Signature{
			Inputs:  map[string]string{"notes": "[Event]"},
			Outputs: map[string]string{"out": "[Event]"},
		},
		State:           "{}",
		DeclaredEffects: ir.Row(nil, []string{"events"}, nil),
		RequiredCapabilities: []ir.CapabilityDescriptor{
			{Name: "out", Kind: "EventWrite", Scope: "stream:out"},
		},
	}
}

type memArtifacts struct{ saved []string }

func (m *memArtifacts) SaveArtifact(_ context.Context, a *ir.Artifact) error {
	m.saved = append(m.saved, a.ID)
	return nil
}

type fixture struct {
	reg    *Registry
	grants *capability.GrantTable
	arena  *namespace.Arena
	store  *memArtifacts
	logs   *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := compiler.New()
	require.NoError(t, err)
	n := 0
	grants := capability.NewGrantTable(capability.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("tok-%d", n)
	}))
	arena := namespace.NewArena()
	store := &memArtifacts{}
	logs := &bytes.Buffer{}
	reg := New(c, grants, arena,
		WithLogger(slog.New(slog.NewJSONHandler(logs, nil))),
		WithArtifactStore(store),
	)
	return &fixture{reg: reg, grants: grants, arena: arena, store: store, logs: logs}
}

func TestLoadInstallsAndPersists(t *testing.T) {
	f := newFixture(t)
	def, err := f.reg.Load(context.Background(), manifest("acme:drums/pass", "1.0.0"), passThrough)
	require.NoError(t, err)

	assert.Equal(t, "acme:drums/pass@1.0.0", def.Key())
	assert.Equal(t, Installed, f.reg.State(def.Key()))
	assert.Equal(t, []string{def.Artifact.ID}, f.store.saved)
	assert.Contains(t, f.logs.String(), `"event":"registry.transition"`)
	assert.Contains(t, f.logs.String(), `"to":"installed"`)
}

func TestLoadRejectsBadSource(t *testing.T) {
	f := newFixture(t)
	m := manifest("acme:drums/broken", "1.0.0")
	_, err := f.reg.Load(context.Background(), m, "fn run(ctx) = ctx.nope +\n")
	require.Error(t, err)

	key := Key(m.ID, m.Version)
	assert.Equal(t, Rejected, f.reg.State(key))
	list := f.reg.List()
	require.Len(t, list, 1)
	assert.NotEmpty(t, list[0].Diagnostics)
	assert.Empty(t, f.store.saved)

	// A rejected definition may be loaded again once fixed.
	_, err = f.reg.Load(context.Background(), m, passThrough)
	require.NoError(t, err)
	assert.Equal(t, Installed, f.reg.State(key))
}

func TestDuplicateLoadIsRefused(t *testing.T) {
	f := newFixture(t)
	m := manifest("acme:drums/pass", "1.0.0")
	_, err := f.reg.Load(context.Background(), m, passThrough)
	require.NoError(t, err)
	_, err = f.reg.Load(context.Background(), m, passThrough)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already loaded")
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.reg.Load(ctx, manifest("acme:drums/pass", "1.0.0"), passThrough)
	require.NoError(t, err)
	key := def.Key()

	_, err = f.reg.Begin(key)
	require.Error(t, err, "installed cards do not run")
	assert.True(t, IsTransitionError(err))

	reqs, err := f.reg.RequestCapabilities(key)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, CapabilityPending, f.reg.State(key))

	require.NoError(t, f.reg.Approve(ctx, key, 1))
	assert.Equal(t, CapabilityGranted, f.reg.State(key))
	toks := f.grants.List("acme:drums/pass")
	require.Len(t, toks, 1)
	assert.Equal(t, "out", toks[0].Alias)
	assert.Equal(t, capability.EventWrite, toks[0].Kind)
	assert.Equal(t, "stream:out", toks[0].Scope.String())

	require.NoError(t, f.reg.Activate(key))

	_, err = f.reg.Begin(key)
	require.NoError(t, err)
	_, err = f.reg.Begin(key)
	require.NoError(t, err)
	assert.Equal(t, Invoking, f.reg.State(key))
	f.reg.End(key)
	assert.Equal(t, Invoking, f.reg.State(key), "one invocation still in flight")
	f.reg.End(key)
	assert.Equal(t, Active, f.reg.State(key))

	require.NoError(t, f.reg.Revoke(ctx, key, 5, "operator"))
	assert.Equal(t, Inert, f.reg.State(key))
	assert.Empty(t, f.grants.LiveTokens("acme:drums/pass", 5))

	require.NoError(t, f.reg.Unload(key))
	assert.Equal(t, Unloaded, f.reg.State(key))
	_, ok := f.reg.Get(key)
	assert.False(t, ok)
}

func TestRevokeWhileInvoking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.reg.Load(ctx, manifest("acme:drums/pass", "1.0.0"), passThrough)
	require.NoError(t, err)
	require.NoError(t, f.reg.Enable(ctx, def.Key(), 1))

	_, err = f.reg.Begin(def.Key())
	require.NoError(t, err)
	require.NoError(t, f.reg.Revoke(ctx, def.Key(), 2, "operator"))
	f.reg.End(def.Key())
	assert.Equal(t, Inert, f.reg.State(def.Key()))

	_, err = f.reg.Begin(def.Key())
	assert.True(t, IsTransitionError(err))
}

func TestApprovePartialGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.reg.Load(ctx, manifest("acme:drums/pass", "1.0.0"), passThrough)
	require.NoError(t, err)
	_, err = f.reg.RequestCapabilities(def.Key())
	require.NoError(t, err)

	err = f.reg.Approve(ctx, def.Key(), 1, Grant{Alias: "out", Kind: capability.ReadOnly, ExpiresAtTick: 10})
	require.NoError(t, err)
	toks := f.grants.List("acme:drums/pass")
	require.Len(t, toks, 1)
	assert.Equal(t, capability.ReadOnly, toks[0].Kind)
	assert.Equal(t, "stream:out", toks[0].Scope.String(), "zero scope falls back to the requested one")
	assert.Equal(t, int64(10), toks[0].ExpiresAtTick)
}

func TestApproveRequiresPending(t *testing.T) {
	f := newFixture(t)
	def, err := f.reg.Load(context.Background(), manifest("acme:drums/pass", "1.0.0"), passThrough)
	require.NoError(t, err)
	err = f.reg.Approve(context.Background(), def.Key(), 1)
	assert.True(t, IsTransitionError(err))
	assert.ErrorIs(t, f.reg.Activate("acme:drums/none@1.0.0"), ErrNotFound)
}

func TestLatestPicksHighestRunnableVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, v := range []string{"1.2.0", "1.10.0", "2.0.0"} {
		_, err := f.reg.Load(ctx, manifest("acme:drums/pass", v), passThrough)
		require.NoError(t, err)
	}
	require.NoError(t, f.reg.Enable(ctx, Key("acme:drums/pass", "1.2.0"), 1))
	require.NoError(t, f.reg.Enable(ctx, Key("acme:drums/pass", "1.10.0"), 1))

	def, ok := f.reg.Latest("acme:drums/pass")
	require.True(t, ok)
	assert.Equal(t, "1.10.0", def.Version, "2.0.0 is installed but not active")

	_, ok = f.reg.Latest("acme:drums/other")
	assert.False(t, ok)
}

func TestUnloadRemovesPackRegistrationsWithLastDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.reg.Load(ctx, manifest("acme:drums/pass", "1.0.0"), passThrough)
	require.NoError(t, err)
	b, err := f.reg.Load(ctx, manifest("acme:drums/other", "1.0.0"), passThrough)
	require.NoError(t, err)

	_, err = f.arena.Register(namespace.KindEvent, "acme:drums/pass", "acme:drums/accent", nil)
	require.NoError(t, err)

	require.NoError(t, f.reg.Unload(a.Key()))
	assert.True(t, f.arena.Lookup(namespace.KindEvent, "acme:drums/accent").Known, "pack still has a definition")

	require.NoError(t, f.reg.Unload(b.Key()))
	assert.False(t, f.arena.Lookup(namespace.KindEvent, "acme:drums/accent").Known)
}

func TestInstallVerifiesArtifact(t *testing.T) {
	f := newFixture(t)
	c, err := compiler.New()
	require.NoError(t, err)
	a, err := c.Build(manifest("acme:drums/pass", "1.0.0"), passThrough)
	require.NoError(t, err)

	tampered := *a
	tampered.Source = passThrough + "# edited\n"
	_, err = f.reg.Install(context.Background(), &tampered)
	require.Error(t, err)
	assert.Equal(t, Rejected, f.reg.State(a.Manifest.ID+"@1.0.0"))

	f2 := newFixture(t)
	def, err := f2.reg.Install(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, a.ID, def.Artifact.ID)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(Unloaded, Checking))
	assert.True(t, CanTransition(Invoking, Revoked))
	assert.False(t, CanTransition(Installed, Active))
	assert.False(t, CanTransition(Inert, Active))
	assert.False(t, CanTransition(Rejected, Installed))
}

func TestResumeAfterRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.reg.Load(ctx, manifest("acme:drums/pass", "1.0.0"), passThrough)
	require.NoError(t, err)
	require.NoError(t, f.reg.Enable(ctx, def.Key(), 1))
	tokens := f.grants.List("acme:drums/pass")

	// A fresh registry over restored tokens.
	g := newFixture(t)
	_, err = g.reg.Install(ctx, def.Artifact)
	require.NoError(t, err)
	active, err := g.reg.Resume(def.Key(), 2)
	require.NoError(t, err)
	assert.False(t, active, "no tokens restored yet")
	assert.Equal(t, Installed, g.reg.State(def.Key()))

	g.grants.Restore(tokens)
	active, err = g.reg.Resume(def.Key(), 2)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, Active, g.reg.State(def.Key()))

	_, err = g.reg.Resume(def.Key(), 2)
	assert.True(t, IsTransitionError(err))
}
