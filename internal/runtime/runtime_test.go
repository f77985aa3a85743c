package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/compiler"
	"github.com/roach88/cardrt/internal/host"
	"github.com/roach88/cardrt/internal/interp"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/namespace"
	"github.com/roach88/cardrt/internal/registry"
)

const forward = `fn run(ctx) =
  let n = emit_events(ctx.caps.out, "out", ctx.inputs.notes) in
  {count: ctx.state.count + n}
`

func forwardManifest(id, version string) *ir.Manifest {
	return &ir.Manifest{
		ID:             id,
		Version:        version,
		HostAPIVersion: "1.2.0",
		Signature: ir.Signature{
			Inputs:  map[string]string{"notes": "[Event]"},
			Outputs: map[string]string{"out": "[Event]"},
		},
		State:           "{count: Int}",
		DeclaredEffects: ir.Row(nil, []string{"events"}, nil),
		RequiredCapabilities: []ir.CapabilityDescriptor{
			{Name: "out", Kind: "EventWrite", Scope: "stream:out"},
		},
	}
}

func pureManifest(id, state string) *ir.Manifest {
	return &ir.Manifest{
		ID:             id,
		Version:        "1.0.0",
		HostAPIVersion: "1.2.0",
		State:          state,
	}
}

type memStates struct {
	mu    sync.Mutex
	saved map[string]Instance
}

func (m *memStates) SaveInstance(_ context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[inst.ID] = inst
	return nil
}

type fixture struct {
	ws     *host.Workspace
	grants *capability.GrantTable
	reg    *registry.Registry
	host   *host.Host
	rt     *Runtime
	states *memStates
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, policy capability.GasPolicy, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{ws: host.NewWorkspace(), logs: &bytes.Buffer{}, states: &memStates{saved: map[string]Instance{}}}
	logger := slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	n := 0
	f.grants = capability.NewGrantTable(capability.WithLogger(logger), capability.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("tok-%d", n)
	}))
	arena := namespace.NewArena()
	c, err := compiler.New()
	require.NoError(t, err)
	f.reg = registry.New(c, f.grants, arena,
		registry.WithLogger(logger),
		registry.WithInterpreterOptions(interp.WithGasPolicy(policy), interp.WithPollInterval(64)),
	)
	f.host, err = host.New(f.ws, arena, f.grants, host.WithLogger(logger), host.WithGasPolicy(policy))
	require.NoError(t, err)
	base := []Option{
		WithLogger(logger),
		WithStateStore(f.states),
		WithIDGenerator(NewFixedGenerator("inst-a", "inst-b", "inst-c", "inst-d")),
	}
	f.rt = New(f.reg, f.host, f.grants, append(base, opts...)...)
	return f
}

// enable loads, approves and activates a card.
func (f *fixture) enable(t *testing.T, m *ir.Manifest, src string) *registry.Definition {
	t.Helper()
	def, err := f.reg.Load(context.Background(), m, src)
	require.NoError(t, err)
	require.NoError(t, f.reg.Enable(context.Background(), def.Key(), 0))
	return def
}

func (f *fixture) add(t *testing.T, cfg InstanceConfig) Instance {
	t.Helper()
	inst, err := f.rt.AddInstance(context.Background(), cfg)
	require.NoError(t, err)
	return inst
}

func notes(n int) []ir.Event {
	out := make([]ir.Event, n)
	for i := range out {
		out[i] = ir.Event{At: int64(i * 12), Dur: 6, Pitch: 60, Vel: 90, Kind: "note"}
	}
	return out
}

func outcomeOrder(rep *TickReport) []string {
	ids := make([]string, len(rep.Outcomes))
	for i, o := range rep.Outcomes {
		ids[i] = o.Instance
	}
	return ids
}

func TestOutputsApplyInDependencyOrder(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy())
	f.enable(t, forwardManifest("acme:flow/fwd", "1.0.0"), forward)

	// inst-a consumes what inst-b produces, so inst-b applies first even
	// though its id sorts later.
	consumer := f.add(t, InstanceConfig{Definition: "acme:flow/fwd", Inputs: map[string]string{"notes": "mid"}, Outputs: map[string]string{"out": "dst"}})
	producer := f.add(t, InstanceConfig{Definition: "acme:flow/fwd", Inputs: map[string]string{"notes": "src"}, Outputs: map[string]string{"out": "mid"}})
	require.Equal(t, "inst-a", consumer.ID)
	f.ws.AppendEvents("src", notes(3))

	rep, err := f.rt.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Tick)
	assert.Equal(t, []string{producer.ID, consumer.ID}, outcomeOrder(rep))
	assert.Empty(t, rep.Failed())
	assert.Equal(t, 3, f.ws.StreamLen("mid"))
	assert.Equal(t, 0, f.ws.StreamLen("dst"), "inputs are read before the tick applies")

	_, err = f.rt.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.ws.StreamLen("dst"))
	assert.Equal(t, 3, f.ws.StreamLen("mid"), "src is consumed once")

	inst, ok := f.rt.Instance(producer.ID)
	require.True(t, ok)
	assert.Equal(t, ir.IRObject{"count": ir.IRInt(3)}, inst.State)
	assert.Equal(t, 3, inst.Offsets["notes"])
	assert.Equal(t, ir.IRObject{"count": ir.IRInt(3)}, f.states.saved[consumer.ID].State)
}

func TestCycleFallsBackToIDOrder(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy())
	f.enable(t, forwardManifest("acme:flow/fwd", "1.0.0"), forward)
	f.add(t, InstanceConfig{Definition: "acme:flow/fwd", Inputs: map[string]string{"notes": "x"}, Outputs: map[string]string{"out": "y"}})
	f.add(t, InstanceConfig{Definition: "acme:flow/fwd", Inputs: map[string]string{"notes": "y"}, Outputs: map[string]string{"out": "x"}})

	rep, err := f.rt.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Cycles, 1)
	assert.Equal(t, []string{"inst-a", "inst-b"}, outcomeOrder(rep))
	assert.Contains(t, f.logs.String(), `"event":"runtime.cycle"`)
}

func TestLinksComposeProducerAndConsumerGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, capability.DefaultGasPolicy())
	f.enable(t, forwardManifest("acme:flow/fwd", "1.0.0"), forward)
	sink := forwardManifest("acme:flow/sink", "1.0.0")
	sink.RequiredCapabilities = append(sink.RequiredCapabilities,
		ir.CapabilityDescriptor{Name: "edit", Kind: "ContainerWrite", Scope: "container:drums"})
	f.enable(t, sink, forward)

	f.add(t, InstanceConfig{Definition: "acme:flow/fwd", Inputs: map[string]string{"notes": "src"}, Outputs: map[string]string{"out": "mid"}})
	f.add(t, InstanceConfig{Definition: "acme:flow/sink", Inputs: map[string]string{"notes": "mid"}})
	f.add(t, InstanceConfig{Definition: "acme:flow/fwd", Inputs: map[string]string{"notes": "elsewhere"}})

	out := capability.MustParseScope("stream:out")
	drums := capability.MustParseScope("container:drums")
	want := []Link{{
		Producer: "inst-a",
		Consumer: "inst-b",
		Stream:   "mid",
		Joined:   []capability.Grant{{Kind: capability.ContainerWrite, Scope: drums}, {Kind: capability.EventWrite, Scope: out}},
		Shared:   []capability.Grant{{Kind: capability.EventWrite, Scope: out}},
	}}
	assert.Equal(t, want, f.rt.Links())

	rep, err := f.rt.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, rep.Links)

	// The producer now holds more on drums than the consumer: the join
	// takes the higher kind, the meet the lower.
	_, err = f.grants.Grant(ctx, capability.GrantRequest{Card: "acme:flow/fwd", Alias: "meta", Kind: capability.MetaTransform, Scope: drums})
	require.NoError(t, err)
	links := f.rt.Links()
	require.Len(t, links, 1)
	assert.Equal(t, []capability.Grant{{Kind: capability.MetaTransform, Scope: drums}, {Kind: capability.EventWrite, Scope: out}}, links[0].Joined)
	assert.Equal(t, []capability.Grant{{Kind: capability.ContainerWrite, Scope: drums}, {Kind: capability.EventWrite, Scope: out}}, links[0].Shared)
}

func TestUnboundOutputWritesToInstanceStream(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy())
	f.enable(t, forwardManifest("acme:flow/fwd", "1.0.0"), forward)
	inst := f.add(t, InstanceConfig{Definition: "acme:flow/fwd", Inputs: map[string]string{"notes": "src"}})
	f.ws.AppendEvents("src", notes(2))

	_, err := f.rt.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.ws.StreamLen(inst.ID+"/out"))
}

func TestFaultsDisableAfterThreshold(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy(), WithFaultThreshold(2))
	f.enable(t, pureManifest("acme:bad/div", "{n: Int}"), "fn run(ctx) = {n: 1 / (ctx.tick - ctx.tick)}\n")
	inst := f.add(t, InstanceConfig{Definition: "acme:bad/div@1.0.0"})

	rep, err := f.rt.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Failed(), 1)
	assert.Equal(t, ErrCodeFault, rep.Outcomes[0].Code)
	assert.True(t, IsFault(rep.Outcomes[0].Err))
	got, _ := f.rt.Instance(inst.ID)
	assert.Equal(t, 1, got.Faults)
	assert.False(t, got.Disabled)

	_, err = f.rt.Tick(context.Background())
	require.NoError(t, err)
	got, _ = f.rt.Instance(inst.ID)
	assert.True(t, got.Disabled)
	assert.Contains(t, got.Badge, "disabled after 2 consecutive faults")
	assert.True(t, f.states.saved[inst.ID].Disabled, "the badge is persisted")

	rep, err = f.rt.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Outcomes, "disabled instances are not invoked")

	require.NoError(t, f.rt.Enable(context.Background(), inst.ID))
	got, _ = f.rt.Instance(inst.ID)
	assert.False(t, got.Disabled)
	assert.Empty(t, got.Badge)
	assert.Zero(t, got.Faults)
}

func TestGasExhaustionThrottlesWithoutDisabling(t *testing.T) {
	policy := capability.GasPolicy{Budget: 500, StepCost: 1, HostCallCost: 10, EventCost: 1}
	f := newFixture(t, policy, WithFaultThreshold(1))
	f.enable(t, pureManifest("acme:slow/loop", "{n: Int}"), `
fn loop(n) = if n == 0 then 0 else loop(n - 1)

fn run(ctx) = {n: loop(100000)}
`)
	inst := f.add(t, InstanceConfig{Definition: "acme:slow/loop"})

	reps, err := f.rt.Run(context.Background(), 3)
	require.NoError(t, err)
	for _, rep := range reps {
		require.Len(t, rep.Outcomes, 1)
		assert.Equal(t, ErrCodeGasExhausted, rep.Outcomes[0].Code)
	}
	got, _ := f.rt.Instance(inst.ID)
	assert.False(t, got.Disabled)
	assert.Zero(t, got.Faults)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(0)}, got.State, "state is untouched")
	assert.Contains(t, f.logs.String(), `"event":"runtime.throttle"`)
}

func TestFrameBudgetDiscardsOutput(t *testing.T) {
	policy := capability.GasPolicy{Budget: 1 << 62, StepCost: 1}
	f := newFixture(t, policy, WithFrameBudget(20*time.Millisecond))
	f.enable(t, pureManifest("acme:slow/spin", "{n: Int}"), `
fn spin(n) = spin(n + 1)

fn run(ctx) = {n: spin(0)}
`)
	f.add(t, InstanceConfig{Definition: "acme:slow/spin"})

	rep, err := f.rt.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Failed(), 1)
	assert.Equal(t, ErrCodeTimeout, rep.Outcomes[0].Code)
	assert.Equal(t, 1, f.states.saved["inst-a"].Faults)
}

func TestPreflightRefusesUnderGrantedCard(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy())
	ctx := context.Background()
	def, err := f.reg.Load(ctx, forwardManifest("acme:flow/fwd", "1.0.0"), forward)
	require.NoError(t, err)
	_, err = f.reg.RequestCapabilities(def.Key())
	require.NoError(t, err)
	require.NoError(t, f.reg.Approve(ctx, def.Key(), 0, registry.Grant{Alias: "out", Kind: capability.ReadOnly}))
	require.NoError(t, f.reg.Activate(def.Key()))

	f.add(t, InstanceConfig{Definition: def.Key(), Inputs: map[string]string{"notes": "src"}})
	f.ws.AppendEvents("src", notes(1))

	rep, err := f.rt.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Failed(), 1)
	o := rep.Outcomes[0]
	assert.Equal(t, ErrCodeCapability, o.Code)
	v, ok := capability.AsViolation(o.Err)
	require.True(t, ok)
	assert.Equal(t, capability.ReasonInsufficient, v.Reason)
	assert.Equal(t, 0, f.ws.StreamLen("inst-a/out"))
	assert.Contains(t, f.logs.String(), `"event":"runtime.violation"`)
}

func TestRevokedCardIsUnavailable(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy())
	def := f.enable(t, forwardManifest("acme:flow/fwd", "1.0.0"), forward)
	f.add(t, InstanceConfig{Definition: def.Key()})
	require.NoError(t, f.reg.Revoke(context.Background(), def.Key(), 1, "operator"))

	rep, err := f.rt.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, ErrCodeUnavailable, rep.Outcomes[0].Code)
	got, _ := f.rt.Instance("inst-a")
	assert.Zero(t, got.Faults)
}

func TestAddInstanceResolvesParams(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy())
	m := pureManifest("acme:p/amount", "{}")
	m.Params = ir.IRObject{
		"type": ir.IRString("object"),
		"properties": ir.IRObject{
			"amount": ir.IRObject{"type": ir.IRString("integer"), "minimum": ir.IRInt(0), "maximum": ir.IRInt(64), "default": ir.IRInt(10)},
		},
	}
	f.enable(t, m, "fn run(ctx) = ctx.state\n")

	inst := f.add(t, InstanceConfig{Definition: "acme:p/amount"})
	assert.Equal(t, ir.IRObject{"amount": ir.IRInt(10)}, inst.Resolved)
	assert.Equal(t, ir.IRObject{}, inst.State)

	_, err := f.rt.AddInstance(context.Background(), InstanceConfig{
		Definition: "acme:p/amount",
		Params:     ir.IRObject{"amount": ir.IRInt(100)},
	})
	require.Error(t, err)

	_, err = f.rt.AddInstance(context.Background(), InstanceConfig{Definition: "acme:p/amount", Inputs: map[string]string{"nope": "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input port")

	_, err = f.rt.AddInstance(context.Background(), InstanceConfig{Definition: "acme:p/missing"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestUpgradeKeepsConformingState(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy())
	f.enable(t, forwardManifest("acme:flow/fwd", "1.0.0"), forward)
	inst := f.add(t, InstanceConfig{Definition: "acme:flow/fwd@1.0.0", Inputs: map[string]string{"notes": "src"}})
	f.ws.AppendEvents("src", notes(2))
	_, err := f.rt.Tick(context.Background())
	require.NoError(t, err)

	f.enable(t, forwardManifest("acme:flow/fwd", "1.1.0"), forward)
	up, err := f.rt.Upgrade(context.Background(), inst.ID, "acme:flow/fwd@1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "acme:flow/fwd@1.1.0", up.Definition)
	assert.Equal(t, ir.IRObject{"count": ir.IRInt(2)}, up.State)

	m := forwardManifest("acme:flow/fwd", "2.0.0")
	m.State = "{total: Int}"
	f.enable(t, m, `fn run(ctx) =
  let n = emit_events(ctx.caps.out, "out", ctx.inputs.notes) in
  {total: ctx.state.total + n}
`)
	up, err = f.rt.Upgrade(context.Background(), inst.ID, "acme:flow/fwd")
	require.NoError(t, err)
	assert.Equal(t, "acme:flow/fwd@2.0.0", up.Definition)
	assert.Equal(t, ir.IRObject{"total": ir.IRInt(0)}, up.State)
	assert.Contains(t, f.logs.String(), `"event":"runtime.state_reset"`)

	f.enable(t, pureManifest("acme:other/x", "{}"), "fn run(ctx) = ctx.state\n")
	_, err = f.rt.Upgrade(context.Background(), inst.ID, "acme:other/x@1.0.0")
	require.Error(t, err)
}

func TestWiderRunResultIsStoredAtStateType(t *testing.T) {
	ctx := context.Background()
	src := `fn keep(s: {count: Int}) -> {count: Int} = s

fn run(ctx) = keep({count: ctx.state.count + 1, junk: 5})
`
	f := newFixture(t, capability.DefaultGasPolicy())
	f.enable(t, pureManifest("acme:p/keep", "{count: Int}"), src)
	inst := f.add(t, InstanceConfig{Definition: "acme:p/keep"})

	rep, err := f.rt.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, rep.Failed())
	got, _ := f.rt.Instance(inst.ID)
	assert.Equal(t, ir.IRObject{"count": ir.IRInt(1)}, got.State)

	next := pureManifest("acme:p/keep", "{count: Int}")
	next.Version = "1.1.0"
	f.enable(t, next, src)
	up, err := f.rt.Upgrade(ctx, inst.ID, "acme:p/keep@1.1.0")
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"count": ir.IRInt(1)}, up.State)
	assert.NotContains(t, f.logs.String(), `"event":"runtime.state_reset"`)
}

func TestRemoveInstance(t *testing.T) {
	f := newFixture(t, capability.DefaultGasPolicy())
	f.enable(t, pureManifest("acme:p/idle", "{}"), "fn run(ctx) = ctx.state\n")
	inst := f.add(t, InstanceConfig{Definition: "acme:p/idle"})
	require.NoError(t, f.rt.RemoveInstance(inst.ID))
	assert.ErrorIs(t, f.rt.RemoveInstance(inst.ID), ErrUnknownInstance)
	assert.Empty(t, f.rt.Instances())
}

func TestTicksAreReproducible(t *testing.T) {
	src := `fn run(ctx) =
  let r = rand_int(rng(ctx.seed + ctx.tick), 0, 1000) in
  {last: r.value, ticks: ctx.state.ticks + 1}
`
	runOnce := func() []ir.IRValue {
		f := newFixture(t, capability.DefaultGasPolicy(), WithWorkers(3))
		f.enable(t, pureManifest("acme:p/dice", "{last: Int, ticks: Int}"), src)
		for seed := range int64(3) {
			f.add(t, InstanceConfig{Definition: "acme:p/dice", Seed: seed + 1})
		}
		_, err := f.rt.Run(context.Background(), 4)
		require.NoError(t, err)
		var states []ir.IRValue
		for _, inst := range f.rt.Instances() {
			states = append(states, inst.State)
		}
		return states
	}
	first := runOnce()
	require.Len(t, first, 3)
	assert.Equal(t, first, runOnce())
}

func TestClock(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, int64(1), NewClock().Next())
}

func TestFixedGeneratorPanicsWhenExhausted(t *testing.T) {
	g := NewFixedGenerator("a")
	assert.Equal(t, "a", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestParseRevocationMode(t *testing.T) {
	m, err := ParseRevocationMode("abort")
	require.NoError(t, err)
	assert.Equal(t, RevokeAbort, m)
	_, err = ParseRevocationMode("later")
	assert.Error(t, err)
}
