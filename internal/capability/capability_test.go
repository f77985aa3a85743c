package capability

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardrt/internal/ir"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("tok-%d", n)
	}
}

func TestLattice(t *testing.T) {
	assert.Equal(t, GraphPatch, Join(ReadOnly, GraphPatch))
	assert.Equal(t, ReadOnly, Meet(ReadOnly, GraphPatch))
	assert.True(t, MetaTransform.Dominates(None))
	assert.False(t, EventWrite.Dominates(ContainerWrite))

	for k := None; k <= MetaTransform; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("Root")
	assert.Error(t, err)
}

func TestMinimalKindMatchesPrimitiveTable(t *testing.T) {
	for name, spec := range ir.Primitives {
		if !spec.NeedsToken() {
			continue
		}
		want := MustParseKind(spec.Kind)
		got := None
		for _, e := range spec.Effects {
			got = Join(got, MinimalKind(e))
		}
		assert.Equal(t, want, got, name)
	}
}

func TestComposeJoinsPerScope(t *testing.T) {
	a := []Grant{{ReadOnly, MustParseScope("container:drums")}, {EventWrite, MustParseScope("stream:out")}}
	b := []Grant{{ContainerWrite, MustParseScope("container:drums")}}
	got := Compose(a, b)
	require.Len(t, got, 2)
	assert.Equal(t, Grant{ContainerWrite, MustParseScope("container:drums")}, got[0])
	assert.Equal(t, Grant{EventWrite, MustParseScope("stream:out")}, got[1])
}

func TestCommonMeetsPerScope(t *testing.T) {
	drums := MustParseScope("container:drums")
	a := []Grant{{GraphPatch, drums}, {EventWrite, MustParseScope("stream:out")}}
	b := []Grant{{ReadOnly, drums}, {ContainerWrite, drums}, {MetaTransform, MustParseScope("graph:*")}}
	assert.Equal(t, []Grant{{ContainerWrite, drums}}, Common(a, b))
	assert.Empty(t, Common(a, nil))
}

func TestGrantTableGrantsAreLiveAndJoined(t *testing.T) {
	ctx := context.Background()
	g := NewGrantTable()
	drums := MustParseScope("container:drums")
	_, err := g.Grant(ctx, GrantRequest{Card: "acme:a/x", Alias: "read", Kind: ReadOnly, Scope: drums})
	require.NoError(t, err)
	_, err = g.Grant(ctx, GrantRequest{Card: "acme:a/x", Alias: "edit", Kind: ContainerWrite, Scope: drums, ExpiresAtTick: 5})
	require.NoError(t, err)

	assert.Equal(t, []Grant{{ContainerWrite, drums}}, g.Grants("acme:a/x", 1))
	assert.Equal(t, []Grant{{ReadOnly, drums}}, g.Grants("acme:a/x", 5))
	assert.Empty(t, g.Grants("acme:b/y", 1))
}

func TestScopeNamePatterns(t *testing.T) {
	tests := []struct {
		scope    string
		resource Scope
		covers   bool
	}{
		{"container:*", Resource(ScopeContainer, "a/b"), true},
		{"stream:*", Resource(ScopeStream, "inst-1/out"), true},
		{"stream:inst-1/*", Resource(ScopeStream, "inst-1/out"), true},
		{"stream:inst-1/*", Resource(ScopeStream, "inst-2/out"), false},
		{"stream:*/out", Resource(ScopeStream, "a/b/out"), true},
		{"graph:n?", Resource(ScopeGraph, "n1"), true},
		{"graph:n?", Resource(ScopeGraph, "n12"), false},
		{"graph:a*b*c", Resource(ScopeGraph, "aXbYbZc"), true},
		{"graph:a*b*c", Resource(ScopeGraph, "aXbYc!"), false},
		{"graph:**", Resource(ScopeGraph, ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.scope+" "+tt.resource.Name, func(t *testing.T) {
			assert.Equal(t, tt.covers, MustParseScope(tt.scope).Covers(tt.resource))
		})
	}

	_, err := ParseScope("container:[ab]")
	assert.Error(t, err)
}

func TestScope(t *testing.T) {
	s := MustParseScope("container:drum*")
	assert.True(t, s.Covers(Resource(ScopeContainer, "drums")))
	assert.False(t, s.Covers(Resource(ScopeContainer, "bass")))
	assert.False(t, s.Covers(Resource(ScopeGraph, "drums")))
	assert.True(t, MustParseScope("*:*").Covers(Resource(ScopeMeta, "x")))
	assert.Equal(t, "stream:*", MustParseScope("stream").String())

	_, err := ParseScope("disk:/etc")
	assert.Error(t, err)
	_, err = ParseResource("container:*")
	assert.Error(t, err)
}

func TestAuthorize(t *testing.T) {
	g := NewGrantTable(WithIDGenerator(seqIDs()))
	ctx := context.Background()
	tok, err := g.Grant(ctx, GrantRequest{Card: "acme:a/x", Alias: "edit", Kind: ContainerWrite, Scope: MustParseScope("container:drums"), ExpiresAtTick: 10})
	require.NoError(t, err)
	view := g.View("acme:a/x")

	_, err = Authorize(view, "acme:a/x", tok.ID, ContainerWrite, Resource(ScopeContainer, "drums"), 1)
	assert.NoError(t, err)

	tests := []struct {
		name     string
		need     Kind
		resource Scope
		tick     int64
		reason   string
	}{
		{"kind too low", GraphPatch, Resource(ScopeContainer, "drums"), 1, ReasonInsufficient},
		{"out of scope", ContainerWrite, Resource(ScopeContainer, "bass"), 1, ReasonOutOfScope},
		{"expired", ContainerWrite, Resource(ScopeContainer, "drums"), 10, ReasonExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Authorize(view, "acme:a/x", tok.ID, tt.need, tt.resource, tt.tick)
			v, ok := AsViolation(err)
			require.True(t, ok)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.need.String(), v.Missing)
		})
	}

	_, err = Authorize(view, "acme:a/x", "forged", ReadOnly, Resource(ScopeContainer, "drums"), 1)
	assert.True(t, IsCapabilityViolation(err))
}

func TestRevokeIsImmediateAndLogged(t *testing.T) {
	var buf bytes.Buffer
	g := NewGrantTable(WithIDGenerator(seqIDs()), WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	ctx := context.Background()
	tok, err := g.Grant(ctx, GrantRequest{Card: "acme:a/x", Alias: "graph", Kind: GraphPatch, Scope: MustParseScope("graph:*")})
	require.NoError(t, err)

	snap := g.Snapshot("acme:a/x", 0)
	live := g.View("acme:a/x")

	var seen []Revocation
	g.OnRevoke(func(r Revocation) { seen = append(seen, r) })
	require.NoError(t, g.Revoke(ctx, tok.ID, 3, "user"))
	require.NoError(t, g.Revoke(ctx, tok.ID, 4, "again"), "second revoke is a no-op")

	require.Len(t, seen, 1)
	assert.Equal(t, int64(3), seen[0].Tick)
	assert.Contains(t, buf.String(), `"event":"capability.revoke"`)

	_, err = Authorize(live, "acme:a/x", tok.ID, GraphPatch, Resource(ScopeGraph, "n1"), 5)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, ReasonRevoked, v.Reason)

	_, err = Authorize(snap, "acme:a/x", tok.ID, GraphPatch, Resource(ScopeGraph, "n1"), 5)
	assert.NoError(t, err, "a snapshot keeps the privileges it started with")
	assert.Empty(t, g.LiveTokens("acme:a/x", 5))
}

func TestGrantReplacesAlias(t *testing.T) {
	g := NewGrantTable(WithIDGenerator(seqIDs()))
	ctx := context.Background()
	first, err := g.Grant(ctx, GrantRequest{Card: "acme:a/x", Alias: "out", Kind: EventWrite, Scope: MustParseScope("stream:out")})
	require.NoError(t, err)
	_, err = g.Grant(ctx, GrantRequest{Card: "acme:a/x", Alias: "out", Kind: EventWrite, Scope: MustParseScope("stream:*")})
	require.NoError(t, err)

	old, _ := g.Get(first.ID)
	assert.True(t, old.Revoked)
	assert.Len(t, g.LiveTokens("acme:a/x", 0), 1)
}

func TestPreflight(t *testing.T) {
	g := NewGrantTable(WithIDGenerator(seqIDs()))
	ctx := context.Background()
	_, err := g.Grant(ctx, GrantRequest{Card: "acme:a/x", Alias: "edit", Kind: ReadOnly, Scope: MustParseScope("container:drums")})
	require.NoError(t, err)

	required := []ir.CapabilityDescriptor{{Name: "edit", Kind: "ContainerWrite", Scope: "container:drums"}}
	declared := ir.Row([]string{"container"}, []string{"container"}, nil)

	err = Preflight("acme:a/x", required, declared, g.View("acme:a/x"), 0)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, "ContainerWrite", v.Missing)
	assert.Equal(t, "container:drums", v.Resource)
	assert.Equal(t, ReasonInsufficient, v.Reason)

	_, err = g.Grant(ctx, GrantRequest{Card: "acme:a/x", Alias: "edit", Kind: ContainerWrite, Scope: MustParseScope("container:drums")})
	require.NoError(t, err)
	assert.NoError(t, Preflight("acme:a/x", required, declared, g.View("acme:a/x"), 0))

	err = Preflight("acme:a/x", nil, ir.Row(nil, []string{"events"}, nil), g.View("acme:a/x"), 0)
	v, ok = AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, "EventWrite", v.Missing)
	assert.Equal(t, "writes:events", v.Effect)
}

func TestMeterStopsBeforeNegative(t *testing.T) {
	m := NewMeter(100)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Charge(10, "emit_events"))
	}
	err := m.Charge(10, "emit_events")
	require.True(t, IsGasExhausted(err))
	assert.Equal(t, int64(0), m.Remaining())
	assert.Equal(t, int64(100), m.Used())
}

func TestMeterProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("remaining never increases and never goes negative", prop.ForAll(
		func(budget int64, charges []int64) bool {
			m := NewMeter(budget)
			prev := m.Remaining()
			for _, c := range charges {
				_ = m.Charge(c, "step")
				if m.Remaining() > prev || m.Remaining() < 0 {
					return false
				}
				prev = m.Remaining()
			}
			return true
		},
		gen.Int64Range(0, 10_000),
		gen.SliceOf(gen.Int64Range(0, 500)),
	))

	properties.Property("successful charges are bounded by the budget", prop.ForAll(
		func(budget int64, cost int64) bool {
			m := NewMeter(budget)
			ok := int64(0)
			for m.Charge(cost, "step") == nil {
				ok++
				if ok > budget {
					return false
				}
			}
			return ok == budget/cost
		},
		gen.Int64Range(0, 5_000),
		gen.Int64Range(1, 50),
	))

	properties.TestingRun(t)
}

func TestAuthorizeKindIgnoresScope(t *testing.T) {
	g := NewGrantTable(WithIDGenerator(seqIDs()))
	tok, err := g.Grant(context.Background(), GrantRequest{Card: "acme:a/x", Alias: "edit", Kind: ReadOnly, Scope: MustParseScope("container:drums")})
	require.NoError(t, err)

	_, err = AuthorizeKind(g.View("acme:a/x"), "acme:a/x", tok.ID, ContainerWrite, "container:drums", 0)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, "ContainerWrite", v.Missing)
	assert.Equal(t, "container:drums", v.Resource)
	assert.Equal(t, ReasonInsufficient, v.Reason)

	_, err = AuthorizeKind(g.View("acme:a/x"), "acme:a/x", tok.ID, ReadOnly, "container:bass", 0)
	assert.NoError(t, err)
}
