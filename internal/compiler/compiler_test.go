package compiler

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

func newCompiler(t *testing.T, opts ...Option) *Compiler {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	return c
}

func mustManifest(t *testing.T, src string) *ir.Manifest {
	t.Helper()
	m, err := ParseManifest("manifest.cue", []byte(src))
	require.NoError(t, err)
	return m
}

func TestBuildHumanize(t *testing.T) {
	var logs bytes.Buffer
	c := newCompiler(t, WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	a, err := c.BuildFiles(filepath.Join("testdata", "humanize", "manifest.cue"), filepath.Join("testdata", "humanize", "humanize.card"))
	require.NoError(t, err)

	assert.Len(t, a.ID, 64)
	assert.Equal(t, "acme:drums/humanize", a.Manifest.ID)
	assert.Equal(t, ir.Row(nil, []string{"events"}, nil), a.Effects)
	assert.True(t, a.FunctionEffects["accent"].IsEmpty())
	assert.Contains(t, logs.String(), `"event":"compiler.build"`)

	data, err := ir.MarshalArtifact(a)
	require.NoError(t, err)
	back, err := ir.UnmarshalArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, a.ID, back.ID)

	loaded, err := c.Load(back)
	require.NoError(t, err)
	require.NotNil(t, loaded.Program.Func("run"))
	require.NotNil(t, loaded.Program.Func("accent"))
	assert.Empty(t, loaded.Renames)
	assert.Equal(t, "{amount: Int}", loaded.Params.Type())
}

func TestBuildIsCached(t *testing.T) {
	c := newCompiler(t, WithCacheSize(4))
	m, err := LoadManifest(filepath.Join("testdata", "humanize", "manifest.cue"))
	require.NoError(t, err)
	src := "fn run(ctx) = ctx.state\n"

	a1, err := c.Build(m, src)
	require.NoError(t, err)
	a2, err := c.Build(m, src)
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	a3, err := c.Build(m, src+"# changed\n")
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a3.ID)
}

const thinManifest = `
card: {
	id:               "acme:drums/thin"
	version:          "1.0.0"
	host_api_version: "1.2.0"
	state:            "{}"
	declared_effects: reads: ["container"]
	required_capabilities: [{name: "edit", kind: "ReadOnly", scope: "container:drums"}]
}
`

func TestEffectEscapeRejectedAtCompile(t *testing.T) {
	src := "fn run(ctx) =\n" +
		"  let id = propose_patch(ctx.caps.edit, [remove_item(\"drums\", \"k1\")]) in\n" +
		"  ctx.state\n"

	c := newCompiler(t)
	_, err := c.Build(mustManifest(t, thinManifest), src)
	require.Error(t, err)
	require.True(t, IsBuildError(err))

	diags := Diagnostics(err)
	require.Len(t, diags, 2)
	assert.True(t, diags.HasCode("E401"))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "effect_escape", []byte(diags.Render(src)))
}

func TestValidateManifest(t *testing.T) {
	base := func() *ir.Manifest {
		return &ir.Manifest{
			ID:             "acme:drums/humanize",
			Version:        "1.0.0",
			HostAPIVersion: "1.2.0",
			Signature: ir.Signature{
				Inputs:  map[string]string{"notes": "[Event]"},
				Outputs: map[string]string{"out": "[Event]"},
			},
			DeclaredEffects: ir.Row(nil, []string{"events"}, nil),
			RequiredCapabilities: []ir.CapabilityDescriptor{
				{Name: "out", Kind: "EventWrite", Scope: "stream:out"},
			},
		}
	}
	require.Empty(t, ValidateManifest(base(), DefaultCompat()))

	tests := []struct {
		name   string
		mutate func(m *ir.Manifest)
		code   string
	}{
		{"bare id", func(m *ir.Manifest) { m.ID = "humanize" }, ErrCardID},
		{"version not semver", func(m *ir.Manifest) { m.Version = "1.0" }, ErrVersion},
		{"host api too new", func(m *ir.Manifest) { m.HostAPIVersion = "3.0.0" }, ErrHostAPI},
		{"host api too old", func(m *ir.Manifest) { m.HostAPIVersion = "0.1.0" }, ErrHostAPI},
		{"number params", func(m *ir.Manifest) {
			m.Params = ir.IRObject{"type": ir.IRString("object"), "properties": ir.IRObject{
				"gain": ir.IRObject{"type": ir.IRString("number")},
			}}
		}, ErrParamsSchema},
		{"bad output type", func(m *ir.Manifest) { m.Signature.Outputs["out"] = "[Evnt]" }, "E105"},
		{"unknown category", func(m *ir.Manifest) {
			m.DeclaredEffects = ir.Row([]string{"disk"}, []string{"events"}, nil)
		}, ErrEffectCategory},
		{"unknown kind", func(m *ir.Manifest) { m.RequiredCapabilities[0].Kind = "Root" }, ErrCapabilityKind},
		{"bad scope", func(m *ir.Manifest) { m.RequiredCapabilities[0].Scope = "disk:/etc" }, ErrCapabilityScope},
		{"duplicate alias", func(m *ir.Manifest) {
			m.RequiredCapabilities = append(m.RequiredCapabilities, m.RequiredCapabilities[0])
		}, ErrCapabilityAlias},
		{"empty alias", func(m *ir.Manifest) { m.RequiredCapabilities[0].Name = " " }, ErrCapabilityAlias},
		{"declared effect never coverable", func(m *ir.Manifest) {
			m.DeclaredEffects = ir.Row(nil, []string{"events", "graph"}, nil)
		}, ErrUncoveredEffect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			diags := ValidateManifest(m, DefaultCompat())
			require.NotEmpty(t, diags)
			assert.True(t, diags.HasCode(tt.code), diags.Error())
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	m := &ir.Manifest{ID: "x", Version: "v1", HostAPIVersion: "1.2.0"}
	diags := ValidateManifest(m, DefaultCompat())
	assert.True(t, diags.HasCode(ErrCardID))
	assert.True(t, diags.HasCode(ErrVersion))
}

func TestCompat(t *testing.T) {
	c := DefaultCompat()

	cur, err := c.Check("1.0.0")
	require.NoError(t, err)
	assert.False(t, cur.Shim)
	assert.Empty(t, cur.Renames)

	old, err := c.Check("0.9.0")
	require.NoError(t, err)
	assert.True(t, old.Shim)
	assert.Equal(t, "emit_events", old.Renames["emit"])

	_, err = c.Check("1.3.0")
	assert.Error(t, err, "newer than the host")
	_, err = c.Check("banana")
	assert.Error(t, err)

	strict, err := NewCompat(ir.HostAPIVersion, "", "< 1.0.0")
	require.NoError(t, err)
	_, err = strict.Check("0.9.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deprecated")
}

func TestLegacyCardRunsUnderShim(t *testing.T) {
	manifest := `
card: {
	id:               "acme:drums/old"
	version:          "0.1.0"
	host_api_version: "0.9.0"
	signature: inputs: notes: "[Event]"
	declared_effects: writes: ["events"]
	required_capabilities: [{name: "out", kind: "EventWrite", scope: "stream:*"}]
}
`
	src := `fn run(ctx) = let n = emit(ctx.caps.out, "out", ctx.inputs.notes) in ctx.state`

	c := newCompiler(t)
	a, err := c.Build(mustManifest(t, manifest), src)
	require.NoError(t, err)
	assert.Equal(t, ir.Row(nil, []string{"events"}, nil), a.Effects)

	loaded, err := c.Load(a)
	require.NoError(t, err)
	assert.Equal(t, "emit_events", loaded.Renames["emit"])

	strict, err := NewCompat(ir.HostAPIVersion, "", "< 1.0.0")
	require.NoError(t, err)
	_, err = newCompiler(t, WithCompat(strict)).Load(a)
	assert.Error(t, err, "deprecated artifacts stop loading")
}

func TestLoadRejectsTamperedArtifact(t *testing.T) {
	c := newCompiler(t)
	a, err := c.Build(mustManifest(t, thinManifest), "fn run(ctx) = ctx.state")
	require.NoError(t, err)

	forged := *a
	forged.Effects = ir.EffectRow{}.Normalize()
	forged.Source = "fn run(ctx) = ctx.state # forged"
	_, err = c.Load(&forged)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestManifestErrors(t *testing.T) {
	_, err := ParseManifest("m.cue", []byte(`card: {id: "acme:a/b"`))
	require.Error(t, err)
	assert.Equal(t, ErrManifestCUE, Diagnostics(err)[0].Code)

	_, err = ParseManifest("m.cue", []byte(`other: {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card")

	_, err = ParseManifest("m.cue", []byte(`card: {id: "acme:a/b", version: "1.0.0"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host_api_version is required")

	_, err = ParseManifest("m.cue", []byte(`card: {id: "acme:a/b", version: "1.0.0", host_api_version: "1.2.0", params: {type: "object", properties: x: {type: "integer", multipleOf: 0.5}}}`))
	require.Error(t, err)
	assert.Equal(t, ErrParamsSchema, Diagnostics(err)[0].Code)
}

func TestParamsSchema(t *testing.T) {
	schema := ir.IRObject{
		"type": ir.IRString("object"),
		"properties": ir.IRObject{
			"amount": ir.IRObject{"type": ir.IRString("integer"), "minimum": ir.IRInt(0), "default": ir.IRInt(10)},
			"name":   ir.IRObject{"type": ir.IRString("string"), "default": ir.IRString("x")},
			"steps":  ir.IRObject{"type": ir.IRString("array"), "items": ir.IRObject{"type": ir.IRString("integer")}, "default": ir.IRArray{}},
			"groove": ir.IRObject{"x-card-type": ir.IRString("[Event]"), "default": ir.IRArray{}},
		},
	}
	ps, err := CompileParams("acme:drums/humanize", schema)
	require.NoError(t, err)
	assert.Equal(t, "{amount: Int, groove: [Event], name: Str, steps: [Int]}", ps.Type())

	got, err := ps.Resolve(ir.IRObject{"amount": ir.IRInt(3)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(3), got["amount"])
	assert.Equal(t, ir.IRString("x"), got["name"])

	_, err = ps.Resolve(ir.IRObject{"amount": ir.IRInt(-1)})
	assert.Error(t, err, "minimum")
	_, err = ps.Resolve(ir.IRObject{"amount": ir.IRString("3")})
	assert.Error(t, err)

	empty, err := CompileParams("acme:drums/none", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty.Type())
}

func TestParamsTypeRejectsFractions(t *testing.T) {
	_, err := ParamsType(ir.IRObject{"type": ir.IRString("number")})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "integer"))
}

func TestDeeplyNestedSourceIsADiagnostic(t *testing.T) {
	src := "fn run(ctx) = " + strings.Repeat("(", 200_000) + "ctx.state" + strings.Repeat(")", 200_000)

	c := newCompiler(t)
	_, err := c.Build(mustManifest(t, thinManifest), src)
	require.True(t, IsBuildError(err))
	assert.True(t, Diagnostics(err).HasCode(lang.ErrNestingDepth))
}

func TestOversizedSourceIsRejectedBeforeReading(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.card")
	big := "fn run(ctx) = ctx.state\n" + strings.Repeat("#", lang.MaxSourceBytes)
	require.NoError(t, os.WriteFile(path, []byte(big), 0o644))

	c := newCompiler(t)
	_, err := c.BuildFiles(filepath.Join("testdata", "humanize", "manifest.cue"), path)
	require.True(t, IsBuildError(err))
	assert.True(t, Diagnostics(err).HasCode(lang.ErrSourceTooLarge))
}
