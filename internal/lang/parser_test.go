package lang

import (
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardrt/internal/ir"
)

const humanizeSrc = `
# accent every note a little
type Hit = {at: Int, vel: Int, ..}

fn accent(e: Event, amount: Int) -> Event =
  {e | vel: clamp(e.vel + amount, 0, 127)}

fn run(ctx) =
  let notes = map(ctx.inputs.notes, fn(e) => accent(e, ctx.params.amount)) in
  let n = emit_events(ctx.caps.out, "out", notes) in
  {count: ctx.state.count + n}
`

func TestParseProgram(t *testing.T) {
	prog, err := Parse(humanizeSrc)
	require.NoError(t, err)

	require.Len(t, prog.Types, 1)
	assert.Equal(t, "Hit", prog.Types[0].Name)
	rt, ok := prog.Types[0].Type.(*RecordType)
	require.True(t, ok)
	assert.True(t, rt.Open)
	assert.Len(t, rt.Fields, 2)

	require.Len(t, prog.Funcs, 2)
	accent := prog.Func("accent")
	require.NotNil(t, accent)
	assert.Len(t, accent.Params, 2)
	assert.NotNil(t, accent.Result)
	_, ok = accent.Body.(*RecordUpdate)
	assert.True(t, ok)

	run := prog.Func("run")
	require.NotNil(t, run)
	assert.Equal(t, Pos{Line: 8, Col: 1}, run.At)
}

func TestParsePrecedence(t *testing.T) {
	e, err := ParseExpr("1 + 2 * 3 == 7 && !false")
	require.NoError(t, err)

	and, ok := e.(*Binary)
	require.True(t, ok)
	assert.Equal(t, AND, and.Op)

	eq, ok := and.L.(*Binary)
	require.True(t, ok)
	assert.Equal(t, EQ, eq.Op)

	plus, ok := eq.L.(*Binary)
	require.True(t, ok)
	assert.Equal(t, PLUS, plus.Op)
	_, ok = plus.R.(*Binary)
	assert.True(t, ok, "multiplication binds tighter than addition")
}

func TestParseSharedFieldAnnotation(t *testing.T) {
	ty, err := ParseType("{at, dur, pitch, vel: Int, kind: Str}")
	require.NoError(t, err)
	rt := ty.(*RecordType)
	require.Len(t, rt.Fields, 5)
	for _, f := range rt.Fields[:4] {
		assert.Equal(t, "Int", f.Type.(*NamedType).Name)
	}
	assert.Equal(t, "Str", rt.Fields[4].Type.(*NamedType).Name)
	assert.False(t, rt.Open)
}

func TestParseFuncType(t *testing.T) {
	ty, err := ParseType("(Int, [Event]) -> {n: Int}")
	require.NoError(t, err)
	ft, ok := ty.(*FuncType)
	require.True(t, ok)
	assert.Len(t, ft.Params, 2)
	_, ok = ft.Result.(*RecordType)
	assert.True(t, ok)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
		pos  Pos
	}{
		{"missing then", "fn run(ctx) = if true else 1", ErrUnexpectedToken, Pos{1, 23}},
		{"float literal", "fn run(ctx) = 1.5", ErrInvalidToken, Pos{1, 15}},
		{"huge int", "fn run(ctx) = 99999999999999999999", ErrIntegerRange, Pos{1, 15}},
		{"bad char", "fn run(ctx) = @", ErrInvalidToken, Pos{1, 15}},
		{"open string", "fn run(ctx) = \"abc", ErrUnterminatedText, Pos{1, 15}},
		{"stray expr", "1 + 2", ErrUnexpectedToken, Pos{1, 1}},
		{"duplicate field", "fn f() = {a: 1, a: 2}", ErrDuplicateDecl, Pos{1, 17}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			var diags Diagnostics
			require.True(t, errors.As(err, &diags))
			require.Len(t, diags, 1)
			assert.Equal(t, tt.code, diags[0].Code)
			assert.Equal(t, tt.pos, diags[0].Pos)
		})
	}
}

func TestParseNestingLimit(t *testing.T) {
	deep := 100_000
	tests := []struct {
		name string
		src  string
	}{
		{"parens", "fn run(ctx) = " + strings.Repeat("(", deep) + "1" + strings.Repeat(")", deep)},
		{"lists", "fn run(ctx) = " + strings.Repeat("[", deep) + strings.Repeat("]", deep)},
		{"negation", "fn run(ctx) = " + strings.Repeat("-", deep) + "1"},
		{"operator chain", "fn run(ctx) = 1" + strings.Repeat(" + 1", deep)},
		{"field chain", "fn run(ctx) = ctx" + strings.Repeat(".a", deep)},
		{"call chain", "fn run(ctx) = ctx" + strings.Repeat("()", deep)},
		{"lets", "fn run(ctx) = " + strings.Repeat("let x = 1 in ", deep) + "x"},
		{"types", "fn f(x: " + strings.Repeat("[", deep) + "Int" + strings.Repeat("]", deep) + ") = x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			var diags Diagnostics
			require.True(t, errors.As(err, &diags))
			require.Len(t, diags, 1)
			assert.Equal(t, ErrNestingDepth, diags[0].Code)
		})
	}

	ok := MaxNesting / 4
	_, err := Parse("fn run(ctx) = " + strings.Repeat("(", ok) + "1" + strings.Repeat(")", ok))
	assert.NoError(t, err)
	_, err = Parse("fn run(ctx) = 1" + strings.Repeat(" + 1", ok))
	assert.NoError(t, err)
}

func TestParseSourceSizeLimit(t *testing.T) {
	src := "fn run(ctx) = 1\n" + strings.Repeat("#", MaxSourceBytes)
	_, err := Parse(src)
	var diags Diagnostics
	require.True(t, errors.As(err, &diags))
	assert.Equal(t, ErrSourceTooLarge, diags[0].Code)
}

func TestParseDuplicateFunctionsAllReported(t *testing.T) {
	_, err := Parse("fn f() = 1\nfn f() = 2\nfn f() = 3\nfn run(ctx) = ctx.state")
	require.Error(t, err)
	diags := err.(Diagnostics)
	assert.Len(t, diags, 2)
	assert.True(t, diags.HasCode(ErrDuplicateDecl))
	assert.Equal(t, 2, diags[0].Pos.Line)
}

func TestRenderSyntaxError(t *testing.T) {
	src := "fn run(ctx) =\n  if true else 1"
	_, err := Parse(src)
	require.Error(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "syntax_error", []byte(err.(Diagnostics).Render(src)))
}

func TestLowerRaiseRoundTrip(t *testing.T) {
	prog, err := Parse(humanizeSrc)
	require.NoError(t, err)

	lowered := Lower(prog)
	raised, err := Raise(lowered)
	require.NoError(t, err)

	assert.Equal(t, lowered, Lower(raised), "lowering is stable across a round trip")
	call := raised.Func("run").Body.(*Let).Bound.(*Call)
	assert.Equal(t, 9, call.At.Line, "call sites keep their line")
}

func TestRaiseRejectsMalformed(t *testing.T) {
	prog, err := Raise(nil)
	require.NoError(t, err)
	assert.Empty(t, prog.Funcs)

	_, err = RaiseExpr(ir.IRArray{ir.IRString("teleport")})
	assert.Error(t, err)

	_, err = RaiseExpr(ir.IRArray{ir.IRString("bin"), ir.IRString("^"), ir.IRArray{}, ir.IRArray{}})
	assert.Error(t, err)
}
