package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/cardrt/internal/app"
	"github.com/roach88/cardrt/internal/ir"
)

// AssertionContext is what assertions evaluate against.
type AssertionContext struct {
	App    *app.App
	Result *Result
	Ctx    context.Context
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	ticks := 0
	for _, ev := range e.Trace {
		if ev.Type == TraceTick {
			ticks++
		}
	}
	fmt.Fprintf(&buf, "\nTrace: %d steps, %d ticks\n", len(e.Trace), ticks)
	for i, ev := range e.Trace {
		if ev.Error != "" {
			fmt.Fprintf(&buf, "  [%d] %s %s: %s\n", i+1, ev.Type, ev.Target, ev.Error)
		}
	}
	return buf.String()
}

func fail(actx *AssertionContext, a Assertion, expected, actual string) error {
	return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: actx.Result.Trace}
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertOutcome:
		return assertOutcome(a, actx)
	case AssertStreamCount:
		got := actx.App.Workspace.StreamLen(a.Stream)
		if got != a.Count {
			return fail(actx, a, fmt.Sprintf("stream %s has %d events", a.Stream, a.Count), fmt.Sprintf("%d events", got))
		}
	case AssertState:
		return assertState(a, actx)
	case AssertPatchCount:
		got := len(actx.App.Host.Board().List(ir.PatchStatus(a.Status)))
		if got != a.Count {
			return fail(actx, a, fmt.Sprintf("%d %s patches", a.Count, a.Status), fmt.Sprintf("%d", got))
		}
	case AssertContainerItems:
		c, ok := actx.App.Workspace.Container(a.Container)
		if !ok {
			return fail(actx, a, fmt.Sprintf("container %s with %d items", a.Container, a.Count), "no such container")
		}
		if len(c.Items) != a.Count {
			return fail(actx, a, fmt.Sprintf("container %s with %d items", a.Container, a.Count), fmt.Sprintf("%d items", len(c.Items)))
		}
	case AssertNode:
		if got := actx.App.Workspace.HasNode(a.Node); got != *a.Present {
			return fail(actx, a, fmt.Sprintf("node %s present=%t", a.Node, *a.Present), fmt.Sprintf("present=%t", got))
		}
	case AssertDisabled:
		inst, ok := actx.App.Runtime.Instance(a.Instance)
		if !ok {
			return fail(actx, a, fmt.Sprintf("instance %s", a.Instance), "no such instance")
		}
		if inst.Disabled != *a.Disabled {
			return fail(actx, a, fmt.Sprintf("instance %s disabled=%t", a.Instance, *a.Disabled), fmt.Sprintf("disabled=%t (%s)", inst.Disabled, inst.Badge))
		}
	case AssertDefinition:
		if got := string(actx.App.Registry.State(a.Definition)); got != a.State {
			return fail(actx, a, fmt.Sprintf("definition %s in state %s", a.Definition, a.State), got)
		}
	case AssertRevocations:
		revs, err := actx.App.Store.Revocations(actx.Ctx, a.Card)
		if err != nil {
			return err
		}
		if len(revs) != a.Count {
			return fail(actx, a, fmt.Sprintf("%d revocations of %s", a.Count, a.Card), fmt.Sprintf("%d", len(revs)))
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func assertOutcome(a Assertion, actx *AssertionContext) error {
	o, ok := actx.Result.Outcome(a.Tick, a.Instance)
	if !ok {
		return fail(actx, a, fmt.Sprintf("%s ran in tick %d", a.Instance, a.Tick), "no outcome recorded")
	}
	if o.Code != a.Code {
		return fail(actx, a, fmt.Sprintf("%s in tick %d: %s", a.Instance, a.Tick, a.Code), o.Code)
	}
	return nil
}

func assertState(a Assertion, actx *AssertionContext) error {
	inst, ok := actx.App.Runtime.Instance(a.Instance)
	if !ok {
		return fail(actx, a, fmt.Sprintf("instance %s", a.Instance), "no such instance")
	}
	state, ok := ir.ToGo(inst.State).(map[string]any)
	if !ok {
		return fail(actx, a, "a record state", fmt.Sprintf("%T", ir.ToGo(inst.State)))
	}
	if !matchFields(state, a.Expect) {
		return fail(actx, a, fmt.Sprintf("state containing %v", a.Expect), fmt.Sprintf("%v", state))
	}
	return nil
}

// matchFields reports whether every expected field is present in actual
// with an equal value. Extra fields in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares values across the numeric types YAML and IR
// produce (int, int64, float64).
func valuesEqual(a, b any) bool {
	if ai, ok := toInt(a); ok {
		bi, ok := toInt(b)
		return ok && ai == bi
	}
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		return len(am) == len(bm) && matchFields(am, bm)
	}
	as, aok := a.([]any)
	bs, bok := b.([]any)
	if aok && bok {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
