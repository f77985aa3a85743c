package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cardrt/internal/ir"
)

// TraceSnapshot is the golden form of a run: the trace without gas
// figures and error text, so that interpreter cost tuning and message
// wording do not churn the fixtures.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// toCanonicalMap converts the snapshot for ir.MarshalCanonical, which
// only takes IR values and plain Go maps, slices and scalars.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{"type": ev.Type, "tick": ev.Tick}
		if ev.Target != "" {
			m["target"] = ev.Target
		}
		if ev.Status != "" {
			m["status"] = ev.Status
		}
		if ev.Count != 0 {
			m["count"] = ev.Count
		}
		if ev.Cycles != 0 {
			m["cycles"] = ev.Cycles
		}
		if ev.Error != "" {
			m["failed"] = true
		}
		if ev.Type == TraceTick {
			outcomes := make([]any, len(ev.Outcomes))
			for j, o := range ev.Outcomes {
				om := map[string]any{"instance": o.Instance, "card": o.Card, "code": o.Code}
				if o.Events != 0 {
					om["events"] = o.Events
				}
				if o.Points != 0 {
					om["points"] = o.Points
				}
				for key, ids := range map[string][]string{"committed": o.Committed, "held": o.Held, "rejected": o.Rejected} {
					if len(ids) > 0 {
						om[key] = stringsToAny(ids)
					}
				}
				outcomes[j] = om
			}
			m["outcomes"] = outcomes
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
}

// Marshal returns the canonical JSON of the snapshot.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden. Regenerate with
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against its golden
// file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()
	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
