package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceSnapshot_Marshal(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "s",
		Trace: []TraceEvent{
			{Type: TraceTick, Tick: 1, Outcomes: []OutcomeTrace{
				{Instance: "inst-1", Card: "acme:pack/a", Code: CodeOK, Events: 2, GasUsed: 41, Held: []string{"p1"}},
			}},
			{Type: TraceCommit, Tick: 1, Target: "p1", Status: "committed"},
			{Type: TraceEnable, Tick: 1, Target: "inst-9", Error: "unknown instance"},
		},
	}
	data, err := snap.Marshal()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"s","trace":[`+
			`{"outcomes":[{"card":"acme:pack/a","code":"ok","events":2,"held":["p1"],"instance":"inst-1"}],"tick":1,"type":"tick"},`+
			`{"status":"committed","target":"p1","tick":1,"type":"commit"},`+
			`{"failed":true,"target":"inst-9","tick":1,"type":"enable"}]}`,
		string(data))
}

func TestTraceSnapshot_EmptyTick(t *testing.T) {
	snap := TraceSnapshot{ScenarioName: "s", Trace: []TraceEvent{{Type: TraceTick, Tick: 3}}}
	data, err := snap.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"scenario_name":"s","trace":[{"outcomes":[],"tick":3,"type":"tick"}]}`, string(data))
}
