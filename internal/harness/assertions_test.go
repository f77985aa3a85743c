package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"int and int64", int64(3), 3, true},
		{"int and float", 3, 3.0, true},
		{"fractional float", int64(3), 3.5, false},
		{"strings", "x", "x", true},
		{"string and int", "3", 3, false},
		{"nested map", map[string]any{"n": int64(1)}, map[string]any{"n": 1}, true},
		{"map with extra key", map[string]any{"n": int64(1), "m": int64(2)}, map[string]any{"n": 1}, false},
		{"lists", []any{int64(1), "a"}, []any{1, "a"}, true},
		{"list lengths", []any{int64(1)}, []any{1, 2}, false},
		{"bools", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valuesEqual(tt.a, tt.b))
		})
	}
}

func TestMatchFields_Subset(t *testing.T) {
	actual := map[string]any{"count": int64(3), "last": "c"}
	assert.True(t, matchFields(actual, map[string]any{"count": 3}))
	assert.True(t, matchFields(actual, map[string]any{}))
	assert.False(t, matchFields(actual, map[string]any{"count": 4}))
	assert.False(t, matchFields(actual, map[string]any{"missing": 1}))
}

func TestAssertionError_Message(t *testing.T) {
	err := &AssertionError{
		Type:     AssertStreamCount,
		Expected: "stream out has 2 events",
		Actual:   "0 events",
		Trace: []TraceEvent{
			{Type: TraceTick, Tick: 1},
			{Type: TraceCommit, Tick: 1, Target: "p1", Error: "patch is not staged"},
		},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: stream_count")
	assert.Contains(t, msg, "Expected: stream out has 2 events")
	assert.Contains(t, msg, "Actual: 0 events")
	assert.Contains(t, msg, "Trace: 2 steps, 1 ticks")
	assert.Contains(t, msg, "[2] commit p1: patch is not staged")
}
