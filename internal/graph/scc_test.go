package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSCCReverseTopological(t *testing.T) {
	g := Graph{
		"run":    {"accent", "helper"},
		"accent": {"helper"},
		"helper": {},
	}
	sccs := SCC(g)
	require.Len(t, sccs, 3)
	assert.Equal(t, []string{"helper"}, sccs[0], "callees come first")
	assert.Equal(t, []string{"run"}, sccs[2])
}

func TestSCCMutualRecursion(t *testing.T) {
	g := Graph{
		"even": {"odd"},
		"odd":  {"even"},
		"run":  {"even"},
	}
	sccs := SCC(g)
	require.Len(t, sccs, 2)
	assert.Equal(t, []string{"even", "odd"}, sccs[0])

	cycles := Cycles(g)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"even", "odd", "even"}, cycles[0].Path)
}

func TestCyclesSelfLoop(t *testing.T) {
	cycles := Cycles(Graph{"loop": {"loop"}})
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"loop", "loop"}, cycles[0].Path)
	assert.Contains(t, cycles[0].Message, "loop -> loop")
}

func TestTopoOrderTiesById(t *testing.T) {
	g := Graph{
		"b-producer": {"c-consumer"},
		"a-solo":     {},
		"c-consumer": {},
	}
	order, cycles := TopoOrder(g)
	assert.Empty(t, cycles)
	assert.Equal(t, []string{"a-solo", "b-producer", "c-consumer"}, order)
}

func TestTopoOrderProducerBeforeConsumer(t *testing.T) {
	g := Graph{
		"a": {},
		"z": {"a"},
	}
	order, _ := TopoOrder(g)
	assert.Equal(t, []string{"z", "a"}, order)
}

func TestTopoOrderCycleFallsBackToIDOrder(t *testing.T) {
	g := Graph{
		"x": {"y"},
		"y": {"x"},
		"w": {"x"},
	}
	order, cycles := TopoOrder(g)
	assert.Equal(t, []string{"w", "x", "y"}, order)
	require.Len(t, cycles, 1)
}
