package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs hands out prefix-1, prefix-2, ... It satisfies
// runtime.IDGenerator, and Func adapts it to the grant table's generator.
//
// Safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs returns a generator for prefix.
func NewSequentialIDs(prefix string) *SequentialIDs {
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Func returns Generate as a function value.
func (g *SequentialIDs) Func() func() string {
	return g.Generate
}
