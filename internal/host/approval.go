package host

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/roach88/cardrt/internal/ir"
)

// DefaultApproval auto-commits container edits and holds graph and meta
// patches for an explicit decision.
const DefaultApproval = `patch.kind == "ContainerWrite"`

// Policy decides which staged patches commit without a user decision. Rules
// are CEL expressions over
//
//	patch.kind  capability kind the tier needs, e.g. "GraphPatch"
//	patch.tier  "container", "graph" or "meta"
//	patch.card  proposing card id
//	patch.ops   list of op records
//
// and must evaluate to a bool. A card may carry its own rule; otherwise
// the default rule applies.
type Policy struct {
	env      *cel.Env
	def      string
	perCard  map[string]string
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewPolicy compiles the default rule and the per-card overrides. An
// empty default means DefaultApproval.
func NewPolicy(def string, perCard map[string]string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("patch", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if def == "" {
		def = DefaultApproval
	}
	p := &Policy{
		env:      env,
		def:      def,
		perCard:  make(map[string]string, len(perCard)),
		prgCache: make(map[string]cel.Program),
	}
	if _, err := p.program(def); err != nil {
		return nil, fmt.Errorf("approval rule: %w", err)
	}
	for card, expr := range perCard {
		if _, err := p.program(expr); err != nil {
			return nil, fmt.Errorf("approval rule for %s: %w", card, err)
		}
		p.perCard[card] = expr
	}
	return p, nil
}

// Rule returns the expression that applies to card.
func (p *Policy) Rule(card string) string {
	if expr, ok := p.perCard[card]; ok {
		return expr
	}
	return p.def
}

// AutoCommit evaluates the applicable rule against a staged patch.
func (p *Policy) AutoCommit(patch *ir.Patch) (bool, error) {
	prg, err := p.program(p.Rule(patch.Provenance.Card))
	if err != nil {
		return false, err
	}
	input := map[string]any{
		"patch": map[string]any{
			"kind": TierKind(patch.Tier).String(),
			"tier": patch.Tier,
			"card": patch.Provenance.Card,
			"ops":  ir.ToGo(ir.OpsToIR(patch.Ops)),
		},
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("approval rule did not return a bool")
	}
	return val, nil
}

func (p *Policy) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, hit := p.prgCache[expr]
	p.mu.RUnlock()
	if hit {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, hit = p.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := p.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	p.prgCache[expr] = prg
	return prg, nil
}
