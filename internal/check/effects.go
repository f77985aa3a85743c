package check

import (
	"fmt"
	"slices"

	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// effectRows computes each function's row as the least fixpoint of its
// direct primitive effects joined with the rows of everything it calls.
func (c *checker) effectRows() map[string]ir.EffectRow {
	rows := make(map[string]ir.EffectRow, len(c.funcs))
	for name, f := range c.funcs {
		var r ir.EffectRow
		for _, s := range f.direct {
			r = r.With(s.effect)
		}
		rows[name] = r.Normalize()
	}
	for changed := true; changed; {
		changed = false
		for _, name := range c.funcNames() {
			r := rows[name]
			for callee := range c.funcs[name].calls {
				r = r.Union(rows[callee])
			}
			if !r.Equal(rows[name]) {
				rows[name] = r
				changed = true
			}
		}
	}
	return rows
}

func (c *checker) funcNames() []string {
	names := make([]string, 0, len(c.funcs))
	for name := range c.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// checkEscape reports every effect some function can perform that the
// manifest does not declare. Functions unreachable from run are checked too.
func (c *checker) checkEscape(rows map[string]ir.EffectRow, declared ir.EffectRow) {
	order := append([]string{"run"}, slices.DeleteFunc(c.funcNames(), func(n string) bool { return n == "run" })...)
	reported := make(map[ir.Effect]bool)
	for _, name := range order {
		for _, eff := range rows[name].Missing(declared) {
			if reported[eff] {
				continue
			}
			reported[eff] = true
			site, ok := c.findSite(name, eff)
			d := lang.Diagnostic{
				Code:    ErrEffectEscape,
				Message: fmt.Sprintf("effect %s is not declared by the manifest", eff),
				Field:   "declared_effects",
			}
			if ok {
				d.Message = fmt.Sprintf("call to %s performs %s, which the manifest does not declare", site.prim, eff)
				d.Pos = site.pos
			}
			c.addDiag(d)
		}
	}
}

// findSite walks the call graph breadth first from start and returns the
// first primitive call contributing eff.
func (c *checker) findSite(start string, eff ir.Effect) (effectSite, bool) {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		f := c.funcs[name]
		for _, s := range f.direct {
			if s.effect == eff {
				return s, true
			}
		}
		callees := make([]string, 0, len(f.calls))
		for callee := range f.calls {
			callees = append(callees, callee)
		}
		slices.Sort(callees)
		for _, callee := range callees {
			if !seen[callee] {
				seen[callee] = true
				queue = append(queue, callee)
			}
		}
	}
	return effectSite{}, false
}
