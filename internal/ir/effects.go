package ir

import (
	"fmt"
	"slices"
)

// Resource categories an effect row may name.
const (
	CatContainer  = "container"
	CatEvents     = "events"
	CatAutomation = "automation"
	CatGraph      = "graph"
	CatMeta       = "meta"
	CatRegistry   = "registry"
)

// ValidCategories lists every resource category known to the host.
var ValidCategories = map[string]bool{
	CatContainer:  true,
	CatEvents:     true,
	CatAutomation: true,
	CatGraph:      true,
	CatMeta:       true,
	CatRegistry:   true,
}

// EffectRow is the {reads, writes, creates} set a program touches.
// Each slice is kept sorted and duplicate-free; use Normalize after
// building one by hand.
type EffectRow struct {
	Reads   []string `json:"reads"`
	Writes  []string `json:"writes"`
	Creates []string `json:"creates"`
}

// Effect is one (label, category) element of a row, e.g. writes:container.
type Effect struct {
	Label    string
	Category string
}

func (e Effect) String() string {
	return e.Label + ":" + e.Category
}

// Row builds a normalized row from explicit sets.
func Row(reads, writes, creates []string) EffectRow {
	return EffectRow{Reads: reads, Writes: writes, Creates: creates}.Normalize()
}

// Normalize returns the row with every set sorted and deduplicated.
func (r EffectRow) Normalize() EffectRow {
	return EffectRow{
		Reads:   normSet(r.Reads),
		Writes:  normSet(r.Writes),
		Creates: normSet(r.Creates),
	}
}

func normSet(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// Union returns the least row containing both r and o.
func (r EffectRow) Union(o EffectRow) EffectRow {
	return EffectRow{
		Reads:   append(slices.Clone(r.Reads), o.Reads...),
		Writes:  append(slices.Clone(r.Writes), o.Writes...),
		Creates: append(slices.Clone(r.Creates), o.Creates...),
	}.Normalize()
}

// With returns the row extended by e.
func (r EffectRow) With(e Effect) EffectRow {
	switch e.Label {
	case "reads":
		r.Reads = append(slices.Clone(r.Reads), e.Category)
	case "writes":
		r.Writes = append(slices.Clone(r.Writes), e.Category)
	case "creates":
		r.Creates = append(slices.Clone(r.Creates), e.Category)
	}
	return r.Normalize()
}

// Effects flattens the row into labelled elements in a stable order.
func (r EffectRow) Effects() []Effect {
	var out []Effect
	for _, c := range r.Reads {
		out = append(out, Effect{"reads", c})
	}
	for _, c := range r.Writes {
		out = append(out, Effect{"writes", c})
	}
	for _, c := range r.Creates {
		out = append(out, Effect{"creates", c})
	}
	return out
}

// Missing returns the elements of r not present in o.
func (r EffectRow) Missing(o EffectRow) []Effect {
	var out []Effect
	for _, e := range r.Effects() {
		if !o.Has(e) {
			out = append(out, e)
		}
	}
	return out
}

// SubsetOf reports whether every element of r is in o.
func (r EffectRow) SubsetOf(o EffectRow) bool {
	return len(r.Missing(o)) == 0
}

// Has reports whether the row contains e.
func (r EffectRow) Has(e Effect) bool {
	var set []string
	switch e.Label {
	case "reads":
		set = r.Reads
	case "writes":
		set = r.Writes
	case "creates":
		set = r.Creates
	}
	return slices.Contains(set, e.Category)
}

// IsEmpty reports whether the row names no effects.
func (r EffectRow) IsEmpty() bool {
	return len(r.Reads) == 0 && len(r.Writes) == 0 && len(r.Creates) == 0
}

// Equal reports set equality.
func (r EffectRow) Equal(o EffectRow) bool {
	return r.SubsetOf(o) && o.SubsetOf(r)
}

func (r EffectRow) String() string {
	n := r.Normalize()
	return fmt.Sprintf("{reads: %v, writes: %v, creates: %v}", n.Reads, n.Writes, n.Creates)
}

// ToIR encodes the row for hashing and persistence.
func (r EffectRow) ToIR() IRObject {
	n := r.Normalize()
	return IRObject{
		"reads":   stringsToIR(n.Reads),
		"writes":  stringsToIR(n.Writes),
		"creates": stringsToIR(n.Creates),
	}
}

// EffectRowFromIR decodes a row produced by ToIR.
func EffectRowFromIR(v IRValue) (EffectRow, error) {
	obj, ok := v.(IRObject)
	if !ok {
		return EffectRow{}, fmt.Errorf("effect row: expected object, got %T", v)
	}
	var r EffectRow
	var err error
	if r.Reads, err = stringsFromIR(obj["reads"]); err != nil {
		return EffectRow{}, fmt.Errorf("effect row reads: %w", err)
	}
	if r.Writes, err = stringsFromIR(obj["writes"]); err != nil {
		return EffectRow{}, fmt.Errorf("effect row writes: %w", err)
	}
	if r.Creates, err = stringsFromIR(obj["creates"]); err != nil {
		return EffectRow{}, fmt.Errorf("effect row creates: %w", err)
	}
	return r.Normalize(), nil
}

func stringsToIR(s []string) IRArray {
	arr := make(IRArray, len(s))
	for i, x := range s {
		arr[i] = IRString(x)
	}
	return arr
}

func stringsFromIR(v IRValue) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.(IRArray)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]string, len(arr))
	for i, x := range arr {
		s, ok := x.(IRString)
		if !ok {
			return nil, fmt.Errorf("[%d]: expected string, got %T", i, x)
		}
		out[i] = string(s)
	}
	return out, nil
}
