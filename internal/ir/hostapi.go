package ir

import "slices"

// Capability kind names, least privilege first.
const (
	KindNone           = "None"
	KindReadOnly       = "ReadOnly"
	KindEventWrite     = "EventWrite"
	KindContainerWrite = "ContainerWrite"
	KindGraphPatch     = "GraphPatch"
	KindMetaTransform  = "MetaTransform"
)

// PrimitiveSpec describes a host-mediated primitive. Signature uses script
// type syntax. Every primitive except log takes a capability token first.
type PrimitiveSpec struct {
	Name      string
	Signature string
	Effects   []Effect
	Kind      string // minimal capability kind
}

// NeedsToken reports whether the first argument is a capability token.
func (p PrimitiveSpec) NeedsToken() bool {
	return p.Kind != KindNone
}

// Row returns the primitive's effect tag as a row.
func (p PrimitiveSpec) Row() EffectRow {
	var r EffectRow
	for _, e := range p.Effects {
		switch e.Label {
		case "reads":
			r.Reads = append(r.Reads, e.Category)
		case "writes":
			r.Writes = append(r.Writes, e.Category)
		case "creates":
			r.Creates = append(r.Creates, e.Category)
		}
	}
	return r.Normalize()
}

// Primitives is the host API surface visible to scripts.
var Primitives = map[string]PrimitiveSpec{
	"read_container": {
		Name:      "read_container",
		Signature: "(Token, Str) -> Container",
		Effects:   []Effect{{"reads", CatContainer}},
		Kind:      KindReadOnly,
	},
	"emit_events": {
		Name:      "emit_events",
		Signature: "(Token, Str, [Event]) -> Int",
		Effects:   []Effect{{"writes", CatEvents}},
		Kind:      KindEventWrite,
	},
	"emit_automation": {
		Name:      "emit_automation",
		Signature: "(Token, Str, [Point]) -> Int",
		Effects:   []Effect{{"writes", CatAutomation}},
		Kind:      KindEventWrite,
	},
	"propose_patch": {
		Name:      "propose_patch",
		Signature: "(Token, [ContainerOp]) -> Str",
		Effects:   []Effect{{"writes", CatContainer}, {"creates", CatContainer}},
		Kind:      KindContainerWrite,
	},
	"propose_graph_patch": {
		Name:      "propose_graph_patch",
		Signature: "(Token, [GraphOp]) -> Str",
		Effects:   []Effect{{"writes", CatGraph}, {"creates", CatGraph}},
		Kind:      KindGraphPatch,
	},
	"propose_meta_patch": {
		Name:      "propose_meta_patch",
		Signature: "(Token, [MetaOp]) -> Str",
		Effects:   []Effect{{"writes", CatMeta}},
		Kind:      KindMetaTransform,
	},
	"register_event_kind": {
		Name:      "register_event_kind",
		Signature: "(Token, Str, [Str]) -> Str",
		Effects:   []Effect{{"creates", CatRegistry}},
		Kind:      KindReadOnly,
	},
	"register_port_type": {
		Name:      "register_port_type",
		Signature: "(Token, Str, Str) -> Str",
		Effects:   []Effect{{"creates", CatRegistry}},
		Kind:      KindReadOnly,
	},
	"log": {
		Name:      "log",
		Signature: "(Str, Str, a) -> Bool",
		Kind:      KindNone,
	},
}

// Library lists the pure built-in functions with their polymorphic
// signatures. Lowercase names are type variables; `..r` names a row
// variable shared across the signature.
var Library = map[string]string{
	"map":    "([a], (a) -> b) -> [b]",
	"filter": "([a], (a) -> Bool) -> [a]",
	"fold":   "([a], b, (b, a) -> b) -> b",
	"merge":  "([{at: Int, ..r}], [{at: Int, ..r}]) -> [{at: Int, ..r}]",
	"split":  "([{at: Int, ..r}], Int) -> {before: [{at: Int, ..r}], after: [{at: Int, ..r}]}",
	"len":    "([a]) -> Int",
	"concat": "([a], [a]) -> [a]",
	"range":  "(Int, Int) -> [Int]",
	"nth":    "([a], Int, a) -> a",
	"str":    "(a) -> Str",
	"min":    "(Int, Int) -> Int",
	"max":    "(Int, Int) -> Int",
	"abs":    "(Int) -> Int",
	"clamp":  "(Int, Int, Int) -> Int",
	"rng":    "(Int) -> Rng",
	// rand_int draws from [lo, hi] and returns the advanced generator.
	"rand_int": "(Rng, Int, Int) -> {value: Int, rng: Rng}",

	"new_container": "(Str, Str) -> ContainerOp",
	"add_item":      "(Str, Item) -> ContainerOp",
	"update_item":   "(Str, Item) -> ContainerOp",
	"remove_item":   "(Str, Str) -> ContainerOp",
	"add_node":      "(Str, Str) -> GraphOp",
	"remove_node":   "(Str) -> GraphOp",
	"connect":       "(Str, Str) -> GraphOp",
	"disconnect":    "(Str, Str) -> GraphOp",
	"set_meta":      "(Str, Str, Str) -> MetaOp",
}

// Aliases are the platform type aliases every script can name.
var Aliases = map[string]string{
	"Event":     "{at, dur, pitch, vel: Int, kind: Str}",
	"Point":     "{at: Int, value: Int}",
	"Item":      "{id: Str, event: Event}",
	"Container": "{id: Str, kind: Str, items: [Item]}",
}

// BaseTypes are the nominal types of the script language.
var BaseTypes = []string{"Int", "Bool", "Str", "Token", "Rng", "ContainerOp", "GraphOp", "MetaOp"}

// IsReserved reports whether name belongs to a primitive or library function.
func IsReserved(name string) bool {
	_, prim := Primitives[name]
	_, lib := Library[name]
	return prim || lib
}

// legacyNames maps primitive names of older host API majors onto the
// current ones.
var legacyNames = map[uint64]map[string]string{
	0: {
		"emit":     "emit_events",
		"automate": "emit_automation",
		"read":     "read_container",
		"patch":    "propose_patch",
	},
}

// ShimNames returns the renames needed to run code written against the given
// host API major version. The result is empty for the current major.
func ShimNames(major uint64) map[string]string {
	out := map[string]string{}
	for k, v := range legacyNames[major] {
		out[k] = v
	}
	return out
}

// PrimitiveNames returns primitive names in sorted order.
func PrimitiveNames() []string {
	names := make([]string, 0, len(Primitives))
	for n := range Primitives {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
