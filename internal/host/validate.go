package host

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/namespace"
)

// Event ranges accepted by the host.
const (
	MaxPitch    = 127
	MaxVelocity = 127
)

// containerAccepts lists the event kinds a builtin container kind holds.
// Other container kinds accept any valid event.
var containerAccepts = map[string][]string{
	"notes":      {"note"},
	"drums":      {"note"},
	"controller": {"cc", "pitch_bend", "aftertouch", "program"},
	"markers":    {"marker"},
}

// opFailure is a rejected op before it is attributed to a card and patch.
type opFailure struct {
	index  int
	reason string
	msg    string
}

func failf(reason, format string, args ...any) *opFailure {
	return &opFailure{index: -1, reason: reason, msg: fmt.Sprintf(format, args...)}
}

// checkEvent validates the shape of an event.
func checkEvent(e ir.Event) *opFailure {
	switch {
	case e.At < 0:
		return failf(ReasonTypeMismatch, "event at %d is negative", e.At)
	case e.Dur < 0:
		return failf(ReasonTypeMismatch, "event dur %d is negative", e.Dur)
	case e.Pitch < 0 || e.Pitch > MaxPitch:
		return failf(ReasonTypeMismatch, "pitch %d outside 0..%d", e.Pitch, MaxPitch)
	case e.Vel < 0 || e.Vel > MaxVelocity:
		return failf(ReasonTypeMismatch, "vel %d outside 0..%d", e.Vel, MaxVelocity)
	}
	if !namespace.IsBuiltin(namespace.KindEvent, e.Kind) {
		if _, err := namespace.ParseID(e.Kind); err != nil {
			return failf(ReasonTypeMismatch, "event kind %q is neither builtin nor namespaced", e.Kind)
		}
	}
	return nil
}

func checkItem(c *ir.Container, it ir.Item) *opFailure {
	if it.ID == "" {
		return failf(ReasonTypeMismatch, "item id is empty")
	}
	if f := checkEvent(it.Event); f != nil {
		return f
	}
	if kinds, ok := containerAccepts[c.Kind]; ok && !slices.Contains(kinds, it.Event.Kind) {
		return failf(ReasonTypeMismatch, "%s container %s does not hold %s events", c.Kind, c.ID, it.Event.Kind)
	}
	return nil
}

func checkContainerKind(kind string) *opFailure {
	if _, ok := containerAccepts[kind]; ok {
		return nil
	}
	if _, err := namespace.ParseID(kind); err == nil {
		return nil
	}
	return failf(ReasonTypeMismatch, "container kind %q is neither builtin nor namespaced", kind)
}

// opScopes returns the resources an op touches as concrete scopes.
func opScopes(op ir.PatchOp) []capability.Scope {
	resources := op.Resources()
	out := make([]capability.Scope, len(resources))
	for i, r := range resources {
		cat, name, _ := strings.Cut(r, ":")
		out[i] = capability.Resource(cat, name)
	}
	return out
}

// applyOps validates ops against d and applies them in order. Each op sees
// the effect of the ones before it. When tier is set every op must belong
// to it; when scope is set every touched resource must be inside it. On
// failure d is left partially modified; callers work on a clone.
//
// The returned inverse undoes the whole list, last op first.
func (d *document) applyOps(tier string, scope *capability.Scope, ops []ir.PatchOp) (inverse []ir.PatchOp, preview []string, fail *opFailure) {
	groups := make([][]ir.PatchOp, 0, len(ops))
	for i, op := range ops {
		if tier != "" && ir.OpTier(op.Op) != tier {
			return nil, nil, &opFailure{index: i, reason: ReasonTypeMismatch, msg: fmt.Sprintf("%s is not a %s op", op.Op, tier)}
		}
		if scope != nil {
			for _, rs := range opScopes(op) {
				if !scope.Covers(rs) {
					return nil, nil, &opFailure{index: i, reason: ReasonCapabilityScope, msg: fmt.Sprintf("%s is outside token scope %s", rs, scope)}
				}
			}
		}
		inv, line, f := d.applyOp(op)
		if f != nil {
			f.index = i
			return nil, nil, f
		}
		groups = append(groups, inv)
		preview = append(preview, line)
	}
	for i := len(groups) - 1; i >= 0; i-- {
		inverse = append(inverse, groups[i]...)
	}
	return inverse, preview, nil
}

// applyOp applies one op and returns its inverse and a preview line.
func (d *document) applyOp(op ir.PatchOp) ([]ir.PatchOp, string, *opFailure) {
	switch op.Op {
	case ir.OpNewContainer:
		if op.Container == "" {
			return nil, "", failf(ReasonTypeMismatch, "container id is empty")
		}
		if _, ok := d.containers[op.Container]; ok {
			return nil, "", failf(ReasonIDCollision, "container %s already exists", op.Container)
		}
		if f := checkContainerKind(op.Kind); f != nil {
			return nil, "", f
		}
		d.containers[op.Container] = &ir.Container{ID: op.Container, Kind: op.Kind}
		return []ir.PatchOp{{Op: ir.OpDropContainer, Container: op.Container}},
			fmt.Sprintf("+ container %s (%s)", op.Container, op.Kind), nil

	case ir.OpDropContainer:
		c, ok := d.containers[op.Container]
		if !ok {
			return nil, "", failf(ReasonMissingTarget, "container %s does not exist", op.Container)
		}
		delete(d.containers, op.Container)
		inv := []ir.PatchOp{{Op: ir.OpNewContainer, Container: c.ID, Kind: c.Kind}}
		for _, it := range c.Items {
			inv = append(inv, ir.PatchOp{Op: ir.OpAddItem, Container: c.ID, Item: &it})
		}
		return inv, fmt.Sprintf("- container %s (%d items)", c.ID, len(c.Items)), nil

	case ir.OpAddItem:
		c, ok := d.containers[op.Container]
		if !ok {
			return nil, "", failf(ReasonMissingTarget, "container %s does not exist", op.Container)
		}
		if op.Item == nil {
			return nil, "", failf(ReasonTypeMismatch, "add_item without an item")
		}
		if itemIndex(c, op.Item.ID) >= 0 {
			return nil, "", failf(ReasonIDCollision, "item %s already exists in %s", op.Item.ID, c.ID)
		}
		if f := checkItem(c, *op.Item); f != nil {
			return nil, "", f
		}
		insertItem(c, *op.Item)
		return []ir.PatchOp{{Op: ir.OpRemoveItem, Container: c.ID, ItemID: op.Item.ID}},
			fmt.Sprintf("+ %s/%s %s", c.ID, op.Item.ID, describeEvent(op.Item.Event)), nil

	case ir.OpUpdateItem:
		c, ok := d.containers[op.Container]
		if !ok {
			return nil, "", failf(ReasonMissingTarget, "container %s does not exist", op.Container)
		}
		if op.Item == nil {
			return nil, "", failf(ReasonTypeMismatch, "update_item without an item")
		}
		i := itemIndex(c, op.Item.ID)
		if i < 0 {
			return nil, "", failf(ReasonMissingTarget, "item %s does not exist in %s", op.Item.ID, c.ID)
		}
		if f := checkItem(c, *op.Item); f != nil {
			return nil, "", f
		}
		old := c.Items[i]
		c.Items = slices.Delete(c.Items, i, i+1)
		insertItem(c, *op.Item)
		return []ir.PatchOp{{Op: ir.OpUpdateItem, Container: c.ID, Item: &old}},
			fmt.Sprintf("~ %s/%s %s", c.ID, old.ID, diffEvent(old.Event, op.Item.Event)), nil

	case ir.OpRemoveItem:
		c, ok := d.containers[op.Container]
		if !ok {
			return nil, "", failf(ReasonMissingTarget, "container %s does not exist", op.Container)
		}
		i := itemIndex(c, op.ItemID)
		if i < 0 {
			return nil, "", failf(ReasonMissingTarget, "item %s does not exist in %s", op.ItemID, c.ID)
		}
		old := c.Items[i]
		c.Items = slices.Delete(c.Items, i, i+1)
		return []ir.PatchOp{{Op: ir.OpAddItem, Container: c.ID, Item: &old}},
			fmt.Sprintf("- %s/%s %s", c.ID, old.ID, describeEvent(old.Event)), nil

	case ir.OpAddNode:
		if op.Node == "" || op.Kind == "" {
			return nil, "", failf(ReasonTypeMismatch, "add_node needs an id and a kind")
		}
		if _, ok := d.nodes[op.Node]; ok {
			return nil, "", failf(ReasonIDCollision, "node %s already exists", op.Node)
		}
		d.nodes[op.Node] = op.Kind
		return []ir.PatchOp{{Op: ir.OpRemoveNode, Node: op.Node}},
			fmt.Sprintf("+ node %s (%s)", op.Node, op.Kind), nil

	case ir.OpRemoveNode:
		kind, ok := d.nodes[op.Node]
		if !ok {
			return nil, "", failf(ReasonMissingTarget, "node %s does not exist", op.Node)
		}
		edges := d.incident(op.Node)
		for _, e := range edges {
			d.removeEdge(e[0], e[1])
		}
		delete(d.nodes, op.Node)
		inv := []ir.PatchOp{{Op: ir.OpAddNode, Node: op.Node, Kind: kind}}
		for _, e := range edges {
			inv = append(inv, ir.PatchOp{Op: ir.OpConnect, From: e[0], To: e[1]})
		}
		return inv, fmt.Sprintf("- node %s (%s, %d edges)", op.Node, kind, len(edges)), nil

	case ir.OpConnect:
		for _, n := range []string{op.From, op.To} {
			if _, ok := d.nodes[n]; !ok {
				return nil, "", failf(ReasonMissingTarget, "node %s does not exist", n)
			}
		}
		if op.From == op.To {
			return nil, "", failf(ReasonTypeMismatch, "node %s cannot connect to itself", op.From)
		}
		if d.hasEdge(op.From, op.To) {
			return nil, "", failf(ReasonIDCollision, "edge %s -> %s already exists", op.From, op.To)
		}
		d.addEdge(op.From, op.To)
		return []ir.PatchOp{{Op: ir.OpDisconnect, From: op.From, To: op.To}},
			fmt.Sprintf("+ edge %s -> %s", op.From, op.To), nil

	case ir.OpDisconnect:
		if !d.hasEdge(op.From, op.To) {
			return nil, "", failf(ReasonMissingTarget, "edge %s -> %s does not exist", op.From, op.To)
		}
		d.removeEdge(op.From, op.To)
		return []ir.PatchOp{{Op: ir.OpConnect, From: op.From, To: op.To}},
			fmt.Sprintf("- edge %s -> %s", op.From, op.To), nil

	case ir.OpSetMeta:
		if op.Key == "" {
			return nil, "", failf(ReasonTypeMismatch, "meta key is empty")
		}
		if !d.metaTarget(op.Target) {
			return nil, "", failf(ReasonMissingTarget, "meta target %s does not exist", op.Target)
		}
		kv := d.meta[op.Target]
		if kv == nil {
			kv = make(map[string]string)
			d.meta[op.Target] = kv
		}
		old, had := kv[op.Key]
		kv[op.Key] = op.Value
		if had {
			return []ir.PatchOp{{Op: ir.OpSetMeta, Target: op.Target, Key: op.Key, Value: old}},
				fmt.Sprintf("~ meta %s.%s = %q (was %q)", op.Target, op.Key, op.Value, old), nil
		}
		return []ir.PatchOp{{Op: ir.OpUnsetMeta, Target: op.Target, Key: op.Key}},
			fmt.Sprintf("+ meta %s.%s = %q", op.Target, op.Key, op.Value), nil

	case ir.OpUnsetMeta:
		old, had := d.meta[op.Target][op.Key]
		if !had {
			return nil, "", failf(ReasonMissingTarget, "meta %s.%s is not set", op.Target, op.Key)
		}
		delete(d.meta[op.Target], op.Key)
		if len(d.meta[op.Target]) == 0 {
			delete(d.meta, op.Target)
		}
		return []ir.PatchOp{{Op: ir.OpSetMeta, Target: op.Target, Key: op.Key, Value: old}},
			fmt.Sprintf("- meta %s.%s (was %q)", op.Target, op.Key, old), nil
	}
	return nil, "", failf(ReasonTypeMismatch, "unknown op %q", op.Op)
}

func describeEvent(e ir.Event) string {
	return fmt.Sprintf("%s at=%d dur=%d pitch=%d vel=%d", e.Kind, e.At, e.Dur, e.Pitch, e.Vel)
}

func diffEvent(a, b ir.Event) string {
	var parts []string
	field := func(name string, x, y int64) {
		if x != y {
			parts = append(parts, fmt.Sprintf("%s %d -> %d", name, x, y))
		}
	}
	field("at", a.At, b.At)
	field("dur", a.Dur, b.Dur)
	field("pitch", a.Pitch, b.Pitch)
	field("vel", a.Vel, b.Vel)
	if a.Kind != b.Kind {
		parts = append(parts, fmt.Sprintf("kind %s -> %s", a.Kind, b.Kind))
	}
	if len(parts) == 0 {
		return "unchanged"
	}
	return strings.Join(parts, ", ")
}

// previewText renders the preview of a patch.
func previewText(p *ir.Patch, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "patch %s by %s (%s, %d ops)\n", shortID(p.ID), p.Provenance.Card, TierKind(p.Tier), len(p.Ops))
	for _, l := range lines {
		b.WriteString("  ")
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// TierKind returns the capability kind a patch tier needs.
func TierKind(tier string) capability.Kind {
	switch tier {
	case ir.TierContainer:
		return capability.ContainerWrite
	case ir.TierGraph:
		return capability.GraphPatch
	case ir.TierMeta:
		return capability.MetaTransform
	}
	return capability.None
}

// PrimitiveTier returns the patch tier a propose primitive produces.
func PrimitiveTier(primitive string) string {
	switch primitive {
	case "propose_patch":
		return ir.TierContainer
	case "propose_graph_patch":
		return ir.TierGraph
	case "propose_meta_patch":
		return ir.TierMeta
	}
	return ""
}
