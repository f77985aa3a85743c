package ir

import "fmt"

// Patch operation names. The first group is produced by script-side
// constructors; drop_container and unset_meta only appear in inverses.
const (
	OpNewContainer  = "new_container"
	OpAddItem       = "add_item"
	OpUpdateItem    = "update_item"
	OpRemoveItem    = "remove_item"
	OpAddNode       = "add_node"
	OpRemoveNode    = "remove_node"
	OpConnect       = "connect"
	OpDisconnect    = "disconnect"
	OpSetMeta       = "set_meta"
	OpDropContainer = "drop_container"
	OpUnsetMeta     = "unset_meta"
)

// Patch tiers. A tier decides which capability kind a patch needs and the
// default approval route.
const (
	TierContainer = "container"
	TierGraph     = "graph"
	TierMeta      = "meta"
)

// OpTier returns the tier an operation belongs to, or "" if unknown.
func OpTier(op string) string {
	switch op {
	case OpNewContainer, OpAddItem, OpUpdateItem, OpRemoveItem, OpDropContainer:
		return TierContainer
	case OpAddNode, OpRemoveNode, OpConnect, OpDisconnect:
		return TierGraph
	case OpSetMeta, OpUnsetMeta:
		return TierMeta
	}
	return ""
}

// PatchOp is one structural edit. Only the fields relevant to Op are set.
type PatchOp struct {
	Op        string `json:"op"`
	Container string `json:"container,omitempty"`
	Kind      string `json:"kind,omitempty"` // container kind or node kind
	Item      *Item  `json:"item,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	Node      string `json:"node,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Target    string `json:"target,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value,omitempty"`
}

// Resource returns the scoped resource the op touches, as category:name.
func (op PatchOp) Resource() string {
	switch OpTier(op.Op) {
	case TierContainer:
		return "container:" + op.Container
	case TierGraph:
		if op.Op == OpConnect || op.Op == OpDisconnect {
			return "graph:" + op.From
		}
		return "graph:" + op.Node
	case TierMeta:
		return "meta:" + op.Target
	}
	return ""
}

// Resources returns every scoped resource the op touches. Edges touch
// both of their endpoints.
func (op PatchOp) Resources() []string {
	if op.Op == OpConnect || op.Op == OpDisconnect {
		return []string{"graph:" + op.From, "graph:" + op.To}
	}
	return []string{op.Resource()}
}

// ToIR encodes the op. Empty fields are omitted.
func (op PatchOp) ToIR() IRObject {
	obj := IRObject{"op": IRString(op.Op)}
	set := func(k, v string) {
		if v != "" {
			obj[k] = IRString(v)
		}
	}
	set("container", op.Container)
	set("kind", op.Kind)
	set("item_id", op.ItemID)
	set("node", op.Node)
	set("from", op.From)
	set("to", op.To)
	set("target", op.Target)
	set("key", op.Key)
	set("value", op.Value)
	if op.Item != nil {
		obj["item"] = op.Item.ToIR()
	}
	return obj
}

// PatchOpFromIR decodes an op record built by a script constructor.
func PatchOpFromIR(v IRValue) (PatchOp, error) {
	obj, ok := v.(IRObject)
	if !ok {
		return PatchOp{}, fmt.Errorf("patch op: expected object, got %T", v)
	}
	op := PatchOp{
		Op:        obj.String("op"),
		Container: obj.String("container"),
		Kind:      obj.String("kind"),
		ItemID:    obj.String("item_id"),
		Node:      obj.String("node"),
		From:      obj.String("from"),
		To:        obj.String("to"),
		Target:    obj.String("target"),
		Key:       obj.String("key"),
		Value:     obj.String("value"),
	}
	if OpTier(op.Op) == "" {
		return PatchOp{}, fmt.Errorf("patch op: unknown op %q", op.Op)
	}
	if raw, ok := obj["item"]; ok {
		it, err := ItemFromIR(raw)
		if err != nil {
			return PatchOp{}, fmt.Errorf("patch op %s: %w", op.Op, err)
		}
		op.Item = &it
	}
	return op, nil
}

// OpsToIR encodes a list of ops.
func OpsToIR(ops []PatchOp) IRArray {
	arr := make(IRArray, len(ops))
	for i, op := range ops {
		arr[i] = op.ToIR()
	}
	return arr
}

// OpsFromIR decodes a list of ops.
func OpsFromIR(v IRValue) ([]PatchOp, error) {
	arr, ok := v.(IRArray)
	if !ok {
		return nil, fmt.Errorf("patch ops: expected array, got %T", v)
	}
	out := make([]PatchOp, 0, len(arr))
	for i, x := range arr {
		op, err := PatchOpFromIR(x)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, op)
	}
	return out, nil
}

// PatchStatus is the lifecycle position of a staged patch.
type PatchStatus string

const (
	PatchStaged      PatchStatus = "staged"
	PatchCommitted   PatchStatus = "committed"
	PatchRolledBack  PatchStatus = "rolled_back"
	PatchRejected    PatchStatus = "rejected"
	PatchInvalidated PatchStatus = "invalidated"
)

// Provenance records who proposed a patch and under which capability.
// Tick and Seq are logical; wall-clock time is recorded only by the store.
type Provenance struct {
	Card       string `json:"card"`
	Instance   string `json:"instance"`
	TokenID    string `json:"token_id"`
	Capability string `json:"capability"`
	Tick       int64  `json:"tick"`
	Seq        int64  `json:"seq"`
}

// ToIR encodes the provenance record.
func (p Provenance) ToIR() IRObject {
	return IRObject{
		"card":       IRString(p.Card),
		"instance":   IRString(p.Instance),
		"token_id":   IRString(p.TokenID),
		"capability": IRString(p.Capability),
		"tick":       IRInt(p.Tick),
		"seq":        IRInt(p.Seq),
	}
}

// Patch is a previewable, invertible proposal to mutate shared structure.
type Patch struct {
	ID         string      `json:"id"`
	Tier       string      `json:"tier"`
	Ops        []PatchOp   `json:"ops"`
	Inverse    []PatchOp   `json:"inverse"`
	Preview    string      `json:"preview"`
	Status     PatchStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Provenance Provenance  `json:"provenance"`
}
