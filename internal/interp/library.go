package interp

import (
	"math"

	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// maxListLen bounds lists built by range so a cheap cost model cannot
// exhaust memory.
const maxListLen = 1 << 20

type libFunc struct {
	arity int
	fn    func(m *machine, args []Value, pos lang.Pos) error
}

var library map[string]libFunc

func init() {
	library = map[string]libFunc{
		"map":    {2, libMap},
		"filter": {2, libFilter},
		"fold":   {3, libFold},
		"merge":  {2, libMerge},
		"split":  {2, libSplit},
		"len":    {1, libLen},
		"concat": {2, libConcat},
		"range":  {2, libRange},
		"nth":    {3, libNth},
		"str":    {1, libStr},
		"min":    {2, intOp(func(a, b int64) int64 { return min(a, b) })},
		"max":    {2, intOp(func(a, b int64) int64 { return max(a, b) })},
		"abs":    {1, libAbs},
		"clamp":  {3, libClamp},
		"rng":    {1, libRng},

		"rand_int": {3, libRandInt},

		"new_container": {2, opCtor(newContainer)},
		"add_item":      {2, opCtor(itemOp(ir.OpAddItem))},
		"update_item":   {2, opCtor(itemOp(ir.OpUpdateItem))},
		"remove_item":   {2, opCtor(removeItem)},
		"add_node":      {2, opCtor(addNode)},
		"remove_node":   {1, opCtor(removeNode)},
		"connect":       {2, opCtor(edgeOp(ir.OpConnect))},
		"disconnect":    {2, opCtor(edgeOp(ir.OpDisconnect))},
		"set_meta":      {3, opCtor(setMeta)},
	}
}

func (m *machine) callLibrary(name string, args []Value, pos lang.Pos) error {
	lib, ok := library[name]
	if !ok {
		return faultf(pos, "unknown library function %s", name)
	}
	if len(args) != lib.arity {
		return faultf(pos, "%s expects %d arguments, got %d", name, lib.arity, len(args))
	}
	return lib.fn(m, args, pos)
}

// chargeElems bills n elements, saturating instead of overflowing.
func (m *machine) chargeElems(n uint64, what string) error {
	cost := m.in.policy.ElementCost
	if cost > 0 && n > uint64(math.MaxInt64/cost) {
		return m.meter.Charge(math.MaxInt64, what)
	}
	return m.charge(int64(n), what)
}

func argList(args []Value, i int, fn string, pos lang.Pos) (List, error) {
	l, ok := args[i].(List)
	if !ok {
		return nil, faultf(pos, "%s argument %d is a %s, not a list", fn, i+1, kindOf(args[i]))
	}
	return l, nil
}

func argInt(args []Value, i int, fn string, pos lang.Pos) (int64, error) {
	n, ok := args[i].(Int)
	if !ok {
		return 0, faultf(pos, "%s argument %d is a %s, not Int", fn, i+1, kindOf(args[i]))
	}
	return int64(n), nil
}

func argStr(args []Value, i int, fn string, pos lang.Pos) (string, error) {
	s, ok := args[i].(Str)
	if !ok {
		return "", faultf(pos, "%s argument %d is a %s, not Str", fn, i+1, kindOf(args[i]))
	}
	return string(s), nil
}

// at reads the tick of a timed record.
func at(v Value, fn string, pos lang.Pos) (int64, error) {
	r, ok := v.(Record)
	if ok {
		if n, ok := r["at"].(Int); ok {
			return int64(n), nil
		}
	}
	return 0, faultf(pos, "%s: element has no Int field at", fn)
}

// mapFrame applies fn to each element in order.
type mapFrame struct {
	fn    Value
	items List
	out   List
	pos   lang.Pos
}

func (f *mapFrame) resume(m *machine, v Value) error {
	f.out = append(f.out, v)
	return f.next(m)
}

func (f *mapFrame) next(m *machine) error {
	i := len(f.out)
	if i == len(f.items) {
		m.give(f.out)
		return nil
	}
	if err := m.charge(1, "map"); err != nil {
		return err
	}
	m.push(f)
	return m.apply(f.fn, []Value{f.items[i]}, f.pos)
}

func libMap(m *machine, args []Value, pos lang.Pos) error {
	items, err := argList(args, 0, "map", pos)
	if err != nil {
		return err
	}
	f := &mapFrame{fn: args[1], items: items, out: make(List, 0, len(items)), pos: pos}
	return f.next(m)
}

type filterFrame struct {
	fn    Value
	items List
	i     int
	out   List
	pos   lang.Pos
}

func (f *filterFrame) resume(m *machine, v Value) error {
	keep, ok := v.(Bool)
	if !ok {
		return faultf(f.pos, "filter predicate returned a %s, not Bool", kindOf(v))
	}
	if keep {
		f.out = append(f.out, f.items[f.i])
	}
	f.i++
	return f.next(m)
}

func (f *filterFrame) next(m *machine) error {
	if f.i == len(f.items) {
		m.give(f.out)
		return nil
	}
	if err := m.charge(1, "filter"); err != nil {
		return err
	}
	m.push(f)
	return m.apply(f.fn, []Value{f.items[f.i]}, f.pos)
}

func libFilter(m *machine, args []Value, pos lang.Pos) error {
	items, err := argList(args, 0, "filter", pos)
	if err != nil {
		return err
	}
	f := &filterFrame{fn: args[1], items: items, out: List{}, pos: pos}
	return f.next(m)
}

type foldFrame struct {
	fn    Value
	items List
	i     int
	acc   Value
	pos   lang.Pos
}

func (f *foldFrame) resume(m *machine, v Value) error {
	f.acc = v
	f.i++
	return f.next(m)
}

func (f *foldFrame) next(m *machine) error {
	if f.i == len(f.items) {
		m.give(f.acc)
		return nil
	}
	if err := m.charge(1, "fold"); err != nil {
		return err
	}
	m.push(f)
	return m.apply(f.fn, []Value{f.acc, f.items[f.i]}, f.pos)
}

func libFold(m *machine, args []Value, pos lang.Pos) error {
	items, err := argList(args, 0, "fold", pos)
	if err != nil {
		return err
	}
	f := &foldFrame{fn: args[2], items: items, acc: args[1], pos: pos}
	return f.next(m)
}

// libMerge merges two time-ordered sequences. On equal ticks elements of
// the first list come first.
func libMerge(m *machine, args []Value, pos lang.Pos) error {
	a, err := argList(args, 0, "merge", pos)
	if err != nil {
		return err
	}
	b, err := argList(args, 1, "merge", pos)
	if err != nil {
		return err
	}
	if err := m.chargeElems(uint64(len(a)+len(b)), "merge"); err != nil {
		return err
	}
	out := make(List, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ta, err := at(a[i], "merge", pos)
		if err != nil {
			return err
		}
		tb, err := at(b[j], "merge", pos)
		if err != nil {
			return err
		}
		if tb < ta {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	m.give(out)
	return nil
}

// libSplit partitions by tick: before holds at < t, after holds at >= t.
func libSplit(m *machine, args []Value, pos lang.Pos) error {
	items, err := argList(args, 0, "split", pos)
	if err != nil {
		return err
	}
	t, err := argInt(args, 1, "split", pos)
	if err != nil {
		return err
	}
	if err := m.chargeElems(uint64(len(items)), "split"); err != nil {
		return err
	}
	before, after := List{}, List{}
	for _, x := range items {
		tx, err := at(x, "split", pos)
		if err != nil {
			return err
		}
		if tx < t {
			before = append(before, x)
		} else {
			after = append(after, x)
		}
	}
	m.give(Record{"before": before, "after": after})
	return nil
}

func libLen(m *machine, args []Value, pos lang.Pos) error {
	items, err := argList(args, 0, "len", pos)
	if err != nil {
		return err
	}
	m.give(Int(len(items)))
	return nil
}

func libConcat(m *machine, args []Value, pos lang.Pos) error {
	a, err := argList(args, 0, "concat", pos)
	if err != nil {
		return err
	}
	b, err := argList(args, 1, "concat", pos)
	if err != nil {
		return err
	}
	if err := m.chargeElems(uint64(len(a)+len(b)), "concat"); err != nil {
		return err
	}
	out := make(List, 0, len(a)+len(b))
	out = append(out, a...)
	m.give(append(out, b...))
	return nil
}

// libRange returns lo, lo+1, ..., hi-1.
func libRange(m *machine, args []Value, pos lang.Pos) error {
	lo, err := argInt(args, 0, "range", pos)
	if err != nil {
		return err
	}
	hi, err := argInt(args, 1, "range", pos)
	if err != nil {
		return err
	}
	if hi <= lo {
		m.give(List{})
		return nil
	}
	n := uint64(hi) - uint64(lo)
	if err := m.chargeElems(n, "range"); err != nil {
		return err
	}
	if n > maxListLen {
		return faultf(pos, "range of %d elements exceeds %d", n, maxListLen)
	}
	out := make(List, n)
	for i := range out {
		out[i] = Int(lo + int64(i))
	}
	m.give(out)
	return nil
}

// libNth is total: an index out of range yields the default.
func libNth(m *machine, args []Value, pos lang.Pos) error {
	items, err := argList(args, 0, "nth", pos)
	if err != nil {
		return err
	}
	i, err := argInt(args, 1, "nth", pos)
	if err != nil {
		return err
	}
	if i >= 0 && i < int64(len(items)) {
		m.give(items[i])
	} else {
		m.give(args[2])
	}
	return nil
}

func libStr(m *machine, args []Value, _ lang.Pos) error {
	if err := m.chargeElems(uint64(size(args[0])), "str"); err != nil {
		return err
	}
	m.give(Str(render(args[0])))
	return nil
}

func intOp(op func(a, b int64) int64) func(*machine, []Value, lang.Pos) error {
	return func(m *machine, args []Value, pos lang.Pos) error {
		a, err := argInt(args, 0, "integer op", pos)
		if err != nil {
			return err
		}
		b, err := argInt(args, 1, "integer op", pos)
		if err != nil {
			return err
		}
		m.give(Int(op(a, b)))
		return nil
	}
}

func libAbs(m *machine, args []Value, pos lang.Pos) error {
	n, err := argInt(args, 0, "abs", pos)
	if err != nil {
		return err
	}
	if n < 0 {
		n = -n
	}
	m.give(Int(n))
	return nil
}

// libClamp bounds x to [lo, hi]; hi wins when lo > hi.
func libClamp(m *machine, args []Value, pos lang.Pos) error {
	var v [3]int64
	for i := range v {
		n, err := argInt(args, i, "clamp", pos)
		if err != nil {
			return err
		}
		v[i] = n
	}
	m.give(Int(min(max(v[0], v[1]), v[2])))
	return nil
}

func libRng(m *machine, args []Value, pos lang.Pos) error {
	seed, err := argInt(args, 0, "rng", pos)
	if err != nil {
		return err
	}
	m.give(Rng{State: uint64(seed)})
	return nil
}

func libRandInt(m *machine, args []Value, pos lang.Pos) error {
	r, ok := args[0].(Rng)
	if !ok {
		return faultf(pos, "rand_int argument 1 is a %s, not Rng", kindOf(args[0]))
	}
	lo, err := argInt(args, 1, "rand_int", pos)
	if err != nil {
		return err
	}
	hi, err := argInt(args, 2, "rand_int", pos)
	if err != nil {
		return err
	}
	if hi < lo {
		return faultf(pos, "rand_int: empty range [%d, %d]", lo, hi)
	}
	n, next := randInt(r, lo, hi)
	m.give(Record{"value": Int(n), "rng": next})
	return nil
}

// opCtor wraps a patch-op constructor. Ops are represented as their IR
// records; scripts cannot look inside them.
func opCtor(build func(args []Value, pos lang.Pos) (ir.PatchOp, error)) func(*machine, []Value, lang.Pos) error {
	return func(m *machine, args []Value, pos lang.Pos) error {
		op, err := build(args, pos)
		if err != nil {
			return err
		}
		m.give(FromIR(op.ToIR()))
		return nil
	}
}

func strArgs(args []Value, fn string, pos lang.Pos) ([]string, error) {
	out := make([]string, len(args))
	for i := range args {
		s, err := argStr(args, i, fn, pos)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func newContainer(args []Value, pos lang.Pos) (ir.PatchOp, error) {
	s, err := strArgs(args, ir.OpNewContainer, pos)
	if err != nil {
		return ir.PatchOp{}, err
	}
	return ir.PatchOp{Op: ir.OpNewContainer, Container: s[0], Kind: s[1]}, nil
}

func itemOp(name string) func([]Value, lang.Pos) (ir.PatchOp, error) {
	return func(args []Value, pos lang.Pos) (ir.PatchOp, error) {
		container, err := argStr(args, 0, name, pos)
		if err != nil {
			return ir.PatchOp{}, err
		}
		raw, err := ToIR(args[1])
		if err != nil {
			return ir.PatchOp{}, faultf(pos, "%s item: %v", name, err)
		}
		item, err := ir.ItemFromIR(raw)
		if err != nil {
			return ir.PatchOp{}, faultf(pos, "%s item: %v", name, err)
		}
		return ir.PatchOp{Op: name, Container: container, Item: &item}, nil
	}
}

func removeItem(args []Value, pos lang.Pos) (ir.PatchOp, error) {
	s, err := strArgs(args, ir.OpRemoveItem, pos)
	if err != nil {
		return ir.PatchOp{}, err
	}
	return ir.PatchOp{Op: ir.OpRemoveItem, Container: s[0], ItemID: s[1]}, nil
}

func addNode(args []Value, pos lang.Pos) (ir.PatchOp, error) {
	s, err := strArgs(args, ir.OpAddNode, pos)
	if err != nil {
		return ir.PatchOp{}, err
	}
	return ir.PatchOp{Op: ir.OpAddNode, Node: s[0], Kind: s[1]}, nil
}

func removeNode(args []Value, pos lang.Pos) (ir.PatchOp, error) {
	s, err := strArgs(args, ir.OpRemoveNode, pos)
	if err != nil {
		return ir.PatchOp{}, err
	}
	return ir.PatchOp{Op: ir.OpRemoveNode, Node: s[0]}, nil
}

func edgeOp(name string) func([]Value, lang.Pos) (ir.PatchOp, error) {
	return func(args []Value, pos lang.Pos) (ir.PatchOp, error) {
		s, err := strArgs(args, name, pos)
		if err != nil {
			return ir.PatchOp{}, err
		}
		return ir.PatchOp{Op: name, From: s[0], To: s[1]}, nil
	}
}

func setMeta(args []Value, pos lang.Pos) (ir.PatchOp, error) {
	s, err := strArgs(args, ir.OpSetMeta, pos)
	if err != nil {
		return ir.PatchOp{}, err
	}
	return ir.PatchOp{Op: ir.OpSetMeta, Target: s[0], Key: s[1], Value: s[2]}, nil
}
