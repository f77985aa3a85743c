package host

import (
	"slices"

	"github.com/roach88/cardrt/internal/ir"
)

// MetaComposition is the meta target that always exists.
const MetaComposition = "composition"

// document is the structural state patches edit: containers, the
// composition graph and metadata. Items are kept in (at, id) order, so the
// document is a function of its contents and an inverse restores it
// exactly.
type document struct {
	containers map[string]*ir.Container
	nodes      map[string]string          // node id -> kind
	edges      map[string]map[string]bool // from -> to
	meta       map[string]map[string]string
}

func newDocument() *document {
	return &document{
		containers: make(map[string]*ir.Container),
		nodes:      make(map[string]string),
		edges:      make(map[string]map[string]bool),
		meta:       make(map[string]map[string]string),
	}
}

func (d *document) clone() *document {
	c := newDocument()
	for id, ct := range d.containers {
		cp := *ct
		cp.Items = slices.Clone(ct.Items)
		c.containers[id] = &cp
	}
	for id, kind := range d.nodes {
		c.nodes[id] = kind
	}
	for from, tos := range d.edges {
		m := make(map[string]bool, len(tos))
		for to := range tos {
			m[to] = true
		}
		c.edges[from] = m
	}
	for target, kv := range d.meta {
		m := make(map[string]string, len(kv))
		for k, v := range kv {
			m[k] = v
		}
		c.meta[target] = m
	}
	return c
}

func compareItems(a, b ir.Item) int {
	if a.Event.At != b.Event.At {
		if a.Event.At < b.Event.At {
			return -1
		}
		return 1
	}
	return ir.CompareKeys(a.ID, b.ID)
}

func itemIndex(c *ir.Container, id string) int {
	return slices.IndexFunc(c.Items, func(it ir.Item) bool { return it.ID == id })
}

func insertItem(c *ir.Container, it ir.Item) {
	i, _ := slices.BinarySearchFunc(c.Items, it, compareItems)
	c.Items = slices.Insert(c.Items, i, it)
}

func (d *document) hasEdge(from, to string) bool {
	return d.edges[from][to]
}

func (d *document) addEdge(from, to string) {
	if d.edges[from] == nil {
		d.edges[from] = make(map[string]bool)
	}
	d.edges[from][to] = true
}

func (d *document) removeEdge(from, to string) {
	delete(d.edges[from], to)
	if len(d.edges[from]) == 0 {
		delete(d.edges, from)
	}
}

// incident returns the edges touching node as (from, to) pairs in order.
func (d *document) incident(node string) [][2]string {
	var out [][2]string
	for from, tos := range d.edges {
		for to := range tos {
			if from == node || to == node {
				out = append(out, [2]string{from, to})
			}
		}
	}
	slices.SortFunc(out, func(a, b [2]string) int {
		if c := ir.CompareKeys(a[0], b[0]); c != 0 {
			return c
		}
		return ir.CompareKeys(a[1], b[1])
	})
	return out
}

func (d *document) metaTarget(target string) bool {
	if target == MetaComposition {
		return true
	}
	_, container := d.containers[target]
	_, node := d.nodes[target]
	return container || node
}

// toIR renders the document in canonical form. Empty edge and meta maps
// are omitted so that removing the last entry restores the prior form.
func (d *document) toIR() ir.IRObject {
	containers := ir.IRObject{}
	for id, c := range d.containers {
		containers[id] = c.ToIR()
	}
	nodes := ir.IRObject{}
	for id, kind := range d.nodes {
		nodes[id] = ir.IRString(kind)
	}
	edges := ir.IRObject{}
	for from, tos := range d.edges {
		if len(tos) == 0 {
			continue
		}
		to := make([]string, 0, len(tos))
		for t := range tos {
			to = append(to, t)
		}
		slices.SortFunc(to, ir.CompareKeys)
		arr := make(ir.IRArray, len(to))
		for i, t := range to {
			arr[i] = ir.IRString(t)
		}
		edges[from] = arr
	}
	meta := ir.IRObject{}
	for target, kv := range d.meta {
		if len(kv) == 0 {
			continue
		}
		obj := ir.IRObject{}
		for k, v := range kv {
			obj[k] = ir.IRString(v)
		}
		meta[target] = obj
	}
	return ir.IRObject{
		"containers": containers,
		"nodes":      nodes,
		"edges":      edges,
		"meta":       meta,
	}
}
