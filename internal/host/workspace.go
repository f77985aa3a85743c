package host

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/cardrt/internal/ir"
)

// Workspace is the shared composition: the patchable document plus the
// append-only event streams and automation lanes. Invocations read it in
// parallel; emissions and commits are applied sequentially.
type Workspace struct {
	mu      sync.RWMutex
	doc     *document
	streams map[string][]ir.Event
	lanes   map[string][]ir.Point
}

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{
		doc:     newDocument(),
		streams: make(map[string][]ir.Event),
		lanes:   make(map[string][]ir.Point),
	}
}

// PutContainer installs or replaces a container, validating its items.
// It bypasses the patch protocol and is meant for loading a composition.
func (w *Workspace) PutContainer(c ir.Container) error {
	if f := checkContainerKind(c.Kind); f != nil {
		return fmt.Errorf("container %s: %s", c.ID, f.msg)
	}
	ct := &ir.Container{ID: c.ID, Kind: c.Kind}
	for _, it := range c.Items {
		if itemIndex(ct, it.ID) >= 0 {
			return fmt.Errorf("container %s: duplicate item %s", c.ID, it.ID)
		}
		if f := checkItem(ct, it); f != nil {
			return fmt.Errorf("container %s: %s", c.ID, f.msg)
		}
		insertItem(ct, it)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doc.containers[c.ID] = ct
	return nil
}

// PutNode installs a graph node.
func (w *Workspace) PutNode(id, kind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doc.nodes[id] = kind
}

// Container returns a copy of a container.
func (w *Workspace) Container(id string) (ir.Container, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.doc.containers[id]
	if !ok {
		return ir.Container{}, false
	}
	cp := *c
	cp.Items = slices.Clone(c.Items)
	return cp, true
}

// HasNode reports whether a graph node exists.
func (w *Workspace) HasNode(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.doc.nodes[id]
	return ok
}

// Edges returns the graph edges as (from, to) pairs in order.
func (w *Workspace) Edges() [][2]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out [][2]string
	for from, tos := range w.doc.edges {
		for to := range tos {
			out = append(out, [2]string{from, to})
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

// Meta returns a metadata value.
func (w *Workspace) Meta(target, key string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.doc.meta[target][key]
	return v, ok
}

// Snapshot renders the patchable document in canonical form.
func (w *Workspace) Snapshot() ir.IRObject {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doc.toIR()
}

// cloneDoc copies the document under the read lock.
func (w *Workspace) cloneDoc() *document {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doc.clone()
}

// edit runs fn on a copy of the document and installs the copy only if
// fn succeeds, so a failed edit leaves the workspace untouched.
func (w *Workspace) edit(fn func(d *document) *opFailure) *opFailure {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.doc.clone()
	if f := fn(d); f != nil {
		return f
	}
	w.doc = d
	return nil
}

// AppendEvents appends one contiguous batch to a stream.
func (w *Workspace) AppendEvents(stream string, events []ir.Event) {
	if len(events) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streams[stream] = append(w.streams[stream], events...)
}

// AppendPoints appends one contiguous batch to a lane.
func (w *Workspace) AppendPoints(lane string, points []ir.Point) {
	if len(points) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lanes[lane] = append(w.lanes[lane], points...)
}

// Stream returns a copy of a stream's events from offset on.
func (w *Workspace) Stream(name string, offset int) []ir.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := w.streams[name]
	if offset >= len(s) {
		return nil
	}
	return slices.Clone(s[max(offset, 0):])
}

// Lane returns a copy of a lane's points from offset on.
func (w *Workspace) Lane(name string, offset int) []ir.Point {
	w.mu.RLock()
	defer w.mu.RUnlock()
	l := w.lanes[name]
	if offset >= len(l) {
		return nil
	}
	return slices.Clone(l[max(offset, 0):])
}

// StreamLen returns the number of events in a stream.
func (w *Workspace) StreamLen(name string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.streams[name])
}

// LaneLen returns the number of points in a lane.
func (w *Workspace) LaneLen(name string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.lanes[name])
}

// Export renders the whole workspace, streams and lanes included, for
// persistence.
func (w *Workspace) Export() ir.IRObject {
	w.mu.RLock()
	defer w.mu.RUnlock()
	streams := ir.IRObject{}
	for name, events := range w.streams {
		arr := make(ir.IRArray, len(events))
		for i, e := range events {
			arr[i] = e.ToIR()
		}
		streams[name] = arr
	}
	lanes := ir.IRObject{}
	for name, points := range w.lanes {
		arr := make(ir.IRArray, len(points))
		for i, p := range points {
			arr[i] = p.ToIR()
		}
		lanes[name] = arr
	}
	return ir.IRObject{
		"document": w.doc.toIR(),
		"streams":  streams,
		"lanes":    lanes,
	}
}

// Import replaces the workspace with an Export result.
func (w *Workspace) Import(v ir.IRObject) error {
	doc := newDocument()
	docObj, _ := v["document"].(ir.IRObject)
	containers, _ := docObj["containers"].(ir.IRObject)
	for id, raw := range containers {
		c, err := ir.ContainerFromIR(raw)
		if err != nil {
			return fmt.Errorf("import container %s: %w", id, err)
		}
		ct := &ir.Container{ID: c.ID, Kind: c.Kind}
		for _, it := range c.Items {
			insertItem(ct, it)
		}
		doc.containers[id] = ct
	}
	nodes, _ := docObj["nodes"].(ir.IRObject)
	for id, raw := range nodes {
		kind, ok := raw.(ir.IRString)
		if !ok {
			return fmt.Errorf("import node %s: expected string kind, got %T", id, raw)
		}
		doc.nodes[id] = string(kind)
	}
	edges, _ := docObj["edges"].(ir.IRObject)
	for from, raw := range edges {
		tos, ok := raw.(ir.IRArray)
		if !ok {
			return fmt.Errorf("import edges of %s: expected array, got %T", from, raw)
		}
		for _, t := range tos {
			to, ok := t.(ir.IRString)
			if !ok {
				return fmt.Errorf("import edges of %s: expected string, got %T", from, t)
			}
			doc.addEdge(from, string(to))
		}
	}
	meta, _ := docObj["meta"].(ir.IRObject)
	for target, raw := range meta {
		kv, ok := raw.(ir.IRObject)
		if !ok {
			return fmt.Errorf("import meta of %s: expected object, got %T", target, raw)
		}
		m := make(map[string]string, len(kv))
		for k, val := range kv {
			s, ok := val.(ir.IRString)
			if !ok {
				return fmt.Errorf("import meta %s.%s: expected string, got %T", target, k, val)
			}
			m[k] = string(s)
		}
		doc.meta[target] = m
	}

	streams := make(map[string][]ir.Event)
	rawStreams, _ := v["streams"].(ir.IRObject)
	for name, raw := range rawStreams {
		events, err := ir.EventsFromIR(raw)
		if err != nil {
			return fmt.Errorf("import stream %s: %w", name, err)
		}
		streams[name] = events
	}
	lanes := make(map[string][]ir.Point)
	rawLanes, _ := v["lanes"].(ir.IRObject)
	for name, raw := range rawLanes {
		points, err := ir.PointsFromIR(raw)
		if err != nil {
			return fmt.Errorf("import lane %s: %w", name, err)
		}
		lanes[name] = points
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.doc, w.streams, w.lanes = doc, streams, lanes
	return nil
}
