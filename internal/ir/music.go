package ir

import "fmt"

// Event is one timed musical event. All times are integer ticks.
type Event struct {
	At    int64  `json:"at"`
	Dur   int64  `json:"dur"`
	Pitch int64  `json:"pitch"`
	Vel   int64  `json:"vel"`
	Kind  string `json:"kind"`
}

// Point is one automation breakpoint.
type Point struct {
	At    int64 `json:"at"`
	Value int64 `json:"value"`
}

// Item is an identified event inside a container.
type Item struct {
	ID    string `json:"id"`
	Event Event  `json:"event"`
}

// Container is a named, ordered collection of items (a clip, a pattern).
type Container struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Items []Item `json:"items"`
}

// ToIR encodes the event.
func (e Event) ToIR() IRObject {
	return IRObject{
		"at":    IRInt(e.At),
		"dur":   IRInt(e.Dur),
		"pitch": IRInt(e.Pitch),
		"vel":   IRInt(e.Vel),
		"kind":  IRString(e.Kind),
	}
}

// ToIR encodes the point.
func (p Point) ToIR() IRObject {
	return IRObject{"at": IRInt(p.At), "value": IRInt(p.Value)}
}

// ToIR encodes the item.
func (it Item) ToIR() IRObject {
	return IRObject{"id": IRString(it.ID), "event": it.Event.ToIR()}
}

// ToIR encodes the container.
func (c Container) ToIR() IRObject {
	items := make(IRArray, len(c.Items))
	for i, it := range c.Items {
		items[i] = it.ToIR()
	}
	return IRObject{"id": IRString(c.ID), "kind": IRString(c.Kind), "items": items}
}

// EventFromIR decodes an event. Extra fields are ignored so that wider
// records produced by scripts are accepted.
func EventFromIR(v IRValue) (Event, error) {
	obj, ok := v.(IRObject)
	if !ok {
		return Event{}, fmt.Errorf("event: expected object, got %T", v)
	}
	var e Event
	var err error
	if e.At, err = requireInt(obj, "at"); err != nil {
		return Event{}, fmt.Errorf("event: %w", err)
	}
	if e.Dur, err = requireInt(obj, "dur"); err != nil {
		return Event{}, fmt.Errorf("event: %w", err)
	}
	if e.Pitch, err = requireInt(obj, "pitch"); err != nil {
		return Event{}, fmt.Errorf("event: %w", err)
	}
	if e.Vel, err = requireInt(obj, "vel"); err != nil {
		return Event{}, fmt.Errorf("event: %w", err)
	}
	kind, ok := obj["kind"].(IRString)
	if !ok {
		return Event{}, fmt.Errorf("event: field kind must be a string")
	}
	e.Kind = string(kind)
	return e, nil
}

// PointFromIR decodes an automation point.
func PointFromIR(v IRValue) (Point, error) {
	obj, ok := v.(IRObject)
	if !ok {
		return Point{}, fmt.Errorf("point: expected object, got %T", v)
	}
	var p Point
	var err error
	if p.At, err = requireInt(obj, "at"); err != nil {
		return Point{}, fmt.Errorf("point: %w", err)
	}
	if p.Value, err = requireInt(obj, "value"); err != nil {
		return Point{}, fmt.Errorf("point: %w", err)
	}
	return p, nil
}

// ItemFromIR decodes a container item.
func ItemFromIR(v IRValue) (Item, error) {
	obj, ok := v.(IRObject)
	if !ok {
		return Item{}, fmt.Errorf("item: expected object, got %T", v)
	}
	id, ok := obj["id"].(IRString)
	if !ok {
		return Item{}, fmt.Errorf("item: field id must be a string")
	}
	ev, err := EventFromIR(obj["event"])
	if err != nil {
		return Item{}, fmt.Errorf("item %s: %w", id, err)
	}
	return Item{ID: string(id), Event: ev}, nil
}

// ContainerFromIR decodes a container.
func ContainerFromIR(v IRValue) (Container, error) {
	obj, ok := v.(IRObject)
	if !ok {
		return Container{}, fmt.Errorf("container: expected object, got %T", v)
	}
	c := Container{ID: obj.String("id"), Kind: obj.String("kind")}
	items, _ := obj["items"].(IRArray)
	for i, x := range items {
		it, err := ItemFromIR(x)
		if err != nil {
			return Container{}, fmt.Errorf("container %s items[%d]: %w", c.ID, i, err)
		}
		c.Items = append(c.Items, it)
	}
	return c, nil
}

// EventsFromIR decodes a list of events.
func EventsFromIR(v IRValue) ([]Event, error) {
	arr, ok := v.(IRArray)
	if !ok {
		return nil, fmt.Errorf("events: expected array, got %T", v)
	}
	out := make([]Event, 0, len(arr))
	for i, x := range arr {
		e, err := EventFromIR(x)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// PointsFromIR decodes a list of automation points.
func PointsFromIR(v IRValue) ([]Point, error) {
	arr, ok := v.(IRArray)
	if !ok {
		return nil, fmt.Errorf("points: expected array, got %T", v)
	}
	out := make([]Point, 0, len(arr))
	for i, x := range arr {
		p, err := PointFromIR(x)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func requireInt(obj IRObject, key string) (int64, error) {
	n, ok := obj.Int(key)
	if !ok {
		return 0, fmt.Errorf("field %s must be an integer", key)
	}
	return n, nil
}
