package runtime

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/graph"
	"github.com/roach88/cardrt/internal/host"
	"github.com/roach88/cardrt/internal/interp"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/registry"
)

// Outcome is what one instance did in a tick.
type Outcome struct {
	Instance string
	Card     string
	// Code is empty when the invocation succeeded.
	Code    ErrorCode
	Err     error
	GasUsed int64
	Steps   int64
	Applied *host.Applied
}

// TickReport summarizes one tick in apply order.
type TickReport struct {
	Tick     int64
	Outcomes []Outcome
	Cycles   []graph.Cycle
	Links    []Link
}

// Link is a stream written by one instance and read by another, with the
// privilege of the two cards composed along it.
type Link struct {
	Producer string
	Consumer string
	Stream   string
	// Joined is what the pair may do between them. Shared is what each of
	// them may do alone.
	Joined []capability.Grant
	Shared []capability.Grant
}

// Failed returns the outcomes that produced no output.
func (t *TickReport) Failed() []Outcome {
	var out []Outcome
	for _, o := range t.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// job is one instance's invocation within a tick. Everything it reads is
// captured before any invocation starts.
type job struct {
	inst   *Instance
	def    *registry.Definition
	inputs map[string]ir.IRValue
	next   map[string]int
	state  ir.IRValue
	params ir.IRObject

	out *host.Output
	res *interp.Result
	err error
}

// Tick advances the clock once: snapshot inputs, invoke every enabled
// instance in parallel, then apply the outputs in dependency order.
func (r *Runtime) Tick(ctx context.Context) (*TickReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tick := r.clock.Next()
	jobs := r.snapshot(tick)

	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for _, j := range jobs {
		g.Go(func() error {
			j.out, j.res, j.err = r.invoke(ctx, tick, j)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tick %d: %w", tick, err)
	}

	ordered, cycles, pipes := r.order(jobs)
	for _, c := range cycles {
		r.logger.Warn("stream dependency cycle, falling back to instance order",
			"event", "runtime.cycle",
			"tick", tick,
			"path", c.Path,
		)
	}

	report := &TickReport{Tick: tick, Cycles: cycles, Links: r.links(pipes, tick)}
	for _, j := range ordered {
		report.Outcomes = append(report.Outcomes, r.apply(ctx, tick, j))
	}
	r.logger.Debug("tick complete",
		"event", "runtime.tick",
		"tick", tick,
		"instances", len(jobs),
		"failed", len(report.Failed()),
	)
	return report, nil
}

// snapshot builds a job for every enabled instance, reading each input
// from the instance's offset to the current end of the stream.
func (r *Runtime) snapshot(tick int64) []*job {
	var jobs []*job
	ws := r.host.Workspace()
	for _, id := range r.sortedIDs() {
		inst := r.instances[id]
		if inst.Disabled {
			continue
		}
		j := &job{inst: inst, next: make(map[string]int), state: inst.State, params: inst.Resolved}
		def, ok := r.reg.Get(inst.Definition)
		if !ok {
			j.err = &InvocationError{
				Code:     ErrCodeUnavailable,
				Card:     inst.Card,
				Instance: id,
				Tick:     tick,
				Err:      fmt.Errorf("%s: %w", inst.Definition, registry.ErrNotFound),
			}
			jobs = append(jobs, j)
			continue
		}
		j.def = def
		j.inputs = make(map[string]ir.IRValue)
		for port, typ := range def.Manifest().Signature.Inputs {
			stream, bound := inst.Inputs[port]
			offset := inst.Offsets[port]
			arr := ir.IRArray{}
			switch {
			case !bound:
			case typ == "[Point]":
				points := ws.Lane(stream, offset)
				for _, p := range points {
					arr = append(arr, p.ToIR())
				}
				j.next[port] = offset + len(points)
			default:
				events := ws.Stream(stream, offset)
				for _, e := range events {
					arr = append(arr, e.ToIR())
				}
				j.next[port] = offset + len(events)
			}
			j.inputs[port] = arr
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// invoke runs one job. It touches no runtime state, so jobs of a tick run
// concurrently.
func (r *Runtime) invoke(ctx context.Context, tick int64, j *job) (*host.Output, *interp.Result, error) {
	if j.err != nil {
		return nil, nil, j.err
	}
	inst, card := j.inst, j.def.Card
	fail := func(err error) (*host.Output, *interp.Result, error) {
		return nil, nil, &InvocationError{Code: Classify(err), Card: card, Instance: inst.ID, Tick: tick, Err: err}
	}

	def, err := r.reg.Begin(j.def.Key())
	if err != nil {
		return nil, nil, &InvocationError{Code: ErrCodeUnavailable, Card: card, Instance: inst.ID, Tick: tick, Err: err}
	}
	defer r.reg.End(def.Key())

	var tokens capability.Set
	if r.mode == RevokeAbort {
		tokens = r.grants.View(card)
	} else {
		tokens = r.grants.Snapshot(card, tick)
	}
	m := def.Manifest()
	if err := capability.Preflight(card, m.RequiredCapabilities, m.DeclaredEffects, tokens, tick); err != nil {
		return fail(err)
	}
	caps := make(map[string]string)
	for _, t := range tokens.Tokens() {
		if t.Card == card && t.Live(tick) {
			caps[t.Alias] = t.ID
		}
	}

	gas := r.host.Policy().NewMeter()
	sess := r.host.Session(host.SessionConfig{
		Card:     card,
		Instance: inst.ID,
		Tick:     tick,
		Tokens:   tokens,
		Gas:      gas,
		Outputs:  m.Signature.Outputs,
	})
	rctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()
	res, err := def.Interpreter.Run(rctx, interp.Invocation{
		Card:   card,
		Inputs: j.inputs,
		Params: j.params,
		State:  j.state,
		Caps:   caps,
		Window: interp.Window{Start: (tick - 1) * r.span, End: tick * r.span},
		Seed:   inst.Seed,
		Tick:   tick,
		Host:   sess,
		Gas:    gas,
	})
	if err != nil {
		return fail(err)
	}
	out, err := sess.Finish(res.State)
	if err != nil {
		return fail(err)
	}
	return out, res, nil
}

// order sorts jobs so that an instance writing a stream comes before every
// instance reading it. Ties and cycles fall back to instance id order.
func (r *Runtime) order(jobs []*job) ([]*job, []graph.Cycle, []pipe) {
	byID := make(map[string]*job, len(jobs))
	g := make(graph.Graph, len(jobs))
	for _, j := range jobs {
		byID[j.inst.ID] = j
		g[j.inst.ID] = nil
	}
	pipes := streamPipes(jobs)
	for _, p := range pipes {
		g[p.from.inst.ID] = append(g[p.from.inst.ID], p.to.inst.ID)
	}
	ids, cycles := graph.TopoOrder(g)
	out := make([]*job, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, cycles, pipes
}

// pipe is a stream one job writes and another reads.
type pipe struct {
	from, to *job
	stream   string
}

func streamPipes(jobs []*job) []pipe {
	readers := make(map[string][]*job)
	for _, j := range jobs {
		if j.def == nil {
			continue
		}
		for _, port := range slices.Sorted(maps.Keys(j.def.Manifest().Signature.Inputs)) {
			if s, ok := j.inst.Inputs[port]; ok {
				readers[s] = append(readers[s], j)
			}
		}
	}
	var out []pipe
	for _, j := range jobs {
		if j.def == nil {
			continue
		}
		for _, port := range slices.Sorted(maps.Keys(j.def.Manifest().Signature.Outputs)) {
			stream := host.StreamName(j.inst.ID, port, j.inst.Outputs)
			for _, rd := range readers[stream] {
				out = append(out, pipe{from: j, to: rd, stream: stream})
			}
		}
	}
	return out
}

// links composes the live grants of both ends of every pipe at tick.
func (r *Runtime) links(pipes []pipe, tick int64) []Link {
	held := make(map[string][]capability.Grant)
	grantsOf := func(card string) []capability.Grant {
		gs, ok := held[card]
		if !ok {
			gs = r.grants.Grants(card, tick)
			held[card] = gs
		}
		return gs
	}
	out := make([]Link, 0, len(pipes))
	for _, p := range pipes {
		a, b := grantsOf(p.from.inst.Card), grantsOf(p.to.inst.Card)
		out = append(out, Link{
			Producer: p.from.inst.ID,
			Consumer: p.to.inst.ID,
			Stream:   p.stream,
			Joined:   capability.Compose(a, b),
			Shared:   capability.Common(a, b),
		})
	}
	return out
}

// Links reports the stream graph between enabled instances and the
// composed privilege of each link at the current tick.
func (r *Runtime) Links() []Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []*job
	for _, id := range r.sortedIDs() {
		inst := r.instances[id]
		if inst.Disabled {
			continue
		}
		def, ok := r.reg.Get(inst.Definition)
		if !ok {
			continue
		}
		jobs = append(jobs, &job{inst: inst, def: def})
	}
	return r.links(streamPipes(jobs), r.clock.Current())
}

// apply publishes a successful job's output or records its failure. Input
// offsets advance either way: a failed invocation does not see the same
// events again.
func (r *Runtime) apply(ctx context.Context, tick int64, j *job) Outcome {
	inst := j.inst
	maps.Copy(inst.Offsets, j.next)
	o := Outcome{Instance: inst.ID, Card: inst.Card}
	defer r.save(ctx, inst)

	if j.err != nil {
		o.Err = j.err
		if ie, ok := AsInvocationError(j.err); ok {
			o.Code = ie.Code
			r.fail(inst, ie)
		}
		return o
	}
	applied, err := r.host.Apply(ctx, j.out, inst.Outputs)
	if err != nil {
		o.Err = &InvocationError{Code: ErrCodeRejected, Card: inst.Card, Instance: inst.ID, Tick: tick, Err: err}
		o.Code = ErrCodeRejected
		return o
	}
	inst.State = j.out.State
	inst.Faults = 0
	o.Applied = applied
	o.GasUsed = j.res.GasUsed
	o.Steps = j.res.Steps
	return o
}

// fail applies the fault policy to a failed invocation.
func (r *Runtime) fail(inst *Instance, ie *InvocationError) {
	attrs := []any{
		"instance", inst.ID,
		"card", inst.Card,
		"tick", ie.Tick,
		"code", string(ie.Code),
		"error", ie.Err,
	}
	switch ie.Code {
	case ErrCodeGasExhausted:
		r.logger.Warn("invocation throttled: gas exhausted", append(attrs, "event", "runtime.throttle")...)
	case ErrCodeCapability:
		if v, ok := capability.AsViolation(ie.Err); ok {
			attrs = append(attrs, "missing", v.Missing, "resource", v.Resource, "reason", v.Reason)
		}
		r.logger.Warn("invocation denied", append(attrs, "event", "runtime.violation")...)
	case ErrCodeRejected:
		r.logger.Warn("invocation output rejected", append(attrs, "event", "runtime.reject")...)
	case ErrCodeFault, ErrCodeTimeout:
		inst.Faults++
		r.logger.Warn("invocation faulted", append(attrs, "event", "runtime.fault", "faults", inst.Faults)...)
		if inst.Faults >= r.threshold {
			inst.Disabled = true
			inst.Badge = fmt.Sprintf("disabled after %d consecutive faults: %v", inst.Faults, ie.Err)
			r.logger.Error("instance disabled",
				"event", "runtime.disable",
				"instance", inst.ID,
				"card", inst.Card,
				"faults", inst.Faults,
				"badge", inst.Badge,
			)
		}
	default:
		r.logger.Debug("instance unavailable", append(attrs, "event", "runtime.unavailable")...)
	}
}
