package capability

// GasPolicy prices interpreter work. All costs are non-negative.
type GasPolicy struct {
	Budget        int64            `yaml:"budget"`
	StepCost      int64            `yaml:"step_cost"`
	HostCallCost  int64            `yaml:"host_call_cost"`
	PrimitiveCost map[string]int64 `yaml:"primitive_cost"` // overrides HostCallCost
	ElementCost   int64            `yaml:"element_cost"`   // per element a library op touches
	EventCost     int64            `yaml:"event_cost"`     // per emitted event or point
}

// DefaultGasPolicy is used when the policy file sets nothing.
func DefaultGasPolicy() GasPolicy {
	return GasPolicy{
		Budget:       100_000,
		StepCost:     1,
		HostCallCost: 10,
		ElementCost:  1,
		EventCost:    1,
	}
}

// CallCost is the flat cost of calling primitive.
func (p GasPolicy) CallCost(primitive string) int64 {
	if c, ok := p.PrimitiveCost[primitive]; ok {
		return c
	}
	return p.HostCallCost
}

// NewMeter starts a meter at the policy budget.
func (p GasPolicy) NewMeter() *Meter {
	return NewMeter(p.Budget)
}

// Meter is the gas counter of one invocation. It is owned by a single
// interpreter and is not safe for concurrent use.
type Meter struct {
	budget int64
	used   int64
}

// NewMeter returns a meter with the given budget.
func NewMeter(budget int64) *Meter {
	return &Meter{budget: budget}
}

// Charge deducts n. If n exceeds what is left nothing is deducted and
// GasExhausted is returned, so the counter never goes negative.
func (m *Meter) Charge(n int64, what string) error {
	if n <= 0 {
		return nil
	}
	if n > m.budget-m.used {
		return &GasExhausted{Budget: m.budget, Used: m.used, Need: n, What: what}
	}
	m.used += n
	return nil
}

// Remaining returns the gas left.
func (m *Meter) Remaining() int64 { return m.budget - m.used }

// Used returns the gas spent so far.
func (m *Meter) Used() int64 { return m.used }

// Budget returns the initial budget.
func (m *Meter) Budget() int64 { return m.budget }
