package harness

// Trace event types.
const (
	TraceTick     = "tick"
	TraceAppend   = "append"
	TraceCommit   = "commit"
	TraceRollback = "rollback"
	TraceReject   = "reject"
	TraceRevoke   = "revoke"
	TraceEnable   = "enable"
	TraceUpgrade  = "upgrade"
)

// TraceEvent is one step of a scenario as it actually ran.
type TraceEvent struct {
	Type string `json:"type"`
	// Tick is the clock after the step.
	Tick int64 `json:"tick"`

	// Outcomes is set for tick events, in apply order.
	Outcomes []OutcomeTrace `json:"outcomes,omitempty"`
	Cycles   int            `json:"cycles,omitempty"`

	// Target is the patch alias, definition, instance or stream the step
	// acted on.
	Target string `json:"target,omitempty"`
	// Status is the patch status after a commit, rollback or reject.
	Status string `json:"status,omitempty"`
	Count  int    `json:"count,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OutcomeTrace is one instance's result in a tick. Patches are named by
// alias (p1, p2, ...) in the order the scenario first saw them.
type OutcomeTrace struct {
	Instance  string   `json:"instance"`
	Card      string   `json:"card"`
	Code      string   `json:"code"`
	Events    int      `json:"events,omitempty"`
	Points    int      `json:"points,omitempty"`
	Committed []string `json:"committed,omitempty"`
	Held      []string `json:"held,omitempty"`
	Rejected  []string `json:"rejected,omitempty"`
	GasUsed   int64    `json:"gas_used"`
}

// CodeOK is the outcome code of a successful invocation.
const CodeOK = "ok"

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Patches maps aliases to patch ids.
	Patches map[string]string `json:"patches,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Patches: map[string]string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Outcome returns an instance's outcome in the given tick.
func (r *Result) Outcome(tick int64, instance string) (OutcomeTrace, bool) {
	for _, ev := range r.Trace {
		if ev.Type != TraceTick || ev.Tick != tick {
			continue
		}
		for _, o := range ev.Outcomes {
			if o.Instance == instance {
				return o, true
			}
		}
	}
	return OutcomeTrace{}, false
}
