package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cardrt/internal/runtime"
)

// TickOptions holds flags for the tick command.
type TickOptions struct {
	*RootOptions
	DB    string
	Count int
}

// TickOutcome is one invocation in a tick.
type TickOutcome struct {
	Instance  string   `json:"instance"`
	Card      string   `json:"card"`
	Code      string   `json:"code"`
	Error     string   `json:"error,omitempty"`
	GasUsed   int64    `json:"gas_used"`
	Events    int      `json:"events,omitempty"`
	Points    int      `json:"points,omitempty"`
	Committed []string `json:"committed,omitempty"`
	Held      []string `json:"held,omitempty"`
}

// TickSummary is one tick.
type TickSummary struct {
	Tick     int64         `json:"tick"`
	Outcomes []TickOutcome `json:"outcomes"`
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TickOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Advance the persisted runtime",
		Long: `Restore the runtime from the database, run the scheduler and save the
result. Instances, patches and grants left by earlier commands take part.

Examples:
  cardrt tick --db song.db
  cardrt tick --db song.db -n 16 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "database path (default from policy)")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 1, "number of ticks")

	return cmd
}

func runTick(opts *TickOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Count < 1 {
		return f.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("count must be at least 1, got %d", opts.Count), nil)
	}

	s, err := opts.openApp(ctx, cmd, f, opts.DB)
	if err != nil {
		return err
	}
	reports, runErr := s.Runtime.Run(ctx, opts.Count)
	if err := s.finish(ctx, f); err != nil {
		return err
	}
	if runErr != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "tick interrupted", runErr)
	}

	summaries := make([]TickSummary, 0, len(reports))
	for _, rep := range reports {
		summaries = append(summaries, summarize(rep))
	}
	if f.JSON() {
		return f.Success(summaries)
	}
	for _, sum := range summaries {
		fmt.Fprintf(f.Writer, "tick %d: %d invocation(s)\n", sum.Tick, len(sum.Outcomes))
		for _, o := range sum.Outcomes {
			fmt.Fprintf(f.Writer, "  %s %s %s gas=%d", o.Instance, o.Card, o.Code, o.GasUsed)
			if o.Error != "" {
				fmt.Fprintf(f.Writer, " error=%q", o.Error)
			}
			fmt.Fprintln(f.Writer)
		}
	}
	return nil
}

func summarize(rep *runtime.TickReport) TickSummary {
	sum := TickSummary{Tick: rep.Tick, Outcomes: []TickOutcome{}}
	for _, o := range rep.Outcomes {
		to := TickOutcome{Instance: o.Instance, Card: o.Card, Code: "ok", GasUsed: o.GasUsed}
		if o.Code != "" {
			to.Code = string(o.Code)
		}
		if o.Err != nil {
			to.Error = o.Err.Error()
		}
		if ap := o.Applied; ap != nil {
			to.Events, to.Points = ap.Events, ap.Points
			to.Committed, to.Held = ap.Committed, ap.Held
		}
		sum.Outcomes = append(sum.Outcomes, to)
	}
	return sum
}
