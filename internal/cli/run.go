package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cardrt/internal/harness"
	"github.com/roach88/cardrt/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	DB string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run one scenario and print its trace",
		Long: `Run a scenario: install its cards, create its instances, execute its
steps and evaluate its assertions.

Without --db the scenario runs against an in-memory database. With --db
the run continues from whatever the database holds and leaves its state
behind for later commands (tick, patches, grants).

Exit codes:
  0 - Every assertion held
  1 - An assertion failed
  2 - Command error (scenario did not load, database error)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "persist the run in this database")

	return cmd
}

func runRun(opts *RunOptions, path string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, "cannot load scenario", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid policy", err)
	}
	hopts := []harness.Option{harness.WithLogger(opts.logger(cfg, cmd))}
	if opts.DB != "" {
		st, err := store.Open(opts.DB)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeDatabase, fmt.Sprintf("cannot open database %s", opts.DB), err)
		}
		defer st.Close()
		hopts = append(hopts, harness.WithStore(st))
	}

	result, err := harness.Run(ctx, scenario, hopts...)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("scenario %s did not run", scenario.Name), err)
	}

	if f.JSON() {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		printTrace(f, result)
	}
	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

func printTrace(f *OutputFormatter, result *harness.Result) {
	w := f.Writer
	for _, ev := range result.Trace {
		switch ev.Type {
		case harness.TraceTick:
			fmt.Fprintf(w, "tick %d\n", ev.Tick)
			for _, o := range ev.Outcomes {
				fmt.Fprintf(w, "  %-8s %-24s %-20s gas=%d", o.Instance, o.Card, o.Code, o.GasUsed)
				if o.Events > 0 {
					fmt.Fprintf(w, " events=%d", o.Events)
				}
				if o.Points > 0 {
					fmt.Fprintf(w, " points=%d", o.Points)
				}
				if len(o.Committed) > 0 {
					fmt.Fprintf(w, " committed=%v", o.Committed)
				}
				if len(o.Held) > 0 {
					fmt.Fprintf(w, " held=%v", o.Held)
				}
				if len(o.Rejected) > 0 {
					fmt.Fprintf(w, " rejected=%v", o.Rejected)
				}
				fmt.Fprintln(w)
			}
		default:
			fmt.Fprintf(w, "%s %s", ev.Type, ev.Target)
			if ev.Status != "" {
				fmt.Fprintf(w, " -> %s", ev.Status)
			}
			if ev.Error != "" {
				fmt.Fprintf(w, " (error: %s)", ev.Error)
			}
			fmt.Fprintln(w)
		}
	}
	if result.Pass {
		fmt.Fprintln(w, "✓ All assertions passed")
		return
	}
	fmt.Fprintf(w, "✗ %d assertion(s) failed:\n", len(result.Errors))
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
