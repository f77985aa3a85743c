package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cardrt/internal/host"
	"github.com/roach88/cardrt/internal/ir"
)

// PatchSummary is the listing form of a patch.
type PatchSummary struct {
	ID       string `json:"id"`
	Tier     string `json:"tier"`
	Status   string `json:"status"`
	Card     string `json:"card"`
	Instance string `json:"instance"`
	Tick     int64  `json:"tick"`
	Preview  string `json:"preview"`
	Reason   string `json:"reason,omitempty"`
}

func summarizePatch(p ir.Patch) PatchSummary {
	return PatchSummary{
		ID:       p.ID,
		Tier:     p.Tier,
		Status:   string(p.Status),
		Card:     p.Provenance.Card,
		Instance: p.Provenance.Instance,
		Tick:     p.Provenance.Tick,
		Preview:  p.Preview,
		Reason:   p.Reason,
	}
}

// PatchesOptions holds flags shared by the patches subcommands.
type PatchesOptions struct {
	*RootOptions
	DB       string
	Statuses []string
	Reason   string
}

// NewPatchesCommand creates the patches command group.
func NewPatchesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PatchesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "patches",
		Short: "Review staged patches",
		Long: `List, approve, reject and roll back the patches cards have proposed.

Container patches usually commit on their own; graph and meta patches
wait here until someone approves them.`,
	}
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "database path (default from policy)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List patches",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatchesList(opts, cmd)
		},
	}
	list.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only patches with these statuses (staged, committed, rolled_back, rejected, invalidated)")

	history := &cobra.Command{
		Use:           "history <patch-id>",
		Short:         "Show every status a patch went through",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatchesHistory(opts, args[0], cmd)
		},
	}

	commit := &cobra.Command{
		Use:           "commit <patch-id>",
		Short:         "Approve and apply a staged patch",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatchAction(opts, "commit", args[0], cmd)
		},
	}

	rollback := &cobra.Command{
		Use:           "rollback <patch-id>",
		Short:         "Undo a committed patch",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatchAction(opts, "rollback", args[0], cmd)
		},
	}

	reject := &cobra.Command{
		Use:           "reject <patch-id>",
		Short:         "Discard a staged patch",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatchAction(opts, "reject", args[0], cmd)
		},
	}
	reject.Flags().StringVar(&opts.Reason, "reason", "rejected by reviewer", "reason recorded with the rejection")

	cmd.AddCommand(list, history, commit, rollback, reject)
	return cmd
}

func runPatchesList(opts *PatchesOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	statuses := make([]ir.PatchStatus, len(opts.Statuses))
	for i, s := range opts.Statuses {
		statuses[i] = ir.PatchStatus(s)
	}

	s, err := opts.openApp(ctx, cmd, f, opts.DB)
	if err != nil {
		return err
	}
	defer s.close()

	patches := s.Host.Board().List(statuses...)
	out := make([]PatchSummary, len(patches))
	for i, p := range patches {
		out[i] = summarizePatch(p)
	}
	if f.JSON() {
		return f.Success(out)
	}
	if len(out) == 0 {
		fmt.Fprintln(f.Writer, "No patches.")
		return nil
	}
	for _, p := range out {
		fmt.Fprintf(f.Writer, "%s  %-11s %-14s %s/%s tick %d\n", p.ID, p.Status, p.Tier, p.Card, p.Instance, p.Tick)
		if p.Preview != "" {
			fmt.Fprintf(f.Writer, "    %s\n", p.Preview)
		}
		if p.Reason != "" {
			fmt.Fprintf(f.Writer, "    reason: %s\n", p.Reason)
		}
	}
	return nil
}

func runPatchesHistory(opts *PatchesOptions, id string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	s, err := opts.openApp(ctx, cmd, f, opts.DB)
	if err != nil {
		return err
	}
	defer s.close()

	events, err := s.Store.PatchHistory(ctx, id)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "cannot read patch history", err)
	}
	if len(events) == 0 {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("patch not found: %s", id), nil)
	}
	if f.JSON() {
		return f.Success(events)
	}
	for _, ev := range events {
		fmt.Fprintf(f.Writer, "%3d  %-11s %s", ev.Seq, ev.Status, ev.RecordedAt)
		if ev.Reason != "" {
			fmt.Fprintf(f.Writer, "  %s", ev.Reason)
		}
		fmt.Fprintln(f.Writer)
	}
	return nil
}

func runPatchAction(opts *PatchesOptions, action, id string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	s, err := opts.openApp(ctx, cmd, f, opts.DB)
	if err != nil {
		return err
	}
	board := s.Host.Board()
	if _, ok := board.Get(id); !ok {
		_ = s.close()
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("patch not found: %s", id), nil)
	}

	switch action {
	case "commit":
		_, err = board.Commit(ctx, id, s.Runtime.Clock().Current())
	case "rollback":
		err = board.Rollback(ctx, id)
	case "reject":
		err = board.Reject(ctx, id, opts.Reason)
	}
	if ferr := s.finish(ctx, f); ferr != nil {
		return ferr
	}
	if err != nil {
		msg := fmt.Sprintf("%s %s refused", action, id)
		if rej, ok := host.AsRejection(err); ok {
			msg = fmt.Sprintf("%s %s refused: %s", action, id, rej.Reason)
		}
		return f.Fail(ExitFailure, ErrCodeRefused, msg, err)
	}

	p, _ := board.Get(id)
	if f.JSON() {
		return f.Success(summarizePatch(p))
	}
	fmt.Fprintf(f.Writer, "✓ %s %s\n", p.ID, p.Status)
	return nil
}
