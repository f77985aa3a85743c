package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cardrt/internal/capability"
)

// GrantsOptions holds flags shared by the grants subcommands.
type GrantsOptions struct {
	*RootOptions
	DB     string
	Reason string
}

// DefinitionGrants is a definition with its tokens.
type DefinitionGrants struct {
	Key    string       `json:"key"`
	State  string       `json:"state"`
	Tokens []TokenEntry `json:"tokens"`
}

// TokenEntry is the listing form of a capability token.
type TokenEntry struct {
	ID        string `json:"id"`
	Alias     string `json:"alias"`
	Kind      string `json:"kind"`
	Scope     string `json:"scope"`
	GrantedAt int64  `json:"granted_at_tick"`
	Revoked   bool   `json:"revoked,omitempty"`
	Reason    string `json:"revoke_reason,omitempty"`
}

// LinkEntry is a producer to consumer stream with the capabilities the
// two cards hold together (joined) and each hold (shared).
type LinkEntry struct {
	Producer string   `json:"producer"`
	Consumer string   `json:"consumer"`
	Stream   string   `json:"stream"`
	Joined   []string `json:"joined"`
	Shared   []string `json:"shared"`
}

func grantStrings(gs []capability.Grant) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.Kind.String() + " " + g.Scope.String()
	}
	return out
}

// NewGrantsCommand creates the grants command group.
func NewGrantsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GrantsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Inspect, approve and revoke card capabilities",
	}
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "database path (default from policy)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List installed definitions and their tokens",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantsList(opts, cmd)
		},
	}

	approve := &cobra.Command{
		Use:           "approve <card@version>",
		Short:         "Grant every capability a definition requires and activate it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantsChange(opts, "approve", args[0], cmd)
		},
	}

	revoke := &cobra.Command{
		Use:           "revoke <card@version>",
		Short:         "Revoke a definition's capabilities and stop its instances",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantsChange(opts, "revoke", args[0], cmd)
		},
	}
	revoke.Flags().StringVar(&opts.Reason, "reason", "revoked by user", "reason recorded in the audit log")

	links := &cobra.Command{
		Use:   "links",
		Short: "Show the composed capabilities of every connected pair of instances",
		Long: `For every stream one instance writes and another reads, show the join
of the two cards' live capabilities (what they can do between them) and
their meet (what both can do).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantsLinks(opts, cmd)
		},
	}

	cmd.AddCommand(list, approve, revoke, links)
	return cmd
}

func runGrantsList(opts *GrantsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	s, err := opts.openApp(ctx, cmd, f, opts.DB)
	if err != nil {
		return err
	}
	defer s.close()

	var out []DefinitionGrants
	for _, info := range s.Registry.List() {
		dg := DefinitionGrants{Key: info.Key, State: string(info.State), Tokens: []TokenEntry{}}
		for _, t := range s.Grants.List(info.Card) {
			dg.Tokens = append(dg.Tokens, TokenEntry{
				ID:        t.ID,
				Alias:     t.Alias,
				Kind:      t.Kind.String(),
				Scope:     t.Scope.String(),
				GrantedAt: t.GrantedAtTick,
				Revoked:   t.Revoked,
				Reason:    t.RevokeReason,
			})
		}
		out = append(out, dg)
	}
	if f.JSON() {
		if out == nil {
			out = []DefinitionGrants{}
		}
		return f.Success(out)
	}
	if len(out) == 0 {
		fmt.Fprintln(f.Writer, "No definitions installed.")
		return nil
	}
	for _, dg := range out {
		fmt.Fprintf(f.Writer, "%s (%s)\n", dg.Key, dg.State)
		for _, t := range dg.Tokens {
			status := "live"
			if t.Revoked {
				status = "revoked: " + t.Reason
			}
			fmt.Fprintf(f.Writer, "  %-10s %-14s %-20s %s\n", t.Alias, t.Kind, t.Scope, status)
		}
	}
	return nil
}

func runGrantsChange(opts *GrantsOptions, action, key string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	s, err := opts.openApp(ctx, cmd, f, opts.DB)
	if err != nil {
		return err
	}
	if _, ok := s.Registry.Get(key); !ok {
		_ = s.close()
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("definition not found: %s", key), nil)
	}

	tick := s.Runtime.Clock().Current()
	switch action {
	case "approve":
		err = s.Registry.Enable(ctx, key, tick)
	case "revoke":
		err = s.Registry.Revoke(ctx, key, tick, opts.Reason)
	}
	if ferr := s.finish(ctx, f); ferr != nil {
		return ferr
	}
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeRefused, fmt.Sprintf("%s %s refused", action, key), err)
	}

	state := string(s.Registry.State(key))
	if f.JSON() {
		return f.Success(map[string]string{"key": key, "state": state})
	}
	fmt.Fprintf(f.Writer, "✓ %s %s\n", key, state)
	return nil
}

func runGrantsLinks(opts *GrantsOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	s, err := opts.openApp(ctx, cmd, f, opts.DB)
	if err != nil {
		return err
	}
	defer s.close()

	out := []LinkEntry{}
	for _, l := range s.Runtime.Links() {
		out = append(out, LinkEntry{
			Producer: l.Producer,
			Consumer: l.Consumer,
			Stream:   l.Stream,
			Joined:   grantStrings(l.Joined),
			Shared:   grantStrings(l.Shared),
		})
	}
	if f.JSON() {
		return f.Success(out)
	}
	if len(out) == 0 {
		fmt.Fprintln(f.Writer, "No connected instances.")
		return nil
	}
	for _, l := range out {
		fmt.Fprintf(f.Writer, "%s -> %s via %s\n", l.Producer, l.Consumer, l.Stream)
		for _, g := range l.Joined {
			fmt.Fprintf(f.Writer, "  joined %s\n", g)
		}
		for _, g := range l.Shared {
			fmt.Fprintf(f.Writer, "  shared %s\n", g)
		}
	}
	return nil
}
