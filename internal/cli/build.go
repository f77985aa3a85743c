package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cardrt/internal/compiler"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	DB    string
	Grant bool
}

// BuildResult describes an installed definition.
type BuildResult struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Artifact string `json:"artifact"`
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build <manifest.cue> <source.card>",
		Short: "Build a card and install it in the database",
		Long: `Build a card and install its definition in the database.

With --grant every capability the card requires is granted and the
definition becomes active; otherwise it waits for approval.

Examples:
  cardrt build cards/echo/manifest.cue cards/echo/echo.card --db song.db
  cardrt build manifest.cue lead.card --grant=false`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "database path (default from policy)")
	cmd.Flags().BoolVar(&opts.Grant, "grant", true, "grant the card's required capabilities")

	return cmd
}

func runBuild(opts *BuildOptions, manifestPath, sourcePath string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	s, err := opts.openApp(ctx, cmd, f, opts.DB)
	if err != nil {
		return err
	}

	def, err := s.LoadCard(ctx, manifestPath, sourcePath, opts.Grant)
	if err != nil {
		_ = s.close()
		if diags := compiler.Diagnostics(err); len(diags) > 0 {
			return outputCheckFailure(f, diags)
		}
		return f.Fail(ExitFailure, ErrCodeBuild, "cannot install card", err)
	}
	if err := s.finish(ctx, f); err != nil {
		return err
	}

	result := BuildResult{
		Key:      def.Key(),
		State:    string(s.Registry.State(def.Key())),
		Artifact: def.Artifact.ID,
	}
	if f.JSON() {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "✓ Installed %s (%s)\n", result.Key, result.State)
	fmt.Fprintf(f.Writer, "  artifact: %s\n", result.Artifact)
	return nil
}
