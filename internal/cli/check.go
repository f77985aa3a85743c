package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cardrt/internal/compiler"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// CheckResult is the outcome of checking one card.
type CheckResult struct {
	Valid       bool             `json:"valid"`
	Card        string           `json:"card,omitempty"`
	Version     string           `json:"version,omitempty"`
	Artifact    string           `json:"artifact,omitempty"`
	Effects     *ir.EffectRow    `json:"effects,omitempty"`
	Diagnostics lang.Diagnostics `json:"diagnostics,omitempty"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <manifest.cue> <source.card>",
		Short: "Check a card without installing it",
		Long: `Parse and statically check a card's manifest and source.

Reports every diagnostic the checker finds: type errors, effects the
manifest does not declare, unsupported host API versions. Nothing is
written to the database.

Exit codes:
  0 - The card is valid
  1 - The card has diagnostics
  2 - Command error (missing files, invalid policy)`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runCheck(opts *RootOptions, manifestPath, sourcePath string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	for _, p := range []string{manifestPath, sourcePath} {
		if _, err := os.Stat(p); err != nil {
			return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("file not found: %s", p), nil)
		}
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid policy", err)
	}
	compat, err := cfg.Compat()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid host api policy", err)
	}
	c, err := compiler.New(
		compiler.WithLogger(opts.logger(cfg, cmd)),
		compiler.WithCompat(compat),
	)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "cannot create compiler", err)
	}

	f.VerboseLog("Checking %s with %s", sourcePath, manifestPath)
	art, err := c.BuildFiles(manifestPath, sourcePath)
	if err != nil {
		diags := compiler.Diagnostics(err)
		if len(diags) == 0 {
			return f.Fail(ExitCommandError, ErrCodeBuild, "build failed", err)
		}
		return outputCheckFailure(f, diags)
	}

	result := CheckResult{
		Valid:    true,
		Card:     art.Manifest.ID,
		Version:  art.Manifest.Version,
		Artifact: art.ID,
		Effects:  &art.Effects,
	}
	if f.JSON() {
		return f.Success(result)
	}
	w := f.Writer
	fmt.Fprintf(w, "✓ %s@%s\n", result.Card, result.Version)
	fmt.Fprintf(w, "  artifact: %s\n", result.Artifact)
	fmt.Fprintf(w, "  effects:  %s\n", art.Effects)
	return nil
}

func outputCheckFailure(f *OutputFormatter, diags lang.Diagnostics) error {
	if f.JSON() {
		if err := f.Success(CheckResult{Valid: false, Diagnostics: diags}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(f.Writer, "✗ Check failed with %d diagnostic(s):\n", len(diags))
		for _, d := range diags {
			fmt.Fprintf(f.Writer, "  %s\n", d.Error())
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("check failed: %d diagnostic(s)", len(diags)))
}
