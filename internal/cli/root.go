package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/cardrt/internal/app"
	"github.com/roach88/cardrt/internal/config"
	"github.com/roach88/cardrt/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // policy file
	EnvFile string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cardrt CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cardrt",
		Short: "cardrt - sandboxed card runtime",
		Long:  "Build, check and run sandboxed composition cards against a persistent workspace.",
		// main prints the error once and maps it to an exit code.
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "policy file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with CARDRT_* overrides")

	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewTickCommand(opts))
	cmd.AddCommand(NewPatchesCommand(opts))
	cmd.AddCommand(NewGrantsCommand(opts))

	return cmd
}

// loadConfig layers the policy file, the dotenv file and the environment
// over the defaults.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.Config, config.WithEnvFile(o.EnvFile))
}

func (o *RootOptions) logger(cfg *config.Config, cmd *cobra.Command) *slog.Logger {
	return cfg.NewLogger(cmd.ErrOrStderr(), o.Verbose)
}

// session is an App opened over a database for one command.
type session struct {
	*app.App
	close func() error
}

// openApp loads the policy and restores the runtime from the database at
// db, or the policy's database when db is empty.
func (o *RootOptions) openApp(ctx context.Context, cmd *cobra.Command, f *OutputFormatter, db string) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid policy", err)
	}
	if db == "" {
		db = cfg.Database
	}
	f.VerboseLog("Opening database %s", db)
	st, err := store.Open(db)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeDatabase, fmt.Sprintf("cannot open database %s", db), err)
	}
	a, err := app.New(ctx, cfg, app.WithStore(st), app.WithLogger(o.logger(cfg, cmd)))
	if err != nil {
		_ = st.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeDatabase, "cannot restore runtime", err)
	}
	return &session{App: a, close: st.Close}, nil
}

// finish persists the session and closes its database.
func (s *session) finish(ctx context.Context, f *OutputFormatter) error {
	err := s.Persist(ctx)
	if cerr := s.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "cannot save runtime", err)
	}
	return nil
}
