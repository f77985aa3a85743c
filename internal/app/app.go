// Package app assembles a runtime from a Config: compiler, grant table,
// namespace arena, workspace, host, registry and scheduler, optionally
// backed by a store. It is the wiring shared by the CLI and the scenario
// harness.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/compiler"
	"github.com/roach88/cardrt/internal/config"
	"github.com/roach88/cardrt/internal/host"
	"github.com/roach88/cardrt/internal/interp"
	"github.com/roach88/cardrt/internal/namespace"
	"github.com/roach88/cardrt/internal/registry"
	"github.com/roach88/cardrt/internal/runtime"
	"github.com/roach88/cardrt/internal/store"
)

// App is one assembled runtime.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Compiler  *compiler.Compiler
	Grants    *capability.GrantTable
	Arena     *namespace.Arena
	Workspace *host.Workspace
	Host      *host.Host
	Registry  *registry.Registry
	Runtime   *runtime.Runtime
	Logger    *slog.Logger
}

type options struct {
	store    *store.Store
	logger   *slog.Logger
	instIDs  runtime.IDGenerator
	tokenIDs func() string
	now      func() time.Time
}

// Option configures New.
type Option func(*options)

// WithStore backs the runtime with st. New restores whatever st holds.
func WithStore(st *store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithLogger sets the logger every component writes to.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInstanceIDs replaces the instance id source.
func WithInstanceIDs(g runtime.IDGenerator) Option {
	return func(o *options) { o.instIDs = g }
}

// WithTokenIDs replaces the capability token id source.
func WithTokenIDs(gen func() string) Option {
	return func(o *options) { o.tokenIDs = gen }
}

// WithWallClock replaces the wall clock the host's log limiter reads.
func WithWallClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New assembles a runtime for cfg. With a store, the tick clock,
// workspace, tokens, definitions, patches and instances are restored from
// it before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	a := &App{Config: cfg, Store: o.store, Logger: o.logger}

	compat, err := cfg.Compat()
	if err != nil {
		return nil, fmt.Errorf("host api policy: %w", err)
	}
	approval, err := cfg.ApprovalPolicy()
	if err != nil {
		return nil, fmt.Errorf("approval policy: %w", err)
	}
	a.Compiler, err = compiler.New(
		compiler.WithLogger(o.logger),
		compiler.WithCompat(compat),
		compiler.WithCacheSize(cfg.CacheSize),
	)
	if err != nil {
		return nil, err
	}

	grantOpts := []capability.GrantOption{capability.WithLogger(o.logger)}
	if o.store != nil {
		grantOpts = append(grantOpts, capability.WithPersister(o.store))
	}
	if o.tokenIDs != nil {
		grantOpts = append(grantOpts, capability.WithIDGenerator(o.tokenIDs))
	}
	a.Grants = capability.NewGrantTable(grantOpts...)
	a.Arena = namespace.NewArena(namespace.WithLogger(o.logger))
	a.Workspace = host.NewWorkspace()

	hostOpts := []host.Option{
		host.WithLogger(o.logger),
		host.WithGasPolicy(cfg.Gas),
		host.WithApproval(approval),
		host.WithLogRate(cfg.Log.Rate, cfg.Log.Burst),
	}
	if o.store != nil {
		hostOpts = append(hostOpts, host.WithPatchStore(o.store))
	}
	if o.now != nil {
		hostOpts = append(hostOpts, host.WithClock(o.now))
	}
	a.Host, err = host.New(a.Workspace, a.Arena, a.Grants, hostOpts...)
	if err != nil {
		return nil, err
	}

	regOpts := []registry.Option{
		registry.WithLogger(o.logger),
		registry.WithInterpreterOptions(interp.WithGasPolicy(cfg.Gas)),
	}
	if o.store != nil {
		regOpts = append(regOpts, registry.WithArtifactStore(o.store))
	}
	a.Registry = registry.New(a.Compiler, a.Grants, a.Arena, regOpts...)

	var tick int64
	if o.store != nil {
		if tick, err = o.store.LoadTick(ctx); err != nil {
			return nil, err
		}
	}
	rtOpts := []runtime.Option{
		runtime.WithLogger(o.logger),
		runtime.WithWorkers(cfg.Workers),
		runtime.WithFrameBudget(cfg.FrameBudget),
		runtime.WithFaultThreshold(cfg.FaultThreshold),
		runtime.WithRevocationMode(cfg.RevocationMode),
		runtime.WithTickSpan(cfg.TickSpan),
		runtime.WithClock(runtime.NewClockAt(tick)),
	}
	if o.store != nil {
		rtOpts = append(rtOpts, runtime.WithStateStore(o.store))
	}
	if o.instIDs != nil {
		rtOpts = append(rtOpts, runtime.WithIDGenerator(o.instIDs))
	}
	a.Runtime = runtime.New(a.Registry, a.Host, a.Grants, rtOpts...)

	if o.store != nil {
		if err := a.restore(ctx, tick); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// restore reloads persisted state in dependency order: tokens before
// definitions so that Resume sees them, definitions before instances.
func (a *App) restore(ctx context.Context, tick int64) error {
	dump, _, err := a.Store.LoadWorkspace(ctx)
	switch {
	case err == nil:
		if err := a.Workspace.Import(dump); err != nil {
			return fmt.Errorf("restore workspace: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	tokens, err := a.Store.LoadTokens(ctx)
	if err != nil {
		return err
	}
	a.Grants.Restore(tokens)

	artifacts, err := a.Store.LoadArtifacts(ctx)
	if err != nil {
		return err
	}
	for _, art := range artifacts {
		def, err := a.Registry.Install(ctx, art)
		if err != nil {
			return fmt.Errorf("restore %s@%s: %w", art.Manifest.ID, art.Manifest.Version, err)
		}
		active, err := a.Registry.Resume(def.Key(), tick)
		if err != nil {
			return err
		}
		if !active {
			a.Logger.Warn("definition left installed",
				"event", "app.resume_pending",
				"definition", def.Key(),
				"reason", "no live capability tokens",
			)
		}
	}

	patches, err := a.Store.LoadPatches(ctx)
	if err != nil {
		return err
	}
	a.Host.Board().Restore(patches)

	instances, err := a.Store.LoadInstances(ctx)
	if err != nil {
		return err
	}
	a.Runtime.Restore(instances)

	a.Logger.Info("state restored",
		"event", "app.restore",
		"tick", tick,
		"tokens", len(tokens),
		"definitions", len(artifacts),
		"patches", len(patches),
		"instances", len(instances),
	)
	return nil
}

// LoadCard builds a card from its manifest and source files, installs it,
// and with enable set grants every capability it asks for and activates
// it at the current tick.
func (a *App) LoadCard(ctx context.Context, manifestPath, sourcePath string, enable bool) (*registry.Definition, error) {
	art, err := a.Compiler.BuildFiles(manifestPath, sourcePath)
	if err != nil {
		return nil, err
	}
	def, err := a.Registry.Install(ctx, art)
	if err != nil {
		return nil, err
	}
	if enable {
		if err := a.Registry.Enable(ctx, def.Key(), a.Runtime.Clock().Current()); err != nil {
			return nil, err
		}
	}
	return def, nil
}

// Persist writes the tick clock and the workspace to the store. Tokens,
// patches, artifacts and instances are written as they change. Without a
// store Persist does nothing.
func (a *App) Persist(ctx context.Context) error {
	if a.Store == nil {
		return nil
	}
	tick := a.Runtime.Clock().Current()
	if err := a.Store.SaveTick(ctx, tick); err != nil {
		return err
	}
	return a.Store.SaveWorkspace(ctx, tick, a.Workspace.Export())
}
