package compiler

import (
	"fmt"
	"log/slog"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/cardrt/internal/check"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// DefaultCacheSize bounds the compiled-artifact cache.
const DefaultCacheSize = 256

// Compiler turns a manifest and card source into a sealed artifact. It is
// the only way code enters the system. Safe for concurrent use.
type Compiler struct {
	logger    *slog.Logger
	compat    *Compat
	cacheSize int
	cache     *lru.Cache[string, *ir.Artifact]
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the build logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// WithCompat sets the host API compatibility policy.
func WithCompat(compat *Compat) Option {
	return func(c *Compiler) { c.compat = compat }
}

// WithCacheSize sets the number of artifacts kept in memory.
func WithCacheSize(n int) Option {
	return func(c *Compiler) { c.cacheSize = n }
}

// New returns a compiler.
func New(opts ...Option) (*Compiler, error) {
	c := &Compiler{logger: slog.Default(), cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(c)
	}
	if c.compat == nil {
		c.compat = DefaultCompat()
	}
	cache, err := lru.New[string, *ir.Artifact](c.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("artifact cache: %w", err)
	}
	c.cache = cache
	return c, nil
}

// Compat returns the compiler's compatibility policy.
func (c *Compiler) Compat() *Compat { return c.compat }

// BuildFiles reads a manifest.cue and a card source file and builds them.
func (c *Compiler) BuildFiles(manifestPath, sourcePath string) (*ir.Artifact, error) {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, &BuildError{Card: manifestPath, Diagnostics: Diagnostics(err)}
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if info.Size() > lang.MaxSourceBytes {
		return nil, &BuildError{Card: m.ID, Diagnostics: lang.Diagnostics{{
			Code:    lang.ErrSourceTooLarge,
			Message: fmt.Sprintf("%s is %d bytes, limit is %d", sourcePath, info.Size(), lang.MaxSourceBytes),
		}}}
	}
	src, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return c.Build(m, string(src))
}

// Build checks source against m and returns the sealed artifact, or a
// *BuildError listing every diagnostic. Artifacts are immutable and shared
// through the cache; callers must not modify them.
func (c *Compiler) Build(m *ir.Manifest, source string) (*ir.Artifact, error) {
	key, err := ir.SourceHash(source, m.ToIR())
	if err != nil {
		return nil, err
	}
	if a, ok := c.cache.Get(key); ok {
		c.logger.Debug("artifact cache hit", "event", "compiler.cache_hit", "card", m.ID, "artifact", a.ID)
		return a, nil
	}

	a, diags := c.build(m, source)
	if len(diags) > 0 {
		c.logger.Info("card rejected",
			"event", "compiler.reject",
			"card", m.ID,
			"diagnostics", len(diags),
			"first", diags[0].Code,
		)
		return nil, &BuildError{Card: m.ID, Diagnostics: diags}
	}
	if err := a.Seal(); err != nil {
		return nil, err
	}
	c.cache.Add(key, a)
	c.logger.Info("card built",
		"event", "compiler.build",
		"card", m.ID,
		"version", m.Version,
		"artifact", a.ID,
		"effects", a.Effects.String(),
	)
	return a, nil
}

func (c *Compiler) build(m *ir.Manifest, source string) (*ir.Artifact, lang.Diagnostics) {
	if diags := ValidateManifest(m, c.compat); len(diags) > 0 {
		return nil, diags
	}
	target, err := c.compat.Check(m.HostAPIVersion)
	if err != nil {
		return nil, lang.Diagnostics{{Code: ErrHostAPI, Field: "host_api_version", Message: err.Error()}}
	}
	prog, err := lang.Parse(source)
	if err != nil {
		return nil, Diagnostics(err)
	}
	params, err := ParamsType(m.Params)
	if err != nil {
		return nil, lang.Diagnostics{{Code: ErrParamsSchema, Field: "params", Message: err.Error()}}
	}

	res, diags := check.Check(prog, check.Entry{
		Inputs:  m.Signature.Inputs,
		Params:  params,
		State:   m.State,
		Caps:    capabilityAliases(m),
		Renames: target.Renames,
	}, m.DeclaredEffects)
	if len(diags) > 0 {
		return nil, diags
	}

	return &ir.Artifact{
		FormatVersion:   ir.ArtifactFormatVersion,
		Manifest:        *m,
		Source:          source,
		Program:         lang.Lower(prog),
		Effects:         res.Effects,
		FunctionEffects: res.FunctionEffects,
		IRVersion:       ir.IRVersion,
		EngineVersion:   ir.EngineVersion,
	}, nil
}

func capabilityAliases(m *ir.Manifest) []string {
	out := make([]string, len(m.RequiredCapabilities))
	for i, d := range m.RequiredCapabilities {
		out[i] = d.Name
	}
	return out
}

// Loaded is an artifact ready for the interpreter.
type Loaded struct {
	Artifact *ir.Artifact
	Program  *lang.Program
	Params   *ParamsSchema
	// Renames maps legacy primitive names used by the program onto the
	// current host API. Empty unless the artifact runs under a shim.
	Renames map[string]string
}

// Load verifies a persisted artifact and prepares it to run. It rejects
// artifacts whose content address does not match, whose IR version is
// unknown, or whose host API version is no longer supported.
func (c *Compiler) Load(a *ir.Artifact) (*Loaded, error) {
	if err := a.Verify(); err != nil {
		return nil, fmt.Errorf("load %s: %w", a.Manifest.ID, err)
	}
	if a.IRVersion != ir.IRVersion {
		return nil, fmt.Errorf("load %s: ir version %q, want %q", a.Manifest.ID, a.IRVersion, ir.IRVersion)
	}
	target, err := c.compat.Check(a.Manifest.HostAPIVersion)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", a.Manifest.ID, err)
	}
	prog, err := lang.Raise(a.Program)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", a.Manifest.ID, err)
	}
	params, err := CompileParams(a.Manifest.ID, a.Manifest.Params)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", a.Manifest.ID, err)
	}
	if target.Shim {
		c.logger.Warn("artifact runs under compatibility shim",
			"event", "compiler.shim",
			"card", a.Manifest.ID,
			"host_api_version", a.Manifest.HostAPIVersion,
			"host", c.compat.Host().String(),
		)
	}
	return &Loaded{Artifact: a, Program: prog, Params: params, Renames: target.Renames}, nil
}
