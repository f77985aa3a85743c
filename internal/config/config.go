// Package config loads the runtime policy: a YAML policy file, then a
// .env file, then CARDRT_* environment variables. CLI flags are applied
// last by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/compiler"
	"github.com/roach88/cardrt/internal/host"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/runtime"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CARDRT_"

// Config is the full runtime policy.
type Config struct {
	Database string `yaml:"database"`

	Workers        int                    `yaml:"workers"`
	FrameBudget    time.Duration          `yaml:"frame_budget"`
	FaultThreshold int                    `yaml:"fault_threshold"`
	RevocationMode runtime.RevocationMode `yaml:"revocation_mode"`
	TickSpan       int64                  `yaml:"tick_span"`

	Gas      capability.GasPolicy `yaml:"gas"`
	Approval Approval             `yaml:"approval"`
	HostAPI  HostAPI              `yaml:"host_api"`
	Log      Log                  `yaml:"log"`

	// CacheSize bounds the in-memory compiled artifact cache.
	CacheSize int `yaml:"cache_size"`
}

// Approval holds the CEL approval rules for staged patches.
type Approval struct {
	Default string            `yaml:"default"`
	Cards   map[string]string `yaml:"cards"`
}

// HostAPI is the host API compatibility policy.
type HostAPI struct {
	Version    string `yaml:"version"`
	Supported  string `yaml:"supported"`
	Deprecated string `yaml:"deprecated"`
}

// Log configures the process logger and the per-instance script log limit.
type Log struct {
	Level  string  `yaml:"level"`
	Format string  `yaml:"format"`
	Rate   float64 `yaml:"rate"`
	Burst  int     `yaml:"burst"`
}

// Default returns the built-in policy.
func Default() *Config {
	return &Config{
		Database:       "cardrt.db",
		Workers:        runtime.DefaultWorkers,
		FrameBudget:    runtime.DefaultFrameBudget,
		FaultThreshold: runtime.DefaultFaultThreshold,
		RevocationMode: runtime.RevokeFinish,
		TickSpan:       runtime.DefaultTickSpan,
		Gas:            capability.DefaultGasPolicy(),
		Approval:       Approval{Default: host.DefaultApproval},
		HostAPI: HostAPI{
			Version:   ir.HostAPIVersion,
			Supported: compiler.DefaultSupportedHostAPI,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
			Rate:   host.DefaultLogRate,
			Burst:  host.DefaultLogBurst,
		},
		CacheSize: compiler.DefaultCacheSize,
	}
}

type loadOptions struct {
	envFile string
	lookup  func(string) (string, bool)
}

// Option configures Load.
type Option func(*loadOptions)

// WithEnvFile reads overrides from a dotenv file. Variables already set in
// the environment win over the file. A missing file is ignored.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFile = path }
}

// WithLookupEnv replaces os.LookupEnv. Tests use a map.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.lookup = fn }
}

// Load builds a Config from the defaults, the policy file at path (if
// non-empty), the dotenv file and the environment, then validates it.
func Load(path string, opts ...Option) (*Config, error) {
	o := &loadOptions{envFile: ".env", lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(o)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if o.envFile != "" {
		m, err := godotenv.Read(o.envFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read env file %s: %w", o.envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := o.lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from policy YAML overlaid on the defaults and
// validates it. The environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto the current values. Unknown keys are errors.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int64) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}

	str("DB", &c.Database)
	str("APPROVAL", &c.Approval.Default)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("HOST_API_DEPRECATED", &c.HostAPI.Deprecated)

	var mode string
	str("REVOCATION_MODE", &mode)
	if mode != "" {
		c.RevocationMode = runtime.RevocationMode(mode)
	}

	workers, threshold := int64(c.Workers), int64(c.FaultThreshold)
	integer("WORKERS", &workers)
	integer("FAULT_THRESHOLD", &threshold)
	c.Workers, c.FaultThreshold = int(workers), int(threshold)
	integer("TICK_SPAN", &c.TickSpan)
	integer("GAS_BUDGET", &c.Gas.Budget)

	if v, ok := lookup(EnvPrefix + "FRAME_BUDGET"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sFRAME_BUDGET: %w", EnvPrefix, err))
		} else {
			c.FrameBudget = d
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database: path is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers: must be at least 1, got %d", c.Workers))
	}
	if c.FrameBudget <= 0 {
		errs = append(errs, fmt.Errorf("frame_budget: must be positive, got %s", c.FrameBudget))
	}
	if c.FaultThreshold < 1 {
		errs = append(errs, fmt.Errorf("fault_threshold: must be at least 1, got %d", c.FaultThreshold))
	}
	if c.TickSpan < 1 {
		errs = append(errs, fmt.Errorf("tick_span: must be at least 1, got %d", c.TickSpan))
	}
	if _, err := runtime.ParseRevocationMode(string(c.RevocationMode)); err != nil {
		errs = append(errs, fmt.Errorf("revocation_mode: %w", err))
	}
	if c.Gas.Budget <= 0 {
		errs = append(errs, fmt.Errorf("gas.budget: must be positive, got %d", c.Gas.Budget))
	}
	// Every step costs gas, so a run halts within budget steps.
	if c.Gas.StepCost < 1 {
		errs = append(errs, fmt.Errorf("gas.step_cost: must be at least 1, got %d", c.Gas.StepCost))
	}
	for _, g := range []struct {
		name string
		cost int64
	}{
		{"host_call_cost", c.Gas.HostCallCost},
		{"element_cost", c.Gas.ElementCost},
		{"event_cost", c.Gas.EventCost},
	} {
		if g.cost < 0 {
			errs = append(errs, fmt.Errorf("gas.%s: must not be negative, got %d", g.name, g.cost))
		}
	}
	for prim, cost := range c.Gas.PrimitiveCost {
		if cost < 0 {
			errs = append(errs, fmt.Errorf("gas.primitive_cost.%s: must not be negative, got %d", prim, cost))
		}
	}
	if _, err := c.ApprovalPolicy(); err != nil {
		errs = append(errs, fmt.Errorf("approval: %w", err))
	}
	if _, err := c.Compat(); err != nil {
		errs = append(errs, fmt.Errorf("host_api: %w", err))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.Log.Rate <= 0 || c.Log.Burst < 1 {
		errs = append(errs, fmt.Errorf("log: rate and burst must be positive, got %v/%d", c.Log.Rate, c.Log.Burst))
	}
	if c.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("cache_size: must be at least 1, got %d", c.CacheSize))
	}
	return errors.Join(errs...)
}

// ApprovalPolicy compiles the CEL approval rules.
func (c *Config) ApprovalPolicy() (*host.Policy, error) {
	return host.NewPolicy(c.Approval.Default, c.Approval.Cards)
}

// Compat builds the host API compatibility policy.
func (c *Config) Compat() (*compiler.Compat, error) {
	return compiler.NewCompat(c.HostAPI.Version, c.HostAPI.Supported, c.HostAPI.Deprecated)
}
