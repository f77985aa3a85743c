package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/runtime"
)

func envMap(m map[string]string) Option {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", WithEnvFile(""), envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, capability.DefaultGasPolicy(), cfg.Gas)
	assert.Equal(t, runtime.RevokeFinish, cfg.RevocationMode)
}

func TestLoad_PolicyFile(t *testing.T) {
	path := writeFile(t, "policy.yaml", `
database: /var/lib/cardrt/state.db
workers: 8
frame_budget: 20ms
fault_threshold: 5
revocation_mode: abort
gas:
  budget: 100
  host_call_cost: 10
  primitive_cost:
    log: 0
approval:
  default: 'patch.tier != "meta"'
  cards:
    "acme:drums/humanize": "false"
log:
  level: debug
  format: json
`)
	cfg, err := Load(path, WithEnvFile(""), envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cardrt/state.db", cfg.Database)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 20*time.Millisecond, cfg.FrameBudget)
	assert.Equal(t, 5, cfg.FaultThreshold)
	assert.Equal(t, runtime.RevokeAbort, cfg.RevocationMode)
	assert.Equal(t, int64(100), cfg.Gas.Budget)
	assert.Equal(t, int64(0), cfg.Gas.CallCost("log"))
	assert.Equal(t, int64(10), cfg.Gas.CallCost("emit_events"))
	// Unset keys keep their defaults.
	assert.Equal(t, int64(1), cfg.Gas.StepCost)
	assert.Equal(t, runtime.DefaultTickSpan, int(cfg.TickSpan))

	policy, err := cfg.ApprovalPolicy()
	require.NoError(t, err)
	assert.Equal(t, "false", policy.Rule("acme:drums/humanize"))
	assert.Equal(t, `patch.tier != "meta"`, policy.Rule("acme:drums/other"))
}

func TestLoad_UnknownKeyIsAnError(t *testing.T) {
	path := writeFile(t, "policy.yaml", "workerz: 3\n")
	_, err := Load(path, WithEnvFile(""), envMap(nil))
	assert.Error(t, err)
}

func TestLoad_EmptyPolicyFile(t *testing.T) {
	path := writeFile(t, "policy.yaml", "")
	cfg, err := Load(path, WithEnvFile(""), envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingPolicyFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), WithEnvFile(""), envMap(nil))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "policy.yaml", "workers: 8\ngas:\n  budget: 100\n")
	cfg, err := Load(path, WithEnvFile(""), envMap(map[string]string{
		"CARDRT_WORKERS":         "2",
		"CARDRT_GAS_BUDGET":      "500",
		"CARDRT_FRAME_BUDGET":    "1s",
		"CARDRT_REVOCATION_MODE": "abort",
		"CARDRT_DB":              "other.db",
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, int64(500), cfg.Gas.Budget)
	assert.Equal(t, time.Second, cfg.FrameBudget)
	assert.Equal(t, runtime.RevokeAbort, cfg.RevocationMode)
	assert.Equal(t, "other.db", cfg.Database)
}

func TestLoad_DotenvIsFallbackForEnvironment(t *testing.T) {
	envFile := writeFile(t, ".env", "CARDRT_WORKERS=6\nCARDRT_FAULT_THRESHOLD=9\n")
	cfg, err := Load("", WithEnvFile(envFile), envMap(map[string]string{
		"CARDRT_WORKERS": "3",
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers, "environment wins over .env")
	assert.Equal(t, 9, cfg.FaultThreshold)
}

func TestLoad_MissingDotenvIsIgnored(t *testing.T) {
	_, err := Load("", WithEnvFile(filepath.Join(t.TempDir(), ".env")), envMap(nil))
	assert.NoError(t, err)
}

func TestLoad_BadEnvValues(t *testing.T) {
	_, err := Load("", WithEnvFile(""), envMap(map[string]string{
		"CARDRT_WORKERS":      "many",
		"CARDRT_FRAME_BUDGET": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CARDRT_WORKERS")
	assert.Contains(t, err.Error(), "CARDRT_FRAME_BUDGET")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	cfg.RevocationMode = "later"
	cfg.Gas.Budget = 0
	cfg.Gas.EventCost = -1
	cfg.Approval.Default = "patch.tier =="
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"workers", "revocation_mode", "gas.budget", "gas.event_cost", "approval", "log.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_HostAPI(t *testing.T) {
	cfg := Default()
	cfg.HostAPI.Deprecated = "not a constraint"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host_api")

	cfg = Default()
	cfg.HostAPI.Deprecated = "< 1.0.0"
	require.NoError(t, cfg.Validate())
	compat, err := cfg.Compat()
	require.NoError(t, err)
	assert.Equal(t, cfg.HostAPI.Version, compat.Host().String())
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	var buf bytes.Buffer

	cfg.NewLogger(&buf, false).Debug("hidden")
	assert.Empty(t, buf.String())

	cfg.NewLogger(&buf, true).Debug("shown", "event", "test.debug")
	assert.Contains(t, buf.String(), `"event":"test.debug"`)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error", "INFO"} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte("fault_threshold: 2\nrevocation_mode: abort\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.FaultThreshold)
	assert.Equal(t, runtime.RevokeAbort, cfg.RevocationMode)

	_, err = Parse([]byte("workers: 0\n"))
	assert.Error(t, err)
}

func TestValidate_StepCostBoundsEveryRun(t *testing.T) {
	_, err := Parse([]byte("gas:\n  step_cost: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gas.step_cost: must be at least 1")

	cfg, err := Parse([]byte("gas:\n  step_cost: 2\n  event_cost: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.Gas.StepCost)
}
