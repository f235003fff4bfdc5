package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacetime-relay/internal/telemetry"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ws://localhost:4000/v1/database/spacetime-game-server/subscribe", cfg.UpstreamURL())

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5*time.Second, policy.Interval)
	assert.Equal(t, 10, policy.MaxAttempts)
	assert.False(t, policy.Unbounded)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
upstream:
  host: store.internal
  module: world
  retry:
    interval: 250ms
    unbounded: true
sessions:
  intent_rate: 20
  intent_burst: 5
observability:
  enable_pprof: true
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "store.internal", cfg.Upstream.Host)
	assert.Equal(t, "4000", cfg.Upstream.Port, "unset keys keep their default")
	assert.Equal(t, "world", cfg.Upstream.Module)
	assert.Equal(t, 250*time.Millisecond, cfg.Upstream.Retry.Interval)
	assert.True(t, cfg.Upstream.Retry.Unbounded)
	assert.Equal(t, 10, cfg.Upstream.Retry.MaxAttempts)
	assert.Equal(t, 20.0, cfg.Sessions.IntentRate)
	assert.True(t, cfg.Observability.EnablePprof)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestApplyEnvOverridesAndSkipsInvalid(t *testing.T) {
	env := map[string]string{
		"SPACETIME_HOST":           "db.example",
		"SPACETIME_PORT":           "3000",
		"RELAY_RETRY_INTERVAL":     "2",
		"RELAY_RETRY_MAX_ATTEMPTS": "many",
		"RELAY_RETRY_UNBOUNDED":    "true",
		"ENABLE_PPROF_TRACE":       "1",
	}
	var logged []string
	logger := telemetry.LoggerFunc(func(format string, args ...any) {
		logged = append(logged, format)
	})

	cfg := DefaultConfig()
	cfg.ApplyEnv(func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}, logger)

	assert.Equal(t, "db.example", cfg.Upstream.Host)
	assert.Equal(t, "3000", cfg.Upstream.Port)
	assert.Equal(t, 2*time.Second, cfg.Upstream.Retry.Interval)
	assert.Equal(t, 10, cfg.Upstream.Retry.MaxAttempts, "invalid value is ignored")
	assert.True(t, cfg.Upstream.Retry.Unbounded)
	assert.True(t, cfg.Observability.EnablePprof)
	assert.Len(t, logged, 1)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Module = ""
	cfg.Upstream.Retry.Interval = 0
	cfg.Logging.MinSeverity = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module")
	assert.Contains(t, err.Error(), "interval")
	assert.Contains(t, err.Error(), "loud")

	unbounded := DefaultConfig()
	unbounded.Upstream.Retry.MaxAttempts = 0
	unbounded.Upstream.Retry.Unbounded = true
	assert.NoError(t, unbounded.Validate())
}
