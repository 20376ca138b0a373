package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 66, cfg.Sim.TickIntervalMillis)
	assert.Equal(t, 6, cfg.Sim.Agents)
	assert.Equal(t, 800, cfg.Queue.TimeoutMillis)
	assert.Equal(t, 0.7, cfg.Throttle.TargetUtilization)
	assert.Equal(t, []string{"console"}, cfg.Log.Sinks)
	assert.Empty(t, cfg.Journal.Path)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewsim.yaml")
	contents := `
listen: ":9090"
sim:
  agents: 12
  tick_interval_millis: 100
queue:
  timeout_millis: 1500
throttle:
  ceiling_tokens_per_second: 900
journal:
  path: /tmp/jobs.db
log:
  json: true
http:
  enable_pprof: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 12, cfg.Sim.Agents)
	assert.Equal(t, 100, cfg.Sim.TickIntervalMillis)
	assert.Equal(t, 1500, cfg.Queue.TimeoutMillis)
	assert.Equal(t, float64(900), cfg.Throttle.CeilingTokensPerSecond)
	assert.Equal(t, "/tmp/jobs.db", cfg.Journal.Path)
	assert.True(t, cfg.Log.JSON)
	assert.True(t, cfg.HTTP.EnablePprof)

	// Unspecified keys keep defaults.
	assert.Equal(t, 0.25, cfg.Throttle.MinCoefficient)
	assert.Equal(t, 60, cfg.Sim.KeyframeInterval)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  max_coefficient: 2.0\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, nil, func(cfg Config) {
		reloads <- cfg
	}))

	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  max_coefficient: 3.5\n"), 0o644))

	select {
	case cfg := <-reloads:
		assert.Equal(t, 3.5, cfg.Throttle.MaxCoefficient)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never delivered")
	}
}
