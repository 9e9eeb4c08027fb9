package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"autognosis/internal/healing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AUTOGNOSIS_NODE_ID", "AUTOGNOSIS_NATS_URL", "AUTOGNOSIS_REDIS_ADDR",
		"AUTOGNOSIS_DB", "AUTOGNOSIS_METRICS_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, uint32(1), cfg.Node.ID)
	assert.Equal(t, TransportMemory, cfg.Node.Transport)
	assert.Equal(t, time.Second, cfg.GetTickInterval())
	assert.Len(t, cfg.Healing.Rules, 3)
	assert.Equal(t, []int{5, 25, 100}, cfg.Forecast.Horizons)
	assert.False(t, cfg.RedisEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "autognosis.yaml")

	cfg := DefaultConfig()
	cfg.Node.ID = 42
	cfg.Healing.Rules = append(cfg.Healing.Rules, healing.RuleConfig{
		Condition: "disk", Action: healing.ActionReconstruct, Confidence: 0.6,
	})
	cfg.Coordination.HeartbeatInterval = 5 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "autognosis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: 7\n  tick_interval: 3s\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cfg.Node.ID)
	assert.Equal(t, 3*time.Second, cfg.GetTickInterval())
	assert.Equal(t, DefaultConfig().Agency, cfg.Agency)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTOGNOSIS_NODE_ID", "9")
	t.Setenv("AUTOGNOSIS_NATS_URL", "nats://nats:4222")
	t.Setenv("AUTOGNOSIS_REDIS_ADDR", "redis:6379")
	t.Setenv("AUTOGNOSIS_DB", "/var/lib/autognosis/node.db")
	t.Setenv("AUTOGNOSIS_METRICS_ADDR", ":9000")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, uint32(9), cfg.Node.ID)
	assert.Equal(t, TransportNATS, cfg.Node.Transport)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.True(t, cfg.RedisEnabled())
	assert.Equal(t, "/var/lib/autognosis/node.db", cfg.GetDatabasePath())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9000", cfg.Metrics.Addr)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrideIgnoresBadNodeID(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTOGNOSIS_NODE_ID", "not-a-number")
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	assert.Equal(t, uint32(1), cfg.Node.ID)
}

func TestDurationGetterFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.TickInterval = "soon"
	assert.Equal(t, time.Second, cfg.GetTickInterval())
	cfg.Node.TickInterval = "10ms"
	assert.Equal(t, time.Second, cfg.GetTickInterval(), "one second floor")
}

func TestDatabasePathResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.Workspace = "/srv/node"
	assert.Equal(t, "/srv/node/.autognosis/knowledge.db", cfg.GetDatabasePath())
	cfg.Node.DatabasePath = ":memory:"
	assert.Equal(t, ":memory:", cfg.GetDatabasePath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"broadcast id", func(c *Config) { c.Node.ID = 0 }},
		{"unknown transport", func(c *Config) { c.Node.Transport = "carrier-pigeon" }},
		{"nats without url", func(c *Config) { c.Node.Transport = TransportNATS; c.NATS.URL = "" }},
		{"bad tick", func(c *Config) { c.Node.TickInterval = "often" }},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }},
		{"no horizons", func(c *Config) { c.Forecast.Horizons = nil }},
		{"negative horizon", func(c *Config) { c.Forecast.Horizons = []int{5, -1} }},
		{"tiny history", func(c *Config) { c.Forecast.HistorySize = 1 }},
		{"bridge on memory", func(c *Config) { c.Bridge.Enabled = true }},
		{"fraction out of range", func(c *Config) { c.Bridge.MinConfidence = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoggingOptions(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "json", DebugMode: true,
		Categories: map[string]bool{"healing": false}}
	o := lc.Options()
	assert.True(t, o.JSONFormat)
	assert.Equal(t, "debug", o.Level)
	assert.False(t, lc.IsCategoryEnabled("healing"))
	assert.True(t, lc.IsCategoryEnabled("agency"))

	lc.DebugMode = false
	assert.False(t, lc.IsCategoryEnabled("agency"))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "autognosis.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	var lastID atomic.Uint32
	w, err := NewWatcher(path, func(c *Config) { lastID.Store(c.Node.ID) })
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory before writing.
	time.Sleep(100 * time.Millisecond)
	cfg := DefaultConfig()
	cfg.Node.ID = 5
	require.NoError(t, cfg.Save(path))

	require.Eventually(t, func() bool { return lastID.Load() == 5 }, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, w.Stats().Reloads, 1)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")
}

func TestWatcherRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "autognosis.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	var calls atomic.Int32
	w, err := NewWatcher(path, func(*Config) { calls.Add(1) })
	require.NoError(t, err)
	defer w.Close()
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: 0\n"), 0644))

	require.Eventually(t, func() bool { return w.Stats().Rejected >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, calls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestNewWatcherNeedsCallback(t *testing.T) {
	_, err := NewWatcher("autognosis.yaml", nil)
	assert.Error(t, err)
}
