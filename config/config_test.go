package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "teamflow:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 30*time.Second, cfg.Engine.IdleMin)
	assert.Equal(t, 60*time.Second, cfg.Engine.IdleMax)
	assert.Equal(t, time.Hour, cfg.Engine.StateTTL)
	assert.Equal(t, 12, cfg.Engine.MaxSessionMessages)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
engine:
  idle_min: 10s
  idle_max: 20s
  max_session_messages: 4
log:
  level: debug
  format: console
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Engine.IdleMin)
	assert.Equal(t, 20*time.Second, cfg.Engine.IdleMax)
	assert.Equal(t, 4, cfg.Engine.MaxSessionMessages)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Engine.TransitionRetries)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: \"file:6379\"\n"), 0o644))

	t.Setenv("TEAMFLOW_REDIS_ADDR", "env:6379")
	t.Setenv("TEAMFLOW_LOG_LEVEL", "warn")
	t.Setenv("TEAMFLOW_ENGINE_TICK_INTERVAL", "5s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Engine.TickInterval)
}

func TestLoad_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_ADDR", ":7070")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := NewLoader().WithConfigPath("/does/not/exist.yaml").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "idle_max must exceed idle_min",
			mutate:  func(c *Config) { c.Engine.IdleMax = c.Engine.IdleMin },
			wantErr: "idle_max",
		},
		{
			name:    "zero idle_min rejected",
			mutate:  func(c *Config) { c.Engine.IdleMin = 0 },
			wantErr: "idle_max",
		},
		{
			name:    "transition retries",
			mutate:  func(c *Config) { c.Engine.TransitionRetries = 0 },
			wantErr: "transition_retries",
		},
		{
			name:    "session message floor",
			mutate:  func(c *Config) { c.Engine.MaxSessionMessages = 1 },
			wantErr: "max_session_messages",
		},
		{
			name:    "redis addr required",
			mutate:  func(c *Config) { c.Redis.Addr = "" },
			wantErr: "addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
