package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Player.Host)
	assert.Equal(t, 4444, cfg.Player.Port)
	assert.Equal(t, 2*time.Second, cfg.Player.Timeout)
	assert.Equal(t, "go", cfg.RPC.Channel)
	assert.Equal(t, 500, cfg.Pop.MaxLines)
	assert.Equal(t, time.Minute, cfg.Pop.MaxDelay)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
player:
  host: 10.0.0.5
  port: 5555
pop:
  max_lines: 100
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Player.Host)
	assert.Equal(t, 5555, cfg.Player.Port)
	assert.Equal(t, 100, cfg.Pop.MaxLines)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unspecified values keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Player.Timeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_PLAYER_HOST", "192.168.1.20")
	t.Setenv("AGENT_PLAYER_PORT", "4445")
	t.Setenv("AGENT_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.20", cfg.Player.Host)
	assert.Equal(t, 4445, cfg.Player.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Player.Host = "" }},
		{"bad port", func(c *Config) { c.Player.Port = 70000 }},
		{"zero timeout", func(c *Config) { c.Player.Timeout = 0 }},
		{"empty channel", func(c *Config) { c.RPC.Channel = "" }},
		{"zero max lines", func(c *Config) { c.Pop.MaxLines = 0 }},
		{"prometheus without port", func(c *Config) {
			c.Monitoring.PrometheusEnabled = true
			c.Monitoring.PrometheusPort = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`player: {port: -1}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
