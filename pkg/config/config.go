package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Player struct {
		Host    string        `yaml:"host"`
		Port    int           `yaml:"port"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"player"`

	RPC struct {
		Channel          string        `yaml:"channel"`
		ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	} `yaml:"rpc"`

	API struct {
		IndexURL string        `yaml:"index_url"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"api"`

	Pop struct {
		Dir         string        `yaml:"dir"`
		MaxDelay    time.Duration `yaml:"max_delay"`
		MaxLines    int           `yaml:"max_lines"`
		SubmitDelay time.Duration `yaml:"submit_delay"`
		ErrorDelay  time.Duration `yaml:"error_delay"`
		IdleDelay   time.Duration `yaml:"idle_delay"`
	} `yaml:"pop"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Player.Host == "" {
		return fmt.Errorf("player.host must not be empty")
	}
	if c.Player.Port <= 0 || c.Player.Port > 65535 {
		return fmt.Errorf("player.port must be a valid port")
	}
	if c.Player.Timeout <= 0 {
		return fmt.Errorf("player.timeout must be > 0")
	}

	if c.RPC.Channel == "" {
		return fmt.Errorf("rpc.channel must not be empty")
	}
	if c.RPC.ReconnectBackoff <= 0 {
		return fmt.Errorf("rpc.reconnect_backoff must be > 0")
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}

	if c.Pop.Dir == "" {
		return fmt.Errorf("pop.dir must not be empty")
	}
	if c.Pop.MaxDelay <= 0 {
		return fmt.Errorf("pop.max_delay must be > 0")
	}
	if c.Pop.MaxLines <= 0 {
		return fmt.Errorf("pop.max_lines must be > 0")
	}
	if c.Pop.SubmitDelay <= 0 || c.Pop.ErrorDelay <= 0 || c.Pop.IdleDelay <= 0 {
		return fmt.Errorf("pop delays must be > 0")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is not an error: the defaults are used.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Player.Host = "127.0.0.1"
	cfg.Player.Port = 4444
	cfg.Player.Timeout = 2 * time.Second

	cfg.RPC.Channel = "go"
	cfg.RPC.ReconnectBackoff = 500 * time.Millisecond

	cfg.API.Timeout = 10 * time.Second

	cfg.Pop.Dir = "pop"
	cfg.Pop.MaxDelay = 60 * time.Second
	cfg.Pop.MaxLines = 500
	cfg.Pop.SubmitDelay = 15 * time.Second
	cfg.Pop.ErrorDelay = 60 * time.Second
	cfg.Pop.IdleDelay = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 14

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("AGENT_PLAYER_HOST"); host != "" {
		c.Player.Host = host
	}
	if port := os.Getenv("AGENT_PLAYER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Player.Port = p
		}
	}
	if url := os.Getenv("AGENT_API_URL"); url != "" {
		c.API.IndexURL = url
	}
	if dir := os.Getenv("AGENT_POP_DIR"); dir != "" {
		c.Pop.Dir = dir
	}
	if level := os.Getenv("AGENT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
