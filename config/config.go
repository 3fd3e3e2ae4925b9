// Package config provides unified configuration loading for TeamFlow.
// Precedence: defaults, then YAML file, then environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("TEAMFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of the TeamFlow service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	Collab    CollabConfig    `yaml:"collab"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CollabConfig locates the surrounding product's collaborator API.
type CollabConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the state store connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EngineConfig tunes the orchestration engine.
type EngineConfig struct {
	// Idle timer draw bounds. Durations are drawn uniformly from
	// [IdleMin, IdleMax).
	IdleMin time.Duration `yaml:"idle_min"`
	IdleMax time.Duration `yaml:"idle_max"`

	// Record lifetimes.
	StateTTL            time.Duration `yaml:"state_ttl"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	CompletedSessionTTL time.Duration `yaml:"completed_session_ttl"`
	PairLockTTL         time.Duration `yaml:"pair_lock_ttl"`

	// Recovery policy for idle transitions.
	TransitionRetries int           `yaml:"transition_retries"`
	TransitionBackoff time.Duration `yaml:"transition_backoff"`

	// Feedback session chaining.
	MaxSessionMessages int           `yaml:"max_session_messages"`
	ChainDelay         time.Duration `yaml:"chain_delay"`

	// Background dispatch pool.
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`

	// Optional autonomous tick loop in the service entry point. Teams
	// lists the team ids the loop supervises; an empty list disables it
	// and leaves triggering to the product's polling.
	TickInterval time.Duration `yaml:"tick_interval"`
	Teams        []string      `yaml:"teams"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// TelemetryConfig configures the OpenTelemetry SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "teamflow:",
		},
		Engine: EngineConfig{
			IdleMin:             30 * time.Second,
			IdleMax:             60 * time.Second,
			StateTTL:            time.Hour,
			SessionTTL:          24 * time.Hour,
			CompletedSessionTTL: 7 * 24 * time.Hour,
			PairLockTTL:         30 * time.Second,
			TransitionRetries:   3,
			TransitionBackoff:   time.Second,
			MaxSessionMessages:  12,
			ChainDelay:          3 * time.Second,
			MaxWorkers:          64,
			QueueSize:           512,
			TickInterval:        3 * time.Second,
		},
		Collab: CollabConfig{
			BaseURL: "http://localhost:3000",
			Timeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "teamflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Engine.IdleMin <= 0 || c.Engine.IdleMax <= c.Engine.IdleMin {
		return fmt.Errorf("engine: idle_max (%v) must be greater than idle_min (%v)", c.Engine.IdleMax, c.Engine.IdleMin)
	}
	if c.Engine.TransitionRetries < 1 {
		return fmt.Errorf("engine: transition_retries must be at least 1")
	}
	if c.Engine.MaxSessionMessages < 2 {
		return fmt.Errorf("engine: max_session_messages must be at least 2")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}
	return nil
}

// Loader loads configuration with a builder-style API.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a Loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "TEAMFLOW"}
}

// WithConfigPath sets the YAML file to load.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the final configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides the fields operators most commonly set per deployment.
func (l *Loader) applyEnv(cfg *Config) {
	l.envString("SERVER_ADDR", &cfg.Server.Addr)
	l.envString("REDIS_ADDR", &cfg.Redis.Addr)
	l.envString("REDIS_PASSWORD", &cfg.Redis.Password)
	l.envInt("REDIS_DB", &cfg.Redis.DB)
	l.envString("REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)
	l.envString("COLLAB_BASE_URL", &cfg.Collab.BaseURL)
	l.envString("LOG_LEVEL", &cfg.Log.Level)
	l.envString("LOG_FORMAT", &cfg.Log.Format)
	l.envBool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	l.envString("TELEMETRY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	l.envDuration("ENGINE_TICK_INTERVAL", &cfg.Engine.TickInterval)
}

func (l *Loader) envString(key string, dst *string) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		*dst = v
	}
}

func (l *Loader) envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (l *Loader) envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
