package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is read when Load is given an empty path.
const DefaultPath = "config.yaml"

// Config holds all configuration for a dbhandler instance.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// The backend password must only come from the environment.
type Config struct {
	Version string `yaml:"-"` // Set at load time, not from config

	Backend  BackendConfig  `yaml:"backend"`
	Pool     PoolConfig     `yaml:"pool"`
	Executor ExecutorConfig `yaml:"executor"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Log      LogConfig      `yaml:"log"`
}

// BackendConfig selects the database backend and how to reach it.
type BackendConfig struct {
	// Kind is one of the registered dialect names (sqlite, mysql, mariadb, postgres, mssql).
	Kind string `yaml:"kind" env:"DBH_BACKEND" env-default:"sqlite"`

	// Path is the database file for file-based backends.
	Path string `yaml:"path" env:"DBH_PATH" env-default:"data.db"`

	Host     string `yaml:"host" env:"DBH_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DBH_PORT" env-default:"0"` // 0 uses the backend's default port
	User     string `yaml:"user" env:"DBH_USER" env-default:""`
	Password string `yaml:"-" env:"DBH_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"DBH_DATABASE" env-default:""`

	// Params are appended to the DSN verbatim (e.g. sslmode, tls, encrypt).
	Params map[string]string `yaml:"params" env:"DBH_PARAMS"`

	// Charset is used for MySQL-compatible table creation.
	Charset string `yaml:"charset" env:"DBH_CHARSET" env-default:"utf8mb4"`

	// TablePrefix is prepended to every declared table name.
	TablePrefix string `yaml:"table_prefix" env:"DBH_TABLE_PREFIX" env-default:""`

	// BusyTimeout applies to SQLite's lock wait.
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"DBH_BUSY_TIMEOUT" env-default:"5s"`
}

// PoolConfig sizes and tunes the connection pool.
type PoolConfig struct {
	MinSize         int           `yaml:"min_size" env:"DBH_POOL_MIN_SIZE" env-default:"1"`
	MaxSize         int           `yaml:"max_size" env:"DBH_POOL_MAX_SIZE" env-default:"10"`
	MaxLifetime     time.Duration `yaml:"max_lifetime" env:"DBH_POOL_MAX_LIFETIME" env-default:"30m"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"DBH_POOL_IDLE_TIMEOUT" env-default:"10m"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" env:"DBH_POOL_ACQUIRE_TIMEOUT" env-default:"30s"`
	TestQuery       string        `yaml:"test_query" env:"DBH_POOL_TEST_QUERY" env-default:"SELECT 1"`
	PingOnAcquire   bool          `yaml:"ping_on_acquire" env:"DBH_POOL_PING_ON_ACQUIRE" env-default:"false"`
	ConnectAttempts int           `yaml:"connect_attempts" env:"DBH_POOL_CONNECT_ATTEMPTS" env-default:"3"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff" env:"DBH_POOL_CONNECT_BACKOFF" env-default:"50ms"`
	LeakThreshold   time.Duration `yaml:"leak_threshold" env:"DBH_POOL_LEAK_THRESHOLD" env-default:"1m"`
}

// ExecutorConfig holds the same-lease transient retry policy.
type ExecutorConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"DBH_EXEC_MAX_RETRIES" env-default:"3"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"DBH_EXEC_RETRY_BACKOFF" env-default:"50ms"`
}

// GatewayConfig sizes the background worker pool.
type GatewayConfig struct {
	Workers   int `yaml:"workers" env:"DBH_GATEWAY_WORKERS" env-default:"4"`
	QueueSize int `yaml:"queue_size" env:"DBH_GATEWAY_QUEUE_SIZE" env-default:"0"` // 0 means unbounded
}

type LogConfig struct {
	Level       string `yaml:"level" env:"DBH_LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" env:"DBH_LOG_DEVELOPMENT" env-default:"false"`
}

// Load reads configuration from path (config.yaml when empty) with
// environment variable overrides, then validates it.
func Load(path, version string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := &Config{Version: version}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a configuration from defaults and environment variables only.
func FromEnv(version string) (*Config, error) {
	cfg := &Config{Version: version}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints cleanenv cannot express.
// The backend kind is checked against the dialect registry at start.
func (c *Config) Validate() error {
	c.Backend.Kind = strings.ToLower(strings.TrimSpace(c.Backend.Kind))
	if c.Backend.Kind == "" {
		return fmt.Errorf("backend.kind is required")
	}
	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.max_size must be at least 1, got %d", c.Pool.MaxSize)
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.min_size must be between 0 and max_size (%d), got %d", c.Pool.MaxSize, c.Pool.MinSize)
	}
	if c.Pool.ConnectAttempts < 1 {
		return fmt.Errorf("pool.connect_attempts must be at least 1, got %d", c.Pool.ConnectAttempts)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must not be negative, got %d", c.Executor.MaxRetries)
	}
	if c.Gateway.Workers < 1 {
		return fmt.Errorf("gateway.workers must be at least 1, got %d", c.Gateway.Workers)
	}
	if c.Gateway.QueueSize < 0 {
		return fmt.Errorf("gateway.queue_size must not be negative, got %d", c.Gateway.QueueSize)
	}
	return nil
}

