// Package config loads the pool process configuration from defaults, an optional YAML
// file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soyvural/dbpool"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the process configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig describes how sessions reach the backing store.
// DSN, when set, wins over the individual fields.
type DatabaseConfig struct {
	Driver         string        `yaml:"driver"` // postgres | mysql | sqlite
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	SSLMode        string        `yaml:"ssl_mode"`
	DSN            string        `yaml:"dsn"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SocketTimeout  time.Duration `yaml:"socket_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
}

// PoolConfig represents session pool settings
type PoolConfig struct {
	Name               string        `yaml:"name"`
	InitialSize        int           `yaml:"initial_size"`
	MaxSize            int           `yaml:"max_size"`
	AcquireWaitTimeout time.Duration `yaml:"acquire_wait_timeout"`
	ValidationTimeout  time.Duration `yaml:"validation_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// Default returns default configuration
func Default() *Config {
	pool := dbpool.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			Name:           "postgres",
			User:           "postgres",
			SSLMode:        "disable",
			ConnectTimeout: pool.ConnectTimeout,
			SocketTimeout:  15 * time.Second,
			QueryTimeout:   10 * time.Second,
		},
		Pool: PoolConfig{
			Name:               "loandesk",
			InitialSize:        pool.InitialSize,
			MaxSize:            pool.MaxSize,
			AcquireWaitTimeout: pool.AcquireWaitTimeout,
			ValidationTimeout:  pool.ValidationTimeout,
			IdleTimeout:        pool.IdleTimeout,
			MonitorInterval:    pool.MonitorInterval,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Namespace: "loandesk",
		},
	}
}

// Load loads configuration from file and environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.Name, "DB_NAME")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.SSLMode, "DB_SSL_MODE")
	setString(&cfg.Database.DSN, "DB_DSN")
	setDuration(&cfg.Database.ConnectTimeout, "DB_CONNECT_TIMEOUT")
	setDuration(&cfg.Database.SocketTimeout, "DB_SOCKET_TIMEOUT")
	setDuration(&cfg.Database.QueryTimeout, "DB_QUERY_TIMEOUT")

	setString(&cfg.Pool.Name, "POOL_NAME")
	setInt(&cfg.Pool.InitialSize, "POOL_INITIAL_SIZE")
	setInt(&cfg.Pool.MaxSize, "POOL_MAX_SIZE")
	setDuration(&cfg.Pool.AcquireWaitTimeout, "POOL_ACQUIRE_WAIT_TIMEOUT")
	setDuration(&cfg.Pool.ValidationTimeout, "POOL_VALIDATION_TIMEOUT")
	setDuration(&cfg.Pool.IdleTimeout, "POOL_IDLE_TIMEOUT")
	setDuration(&cfg.Pool.MonitorInterval, "POOL_MONITOR_INTERVAL")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Metrics.Address, "METRICS_ADDR")
	setString(&cfg.Metrics.Namespace, "METRICS_NAMESPACE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "mysql":
		if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Name == "") {
			return fmt.Errorf("%w: database host and name are required", ErrInvalidConfig)
		}
	case "sqlite":
		if c.Database.DSN == "" && c.Database.Name == "" {
			return fmt.Errorf("%w: sqlite needs a database file name", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported database driver: %q", ErrInvalidConfig, c.Database.Driver)
	}

	if c.Database.ConnectTimeout < 0 || c.Database.SocketTimeout < 0 || c.Database.QueryTimeout < 0 {
		return fmt.Errorf("%w: database timeouts can not be negative", ErrInvalidConfig)
	}

	pc := c.PoolSettings()
	if err := pc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("%w: invalid log level: %s", ErrInvalidConfig, c.Logging.Level)
	}
	return nil
}

// PoolSettings maps the file layout onto dbpool.Config.
func (c *Config) PoolSettings() dbpool.Config {
	return dbpool.Config{
		InitialSize:        c.Pool.InitialSize,
		MaxSize:            c.Pool.MaxSize,
		AcquireWaitTimeout: c.Pool.AcquireWaitTimeout,
		ValidationTimeout:  c.Pool.ValidationTimeout,
		ConnectTimeout:     c.Database.ConnectTimeout,
		IdleTimeout:        c.Pool.IdleTimeout,
		MonitorInterval:    c.Pool.MonitorInterval,
	}
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// String returns a representation safe for logging; the password is never printed.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Driver: %s, Host: %s:%d, DB: %s, Pool: %d..%d, LogLevel: %s}",
		c.Database.Driver, c.Database.Host, c.Database.Port, c.Database.Name,
		c.Pool.InitialSize, c.Pool.MaxSize, c.Logging.Level)
}
