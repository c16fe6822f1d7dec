package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds relational store configuration. Driver selects the
// backend: postgres or sqlite.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`

	// PostgreSQL settings.
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"sslmode"`
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// SQLite settings.
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// EventsConfig holds the optional job lifecycle event publisher settings.
type EventsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// JobsConfig holds job orchestration tunables.
type JobsConfig struct {
	// RecencyWindow bounds the duplicate-submission lookback.
	RecencyWindow time.Duration `yaml:"recency_window"`
	// Matcher selects the duplicate similarity policy: exact or overlap.
	Matcher          string  `yaml:"matcher"`
	OverlapThreshold float64 `yaml:"overlap_threshold"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`

	MaxConcurrentWorkers int `yaml:"max_concurrent_workers"`
}

// AnalysisConfig holds analyzer defaults applied when a submission carries
// no per-run configuration.
type AnalysisConfig struct {
	LookbackDays        int     `yaml:"lookback_days"`
	DefaultCapital      float64 `yaml:"default_capital"`
	DefaultRiskPerTrade float64 `yaml:"default_risk_per_trade"`
}

// SchedulerConfig holds the recurring full-universe scan settings.
type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	FullScanCron string `yaml:"full_scan_cron"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Path == "" {
		c.Database.Path = "analysis.db"
	}
	if c.Database.BusyTimeout <= 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.Database.LockTimeout <= 0 {
		c.Database.LockTimeout = 5 * time.Second
	}
	if c.Jobs.RecencyWindow <= 0 {
		c.Jobs.RecencyWindow = 5 * time.Minute
	}
	if c.Jobs.RetryMaxAttempts <= 0 {
		c.Jobs.RetryMaxAttempts = 3
	}
	if c.Jobs.RetryBaseDelay <= 0 {
		c.Jobs.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.Jobs.MaxConcurrentWorkers <= 0 {
		c.Jobs.MaxConcurrentWorkers = 8
	}
	if c.Analysis.LookbackDays <= 0 {
		c.Analysis.LookbackDays = 365
	}
	if c.Scheduler.FullScanCron == "" {
		c.Scheduler.FullScanCron = "@daily"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Events.Enabled {
		if c.Events.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required when events are enabled")
		}
		if c.Events.RabbitMQ.Port < MinPort || c.Events.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.Events.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.Events.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required when events are enabled")
		}
	}

	if c.Jobs.Matcher == "overlap" &&
		(c.Jobs.OverlapThreshold <= 0 || c.Jobs.OverlapThreshold > 1) {
		return fmt.Errorf("overlap_threshold must be in (0, 1], got %v", c.Jobs.OverlapThreshold)
	}

	return nil
}
