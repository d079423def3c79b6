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
)

// Ledger backends
const (
	LedgerBackendMemory   = "memory"
	LedgerBackendPostgres = "postgres"
	LedgerBackendSQLite   = "sqlite"
	LedgerBackendRedis    = "redis"
	LedgerBackendPebble   = "pebble"
)

// Object storage backends
const (
	StorageBackendMemory     = "memory"
	StorageBackendFilesystem = "filesystem"
	StorageBackendS3         = "s3"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Failures   FailuresConfig   `yaml:"failures"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// FailuresConfig holds the operator-facing failure channel
type FailuresConfig struct {
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	Exclusive     bool `yaml:"exclusive"`
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

// PipelineConfig holds the transformation pipeline settings
type PipelineConfig struct {
	MaxWidth              int           `yaml:"max_width"`
	MaxHeight             int           `yaml:"max_height"`
	AllowUpscale          bool          `yaml:"allow_upscale"`
	JPEGQuality           int           `yaml:"jpeg_quality"`
	MaxPixels             int           `yaml:"max_pixels"`
	MaxSourceBytes        int64         `yaml:"max_source_bytes"`
	AllowedContentTypes   []string      `yaml:"allowed_content_types"`
	MaxConcurrency        int           `yaml:"max_concurrency"`
	QueueSize             int           `yaml:"queue_size"`
	MaxAttempts           int           `yaml:"max_attempts"`
	LeaseDuration         time.Duration `yaml:"lease_duration"`
	PerAttemptDeadline    time.Duration `yaml:"per_attempt_deadline"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
	DerivedPrefix         string        `yaml:"derived_prefix"`
	DestinationCollection string        `yaml:"destination_collection"`
	VerifyDerived         bool          `yaml:"verify_derived"`
	Backoff               BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds retry backoff settings
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// LedgerConfig selects and tunes the idempotency ledger backend
type LedgerConfig struct {
	Backend     string `yaml:"backend"`
	MaxReleases int    `yaml:"max_releases"`
	SQLitePath  string `yaml:"sqlite_path"`
	PebblePath  string `yaml:"pebble_path"`
}

// StorageConfig selects the object store backend
type StorageConfig struct {
	Backend    string   `yaml:"backend"`
	Filesystem FSConfig `yaml:"filesystem"`
	S3         S3Config `yaml:"s3"`
}

// FSConfig holds the local filesystem object store settings
type FSConfig struct {
	Root string `yaml:"root"`
}

// S3Config holds the S3 object store settings
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills zero values with working defaults
func (c *Config) ApplyDefaults() {
	p := &c.Pipeline
	if p.MaxWidth == 0 {
		p.MaxWidth = 800
	}
	if p.MaxHeight == 0 {
		p.MaxHeight = 800
	}
	if p.JPEGQuality == 0 {
		p.JPEGQuality = 85
	}
	if p.MaxPixels == 0 {
		p.MaxPixels = 50_000_000
	}
	if p.MaxSourceBytes == 0 {
		p.MaxSourceBytes = 50 << 20
	}
	if len(p.AllowedContentTypes) == 0 {
		p.AllowedContentTypes = []string{"image/jpeg", "image/png", "image/gif"}
	}
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = 8
	}
	if p.QueueSize == 0 {
		p.QueueSize = p.MaxConcurrency * 2
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.LeaseDuration == 0 {
		p.LeaseDuration = 2 * time.Minute
	}
	if p.PerAttemptDeadline == 0 {
		p.PerAttemptDeadline = 30 * time.Second
	}
	if p.ShutdownGrace == 0 {
		p.ShutdownGrace = 30 * time.Second
	}
	if p.DerivedPrefix == "" {
		p.DerivedPrefix = "resized/"
	}
	if p.Backoff.Initial == 0 {
		p.Backoff.Initial = 200 * time.Millisecond
	}
	if p.Backoff.Max == 0 {
		p.Backoff.Max = 30 * time.Second
	}
	if p.Backoff.Multiplier == 0 {
		p.Backoff.Multiplier = 2.0
	}
	if p.Backoff.Jitter == 0 {
		p.Backoff.Jitter = 0.2
	}

	if c.Ledger.Backend == "" {
		c.Ledger.Backend = LedgerBackendMemory
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendMemory
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "ledger:"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.App.Name
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateLedger(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}

	if err := c.validateLedger(); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline

	if p.MaxWidth < 1 || p.MaxHeight < 1 {
		return fmt.Errorf("pipeline max_width and max_height must be at least 1")
	}

	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		return fmt.Errorf("pipeline jpeg_quality must be between 1 and 100")
	}

	if len(p.AllowedContentTypes) == 0 {
		return fmt.Errorf("pipeline allowed_content_types must not be empty")
	}

	if p.MaxConcurrency < 1 {
		return fmt.Errorf("pipeline max_concurrency must be at least 1")
	}

	if p.QueueSize < 1 {
		return fmt.Errorf("pipeline queue_size must be at least 1")
	}

	if p.MaxAttempts < 1 {
		return fmt.Errorf("pipeline max_attempts must be at least 1")
	}

	if p.LeaseDuration <= 0 {
		return fmt.Errorf("pipeline lease_duration must be greater than 0")
	}

	if p.PerAttemptDeadline <= 0 {
		return fmt.Errorf("pipeline per_attempt_deadline must be greater than 0")
	}

	if p.Backoff.Multiplier < 1 {
		return fmt.Errorf("pipeline backoff multiplier must be at least 1")
	}

	if p.Backoff.Jitter < 0 || p.Backoff.Jitter > 1 {
		return fmt.Errorf("pipeline backoff jitter must be between 0 and 1")
	}

	return nil
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Backend {
	case LedgerBackendMemory:
	case LedgerBackendPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case LedgerBackendSQLite:
		if c.Ledger.SQLitePath == "" {
			return fmt.Errorf("ledger sqlite_path is required")
		}
	case LedgerBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	case LedgerBackendPebble:
		if c.Ledger.PebblePath == "" {
			return fmt.Errorf("ledger pebble_path is required")
		}
	default:
		return fmt.Errorf("unknown ledger backend: %q", c.Ledger.Backend)
	}

	if c.Ledger.MaxReleases < 0 {
		return fmt.Errorf("ledger max_releases must not be negative")
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendFilesystem:
		if c.Storage.Filesystem.Root == "" {
			return fmt.Errorf("storage filesystem root is required")
		}
	case StorageBackendS3:
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage s3 region is required")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
