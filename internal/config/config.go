package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Sync         SyncConfig         `yaml:"sync"`
	Leaderboard  LeaderboardConfig  `yaml:"leaderboard"`
	Auth         AuthConfig         `yaml:"auth"`
	Scoring      ScoringConfig      `yaml:"scoring"`
	Verification VerificationConfig `yaml:"verification"`
	Email        EmailConfig        `yaml:"email"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig controls the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the persistent store backend
type StoreConfig struct {
	// Driver is "postgres" or "memory"
	Driver string `yaml:"driver"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	TxRetries       int           `yaml:"tx_retries"`
	TxRetryDelay    time.Duration `yaml:"tx_retry_delay"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// SyncConfig holds the leaderboard rebuild worker configuration
type SyncConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Enabled   bool          `yaml:"enabled"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	// BroadcastTop is how many entries are pushed to live subscribers
	BroadcastTop int `yaml:"broadcast_top"`
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// ScoringConfig holds the reward formula and history paging
type ScoringConfig struct {
	BasePoints          int64            `yaml:"base_points"`
	LevelBonus          int64            `yaml:"level_bonus"`
	Multipliers         MultiplierConfig `yaml:"multipliers"`
	DefaultHistoryLimit int              `yaml:"default_history_limit"`
	MaxHistoryLimit     int              `yaml:"max_history_limit"`
	// Games restricts play results to known game ids. Empty accepts any
	// well-formed id.
	Games []string `yaml:"games"`
}

// MultiplierConfig maps each difficulty to its reward multiplier
type MultiplierConfig struct {
	Easy   int64 `yaml:"easy"`
	Medium int64 `yaml:"medium"`
	Hard   int64 `yaml:"hard"`
}

// VerificationConfig holds the email code lifecycle limits
type VerificationConfig struct {
	CodeTTL        time.Duration `yaml:"code_ttl"`
	ResendCooldown time.Duration `yaml:"resend_cooldown"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// EmailConfig configures the transactional email sender
type EmailConfig struct {
	APIKey  string `yaml:"api_key"`
	From    string `yaml:"from"`
	Name    string `yaml:"name"`
	Subject string `yaml:"subject"`
}

// Configured reports whether email delivery can be attempted
func (c *EmailConfig) Configured() bool {
	return c.APIKey != "" && c.From != ""
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Scoring.Multipliers.Easy <= 0 || c.Scoring.Multipliers.Medium <= 0 || c.Scoring.Multipliers.Hard <= 0 {
		return fmt.Errorf("scoring multipliers must be positive")
	}
	if c.Verification.MaxAttempts <= 0 {
		return fmt.Errorf("verification max_attempts must be positive")
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}
	if c.Postgres.TxRetries == 0 {
		c.Postgres.TxRetries = 5
	}
	if c.Postgres.TxRetryDelay == 0 {
		c.Postgres.TxRetryDelay = 20 * time.Millisecond
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "play-results"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "arcade-points-consumer"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Minute
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 1000
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 10
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 100
	}
	if c.Leaderboard.BroadcastTop == 0 {
		c.Leaderboard.BroadcastTop = 10
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	}

	// Scoring defaults
	if c.Scoring.BasePoints == 0 {
		c.Scoring.BasePoints = 10
	}
	if c.Scoring.LevelBonus == 0 {
		c.Scoring.LevelBonus = 1
	}
	if c.Scoring.Multipliers.Easy == 0 {
		c.Scoring.Multipliers.Easy = 1
	}
	if c.Scoring.Multipliers.Medium == 0 {
		c.Scoring.Multipliers.Medium = 2
	}
	if c.Scoring.Multipliers.Hard == 0 {
		c.Scoring.Multipliers.Hard = 3
	}
	if c.Scoring.DefaultHistoryLimit == 0 {
		c.Scoring.DefaultHistoryLimit = 10
	}
	if c.Scoring.MaxHistoryLimit == 0 {
		c.Scoring.MaxHistoryLimit = 100
	}

	// Verification defaults
	if c.Verification.CodeTTL == 0 {
		c.Verification.CodeTTL = 10 * time.Minute
	}
	if c.Verification.ResendCooldown == 0 {
		c.Verification.ResendCooldown = 30 * time.Second
	}
	if c.Verification.MaxAttempts == 0 {
		c.Verification.MaxAttempts = 5
	}

	// Email defaults
	if c.Email.APIKey == "" {
		c.Email.APIKey = os.Getenv("SENDGRID_API_KEY")
	}
	if c.Email.From == "" {
		c.Email.From = os.Getenv("EMAIL_FROM")
	}
	if c.Email.Name == "" {
		c.Email.Name = "Arcade"
	}
	if c.Email.Subject == "" {
		c.Email.Subject = "Email verification code"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	cfg.Redis.Enabled = true
	cfg.Metrics.Enabled = true
	return cfg
}
