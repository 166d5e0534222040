// Package config provides environment-aware configuration management for
// the orchestrator control plane.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the tenant-facing Control API listener.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// RobotListenerConfig controls the robot-facing websocket session listener,
// kept on a distinct address from the Control API per spec.
type RobotListenerConfig struct {
	Host string `json:"host" env:"ROBOT_LISTENER_HOST"`
	Port int    `json:"port" env:"ROBOT_LISTENER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// AuthConfig controls principal authentication for the Control API.
type AuthConfig struct {
	JWTSecret    string `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenTTL     string `json:"token_ttl" env:"AUTH_TOKEN_TTL"`
	APIKeyPrefix string `json:"api_key_prefix" env:"AUTH_API_KEY_PREFIX"`
}

// TenancyConfig sets the default per-tier quotas applied when a tenant is
// created without explicit overrides.
type TenancyConfig struct {
	DefaultMaxConcurrentJobs int `json:"default_max_concurrent_jobs" env:"TENANCY_DEFAULT_MAX_CONCURRENT_JOBS"`
	DefaultMaxRobots         int `json:"default_max_robots" env:"TENANCY_DEFAULT_MAX_ROBOTS"`
	DefaultMaxSchedules      int `json:"default_max_schedules" env:"TENANCY_DEFAULT_MAX_SCHEDULES"`
}

// SchedulerConfig tunes the schedule engine's tick resolution and catch-up
// replay window.
type SchedulerConfig struct {
	TickResolution   string `json:"tick_resolution" env:"SCHEDULER_TICK_RESOLUTION"`
	CatchUpWindow    string `json:"catch_up_window" env:"SCHEDULER_CATCHUP_WINDOW"`
	MaxCatchUpRuns   int    `json:"max_catchup_runs" env:"SCHEDULER_MAX_CATCHUP_RUNS"`
}

// LeaseConfig tunes robot liveness and job-claim lease windows.
type LeaseConfig struct {
	LivenessWindow    string `json:"liveness_window" env:"LEASE_LIVENESS_WINDOW"`
	LeaseWindow       string `json:"lease_window" env:"LEASE_WINDOW"`
	HeartbeatInterval string `json:"heartbeat_interval" env:"LEASE_HEARTBEAT_INTERVAL"`
}

// RetryConfig tunes job-retry exponential backoff.
type RetryConfig struct {
	BaseDelay  string  `json:"base_delay" env:"RETRY_BASE_DELAY"`
	Multiplier float64 `json:"multiplier" env:"RETRY_MULTIPLIER"`
	MaxDelay   string  `json:"max_delay" env:"RETRY_MAX_DELAY"`
	MaxAttempts int    `json:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
}

// AuditConfig controls how often the audit log computes a Merkle root over
// its hash chain.
type AuditConfig struct {
	MerkleRootEveryEntries int    `json:"merkle_root_every_entries" env:"AUDIT_MERKLE_ROOT_EVERY_ENTRIES"`
	MerkleRootEveryPeriod  string `json:"merkle_root_every_period" env:"AUDIT_MERKLE_ROOT_EVERY_PERIOD"`
}

// RedisConfig controls the rate-limit counter store and wake pub/sub.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// RobotSessionConfig tunes the robot-facing websocket session protocol.
type RobotSessionConfig struct {
	CancelTimeout     string `json:"cancel_timeout" env:"ROBOT_SESSION_CANCEL_TIMEOUT"`
	ProbationWindow   string `json:"probation_window" env:"ROBOT_SESSION_PROBATION_WINDOW"`
	WriteTimeout      string `json:"write_timeout" env:"ROBOT_SESSION_WRITE_TIMEOUT"`
	PongWait          string `json:"pong_wait" env:"ROBOT_SESSION_PONG_WAIT"`
	PingInterval      string `json:"ping_interval" env:"ROBOT_SESSION_PING_INTERVAL"`
	InboxSize         int    `json:"inbox_size" env:"ROBOT_SESSION_INBOX_SIZE"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server         ServerConfig         `json:"server"`
	RobotListener  RobotListenerConfig  `json:"robot_listener"`
	Database       DatabaseConfig       `json:"database"`
	Logging        LoggingConfig        `json:"logging"`
	Auth           AuthConfig           `json:"auth"`
	Tenancy        TenancyConfig        `json:"tenancy"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	Lease          LeaseConfig          `json:"lease"`
	Retry          RetryConfig          `json:"retry"`
	Audit          AuditConfig          `json:"audit"`
	RobotSession   RobotSessionConfig   `json:"robot_session"`
	Redis          RedisConfig          `json:"redis"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		RobotListener: RobotListenerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "orchestrator",
		},
		Auth: AuthConfig{
			TokenTTL:     "15m",
			APIKeyPrefix: "cpa_",
		},
		Tenancy: TenancyConfig{
			DefaultMaxConcurrentJobs: 50,
			DefaultMaxRobots:         25,
			DefaultMaxSchedules:      100,
		},
		Scheduler: SchedulerConfig{
			TickResolution: "1s",
			CatchUpWindow:  "24h",
			MaxCatchUpRuns: 10,
		},
		Lease: LeaseConfig{
			LivenessWindow:    "30s",
			LeaseWindow:       "90s",
			HeartbeatInterval: "10s",
		},
		Retry: RetryConfig{
			BaseDelay:   "2s",
			Multiplier:  2.0,
			MaxDelay:    "5m",
			MaxAttempts: 8,
		},
		Audit: AuditConfig{
			MerkleRootEveryEntries: 500,
			MerkleRootEveryPeriod:  "5m",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RobotSession: RobotSessionConfig{
			CancelTimeout:   "10s",
			ProbationWindow: "5m",
			WriteTimeout:    "10s",
			PongWait:        "30s",
			PingInterval:    "10s",
			InboxSize:       64,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host
// parameters when DSN is not set directly.
func (c DatabaseConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying defaults first.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride aligns config loading with cmd/orchestratord:
// DATABASE_URL overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// Validate checks invariants that are cheap to catch at startup rather than
// at first use.
func (c *Config) Validate() error {
	if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "") {
		return fmt.Errorf("database: dsn or host/user/name must be set")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth: jwt_secret must be set")
	}
	if c.Server.Port == c.RobotListener.Port {
		return fmt.Errorf("server and robot_listener must bind distinct ports")
	}
	return nil
}
