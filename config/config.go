/*
Package config loads rankd settings.

PURPOSE:
  Builds a Config from, in increasing precedence:
  1. Defaults in code (DefaultConfig)
  2. An optional YAML file
  3. A .env file in the working directory (never overrides real env vars)
  4. Environment variables prefixed RANKD_

ENVIRONMENT:
  RANKD_PORT                  HTTP port
  RANKD_DATABASE_PATH         SQLite file, ":memory:" for ephemeral
  RANKD_RANKS_FILE            Rank table (.json/.yaml); empty uses the default ranks
  RANKD_DEFAULT_RANK          Rank given to new members when none is requested
  RANKD_ROLE_RESET_DAY        Day of month the monthly reset runs (1-28 recommended)
  RANKD_MAINTENANCE_INTERVAL  Background sweep interval, e.g. "1h"; 0 disables
  RANKD_REQUEST_TIMEOUT       Per-request deadline, e.g. "10s"
  RANKD_JWT_SECRET            HS256 secret for bearer tokens
  RANKD_OPERATOR_ROLES        Comma separated role claims treated as operators
  RANKD_NATS_URL              NATS server; empty disables event fan-out
  RANKD_NATS_SUBJECT          Subject prefix for published events
  RANKD_RATE_LIMIT            Mutating requests per minute per client IP
  RANKD_ALLOWED_ORIGINS       CORS origins, comma separated
  RANKD_LOG_LEVEL             debug, info, warn, error
  RANKD_LOG_DEV               Human readable development logging
  RANKD_METRICS_ENABLED       Serve /metrics

SEE ALSO:
  - cmd/rankd/main.go: Flag overrides and startup
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "rankd"

type Config struct {
	Port         int    `yaml:"port"         envconfig:"PORT"`
	DatabasePath string `yaml:"databasePath" envconfig:"DATABASE_PATH"`
	RanksFile    string `yaml:"ranksFile"    envconfig:"RANKS_FILE"`
	DefaultRank  string `yaml:"defaultRank"  envconfig:"DEFAULT_RANK"`

	RoleResetDay        int           `yaml:"roleResetDay"        envconfig:"ROLE_RESET_DAY"`
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval" envconfig:"MAINTENANCE_INTERVAL"`
	RequestTimeout      time.Duration `yaml:"requestTimeout"      envconfig:"REQUEST_TIMEOUT"`

	JWTSecret     string   `yaml:"jwtSecret"     envconfig:"JWT_SECRET"`
	OperatorRoles []string `yaml:"operatorRoles" envconfig:"OPERATOR_ROLES"`

	NatsURL     string `yaml:"natsUrl"     envconfig:"NATS_URL"`
	NatsSubject string `yaml:"natsSubject" envconfig:"NATS_SUBJECT"`

	RateLimit      int      `yaml:"rateLimit"      envconfig:"RATE_LIMIT"`
	AllowedOrigins []string `yaml:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`

	LogLevel       string `yaml:"logLevel"       envconfig:"LOG_LEVEL"`
	LogDev         bool   `yaml:"logDev"         envconfig:"LOG_DEV"`
	MetricsEnabled bool   `yaml:"metricsEnabled" envconfig:"METRICS_ENABLED"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Port:                8080,
		DatabasePath:        "./data/rankd.db",
		RoleResetDay:        1,
		MaintenanceInterval: time.Hour,
		RequestTimeout:      10 * time.Second,
		OperatorRoles:       []string{"owner", "admin"},
		NatsSubject:         "rankd.events",
		RateLimit:           120,
		AllowedOrigins:      []string{"http://localhost:5173", "http://localhost:8080"},
		LogLevel:            "info",
		MetricsEnabled:      true,
	}
}

// Load builds the effective configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path required"))
	}
	if c.RoleResetDay < 1 || c.RoleResetDay > 31 {
		errs = append(errs, fmt.Errorf("role reset day %d must be between 1 and 31", c.RoleResetDay))
	}
	if c.MaintenanceInterval < 0 {
		errs = append(errs, errors.New("maintenance interval must not be negative"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
