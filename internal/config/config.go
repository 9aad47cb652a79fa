package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	SoftClose SoftCloseConfig `yaml:"soft_close"`
	Bidding   BiddingConfig   `yaml:"bidding"`
	Events    EventsConfig    `yaml:"events"`
	Auth      AuthConfig      `yaml:"auth"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host        string        `yaml:"host" env:"LEILAO_DB_HOST"`
	Port        int           `yaml:"port" env:"LEILAO_DB_PORT"`
	User        string        `yaml:"user" env:"LEILAO_DB_USER"`
	Password    string        `yaml:"password" env:"LEILAO_DB_PASSWORD"`
	DBName      string        `yaml:"dbname" env:"LEILAO_DB_NAME"`
	SSLMode     string        `yaml:"sslmode"`
	Driver      string        `yaml:"driver" env:"LEILAO_DB_DRIVER"` // "postgres" or "memory"
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"LEILAO_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"LEILAO_OTLP_ENDPOINT"`
	Insecure       bool   `yaml:"insecure"`
}

// SoftCloseConfig is the deadline extension policy. MaxExtensions nil means
// no cap.
type SoftCloseConfig struct {
	Enabled       bool `yaml:"enabled"`
	WindowMinutes int  `yaml:"window_minutes"`
	MaxExtensions *int `yaml:"max_extensions"`
}

// Window returns the soft-close window as a duration.
func (s SoftCloseConfig) Window() time.Duration {
	return time.Duration(s.WindowMinutes) * time.Minute
}

// BiddingConfig bounds the retry loop around the bid critical section.
type BiddingConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// EventsConfig configures outbound BID_ACCEPTED delivery. An empty AMQPURL
// disables the broker publisher.
type EventsConfig struct {
	AMQPURL        string        `yaml:"amqp_url" env:"LEILAO_AMQP_URL"`
	Exchange       string        `yaml:"exchange"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	AuditLog       bool          `yaml:"audit_log"`
}

// AuthConfig holds session token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"LEILAO_JWT_SECRET"`
	Issuer    string `yaml:"issuer"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			SSLMode:     "disable",
			Driver:      "postgres",
			LockTimeout: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "leilao",
			ServiceVersion: "0.1.0",
		},
		SoftClose: SoftCloseConfig{
			Enabled:       true,
			WindowMinutes: 3,
		},
		Bidding: BiddingConfig{
			MaxAttempts:    3,
			BackoffInitial: 10 * time.Millisecond,
			BackoffMax:     50 * time.Millisecond,
		},
		Events: EventsConfig{
			Exchange:       "leilao.bids",
			PublishTimeout: 5 * time.Second,
			AuditLog:       true,
		},
	}
}

// Load reads a YAML configuration file from the given path, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver))
	}
	if c.SoftClose.WindowMinutes < 0 {
		errs = append(errs, errors.New("soft_close.window_minutes must not be negative"))
	}
	if c.SoftClose.Enabled && c.SoftClose.WindowMinutes == 0 {
		errs = append(errs, errors.New("soft_close.window_minutes is required when soft close is enabled"))
	}
	if c.SoftClose.MaxExtensions != nil && *c.SoftClose.MaxExtensions < 0 {
		errs = append(errs, errors.New("soft_close.max_extensions must not be negative"))
	}
	if c.Bidding.MaxAttempts < 1 {
		errs = append(errs, errors.New("bidding.max_attempts must be at least 1"))
	}
	if c.Bidding.BackoffInitial <= 0 || c.Bidding.BackoffMax < c.Bidding.BackoffInitial {
		errs = append(errs, errors.New("bidding backoff must satisfy 0 < backoff_initial <= backoff_max"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	return errors.Join(errs...)
}
