// Package config loads service configuration from defaults, a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable. A double underscore
// separates nesting levels: MAILLIST_SERVER__PORT sets server.port.
const EnvPrefix = "MAILLIST_"

// PathEnv names the variable holding the config file path.
const PathEnv = EnvPrefix + "CONFIG"

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the complete service configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	CORS          CORSConfig          `koanf:"cors"`
	Email         EmailConfig         `koanf:"email"`
	Links         LinksConfig         `koanf:"links"`
	Subscriptions SubscriptionsConfig `koanf:"subscriptions"`
	Broadcast     BroadcastConfig     `koanf:"broadcast"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig selects and configures the subscriber store.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	Path            string        `koanf:"path"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	BusyTimeout     time.Duration `koanf:"busy_timeout"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig configures cross-origin access to the public endpoints.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Enabled      bool          `koanf:"enabled"`
	SMTPHost     string        `koanf:"smtp_host"`
	SMTPPort     int           `koanf:"smtp_port"`
	SMTPUser     string        `koanf:"smtp_user"`
	SMTPPassword string        `koanf:"smtp_password"`
	FromAddress  string        `koanf:"from_address"`
	Timeout      time.Duration `koanf:"timeout"`
}

// LinksConfig holds the public pages that confirm and unsubscribe links point to.
type LinksConfig struct {
	ConfirmURL     string `koanf:"confirm_url"`
	UnsubscribeURL string `koanf:"unsubscribe_url"`
}

// SubscriptionsConfig configures pending sign-up expiry.
type SubscriptionsConfig struct {
	PendingTTL time.Duration `koanf:"pending_ttl"`
	ConfirmTTL time.Duration `koanf:"confirm_ttl"`
}

// BroadcastConfig configures the periodic bulk message.
type BroadcastConfig struct {
	// Template is a local file path or an http(s) URL.
	Template    string        `koanf:"template"`
	Subject     string        `koanf:"subject"`
	// From overrides email.from_address for broadcasts only.
	From        string        `koanf:"from"`
	Timezone    string        `koanf:"timezone"`
	Concurrency int           `koanf:"concurrency"`
	RateLimit   float64       `koanf:"rate_limit"`
	SendTimeout time.Duration `koanf:"send_timeout"`
}

// SchedulerConfig maps jobs to schedule tiers.
type SchedulerConfig struct {
	Enabled           bool   `koanf:"enabled"`
	BroadcastSchedule string `koanf:"broadcast_schedule"`
	SweepSchedule     string `koanf:"sweep_schedule"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Path:            "data/maillist.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			BusyTimeout:     5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Email: EmailConfig{
			Enabled:  true,
			SMTPPort: 587,
			Timeout:  30 * time.Second,
		},
		Subscriptions: SubscriptionsConfig{
			PendingTTL: 12 * time.Hour,
			ConfirmTTL: 12 * time.Hour,
		},
		Broadcast: BroadcastConfig{
			Subject:     "Newsletter",
			Timezone:    "Europe/Helsinki",
			Concurrency: 1,
			SendTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			BroadcastSchedule: "hourly",
			SweepSchedule:     "twicedaily",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $MAILLIST_CONFIG when path is empty), then MAILLIST_* variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config" {
		return ""
	}
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver))
	}

	for key, raw := range map[string]string{
		"links.confirm_url":     c.Links.ConfirmURL,
		"links.unsubscribe_url": c.Links.UnsubscribeURL,
	} {
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL", key))
		}
	}

	if c.Email.Enabled {
		if c.Email.SMTPHost == "" {
			errs = append(errs, errors.New("email.smtp_host is required when email is enabled"))
		}
		if c.Email.FromAddress == "" {
			errs = append(errs, errors.New("email.from_address is required when email is enabled"))
		}
	}

	if c.Broadcast.Template == "" {
		errs = append(errs, errors.New("broadcast.template is required"))
	}
	if _, err := time.LoadLocation(c.Broadcast.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("broadcast.timezone: %w", err))
	}
	if c.Broadcast.Concurrency < 1 {
		errs = append(errs, errors.New("broadcast.concurrency must be at least 1"))
	}
	if c.Broadcast.RateLimit < 0 {
		errs = append(errs, errors.New("broadcast.rate_limit must not be negative"))
	}

	if c.Subscriptions.PendingTTL <= 0 {
		errs = append(errs, errors.New("subscriptions.pending_ttl must be positive"))
	}
	if c.Subscriptions.ConfirmTTL < 0 {
		errs = append(errs, errors.New("subscriptions.confirm_ttl must not be negative"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
