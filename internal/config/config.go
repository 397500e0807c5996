// Package config loads LFGQueue configuration from defaults, an optional
// config file, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/BTreeMap/LFGQueue/internal/queue"
)

// ErrConfiguration wraps every configuration failure.
var ErrConfiguration = errors.New("configuration error")

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LFGQueue state data
	DefaultStateDir = "/var/lib/lfgqueue"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "lfgqueue.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsapp.db"
	// DefaultConfigName is the config file base name searched for in the working directory
	DefaultConfigName = "lfgqueue"
)

// Config is the complete runtime configuration.
type Config struct {
	Queue    QueueConfig    `mapstructure:"queue"`
	Sweeps   SweepsConfig   `mapstructure:"sweeps"`
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Log      LogConfig      `mapstructure:"log"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
}

// QueueConfig holds the claim and expiry windows.
type QueueConfig struct {
	ExpiryAfterMinutes  int `mapstructure:"expiry_after_minutes" validate:"gte=1"`
	LeaseTimeoutMinutes int `mapstructure:"lease_timeout_minutes" validate:"gte=1"`
	SpamWindowMinutes   int `mapstructure:"spam_window_minutes" validate:"gte=1"`
	ClaimHardCap        int `mapstructure:"claim_hard_cap" validate:"gte=1,lte=1000"`
	ExpiryBatchSize     int `mapstructure:"expiry_batch_size" validate:"gte=1,lte=10000"`
}

// SweepConfig toggles one background sweep.
type SweepConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes" validate:"gte=0"`
}

// SweepsConfig holds both sweeps.
type SweepsConfig struct {
	Expiry  SweepConfig `mapstructure:"expiry"`
	Requeue SweepConfig `mapstructure:"requeue"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	StateDir string `mapstructure:"state_dir" validate:"required"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// WorkerConfig configures the in-process classification worker.
type WorkerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	OpenAIAPIKey        string `mapstructure:"openai_api_key" validate:"required_if=Enabled true"`
	Model               string `mapstructure:"model" validate:"required"`
	BatchSize           int    `mapstructure:"batch_size" validate:"gte=1"`
	Concurrency         int    `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds" validate:"gte=1"`
}

// WhatsAppConfig configures the WhatsApp ingestion source.
type WhatsAppConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBDSN   string `mapstructure:"db_dsn"`
}

// envBindings maps config keys to their environment variable names.
var envBindings = map[string]string{
	"queue.expiry_after_minutes":      "MESSAGE_EXPIRY_MINUTES",
	"queue.lease_timeout_minutes":     "LEASE_TIMEOUT_MINUTES",
	"queue.spam_window_minutes":       "SPAM_WINDOW_MINUTES",
	"queue.claim_hard_cap":            "CLAIM_HARD_CAP",
	"queue.expiry_batch_size":         "EXPIRY_BATCH_SIZE",
	"sweeps.expiry.enabled":           "AUTO_EXPIRY_ENABLED",
	"sweeps.expiry.interval_minutes":  "EXPIRY_SWEEP_INTERVAL_MINUTES",
	"sweeps.requeue.enabled":          "AUTO_REQUEUE_ENABLED",
	"sweeps.requeue.interval_minutes": "REQUEUE_SWEEP_INTERVAL_MINUTES",
	"database.dsn":                    "DATABASE_URL",
	"database.state_dir":              "LFGQUEUE_STATE_DIR",
	"api.addr":                        "API_ADDR",
	"log.level":                       "LOG_LEVEL",
	"log.format":                      "LOG_FORMAT",
	"worker.enabled":                  "WORKER_ENABLED",
	"worker.openai_api_key":           "OPENAI_API_KEY",
	"worker.model":                    "WORKER_MODEL",
	"worker.batch_size":               "WORKER_BATCH_SIZE",
	"worker.concurrency":              "WORKER_CONCURRENCY",
	"worker.poll_interval_seconds":    "WORKER_POLL_INTERVAL_SECONDS",
	"whatsapp.enabled":                "WHATSAPP_ENABLED",
	"whatsapp.db_dsn":                 "WHATSAPP_DB_DSN",
}

// setDefaults sets default values for every configuration key
func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.expiry_after_minutes", int(queue.DefaultExpiryAfter/time.Minute))
	v.SetDefault("queue.lease_timeout_minutes", int(queue.DefaultLeaseTimeout/time.Minute))
	v.SetDefault("queue.spam_window_minutes", int(queue.DefaultSpamWindow/time.Minute))
	v.SetDefault("queue.claim_hard_cap", queue.DefaultClaimHardCap)
	v.SetDefault("queue.expiry_batch_size", queue.DefaultExpiryBatchSize)

	v.SetDefault("sweeps.expiry.enabled", true)
	v.SetDefault("sweeps.expiry.interval_minutes", 1)
	v.SetDefault("sweeps.requeue.enabled", true)
	v.SetDefault("sweeps.requeue.interval_minutes", 5)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.state_dir", DefaultStateDir)

	v.SetDefault("api.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("worker.enabled", false)
	v.SetDefault("worker.openai_api_key", "")
	v.SetDefault("worker.model", "gpt-4o-mini")
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval_seconds", 5)

	v.SetDefault("whatsapp.enabled", false)
	v.SetDefault("whatsapp.db_dsn", "")
}

// Load builds the configuration. path names an optional config file; when it
// is empty, lfgqueue.{yaml,toml,json} is looked up in the working directory
// and its absence is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("%w: bind %s: %v", ErrConfiguration, env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
		}
		slog.Debug("no config file found, using defaults and environment")
	} else {
		slog.Debug("config file loaded", "file", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("configuration loaded",
		"state_dir", cfg.Database.StateDir,
		"dsn_set", cfg.Database.DSN != "",
		"api_addr", cfg.API.Addr,
		"expiry_after_minutes", cfg.Queue.ExpiryAfterMinutes,
		"lease_timeout_minutes", cfg.Queue.LeaseTimeoutMinutes,
		"worker_enabled", cfg.Worker.Enabled,
		"openai_key_set", cfg.Worker.OpenAIAPIKey != "",
		"whatsapp_enabled", cfg.WhatsApp.Enabled)
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s%s", fe.Namespace(), fe.Tag(), paramSuffix(fe.Param())))
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// QueueSettings converts the queue section to the queue package's Config.
func (c *Config) QueueSettings() queue.Config {
	return queue.Config{
		ExpiryAfter:     time.Duration(c.Queue.ExpiryAfterMinutes) * time.Minute,
		LeaseTimeout:    time.Duration(c.Queue.LeaseTimeoutMinutes) * time.Minute,
		SpamWindow:      time.Duration(c.Queue.SpamWindowMinutes) * time.Minute,
		ClaimHardCap:    c.Queue.ClaimHardCap,
		ExpiryBatchSize: c.Queue.ExpiryBatchSize,
	}
}

// Interval returns the sweep period.
func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// StoreDSN returns the configured DSN, defaulting to a SQLite file in the state directory.
func (c *Config) StoreDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.Database.StateDir, DefaultDBFileName)
}

// WhatsAppDSN returns the whatsmeow device store DSN.
func (c *Config) WhatsAppDSN() string {
	if c.WhatsApp.DBDSN != "" {
		return c.WhatsApp.DBDSN
	}
	return "file:" + filepath.Join(c.Database.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// PollInterval returns the worker poll period.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
