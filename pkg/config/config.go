// Package config loads genbatch settings from a YAML file, GENBATCH_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins over the file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/psantana5/genbatch/pkg/cleanup"
)

// EnvPrefix is prepended to every environment override, e.g.
// GENBATCH_STORE_TYPE=memory
const EnvPrefix = "GENBATCH"

// Config is the full application configuration
type Config struct {
	Concurrency int            `mapstructure:"concurrency" validate:"gte=1"`
	Retry       Retry          `mapstructure:"retry"`
	Store       Store          `mapstructure:"store"`
	Generator   Generator      `mapstructure:"generator"`
	History     History        `mapstructure:"history"`
	Export      Export         `mapstructure:"export"`
	Cleanup     cleanup.Config `mapstructure:"cleanup"`
	Server      Server         `mapstructure:"server"`
	Metrics     Metrics        `mapstructure:"metrics"`
	Tracing     Tracing        `mapstructure:"tracing"`
	Log         Log            `mapstructure:"log"`

	// File is the config file that was read, empty when none was found
	File string `mapstructure:"-"`
}

type Retry struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
}

type Store struct {
	Type            string        `mapstructure:"type" validate:"oneof=memory sqlite postgres postgresql"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Type postgres"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Generator struct {
	URL           string        `mapstructure:"url" validate:"omitempty,url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RatePerSecond float64       `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst         int           `mapstructure:"burst" validate:"gte=1"`
	Breaker       Breaker       `mapstructure:"breaker"`
}

type Breaker struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gte=1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
}

type History struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Key           string `mapstructure:"key"`
	MaxLen        int64  `mapstructure:"max_len" validate:"gte=0"`
}

type Export struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
	Dir      string `mapstructure:"dir"`
}

type Server struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// StaleAfter is how long a processing batch may go without an update
	// before serve treats its run as lost at startup
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gte=0"`

	// HTTPS is served when TLSCert is set
	TLSCert       string `mapstructure:"tls_cert"`
	TLSKey        string `mapstructure:"tls_key" validate:"required_with=TLSCert"`
	TLSSelfSigned bool   `mapstructure:"tls_self_signed"`
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

type Tracing struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type Log struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error fatal DEBUG INFO WARN WARNING ERROR FATAL"`
	JSON  bool   `mapstructure:"json"`
	Dir   string `mapstructure:"dir"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("concurrency", 2)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", 5*time.Second)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "genbatch.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("generator.url", "")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.timeout", 60*time.Second)
	v.SetDefault("generator.rate_per_second", 1.0)
	v.SetDefault("generator.burst", 2)
	v.SetDefault("generator.breaker.enabled", true)
	v.SetDefault("generator.breaker.failure_threshold", 5)
	v.SetDefault("generator.breaker.timeout", 30*time.Second)
	v.SetDefault("generator.breaker.max_requests", 1)

	v.SetDefault("history.redis_addr", "")
	v.SetDefault("history.redis_password", "")
	v.SetDefault("history.redis_db", 0)
	v.SetDefault("history.key", "genbatch:history")
	v.SetDefault("history.max_len", 1000)

	v.SetDefault("export.amqp_url", "")
	v.SetDefault("export.exchange", "genbatch.exports")
	v.SetDefault("export.dir", "")

	d := cleanup.DefaultConfig()
	v.SetDefault("cleanup.enabled", d.Enabled)
	v.SetDefault("cleanup.retention_days", d.RetentionDays)
	v.SetDefault("cleanup.interval", d.Interval)
	v.SetDefault("cleanup.vacuum_interval", d.VacuumEvery)
	v.SetDefault("cleanup.initial_delay", d.InitialDelay)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.stale_after", 30*time.Minute)
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.tls_self_signed", false)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "genbatch")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.dir", "")
}

// New returns a viper instance with defaults and environment binding set up
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration into a fresh viper instance. An explicit path must
// exist; without one, $HOME/.genbatch/config.yaml and ./config.yaml are
// tried and silently skipped when absent.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith reads configuration using v, which may carry bound flags
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".genbatch"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
