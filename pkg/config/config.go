// Package config loads the router's YAML configuration with viper and
// watches it for realm changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lightforgemedia/go-wamprouter/pkg/filewatcher"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// EnvPrefix prefixes environment overrides, e.g. WAMPROUTER_LISTEN or
// WAMPROUTER_NATS_URL.
const EnvPrefix = "WAMPROUTER"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the wamprouter process configuration.
type Config struct {
	Listen          string        `mapstructure:"listen"`
	Path            string        `mapstructure:"path"`
	StatsPath       string        `mapstructure:"stats_path"`
	LogLevel        string        `mapstructure:"log_level"`
	Realms          []string      `mapstructure:"realms"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ResolvedMemory  int           `mapstructure:"resolved_memory"`

	Transport TransportConfig `mapstructure:"transport"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

type TransportConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	HelloTimeout time.Duration `mapstructure:"hello_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// AuthConfig enables ticket authentication when Secret is set.
type AuthConfig struct {
	Secret    string        `mapstructure:"secret"`
	Issuer    string        `mapstructure:"issuer"`
	TicketTTL time.Duration `mapstructure:"ticket_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NATSConfig enables the publication bridge when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("path", "/ws")
	v.SetDefault("stats_path", "/stats")
	v.SetDefault("log_level", "info")
	v.SetDefault("realms", []string{})
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("resolved_memory", 1024)

	v.SetDefault("transport.send_buffer", 16)
	v.SetDefault("transport.write_timeout", 10*time.Second)
	v.SetDefault("transport.hello_timeout", 10*time.Second)
	v.SetDefault("transport.ping_interval", 30*time.Second)
	v.SetDefault("transport.read_limit", 1024*1024)
	v.SetDefault("transport.rate_limit", 0)
	v.SetDefault("transport.rate_burst", 0)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "wamprouter")
	v.SetDefault("auth.ticket_ttl", time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "wamprouter.publications")
}

// Default returns the built-in defaults, ignoring the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// The defaults above always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads path, applies defaults and WAMPROUTER_* environment overrides
// and validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and reports the first problem.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.Listen == "" {
		return invalid("listen must not be empty")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return invalid("path %q must start with /", c.Path)
	}
	if c.StatsPath != "" && !strings.HasPrefix(c.StatsPath, "/") {
		return invalid("stats_path %q must start with /", c.StatsPath)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return invalid("%v", err)
	}
	for _, realm := range c.Realms {
		if !wamp.ValidURI(realm) {
			return invalid("realm %q is not a valid URI", realm)
		}
	}
	if c.ShutdownTimeout <= 0 {
		return invalid("shutdown_timeout must be positive")
	}
	if c.ResolvedMemory < 0 {
		return invalid("resolved_memory must be non-negative")
	}
	if c.Transport.SendBuffer <= 0 {
		return invalid("transport.send_buffer must be positive")
	}
	if c.Transport.WriteTimeout <= 0 || c.Transport.HelloTimeout <= 0 {
		return invalid("transport timeouts must be positive")
	}
	if c.Transport.ReadLimit <= 0 {
		return invalid("transport.read_limit must be positive")
	}
	if c.Transport.RateLimit < 0 || c.Transport.RateBurst < 0 {
		return invalid("transport rate limits must be non-negative")
	}
	if c.Auth.Secret != "" && c.Auth.TicketTTL <= 0 {
		return invalid("auth.ticket_ttl must be positive")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path %q must start with /", c.Metrics.Path)
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return invalid("nats.subject is required with nats.url")
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Watch reloads path whenever it changes and hands every valid result to
// apply. Invalid files are logged and skipped. Watch blocks until ctx is
// done.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	w, err := filewatcher.New(
		filewatcher.WithLogger(logger),
		filewatcher.WithDirs(filepath.Dir(abs)),
		filewatcher.WithPatterns(filepath.Base(abs)),
	)
	if err != nil {
		return err
	}
	w.OnChange(func(string) {
		cfg, err := Load(abs)
		if err != nil {
			logger.Warn("Config: Ignoring invalid reload", "file", abs, "error", err)
			return
		}
		logger.Info("Config: Reloaded", "file", abs, "realms", cfg.Realms)
		apply(cfg)
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	<-ctx.Done()
	return w.Stop()
}
