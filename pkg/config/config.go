// Package config provides YAML-based configuration loading for attachd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root daemon configuration.
type Config struct {
	// AppName optional logical name of the daemon instance
	AppName string `mapstructure:"app_name"`

	// Listen is the websocket bind address, host:port
	Listen string `mapstructure:"listen"`

	// Handshake bounds the attach handshake
	Handshake HandshakeConfig `mapstructure:"handshake"`

	// Session controls registry retention
	Session SessionConfig `mapstructure:"session"`

	// Metrics controls the optional Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// HandshakeConfig bounds the per-connection handshake.
type HandshakeConfig struct {
	// TimeoutMS is how long the server waits for attach_session after
	// pushing the connected event. 0 disables the timeout.
	TimeoutMS int `mapstructure:"timeout_ms"`
	// ReadLimitBytes caps inbound message size.
	ReadLimitBytes int64 `mapstructure:"read_limit_bytes"`
}

func (h HandshakeConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// SessionConfig controls registry retention of released sessions.
type SessionConfig struct {
	// RetentionTTLMS is how long a fully released session is kept before
	// eviction. 0 keeps sessions for the life of the process.
	RetentionTTLMS int `mapstructure:"retention_ttl_ms"`
}

func (s SessionConfig) RetentionTTL() time.Duration {
	return time.Duration(s.RetentionTTLMS) * time.Millisecond
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the bind address for /metrics; empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults. The listen
// address matches the original daemon's local control port.
func Default() *Config {
	return &Config{
		AppName: "attachd",
		Listen:  "127.0.0.1:16790",
		Handshake: HandshakeConfig{
			TimeoutMS:      30000,
			ReadLimitBytes: 64 * 1024,
		},
		Session: SessionConfig{RetentionTTLMS: 0},
		Metrics: MetricsConfig{Addr: ""},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/attachd.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment
// overrides. Environment variables use the prefix ATTACHD and `.`/`-`
// are replaced with `_`. Example: ATTACHD_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ATTACHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("handshake.timeout_ms", cfg.Handshake.TimeoutMS)
	v.SetDefault("handshake.read_limit_bytes", cfg.Handshake.ReadLimitBytes)
	v.SetDefault("session.retention_ttl_ms", cfg.Session.RetentionTTLMS)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("ATTACHD_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("attachd")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".attachd"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen address is required")
	}
	if c.Handshake.TimeoutMS < 0 {
		return fmt.Errorf("invalid handshake.timeout_ms: %d", c.Handshake.TimeoutMS)
	}
	if c.Session.RetentionTTLMS < 0 {
		return fmt.Errorf("invalid session.retention_ttl_ms: %d", c.Session.RetentionTTLMS)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
