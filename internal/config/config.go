// Package config loads relay settings from an optional YAML file with
// RELAY_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

// DatabaseConfig configures the optional session event log. An empty URL
// runs the relay without a database.
type DatabaseConfig struct {
	URL           string        `mapstructure:"url"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BufferSize    int           `mapstructure:"buffer_size"`
}

func (d DatabaseConfig) Enabled() bool {
	return d.URL != ""
}

type RoomsConfig struct {
	SpawnX      int `mapstructure:"spawn_x"`
	SpawnY      int `mapstructure:"spawn_y"`
	SpawnRadius int `mapstructure:"spawn_radius"`
	// IdleTTL evicts rooms empty for longer than this. Zero keeps rooms forever.
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type TransportConfig struct {
	SendBuffer     int      `mapstructure:"send_buffer"`
	QueueSize      int      `mapstructure:"queue_size"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Transport TransportConfig `mapstructure:"transport"`
}

// Validate checks every section and reports all violations at once.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format must be one of [json, console], got %q", c.Logging.Format))
	}

	if c.Database.Enabled() {
		if c.Database.BatchSize < 1 {
			errs = append(errs, fmt.Sprintf("database.batch_size must be >= 1, got %d", c.Database.BatchSize))
		}
		if c.Database.FlushInterval <= 0 {
			errs = append(errs, "database.flush_interval must be positive")
		}
		if c.Database.BufferSize < 1 {
			errs = append(errs, fmt.Sprintf("database.buffer_size must be >= 1, got %d", c.Database.BufferSize))
		}
	}

	if c.Rooms.SpawnRadius < 0 {
		errs = append(errs, fmt.Sprintf("rooms.spawn_radius must be >= 0, got %d", c.Rooms.SpawnRadius))
	}
	if c.Rooms.IdleTTL < 0 {
		errs = append(errs, "rooms.idle_ttl must not be negative")
	}
	if c.Rooms.IdleTTL > 0 && c.Rooms.SweepInterval <= 0 {
		errs = append(errs, "rooms.sweep_interval must be positive when rooms.idle_ttl is set")
	}

	if c.Transport.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.send_buffer must be >= 1, got %d", c.Transport.SendBuffer))
	}
	if c.Transport.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("transport.queue_size must be >= 1, got %d", c.Transport.QueueSize))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads the YAML file at path (skipped when path is empty), applies
// RELAY_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.url", "")
	v.SetDefault("database.batch_size", 50)
	v.SetDefault("database.flush_interval", "500ms")
	v.SetDefault("database.buffer_size", 1000)

	v.SetDefault("rooms.spawn_x", 400)
	v.SetDefault("rooms.spawn_y", 300)
	v.SetDefault("rooms.spawn_radius", 40)
	v.SetDefault("rooms.idle_ttl", "0s")
	v.SetDefault("rooms.sweep_interval", "5m")

	v.SetDefault("transport.send_buffer", 64)
	v.SetDefault("transport.queue_size", 256)
	v.SetDefault("transport.allowed_origins", []string{})
}
