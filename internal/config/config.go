// Package config provides configuration management for prismcast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 5004
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultSegmentDuration   = 4
	defaultMaxSegments       = 10
	defaultIdleTimeout       = 2 * time.Minute
	defaultStartTimeout      = 30 * time.Second
	defaultRestartDelay      = 2 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultTunerCount        = 4
	minSegmentDuration       = 1
	maxSegmentDuration       = 30
	minPlaylistWindow        = 2
	maxPlaylistWindow        = 60
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	HLS      HLSConfig      `mapstructure:"hls"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Tuner    TunerConfig    `mapstructure:"tuner"`
	Lineup   LineupConfig   `mapstructure:"lineup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// BaseURL overrides the advertised base URL in HDHomeRun discovery
	// responses. Empty means derive from the request host.
	BaseURL string `mapstructure:"base_url"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HLSConfig holds the fMP4 re-segmentation and playlist configuration.
type HLSConfig struct {
	// SegmentDuration is the target media segment duration in seconds.
	SegmentDuration int `mapstructure:"segment_duration"`

	// MaxSegments is the sliding playlist window size.
	MaxSegments int `mapstructure:"max_segments"`

	// KeyframeDiagnostics enables per-fragment sync-sample inspection
	// and rolling keyframe cadence statistics.
	KeyframeDiagnostics bool `mapstructure:"keyframe_diagnostics"`
}

// CaptureConfig holds capture source configuration.
type CaptureConfig struct {
	// Command is the capture binary launched per channel. Empty means
	// auto-detect on PATH.
	Command string `mapstructure:"command"`

	// Args are the capture command arguments. The placeholder {url} is
	// replaced with the channel's capture URL.
	Args []string `mapstructure:"args"`

	// IdleTimeout is how long a stream may go without client requests
	// before its pipeline is torn down.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// StartTimeout bounds how long a fresh capture may run without
	// producing a moov before supervision restarts it.
	StartTimeout time.Duration `mapstructure:"start_timeout"`

	// RestartDelay is the pause between a capture failure and the
	// replacement attempt.
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

// TunerConfig holds HDHomeRun emulation configuration.
type TunerConfig struct {
	// DeviceID is the advertised HDHomeRun device identifier.
	DeviceID string `mapstructure:"device_id"`

	// FriendlyName is the advertised device name.
	FriendlyName string `mapstructure:"friendly_name"`

	// TunerCount is the advertised number of tuners (concurrent streams).
	TunerCount int `mapstructure:"tuner_count"`
}

// LineupConfig holds channel lineup seed configuration.
type LineupConfig struct {
	// File is an optional YAML lineup file imported at startup.
	File string `mapstructure:"file"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with PRISMCAST_ and use underscores
// for nesting. Example: PRISMCAST_HLS_SEGMENT_DURATION=4.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/prismcast")
		v.AddConfigPath("$HOME/.prismcast")
	}

	v.SetEnvPrefix("PRISMCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.base_url", "")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "prismcast.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// HLS defaults
	v.SetDefault("hls.segment_duration", defaultSegmentDuration)
	v.SetDefault("hls.max_segments", defaultMaxSegments)
	v.SetDefault("hls.keyframe_diagnostics", false)

	// Capture defaults
	v.SetDefault("capture.command", "")
	v.SetDefault("capture.args", []string{"{url}"})
	v.SetDefault("capture.idle_timeout", defaultIdleTimeout)
	v.SetDefault("capture.start_timeout", defaultStartTimeout)
	v.SetDefault("capture.restart_delay", defaultRestartDelay)

	// Tuner defaults
	v.SetDefault("tuner.device_id", "PRISMCAST1")
	v.SetDefault("tuner.friendly_name", "PrismCast")
	v.SetDefault("tuner.tuner_count", defaultTunerCount)

	// Lineup defaults
	v.SetDefault("lineup.file", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.HLS.SegmentDuration < minSegmentDuration || c.HLS.SegmentDuration > maxSegmentDuration {
		return fmt.Errorf("hls.segment_duration must be between %d and %d seconds",
			minSegmentDuration, maxSegmentDuration)
	}
	if c.HLS.MaxSegments < minPlaylistWindow || c.HLS.MaxSegments > maxPlaylistWindow {
		return fmt.Errorf("hls.max_segments must be between %d and %d",
			minPlaylistWindow, maxPlaylistWindow)
	}

	if c.Capture.IdleTimeout <= 0 {
		return fmt.Errorf("capture.idle_timeout must be positive")
	}
	if c.Capture.StartTimeout <= 0 {
		return fmt.Errorf("capture.start_timeout must be positive")
	}

	if c.Tuner.TunerCount < 1 {
		return fmt.Errorf("tuner.tuner_count must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TargetDuration returns the segment target duration as a time.Duration.
func (c *HLSConfig) TargetDuration() time.Duration {
	return time.Duration(c.SegmentDuration) * time.Second
}
