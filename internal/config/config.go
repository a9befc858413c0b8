package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Rower     RowerConfig     `yaml:"rower"`
	FTMS      FTMSConfig      `yaml:"ftms"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Session   SessionConfig   `yaml:"session"`
	LogLevel  string          `yaml:"log_level"`
}

// RowerConfig holds the ergometer link settings.
type RowerConfig struct {
	Address           string        `yaml:"address"` // empty: use the first ergometer found by scanning
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	HandshakeInterval time.Duration `yaml:"handshake_interval"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

// FTMSConfig holds the emulated fitness machine settings.
type FTMSConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Profile         string  `yaml:"profile"` // "rower" or "bike"
	DeviceName      string  `yaml:"device_name"`
	Manufacturer    string  `yaml:"manufacturer"`
	Serial          string  `yaml:"serial"`
	BikeSpeedPerSPM int     `yaml:"bike_speed_per_spm"` // 0.01 km/h per stroke/min
	CadenceRatio    float64 `yaml:"cadence_ratio"`
}

// TelemetryConfig holds the MQTT publishing settings.
type TelemetryConfig struct {
	Enabled     bool            `yaml:"enabled"`
	Broker      string          `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string          `yaml:"client_id"`
	Username    string          `yaml:"username"`
	Password    string          `yaml:"password"`
	Topic       string          `yaml:"topic"`
	Encoding    string          `yaml:"encoding"` // "json" or "cbor"
	MaxAttempts int             `yaml:"max_attempts"`
	Delays      []time.Duration `yaml:"delays"`
}

// SessionConfig holds recording and storage settings.
type SessionConfig struct {
	RecordInterval time.Duration `yaml:"record_interval"`
	ActivityDir    string        `yaml:"activity_dir"`
	Compression    string        `yaml:"compression"` // "none", "gzip" or "zstd"
	Database       string        `yaml:"database"`    // empty disables the session store
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rowbridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns where activities and the database live by default.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "rowbridge")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	data := DefaultDataDir()
	return &Config{
		Rower: RowerConfig{
			ScanTimeout:       15 * time.Second,
			HandshakeInterval: time.Second,
			KeepAliveInterval: time.Second,
		},
		FTMS: FTMSConfig{
			Enabled:         true,
			Profile:         "rower",
			DeviceName:      "R50 Rower",
			Manufacturer:    "R50 Connector",
			Serial:          "R50-001",
			BikeSpeedPerSPM: 120,
			CadenceRatio:    1.0,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			Topic:       "r50/rowing_data",
			Encoding:    "json",
			MaxAttempts: 10,
			Delays: []time.Duration{
				1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
			},
		},
		Session: SessionConfig{
			RecordInterval: 5 * time.Second,
			ActivityDir:    filepath.Join(data, "activities"),
			Compression:    "none",
			Database:       filepath.Join(data, "rowbridge.db"),
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Session.ActivityDir = expandTilde(cfg.Session.ActivityDir)
	cfg.Session.Database = expandTilde(cfg.Session.Database)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Rower.ScanTimeout <= 0 {
		return fmt.Errorf("rower.scan_timeout must be > 0")
	}
	if c.Rower.HandshakeInterval <= 0 || c.Rower.KeepAliveInterval <= 0 {
		return fmt.Errorf("rower.handshake_interval and rower.keep_alive_interval must be > 0")
	}

	switch c.FTMS.Profile {
	case "rower", "bike":
	default:
		return fmt.Errorf("ftms.profile must be \"rower\" or \"bike\", got %q", c.FTMS.Profile)
	}
	if c.FTMS.Enabled && c.FTMS.DeviceName == "" {
		return fmt.Errorf("ftms.device_name must not be empty")
	}
	if c.FTMS.BikeSpeedPerSPM <= 0 {
		return fmt.Errorf("ftms.bike_speed_per_spm must be > 0")
	}
	if c.FTMS.CadenceRatio <= 0 {
		return fmt.Errorf("ftms.cadence_ratio must be > 0")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Broker == "" {
			return fmt.Errorf("telemetry.broker must not be empty when telemetry is enabled")
		}
		if c.Telemetry.Topic == "" {
			return fmt.Errorf("telemetry.topic must not be empty when telemetry is enabled")
		}
	}
	switch c.Telemetry.Encoding {
	case "json", "cbor":
	default:
		return fmt.Errorf("telemetry.encoding must be \"json\" or \"cbor\", got %q", c.Telemetry.Encoding)
	}
	if c.Telemetry.MaxAttempts <= 0 {
		return fmt.Errorf("telemetry.max_attempts must be > 0")
	}
	if len(c.Telemetry.Delays) == 0 {
		return fmt.Errorf("telemetry.delays must not be empty")
	}
	for i, d := range c.Telemetry.Delays {
		if d < 0 {
			return fmt.Errorf("telemetry.delays[%d] must not be negative, got %v", i, d)
		}
	}

	if c.Session.RecordInterval < 0 {
		return fmt.Errorf("session.record_interval must not be negative")
	}
	if c.Session.ActivityDir == "" {
		return fmt.Errorf("session.activity_dir must not be empty")
	}
	switch c.Session.Compression {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("session.compression must be none, gzip, or zstd, got %q", c.Session.Compression)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// mean info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

const defaultConfigYAML = `# rowbridge configuration
# Bridges an R50 rowing ergometer to FTMS, MQTT and FIT files.

rower:
  # Ergometer address. Leave empty to use the first ergometer found
  # (see "rowbridge scan").
  address: ""
  scan_timeout: 15s
  handshake_interval: 1s
  keep_alive_interval: 1s

ftms:
  enabled: true
  profile: rower          # rower or bike
  device_name: R50 Rower
  manufacturer: R50 Connector
  serial: R50-001
  bike_speed_per_spm: 120 # bike mode: 0.01 km/h per stroke/min
  cadence_ratio: 1.0

telemetry:
  enabled: false
  broker: tcp://localhost:1883
  client_id: ""
  username: ""
  password: ""
  topic: r50/rowing_data
  encoding: json          # json or cbor
  max_attempts: 10
  delays: [1s, 2s, 5s, 10s, 30s]

session:
  record_interval: 5s
  activity_dir: ~/.local/share/rowbridge/activities
  compression: none       # none, gzip or zstd
  database: ~/.local/share/rowbridge/rowbridge.db

log_level: info
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
