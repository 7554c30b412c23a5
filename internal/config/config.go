package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig          `yaml:"device"`
	Session   SessionConfig         `yaml:"session"`
	Facets    map[uint8]FacetConfig `yaml:"facets"`
	MQTT      MQTTConfig            `yaml:"mqtt"`
	LogLevel  string                `yaml:"log_level"`
	LogFormat string                `yaml:"log_format"` // "text" or "json"
}

// DeviceConfig identifies the die and the settings pushed to it once a
// session is ready.
type DeviceConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	Brightness       int    `yaml:"brightness"`         // percent, -1 leaves the device setting alone
	BlinkSeconds     int    `yaml:"blink_seconds"`      // 5-60, 0 leaves the device setting alone
	AutoPauseMinutes int    `yaml:"auto_pause_minutes"` // 0 disables, -1 leaves the device setting alone
}

// SessionConfig holds connection lifecycle settings.
type SessionConfig struct {
	Reconnect           bool `yaml:"reconnect"`
	ReconnectMaxSeconds int  `yaml:"reconnect_max_seconds"`
	ReadyAttempts       int  `yaml:"ready_attempts"`
	ReadyDelayMS        int  `yaml:"ready_delay_ms"`
	HistoryCatchup      bool `yaml:"history_catchup"` // replay flips recorded while offline
}

// FacetConfig labels and configures a single facet.
type FacetConfig struct {
	Name            string `yaml:"name"`
	PomodoroMinutes int    `yaml:"pomodoro_minutes"` // 0 means a plain counting timer
	Color           string `yaml:"color"`            // "#RRGGBB", empty leaves the LED alone
}

// MQTTConfig holds interval publishing settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fliptrace")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The device
// address has no default and must come from the file or a flag.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Password:         "000000",
			Brightness:       -1,
			AutoPauseMinutes: -1,
		},
		Session: SessionConfig{
			Reconnect:           true,
			ReconnectMaxSeconds: 30,
			ReadyAttempts:       5,
			ReadyDelayMS:        500,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "fliptrace",
			TopicPrefix: "timeflip",
			QoS:         1,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a commented default config to the default path if
// no config file exists yet. Returns the written path, or "" when a
// file was already there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(DefaultConfigDir(), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}
	content := "# fliptrace configuration\n# device.address is required; find it with fliptrace -scan\n" + string(data)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level string to a slog.Level,
// defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
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

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address must not be empty")
	}

	if len(c.Device.Password) != 6 {
		return fmt.Errorf("device.password must be exactly 6 characters, got %d", len(c.Device.Password))
	}
	for _, r := range c.Device.Password {
		if r > 0x7F {
			return fmt.Errorf("device.password must be ASCII")
		}
	}

	if c.Device.Brightness < -1 || c.Device.Brightness > 100 {
		return fmt.Errorf("device.brightness must be 0-100 or -1, got %d", c.Device.Brightness)
	}

	if c.Device.BlinkSeconds != 0 && (c.Device.BlinkSeconds < 5 || c.Device.BlinkSeconds > 60) {
		return fmt.Errorf("device.blink_seconds must be 5-60 or 0, got %d", c.Device.BlinkSeconds)
	}

	if c.Device.AutoPauseMinutes < -1 || c.Device.AutoPauseMinutes > 0xFFFF {
		return fmt.Errorf("device.auto_pause_minutes must be 0-65535 or -1, got %d", c.Device.AutoPauseMinutes)
	}

	if c.Session.ReconnectMaxSeconds <= 0 {
		return fmt.Errorf("session.reconnect_max_seconds must be > 0")
	}
	if c.Session.ReadyAttempts <= 0 {
		return fmt.Errorf("session.ready_attempts must be > 0")
	}
	if c.Session.ReadyDelayMS <= 0 {
		return fmt.Errorf("session.ready_delay_ms must be > 0")
	}

	for facet, fc := range c.Facets {
		if facet == 0 || facet > 48 {
			return fmt.Errorf("facets: facet id must be 1-48, got %d", facet)
		}
		if fc.PomodoroMinutes < 0 {
			return fmt.Errorf("facets[%d].pomodoro_minutes must be >= 0", facet)
		}
		if fc.Color != "" && !colorPattern.MatchString(fc.Color) {
			return fmt.Errorf("facets[%d].color must be \"#RRGGBB\", got %q", facet, fc.Color)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty when mqtt is enabled")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

// RGB parses the facet color into the 16-bit channel values the device
// expects. Returns false when no color is configured.
func (fc FacetConfig) RGB() (r, g, b uint16, ok bool) {
	if !colorPattern.MatchString(fc.Color) {
		return 0, 0, 0, false
	}
	parse := func(s string) uint16 {
		v, _ := strconv.ParseUint(s, 16, 8)
		return uint16(v) * 0x101 // scale 8-bit to full 16-bit range
	}
	return parse(fc.Color[1:3]), parse(fc.Color[3:5]), parse(fc.Color[5:7]), true
}

// FacetName returns the configured name for a facet, or a numeric
// fallback.
func (c *Config) FacetName(facet uint8) string {
	if fc, ok := c.Facets[facet]; ok && fc.Name != "" {
		return fc.Name
	}
	return fmt.Sprintf("facet-%d", facet)
}
