// Package config defines the doctrack daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level doctrack configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Portal   PortalConfig  `json:"portal" yaml:"portal"`
	Tracker  TrackerConfig `json:"tracker" yaml:"tracker"`
	DataDir  string        `json:"data_dir" yaml:"data_dir"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9480"
}

// AuthConfig controls daemon API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// PortalConfig points at the upstream document portal.
type PortalConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Token   string `json:"token" yaml:"token"` // bearer token for portal calls
}

// TrackerConfig tunes the background-task tracker.
type TrackerConfig struct {
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
	SimInterval  Duration `json:"sim_interval" yaml:"sim_interval"`
	SimCeiling   float64  `json:"sim_ceiling" yaml:"sim_ceiling"`
}

// Duration unmarshals from YAML strings like "3s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9480",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Portal: PortalConfig{
			BaseURL: "http://localhost:8000",
		},
		Tracker: TrackerConfig{
			PollInterval: Duration(3 * time.Second),
			SimInterval:  Duration(500 * time.Millisecond),
			SimCeiling:   90,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
