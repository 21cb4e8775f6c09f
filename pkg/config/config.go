// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ForwarderConfig configures the transparent TCP forwarder.
type ForwarderConfig struct {
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
	LocalPort  int    `yaml:"local_port"`
}

// Config is the full engine configuration.
type Config struct {
	// ProxyType selects the request parser: "socks5" or "http".
	ProxyType string `yaml:"proxy_type"`

	// TCPPort is the proxy listener port.
	TCPPort int `yaml:"tcp_port"`

	// UDPPort is the SOCKS5 UDP relay port. Zero derives tcp_port+1.
	UDPPort int `yaml:"udp_port"`

	// StatusListen is the optional status API address (e.g.
	// "127.0.0.1:7979"). Empty disables the status server.
	StatusListen string `yaml:"status_listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Forwarder ForwarderConfig `yaml:"forwarder"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ProxyType: "socks5",
		TCPPort:   4884,
		LogLevel:  "info",
		Forwarder: ForwarderConfig{
			RemotePort: 1194,
			LocalPort:  51821,
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, repairing out-of-range values
// where a sane default exists.
func (c *Config) Validate() error {
	switch c.ProxyType {
	case "socks5", "http":
	case "":
		c.ProxyType = "socks5"
	default:
		return fmt.Errorf("invalid proxy_type %q", c.ProxyType)
	}

	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		c.TCPPort = 4884
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		c.UDPPort = 0
	}

	if c.Forwarder.RemotePort <= 0 || c.Forwarder.RemotePort > 65535 {
		c.Forwarder.RemotePort = 1194
	}
	if c.Forwarder.LocalPort <= 0 || c.Forwarder.LocalPort > 65535 {
		c.Forwarder.LocalPort = 51821
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}

	return nil
}
