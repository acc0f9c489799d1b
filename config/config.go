// Package config loads and validates the daemon configuration from a YAML
// file, applying secure defaults for anything not set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Server struct {
		Listen              string `yaml:"listen"`
		RootDir             string `yaml:"root_dir"`
		PublicHost          string `yaml:"public_host,omitempty"`
		MaxIdleTime         string `yaml:"max_idle_time"`
		MaxConnections      int    `yaml:"max_connections"`
		MaxConnectionsPerIP int    `yaml:"max_connections_per_ip"`
	} `yaml:"server"`

	Passive struct {
		PortLow  int `yaml:"port_low"`
		PortHigh int `yaml:"port_high"`
	} `yaml:"passive"`

	RateLimit struct {
		// Bytes per second; 0 means unlimited for that scope.
		PerConnectionBytesPerSecond int64 `yaml:"per_connection_bytes_per_second"`
		GlobalBytesPerSecond        int64 `yaml:"global_bytes_per_second"`
	} `yaml:"rate_limit"`

	FloodProtection struct {
		// 0 disables flood protection.
		MaxConnectionsPerSource int `yaml:"max_connections_per_source"`
		WindowSeconds           int `yaml:"window_seconds"`
	} `yaml:"flood_protection"`

	Anonymous struct {
		Enabled bool `yaml:"enabled"`
		Write   bool `yaml:"write"`
	} `yaml:"anonymous"`

	Users []UserConfig `yaml:"users,omitempty"`

	LogLevel string `yaml:"log_level"`
}

// UserConfig is one account entry. PasswordHash is a bcrypt hash; the
// ftpd hashpw subcommand produces one.
type UserConfig struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
	HomeDir      string `yaml:"home_dir,omitempty"` // defaults to server.root_dir
	ReadOnly     bool   `yaml:"read_only"`
}

// Default returns the configuration used when no file is given: an
// anonymous read-only server on :2121 serving the current directory.
func Default() *Config {
	c := &Config{}
	c.Server.Listen = ":2121"
	c.Server.RootDir = "."
	c.Server.MaxIdleTime = "5m"
	c.Passive.PortLow = 30000
	c.Passive.PortHigh = 30100
	c.Anonymous.Enabled = true
	c.LogLevel = "info"
	return c
}

// Load reads the YAML file at path on top of the defaults and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Server.RootDir == "" {
		return fmt.Errorf("server.root_dir must not be empty")
	}
	if _, err := c.IdleTimeout(); err != nil {
		return fmt.Errorf("server.max_idle_time: %w", err)
	}

	if c.Passive.PortLow < 1 || c.Passive.PortHigh > 65535 ||
		c.Passive.PortLow > c.Passive.PortHigh {
		return fmt.Errorf("passive: invalid port range [%d, %d]",
			c.Passive.PortLow, c.Passive.PortHigh)
	}

	if c.RateLimit.PerConnectionBytesPerSecond < 0 ||
		c.RateLimit.GlobalBytesPerSecond < 0 {
		return fmt.Errorf("rate_limit: rates must not be negative")
	}

	fp := c.FloodProtection
	if fp.MaxConnectionsPerSource < 0 || fp.WindowSeconds < 0 {
		return fmt.Errorf("flood_protection: values must not be negative")
	}
	if (fp.MaxConnectionsPerSource > 0) != (fp.WindowSeconds > 0) {
		return fmt.Errorf("flood_protection: max_connections_per_source and window_seconds must be set together")
	}

	names := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Name == "" {
			return fmt.Errorf("users[%d]: name must not be empty", i)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("users[%d] (%s): password_hash must not be empty", i, u.Name)
		}
		if names[u.Name] {
			return fmt.Errorf("users: duplicate name %q", u.Name)
		}
		names[u.Name] = true
	}

	if !c.Anonymous.Enabled && len(c.Users) == 0 {
		return fmt.Errorf("no users configured and anonymous access disabled")
	}

	return nil
}

// IdleTimeout parses server.max_idle_time.
func (c *Config) IdleTimeout() (time.Duration, error) {
	if c.Server.MaxIdleTime == "" {
		return 5 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.Server.MaxIdleTime)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}

// FloodWindow returns the flood-protection window as a duration.
func (c *Config) FloodWindow() time.Duration {
	return time.Duration(c.FloodProtection.WindowSeconds) * time.Second
}
