// Package config loads the cronctl configuration file.
//
// The file is optional. When no path is given, the default location under the
// user configuration directory is used if it exists; command line flags take
// precedence over anything loaded here.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the cronctl configuration.
type Config struct {
	// Server is the base URL of the cron manager.
	Server string `yaml:"server"`

	// TLS configures HTTPS connections to the cron manager.
	TLS TLSConfig `yaml:"tls"`

	// Timeout bounds non-streaming requests.
	Timeout time.Duration `yaml:"timeout"`

	// IdleTimeout fails a trigger stream that delivers no event for this
	// long. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RefreshInterval is the polling interval of the job list.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Concurrency bounds log fetches for the all-jobs view.
	Concurrency int `yaml:"concurrency"`

	// LogType is the default log type: stdout, stderr or both.
	LogType string `yaml:"log_type"`

	// NoColor disables styled output.
	NoColor bool `yaml:"no_color"`
}

// TLSConfig holds paths to TLS material.
type TLSConfig struct {
	CACert     string `yaml:"ca_cert"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	ServerName string `yaml:"server_name"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server:          "http://localhost:8080",
		Timeout:         30 * time.Second,
		IdleTimeout:     5 * time.Minute,
		RefreshInterval: 5 * time.Second,
		Concurrency:     8,
		LogType:         "both",
	}
}

// DefaultPath returns the default location of the configuration file.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config directory: %w", err)
	}

	return filepath.Join(dir, "cronctl", "config.yaml"), nil
}

// Load loads the configuration file at path over the defaults. An empty path
// loads the default location, which is allowed not to exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""

	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, nil
		}

		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}

		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config '%s': %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config '%s': %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server must be an http or https URL: got '%s'", c.Server)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: got '%s'", c.Timeout)
	}

	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative: got '%s'", c.IdleTimeout)
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive: got '%s'", c.RefreshInterval)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1: got '%d'", c.Concurrency)
	}

	switch c.LogType {
	case "stdout", "stderr", "err", "both":
	default:
		return fmt.Errorf("log_type must be stdout, stderr or both: got '%s'", c.LogType)
	}

	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("tls cert and key must be set together")
	}

	return nil
}
