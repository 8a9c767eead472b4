// Package config loads service configuration from YAML with sensible
// defaults for a MiniBolt-style lnd deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configurable service parameters. Zero-valued fields fall
// back to defaults at load time.
type Config struct {
	LNDDir     string `yaml:"lnd_dir"`
	Network    string `yaml:"network"`
	RPCAddress string `yaml:"rpc_address"`

	// Explicit credential paths override the ones derived from LNDDir.
	TLSCertPath  string `yaml:"tls_cert_path"`
	MacaroonPath string `yaml:"macaroon_path"`

	DBPath       string `yaml:"db_path"`
	AuditLogPath string `yaml:"audit_log_path"`
	LogLevel     string `yaml:"log_level"`

	StreamRetrySeconds  int `yaml:"stream_retry_seconds"`
	ConnectRetrySeconds int `yaml:"connect_retry_seconds"`
}

// DefaultDir returns the data directory holding the store, config, and logs.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "chanisolator")
	}
	return filepath.Join(home, ".chanisolator")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		LNDDir:              "/data/lnd",
		Network:             "mainnet",
		RPCAddress:          "localhost:10009",
		DBPath:              filepath.Join(DefaultDir(), "chanisolator.db"),
		LogLevel:            "info",
		StreamRetrySeconds:  5,
		ConnectRetrySeconds: 30,
	}
}

// Load reads configuration from a YAML file. Empty path falls back to
// <DefaultDir>/config.yaml. Missing file returns defaults. Invalid YAML
// returns an error. Fields left unset in the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(DefaultDir(), "config.yaml")
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	return cfg, nil
}

// TLSCert returns the TLS certificate path, derived from LNDDir unless
// overridden.
func (c *Config) TLSCert() string {
	if c.TLSCertPath != "" {
		return c.TLSCertPath
	}
	return filepath.Join(c.LNDDir, "tls.cert")
}

// Macaroon returns the admin macaroon path for the configured network,
// derived from LNDDir unless overridden.
func (c *Config) Macaroon() string {
	if c.MacaroonPath != "" {
		return c.MacaroonPath
	}
	return filepath.Join(c.LNDDir, "data", "chain", "bitcoin", c.Network, "admin.macaroon")
}

// StreamRetry returns the delay after a failed session.
func (c *Config) StreamRetry() time.Duration {
	return time.Duration(c.StreamRetrySeconds) * time.Second
}

// ConnectRetry returns the delay after a failed connection attempt.
func (c *Config) ConnectRetry() time.Duration {
	return time.Duration(c.ConnectRetrySeconds) * time.Second
}
