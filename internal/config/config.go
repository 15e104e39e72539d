// Package config holds the runtime configuration shared by all components
// and the data-directory path layout.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults mirrored by the CLI flag definitions.
const (
	DefaultDataDir         = "/opt/icloud-photos-library"
	DefaultPort            = 80
	DefaultDownloadThreads = 16
	DefaultMaxRetries      = 2
	DefaultLogLevel        = "info"
	DefaultRequestTimeout  = 60 * time.Second
)

// Config is the merged runtime configuration. Precedence is CLI flag over
// environment variable over config file; the CLI layer resolves flags and
// env, LoadFile fills anything still zero. Fields whose CLI flag carries a
// default are already set when LoadFile runs, so the file does not change them.
type Config struct {
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	TrustToken string `toml:"trust_token"`

	DataDir string `toml:"data_dir"`
	Port    int    `toml:"port"`

	Force        bool `toml:"force"`
	RefreshToken bool `toml:"refresh_token"`
	FailOnMFA    bool `toml:"fail_on_mfa"`

	DownloadThreads int    `toml:"download_threads"`
	MaxRetries      int    `toml:"max_retries"`
	Schedule        string `toml:"schedule"`
	LogLevel        string `toml:"log_level"`

	EnableCrashReporting bool `toml:"enable_crash_reporting"`

	RequestTimeout time.Duration `toml:"-"`
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DownloadThreads == 0 {
		c.DownloadThreads = DefaultDownloadThreads
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Validate rejects configurations no command can run with.
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required (-u or APPLE_ID_USER)")
	}
	if c.DownloadThreads < 1 {
		return fmt.Errorf("download-threads must be at least 1")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	return nil
}

// LoadFile merges a TOML config file into c. Only fields still at their zero
// value are taken from the file, preserving flag/env precedence.
func (c *Config) LoadFile(path string) error {
	var file Config
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	mergeString(&c.Username, file.Username)
	mergeString(&c.Password, file.Password)
	mergeString(&c.TrustToken, file.TrustToken)
	mergeString(&c.DataDir, file.DataDir)
	mergeString(&c.Schedule, file.Schedule)
	mergeString(&c.LogLevel, file.LogLevel)
	if c.Port == 0 {
		c.Port = file.Port
	}
	if c.DownloadThreads == 0 {
		c.DownloadThreads = file.DownloadThreads
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = file.MaxRetries
	}
	c.Force = c.Force || file.Force
	c.RefreshToken = c.RefreshToken || file.RefreshToken
	c.FailOnMFA = c.FailOnMFA || file.FailOnMFA
	c.EnableCrashReporting = c.EnableCrashReporting || file.EnableCrashReporting
	return nil
}

func mergeString(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

// EnsureDataDir creates the data directory if missing.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}
