package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.skiff/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Remote RemoteConfig `toml:"remote"`
	Sync   SyncConfig   `toml:"sync"`
	Net    NetConfig    `toml:"net"`
}

// RemoteConfig describes the remote sync endpoint.
type RemoteConfig struct {
	BaseURL   string  `toml:"base_url"`
	AuthToken string  `toml:"auth_token"`
	TimeoutS  int     `toml:"timeout_s"`
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// SyncConfig tunes the queue drain and pull reconciliation loops.
type SyncConfig struct {
	BatchSize      int `toml:"batch_size"`
	Workers        int `toml:"workers"`
	BackoffBaseMS  int `toml:"backoff_base_ms"`
	BackoffCap     int `toml:"backoff_cap"`
	MaxRetries     int `toml:"max_retries"`
	DrainIntervalS int `toml:"drain_interval_s"`
	PullIntervalS  int `toml:"pull_interval_s"`
	ActionGraceMS  int `toml:"action_grace_ms"`
}

// NetConfig tunes the connectivity monitor.
type NetConfig struct {
	ProbeIntervalS int `toml:"probe_interval_s"`
	ProbeTimeoutS  int `toml:"probe_timeout_s"`
	LimitedRTTMS   int `toml:"limited_rtt_ms"`
}

// Default returns a config populated with engine defaults.
func Default() *Config {
	cfg := &Config{DefaultSession: "default"}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Remote.TimeoutS <= 0 {
		c.Remote.TimeoutS = 10
	}
	if c.Remote.RateLimit <= 0 {
		c.Remote.RateLimit = 20
	}
	if c.Remote.RateBurst <= 0 {
		c.Remote.RateBurst = 40
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.BackoffBaseMS <= 0 {
		c.Sync.BackoffBaseMS = 1000
	}
	if c.Sync.BackoffCap <= 0 {
		c.Sync.BackoffCap = 6
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = 10
	}
	if c.Sync.DrainIntervalS <= 0 {
		c.Sync.DrainIntervalS = 30
	}
	if c.Sync.PullIntervalS <= 0 {
		c.Sync.PullIntervalS = 300
	}
	if c.Sync.ActionGraceMS <= 0 {
		c.Sync.ActionGraceMS = 2000
	}
	if c.Net.ProbeIntervalS <= 0 {
		c.Net.ProbeIntervalS = 30
	}
	if c.Net.ProbeTimeoutS <= 0 {
		c.Net.ProbeTimeoutS = 5
	}
	if c.Net.LimitedRTTMS <= 0 {
		c.Net.LimitedRTTMS = 1500
	}
}

// Validate checks fields that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid remote.base_url %q", c.Remote.BaseURL)
		}
	}
	return nil
}

// Timeout returns the per-call remote timeout.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutS) * time.Second
}

// BackoffBase returns the first retry delay.
func (s SyncConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMS) * time.Millisecond
}

// DrainInterval returns the idle re-drain period.
func (s SyncConfig) DrainInterval() time.Duration {
	return time.Duration(s.DrainIntervalS) * time.Second
}

// PullInterval returns the reconciliation period.
func (s SyncConfig) PullInterval() time.Duration {
	return time.Duration(s.PullIntervalS) * time.Second
}

// ActionGrace returns how long completed optimistic actions linger.
func (s SyncConfig) ActionGrace() time.Duration {
	return time.Duration(s.ActionGraceMS) * time.Millisecond
}

// ProbeInterval returns the connectivity probe period.
func (n NetConfig) ProbeInterval() time.Duration {
	return time.Duration(n.ProbeIntervalS) * time.Second
}

// ProbeTimeout returns the per-probe deadline.
func (n NetConfig) ProbeTimeout() time.Duration {
	return time.Duration(n.ProbeTimeoutS) * time.Second
}

// LimitedRTT returns the round-trip threshold above which a reachable
// link is classified as limited.
func (n NetConfig) LimitedRTT() time.Duration {
	return time.Duration(n.LimitedRTTMS) * time.Millisecond
}

// Load reads config from the given path, filling defaults for absent fields.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path, returning defaults if it is missing.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
