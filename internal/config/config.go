// Package config loads and validates the client's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/docdrift/docdrift/internal/local"
	"github.com/docdrift/docdrift/internal/util"
)

// BackoffConf tunes stream reconnect delays.
type BackoffConf struct {
	InitialDelayMS int     `json:"initialDelayMs,omitempty"`
	MaxDelayMS     int     `json:"maxDelayMs,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty"`
	JitterFactor   float64 `json:"jitterFactor,omitempty"`
}

// GCConf tunes cache garbage collection. CacheSizeBytes -1 disables
// collection entirely.
type GCConf struct {
	CacheSizeBytes     *int64 `json:"cacheSizeBytes,omitempty"`
	Percentile         int    `json:"percentile,omitempty"`
	MaxSequenceNumbers int    `json:"maxSequenceNumbers,omitempty"`
	IntervalSeconds    int    `json:"intervalSeconds,omitempty"`
}

// Config is the full configuration for one client.
type Config struct {
	// DatabasePath is the backend resource prefix, e.g.
	// "projects/demo/databases/main".
	DatabasePath string `json:"databasePath"`
	// WatchURL and WriteURL are the backend's websocket stream endpoints.
	WatchURL string `json:"watchUrl"`
	WriteURL string `json:"writeUrl"`
	// Token is the bearer credential attached to stream opens.
	Token string `json:"token,omitempty"`

	// DBPath is the bolt database file; empty selects an in-memory cache.
	DBPath string `json:"dbPath,omitempty"`

	ReadCacheSize      int         `json:"readCacheSize,omitempty"`
	MaxConcurrentLimbo int         `json:"maxConcurrentLimbo,omitempty"`
	Backoff            BackoffConf `json:"backoff,omitempty"`
	GC                 GCConf      `json:"gc,omitempty"`
}

// Load reads, validates and defaults a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("no databasePath configured")
	}
	if c.WatchURL == "" {
		return fmt.Errorf("no watchUrl configured")
	}
	if c.WriteURL == "" {
		return fmt.Errorf("no writeUrl configured")
	}
	if c.GC.Percentile < 0 || c.GC.Percentile > 100 {
		return fmt.Errorf("gc percentile %d out of range", c.GC.Percentile)
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier %v must be at least 1", c.Backoff.Multiplier)
	}
	return nil
}

// BackoffConfig resolves the backoff settings with defaults applied.
func (c *Config) BackoffConfig() util.BackoffConfig {
	out := util.DefaultBackoffConfig()
	if c.Backoff.InitialDelayMS > 0 {
		out.InitialDelay = time.Duration(c.Backoff.InitialDelayMS) * time.Millisecond
	}
	if c.Backoff.MaxDelayMS > 0 {
		out.MaxDelay = time.Duration(c.Backoff.MaxDelayMS) * time.Millisecond
	}
	if c.Backoff.Multiplier > 0 {
		out.Multiplier = c.Backoff.Multiplier
	}
	if c.Backoff.JitterFactor > 0 {
		out.JitterFactor = c.Backoff.JitterFactor
	}
	return out
}

// GCParams resolves the garbage collection settings with defaults applied.
func (c *Config) GCParams() local.GCParams {
	out := local.DefaultGCParams()
	if c.GC.CacheSizeBytes != nil {
		out.MinBytesThreshold = *c.GC.CacheSizeBytes
	}
	if c.GC.Percentile > 0 {
		out.PercentileToCollect = c.GC.Percentile
	}
	if c.GC.MaxSequenceNumbers > 0 {
		out.MaxSequenceNumbersToCollect = c.GC.MaxSequenceNumbers
	}
	return out
}

// GCInterval resolves how often the collection timer fires.
func (c *Config) GCInterval() time.Duration {
	if c.GC.IntervalSeconds > 0 {
		return time.Duration(c.GC.IntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}
