package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/mxd/internal/dedup"
	"github.com/matheus3301/mxd/internal/guard"
	"github.com/matheus3301/mxd/internal/retry"
)

// Config represents the global ~/.mxd/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	Matrix         MatrixConfig   `toml:"matrix"`
	Pipeline       PipelineConfig `toml:"pipeline"`
	Guard          guard.Config   `toml:"guard"`
}

// MatrixConfig holds the homeserver login. The access token is used as is;
// mxd never performs a password login.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
}

// PipelineConfig tunes the reliability pipeline. Durations are strings such
// as "2s" or "1m". max_retries = 0 turns automatic retries off; failed sends
// then wait in the retry queue for a manual retry.
type PipelineConfig struct {
	MaxRetries         int    `toml:"max_retries"`
	RetryDelay         string `toml:"retry_delay"`
	DedupWindow        string `toml:"dedup_window"`
	MaxProcessedEvents int    `toml:"max_processed_events"`
}

// Pipeline is PipelineConfig with parsed durations.
type Pipeline struct {
	Retry retry.Config
	Dedup dedup.Config
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Pipeline: PipelineConfig{
			MaxRetries:         retry.DefaultMaxRetries,
			RetryDelay:         retry.DefaultBaseDelay.String(),
			DedupWindow:        dedup.DefaultWindow.String(),
			MaxProcessedEvents: dedup.DefaultMaxEntries,
		},
		Guard: guard.DefaultConfig(),
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := cfg.PipelineSettings(); err != nil {
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

// PipelineSettings parses the [pipeline] section. Empty or zero values fall
// back to the component defaults.
func (c *Config) PipelineSettings() (Pipeline, error) {
	retryDelay, err := parseDuration("retry_delay", c.Pipeline.RetryDelay)
	if err != nil {
		return Pipeline{}, err
	}
	window, err := parseDuration("dedup_window", c.Pipeline.DedupWindow)
	if err != nil {
		return Pipeline{}, err
	}
	if c.Pipeline.MaxRetries < 0 {
		return Pipeline{}, fmt.Errorf("pipeline.max_retries must not be negative, got %d", c.Pipeline.MaxRetries)
	}
	return Pipeline{
		Retry: retry.Config{
			MaxRetries: c.Pipeline.MaxRetries,
			BaseDelay:  retryDelay,
			ManualOnly: c.Pipeline.MaxRetries == 0,
		},
		Dedup: dedup.Config{Window: window, MaxEntries: c.Pipeline.MaxProcessedEvents},
	}, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("pipeline.%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("pipeline.%s must not be negative, got %s", key, s)
	}
	return d, nil
}
