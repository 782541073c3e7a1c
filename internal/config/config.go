// Package config loads perplex settings from ~/.config/perplex/config.yaml
// and the environment. Command-line flags are applied on top by the commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/perplex/internal/backend"
	"github.com/samcharles93/perplex/internal/hub"
)

const (
	DefaultModel        = "gpt2"
	DefaultCacheDir     = "/runpod-volume/huggingface-cache/hub"
	DefaultPollInterval = time.Second
)

type Config struct {
	// Model resolution
	DefaultModel string `yaml:"default_model"`
	CacheDir     string `yaml:"cache_dir"`
	DownloadDir  string `yaml:"download_dir"`
	HubEndpoint  string `yaml:"hub_endpoint"`
	HubToken     string `yaml:"hub_token"`
	Revision     string `yaml:"revision"`

	// Backend
	Backend string `yaml:"backend"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Worker
	ServerAddress  string        `yaml:"server_address"`
	MetricsAddress string        `yaml:"metrics_address"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	JobURL         string        `yaml:"job_url"`
	ResultURL      string        `yaml:"result_url"`
	APIKey         string        `yaml:"-"`
	WorkerID       string        `yaml:"worker_id"`
}

func Default() Config {
	return Config{
		DefaultModel: DefaultModel,
		CacheDir:     DefaultCacheDir,
		Revision:     hub.DefaultRevision,
		Backend:      backend.Auto,
		LogLevel:     "info",
		LogFormat:    "pretty",
		PollInterval: DefaultPollInterval,
	}
}

// Path returns the config file location, or "" when no user config
// directory can be determined.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "perplex", "config.yaml")
}

// Load reads the config file at path over the defaults. A missing file is
// not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// envBindings maps environment variables onto config fields. Later entries
// win, so PERPLEX_* overrides the generic HF_* and RUNPOD_* names.
func (c *Config) envBindings() []struct {
	key string
	dst *string
} {
	return []struct {
		key string
		dst *string
	}{
		{hub.EnvEndpoint, &c.HubEndpoint},
		{hub.EnvToken, &c.HubToken},
		{"RUNPOD_WEBHOOK_GET_JOB", &c.JobURL},
		{"RUNPOD_WEBHOOK_POST_OUTPUT", &c.ResultURL},
		{"RUNPOD_AI_API_KEY", &c.APIKey},
		{"RUNPOD_POD_ID", &c.WorkerID},
		{"PERPLEX_DEFAULT_MODEL", &c.DefaultModel},
		{"PERPLEX_CACHE_DIR", &c.CacheDir},
		{"PERPLEX_DOWNLOAD_DIR", &c.DownloadDir},
		{"PERPLEX_REVISION", &c.Revision},
		{"PERPLEX_BACKEND", &c.Backend},
		{"PERPLEX_LOG_LEVEL", &c.LogLevel},
		{"PERPLEX_LOG_FORMAT", &c.LogFormat},
		{"PERPLEX_ADDR", &c.ServerAddress},
		{"PERPLEX_METRICS_ADDR", &c.MetricsAddress},
	}
}

// ApplyEnv overrides fields from the environment. getenv is usually
// os.Getenv; empty values leave the field untouched.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	for _, b := range c.envBindings() {
		if v := getenv(b.key); v != "" {
			*b.dst = v
		}
	}
	if v := getenv("PERPLEX_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PERPLEX_POLL_INTERVAL: %w", err)
		}
		c.PollInterval = d
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if err := hub.ValidateModelID(c.DefaultModel); err != nil {
		return fmt.Errorf("default_model: %w", err)
	}
	if _, err := backend.Normalize(c.Backend); err != nil {
		return err
	}
	switch c.LogFormat {
	case "pretty", "json", "text":
	default:
		return fmt.Errorf("unknown log_format %q (expected pretty, json, or text)", c.LogFormat)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// Resolve loads the config file, applies the environment and validates.
func Resolve() (Config, error) {
	cfg, err := Load(Path())
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// DownloadCache is where fetched models are written: DownloadDir when set,
// else the hub default (HF_HUB_CACHE, HF_HOME, ~/.cache/huggingface/hub).
func (c *Config) DownloadCache() string {
	if c.DownloadDir != "" {
		return c.DownloadDir
	}
	return hub.DefaultCacheDir()
}
