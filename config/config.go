// Package config loads daemon settings: defaults, then an optional YAML file,
// then SCRAPEFLOW_* environment overrides.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Log      LogConfig     `yaml:"log"`
	Database string        `yaml:"database" env:"SCRAPEFLOW_DATABASE, overwrite"`
	Output   string        `yaml:"output_root" env:"SCRAPEFLOW_OUTPUT_ROOT, overwrite"`
	Browser  BrowserConfig `yaml:"browser"`
	GRPC     GRPCConfig    `yaml:"grpc"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Remote   RemoteConfig  `yaml:"remote"`
	Update   UpdateConfig  `yaml:"update"`
	// Parallelism bounds concurrent runs started by the daemon.
	Parallelism int `yaml:"parallelism" env:"SCRAPEFLOW_PARALLELISM, overwrite"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"SCRAPEFLOW_LOG_LEVEL, overwrite"`
	Format string `yaml:"format" env:"SCRAPEFLOW_LOG_FORMAT, overwrite"`
}

type BrowserConfig struct {
	ExecPath       string        `yaml:"exec_path" env:"SCRAPEFLOW_CHROME_PATH, overwrite"`
	ForceHeadless  bool          `yaml:"force_headless" env:"SCRAPEFLOW_FORCE_HEADLESS, overwrite"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"SCRAPEFLOW_DEFAULT_TIMEOUT, overwrite"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"SCRAPEFLOW_POLL_INTERVAL, overwrite"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr" env:"SCRAPEFLOW_GRPC_ADDR, overwrite"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"SCRAPEFLOW_METRICS_ADDR, overwrite"`
}

// RemoteConfig configures the websocket control channel. It is disabled when URL is empty.
type RemoteConfig struct {
	URL          string   `yaml:"url" env:"SCRAPEFLOW_REMOTE_URL, overwrite"`
	APIKey       string   `yaml:"api_key" env:"SCRAPEFLOW_REMOTE_API_KEY, overwrite"`
	Name         string   `yaml:"name" env:"SCRAPEFLOW_REMOTE_NAME, overwrite"`
	Capabilities []string `yaml:"capabilities" env:"SCRAPEFLOW_REMOTE_CAPABILITIES, overwrite"`
}

type UpdateConfig struct {
	Enabled  bool          `yaml:"enabled" env:"SCRAPEFLOW_AUTO_UPDATE, overwrite"`
	Interval time.Duration `yaml:"interval" env:"SCRAPEFLOW_UPDATE_INTERVAL, overwrite"`
	Owner    string        `yaml:"owner" env:"SCRAPEFLOW_UPDATE_OWNER, overwrite"`
	Repo     string        `yaml:"repo" env:"SCRAPEFLOW_UPDATE_REPO, overwrite"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info", Format: "console"},
		Database: "scrapeflow.db",
		Output:   ".",
		Browser: BrowserConfig{
			DefaultTimeout: 10 * time.Second,
			PollInterval:   250 * time.Millisecond,
		},
		GRPC:    GRPCConfig{Addr: "127.0.0.1:50051"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Remote: RemoteConfig{
			Name:         "scrapeflow",
			Capabilities: []string{"run"},
		},
		Update: UpdateConfig{
			Interval: time.Hour,
			Owner:    "scrape-flow",
			Repo:     "scrapeflow",
		},
		Parallelism: 2,
	}
}

// Load reads path when non-empty and applies environment overrides.
func Load(ctx context.Context, path string) (Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks values that would otherwise fail later and less clearly.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Browser.DefaultTimeout <= 0 {
		return fmt.Errorf("browser.default_timeout must be positive")
	}
	if c.Browser.PollInterval <= 0 {
		return fmt.Errorf("browser.poll_interval must be positive")
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1")
	}
	if c.Remote.URL != "" && c.Remote.APIKey == "" {
		return fmt.Errorf("remote.api_key is required when remote.url is set")
	}
	if c.Update.Enabled && c.Update.Interval < time.Minute {
		return fmt.Errorf("update.interval must be at least 1m")
	}
	return nil
}
