package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scrapeflow.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnv() envconfig.Lookuper { return envconfig.MapLookuper(map[string]string{}) }

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := load(context.Background(), "", noEnv())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:50051", cfg.GRPC.Addr, "gRPC listens on loopback unless configured")
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
database: /var/lib/scrapeflow/state.db
browser:
  default_timeout: 20s
grpc:
  addr: 127.0.0.1:6000
parallelism: 4
`)
	cfg, err := load(context.Background(), path, noEnv())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/lib/scrapeflow/state.db", cfg.Database)
	assert.Equal(t, 20*time.Second, cfg.Browser.DefaultTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Browser.PollInterval, "untouched keys keep defaults")
	assert.Equal(t, "127.0.0.1:6000", cfg.GRPC.Addr)
	assert.Equal(t, 4, cfg.Parallelism)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "parallelism: 4\nlog:\n  level: debug\n")
	cfg, err := load(context.Background(), path, envconfig.MapLookuper(map[string]string{
		"SCRAPEFLOW_PARALLELISM":         "8",
		"SCRAPEFLOW_LOG_LEVEL":           "warn",
		"SCRAPEFLOW_REMOTE_URL":          "wss://control.example.com/ws",
		"SCRAPEFLOW_REMOTE_API_KEY":      "k",
		"SCRAPEFLOW_REMOTE_CAPABILITIES": "run,extract",
		"SCRAPEFLOW_DEFAULT_TIMEOUT":     "3s",
	}))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Parallelism)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "wss://control.example.com/ws", cfg.Remote.URL)
	assert.Equal(t, []string{"run", "extract"}, cfg.Remote.Capabilities)
	assert.Equal(t, 3*time.Second, cfg.Browser.DefaultTimeout)
}

func TestUnknownKeysRejected(t *testing.T) {
	path := writeFile(t, "paralelism: 3\n")
	_, err := load(context.Background(), path, noEnv())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad format":       func(c *Config) { c.Log.Format = "xml" },
		"zero timeout":     func(c *Config) { c.Browser.DefaultTimeout = 0 },
		"zero poll":        func(c *Config) { c.Browser.PollInterval = 0 },
		"zero parallelism": func(c *Config) { c.Parallelism = 0 },
		"remote no key":    func(c *Config) { c.Remote.URL = "wss://x" },
		"tight updates":    func(c *Config) { c.Update.Enabled = true; c.Update.Interval = time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestMissingFile(t *testing.T) {
	_, err := load(context.Background(), filepath.Join(t.TempDir(), "absent.yml"), noEnv())
	assert.Error(t, err)
}
