package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	require.NoError(t, Load(""))

	cfg, err := Get()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxQueueDepth, cfg.Queue.MaxDepth)
	assert.Equal(t, Duration(DefaultDedupWindow), cfg.Queue.DedupWindow)
	assert.Equal(t, DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Len(t, cfg.Providers, 2)
	assert.Equal(t, DefaultListenPort, cfg.Server.Port)
	assert.Equal(t, DefaultDatabasePath, cfg.Database)
}

func TestLoad_YAMLWithDurationStrings(t *testing.T) {
	path := writeConfigFile(t, `
queue:
  max_depth: 50
  warn_depth: 40
  dedup_window: 10s
  age_warn: 1m
retry:
  max_attempts: 5
  initial_delay: 250ms
providers:
  - name: openai
    model: gpt-image-1
    max_concurrency: 4
    request_timeout: 30s
server:
  port: 9000
`)
	require.NoError(t, Load(path))

	cfg, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Queue.MaxDepth)
	assert.Equal(t, 10*time.Second, cfg.Queue.DedupWindow.D())
	assert.Equal(t, time.Minute, cfg.Queue.AgeWarn.D())
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay.D())
	assert.Equal(t, 9000, cfg.Server.Port)

	require.Len(t, cfg.Providers, 1)
	p := cfg.Providers[0]
	assert.Equal(t, 4, p.MaxConcurrency)
	assert.Equal(t, 30*time.Second, p.RequestTimeout.D())

	// Unset fields got defaults.
	assert.Equal(t, DefaultFailureThreshold, p.Circuit.FailureThreshold)
	assert.Equal(t, Duration(DefaultRetention), cfg.Queue.Retention)
}

func TestLoad_MissingFile(t *testing.T) {
	err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "queue: [not a map")
	err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	// warn_depth above max_depth fails validation and must not be installed.
	path := writeConfigFile(t, `
queue:
  max_depth: 10
  warn_depth: 20
`)
	err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warn_depth")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"zero max depth", func(c *Config) { c.Queue.MaxDepth = -1 }, "max_depth"},
		{"backoff below one", func(c *Config) { c.Retry.BackoffFactor = 0.5 }, "backoff_factor"},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"duplicate provider", func(c *Config) {
			c.Providers = append(c.Providers, c.Providers[0])
		}, "duplicate provider"},
		{"unnamed provider", func(c *Config) { c.Providers[0].Name = "" }, "no name"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := Validate(&cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestConfig_ProviderLookup(t *testing.T) {
	cfg := Default()

	p, ok := cfg.Provider(ProviderOpenAI)
	require.True(t, ok)
	assert.Equal(t, ProviderOpenAI, p.Name)

	_, ok = cfg.Provider("midjourney")
	assert.False(t, ok)

	assert.Equal(t, []string{ProviderOpenAI, ProviderGoogle}, cfg.ProviderNames())
}

func TestGet_ReturnsCopy(t *testing.T) {
	require.NoError(t, Load(""))

	cfg, err := Get()
	require.NoError(t, err)
	cfg.Queue.MaxDepth = 1

	again, err := Get()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxQueueDepth, again.Queue.MaxDepth, "Get must hand out copies")
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", out)
}
