// Package config provides configuration loading, validation, and management
// for the imageforge service.
//
// A single global Config instance is maintained in memory, protected by a
// mutex. Get() returns the config BY VALUE (copy, not reference) to prevent
// external mutation. Load() is called once at startup and validates before
// installing; invalid configs are rejected to keep the running system
// consistent.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"imageforge/pkg/logx"
)

// Provider name constants for the built-in adapters.
const (
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
)

// Default tunables. The admin surface documents these as configurable; the
// values here apply when the config file leaves them unset.
const (
	DefaultMaxQueueDepth    = 100
	DefaultWarnQueueDepth   = 75
	DefaultDedupWindow      = 5 * time.Second
	DefaultAgeWarn          = 30 * time.Second
	DefaultRetention        = 5 * time.Minute
	DefaultMaxAttempts      = 3
	DefaultInitialBackoff   = 100 * time.Millisecond
	DefaultMaxBackoff       = 10 * time.Second
	DefaultBackoffFactor    = 2.0
	DefaultRequestTimeout   = 60 * time.Second
	DefaultMaxConcurrency   = 2
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultCooldown         = 30 * time.Second
	DefaultMaxPromptTokens  = 1000
	DefaultListenHost       = "0.0.0.0"
	DefaultListenPort       = 8090
	DefaultDatabasePath     = "imageforge.db"
)

// QueueConfig holds admission and queue-shape tunables.
type QueueConfig struct {
	MaxDepth        int      `yaml:"max_depth"`
	WarnDepth       int      `yaml:"warn_depth"`
	DedupWindow     Duration `yaml:"dedup_window"`
	AgeWarn         Duration `yaml:"age_warn"`
	Retention       Duration `yaml:"retention"`
	MaxPromptTokens int      `yaml:"max_prompt_tokens"`
}

// RetryConfig holds the backoff schedule for retryable dispatch failures.
type RetryConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
	Jitter        bool     `yaml:"jitter"`
}

// CircuitConfig holds per-provider circuit breaker thresholds.
type CircuitConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// ProviderConfig describes one external image provider.
type ProviderConfig struct {
	Name           string        `yaml:"name"`
	Model          string        `yaml:"model"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	RequestTimeout Duration      `yaml:"request_timeout"`
	Circuit        CircuitConfig `yaml:"circuit"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the root configuration for the service.
type Config struct {
	Queue     QueueConfig      `yaml:"queue"`
	Retry     RetryConfig      `yaml:"retry"`
	Providers []ProviderConfig `yaml:"providers"`
	Server    ServerConfig     `yaml:"server"`
	Database  string           `yaml:"database"`
}

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	current *Config
	mu      sync.RWMutex
	logger  *logx.Logger
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// Default returns a config populated entirely from defaults, with the two
// built-in providers enabled.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			MaxDepth:        DefaultMaxQueueDepth,
			WarnDepth:       DefaultWarnQueueDepth,
			DedupWindow:     Duration(DefaultDedupWindow),
			AgeWarn:         Duration(DefaultAgeWarn),
			Retention:       Duration(DefaultRetention),
			MaxPromptTokens: DefaultMaxPromptTokens,
		},
		Retry: RetryConfig{
			MaxAttempts:   DefaultMaxAttempts,
			InitialDelay:  Duration(DefaultInitialBackoff),
			MaxDelay:      Duration(DefaultMaxBackoff),
			BackoffFactor: DefaultBackoffFactor,
			Jitter:        true,
		},
		Providers: []ProviderConfig{
			{
				Name:           ProviderOpenAI,
				Model:          "gpt-image-1",
				MaxConcurrency: DefaultMaxConcurrency,
				RequestTimeout: Duration(DefaultRequestTimeout),
				Circuit: CircuitConfig{
					FailureThreshold: DefaultFailureThreshold,
					SuccessThreshold: DefaultSuccessThreshold,
					Cooldown:         Duration(DefaultCooldown),
				},
			},
			{
				Name:           ProviderGoogle,
				Model:          "imagen-3.0-generate-002",
				MaxConcurrency: DefaultMaxConcurrency,
				RequestTimeout: Duration(DefaultRequestTimeout),
				Circuit: CircuitConfig{
					FailureThreshold: DefaultFailureThreshold,
					SuccessThreshold: DefaultSuccessThreshold,
					Cooldown:         Duration(DefaultCooldown),
				},
			},
		},
		Server: ServerConfig{
			Host: DefaultListenHost,
			Port: DefaultListenPort,
		},
		Database: DefaultDatabasePath,
	}
}

// applyDefaults fills zero-valued fields with defaults.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Queue.MaxDepth == 0 {
		cfg.Queue.MaxDepth = def.Queue.MaxDepth
	}
	if cfg.Queue.WarnDepth == 0 {
		cfg.Queue.WarnDepth = def.Queue.WarnDepth
	}
	if cfg.Queue.DedupWindow == 0 {
		cfg.Queue.DedupWindow = def.Queue.DedupWindow
	}
	if cfg.Queue.AgeWarn == 0 {
		cfg.Queue.AgeWarn = def.Queue.AgeWarn
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = def.Queue.Retention
	}
	if cfg.Queue.MaxPromptTokens == 0 {
		cfg.Queue.MaxPromptTokens = def.Queue.MaxPromptTokens
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = def.Retry.BackoffFactor
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = def.Providers
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.MaxConcurrency == 0 {
			p.MaxConcurrency = DefaultMaxConcurrency
		}
		if p.RequestTimeout == 0 {
			p.RequestTimeout = Duration(DefaultRequestTimeout)
		}
		if p.Circuit.FailureThreshold == 0 {
			p.Circuit.FailureThreshold = DefaultFailureThreshold
		}
		if p.Circuit.SuccessThreshold == 0 {
			p.Circuit.SuccessThreshold = DefaultSuccessThreshold
		}
		if p.Circuit.Cooldown == 0 {
			p.Circuit.Cooldown = Duration(DefaultCooldown)
		}
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Database == "" {
		cfg.Database = def.Database
	}
}

// Validate checks internal consistency of a config.
func Validate(cfg *Config) error {
	if cfg.Queue.MaxDepth <= 0 {
		return fmt.Errorf("queue.max_depth must be positive, got %d", cfg.Queue.MaxDepth)
	}
	if cfg.Queue.WarnDepth <= 0 || cfg.Queue.WarnDepth > cfg.Queue.MaxDepth {
		return fmt.Errorf("queue.warn_depth must be in (0, %d], got %d", cfg.Queue.MaxDepth, cfg.Queue.WarnDepth)
	}
	if cfg.Queue.DedupWindow < 0 {
		return fmt.Errorf("queue.dedup_window must not be negative")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BackoffFactor < 1.0 {
		return fmt.Errorf("retry.backoff_factor must be >= 1.0, got %g", cfg.Retry.BackoffFactor)
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.MaxConcurrency <= 0 {
			return fmt.Errorf("provider %q: max_concurrency must be positive, got %d", p.Name, p.MaxConcurrency)
		}
		if p.Circuit.FailureThreshold <= 0 {
			return fmt.Errorf("provider %q: circuit.failure_threshold must be positive", p.Name)
		}
		if p.Circuit.SuccessThreshold <= 0 {
			return fmt.Errorf("provider %q: circuit.success_threshold must be positive", p.Name)
		}
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	return nil
}

// Load reads the YAML config file at path, applies defaults, validates and
// installs it as the global config. An empty path installs the defaults.
func Load(path string) error {
	cfg := Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	current = &cfg
	mu.Unlock()

	getLogger().Info("Configuration loaded (%d providers, queue depth %d)",
		len(cfg.Providers), cfg.Queue.MaxDepth)
	return nil
}

// Get returns a copy of the current config. Load must have been called.
func Get() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()

	if current == nil {
		return Config{}, fmt.Errorf("config not loaded")
	}
	return *current, nil
}

// MustGet returns the current config or panics. Intended for wiring code
// that runs strictly after Load.
func MustGet() Config {
	cfg, err := Get()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Provider returns the configuration for a named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return c.Providers[i], true
		}
	}
	return ProviderConfig{}, false
}

// ProviderNames returns the configured provider names in declaration order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for i := range c.Providers {
		names = append(names, c.Providers[i].Name)
	}
	return names
}
