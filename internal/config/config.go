// Package config holds all tunesmith configuration, loaded from a YAML file
// with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunesmith configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Text-completion collaborator
	LLM LLMConfig `yaml:"llm"`

	// Knowledge store
	Store StoreConfig `yaml:"store"`

	// Per-session recommendation memory
	Memory MemoryConfig `yaml:"memory"`

	// Async task dispatcher
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Outbound callback relay
	Delivery DeliveryConfig `yaml:"delivery"`

	// Interaction log (admin surface)
	Log LogConfig `yaml:"log"`

	// HTTP server
	Server ServerConfig `yaml:"server"`
}

// StoreConfig configures the knowledge store.
type StoreConfig struct {
	// Path to the JSON song catalog. Loaded fully at startup,
	// rewritten atomically on each append.
	DataPath string `yaml:"data_path"`

	// Minimum similarity score for a lookup hit.
	MatchThreshold float64 `yaml:"match_threshold"`

	// Maximum songs returned per lookup.
	LookupLimit int `yaml:"lookup_limit"`
}

// MemoryConfig configures the per-session dedup window.
type MemoryConfig struct {
	// WindowSize is the number of delivered song identities remembered
	// per session. Oldest entries are evicted FIFO.
	WindowSize int `yaml:"window_size"`

	// IdleTTL resets a session's dedup window after this much inactivity.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// DeliveryConfig configures the outbound callback relay.
type DeliveryConfig struct {
	RelayURL   string        `yaml:"relay_url"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LogConfig configures the SQLite interaction log.
type LogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "tunesmith",
		Version: "0.1.0",
		LLM: LLMConfig{
			Provider:   "qwen",
			Model:      "",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Store: StoreConfig{
			DataPath:       "music_data.json",
			MatchThreshold: 0.25,
			LookupLimit:    10,
		},
		Memory: MemoryConfig{
			WindowSize: 50,
			IdleTTL:    10 * time.Minute,
		},
		Dispatcher: DispatcherConfig{
			Workers:      4,
			QueueDepth:   64,
			TaskDeadline: 90 * time.Second,
			AckText:      "Working on your recommendation...",
			RecentTasks:  50,
		},
		Delivery: DeliveryConfig{
			MaxRetries: 3,
			Backoff:    time.Second,
			Timeout:    10 * time.Second,
		},
		Log: LogConfig{
			Enabled: true,
			Path:    "tunesmith.db",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads configuration from a YAML file, starting from defaults.
// Environment overrides are applied after the file is parsed.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.Store.DataPath == "" {
		return fmt.Errorf("store.data_path is required")
	}
	if c.Store.MatchThreshold < 0 || c.Store.MatchThreshold > 1 {
		return fmt.Errorf("store.match_threshold must be in [0,1], got %v", c.Store.MatchThreshold)
	}
	if c.Memory.WindowSize <= 0 {
		return fmt.Errorf("memory.window_size must be positive, got %d", c.Memory.WindowSize)
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive, got %d", c.Dispatcher.Workers)
	}
	if c.Dispatcher.QueueDepth <= 0 {
		return fmt.Errorf("dispatcher.queue_depth must be positive, got %d", c.Dispatcher.QueueDepth)
	}
	if c.Dispatcher.TaskDeadline <= 0 {
		return fmt.Errorf("dispatcher.task_deadline must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must be >= 0, got %d", c.Delivery.MaxRetries)
	}
	return nil
}
