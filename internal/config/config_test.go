package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Fatalf("Workers = %d, want default 4", cfg.Dispatcher.Workers)
	}
	if cfg.Memory.WindowSize != 50 {
		t.Fatalf("WindowSize = %d, want default 50", cfg.Memory.WindowSize)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
llm:
  provider: openai
  model: gpt-4o-mini
dispatcher:
  workers: 8
  task_deadline: 45s
memory:
  window_size: 10
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("LLM = %+v", cfg.LLM)
	}
	if cfg.Dispatcher.Workers != 8 {
		t.Fatalf("Workers = %d, want 8", cfg.Dispatcher.Workers)
	}
	if cfg.Dispatcher.TaskDeadline != 45*time.Second {
		t.Fatalf("TaskDeadline = %v, want 45s", cfg.Dispatcher.TaskDeadline)
	}
	// Untouched sections keep defaults.
	if cfg.Delivery.MaxRetries != 3 {
		t.Fatalf("Delivery.MaxRetries = %d, want 3", cfg.Delivery.MaxRetries)
	}
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("QWEN_API_KEY", "sk-from-env")
	t.Setenv("TUNESMITH_ADDR", ":9999")

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-from-file"
	cfg.ApplyEnvOverrides()

	if cfg.LLM.APIKey != "sk-from-env" {
		t.Fatalf("APIKey = %q, env must win for secrets", cfg.LLM.APIKey)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("Addr = %q, want :9999", cfg.Server.Addr)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no provider", func(c *Config) { c.LLM.Provider = "" }},
		{"zero workers", func(c *Config) { c.Dispatcher.Workers = 0 }},
		{"zero queue", func(c *Config) { c.Dispatcher.QueueDepth = 0 }},
		{"zero window", func(c *Config) { c.Memory.WindowSize = 0 }},
		{"bad threshold", func(c *Config) { c.Store.MatchThreshold = 1.5 }},
		{"negative retries", func(c *Config) { c.Delivery.MaxRetries = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
		})
	}
}
