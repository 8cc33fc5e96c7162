package config

import (
	"os"
	"time"
)

// LLMConfig configures the text-completion collaborator.
type LLMConfig struct {
	Provider   string        `yaml:"provider"` // qwen, openai, zhipu
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// DispatcherConfig configures the async task dispatcher.
type DispatcherConfig struct {
	// Workers is the size of the background worker pool.
	Workers int `yaml:"workers"`

	// QueueDepth is the hard queue limit. A full queue fails new
	// tasks fast with a busy outcome instead of blocking the ack path.
	QueueDepth int `yaml:"queue_depth"`

	// TaskDeadline bounds the whole pipeline for one task. A task past
	// its deadline is expired: no callback, committed writes kept.
	TaskDeadline time.Duration `yaml:"task_deadline"`

	// AckText is the synchronous acknowledgment returned to the caller.
	AckText string `yaml:"ack_text"`

	// RecentTasks is how many recent task outcomes to retain for the
	// admin surface.
	RecentTasks int `yaml:"recent_tasks"`
}

// envKeys maps providers to the environment variable carrying their API key.
var envKeys = map[string]string{
	"qwen":   "QWEN_API_KEY",
	"openai": "OPENAI_API_KEY",
	"zhipu":  "ZHIPU_API_KEY",
}

// ApplyEnvOverrides fills secrets and deploy-specific settings from the
// environment. File values win for everything except API keys, which the
// environment always overrides so keys stay out of config files.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TUNESMITH_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if env, ok := envKeys[c.LLM.Provider]; ok {
		if v := os.Getenv(env); v != "" {
			c.LLM.APIKey = v
		}
	}
	if v := os.Getenv("TUNESMITH_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("TUNESMITH_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("TUNESMITH_RELAY_URL"); v != "" {
		c.Delivery.RelayURL = v
	}
	if v := os.Getenv("TUNESMITH_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TUNESMITH_DATA_PATH"); v != "" {
		c.Store.DataPath = v
	}
}
