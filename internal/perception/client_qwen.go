package perception

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// QwenClient implements LLMClient for Alibaba DashScope's
// OpenAI-compatible mode.
type QwenClient struct {
	completer chatCompleter
}

// QwenConfig holds configuration for the Qwen client.
type QwenConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultQwenConfig returns sensible defaults.
func DefaultQwenConfig(apiKey string) QwenConfig {
	return QwenConfig{
		APIKey:     apiKey,
		BaseURL:    "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:      "qwen-turbo",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// NewQwenClient creates a Qwen client with custom config.
func NewQwenClient(cfg QwenConfig) *QwenClient {
	return &QwenClient{
		completer: chatCompleter{
			apiKey:     cfg.APIKey,
			endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
			model:      cfg.Model,
			maxRetries: cfg.MaxRetries,
			httpClient: &http.Client{Timeout: cfg.Timeout},
		},
	}
}

// Complete sends a prompt and returns the completion.
func (c *QwenClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.completer.complete(ctx, "", prompt, Options{})
}

// CompleteWithOptions sends a system+user prompt pair with explicit options.
func (c *QwenClient) CompleteWithOptions(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	return c.completer.complete(ctx, systemPrompt, userPrompt, opts)
}

// Model returns the configured model.
func (c *QwenClient) Model() string {
	return c.completer.model
}
