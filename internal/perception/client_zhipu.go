package perception

import (
	"context"
	"net/http"
	"time"
)

// ZhipuClient implements LLMClient for the Zhipu GLM API.
type ZhipuClient struct {
	completer chatCompleter
}

// ZhipuConfig holds configuration for the Zhipu client.
type ZhipuConfig struct {
	APIKey     string
	Endpoint   string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultZhipuConfig returns sensible defaults.
func DefaultZhipuConfig(apiKey string) ZhipuConfig {
	return ZhipuConfig{
		APIKey:     apiKey,
		Endpoint:   "https://open.bigmodel.cn/api/paas/v4/chat/completions",
		Model:      "glm-4",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// NewZhipuClient creates a Zhipu client with custom config.
func NewZhipuClient(cfg ZhipuConfig) *ZhipuClient {
	return &ZhipuClient{
		completer: chatCompleter{
			apiKey:     cfg.APIKey,
			endpoint:   cfg.Endpoint,
			model:      cfg.Model,
			maxRetries: cfg.MaxRetries,
			httpClient: &http.Client{Timeout: cfg.Timeout},
		},
	}
}

// Complete sends a prompt and returns the completion.
func (c *ZhipuClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.completer.complete(ctx, "", prompt, Options{})
}

// CompleteWithOptions sends a system+user prompt pair with explicit options.
func (c *ZhipuClient) CompleteWithOptions(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	return c.completer.complete(ctx, systemPrompt, userPrompt, opts)
}

// Model returns the configured model.
func (c *ZhipuClient) Model() string {
	return c.completer.model
}
