package perception

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements LLMClient against the OpenAI API or any
// OpenAI-compatible endpoint reachable through a custom base URL.
type OpenAIClient struct {
	completer chatCompleter
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:     apiKey,
		BaseURL:    "https://api.openai.com/v1",
		Model:      "gpt-4o-mini",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// NewOpenAIClient creates an OpenAI client with custom config.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
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
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.completer.complete(ctx, "", prompt, Options{})
}

// CompleteWithOptions sends a system+user prompt pair with explicit options.
func (c *OpenAIClient) CompleteWithOptions(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	return c.completer.complete(ctx, systemPrompt, userPrompt, opts)
}

// Model returns the configured model.
func (c *OpenAIClient) Model() string {
	return c.completer.model
}
