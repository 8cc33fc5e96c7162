// Package perception provides the text-completion collaborator used by the
// recommendation pipeline. All providers expose the same minimal capability:
// send a prompt, get text back. Provider selection is explicit configuration,
// never runtime type inspection.
package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LLMClient defines the interface for text-completion providers.
type LLMClient interface {
	// Complete sends a prompt and returns the completion with default options.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithOptions sends a system+user prompt pair with explicit
	// creativity and length controls.
	CompleteWithOptions(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error)
}

// Options carries per-call completion controls.
type Options struct {
	// Temperature is the creativity control, 0..1. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Failure kinds for the collaborator. Callers branch with errors.Is.
var (
	// ErrTimeout is returned when the provider did not answer in time.
	ErrTimeout = errors.New("collaborator timed out")

	// ErrUnavailable is returned for transport failures, provider errors,
	// and rate limits that survive the retry budget.
	ErrUnavailable = errors.New("collaborator unavailable")

	// ErrMalformedResponse is returned when the provider answered but the
	// body could not be interpreted.
	ErrMalformedResponse = errors.New("collaborator returned malformed response")
)

// chatMessage is one turn in an OpenAI-style chat completion request.
// All supported providers speak this wire shape.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// chatCompleter does the HTTP legwork shared by every provider client:
// request marshalling, bearer auth, retries on 429/5xx with exponential
// backoff, and error-kind mapping.
type chatCompleter struct {
	apiKey     string
	endpoint   string // full chat-completions URL
	model      string
	maxRetries int
	httpClient *http.Client
}

func (c *chatCompleter) complete(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: API key not configured", ErrUnavailable)
	}

	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s.
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return "", mapContextErr(ctx.Err())
			}
		}

		text, retryable, err := c.once(ctx, jsonData)
		if err == nil {
			return text, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
	}

	return "", fmt.Errorf("%w: retries exhausted: %v", ErrUnavailable, lastErr)
}

// once performs a single request attempt. The second return reports whether
// the failure is worth retrying.
func (c *chatCompleter) once(ctx context.Context, jsonData []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, mapContextErr(ctx.Err())
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", true, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", true, fmt.Errorf("%w: rate limited (429)", ErrUnavailable)
	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("%w: provider error %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", false, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("%w: %s", ErrUnavailable, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("%w: no completion returned", ErrMalformedResponse)
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), false, nil
}

func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ExtractJSON strips markdown code fences that providers like to wrap JSON
// answers in, returning the raw JSON payload.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+len("```json"):]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
		return strings.TrimSpace(content)
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
		return strings.TrimSpace(content)
	}
	return content
}
