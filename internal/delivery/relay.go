// Package delivery posts finished task results to the external relay.
// Delivery is at-most-once per task: failures retry a bounded number of
// times with backoff, then the callback is logged and dropped.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tunesmith/internal/intent"
	"tunesmith/internal/knowledge"
)

// ErrDeliveryFailed is returned when every attempt was exhausted.
var ErrDeliveryFailed = errors.New("callback delivery failed")

// Callback is the payload delivered once per completed or failed task.
// Expired tasks never produce one.
type Callback struct {
	SessionID      string           `json:"session_id"`
	UserText       string           `json:"user_text,omitempty"`
	Recommendation string           `json:"recommendation"`
	Songs          []knowledge.Song `json:"songs"`
	Intent         intent.Query     `json:"intent"`
}

// Deliverer sends callbacks. The dispatcher depends on this interface so
// tests can substitute a spy.
type Deliverer interface {
	Deliver(ctx context.Context, cb Callback) error
}

// Relay delivers callbacks over HTTP.
type Relay struct {
	url        string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// Config configures the relay.
type Config struct {
	URL        string
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
}

// NewRelay creates an HTTP relay client.
func NewRelay(cfg Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Relay{
		url:        cfg.URL,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Deliver posts the callback, retrying transient failures with exponential
// backoff. Persistent failure is reported to the caller for logging only;
// it is never escalated further.
func (r *Relay) Deliver(ctx context.Context, cb Callback) error {
	if r.url == "" {
		r.logger.Debug("no relay configured, dropping callback",
			zap.String("session", cb.SessionID))
		return nil
	}

	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			wait := r.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
			}
		}

		lastErr = r.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		r.logger.Warn("callback delivery attempt failed",
			zap.String("session", cb.SessionID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

func (r *Relay) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	return nil
}
