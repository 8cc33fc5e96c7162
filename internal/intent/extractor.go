// Package intent turns free-form user text into a structured music query
// by delegating to the text-completion collaborator.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tunesmith/internal/perception"
)

// ErrIntentParse is returned when the collaborator's output cannot be parsed
// into the Query shape. Callers degrade to a free-text query; this error is
// never fatal to a task.
var ErrIntentParse = errors.New("intent output unparseable")

// Query is the structured, ephemeral form of a user request. Never persisted.
type Query struct {
	Intent   string `json:"intent"`
	Mood     string `json:"mood,omitempty"`
	Genre    string `json:"genre,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Title    string `json:"song,omitempty"`
	FreeText string `json:"-"`
}

// IsEmpty reports whether no structured dimension was extracted.
func (q Query) IsEmpty() bool {
	return q.Mood == "" && q.Genre == "" && q.Artist == "" && q.Title == "" && q.FreeText == ""
}

// FreeTextQuery builds the degraded query used when extraction fails:
// the raw text becomes the only search constraint.
func FreeTextQuery(userText string) Query {
	return Query{Intent: "find_music", FreeText: userText}
}

const extractSystemPrompt = `You are the intent extractor for a music recommendation system.
Analyze the user's message and extract:
1. intent: one of "find_music", "play_song", "get_info"
2. mood: e.g. "happy", "sad", "energetic", "calm"; null if absent
3. genre: e.g. "rock", "pop", "jazz"; null if absent
4. artist: artist name; null if absent
5. song: song title; null if absent

Respond with a single JSON object and nothing else, for example:
{"intent":"find_music","mood":"sad","genre":null,"artist":null,"song":null}`

// Extractor converts user text into a Query.
type Extractor struct {
	client perception.LLMClient
	logger *zap.Logger
}

// NewExtractor creates an intent extractor.
func NewExtractor(client perception.LLMClient, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{client: client, logger: logger}
}

// Extract asks the collaborator for a structured reading of userText.
// Unparseable output returns ErrIntentParse; collaborator failures pass
// through so the dispatcher can distinguish degraded from unavailable.
func (e *Extractor) Extract(ctx context.Context, userText string) (Query, error) {
	raw, err := e.client.CompleteWithOptions(ctx, extractSystemPrompt, userText, perception.Options{
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		return Query{}, fmt.Errorf("intent extraction: %w", err)
	}

	var q Query
	if err := json.Unmarshal([]byte(perception.ExtractJSON(raw)), &q); err != nil {
		e.logger.Warn("intent output unparseable, degrading to free text",
			zap.String("output", truncate(raw, 120)),
			zap.Error(err))
		return Query{}, fmt.Errorf("%w: %v", ErrIntentParse, err)
	}

	if q.Intent == "" {
		q.Intent = "find_music"
	}
	return q, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
