// Package generate produces candidate songs from the text-completion
// collaborator when the knowledge store has no match. Candidates are
// untrusted until the verifier accepts them.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tunesmith/internal/intent"
	"tunesmith/internal/knowledge"
	"tunesmith/internal/perception"
)

// ErrGeneration is returned on collaborator failure or malformed output.
// Callers treat it as "no candidates", never as a task abort.
var ErrGeneration = errors.New("candidate generation failed")

// MaxCandidates bounds how many candidates one generation pass may return.
const MaxCandidates = 5

// How many excluded titles to show the collaborator before the prompt gets
// too long to help.
const maxExcludeShown = 10

// Candidate is a song-shaped proposal with unverified evidence fields.
// Promoted to a knowledge.Song by the verifier or discarded.
type Candidate struct {
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Genre    string `json:"genre,omitempty"`
	Mood     string `json:"mood,omitempty"`
	Language string `json:"language,omitempty"`
	Album    string `json:"album,omitempty"`
	Year     int    `json:"year,omitempty"`
}

// Key returns the candidate's normalized identity, matching knowledge.SongKey.
func (c Candidate) Key() string {
	return knowledge.SongKey(c.Title, c.Artist)
}

const generateSystemPrompt = `You are a music recommendation assistant. The local catalog had no match,
so you must propose songs yourself.

Rules:
1. Recommend 3 to 5 songs that genuinely exist and fit the stated needs.
2. Favor variety: do not always reach for the most famous classics unless
   the user asked for them by name. Well-regarded lesser-known songs are
   welcome.
3. Every song MUST include its studio album and release year. These are
   checked against an independent fact-checker; omissions get the song
   discarded.
4. Include the song's language ("Mandarin", "English", "Cantonese", ...).

Respond with a single JSON object, no other text:
{
  "recommendation": "one friendly sentence explaining the picks",
  "recommended_songs": [
    {"title": "...", "artist": "...", "genre": "...", "mood": "...",
     "language": "...", "album": "...", "year": 1999}
  ]
}`

// Generator proposes candidates for queries the knowledge store cannot serve.
type Generator struct {
	client perception.LLMClient
	logger *zap.Logger
}

// NewGenerator creates a candidate generator.
func NewGenerator(client perception.LLMClient, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{client: client, logger: logger}
}

type generateResponse struct {
	Recommendation   string      `json:"recommendation"`
	RecommendedSongs []Candidate `json:"recommended_songs"`
}

// Generate asks the collaborator for candidates matching the query,
// steering it away from already-delivered titles. Returns at most
// MaxCandidates candidates and the collaborator's recommendation text.
func (g *Generator) Generate(ctx context.Context, q intent.Query, exclude []string) ([]Candidate, string, error) {
	user := buildUserPrompt(q, exclude)

	raw, err := g.client.CompleteWithOptions(ctx, generateSystemPrompt, user, perception.Options{
		Temperature: 0.9,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	var parsed generateResponse
	if err := json.Unmarshal([]byte(perception.ExtractJSON(raw)), &parsed); err != nil {
		g.logger.Warn("generation output unparseable",
			zap.String("output", truncate(raw, 120)),
			zap.Error(err))
		return nil, "", fmt.Errorf("%w: unparseable output: %v", ErrGeneration, err)
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, title := range exclude {
		excluded[knowledge.Normalize(title)] = struct{}{}
	}

	candidates := make([]Candidate, 0, len(parsed.RecommendedSongs))
	for _, c := range parsed.RecommendedSongs {
		c.Title = strings.TrimSpace(c.Title)
		c.Artist = strings.TrimSpace(c.Artist)
		if c.Title == "" || c.Artist == "" {
			continue
		}
		// The collaborator was told to avoid these; drop any that slip past.
		if _, ok := excluded[knowledge.Normalize(c.Title)]; ok {
			continue
		}
		candidates = append(candidates, c)
		if len(candidates) == MaxCandidates {
			break
		}
	}

	return candidates, strings.TrimSpace(parsed.Recommendation), nil
}

func buildUserPrompt(q intent.Query, exclude []string) string {
	var b strings.Builder

	var needs []string
	if q.Mood != "" {
		needs = append(needs, "mood: "+q.Mood)
	}
	if q.Genre != "" {
		needs = append(needs, "genre: "+q.Genre)
	}
	if q.Artist != "" {
		needs = append(needs, "artist: "+q.Artist)
	}
	if q.Title != "" {
		needs = append(needs, "song: "+q.Title)
	}
	if q.FreeText != "" {
		needs = append(needs, "request: "+q.FreeText)
	}
	if len(needs) == 0 {
		needs = append(needs, "general recommendation")
	}

	b.WriteString("User needs: ")
	b.WriteString(strings.Join(needs, ", "))

	if len(exclude) > 0 {
		shown := exclude
		if len(shown) > maxExcludeShown {
			shown = shown[:maxExcludeShown]
		}
		b.WriteString("\n\nDo NOT recommend any of these already-delivered songs: ")
		b.WriteString(strings.Join(shown, ", "))
	}

	b.WriteString("\n\nRecommend suitable songs.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
