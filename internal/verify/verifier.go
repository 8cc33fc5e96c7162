// Package verify implements the evidence gate between generated candidates
// and everything user-visible. A candidate ships only if it carries
// plausible album and year evidence AND an adversarial fact-checking pass
// affirms it. Rejection is a frequent, expected outcome.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tunesmith/internal/generate"
	"tunesmith/internal/knowledge"
	"tunesmith/internal/perception"
)

// Evidence is the snapshot of the fields that passed (or failed) checks.
type Evidence struct {
	Album string `json:"album"`
	Year  int    `json:"year"`
}

// Record is the per-candidate verification outcome. Transient: used for the
// response and logging, never persisted beyond the task.
type Record struct {
	Candidate generate.Candidate
	Accepted  bool
	Reason    string
	Evidence  Evidence
}

// Song promotes an accepted candidate to a learned catalog record.
// The second return is false for rejected candidates.
func (r Record) Song() (knowledge.Song, bool) {
	if !r.Accepted {
		return knowledge.Song{}, false
	}
	c := r.Candidate
	return knowledge.Song{
		Title:      c.Title,
		Artist:     c.Artist,
		Genre:      c.Genre,
		Mood:       c.Mood,
		Language:   c.Language,
		Album:      c.Album,
		Year:       c.Year,
		Provenance: knowledge.ProvenanceLearned,
	}, true
}

// Album values that name no album at all. Lowercased.
var placeholderAlbums = map[string]struct{}{
	"unknown": {}, "n/a": {}, "na": {}, "none": {}, "null": {},
	"single": {}, "tbd": {}, "-": {}, "未知": {}, "无": {},
}

const (
	minPlausibleYear = 1900

	// corroborationLimit bounds concurrent fact-check calls per task.
	corroborationLimit = 3
)

const checkerSystemPrompt = `You are a ruthless music fact-checker. Your only job is to weed out
songs that do not exist or are misattributed. Presume every claim is false
until the evidence convinces you.

Given one song claim, check:
1. The song exists and the artist attribution is exactly right.
2. It appears on the named album (or is a widely known standalone single).
3. The release year is correct within one year.

If you are uncertain about ANY point, the claim fails.

Respond with a single JSON object and nothing else:
{"verified": true, "reason": "short explanation"}`

// Verifier demands corroborating evidence per candidate.
type Verifier struct {
	client perception.LLMClient
	logger *zap.Logger
	now    func() time.Time
}

// NewVerifier creates a verifier backed by the fact-checking collaborator.
func NewVerifier(client perception.LLMClient, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{client: client, logger: logger, now: time.Now}
}

// Verify checks one candidate: plausibility first, then collaborator
// corroboration. Never returns an error; every outcome is a Record.
func (v *Verifier) Verify(ctx context.Context, c generate.Candidate) Record {
	rec := Record{
		Candidate: c,
		Evidence:  Evidence{Album: c.Album, Year: c.Year},
	}

	if reason, ok := v.plausible(c); !ok {
		rec.Reason = reason
		v.logger.Debug("candidate rejected on plausibility",
			zap.String("title", c.Title),
			zap.String("artist", c.Artist),
			zap.String("reason", reason))
		return rec
	}

	affirmed, reason := v.corroborate(ctx, c)
	rec.Accepted = affirmed
	rec.Reason = reason
	if !affirmed {
		v.logger.Info("candidate rejected by fact-checker",
			zap.String("title", c.Title),
			zap.String("artist", c.Artist),
			zap.String("reason", reason))
	}
	return rec
}

// VerifyAll verifies candidates concurrently, preserving input order.
func (v *Verifier) VerifyAll(ctx context.Context, candidates []generate.Candidate) []Record {
	records := make([]Record, len(candidates))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(corroborationLimit)
	for i, c := range candidates {
		g.Go(func() error {
			records[i] = v.Verify(ctx, c)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return records
}

// plausible applies the internal evidence checks that need no collaborator:
// both evidence fields present, the album a real name, the year in a sane
// historical range.
func (v *Verifier) plausible(c generate.Candidate) (string, bool) {
	album := strings.ToLower(strings.TrimSpace(c.Album))
	if album == "" {
		return "missing album evidence", false
	}
	if _, placeholder := placeholderAlbums[album]; placeholder {
		return fmt.Sprintf("placeholder album %q", c.Album), false
	}
	if c.Year == 0 {
		return "missing year evidence", false
	}
	maxYear := v.now().Year() + 1
	if c.Year < minPlausibleYear || c.Year > maxYear {
		return fmt.Sprintf("implausible year %d", c.Year), false
	}
	return "", true
}

type checkerVerdict struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
}

// corroborate re-queries the collaborator as an adversarial fact-checker.
// Anything short of an explicit, parseable affirmation rejects the
// candidate; acceptance is never the failure default.
func (v *Verifier) corroborate(ctx context.Context, c generate.Candidate) (bool, string) {
	claim := fmt.Sprintf("Claim: the song %q by %q appears on the album %q, released in %d.",
		c.Title, c.Artist, c.Album, c.Year)

	raw, err := v.client.CompleteWithOptions(ctx, checkerSystemPrompt, claim, perception.Options{
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		return false, fmt.Sprintf("corroboration unavailable: %v", err)
	}

	var verdict checkerVerdict
	if err := json.Unmarshal([]byte(perception.ExtractJSON(raw)), &verdict); err != nil {
		return false, "corroboration response unparseable"
	}

	if !verdict.Verified {
		reason := verdict.Reason
		if reason == "" {
			reason = "fact-checker disputed the evidence"
		}
		return false, reason
	}

	reason := verdict.Reason
	if reason == "" {
		reason = "evidence affirmed"
	}
	return true, reason
}
