// Package knowledge implements the verified song catalog: fuzzy lookup over
// a fully loaded in-memory index and idempotent, atomically persisted append.
package knowledge

import (
	"strings"
	"unicode"
)

// Provenance records how a song entered the catalog.
type Provenance string

const (
	// ProvenanceLocal marks songs seeded from the catalog file.
	ProvenanceLocal Provenance = "local"

	// ProvenanceLearned marks songs written back by the pipeline after
	// verification. Learned songs always carry album and year evidence.
	ProvenanceLearned Provenance = "learned"
)

// Song is a verified catalog record. Immutable once stored; corrections
// are new writes, not mutations.
type Song struct {
	Title      string     `json:"title"`
	Artist     string     `json:"artist"`
	Genre      string     `json:"genre,omitempty"`
	Mood       string     `json:"mood,omitempty"`
	Language   string     `json:"language,omitempty"`
	Album      string     `json:"album,omitempty"`
	Year       int        `json:"year,omitempty"`
	Duration   int        `json:"duration,omitempty"`
	Provenance Provenance `json:"source_type,omitempty"`
}

// Key returns the song's identity: the normalized (title, artist) pair.
func (s Song) Key() string {
	return SongKey(s.Title, s.Artist)
}

// SongKey builds the normalized identity for a (title, artist) pair.
func SongKey(title, artist string) string {
	return Normalize(title) + "||" + Normalize(artist)
}

// Normalize case-folds and strips punctuation, collapsing runs of
// whitespace to single spaces. Lookup and identity both go through here so
// "Hey, Jude!" and "hey jude" agree.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens splits a normalized string into lookup tokens.
func Tokens(s string) []string {
	norm := Normalize(s)
	if norm == "" {
		return nil
	}
	return strings.Fields(norm)
}
