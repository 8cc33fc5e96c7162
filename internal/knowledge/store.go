package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Query carries the structured lookup dimensions. Empty fields are ignored.
type Query struct {
	Title    string
	Artist   string
	Genre    string
	Mood     string
	FreeText string
}

// AppendResult reports the outcome of an append.
type AppendResult int

const (
	// AppendAdded means the song was inserted and persisted.
	AppendAdded AppendResult = iota

	// AppendDuplicate means a song with the same normalized (title, artist)
	// key already exists; nothing was written.
	AppendDuplicate

	// AppendFailed means the song was invalid or could not be persisted.
	AppendFailed
)

// Token-overlap weights per field, plus exact-match boosts.
const (
	weightTitle  = 3.0
	weightArtist = 3.0
	weightGenre  = 2.0
	weightMood   = 2.0

	boostArtistExact = 0.5
	boostGenreExact  = 0.3
)

// entry is a stored song with its precomputed match index.
type entry struct {
	song Song

	titleTokens  map[string]struct{}
	artistTokens map[string]struct{}
	genreTokens  map[string]struct{}
	moodTokens   map[string]struct{}
	normArtist   string
	normGenre    string
}

// Store is the shared mutable catalog. Reads run concurrently; every
// mutation takes the writer lock and rewrites the backing file atomically,
// so no reader ever observes a half-written record.
type Store struct {
	mu       sync.RWMutex
	path     string
	entries  []entry
	byKey    map[string]int
	thresh   float64
	limit    int
	logger   *zap.Logger
	inMemory bool // no backing file, used by tests
}

// Option configures a Store.
type Option func(*Store)

// WithMatchThreshold overrides the minimum lookup score.
func WithMatchThreshold(t float64) Option {
	return func(s *Store) { s.thresh = t }
}

// WithLookupLimit overrides the maximum songs returned per lookup.
func WithLookupLimit(n int) Option {
	return func(s *Store) { s.limit = n }
}

// NewStore loads the full catalog from the JSON file at path. A missing
// file yields an empty store; malformed entries are skipped.
func NewStore(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		byKey:  make(map[string]int),
		thresh: 0.25,
		limit:  10,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	logger.Info("knowledge store loaded",
		zap.String("path", path),
		zap.Int("songs", len(s.entries)))
	return s, nil
}

// NewMemoryStore builds a store with no backing file.
func NewMemoryStore(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		byKey:    make(map[string]int),
		thresh:   0.25,
		limit:    10,
		logger:   logger,
		inMemory: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("catalog file missing, starting empty", zap.String("path", s.path))
			return nil
		}
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	var raw []Song
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}

	skipped := 0
	for _, song := range raw {
		if song.Title == "" || song.Artist == "" {
			skipped++
			continue
		}
		if song.Provenance == "" {
			song.Provenance = ProvenanceLocal
		}
		if _, dup := s.byKey[song.Key()]; dup {
			skipped++
			continue
		}
		s.insert(song)
	}
	if skipped > 0 {
		s.logger.Warn("skipped malformed or duplicate catalog entries", zap.Int("count", skipped))
	}
	return nil
}

// insert assumes the caller holds the writer lock (or exclusive access
// during load) and that the key is not present.
func (s *Store) insert(song Song) {
	e := entry{
		song:         song,
		titleTokens:  tokenSet(song.Title),
		artistTokens: tokenSet(song.Artist),
		genreTokens:  tokenSet(song.Genre),
		moodTokens:   tokenSet(song.Mood),
		normArtist:   Normalize(song.Artist),
		normGenre:    Normalize(song.Genre),
	}
	s.byKey[song.Key()] = len(s.entries)
	s.entries = append(s.entries, e)
}

func tokenSet(field string) map[string]struct{} {
	toks := Tokens(field)
	if len(toks) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// Lookup scores every stored song against the query and returns those above
// the similarity threshold, best first. Ties break toward more recent year,
// then insertion order.
func (s *Store) Lookup(q Query) []Song {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qTokens := queryTokens(q)
	if len(qTokens) == 0 {
		return nil
	}

	normArtist := Normalize(q.Artist)
	normGenre := Normalize(q.Genre)

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored

	// A token matching its best field (title or artist) scores 1.0, so a
	// query whose tokens all land in one strong field clears the threshold.
	const maxPerToken = weightTitle
	for i := range s.entries {
		e := &s.entries[i]

		var raw float64
		for _, tok := range qTokens {
			if _, ok := e.titleTokens[tok]; ok {
				raw += weightTitle
			}
			if _, ok := e.artistTokens[tok]; ok {
				raw += weightArtist
			}
			if _, ok := e.genreTokens[tok]; ok {
				raw += weightGenre
			}
			if _, ok := e.moodTokens[tok]; ok {
				raw += weightMood
			}
		}
		score := raw / (float64(len(qTokens)) * maxPerToken)

		if normArtist != "" && normArtist == e.normArtist {
			score += boostArtistExact
		}
		if normGenre != "" && normGenre == e.normGenre {
			score += boostGenreExact
		}

		if score >= s.thresh {
			hits = append(hits, scored{idx: i, score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		ya, yb := s.entries[hits[a].idx].song.Year, s.entries[hits[b].idx].song.Year
		if ya != yb {
			return ya > yb
		}
		return hits[a].idx < hits[b].idx
	})

	n := len(hits)
	if s.limit > 0 && n > s.limit {
		n = s.limit
	}
	out := make([]Song, 0, n)
	for _, h := range hits[:n] {
		out = append(out, s.entries[h.idx].song)
	}
	return out
}

func queryTokens(q Query) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, field := range []string{q.Title, q.Artist, q.Genre, q.Mood, q.FreeText} {
		for _, tok := range Tokens(field) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}

// Append inserts a song unless its key already exists. Duplicates are
// reported, not re-inserted, so self-learning cannot produce divergent
// copies. The catalog file is rewritten atomically before Append returns.
func (s *Store) Append(song Song) (AppendResult, error) {
	if song.Title == "" || song.Artist == "" {
		return AppendFailed, fmt.Errorf("song needs title and artist")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[song.Key()]; exists {
		return AppendDuplicate, nil
	}
	if song.Provenance == "" {
		song.Provenance = ProvenanceLocal
	}

	s.insert(song)
	if err := s.persistLocked(); err != nil {
		// Roll the in-memory insert back so memory and disk agree.
		s.entries = s.entries[:len(s.entries)-1]
		delete(s.byKey, song.Key())
		return AppendFailed, err
	}

	s.logger.Info("song appended",
		zap.String("title", song.Title),
		zap.String("artist", song.Artist),
		zap.String("provenance", string(song.Provenance)))
	return AppendAdded, nil
}

// Delete removes the song with the given key. Admin operation; serialized
// by the same writer lock as Append.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byKey[key]
	if !ok {
		return false, nil
	}

	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	delete(s.byKey, key)
	for i := idx; i < len(s.entries); i++ {
		s.byKey[s.entries[i].song.Key()] = i
	}

	if err := s.persistLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// persistLocked rewrites the whole catalog through a temp file + rename so
// a concurrent full load never sees a torn file. Caller holds the writer lock.
func (s *Store) persistLocked() error {
	if s.inMemory {
		return nil
	}

	songs := make([]Song, len(s.entries))
	for i := range s.entries {
		songs[i] = s.entries[i].song
	}

	data, err := json.MarshalIndent(songs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp catalog: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close catalog: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace catalog: %w", err)
	}
	return nil
}

// Len returns the number of stored songs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats summarizes the catalog for the admin surface.
type Stats struct {
	TotalSongs int      `json:"total_songs"`
	Learned    int      `json:"learned_songs"`
	Genres     []string `json:"genres"`
	Moods      []string `json:"moods"`
	Artists    []string `json:"artists"`
}

// Stats returns aggregate catalog counts. The artist list is capped at 20.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	genres := make(map[string]struct{})
	moods := make(map[string]struct{})
	artists := make(map[string]struct{})
	learned := 0
	for i := range s.entries {
		song := s.entries[i].song
		if song.Genre != "" {
			genres[song.Genre] = struct{}{}
		}
		if song.Mood != "" {
			moods[song.Mood] = struct{}{}
		}
		if song.Artist != "" {
			artists[song.Artist] = struct{}{}
		}
		if song.Provenance == ProvenanceLearned {
			learned++
		}
	}

	st := Stats{
		TotalSongs: len(s.entries),
		Learned:    learned,
		Genres:     sortedKeys(genres),
		Moods:      sortedKeys(moods),
		Artists:    sortedKeys(artists),
	}
	if len(st.Artists) > 20 {
		st.Artists = st.Artists[:20]
	}
	return st
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
