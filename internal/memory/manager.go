// Package memory tracks which songs each session has already received, so
// repeat requests progressively surface different songs. Each session keeps
// a fixed-capacity FIFO window of delivered song identities.
package memory

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"tunesmith/internal/knowledge"
)

// Manager owns all per-session dedup state. Sessions are created lazily and
// never destroyed explicitly; an idle session's window resets after the TTL
// and the FIFO bound caps growth.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	windowSize int
	idleTTL    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// session is one user's dedup window. Guarded by its own mutex so two tasks
// of the same session serialize their read-modify-write, while tasks of
// different sessions proceed in parallel.
type session struct {
	mu         sync.Mutex
	keys       map[string]*list.Element
	order      *list.List // oldest at front; values are song keys
	lastActive time.Time
}

// NewManager creates a dedup manager. windowSize is the per-session history
// capacity N; idleTTL <= 0 disables idle resets.
func NewManager(windowSize int, idleTTL time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if windowSize <= 0 {
		windowSize = 50
	}
	return &Manager{
		sessions:   make(map[string]*session),
		windowSize: windowSize,
		idleTTL:    idleTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// acquire returns the locked session for the id, creating it if needed and
// resetting its window if it sat idle past the TTL. Caller must unlock.
func (m *Manager) acquire(sessionID string) *session {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{
			keys:  make(map[string]*list.Element),
			order: list.New(),
		}
		m.sessions[sessionID] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	now := m.now()
	if ok && m.idleTTL > 0 && !s.lastActive.IsZero() && now.Sub(s.lastActive) > m.idleTTL {
		s.keys = make(map[string]*list.Element)
		s.order.Init()
		m.logger.Debug("session window reset after idle TTL", zap.String("session", sessionID))
	}
	s.lastActive = now
	return s
}

// FilterNew returns songs not in the session's dedup window, preserving
// order. Applied after lookup or verification and before delivery.
func (m *Manager) FilterNew(sessionID string, songs []knowledge.Song) []knowledge.Song {
	if len(songs) == 0 {
		return nil
	}

	s := m.acquire(sessionID)
	defer s.mu.Unlock()

	out := make([]knowledge.Song, 0, len(songs))
	for _, song := range songs {
		if _, seen := s.keys[song.Key()]; !seen {
			out = append(out, song)
		}
	}
	return out
}

// Record marks songs as delivered to the session, evicting the oldest
// entries once the window exceeds capacity.
func (m *Manager) Record(sessionID string, songs []knowledge.Song) {
	if len(songs) == 0 {
		return
	}

	s := m.acquire(sessionID)
	defer s.mu.Unlock()

	for _, song := range songs {
		key := song.Key()
		if _, seen := s.keys[key]; seen {
			continue
		}
		s.keys[key] = s.order.PushBack(key)
		if s.order.Len() > m.windowSize {
			oldest := s.order.Front()
			s.order.Remove(oldest)
			delete(s.keys, oldest.Value.(string))
		}
	}
}

// Delivered returns the session's window contents, oldest first. Used to
// build the generation exclusion list.
func (m *Manager) Delivered(sessionID string) []string {
	s := m.acquire(sessionID)
	defer s.mu.Unlock()

	out := make([]string, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

// Reset wipes one session's window (the user-facing "refresh" command).
func (m *Manager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Stats summarizes memory state for the admin surface.
type Stats struct {
	Sessions     int `json:"sessions"`
	TrackedSongs int `json:"tracked_songs"`
	WindowSize   int `json:"window_size"`
}

// Stats counts sessions and tracked song identities.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	total := 0
	for _, s := range sessions {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return Stats{
		Sessions:     len(sessions),
		TrackedSongs: total,
		WindowSize:   m.windowSize,
	}
}
