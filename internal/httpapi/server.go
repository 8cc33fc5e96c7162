// Package httpapi exposes the HTTP surface: request intake, health,
// stats, the admin endpoints, and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tunesmith/internal/dispatch"
	"tunesmith/internal/knowledge"
	"tunesmith/internal/memory"
	"tunesmith/internal/tasklog"
)

// Submitter is the slice of the dispatcher the HTTP layer needs.
type Submitter interface {
	Submit(sessionID, userText string) (ack string, taskID string, err error)
	Stats() dispatch.Stats
	Recent() []dispatch.Outcome
}

// Server wires the pipeline components behind HTTP handlers.
type Server struct {
	dispatcher Submitter
	store      *knowledge.Store
	memory     *memory.Manager
	tasklog    *tasklog.Log // nil when interaction logging is disabled
	logger     *zap.Logger
}

// NewServer builds the handler set. tasklog may be nil.
func NewServer(dispatcher Submitter, store *knowledge.Store, mem *memory.Manager, log *tasklog.Log, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		dispatcher: dispatcher,
		store:      store,
		memory:     mem,
		tasklog:    log,
		logger:     logger,
	}
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/recommend", s.handleRecommend)
	r.Post("/reset", s.handleReset)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/tasks/recent", s.handleRecentTasks)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", s.handleAdminStats)
		r.Get("/interactions", s.handleAdminInteractions)
		r.Post("/songs/delete", s.handleDeleteSong)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type recommendRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type recommendResponse struct {
	Ack    string `json:"ack"`
	TaskID string `json:"task_id"`
}

// handleRecommend accepts a request and acknowledges immediately; the
// recommendation itself arrives later through the relay callback.
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Text = strings.TrimSpace(req.Text)
	if req.SessionID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "session_id and text are required")
		return
	}

	ack, taskID, err := s.dispatcher.Submit(req.SessionID, req.Text)
	switch {
	case errors.Is(err, dispatch.ErrBusy):
		writeError(w, http.StatusTooManyRequests, "try again shortly, all workers are busy")
		return
	case err != nil:
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, recommendResponse{Ack: ack, TaskID: taskID})
}

type resetRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	s.memory.Reset(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Dispatcher dispatch.Stats  `json:"dispatcher"`
	Store      knowledge.Stats `json:"store"`
	Memory     memory.Stats    `json:"memory"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Dispatcher: s.dispatcher.Stats(),
		Store:      s.store.Stats(),
		Memory:     s.memory.Stats(),
	})
}

func (s *Server) handleRecentTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Recent())
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if s.tasklog == nil {
		writeError(w, http.StatusNotFound, "interaction logging is disabled")
		return
	}
	stats, err := s.tasklog.Stats(r.Context())
	if err != nil {
		s.logger.Error("admin stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminInteractions(w http.ResponseWriter, r *http.Request) {
	if s.tasklog == nil {
		writeError(w, http.StatusNotFound, "interaction logging is disabled")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := s.tasklog.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("admin interactions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "interactions unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type deleteSongRequest struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

func (s *Server) handleDeleteSong(w http.ResponseWriter, r *http.Request) {
	var req deleteSongRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Artist) == "" {
		writeError(w, http.StatusBadRequest, "title and artist are required")
		return
	}

	key := knowledge.SongKey(req.Title, req.Artist)
	deleted, err := s.store.Delete(key)
	if err != nil {
		s.logger.Error("song delete failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "key": key})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
