package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
	"github.com/creative-atlas/atlas-collab/internal/infrastructure/presence"
)

// SessionReader exposes the gateway's live sessions.
type SessionReader interface {
	Session(sessionID string) (collab.Session, bool)
	Sessions() []collab.Session
}

// PresenceReader reads mirrored presence. It may be nil.
type PresenceReader interface {
	Participants(ctx context.Context, sessionID string) ([]presence.Participant, error)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	sessions SessionReader
	presence PresenceReader
	ws       http.Handler
	logger   zerolog.Logger
}

func NewServer(sessions SessionReader, presence PresenceReader, ws http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		sessions: sessions,
		presence: presence,
		ws:       ws,
		logger:   logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1/collab", func(r chi.Router) {
		// Long-lived; must stay outside the request timeout.
		r.Handle("/ws", s.ws)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/sessions", s.listSessions)
			r.Get("/sessions/{sessionId}", s.getSession)
			r.Get("/sessions/{sessionId}/presence", s.getPresence)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.sessions.Sessions()),
	})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
