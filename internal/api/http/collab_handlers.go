package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
	"github.com/creative-atlas/atlas-collab/internal/infrastructure/presence"
)

type sessionSummary struct {
	SessionID  string `json:"sessionId"`
	ArtifactID string `json:"artifactId"`
	Version    int64  `json:"version"`
}

func summarize(s collab.Session) sessionSummary {
	return sessionSummary{SessionID: s.ID, ArtifactID: s.ArtifactID, Version: s.Version}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	sess, ok := s.sessions.Session(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not active")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type presenceResponse struct {
	SessionID    string                 `json:"sessionId"`
	Participants []presence.Participant `json:"participants"`
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		respondError(w, http.StatusNotImplemented, "PRESENCE_DISABLED", "presence mirror is not configured")
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	participants, err := s.presence.Participants(r.Context(), sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("read presence failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "presence unavailable")
		return
	}
	respondJSON(w, http.StatusOK, presenceResponse{SessionID: sessionID, Participants: participants})
}
