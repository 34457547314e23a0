// Package api serves the operator REST surface: live sessions, call history,
// webhook delivery failures and admin controls.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/auth"
	"github.com/altiora-ai/callcore/internal/types"
)

// SessionRegistry is the part of the session manager the API reads and controls.
type SessionRegistry interface {
	List() []types.CallSession
	Get(callID string) (types.CallSession, bool)
	End(callID string, outcome types.Outcome) bool
}

// SessionsHandler exposes live and recently ended calls
type SessionsHandler struct {
	sessions SessionRegistry
	logger   zerolog.Logger
}

// NewSessionsHandler creates a new SessionsHandler
func NewSessionsHandler(sessions SessionRegistry, logger zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, logger: logger}
}

// ListSessions handles GET /api/sessions
func (h *SessionsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.GetUserFromContext(r.Context())

	sessions := []types.CallSession{}
	for _, s := range h.sessions.List() {
		if allowed(claims, s.BusinessID) {
			sessions = append(sessions, s)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession handles GET /api/sessions/{callId}
func (h *SessionsHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	s, ok := h.sessions.Get(callID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	claims, _ := auth.GetUserFromContext(r.Context())
	if !allowed(claims, s.BusinessID) {
		writeError(w, http.StatusForbidden, "business not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// EndSession handles POST /api/sessions/{callId}/end
func (h *SessionsHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	s, ok := h.sessions.Get(callID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	claims, _ := auth.GetUserFromContext(r.Context())
	if !allowed(claims, s.BusinessID) {
		writeError(w, http.StatusForbidden, "business not allowed")
		return
	}
	if !h.sessions.End(callID, types.OutcomeCompleted) {
		writeError(w, http.StatusConflict, "session already ended")
		return
	}

	email := ""
	if claims != nil {
		email = claims.Email
	}
	h.logger.Info().Str("call_id", callID).Str("operator", email).Msg("session ended by operator")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "session ended",
		"callId":  callID,
	})
}

// allowed treats a missing identity as unrestricted; the auth middleware
// guarantees one on every /api route.
func allowed(claims *auth.Claims, businessID string) bool {
	return claims == nil || claims.IsBusinessAllowed(businessID)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
