package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/tomesphere/voice-core/internal/intent"
	"github.com/tomesphere/voice-core/internal/protocol"
)

type intentRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

// handleIntent resolves a spoken query into a reply and, when the model picks
// a tool, an announced command. The reply is always 200 unless the query is
// missing; model failures produce the fallback reply.
func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "intent resolver not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Stream.MaxPromptBytes))
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	resp, err := s.deps.Resolver.Resolve(r.Context(), protocol.IntentRequest{SessionID: req.SessionID, Query: req.Query})
	if err != nil {
		if errors.Is(err, intent.ErrEmptyQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
