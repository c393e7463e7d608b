package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hua-bang/pulse-coder-sub000/internal/channels/web"
	"github.com/hua-bang/pulse-coder-sub000/internal/clarify"
)

// sessionListLimit caps the /api/sessions response.
const sessionListLimit = 50

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.web.ServeStream(w, r, r.PathValue("streamID"))
}

type clarifyRequest struct {
	ClarificationID string `json:"clarificationId"`
	Answer          string `json:"answer"`
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamID")

	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid json body"})
		return
	}
	if req.ClarificationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "clarificationId is required"})
		return
	}

	if err := s.broker.Resolve(streamID, req.ClarificationID, req.Answer); err != nil {
		status := http.StatusConflict
		if errors.Is(err, clarify.ErrNoPending) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	platformKey := strings.TrimSpace(r.URL.Query().Get("platformKey"))
	if platformKey == "" {
		if userID := strings.TrimSpace(r.URL.Query().Get("userId")); userID != "" {
			platformKey = web.PlatformPrefix + userID
		}
	}
	if platformKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "platformKey or userId is required"})
		return
	}

	list, err := s.store.ListSessions(r.Context(), platformKey, sessionListLimit)
	if err != nil {
		s.logger.Error("session list failed", "platform_key", platformKey, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "session list failed"})
		return
	}

	currentID, err := s.store.GetCurrentID(r.Context(), platformKey)
	if err != nil {
		s.logger.Warn("current session lookup failed", "platform_key", platformKey, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"sessions":         list,
		"currentSessionId": currentID,
	})
}
