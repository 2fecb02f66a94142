package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/mirostanko/chatpipe/internal/models"
)

// HandleSessions serves the session collection: GET lists sessions most recently
// active first, PATCH updates session flags, DELETE removes a session together with
// its messages.
func (m *Main) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := m.sessions.Sessions(r.Context())
		if err != nil {
			m.logger.Error("Failed to list sessions", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []models.ChatSession{}
		}
		m.writeJSON(w, http.StatusOK, sessions)

	case http.MethodPatch:
		m.patchSession(w, r)

	case http.MethodDelete:
		id := r.URL.Query().Get("session_id")
		if id == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}
		if err := m.sessions.DeleteSession(r.Context(), id); err != nil {
			m.logger.Error("Failed to delete session",
				slog.String("sessionID", id),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// patchSession updates the archived and starred flags of a session.
func (m *Main) patchSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Archived  *bool  `json:"archived,omitempty"`
		Starred   *bool  `json:"starred,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, found, err := m.sessions.Session(r.Context(), req.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}

	if req.Archived != nil {
		session.Archived = *req.Archived
	}
	if req.Starred != nil {
		session.Starred = *req.Starred
	}
	if err := m.sessions.SaveSession(r.Context(), session); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, http.StatusOK, session)
}

// HandleMessages lists a session's messages, newest first, honoring limit and
// offset query parameters.
func (m *Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	messages, err := m.messages.MessagesBySession(r.Context(), sessionID, models.MessageQuery{
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		m.logger.Error("Failed to list messages",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	m.writeJSON(w, http.StatusOK, messages)
}

// HandleTitle regenerates a session's title on demand. The force query parameter
// overwrites an already generated title.
func (m *Main) HandleTitle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	title, err := m.orchestrator.GenerateConversationTitle(r.Context(), sessionID, force)
	if err != nil {
		m.logger.Error("Failed to generate title",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), errStatus(err))
		return
	}

	m.writeJSON(w, http.StatusOK, map[string]string{"title": title})
}
