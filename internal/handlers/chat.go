package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/mirostanko/chatpipe/internal/chat"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	ModelID   string `json:"modelId,omitempty"`
}

type streamResponse struct {
	StreamID      string `json:"streamId"`
	SessionID     string `json:"sessionId"`
	UserMessageID string `json:"userMessageId,omitempty"`
}

// HandleChats accepts one conversation turn. The user message is persisted and a
// relay stream opened before this responds; the client then follows the returned
// streamId on the SSE endpoint for the protocol events.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode chat request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	stream, err := m.orchestrator.StreamMessage(r.Context(), req.Message, sendOptions(req))
	if err != nil {
		m.logger.Error("Failed to start stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), errStatus(err))
		return
	}

	// The stream must outlive this request; cancellation goes through the relay.
	streamID := m.relay.Open(context.WithoutCancel(r.Context()), stream.Seq)

	m.writeJSON(w, http.StatusAccepted, streamResponse{
		StreamID:      streamID,
		SessionID:     stream.SessionID,
		UserMessageID: stream.UserMessageID,
	})
}

// HandleRegenerate replays the latest user message of a session on a fresh stream.
func (m *Main) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	stream, err := m.orchestrator.RegenerateLastResponse(r.Context(), req.SessionID)
	if err != nil {
		m.logger.Error("Failed to regenerate",
			slog.String("sessionID", req.SessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), errStatus(err))
		return
	}

	streamID := m.relay.Open(context.WithoutCancel(r.Context()), stream.Seq)

	m.writeJSON(w, http.StatusAccepted, streamResponse{
		StreamID:      streamID,
		SessionID:     stream.SessionID,
		UserMessageID: stream.UserMessageID,
	})
}

// HandleCancel cooperatively cancels an open stream. The stream's consumers still
// receive a terminal event with the cancelled finish reason.
func (m *Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		http.Error(w, "stream_id is required", http.StatusBadRequest)
		return
	}

	if !m.relay.Cancel(streamID) {
		http.Error(w, "Unknown stream", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sendOptions(req chatRequest) chat.SendOptions {
	return chat.SendOptions{
		SessionID: req.SessionID,
		ModelID:   req.ModelID,
	}
}

func (m *Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
