package handlers

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mirostanko/chatpipe/internal/chat"
	"github.com/mirostanko/chatpipe/internal/models"
	"github.com/mirostanko/chatpipe/internal/relay"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

const errLoggerKey = "err"

// Orchestrator is the conversation engine behind the HTTP surface.
type Orchestrator interface {
	SendMessage(ctx context.Context, text string, opts chat.SendOptions) (chat.SendResult, error)
	StreamMessage(ctx context.Context, text string, opts chat.SendOptions) (chat.Stream, error)
	RegenerateLastResponse(ctx context.Context, sessionID string) (chat.Stream, error)
	GenerateConversationTitle(ctx context.Context, sessionID string, force bool) (string, error)
}

// Main wires the HTTP surface: it accepts turns, opens relay streams for them and
// serves the resulting protocol events over SSE, one topic per stream.
type Main struct {
	sseSrv *sse.Server

	orchestrator Orchestrator
	relay        *relay.Relay
	sessions     chat.SessionStore
	messages     chat.MessageStore

	logger *slog.Logger
}

// NewMain creates a Main instance together with the relay it feeds. The SSE server
// subscribes each client to the stream topic named by its stream_id query
// parameter.
func NewMain(
	orchestrator Orchestrator,
	sessions chat.SessionStore,
	messages chat.MessageStore,
	logger *slog.Logger,
) *Main {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
		),
	)

	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				streamID := s.Req.URL.Query().Get("stream_id")
				if streamID != "" {
					topics = append(topics, streamTopic(streamID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		orchestrator: orchestrator,
		sessions:     sessions,
		messages:     messages,
		logger:       logger.With(slog.String("module", "handlers")),
	}

	render := func(src string) (string, error) {
		var buf bytes.Buffer
		if err := md.Convert([]byte(src), &buf); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	m.relay = relay.New(newSSEChannel(m.sseSrv, render, logger), logger)

	return m
}

// HandleSSE serves the event stream endpoint.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown closes every open stream, notifies connected clients and tears down the
// SSE server. Remaining connections are forcefully closed after 5 seconds.
func (m *Main) Shutdown(ctx context.Context) error {
	m.relay.Shutdown()

	e := &sse.Message{Type: sse.Type("close")}
	// The SSE spec requires a data field even on a close notification.
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// errStatus maps the canonical error taxonomy onto HTTP status codes.
func errStatus(err error) int {
	switch models.ErrorCode(err) {
	case models.ErrCodeValidation, models.ErrCodeConfiguration:
		return http.StatusBadRequest
	case models.ErrCodeContext:
		return http.StatusNotFound
	case models.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case models.ErrCodeAuthentication, models.ErrCodeNetwork, models.ErrCodeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
