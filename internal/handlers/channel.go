package handlers

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/alphadose/haxmap"
	"github.com/mirostanko/chatpipe/internal/models"
	"github.com/mirostanko/chatpipe/internal/protocol"
	"github.com/tmaxmax/go-sse"
)

var htmlSSEType = sse.Type("html")

func streamTopic(streamID string) string {
	return fmt.Sprintf("stream-%s", streamID)
}

type streamState struct {
	translator *protocol.Translator
	content    strings.Builder
}

// sseChannel publishes relayed chunks as protocol events on per-stream SSE topics.
// Each stream gets its own translator; on a successful terminal chunk the
// accumulated content is additionally published as rendered HTML, so clients don't
// need a markdown pipeline of their own.
type sseChannel struct {
	srv    *sse.Server
	render func(string) (string, error)
	states *haxmap.Map[string, *streamState]

	logger *slog.Logger
}

func newSSEChannel(srv *sse.Server, render func(string) (string, error), logger *slog.Logger) *sseChannel {
	return &sseChannel{
		srv:    srv,
		render: render,
		states: haxmap.New[string, *streamState](),
		logger: logger.With(slog.String("module", "sse-channel")),
	}
}

// Send translates one chunk and publishes the resulting events, in order, on the
// stream's topic. Invoked from the relay's per-stream goroutine.
func (c *sseChannel) Send(correlationID string, chunk models.StreamChunk) {
	state, _ := c.states.GetOrCompute(correlationID, func() *streamState {
		return &streamState{translator: protocol.NewTranslator()}
	})
	state.content.WriteString(chunk.Delta)

	for _, event := range state.translator.Translate(chunk) {
		data, err := event.Marshal()
		if err != nil {
			c.logger.Error("Failed to marshal event",
				slog.String("type", string(event.Type)),
				slog.String(errLoggerKey, err.Error()))
			continue
		}

		msg := &sse.Message{Type: sse.Type(string(event.Type))}
		msg.AppendData(string(data))
		if err := c.srv.Publish(msg, streamTopic(correlationID)); err != nil {
			c.logger.Error("Failed to publish event",
				slog.String("streamID", correlationID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	if !chunk.Terminal() {
		return
	}
	defer c.states.Del(correlationID)

	if chunk.Error != nil || state.content.Len() == 0 {
		return
	}
	html, err := c.render(state.content.String())
	if err != nil {
		c.logger.Error("Failed to render content",
			slog.String("streamID", correlationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := &sse.Message{Type: htmlSSEType}
	msg.AppendData(html)
	_ = c.srv.Publish(msg, streamTopic(correlationID))
}
