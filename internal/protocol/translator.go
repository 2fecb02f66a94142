package protocol

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mirostanko/chatpipe/internal/models"
)

// Translator converts one canonical chunk stream into consumer-protocol events. It
// is stateful per stream and not safe for concurrent use; create one per
// correlation id.
//
// The text part lifecycle is balanced: every stream emits exactly one text-start
// and one matching text-end, even when it carries no text at all. The part opens
// lazily on the first content delta and is force-closed before an error or finish
// event. After a terminal event the translator goes inert.
type Translator struct {
	textID   string
	textOpen bool
	textSeen bool
	done     bool
}

// NewTranslator creates a Translator for one stream.
func NewTranslator() *Translator {
	return &Translator{}
}

// Translate maps one chunk onto zero or more protocol events, in emission order.
// Chunks arriving after a terminal event are dropped.
func (t *Translator) Translate(chunk models.StreamChunk) []Event {
	if t.done {
		return nil
	}
	var events []Event

	if chunk.Reasoning != "" {
		events = append(events, Event{Type: EventDataReasoning, Reasoning: chunk.Reasoning})
	}
	for _, src := range chunk.Sources {
		events = append(events, Event{Type: EventDataSource, URL: src.URL, Title: src.Title})
	}

	if chunk.Delta != "" {
		events = t.openText(events)
		events = append(events, Event{Type: EventTextDelta, ID: t.textID, Delta: chunk.Delta})
	}

	if tc := chunk.ToolCall; tc != nil {
		// Arguments arrive whole, so availability directly follows the start marker.
		events = append(events,
			Event{Type: EventToolInputStart, ToolCallID: tc.ID, ToolName: tc.Name},
			Event{
				Type:       EventToolInputAvailable,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Input:      json.RawMessage(tc.Arguments),
			})
	}

	if tr := chunk.ToolResult; tr != nil {
		if tr.Status == models.ToolResultError {
			events = append(events, Event{
				Type:       EventToolOutputError,
				ToolCallID: tr.ID,
				ErrorText:  string(tr.Result),
			})
		} else {
			events = append(events, Event{
				Type:       EventToolOutputAvailable,
				ToolCallID: tr.ID,
				Output:     json.RawMessage(tr.Result),
			})
		}
	}

	if chunk.Error != nil {
		events = t.closeText(events)
		events = append(events, Event{
			Type:      EventError,
			ErrorCode: chunk.Error.Code,
			ErrorText: chunk.Error.Message,
			Retryable: chunk.Error.Retryable,
		})
		t.done = true
		return events
	}

	if chunk.Done {
		events = t.closeText(events)
		events = append(events, Event{
			Type:         EventFinish,
			FinishReason: chunk.FinishReason,
			Usage:        chunk.Usage,
		})
		t.done = true
	}

	return events
}

func (t *Translator) openText(events []Event) []Event {
	if t.textOpen {
		return events
	}
	t.textID = uuid.New().String()
	t.textOpen = true
	t.textSeen = true
	return append(events, Event{Type: EventTextStart, ID: t.textID})
}

// closeText balances the part before a terminal event. Streams that never produced
// text still get their start and end pair here.
func (t *Translator) closeText(events []Event) []Event {
	if !t.textSeen {
		events = t.openText(events)
	}
	if !t.textOpen {
		return events
	}
	t.textOpen = false
	return append(events, Event{Type: EventTextEnd, ID: t.textID})
}
