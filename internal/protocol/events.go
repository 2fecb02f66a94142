package protocol

import (
	"github.com/goccy/go-json"
	"github.com/mirostanko/chatpipe/internal/models"
)

// EventType identifies one consumer-protocol event.
type EventType string

const (
	EventTextStart           EventType = "text-start"
	EventTextDelta           EventType = "text-delta"
	EventTextEnd             EventType = "text-end"
	EventToolInputStart      EventType = "tool-input-start"
	EventToolInputAvailable  EventType = "tool-input-available"
	EventToolOutputAvailable EventType = "tool-output-available"
	EventToolOutputError     EventType = "tool-output-error"
	EventDataSource          EventType = "data-source"
	EventDataReasoning       EventType = "data-reasoning"
	EventError               EventType = "error"
	EventFinish              EventType = "finish"
)

// Event is one consumer-protocol frame. Fields are populated per type; unused ones
// are omitted on the wire.
type Event struct {
	Type EventType `json:"type"`

	// ID names the text part for text-start, text-delta and text-end.
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`

	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`

	Reasoning string `json:"reasoning,omitempty"`

	ErrorCode string `json:"errorCode,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	FinishReason models.FinishReason `json:"finishReason,omitempty"`
	Usage        *models.Usage       `json:"usage,omitempty"`
}

// Marshal renders an event as its wire JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
