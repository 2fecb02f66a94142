package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/mirostanko/chatpipe/internal/models"
	"github.com/mirostanko/chatpipe/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func translateAll(tr *protocol.Translator, chunks ...models.StreamChunk) []protocol.Event {
	var events []protocol.Event
	for _, chunk := range chunks {
		events = append(events, tr.Translate(chunk)...)
	}
	return events
}

func eventTypes(events []protocol.Event) []protocol.EventType {
	types := make([]protocol.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// assertBalanced checks the part protocol invariant: exactly one text-start and one
// text-end, in that order, with every text-delta in between.
func assertBalanced(t *testing.T, events []protocol.Event) {
	t.Helper()
	start, end := -1, -1
	for i, e := range events {
		switch e.Type {
		case protocol.EventTextStart:
			require.Equal(t, -1, start, "duplicate text-start")
			start = i
		case protocol.EventTextEnd:
			require.Equal(t, -1, end, "duplicate text-end")
			end = i
		case protocol.EventTextDelta:
			require.NotEqual(t, -1, start, "text-delta before text-start")
			require.Equal(t, -1, end, "text-delta after text-end")
		}
	}
	require.NotEqual(t, -1, start, "missing text-start")
	require.NotEqual(t, -1, end, "missing text-end")
	require.Less(t, start, end)
}

func TestTranslateTextStream(t *testing.T) {
	tr := protocol.NewTranslator()

	events := translateAll(tr,
		models.StreamChunk{Delta: "Hel"},
		models.StreamChunk{Delta: "lo"},
		models.StreamChunk{
			FinishReason: models.FinishReasonStop,
			Usage:        &models.Usage{TotalTokens: 9},
			Done:         true,
		},
	)

	assert.Equal(t, []protocol.EventType{
		protocol.EventTextStart,
		protocol.EventTextDelta,
		protocol.EventTextDelta,
		protocol.EventTextEnd,
		protocol.EventFinish,
	}, eventTypes(events))
	assertBalanced(t, events)

	partID := events[0].ID
	require.NotEmpty(t, partID)
	for _, e := range events[:4] {
		assert.Equal(t, partID, e.ID, "text events share the part id")
	}

	finish := events[len(events)-1]
	assert.Equal(t, models.FinishReasonStop, finish.FinishReason)
	require.NotNil(t, finish.Usage)
	assert.Equal(t, 9, finish.Usage.TotalTokens)
}

func TestTranslateEmptyStream(t *testing.T) {
	tr := protocol.NewTranslator()

	events := tr.Translate(models.StreamChunk{FinishReason: models.FinishReasonStop, Done: true})

	assert.Equal(t, []protocol.EventType{
		protocol.EventTextStart,
		protocol.EventTextEnd,
		protocol.EventFinish,
	}, eventTypes(events))
	assertBalanced(t, events)
}

func TestTranslateErrorOnlyStream(t *testing.T) {
	tr := protocol.NewTranslator()

	events := tr.Translate(models.StreamChunk{
		Error: &models.ChunkError{Code: models.ErrCodeRateLimit, Message: "slow down", Retryable: true},
	})

	assert.Equal(t, []protocol.EventType{
		protocol.EventTextStart,
		protocol.EventTextEnd,
		protocol.EventError,
	}, eventTypes(events))
	assertBalanced(t, events)

	errEvent := events[len(events)-1]
	assert.Equal(t, models.ErrCodeRateLimit, errEvent.ErrorCode)
	assert.Equal(t, "slow down", errEvent.ErrorText)
	assert.True(t, errEvent.Retryable)
}

func TestTranslateTextThenError(t *testing.T) {
	tr := protocol.NewTranslator()

	events := translateAll(tr,
		models.StreamChunk{Delta: "partial"},
		models.StreamChunk{Error: &models.ChunkError{Code: models.ErrCodeNetwork, Message: "gone"}},
	)

	assert.Equal(t, []protocol.EventType{
		protocol.EventTextStart,
		protocol.EventTextDelta,
		protocol.EventTextEnd,
		protocol.EventError,
	}, eventTypes(events))
	assertBalanced(t, events)
}

func TestTranslateToolCall(t *testing.T) {
	tr := protocol.NewTranslator()

	events := translateAll(tr,
		models.StreamChunk{ToolCall: &models.ToolCall{
			ID:        "call-1",
			Name:      "get_weather",
			Arguments: json.RawMessage(`{"city":"Oslo"}`),
		}},
		models.StreamChunk{FinishReason: models.FinishReasonToolCalls, Done: true},
	)

	assert.Equal(t, []protocol.EventType{
		protocol.EventToolInputStart,
		protocol.EventToolInputAvailable,
		protocol.EventTextStart,
		protocol.EventTextEnd,
		protocol.EventFinish,
	}, eventTypes(events))
	assertBalanced(t, events)

	assert.Equal(t, "call-1", events[0].ToolCallID)
	assert.Equal(t, "get_weather", events[0].ToolName)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(events[1].Input))
}

func TestTranslateToolResults(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		tr := protocol.NewTranslator()
		events := tr.Translate(models.StreamChunk{ToolResult: &models.ToolResult{
			ID:     "call-1",
			Result: json.RawMessage(`{"temp":4}`),
			Status: models.ToolResultSuccess,
		}})

		require.Len(t, events, 1)
		assert.Equal(t, protocol.EventToolOutputAvailable, events[0].Type)
		assert.JSONEq(t, `{"temp":4}`, string(events[0].Output))
	})

	t.Run("Error", func(t *testing.T) {
		tr := protocol.NewTranslator()
		events := tr.Translate(models.StreamChunk{ToolResult: &models.ToolResult{
			ID:     "call-1",
			Result: json.RawMessage(`"boom"`),
			Status: models.ToolResultError,
		}})

		require.Len(t, events, 1)
		assert.Equal(t, protocol.EventToolOutputError, events[0].Type)
		assert.NotEmpty(t, events[0].ErrorText)
	})
}

func TestTranslateSideChannelData(t *testing.T) {
	tr := protocol.NewTranslator()

	events := tr.Translate(models.StreamChunk{
		Reasoning: "thinking about it",
		Sources:   []models.Source{{URL: "https://example.com", Title: "Example"}},
	})

	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventDataReasoning, events[0].Type)
	assert.Equal(t, "thinking about it", events[0].Reasoning)
	assert.Equal(t, protocol.EventDataSource, events[1].Type)
	assert.Equal(t, "https://example.com", events[1].URL)
}

func TestTranslateInertAfterTerminal(t *testing.T) {
	tr := protocol.NewTranslator()

	translateAll(tr, models.StreamChunk{Done: true})
	events := tr.Translate(models.StreamChunk{Delta: "late"})

	assert.Empty(t, events, "chunks after the terminal event are dropped")
}
