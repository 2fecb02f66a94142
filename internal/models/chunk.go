package models

// FinishReason explains why a stream terminated.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonCancelled     FinishReason = "cancelled"
)

// Usage reports token consumption for a completed exchange. Counts are vendor
// reported where available, otherwise estimates.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Source is a citation attached to a response as side-channel data.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ChunkError is the wire form of a stream failure. Code follows the canonical error
// taxonomy so the consumer can decide on retryability without unwrapping.
type ChunkError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	// RetryAfter is the suggested delay in seconds before retrying, for rate limits.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// StreamChunk is the adapter-agnostic representation of one increment of a streaming
// response. Every adapter normalizes its vendor wire format into this shape.
//
// Per correlation id exactly one terminal chunk is delivered: either Done is true or
// Error is set. No chunks follow a terminal chunk.
type StreamChunk struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"sessionId,omitempty"`
	MessageID    string       `json:"messageId,omitempty"`
	Delta        string       `json:"delta,omitempty"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Done         bool         `json:"done"`
	Sources      []Source     `json:"sources,omitempty"`
	Reasoning    string       `json:"reasoning,omitempty"`
	ToolCall     *ToolCall    `json:"toolCall,omitempty"`
	ToolResult   *ToolResult  `json:"toolResult,omitempty"`
	Error        *ChunkError  `json:"error,omitempty"`
}

// Terminal reports whether this chunk closes its stream.
func (c StreamChunk) Terminal() bool {
	return c.Done || c.Error != nil
}
