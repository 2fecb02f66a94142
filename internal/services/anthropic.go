package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/mirostanko/chatpipe/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic implements the Adapter interface against the Anthropic messages API,
// decoding its event-stream wire format into canonical chunks.
type Anthropic struct {
	apiKey    string
	maxTokens int
	endpoint  string

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Thinking   string `json:"thinking"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"

	defaultAnthropicMaxTokens = 4096

	providerNameAnthropic = "anthropic"
)

// NewAnthropic creates a new Anthropic adapter with the specified API key and
// maximum completion token limit. The model is taken from each request.
func NewAnthropic(apiKey string, maxTokens int, logger *slog.Logger) Anthropic {
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return Anthropic{
		apiKey:    apiKey,
		maxTokens: maxTokens,
		endpoint:  anthropicAPIEndpoint,
		client:    &http.Client{},
		logger:    logger.With(slog.String("module", "anthropic")),
	}
}

// SendMessage drains the streaming path and concatenates deltas into a single
// response.
func (a Anthropic) SendMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return drainStream(a.StreamChat(ctx, req))
}

// StreamChat streams responses from the Anthropic API for the given request. A
// transport failure or non-2xx status aborts the stream with an error mapped onto
// the canonical taxonomy before any chunk is emitted; malformed individual frames
// are skipped and the stream continues.
func (a Anthropic) StreamChat(ctx context.Context, req ChatRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		systemMessage, ms := extractSystemMessage(req.Messages)

		msgs := make([]anthropicMessage, len(ms))
		for i, msg := range ms {
			msgs[i] = anthropicMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		maxTokens := req.MaxTokens
		if maxTokens == 0 {
			maxTokens = a.maxTokens
		}
		reqBody := anthropicChatRequest{
			Model:       req.Model,
			Messages:    msgs,
			System:      systemMessage,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
			Stream:      true,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(models.StreamChunk{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(models.StreamChunk{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", a.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamChunk{}, &models.NetworkError{Message: "error sending request", Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(models.StreamChunk{}, statusError(providerNameAnthropic, resp))
			return
		}

		chunkID := uuid.New().String()
		finishReason := models.FinishReasonStop
		usage := models.Usage{}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamChunk{}, &models.NetworkError{Message: "error reading response", Err: err})
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					a.logger.Warn("Skipping malformed error frame", slog.String("data", ev.Data))
					continue
				}
				yield(models.StreamChunk{}, &models.ProviderError{
					Provider:  providerNameAnthropic,
					Message:   fmt.Sprintf("%s: %s", e.Error.Type, e.Error.Message),
					Retryable: e.Error.Type == "overloaded_error",
				})
				return
			case "message_start":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					a.logger.Warn("Skipping malformed frame", slog.String("data", ev.Data))
					continue
				}
				usage.PromptTokens = res.Message.Usage.InputTokens
			case "message_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					a.logger.Warn("Skipping malformed frame", slog.String("data", ev.Data))
					continue
				}
				if res.Delta.StopReason != "" {
					finishReason = anthropicFinishReason(res.Delta.StopReason)
				}
				usage.CompletionTokens = res.Usage.OutputTokens
			case "message_stop":
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				yield(models.StreamChunk{
					ID:           chunkID,
					FinishReason: finishReason,
					Usage:        &usage,
					Done:         true,
				}, nil)
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					a.logger.Warn("Skipping malformed frame", slog.String("data", ev.Data))
					continue
				}
				chunk := models.StreamChunk{ID: chunkID}
				if res.Delta.Type == "thinking_delta" {
					chunk.Reasoning = res.Delta.Thinking
				} else {
					chunk.Delta = res.Delta.Text
				}
				if chunk.Delta == "" && chunk.Reasoning == "" {
					continue
				}
				if !yield(chunk, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

func anthropicFinishReason(stopReason string) models.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return models.FinishReasonStop
	case "max_tokens":
		return models.FinishReasonLength
	case "tool_use":
		return models.FinishReasonToolCalls
	default:
		return models.FinishReasonStop
	}
}
