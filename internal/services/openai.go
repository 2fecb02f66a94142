package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/mirostanko/chatpipe/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI implements the Adapter interface on top of the official chat completions
// client.
type OpenAI struct {
	client *goopenai.Client

	logger *slog.Logger
}

const providerNameOpenAI = "openai"

// NewOpenAI creates a new OpenAI adapter with the specified API key. An optional
// base URL overrides the default endpoint for OpenAI-compatible backends.
func NewOpenAI(apiKey, baseURL string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

// SendMessage drains the streaming path into a single response.
func (o OpenAI) SendMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return drainStream(o.StreamChat(ctx, req))
}

// StreamChat streams responses from the OpenAI API, normalizing deltas, tool calls
// and the trailing usage frame into canonical chunks.
func (o OpenAI) StreamChat(ctx context.Context, req ChatRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		msgs := make([]goopenai.ChatCompletionMessage, len(req.Messages))
		for i, msg := range req.Messages {
			msgs[i] = goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		tools := make([]goopenai.Tool, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = goopenai.Tool{
				Type: "function",
				Function: &goopenai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			}
		}

		chatReq := goopenai.ChatCompletionRequest{
			Model:         req.Model,
			Messages:      msgs,
			Tools:         tools,
			MaxTokens:     req.MaxTokens,
			Stream:        true,
			StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
		}
		if req.Temperature != nil {
			chatReq.Temperature = *req.Temperature
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamChunk{}, mapOpenAIError(err))
			return
		}
		defer stream.Close()

		chunkID := uuid.New().String()
		finishReason := models.FinishReasonStop
		var usage *models.Usage

		toolUse := false
		toolArgs := ""
		toolCall := models.ToolCall{}

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamChunk{}, mapOpenAIError(err))
				return
			}

			if response.Usage != nil {
				usage = &models.Usage{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
					TotalTokens:      response.Usage.TotalTokens,
				}
			}

			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]

			if choice.FinishReason != "" {
				finishReason = openAICompatFinishReason(string(choice.FinishReason))
			}

			if len(choice.Delta.ToolCalls) > 0 {
				if len(choice.Delta.ToolCalls) > 1 {
					o.logger.Warn("Received multiple tool calls, but only the first one is supported",
						slog.Int("count", len(choice.Delta.ToolCalls)))
				}
				toolArgs += choice.Delta.ToolCalls[0].Function.Arguments
				if !toolUse {
					toolUse = true
					toolCall.ID = choice.Delta.ToolCalls[0].ID
					toolCall.Name = choice.Delta.ToolCalls[0].Function.Name
				}
			}

			if choice.Delta.Content != "" {
				if !yield(models.StreamChunk{ID: chunkID, Delta: choice.Delta.Content}, nil) {
					return
				}
			}
		}

		if toolUse {
			if toolArgs == "" {
				toolArgs = "{}"
			}
			toolCall.Arguments = json.RawMessage(toolArgs)
			if !yield(models.StreamChunk{ID: chunkID, ToolCall: &toolCall}, nil) {
				return
			}
			finishReason = models.FinishReasonToolCalls
		}

		yield(models.StreamChunk{
			ID:           chunkID,
			FinishReason: finishReason,
			Usage:        usage,
			Done:         true,
		}, nil)
	}
}

func mapOpenAIError(err error) error {
	var apiErr *goopenai.APIError
	if !errors.As(err, &apiErr) {
		return &models.NetworkError{Message: "error sending request", Err: err}
	}

	switch apiErr.HTTPStatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &models.AuthenticationError{Provider: providerNameOpenAI, Message: apiErr.Message}
	case http.StatusTooManyRequests:
		return &models.RateLimitError{Provider: providerNameOpenAI}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &models.NetworkError{Message: providerNameOpenAI + " unavailable", Err: err}
	default:
		return &models.ProviderError{
			Provider:  providerNameOpenAI,
			Message:   apiErr.Message,
			Retryable: apiErr.HTTPStatusCode >= 500,
			Err:       err,
		}
	}
}
