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

// OpenRouter implements the Adapter interface against the OpenRouter chat
// completions API.
type OpenRouter struct {
	apiKey   string
	endpoint string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Tools       []openRouterTool    `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float32            `json:"temperature,omitempty"`
	Stream      bool                `json:"stream"`
}

type openRouterMessage struct {
	Role      string                `json:"role"`
	Content   string                `json:"content,omitempty"`
	Reasoning string                `json:"reasoning,omitempty"`
	ToolCalls []openRouterToolCalls `json:"tool_calls,omitempty"`
}

type openRouterToolCalls struct {
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Function openRouterToolCallFunction `json:"function"`
}

type openRouterToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openRouterTool struct {
	Type     string                 `json:"type"`
	Function openRouterToolFunction `json:"function"`
}

type openRouterToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openRouterStreamingResponse struct {
	Choices   []openRouterStreamingChoice `json:"choices"`
	Usage     *openRouterUsage            `json:"usage"`
	Citations []string                    `json:"citations"`
}

type openRouterStreamingChoice struct {
	Delta        openRouterMessage `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openRouterUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"

	providerNameOpenRouter = "openrouter"
)

// NewOpenRouter creates a new OpenRouter adapter with the specified API key.
func NewOpenRouter(apiKey string, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		apiKey:   apiKey,
		endpoint: openRouterAPIEndpoint,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "openrouter")),
	}
}

// SendMessage drains the streaming path into a single response.
func (o OpenRouter) SendMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return drainStream(o.StreamChat(ctx, req))
}

// StreamChat streams responses from the OpenRouter API. Tool call arguments arrive
// fragmented across deltas and are accumulated until complete, so the canonical
// tool-call chunk always carries whole arguments. Citations and reasoning deltas are
// surfaced as side-channel fields on their own chunks.
func (o OpenRouter) StreamChat(ctx context.Context, req ChatRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		resp, err := o.doRequest(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamChunk{}, err)
			return
		}
		defer resp.Body.Close()

		chunkID := uuid.New().String()
		finishReason := models.FinishReasonStop
		var usage *models.Usage
		var sources []models.Source

		toolUse := false
		toolArgs := ""
		toolCall := models.ToolCall{}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamChunk{}, &models.NetworkError{Message: "error reading response", Err: err})
				return
			}

			if ev.Data == "[DONE]" {
				break
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				o.logger.Warn("Skipping malformed frame", slog.String("data", ev.Data))
				continue
			}

			if res.Usage != nil {
				usage = &models.Usage{
					PromptTokens:     res.Usage.PromptTokens,
					CompletionTokens: res.Usage.CompletionTokens,
					TotalTokens:      res.Usage.TotalTokens,
				}
			}
			for _, c := range res.Citations {
				sources = append(sources, models.Source{URL: c})
			}

			if len(res.Choices) == 0 {
				continue
			}
			choice := res.Choices[0]

			if choice.FinishReason != "" {
				finishReason = openAICompatFinishReason(choice.FinishReason)
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

			if choice.Delta.Reasoning != "" {
				if !yield(models.StreamChunk{ID: chunkID, Reasoning: choice.Delta.Reasoning}, nil) {
					return
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
			Sources:      sources,
			Done:         true,
		}, nil)
	}
}

func (o OpenRouter) doRequest(ctx context.Context, req ChatRequest) (*http.Response, error) {
	msgs := make([]openRouterMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = openRouterMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	tools := make([]openRouterTool, len(req.Tools))
	for i, tool := range req.Tools {
		tools[i] = openRouterTool{
			Type: "function",
			Function: openRouterToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.InputSchema),
			},
		}
	}

	reqBody := openRouterChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Tools:       tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &models.NetworkError{Message: "error sending request", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(providerNameOpenRouter, resp)
	}

	return resp, nil
}

func openAICompatFinishReason(reason string) models.FinishReason {
	switch reason {
	case "stop":
		return models.FinishReasonStop
	case "length":
		return models.FinishReasonLength
	case "tool_calls":
		return models.FinishReasonToolCalls
	case "content_filter":
		return models.FinishReasonContentFilter
	default:
		return models.FinishReasonStop
	}
}
