package services

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/google/uuid"
	"github.com/mirostanko/chatpipe/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama implements the Adapter interface for a local Ollama server.
type Ollama struct {
	host string

	client *api.Client

	logger *slog.Logger
}

const providerNameOllama = "ollama"

// NewOllama creates a new Ollama adapter for the given host URL. If the host URL is
// invalid, the function panics; the host comes from static configuration.
func NewOllama(host string, logger *slog.Logger) Ollama {
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:   host,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}
}

// SendMessage drains the streaming path into a single response.
func (o Ollama) SendMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return drainStream(o.StreamChat(ctx, req))
}

// StreamChat streams responses from the Ollama model. The client delivers frames
// through a callback; each frame is normalized into a canonical chunk, with the
// final frame mapped to the terminal done chunk carrying usage metrics.
func (o Ollama) StreamChat(ctx context.Context, req ChatRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		msgs := make([]api.Message, len(req.Messages))
		for i, msg := range req.Messages {
			msgs[i] = api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		tools, err := ollamaTools(req.Tools)
		if err != nil {
			yield(models.StreamChunk{}, err)
			return
		}

		t := true
		chatReq := api.ChatRequest{
			Model:    req.Model,
			Messages: msgs,
			Tools:    tools,
			Stream:   &t,
		}
		if req.Temperature != nil || req.MaxTokens > 0 {
			chatReq.Options = map[string]any{}
			if req.Temperature != nil {
				chatReq.Options["temperature"] = *req.Temperature
			}
			if req.MaxTokens > 0 {
				chatReq.Options["num_predict"] = req.MaxTokens
			}
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunkID := uuid.New().String()

		// The client may invoke the callback again before it observes the cancelled
		// context; a yield that returned false must never be called again.
		stopped := false
		emit := func(chunk models.StreamChunk) {
			if stopped {
				return
			}
			if !yield(chunk, nil) {
				stopped = true
				cancel()
			}
		}

		if err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if res.Done {
				usage := models.Usage{
					PromptTokens:     res.Metrics.PromptEvalCount,
					CompletionTokens: res.Metrics.EvalCount,
					TotalTokens:      res.Metrics.PromptEvalCount + res.Metrics.EvalCount,
				}
				emit(models.StreamChunk{
					ID:           chunkID,
					FinishReason: ollamaFinishReason(res.DoneReason),
					Usage:        &usage,
					Done:         true,
				})
				return nil
			}

			for _, tc := range res.Message.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					args = json.RawMessage("{}")
				}
				emit(models.StreamChunk{
					ID: chunkID,
					ToolCall: &models.ToolCall{
						ID:        uuid.New().String(),
						Name:      tc.Function.Name,
						Arguments: args,
					},
				})
			}

			if res.Message.Content != "" {
				emit(models.StreamChunk{ID: chunkID, Delta: res.Message.Content})
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamChunk{}, &models.NetworkError{Message: providerNameOllama + ": error sending request", Err: err})
		}
	}
}

func ollamaTools(tools []mcp.Tool) ([]api.Tool, error) {
	out := make([]api.Tool, len(tools))
	for i, tool := range tools {
		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
			},
		}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &out[i].Function.Parameters); err != nil {
				return nil, &models.ValidationError{Message: "invalid input schema for tool " + tool.Name}
			}
		}
	}
	return out, nil
}

func ollamaFinishReason(doneReason string) models.FinishReason {
	switch doneReason {
	case "length":
		return models.FinishReasonLength
	default:
		return models.FinishReasonStop
	}
}
