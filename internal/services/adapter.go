package services

import (
	"context"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/mirostanko/chatpipe/internal/models"
)

// ChatRequest carries one resolved request to a provider adapter. The model is
// resolved by the caller; adapters are stateless per call.
type ChatRequest struct {
	Model       string
	Messages    []models.PromptMessage
	Temperature *float32
	MaxTokens   int
	Tools       []mcp.Tool
}

// ChatResponse is the blocking-path result, produced by draining the streaming path.
type ChatResponse struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason models.FinishReason
	Usage        *models.Usage
}

// Adapter is the provider protocol. StreamChat decodes the vendor wire format into
// canonical chunks; SendMessage drains StreamChat so both paths share one decode
// path. Timeouts are caller supplied through ctx.
type Adapter interface {
	SendMessage(ctx context.Context, req ChatRequest) (ChatResponse, error)
	StreamChat(ctx context.Context, req ChatRequest) iter.Seq2[models.StreamChunk, error]
}

// drainStream consumes a canonical chunk stream and concatenates it into a blocking
// response.
func drainStream(seq iter.Seq2[models.StreamChunk, error]) (ChatResponse, error) {
	var sb strings.Builder
	res := ChatResponse{}
	for chunk, err := range seq {
		if err != nil {
			return ChatResponse{}, err
		}
		sb.WriteString(chunk.Delta)
		if chunk.ToolCall != nil {
			res.ToolCalls = append(res.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			res.Usage = chunk.Usage
		}
		if chunk.FinishReason != "" {
			res.FinishReason = chunk.FinishReason
		}
	}
	res.Content = sb.String()
	return res, nil
}

// statusError maps a non-2xx provider response onto the canonical error taxonomy.
// The body is consumed for the error message.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &models.AuthenticationError{Provider: provider, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &models.RateLimitError{Provider: provider, RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return &models.NetworkError{Message: provider + " unavailable: " + msg}
	default:
		return &models.ProviderError{
			Provider:  provider,
			Message:   "unexpected status " + strconv.Itoa(resp.StatusCode) + ": " + msg,
			Retryable: resp.StatusCode >= 500,
		}
	}
}

// extractSystemMessage splits a leading system prompt from the rest of the context.
func extractSystemMessage(messages []models.PromptMessage) (string, []models.PromptMessage) {
	if len(messages) == 0 {
		return "", messages
	}
	if messages[0].Role == models.RoleSystem {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}
