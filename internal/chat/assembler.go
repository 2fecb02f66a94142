package chat

import (
	"context"
	"log/slog"

	"github.com/mirostanko/chatpipe/internal/models"
)

// assemblerFetchLimit bounds how much history one assembly pass reads. Anything
// beyond it would not fit a realistic window anyway.
const assemblerFetchLimit = 200

// Assembler builds a token-bounded, chronologically ordered conversation context
// from persisted history. The most recent exchanges are always kept; the oldest are
// dropped first.
type Assembler struct {
	store MessageStore

	logger *slog.Logger
}

// NewAssembler creates an Assembler reading from the given message store.
func NewAssembler(store MessageStore, logger *slog.Logger) Assembler {
	return Assembler{
		store:  store,
		logger: logger.With(slog.String("module", "assembler")),
	}
}

// Build assembles the context for one request. The system prompt, if present, is
// always first and always kept. History is fetched newest-first and walked newest
// to oldest, accumulating messages while the token estimate stays within the
// window; the kept suffix is then reversed to chronological order.
//
// If the store is unreachable the caller still gets a usable context: only the
// system prompt, with the Degraded flag set.
func (a Assembler) Build(ctx context.Context, sessionID, systemPrompt string, window int) models.ConversationContext {
	cc := models.ConversationContext{Window: window}
	if systemPrompt != "" {
		cc.Messages = append(cc.Messages, models.PromptMessage{
			Role:    models.RoleSystem,
			Content: systemPrompt,
		})
		cc.TokenCount = models.EstimateTokens(systemPrompt)
	}

	history, err := a.store.MessagesBySession(ctx, sessionID, models.MessageQuery{Limit: assemblerFetchLimit})
	if err != nil {
		a.logger.Error("Failed to fetch history, degrading to system prompt only",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
		cc.Degraded = true
		return cc
	}

	kept := 0
	for _, msg := range history {
		cost := models.EstimateTokens(msg.Content)
		if cc.TokenCount+cost > window {
			break
		}
		cc.TokenCount += cost
		kept++
	}
	if kept < len(history) {
		cc.Trimmed = true
	} else if total, err := a.store.CountBySession(ctx, sessionID); err == nil && total > len(history) {
		cc.Trimmed = true
	}

	for i := kept - 1; i >= 0; i-- {
		cc.Messages = append(cc.Messages, models.PromptMessage{
			Role:    history[i].Role,
			Content: history[i].Content,
		})
	}

	return cc
}
