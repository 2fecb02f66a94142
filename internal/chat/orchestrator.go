package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/google/uuid"
	"github.com/mirostanko/chatpipe/internal/models"
	"github.com/mirostanko/chatpipe/internal/services"
)

const (
	// maxMessageLength caps user input, in runes.
	maxMessageLength = 8000

	// defaultContextWindow is used when a model's configuration doesn't declare one.
	defaultContextWindow = 4096

	titleMaxLength   = 50
	titleMaxTokens   = 64
	titleTemperature = float32(0.2)
)

const defaultTitlePrompt = "Generate a concise title, at most 50 characters, for a conversation " +
	"that starts with the following message. Respond with the title only, no quotes."

// Orchestrator runs the full lifecycle of a conversation turn: validation,
// persistence, context assembly, the provider call, incremental persistence of the
// assistant reply and session bookkeeping.
type Orchestrator struct {
	messages  MessageStore
	sessions  SessionStore
	catalog   *services.Catalog
	registry  *services.Registry
	assembler Assembler

	systemPrompt   string
	titlePrompt    string
	defaultModelID string

	logger *slog.Logger
}

// Config carries the orchestrator's dependencies and prompts.
type Config struct {
	Messages MessageStore
	Sessions SessionStore
	Catalog  *services.Catalog
	Registry *services.Registry

	SystemPrompt   string
	TitlePrompt    string
	DefaultModelID string

	Logger *slog.Logger
}

// SendOptions selects the session and model for one turn. Empty SessionID starts a
// new session; empty ModelID falls back to the session's model, then the configured
// default.
type SendOptions struct {
	SessionID string
	ModelID   string
	Tools     []mcp.Tool
}

// SendResult is the blocking-path outcome of one turn.
type SendResult struct {
	SessionID    string
	MessageID    string
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason models.FinishReason
	Usage        *models.Usage
}

// Stream is the streaming-path outcome of one turn. SessionID and UserMessageID are
// known before the first chunk so the caller can acknowledge immediately. Seq starts
// the provider call under the given context and produces the canonical chunks; the
// sequence ends with exactly one terminal chunk unless the consumer stops early or
// the context is cancelled mid-stream.
type Stream struct {
	SessionID     string
	UserMessageID string

	Seq func(ctx context.Context) iter.Seq[models.StreamChunk]
}

// NewOrchestrator creates an Orchestrator from its config.
func NewOrchestrator(cfg Config) *Orchestrator {
	titlePrompt := cfg.TitlePrompt
	if titlePrompt == "" {
		titlePrompt = defaultTitlePrompt
	}
	logger := cfg.Logger.With(slog.String("module", "orchestrator"))
	return &Orchestrator{
		messages:       cfg.Messages,
		sessions:       cfg.Sessions,
		catalog:        cfg.Catalog,
		registry:       cfg.Registry,
		assembler:      NewAssembler(cfg.Messages, cfg.Logger),
		systemPrompt:   cfg.SystemPrompt,
		titlePrompt:    titlePrompt,
		defaultModelID: cfg.DefaultModelID,
		logger:         logger,
	}
}

// exchange is the resolved state of one turn after the preamble.
type exchange struct {
	session  models.ChatSession
	model    services.Model
	provider services.Provider
	adapter  services.Adapter
	userMsg  models.Message
	tools    []mcp.Tool
}

// SendMessage runs one turn on the blocking path. The user message is persisted
// before the provider call and retained on failure so the user's input is never
// lost.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, opts SendOptions) (SendResult, error) {
	ex, err := o.prepare(ctx, text, opts)
	if err != nil {
		return SendResult{}, err
	}

	cc := o.assembler.Build(ctx, ex.session.ID, o.systemPrompt, o.window(ex.model))
	res, err := ex.adapter.SendMessage(ctx, services.ChatRequest{
		Model:     ex.model.Name,
		Messages:  cc.Messages,
		MaxTokens: ex.model.MaxTokens,
		Tools:     ex.tools,
	})
	if err != nil {
		return SendResult{}, canonicalProviderError(ex.provider.ID, err)
	}

	assistant := models.Message{
		ID:        uuid.New().String(),
		SessionID: ex.session.ID,
		Role:      models.RoleAssistant,
		Content:   res.Content,
		ToolCalls: res.ToolCalls,
		Timestamp: time.Now(),
	}
	if err := o.messages.SaveMessage(ctx, assistant); err != nil {
		return SendResult{}, fmt.Errorf("failed to save assistant message: %w", err)
	}

	o.completeExchange(ctx, ex)

	return SendResult{
		SessionID:    ex.session.ID,
		MessageID:    assistant.ID,
		Content:      res.Content,
		ToolCalls:    res.ToolCalls,
		FinishReason: res.FinishReason,
		Usage:        res.Usage,
	}, nil
}

// StreamMessage runs one turn on the streaming path. The preamble (validation,
// session and model resolution, persisting the user message) happens before this
// returns; consuming Seq drives the provider call.
func (o *Orchestrator) StreamMessage(ctx context.Context, text string, opts SendOptions) (Stream, error) {
	ex, err := o.prepare(ctx, text, opts)
	if err != nil {
		return Stream{}, err
	}
	return Stream{
		SessionID:     ex.session.ID,
		UserMessageID: ex.userMsg.ID,
		Seq:           o.streamExchange(ex),
	}, nil
}

// RegenerateLastResponse replays the latest user message of a session. Any assistant
// messages newer than it are deleted first, so the exchange ends up with exactly one
// assistant reply; the user message itself is reused, not duplicated.
func (o *Orchestrator) RegenerateLastResponse(ctx context.Context, sessionID string) (Stream, error) {
	session, found, err := o.sessions.Session(ctx, sessionID)
	if err != nil {
		return Stream{}, fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		return Stream{}, &models.ContextError{Message: fmt.Sprintf("unknown session: %q", sessionID)}
	}

	history, err := o.messages.MessagesBySession(ctx, sessionID, models.MessageQuery{Limit: 10})
	if err != nil {
		return Stream{}, fmt.Errorf("failed to load history: %w", err)
	}

	userIdx := -1
	for i, msg := range history {
		if msg.Role == models.RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		return Stream{}, &models.ContextError{Message: "no user message to regenerate from"}
	}
	for i := 0; i < userIdx; i++ {
		if history[i].Role != models.RoleAssistant {
			continue
		}
		if err := o.messages.DeleteMessage(ctx, history[i].ID); err != nil {
			return Stream{}, fmt.Errorf("failed to delete assistant message: %w", err)
		}
	}

	model, provider, err := o.catalog.Resolve(o.modelID(session, ""))
	if err != nil {
		return Stream{}, err
	}
	adapter, err := o.registry.Adapter(provider.ID)
	if err != nil {
		return Stream{}, err
	}

	ex := exchange{
		session:  session,
		model:    model,
		provider: provider,
		adapter:  adapter,
		userMsg:  history[userIdx],
	}
	return Stream{
		SessionID:     session.ID,
		UserMessageID: ex.userMsg.ID,
		Seq:           o.streamExchange(ex),
	}, nil
}

// GenerateConversationTitle derives a short session title from the first user
// message. It is idempotent: a session that already has a non-default title is left
// alone unless force is set.
func (o *Orchestrator) GenerateConversationTitle(ctx context.Context, sessionID string, force bool) (string, error) {
	session, found, err := o.sessions.Session(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		return "", &models.ContextError{Message: fmt.Sprintf("unknown session: %q", sessionID)}
	}
	if session.HasGeneratedTitle() && !force {
		return session.Title, nil
	}

	history, err := o.messages.MessagesBySession(ctx, sessionID, models.MessageQuery{})
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	firstUser := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			firstUser = history[i].Content
			break
		}
	}
	if firstUser == "" {
		return "", &models.ContextError{Message: "no user message to derive a title from"}
	}

	model, provider, err := o.catalog.Resolve(o.modelID(session, ""))
	if err != nil {
		return "", err
	}
	adapter, err := o.registry.Adapter(provider.ID)
	if err != nil {
		return "", err
	}

	temp := titleTemperature
	res, err := adapter.SendMessage(ctx, services.ChatRequest{
		Model: model.Name,
		Messages: []models.PromptMessage{
			{Role: models.RoleSystem, Content: o.titlePrompt},
			{Role: models.RoleUser, Content: firstUser},
		},
		Temperature: &temp,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		return "", canonicalProviderError(provider.ID, err)
	}

	title := strings.Trim(strings.TrimSpace(res.Content), `"`)
	if title == "" {
		return session.Title, nil
	}
	title = truncateRunes(title, titleMaxLength)

	session.Title = title
	if err := o.sessions.SaveSession(ctx, session); err != nil {
		return "", fmt.Errorf("failed to save session title: %w", err)
	}
	return title, nil
}

// prepare runs the shared preamble of a turn: validation, model resolution, session
// resolution or creation, and persisting the user message. Everything that can fail
// fast does so before the first write.
func (o *Orchestrator) prepare(ctx context.Context, text string, opts SendOptions) (exchange, error) {
	if strings.TrimSpace(text) == "" {
		return exchange{}, &models.ValidationError{Message: "message text is required"}
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return exchange{}, &models.ValidationError{
			Message: fmt.Sprintf("message exceeds maximum length of %d characters", maxMessageLength),
		}
	}

	var session models.ChatSession
	if opts.SessionID != "" {
		found := false
		var err error
		session, found, err = o.sessions.Session(ctx, opts.SessionID)
		if err != nil {
			return exchange{}, fmt.Errorf("failed to load session: %w", err)
		}
		if !found {
			return exchange{}, &models.ContextError{Message: fmt.Sprintf("unknown session: %q", opts.SessionID)}
		}
	}

	model, provider, err := o.catalog.Resolve(o.modelID(session, opts.ModelID))
	if err != nil {
		return exchange{}, err
	}
	adapter, err := o.registry.Adapter(provider.ID)
	if err != nil {
		return exchange{}, err
	}

	if session.ID == "" {
		now := time.Now()
		session = models.ChatSession{
			ID:           uuid.New().String(),
			Title:        models.DefaultSessionTitle,
			ModelID:      model.ID,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if err := o.sessions.SaveSession(ctx, session); err != nil {
			return exchange{}, fmt.Errorf("failed to create session: %w", err)
		}
	}

	userMsg := models.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	if err := o.messages.SaveMessage(ctx, userMsg); err != nil {
		return exchange{}, fmt.Errorf("failed to save user message: %w", err)
	}

	return exchange{
		session:  session,
		model:    model,
		provider: provider,
		adapter:  adapter,
		userMsg:  userMsg,
		tools:    opts.Tools,
	}, nil
}

// streamExchange runs the provider stream for a prepared exchange. Assistant content
// is persisted incrementally: a placeholder message is created on the first content
// delta and appended to before each chunk is yielded, so on interruption the store
// holds exactly the prefix the consumer has seen.
func (o *Orchestrator) streamExchange(ex exchange) func(ctx context.Context) iter.Seq[models.StreamChunk] {
	return func(ctx context.Context) iter.Seq[models.StreamChunk] {
		return func(yield func(models.StreamChunk) bool) {
			o.runStream(ctx, ex, yield)
		}
	}
}

func (o *Orchestrator) runStream(ctx context.Context, ex exchange, yield func(models.StreamChunk) bool) {
	cc := o.assembler.Build(ctx, ex.session.ID, o.systemPrompt, o.window(ex.model))
	req := services.ChatRequest{
		Model:     ex.model.Name,
		Messages:  cc.Messages,
		MaxTokens: ex.model.MaxTokens,
		Tools:     ex.tools,
	}

	var assistant *models.Message
	enrich := func(chunk models.StreamChunk) models.StreamChunk {
		chunk.SessionID = ex.session.ID
		if assistant != nil {
			chunk.MessageID = assistant.ID
		}
		return chunk
	}
	fail := func(err error) {
		cerr := canonicalProviderError(ex.provider.ID, err)
		o.logger.Error("Stream failed",
			slog.String("sessionID", ex.session.ID),
			slog.String("provider", ex.provider.ID),
			slog.String("err", cerr.Error()))
		yield(enrich(models.StreamChunk{
			ID:    uuid.New().String(),
			Error: models.ChunkErrorFrom(cerr),
		}))
	}

	for chunk, err := range ex.adapter.StreamChat(ctx, req) {
		if err != nil {
			fail(err)
			return
		}

		if chunk.Delta != "" || chunk.ToolCall != nil {
			if assistant == nil {
				assistant = &models.Message{
					ID:        uuid.New().String(),
					SessionID: ex.session.ID,
					Role:      models.RoleAssistant,
					Timestamp: time.Now(),
				}
			}
			assistant.Content += chunk.Delta
			if chunk.ToolCall != nil {
				assistant.ToolCalls = append(assistant.ToolCalls, *chunk.ToolCall)
			}
			if err := o.messages.SaveMessage(ctx, *assistant); err != nil {
				fail(fmt.Errorf("failed to save assistant message: %w", err))
				return
			}
		}

		if chunk.Done {
			o.completeExchange(ctx, ex)
			yield(enrich(chunk))
			return
		}
		if !yield(enrich(chunk)) {
			return
		}
	}
}

// completeExchange bumps session activity after a successful turn and kicks off
// title generation when this was the session's first full exchange.
func (o *Orchestrator) completeExchange(ctx context.Context, ex exchange) {
	ex.session.LastActiveAt = time.Now()
	ex.session.ModelID = ex.model.ID
	if err := o.sessions.SaveSession(ctx, ex.session); err != nil {
		o.logger.Error("Failed to update session activity",
			slog.String("sessionID", ex.session.ID),
			slog.String("err", err.Error()))
	}

	if !ex.session.HasGeneratedTitle() && o.isFirstExchange(ctx, ex.session.ID) {
		go func() {
			if _, err := o.GenerateConversationTitle(context.Background(), ex.session.ID, false); err != nil {
				o.logger.Error("Failed to generate session title",
					slog.String("sessionID", ex.session.ID),
					slog.String("err", err.Error()))
			}
		}()
	}
}

// isFirstExchange reports whether the session holds exactly one user and one
// assistant message, ignoring system messages.
func (o *Orchestrator) isFirstExchange(ctx context.Context, sessionID string) bool {
	history, err := o.messages.MessagesBySession(ctx, sessionID, models.MessageQuery{Limit: 3})
	if err != nil {
		o.logger.Error("Failed to count exchange",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
		return false
	}

	users, assistants := 0, 0
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			users++
		case models.RoleAssistant:
			assistants++
		}
	}
	return users == 1 && assistants == 1
}

func (o *Orchestrator) modelID(session models.ChatSession, override string) string {
	if override != "" {
		return override
	}
	if session.ModelID != "" {
		return session.ModelID
	}
	return o.defaultModelID
}

func (o *Orchestrator) window(model services.Model) int {
	if model.ContextWindow > 0 {
		return model.ContextWindow
	}
	return defaultContextWindow
}

// canonicalProviderError keeps errors that already carry a taxonomy code and wraps
// anything else as a provider failure.
func canonicalProviderError(providerID string, err error) error {
	if models.ErrorCode(err) != models.ErrCodeInternal {
		return err
	}
	return &models.ProviderError{Provider: providerID, Message: "provider call failed", Err: err}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
