package chat_test

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mirostanko/chatpipe/internal/chat"
	"github.com/mirostanko/chatpipe/internal/models"
	"github.com/mirostanko/chatpipe/internal/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory MessageStore and SessionStore. It is mutex guarded
// because title generation writes from a background goroutine.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]models.ChatSession
	messages []models.Message // save order, chronological
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]models.ChatSession)}
}

func (s *memStore) Sessions(context.Context) ([]models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (s *memStore) Session(_ context.Context, id string) (models.ChatSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok, nil
}

func (s *memStore) SaveSession(_ context.Context, session models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memStore) Message(_ context.Context, id string) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ID == id {
			return msg, true, nil
		}
	}
	return models.Message{}, false, nil
}

func (s *memStore) SaveMessage(_ context.Context, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.messages {
		if msg.ID == message.ID {
			s.messages[i] = message
			return nil
		}
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *memStore) MessagesBySession(
	_ context.Context,
	sessionID string,
	q models.MessageQuery,
) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if msg.SessionID != sessionID {
			continue
		}
		if !q.IncludeSystem && msg.Role == models.RoleSystem {
			continue
		}
		out = append(out, msg)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) CountBySession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.messages {
		if msg.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memStore) DeleteMessagesBySession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.SessionID != sessionID {
			kept = append(kept, msg)
		}
	}
	s.messages = kept
	return nil
}

func (s *memStore) bySession(t *testing.T, sessionID string, role models.Role) []models.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, msg := range s.messages {
		if msg.SessionID == sessionID && msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

type stubAdapter struct {
	mu        sync.Mutex
	chunks    []models.StreamChunk
	streamErr error
	response  services.ChatResponse
	sendCalls int
}

func (a *stubAdapter) SendMessage(context.Context, services.ChatRequest) (services.ChatResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendCalls++
	return a.response, nil
}

func (a *stubAdapter) sentCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendCalls
}

func (a *stubAdapter) StreamChat(context.Context, services.ChatRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		if a.streamErr != nil {
			yield(models.StreamChunk{}, a.streamErr)
			return
		}
		for _, chunk := range a.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func newFixture(adapter services.Adapter) (*chat.Orchestrator, *memStore) {
	store := newMemStore()

	registry := services.NewRegistry()
	registry.Register("p1", adapter)

	catalog := services.NewCatalog()
	catalog.AddProvider(services.Provider{ID: "p1", Type: services.ProviderTypeAnthropic, Enabled: true})
	catalog.AddModel(services.Model{ID: "m1", ProviderID: "p1", Name: "model-x", ContextWindow: 8000, MaxTokens: 512})

	orchestrator := chat.NewOrchestrator(chat.Config{
		Messages:       store,
		Sessions:       store,
		Catalog:        catalog,
		Registry:       registry,
		SystemPrompt:   "You are helpful.",
		DefaultModelID: "m1",
		Logger:         discardLogger(),
	})
	return orchestrator, store
}

func doneChunk() models.StreamChunk {
	return models.StreamChunk{
		FinishReason: models.FinishReasonStop,
		Usage:        &models.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		Done:         true,
	}
}

func TestStreamMessage(t *testing.T) {
	adapter := &stubAdapter{
		chunks:   []models.StreamChunk{{Delta: "Hel"}, {Delta: "lo"}, doneChunk()},
		response: services.ChatResponse{Content: "Friendly greeting"},
	}
	orchestrator, store := newFixture(adapter)

	stream, err := orchestrator.StreamMessage(context.Background(), "Hi there", chat.SendOptions{})
	if err != nil {
		t.Fatalf("StreamMessage() error = %v", err)
	}
	if stream.SessionID == "" || stream.UserMessageID == "" {
		t.Fatal("stream ids should be known before the first chunk")
	}

	var chunks []models.StreamChunk
	for chunk := range stream.Seq(context.Background()) {
		chunks = append(chunks, chunk)
	}

	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.SessionID != stream.SessionID {
			t.Errorf("chunk %d session id = %q, want %q", i, chunk.SessionID, stream.SessionID)
		}
	}
	if chunks[0].MessageID == "" {
		t.Error("content chunks should carry the assistant message id")
	}
	if !chunks[2].Done {
		t.Error("last chunk should be terminal")
	}

	users := store.bySession(t, stream.SessionID, models.RoleUser)
	if len(users) != 1 || users[0].Content != "Hi there" {
		t.Errorf("user messages = %+v, want exactly the input", users)
	}
	assistants := store.bySession(t, stream.SessionID, models.RoleAssistant)
	if len(assistants) != 1 || assistants[0].Content != "Hello" {
		t.Errorf("assistant messages = %+v, want one with concatenated deltas", assistants)
	}

	// Title generation is asynchronous and best effort.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		session, _, _ := store.Session(context.Background(), stream.SessionID)
		if session.Title == "Friendly greeting" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("session title was not generated after the first exchange")
}

func TestStreamMessageValidation(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "Empty", text: ""},
		{name: "Whitespace only", text: "   \n"},
		{name: "Too long", text: strings.Repeat("a", 8001)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orchestrator, store := newFixture(&stubAdapter{})

			_, err := orchestrator.StreamMessage(context.Background(), tt.text, chat.SendOptions{})
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if code := models.ErrorCode(err); code != models.ErrCodeValidation {
				t.Errorf("error code = %q, want %q", code, models.ErrCodeValidation)
			}

			sessions, _ := store.Sessions(context.Background())
			if len(sessions) != 0 {
				t.Error("validation failures must not create sessions")
			}
		})
	}
}

func TestStreamMessageUnknownModel(t *testing.T) {
	orchestrator, store := newFixture(&stubAdapter{})

	_, err := orchestrator.StreamMessage(context.Background(), "Hi", chat.SendOptions{ModelID: "nope"})
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	if code := models.ErrorCode(err); code != models.ErrCodeConfiguration {
		t.Errorf("error code = %q, want %q", code, models.ErrCodeConfiguration)
	}

	sessions, _ := store.Sessions(context.Background())
	if len(sessions) != 0 {
		t.Error("configuration failures must not create sessions")
	}
}

func TestStreamMessageProviderError(t *testing.T) {
	adapter := &stubAdapter{streamErr: &models.RateLimitError{Provider: "p1", RetryAfter: 30}}
	orchestrator, store := newFixture(adapter)

	stream, err := orchestrator.StreamMessage(context.Background(), "Hi", chat.SendOptions{})
	if err != nil {
		t.Fatalf("StreamMessage() error = %v", err)
	}

	var chunks []models.StreamChunk
	for chunk := range stream.Seq(context.Background()) {
		chunks = append(chunks, chunk)
	}

	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want a single error chunk", len(chunks))
	}
	if chunks[0].Error == nil || chunks[0].Error.Code != models.ErrCodeRateLimit {
		t.Errorf("chunk error = %+v, want rate_limit", chunks[0].Error)
	}
	if chunks[0].Error.RetryAfter != 30 {
		t.Errorf("retry after = %d, want 30", chunks[0].Error.RetryAfter)
	}

	// The user message survives the failed call.
	users := store.bySession(t, stream.SessionID, models.RoleUser)
	if len(users) != 1 {
		t.Errorf("user messages = %d, want 1", len(users))
	}
	if assistants := store.bySession(t, stream.SessionID, models.RoleAssistant); len(assistants) != 0 {
		t.Errorf("assistant messages = %d, want 0", len(assistants))
	}
}

func TestStreamMessagePersistsPrefixOnEarlyStop(t *testing.T) {
	adapter := &stubAdapter{chunks: []models.StreamChunk{{Delta: "Hel"}, {Delta: "lo"}, doneChunk()}}
	orchestrator, store := newFixture(adapter)

	stream, err := orchestrator.StreamMessage(context.Background(), "Hi", chat.SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	for range stream.Seq(context.Background()) {
		break // consumer walks away after the first chunk
	}

	assistants := store.bySession(t, stream.SessionID, models.RoleAssistant)
	if len(assistants) != 1 || assistants[0].Content != "Hel" {
		t.Errorf("assistant messages = %+v, want the delivered prefix", assistants)
	}
}

func TestSendMessage(t *testing.T) {
	adapter := &stubAdapter{
		response: services.ChatResponse{Content: "Hello", FinishReason: models.FinishReasonStop},
	}
	orchestrator, store := newFixture(adapter)

	res, err := orchestrator.SendMessage(context.Background(), "Hi there", chat.SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if res.Content != "Hello" || res.SessionID == "" || res.MessageID == "" {
		t.Errorf("result = %+v, want content and ids", res)
	}

	users := store.bySession(t, res.SessionID, models.RoleUser)
	assistants := store.bySession(t, res.SessionID, models.RoleAssistant)
	if len(users) != 1 || len(assistants) != 1 {
		t.Errorf("persisted user=%d assistant=%d, want 1 and 1", len(users), len(assistants))
	}
	if assistants[0].Content != "Hello" {
		t.Errorf("assistant content = %q, want %q", assistants[0].Content, "Hello")
	}
}

func TestRegenerateLastResponse(t *testing.T) {
	adapter := &stubAdapter{chunks: []models.StreamChunk{{Delta: "new answer"}, doneChunk()}}
	orchestrator, store := newFixture(adapter)

	ctx := context.Background()
	if err := store.SaveSession(ctx, models.ChatSession{ID: "s1", Title: "Already titled", ModelID: "m1"}); err != nil {
		t.Fatal(err)
	}
	seed := []models.Message{
		{ID: "u1", SessionID: "s1", Role: models.RoleUser, Content: "question"},
		{ID: "a1", SessionID: "s1", Role: models.RoleAssistant, Content: "old answer"},
	}
	for _, msg := range seed {
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	stream, err := orchestrator.RegenerateLastResponse(ctx, "s1")
	if err != nil {
		t.Fatalf("RegenerateLastResponse() error = %v", err)
	}
	if stream.UserMessageID != "u1" {
		t.Errorf("user message id = %q, want the reused u1", stream.UserMessageID)
	}

	for range stream.Seq(ctx) {
	}

	users := store.bySession(t, "s1", models.RoleUser)
	if len(users) != 1 {
		t.Errorf("user messages = %d, want 1 (no duplicate)", len(users))
	}
	assistants := store.bySession(t, "s1", models.RoleAssistant)
	if len(assistants) != 1 || assistants[0].Content != "new answer" {
		t.Errorf("assistant messages = %+v, want only the regenerated one", assistants)
	}
	if _, found, _ := store.Message(ctx, "a1"); found {
		t.Error("old assistant message should be deleted")
	}
}

func TestRegenerateLastResponseNoUserMessage(t *testing.T) {
	orchestrator, store := newFixture(&stubAdapter{})
	ctx := context.Background()
	if err := store.SaveSession(ctx, models.ChatSession{ID: "s1", ModelID: "m1"}); err != nil {
		t.Fatal(err)
	}

	_, err := orchestrator.RegenerateLastResponse(ctx, "s1")
	if err == nil {
		t.Fatal("expected a context error")
	}
	if code := models.ErrorCode(err); code != models.ErrCodeContext {
		t.Errorf("error code = %q, want %q", code, models.ErrCodeContext)
	}
}

func TestGenerateConversationTitle(t *testing.T) {
	longTitle := strings.Repeat("Weather in Oslo today ", 4) // 88 chars
	adapter := &stubAdapter{response: services.ChatResponse{Content: longTitle}}
	orchestrator, store := newFixture(adapter)

	ctx := context.Background()
	if err := store.SaveSession(ctx, models.ChatSession{ID: "s1", Title: models.DefaultSessionTitle, ModelID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveMessage(ctx, models.Message{ID: "u1", SessionID: "s1", Role: models.RoleUser, Content: "weather?"}); err != nil {
		t.Fatal(err)
	}

	title, err := orchestrator.GenerateConversationTitle(ctx, "s1", false)
	if err != nil {
		t.Fatalf("GenerateConversationTitle() error = %v", err)
	}
	if len([]rune(title)) != 50 {
		t.Errorf("title length = %d, want truncation to 50", len([]rune(title)))
	}

	session, _, _ := store.Session(ctx, "s1")
	if session.Title != title {
		t.Errorf("stored title = %q, want %q", session.Title, title)
	}

	// Idempotent once a real title exists.
	calls := adapter.sentCalls()
	again, err := orchestrator.GenerateConversationTitle(ctx, "s1", false)
	if err != nil {
		t.Fatal(err)
	}
	if again != title {
		t.Errorf("second call title = %q, want unchanged %q", again, title)
	}
	if adapter.sentCalls() != calls {
		t.Error("idempotent call should not hit the provider")
	}

	// Force regenerates.
	if _, err := orchestrator.GenerateConversationTitle(ctx, "s1", true); err != nil {
		t.Fatal(err)
	}
	if adapter.sentCalls() != calls+1 {
		t.Error("forced call should hit the provider")
	}
}

func TestGenerateConversationTitleUnknownSession(t *testing.T) {
	orchestrator, _ := newFixture(&stubAdapter{})

	_, err := orchestrator.GenerateConversationTitle(context.Background(), "ghost", false)
	if err == nil {
		t.Fatal("expected a context error")
	}
	if code := models.ErrorCode(err); code != models.ErrCodeContext {
		t.Errorf("error code = %q, want %q", code, models.ErrCodeContext)
	}
}
