package chat

import (
	"context"

	"github.com/mirostanko/chatpipe/internal/models"
)

// MessageStore defines the message repository consumed by the orchestrator and the
// context assembler. Lookups report missing rows through the found flag; errors are
// reserved for transport failure. Listing is newest-first.
type MessageStore interface {
	Message(ctx context.Context, id string) (models.Message, bool, error)
	SaveMessage(ctx context.Context, message models.Message) error
	MessagesBySession(ctx context.Context, sessionID string, q models.MessageQuery) ([]models.Message, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	DeleteMessage(ctx context.Context, id string) error
	DeleteMessagesBySession(ctx context.Context, sessionID string) error
}

// SessionStore defines the session repository.
type SessionStore interface {
	Sessions(ctx context.Context) ([]models.ChatSession, error)
	Session(ctx context.Context, id string) (models.ChatSession, bool, error)
	SaveSession(ctx context.Context, session models.ChatSession) error
	DeleteSession(ctx context.Context, id string) error
}
