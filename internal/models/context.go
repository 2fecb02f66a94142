package models

import "unicode/utf8"

// PromptMessage is one ordered role/content pair inside an assembled conversation
// context.
type PromptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationContext is a token-bounded, chronologically ordered prompt context
// built fresh per request and discarded after use. Messages never exceed Window;
// when history had to be dropped to fit, Trimmed is set.
type ConversationContext struct {
	Messages   []PromptMessage
	TokenCount int
	Window     int
	Trimmed    bool

	// Degraded is set when the message store was unreachable and the context
	// contains at most the system prompt.
	Degraded bool
}

// EstimateTokens approximates the token cost of a string as ceil(chars/4). Exact
// vendor tokenizer parity is a non-goal.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
