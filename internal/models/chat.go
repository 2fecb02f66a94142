package models

import "time"

// DefaultSessionTitle is the placeholder title a session carries until title
// generation produces a real one.
const DefaultSessionTitle = "New Chat"

// ChatSession represents a conversation container. It provides identification and
// labeling for organizing message threads, and is bumped on completion of any
// exchange.
type ChatSession struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ModelID      string    `json:"modelId"`
	Archived     bool      `json:"archived"`
	Starred      bool      `json:"starred"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// HasGeneratedTitle reports whether the session already carries a non-default title.
func (s ChatSession) HasGeneratedTitle() bool {
	return s.Title != "" && s.Title != DefaultSessionTitle
}
