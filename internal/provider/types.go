package provider

import (
	"context"
	"fmt"
	"time"
)

// SendRequest describes an outbound message.
type SendRequest struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
}

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	MessageID  string    `json:"message_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Message is the provider's authoritative record of a message, returned by
// the list API. Media and conversation fields are not guaranteed; absent
// values mean "unsupported", not "error".
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	To             string    `json:"to"`
	From           string    `json:"from"`
	Direction      string    `json:"direction"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessagePage is one page of the provider message list.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// Sender sends a single message through the provider.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// Lister pages through the provider's authoritative message list.
type Lister interface {
	ListMessages(ctx context.Context, start, end time.Time, cursor string, limit int) (*MessagePage, error)
}

// APIError is a non-2xx response from the provider API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the error represents a transient provider
// condition (429 or 5xx).
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
