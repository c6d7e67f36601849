package ingest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider event types delivered over the webhook channel.
const (
	EventMessageReceived         = "message.received"
	EventMessageDelivered        = "message.delivered"
	EventCallCompleted           = "call.completed"
	EventCallRecordingCompleted  = "call.recording.completed"
	EventCallSummaryCompleted    = "call.summary.completed"
	EventCallTranscriptCompleted = "call.transcript.completed"
)

// ErrBadSignature means the webhook signature did not verify. Fatal, never
// retried, surfaced as HTTP 401.
var ErrBadSignature = errors.New("webhook signature verification failed")

// ErrMalformedEnvelope means the body is not a parseable event envelope.
// Fatal, never queued.
var ErrMalformedEnvelope = errors.New("malformed webhook envelope")

// Envelope is the provider's webhook wrapper: a type plus a nested object.
type Envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEnvelope decodes and minimally validates a raw webhook body.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEnvelope)
	}
	return &env, nil
}

// WebhookEvent is one row of the append-only webhook audit log. Uniqueness
// on EventID is the idempotency guard against provider redelivery.
type WebhookEvent struct {
	ID              uuid.UUID
	EventID         string
	EventType       string
	Payload         []byte
	ReceivedAt      time.Time
	Processed       bool
	ProcessedAt     sql.NullTime
	ProcessingError sql.NullString
}

// DeliveryRecord maps a provider message (or call) to local delivery state.
// Created by webhook ingestion or by reconciliation gap-fill; the two paths
// race and both rely on the unique constraint on ProviderMessageID.
type DeliveryRecord struct {
	ID                uuid.UUID
	ProviderMessageID sql.NullString
	ConversationID    sql.NullString
	Direction         string
	Status            string
	Recipient         sql.NullString
	CreatedAt         time.Time
}

// MessageObject is the data.object payload for message.* events.
type MessageObject struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Direction      string    `json:"direction"`
	Status         string    `json:"status"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CallObject is the data.object payload for call.* events. Recording,
// summary, and transcript fields are optional provider features; absence is
// not an error.
type CallObject struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Direction      string    `json:"direction"`
	Status         string    `json:"status"`
	RecordingURL   string    `json:"recordingUrl,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Transcript     string    `json:"transcript,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
