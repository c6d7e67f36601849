package ingest

import (
	"context"
	"database/sql"
	"time"
)

// Execer is satisfied by both *sql.DB and *sql.Tx so store operations can
// join an ingestion transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EventStore is the durable log of every webhook event received.
// Events are never deleted.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an event store backed by the database.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// FindByEventID loads an event by its provider-assigned ID.
// Returns sql.ErrNoRows if not present.
func (s *EventStore) FindByEventID(ctx context.Context, eventID string) (*WebhookEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, `
		SELECT id, event_id, event_type, payload, received_at, processed, processed_at, processing_error
		FROM webhook_events
		WHERE event_id = $1
	`, eventID))
}

// Insert persists a new event within the given transaction. If the event_id
// already exists the insert is a no-op and inserted is false.
func (s *EventStore) Insert(ctx context.Context, ex Execer, eventID, eventType string, payload []byte) (inserted bool, err error) {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkProcessed flips the processed flag after the handler succeeded.
func (s *EventStore) MarkProcessed(ctx context.Context, ex Execer, eventID string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = NOW(), processing_error = NULL
		WHERE event_id = $1
	`, eventID)
	return err
}

// RecordError stores the handler's error description without marking the
// event processed, so the retry path can find it later.
func (s *EventStore) RecordError(ctx context.Context, ex Execer, eventID, reason string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE webhook_events
		SET processing_error = $2
		WHERE event_id = $1
	`, eventID, reason)
	return err
}

// ProbeEventArrived reports whether a delivery or receipt event referencing
// the given provider message ID has been recorded since the probe started.
// Used by the health probe to confirm the webhook channel is alive.
func (s *EventStore) ProbeEventArrived(ctx context.Context, providerMessageID string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM webhook_events
		WHERE received_at >= $1
		  AND payload->'data'->'object'->>'id' = $2
	`, since, providerMessageID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRecent returns the most recent events for the admin audit view.
func (s *EventStore) ListRecent(ctx context.Context, limit, offset int) ([]WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, payload, received_at, processed, processed_at, processing_error
		FROM webhook_events
		ORDER BY received_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.ReceivedAt,
			&e.Processed, &e.ProcessedAt, &e.ProcessingError); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row *sql.Row) (*WebhookEvent, error) {
	var e WebhookEvent
	err := row.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.ReceivedAt,
		&e.Processed, &e.ProcessedAt, &e.ProcessingError)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
