// Package retryqueue implements the durable queue of webhook-processing
// failures, with exponential backoff, atomic claiming, and a terminal
// exhausted state for entries that run out of retries.
package retryqueue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Entry statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusRecovered  = "recovered"
	StatusExhausted  = "exhausted"
)

// Entry is one failed webhook awaiting retry.
type Entry struct {
	ID              uuid.UUID
	OriginalPayload []byte
	FailureReason   string
	RetryCount      int
	MaxRetries      int
	NextRetryAt     time.Time
	Status          string
	CreatedAt       time.Time
}

// Execer is satisfied by *sql.DB and *sql.Tx so enqueueing can join the
// ingestion transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queue manages failed webhook entries in PostgreSQL.
type Queue struct {
	db         *sql.DB
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
}

// NewQueue creates a retry queue. baseDelay seeds the exponential backoff
// (delay = baseDelay × 2^retry_count), capped at maxDelay.
func NewQueue(db *sql.DB, baseDelay, maxDelay time.Duration, maxRetries int) *Queue {
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Queue{db: db, baseDelay: baseDelay, maxDelay: maxDelay, maxRetries: maxRetries}
}

// Backoff returns the delay applied after the given number of failed
// retries. Strictly increasing until the cap.
func (q *Queue) Backoff(retryCount int) time.Duration {
	delay := q.baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= q.maxDelay {
			return q.maxDelay
		}
	}
	if delay > q.maxDelay {
		return q.maxDelay
	}
	return delay
}

// Enqueue records a processing failure within the given transaction, so an
// event and its queue entry are persisted atomically. The first retry is
// eligible after the base delay.
func (q *Queue) Enqueue(ctx context.Context, ex Execer, payload []byte, reason string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO failed_webhooks (original_payload, failure_reason, retry_count, max_retries, next_retry_at, status, created_at)
		VALUES ($1, $2, 0, $3, NOW() + $4::interval, $5, NOW())
	`, payload, reason, q.maxRetries, q.baseDelay.String(), StatusPending)
	return err
}

// ClaimNextEligible atomically selects one pending entry whose next_retry_at
// has arrived, transitions it to in_progress, and returns it. The
// conditional update is the guard against two workers processing the same
// entry. Returns nil when nothing is eligible.
func (q *Queue) ClaimNextEligible(ctx context.Context) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE failed_webhooks
		SET status = $1, claimed_at = NOW()
		WHERE id = (
			SELECT id FROM failed_webhooks
			WHERE status = $2 AND next_retry_at <= NOW()
			ORDER BY next_retry_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, original_payload, failure_reason, retry_count, max_retries, next_retry_at, status, created_at
	`, StatusInProgress, StatusPending)

	var e Entry
	err := row.Scan(&e.ID, &e.OriginalPayload, &e.FailureReason, &e.RetryCount,
		&e.MaxRetries, &e.NextRetryAt, &e.Status, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkResult finalizes a claimed entry. Success transitions it to recovered.
// Failure increments retry_count, recomputes next_retry_at with exponential
// backoff, and either returns it to pending or, once retry_count reaches
// max_retries, parks it as exhausted for manual review.
func (q *Queue) MarkResult(ctx context.Context, id uuid.UUID, success bool, failureReason string) error {
	if success {
		_, err := q.db.ExecContext(ctx, `
			UPDATE failed_webhooks
			SET status = $2, claimed_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status = $3
		`, id, StatusRecovered, StatusInProgress)
		return err
	}

	var retryCount int
	err := q.db.QueryRowContext(ctx,
		`SELECT retry_count FROM failed_webhooks WHERE id = $1`, id).Scan(&retryCount)
	if err != nil {
		return err
	}

	newCount := retryCount + 1
	if newCount >= q.maxRetries {
		_, err = q.db.ExecContext(ctx, `
			UPDATE failed_webhooks
			SET status = $2, retry_count = $3, failure_reason = $4, claimed_at = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, StatusExhausted, newCount, failureReason)
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		UPDATE failed_webhooks
		SET status = $2, retry_count = $3, failure_reason = $4,
		    next_retry_at = NOW() + $5::interval, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, StatusPending, newCount, failureReason, q.Backoff(newCount).String())
	return err
}

// ReclaimStale returns entries stuck in_progress longer than staleAge to
// pending so a crashed drainer cannot strand work. Returns the number of
// entries reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context, staleAge time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE failed_webhooks
		SET status = $1, claimed_at = NULL, updated_at = NOW()
		WHERE status = $2 AND claimed_at < NOW() - $3::interval
	`, StatusPending, StatusInProgress, staleAge.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BacklogStats summarizes queue state for alerting and the admin surface.
type BacklogStats struct {
	Pending          int64   `json:"pending"`
	InProgress       int64   `json:"in_progress"`
	Recovered        int64   `json:"recovered"`
	Exhausted        int64   `json:"exhausted"`
	RecentTotal      int64   `json:"recent_total"`
	RecentExhausted  int64   `json:"recent_exhausted"`
	ExhaustedPercent float64 `json:"exhausted_percent"`
}

// Stats returns aggregate counts, with the exhausted percentage computed
// over entries created in the trailing 24 hours.
func (q *Queue) Stats(ctx context.Context) (*BacklogStats, error) {
	var s BacklogStats
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'in_progress'),
		       COUNT(*) FILTER (WHERE status = 'recovered'),
		       COUNT(*) FILTER (WHERE status = 'exhausted'),
		       COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '24 hours'),
		       COUNT(*) FILTER (WHERE status = 'exhausted' AND created_at >= NOW() - INTERVAL '24 hours')
		FROM failed_webhooks
	`).Scan(&s.Pending, &s.InProgress, &s.Recovered, &s.Exhausted, &s.RecentTotal, &s.RecentExhausted)
	if err != nil {
		return nil, err
	}
	if s.RecentTotal > 0 {
		s.ExhaustedPercent = float64(s.RecentExhausted) / float64(s.RecentTotal) * 100
	}
	return &s, nil
}

// ListRecent returns recent entries for the admin backlog view.
func (q *Queue) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, original_payload, failure_reason, retry_count, max_retries, next_retry_at, status, created_at
		FROM failed_webhooks
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OriginalPayload, &e.FailureReason, &e.RetryCount,
			&e.MaxRetries, &e.NextRetryAt, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
