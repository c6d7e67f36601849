package retryqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewQueue(db, time.Minute, 30*time.Minute, 5), mock, func() { db.Close() }
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := &Queue{baseDelay: time.Minute, maxDelay: 30 * time.Minute, maxRetries: 5}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 16 * time.Minute},
		{5, 30 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.retryCount); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestBackoffMonotonic(t *testing.T) {
	q := &Queue{baseDelay: 30 * time.Second, maxDelay: time.Hour, maxRetries: 10}
	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		d := q.Backoff(i)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v decreased from %v", i, d, prev)
		}
		prev = d
	}
}

func TestClaimNextEligibleEmptyQueue(t *testing.T) {
	q, mock, cleanup := newTestQueue(t)
	defer cleanup()

	mock.ExpectQuery(`UPDATE failed_webhooks`).WillReturnError(sql.ErrNoRows)

	entry, err := q.ClaimNextEligible(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextEligible() error: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry on empty queue, got %+v", entry)
	}
}

func TestClaimNextEligibleReturnsEntry(t *testing.T) {
	q, mock, cleanup := newTestQueue(t)
	defer cleanup()

	id := uuid.New()
	rows := sqlmock.NewRows([]string{
		"id", "original_payload", "failure_reason", "retry_count",
		"max_retries", "next_retry_at", "status", "created_at",
	}).AddRow(id.String(), []byte(`{"id":"EV1"}`), "deadlock", 2, 5,
		time.Now(), StatusInProgress, time.Now())
	mock.ExpectQuery(`UPDATE failed_webhooks`).WillReturnRows(rows)

	entry, err := q.ClaimNextEligible(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextEligible() error: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a claimed entry")
	}
	if entry.ID != id || entry.RetryCount != 2 || entry.Status != StatusInProgress {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestMarkResultSuccess(t *testing.T) {
	q, mock, cleanup := newTestQueue(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec(`UPDATE failed_webhooks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.MarkResult(context.Background(), id, true, ""); err != nil {
		t.Fatalf("MarkResult() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestMarkResultFailureReschedules(t *testing.T) {
	q, mock, cleanup := newTestQueue(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery(`SELECT retry_count FROM failed_webhooks`).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(1))
	mock.ExpectExec(`UPDATE failed_webhooks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.MarkResult(context.Background(), id, false, "still failing"); err != nil {
		t.Fatalf("MarkResult() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestMarkResultExhaustsAtMaxRetries(t *testing.T) {
	q, mock, cleanup := newTestQueue(t)
	defer cleanup()

	id := uuid.New()
	// retry_count 4 of max 5: this failure is the fifth and final attempt.
	mock.ExpectQuery(`SELECT retry_count FROM failed_webhooks`).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(4))
	mock.ExpectExec(`UPDATE failed_webhooks`).
		WithArgs(id, StatusExhausted, 5, "gone for good").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.MarkResult(context.Background(), id, false, "gone for good"); err != nil {
		t.Fatalf("MarkResult() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestStatsComputesExhaustedPercent(t *testing.T) {
	q, mock, cleanup := newTestQueue(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(
		sqlmock.NewRows([]string{"pending", "in_progress", "recovered", "exhausted", "recent", "recent_exhausted"}).
			AddRow(3, 1, 10, 2, 20, 2))

	s, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if s.ExhaustedPercent != 10.0 {
		t.Errorf("ExhaustedPercent = %v, want 10.0", s.ExhaustedPercent)
	}
}
