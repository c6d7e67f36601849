package retryqueue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestDrainOnceRecoversEntry(t *testing.T) {
	q, mock, cleanup := newTestQueue(t)
	defer cleanup()

	id := uuid.New()
	rows := sqlmock.NewRows([]string{
		"id", "original_payload", "failure_reason", "retry_count",
		"max_retries", "next_retry_at", "status", "created_at",
	}).AddRow(id.String(), []byte(`{"id":"EV1"}`), "boom", 0, 5,
		time.Now(), StatusInProgress, time.Now())

	mock.ExpectQuery(`UPDATE failed_webhooks`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE failed_webhooks`).WillReturnResult(sqlmock.NewResult(0, 1)) // recovered
	mock.ExpectQuery(`UPDATE failed_webhooks`).WillReturnError(sql.ErrNoRows)           // queue empty
	mock.ExpectExec(`UPDATE failed_webhooks`).WillReturnResult(sqlmock.NewResult(0, 0)) // reclaim sweep
	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(
		sqlmock.NewRows([]string{"p", "i", "r", "e", "rt", "re"}).AddRow(0, 0, 1, 0, 1, 0))

	var processed [][]byte
	d := NewDrainer(q, func(ctx context.Context, payload []byte) error {
		processed = append(processed, payload)
		return nil
	}, time.Minute, 10*time.Minute, 25)

	d.DrainOnce(context.Background())

	if len(processed) != 1 {
		t.Fatalf("processed %d payloads, want 1", len(processed))
	}
	if d.Stats()["recovered"] != 1 {
		t.Errorf("recovered = %d, want 1", d.Stats()["recovered"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestDrainOnceIsolatesFailures(t *testing.T) {
	q, mock, cleanup := newTestQueue(t)
	defer cleanup()

	id := uuid.New()
	rows := sqlmock.NewRows([]string{
		"id", "original_payload", "failure_reason", "retry_count",
		"max_retries", "next_retry_at", "status", "created_at",
	}).AddRow(id.String(), []byte(`{"id":"EV2"}`), "boom", 1, 5,
		time.Now(), StatusInProgress, time.Now())

	mock.ExpectQuery(`UPDATE failed_webhooks`).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT retry_count FROM failed_webhooks`).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(1))
	mock.ExpectExec(`UPDATE failed_webhooks`).WillReturnResult(sqlmock.NewResult(0, 1)) // rescheduled
	mock.ExpectQuery(`UPDATE failed_webhooks`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE failed_webhooks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(
		sqlmock.NewRows([]string{"p", "i", "r", "e", "rt", "re"}).AddRow(1, 0, 0, 0, 1, 0))

	d := NewDrainer(q, func(ctx context.Context, payload []byte) error {
		return errors.New("still broken")
	}, time.Minute, 10*time.Minute, 25)

	d.DrainOnce(context.Background())

	if d.Stats()["failed"] != 1 {
		t.Errorf("failed = %d, want 1", d.Stats()["failed"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
