package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/ignite/sms-relay/internal/retryqueue"
)

// Ingestor runs the webhook ingestion pipeline: verify, dedupe, persist,
// apply, and capture failures for retry.
type Ingestor struct {
	db            *sql.DB
	events        *EventStore
	handlers      *Handlers
	retries       *retryqueue.Queue
	signingSecret string

	received   int64
	duplicates int64
	failures   int64
}

// NewIngestor wires the ingestion pipeline.
func NewIngestor(db *sql.DB, events *EventStore, handlers *Handlers, retries *retryqueue.Queue, signingSecret string) *Ingestor {
	return &Ingestor{
		db:            db,
		events:        events,
		handlers:      handlers,
		retries:       retries,
		signingSecret: signingSecret,
	}
}

// Ingest processes a raw webhook body with its claimed signature.
//
// A bad signature or unparseable envelope is fatal and never queued. A
// duplicate event_id that was already processed is an idempotent no-op.
// Otherwise the event is persisted and its handler applied in one
// transaction; on handler failure the event is kept with processing_error
// set and a retry entry is enqueued in the same transaction, so no event is
// silently dropped.
func (in *Ingestor) Ingest(ctx context.Context, body []byte, signature string) error {
	if !VerifySignature(body, signature, in.signingSecret) {
		return ErrBadSignature
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		return err
	}

	atomic.AddInt64(&in.received, 1)

	// Fast path: the provider redelivered an event we already applied.
	existing, err := in.events.FindByEventID(ctx, env.ID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if existing != nil && existing.Processed {
		atomic.AddInt64(&in.duplicates, 1)
		return nil
	}

	tx, err := in.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := in.events.Insert(ctx, tx, env.ID, env.Type, body); err != nil {
		return fmt.Errorf("persist event %s: %w", env.ID, err)
	}

	if handlerErr := in.handlers.Handle(ctx, tx, env); handlerErr != nil {
		atomic.AddInt64(&in.failures, 1)
		log.Printf("[Ingest] Handler failed for event %s (%s): %v", env.ID, env.Type, handlerErr)

		// The handler may have left the transaction aborted; restart it so
		// the event row and the retry entry still land together.
		tx.Rollback()
		tx, err = in.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := in.events.Insert(ctx, tx, env.ID, env.Type, body); err != nil {
			return fmt.Errorf("persist event %s: %w", env.ID, err)
		}
		if err := in.events.RecordError(ctx, tx, env.ID, handlerErr.Error()); err != nil {
			return fmt.Errorf("record processing error: %w", err)
		}
		if err := in.retries.Enqueue(ctx, tx, body, handlerErr.Error()); err != nil {
			return fmt.Errorf("enqueue retry: %w", err)
		}
		return tx.Commit()
	}

	if err := in.events.MarkProcessed(ctx, tx, env.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return tx.Commit()
}

// Reprocess re-applies a previously failed payload. Used by the retry queue
// drainer; the signature was already verified on first receipt.
func (in *Ingestor) Reprocess(ctx context.Context, body []byte) error {
	env, err := ParseEnvelope(body)
	if err != nil {
		return err
	}

	existing, err := in.events.FindByEventID(ctx, env.ID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if existing != nil && existing.Processed {
		return nil
	}

	tx, err := in.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reprocess tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := in.events.Insert(ctx, tx, env.ID, env.Type, body); err != nil {
		return fmt.Errorf("persist event %s: %w", env.ID, err)
	}
	if err := in.handlers.Handle(ctx, tx, env); err != nil {
		return err
	}
	if err := in.events.MarkProcessed(ctx, tx, env.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return tx.Commit()
}

// IsFatal reports whether an ingestion error must be rejected outright
// rather than accepted and queued.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBadSignature) || errors.Is(err, ErrMalformedEnvelope)
}

// Stats returns ingestion counters.
func (in *Ingestor) Stats() map[string]int64 {
	return map[string]int64{
		"events_received":  atomic.LoadInt64(&in.received),
		"duplicates":       atomic.LoadInt64(&in.duplicates),
		"handler_failures": atomic.LoadInt64(&in.failures),
	}
}
