// Package reconcile implements the pull-based sweep against the provider's
// authoritative message list, filling gaps the push-based webhook channel
// missed.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/sms-relay/internal/ingest"
	"github.com/ignite/sms-relay/internal/provider"
)

// Report summarizes one reconciliation run.
type Report struct {
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	Scanned        int       `json:"scanned"`
	AlreadyPresent int       `json:"already_present"`
	NewlyInserted  int       `json:"newly_inserted"`
	Errors         int       `json:"errors"`
	Aborted        bool      `json:"aborted"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Reconciler diffs the provider message list against local delivery records
// and inserts anything missing. The provider list is ground truth for
// gap-filling only; locally-recorded state is never overwritten.
type Reconciler struct {
	db       *sql.DB
	lister   provider.Lister
	delivery *ingest.DeliveryRepo

	lookback time.Duration
	interval time.Duration
	pageSize int

	trigger chan struct{}

	mu         sync.RWMutex
	lastReport *Report
}

// NewReconciler creates a reconciliation worker.
func NewReconciler(db *sql.DB, lister provider.Lister, delivery *ingest.DeliveryRepo,
	lookback, interval time.Duration, pageSize int) *Reconciler {
	if lookback <= 0 {
		lookback = 48 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Reconciler{
		db:       db,
		lister:   lister,
		delivery: delivery,
		lookback: lookback,
		interval: interval,
		pageSize: pageSize,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs the reconciliation loop until ctx is cancelled. TriggerNow
// wakes it early for an on-demand run.
func (r *Reconciler) Start(ctx context.Context) {
	log.Printf("[Reconcile] Starting (interval=%s, lookback=%s)", r.interval, r.lookback)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Reconcile] Stopping")
			return
		case <-ticker.C:
			r.runAndStore(ctx)
		case <-r.trigger:
			r.runAndStore(ctx)
		}
	}
}

// TriggerNow requests an immediate reconciliation run. No-op if one is
// already queued.
func (r *Reconciler) TriggerNow() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// LastReport returns the most recent run's report, or nil before the first
// run completes.
func (r *Reconciler) LastReport() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReport
}

func (r *Reconciler) runAndStore(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	report, err := r.Reconcile(runCtx, r.lookback)
	cancel()
	if err != nil {
		log.Printf("[Reconcile] Run error: %v", err)
	}
	if report != nil {
		r.mu.Lock()
		r.lastReport = report
		r.mu.Unlock()
		r.persistRun(context.WithoutCancel(ctx), report)
	}
}

// Reconcile fetches the provider's message list for the trailing window and
// inserts any message not present locally. Idempotent: the unique constraint
// on provider_message_id makes a second run over the same window insert
// nothing. Provider API errors abort the run with a partial report rather
// than blocking indefinitely; the retrying HTTP client bounds the retries
// per page fetch.
func (r *Reconciler) Reconcile(ctx context.Context, lookback time.Duration) (*Report, error) {
	end := time.Now()
	start := end.Add(-lookback)
	report := &Report{WindowStart: start, WindowEnd: end, StartedAt: time.Now()}
	defer func() { report.FinishedAt = time.Now() }()

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			return report, fmt.Errorf("reconciliation interrupted: %w", err)
		}

		page, err := r.lister.ListMessages(ctx, start, end, cursor, r.pageSize)
		if err != nil {
			report.Errors++
			report.Aborted = true
			return report, fmt.Errorf("list messages (cursor=%q): %w", cursor, err)
		}

		for _, msg := range page.Messages {
			report.Scanned++

			rec := ingest.DeliveryRecord{
				ProviderMessageID: sql.NullString{String: msg.ID, Valid: true},
				ConversationID:    sql.NullString{String: msg.ConversationID, Valid: msg.ConversationID != ""},
				Direction:         msg.Direction,
				Status:            msg.Status,
				Recipient:         sql.NullString{String: msg.To, Valid: msg.To != ""},
			}
			inserted, err := r.delivery.InsertIfMissing(ctx, rec)
			if err != nil {
				report.Errors++
				log.Printf("[Reconcile] Insert error for message %s: %v", msg.ID, err)
				continue
			}
			if inserted {
				report.NewlyInserted++
			} else {
				report.AlreadyPresent++
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	log.Printf("[Reconcile] Run complete: scanned=%d present=%d inserted=%d errors=%d",
		report.Scanned, report.AlreadyPresent, report.NewlyInserted, report.Errors)
	return report, nil
}

func (r *Reconciler) persistRun(ctx context.Context, report *Report) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
			(window_start, window_end, scanned, already_present, newly_inserted, errors, aborted, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, report.WindowStart, report.WindowEnd, report.Scanned, report.AlreadyPresent,
		report.NewlyInserted, report.Errors, report.Aborted, report.StartedAt, report.FinishedAt)
	if err != nil {
		log.Printf("[Reconcile] Failed to persist run record: %v", err)
	}
}
