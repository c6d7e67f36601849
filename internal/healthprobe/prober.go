// Package healthprobe sends a synthetic message through the provider and
// verifies the corresponding webhook arrives, proving the push channel is
// alive end to end.
package healthprobe

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/ignite/sms-relay/internal/ingest"
	"github.com/ignite/sms-relay/internal/provider"
)

// Probe outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// CheckRecord is one appended health check result.
type CheckRecord struct {
	ID          int64     `json:"id"`
	TriggeredAt time.Time `json:"triggered_at"`
	Outcome     string    `json:"outcome"`
	LatencyMS   int64     `json:"latency_ms"`
	Detail      string    `json:"detail,omitempty"`
}

// Prober runs synthetic delivery checks on a fixed interval.
type Prober struct {
	db       *sql.DB
	sender   provider.Sender
	events   *ingest.EventStore
	senderID string
	dest     string

	interval     time.Duration
	deadline     time.Duration
	pollInterval time.Duration
}

// NewProber creates a health prober. dest is the dedicated self-test
// destination number.
func NewProber(db *sql.DB, sender provider.Sender, events *ingest.EventStore,
	senderID, dest string, interval, deadline, pollInterval time.Duration) *Prober {
	if interval <= 0 {
		interval = time.Hour
	}
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Prober{
		db:           db,
		sender:       sender,
		events:       events,
		senderID:     senderID,
		dest:         dest,
		interval:     interval,
		deadline:     deadline,
		pollInterval: pollInterval,
	}
}

// Start runs the probe loop until ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	log.Printf("[HealthProbe] Starting (interval=%s, deadline=%s)", p.interval, p.deadline)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[HealthProbe] Stopping")
			return
		case <-ticker.C:
			if _, err := p.RunCheck(ctx); err != nil {
				log.Printf("[HealthProbe] Check error: %v", err)
			}
		}
	}
}

// RunCheck sends a probe message and waits for its webhook to appear in the
// event store, then records the outcome. A provider send error records
// "failure"; a webhook that never arrives before the deadline records
// "timeout".
func (p *Prober) RunCheck(ctx context.Context) (*CheckRecord, error) {
	triggered := time.Now()
	rec := CheckRecord{TriggeredAt: triggered}

	result, err := p.sender.Send(ctx, provider.SendRequest{
		To:   p.dest,
		From: p.senderID,
		Body: "delivery health check " + triggered.UTC().Format(time.RFC3339),
	})
	if err != nil {
		rec.Outcome = OutcomeFailure
		rec.Detail = err.Error()
		rec.LatencyMS = time.Since(triggered).Milliseconds()
		return &rec, p.record(ctx, &rec)
	}

	deadline := time.NewTimer(p.deadline)
	defer deadline.Stop()
	poll := time.NewTicker(p.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			rec.Outcome = OutcomeTimeout
			rec.Detail = "cancelled while waiting for webhook"
			rec.LatencyMS = time.Since(triggered).Milliseconds()
			return &rec, p.record(context.WithoutCancel(ctx), &rec)
		case <-deadline.C:
			rec.Outcome = OutcomeTimeout
			rec.Detail = "no webhook within deadline for message " + result.MessageID
			rec.LatencyMS = time.Since(triggered).Milliseconds()
			log.Printf("[HealthProbe] Timeout: webhook for %s never arrived", result.MessageID)
			return &rec, p.record(ctx, &rec)
		case <-poll.C:
			arrived, err := p.events.ProbeEventArrived(ctx, result.MessageID, triggered)
			if err != nil {
				log.Printf("[HealthProbe] Poll error: %v", err)
				continue
			}
			if arrived {
				rec.Outcome = OutcomeSuccess
				rec.LatencyMS = time.Since(triggered).Milliseconds()
				return &rec, p.record(ctx, &rec)
			}
		}
	}
}

func (p *Prober) record(ctx context.Context, rec *CheckRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO health_checks (triggered_at, outcome, latency_ms, detail)
		VALUES ($1, $2, $3, $4)
	`, rec.TriggeredAt, rec.Outcome, rec.LatencyMS, rec.Detail)
	return err
}

// GetSuccessRate returns successes/total over the trailing window. A window
// with no checks reports a rate of 1.0 so an idle system never alerts.
func (p *Prober) GetSuccessRate(ctx context.Context, window time.Duration) (rate float64, total int64, err error) {
	var successes int64
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE outcome = 'success')
		FROM health_checks
		WHERE triggered_at >= NOW() - $1::interval
	`, window.String()).Scan(&total, &successes)
	if err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 1.0, 0, nil
	}
	return float64(successes) / float64(total), total, nil
}

// History returns recent check records for the admin surface.
func (p *Prober) History(ctx context.Context, limit int) ([]CheckRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, triggered_at, outcome, latency_ms, COALESCE(detail, '')
		FROM health_checks
		ORDER BY triggered_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CheckRecord
	for rows.Next() {
		var r CheckRecord
		if err := rows.Scan(&r.ID, &r.TriggeredAt, &r.Outcome, &r.LatencyMS, &r.Detail); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
