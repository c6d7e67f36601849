package abtest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Summary pairs per-variant counts with the current significance view for a
// campaign, for reporting.
type Summary struct {
	CampaignID uuid.UUID          `json:"campaign_id"`
	VariantA   Counts             `json:"variant_a"`
	VariantB   Counts             `json:"variant_b"`
	Result     SignificanceResult `json:"result"`
	Winner     string             `json:"winner,omitempty"`
	Automatic  *bool              `json:"automatic,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Evaluator reads aggregated outcomes and records winners on campaigns,
// either automatically once significance clears the confidence threshold or
// manually via operator override.
type Evaluator struct {
	db                  *sql.DB
	confidenceThreshold float64
	minSampleSize       int64
	interval            time.Duration
}

// NewEvaluator creates a winner evaluator.
func NewEvaluator(db *sql.DB, confidenceThreshold float64, minSampleSize int64, interval time.Duration) *Evaluator {
	if confidenceThreshold <= 0 || confidenceThreshold >= 1 {
		confidenceThreshold = 0.95
	}
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Evaluator{
		db:                  db,
		confidenceThreshold: confidenceThreshold,
		minSampleSize:       minSampleSize,
		interval:            interval,
	}
}

// Start evaluates all running A/B campaigns on a fixed interval until ctx is
// cancelled.
func (ev *Evaluator) Start(ctx context.Context) {
	log.Printf("[ABTest] Evaluator starting (interval=%s, confidence>=%.2f, min_sample=%d)",
		ev.interval, ev.confidenceThreshold, ev.minSampleSize)

	ticker := time.NewTicker(ev.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ABTest] Evaluator stopping")
			return
		case <-ticker.C:
			ev.evaluateAll(ctx)
		}
	}
}

func (ev *Evaluator) evaluateAll(ctx context.Context) {
	rows, err := ev.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE is_ab_test = TRUE AND status = 'running' AND winner_variant IS NULL
	`)
	if err != nil {
		log.Printf("[ABTest] Campaign query error: %v", err)
		return
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		if _, err := ev.SelectWinner(ctx, id); err != nil {
			log.Printf("[ABTest] Evaluate campaign %s error: %v", id, err)
		}
	}
}

// Outcomes loads the aggregated per-variant counters for a campaign.
func (ev *Evaluator) Outcomes(ctx context.Context, campaignID uuid.UUID) (a, b Counts, err error) {
	rows, err := ev.db.QueryContext(ctx, `
		SELECT variant, sent, delivered, responded, converted
		FROM campaign_variant_outcomes
		WHERE campaign_id = $1
	`, campaignID)
	if err != nil {
		return a, b, err
	}
	defer rows.Close()

	for rows.Next() {
		var variant string
		var c Counts
		if err := rows.Scan(&variant, &c.Sent, &c.Delivered, &c.Responded, &c.Converted); err != nil {
			return a, b, err
		}
		switch variant {
		case VariantA:
			a = c
		case VariantB:
			b = c
		}
	}
	return a, b, rows.Err()
}

// SelectWinner computes significance over recorded outcomes and, when the
// result is significant with confidence at or above the threshold, records
// the winner on the campaign with automatic=true. Responses are the
// conversion signal unless explicit conversions have been recorded.
func (ev *Evaluator) SelectWinner(ctx context.Context, campaignID uuid.UUID) (*SignificanceResult, error) {
	a, b, err := ev.Outcomes(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}

	ca, cb := conversionCounts(a, b)
	result := ComputeSignificance(ca, cb, ev.minSampleSize)

	if !result.Significant || result.Winner == "" || result.ConfidenceLevel < ev.confidenceThreshold {
		return &result, nil
	}

	res, err := ev.db.ExecContext(ctx, `
		UPDATE campaigns
		SET winner_variant = $2, winner_automatic = TRUE,
		    winner_reason = $3, winner_decided_at = NOW()
		WHERE id = $1 AND winner_variant IS NULL
	`, campaignID, result.Winner,
		fmt.Sprintf("p=%.4f confidence=%.2f%%", result.PValue, result.ConfidenceLevel*100))
	if err != nil {
		return nil, fmt.Errorf("record winner: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[ABTest] Campaign %s winner=%s (p=%.4f, rates %.4f vs %.4f)",
			campaignID, result.Winner, result.PValue, result.RateA, result.RateB)
	}
	return &result, nil
}

// SetManualWinner records an operator override, bypassing statistics
// entirely. Always stored with automatic=false and the supplied
// justification.
func (ev *Evaluator) SetManualWinner(ctx context.Context, campaignID uuid.UUID, variant, reason string) error {
	if variant != VariantA && variant != VariantB {
		return fmt.Errorf("invalid variant %q", variant)
	}
	if reason == "" {
		return fmt.Errorf("a justification is required for a manual winner")
	}

	res, err := ev.db.ExecContext(ctx, `
		UPDATE campaigns
		SET winner_variant = $2, winner_automatic = FALSE,
		    winner_reason = $3, winner_decided_at = NOW()
		WHERE id = $1 AND is_ab_test = TRUE
	`, campaignID, variant, reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("campaign %s not found or not an A/B test", campaignID)
	}
	log.Printf("[ABTest] Campaign %s manual winner=%s (%s)", campaignID, variant, reason)
	return nil
}

// Summarize returns the current counts, significance view, and any recorded
// winner for a campaign's experiment.
func (ev *Evaluator) Summarize(ctx context.Context, campaignID uuid.UUID) (*Summary, error) {
	a, b, err := ev.Outcomes(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	ca, cb := conversionCounts(a, b)
	s := &Summary{
		CampaignID: campaignID,
		VariantA:   a,
		VariantB:   b,
		Result:     ComputeSignificance(ca, cb, ev.minSampleSize),
	}

	var winner sql.NullString
	var automatic sql.NullBool
	var reason sql.NullString
	err = ev.db.QueryRowContext(ctx, `
		SELECT winner_variant, winner_automatic, winner_reason
		FROM campaigns WHERE id = $1
	`, campaignID).Scan(&winner, &automatic, &reason)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if winner.Valid {
		s.Winner = winner.String
		if automatic.Valid {
			s.Automatic = &automatic.Bool
		}
		s.Reason = reason.String
	}
	return s, nil
}

// conversionCounts picks the conversion numerator for both variants at
// once: explicit conversions when either variant recorded any, otherwise
// responses. Choosing per campaign keeps the two variants on the same
// metric.
func conversionCounts(a, b Counts) (Counts, Counts) {
	if a.Converted == 0 && b.Converted == 0 {
		a.Converted = a.Responded
		b.Converted = b.Responded
	}
	return a, b
}
