package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Repo is the campaign and membership repository used by the dispatcher.
// All state transitions are conditional updates so concurrent dispatcher
// replicas cannot double-process a member.
type Repo struct {
	db *sql.DB
}

// NewRepo creates the dispatch repository.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// PromoteScheduled moves scheduled campaigns whose time has arrived into
// running. Returns the number promoted.
func (r *Repo) PromoteScheduled(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND scheduled_at IS NOT NULL AND scheduled_at <= NOW()
	`, CampaignRunning, CampaignScheduled)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunningCampaigns returns campaigns eligible for dispatch this tick.
func (r *Repo) RunningCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, status, message_template, template_b, is_ab_test,
		       COALESCE(split_ratio, 50), daily_cap, scheduled_at, winner_variant
		FROM campaigns
		WHERE status = $1
		ORDER BY created_at
	`, CampaignRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.MessageTemplate, &c.TemplateB,
			&c.IsABTest, &c.SplitRatio, &c.DailyCap, &c.ScheduledAt, &c.WinnerVariant); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ClaimPending atomically claims up to limit pending members of a campaign
// into sending state and returns them.
func (r *Repo) ClaimPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE campaign_members
		SET status = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM campaign_members
			WHERE campaign_id = $2 AND status = $3
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_id, recipient_id, phone, COALESCE(fields::text, '{}'),
		          opted_out, last_contacted_at, status, variant, attempts, sent_at
	`, MemberSending, campaignID, MemberPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var fieldsJSON string
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.RecipientID, &m.Phone, &fieldsJSON,
			&m.OptedOut, &m.LastContactedAt, &m.Status, &m.Variant, &m.Attempts, &m.SentAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &m.Fields); err != nil {
			m.Fields = map[string]any{}
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// MarkSent finalizes a successful send: records the variant and provider
// message ID on the member and rolls the send into the variant outcome
// counters, in one transaction.
func (r *Repo) MarkSent(ctx context.Context, memberID uuid.UUID, variant, providerMessageID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaign_members
		SET status = $2, variant = NULLIF($3, ''), provider_message_id = $4,
		    sent_at = NOW(), last_contacted_at = NOW(), claimed_at = NULL
		WHERE id = $1 AND status = $5
	`, memberID, MemberSent, variant, providerMessageID, MemberSending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %s not in sending state", memberID)
	}

	if variant != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO campaign_variant_outcomes (campaign_id, variant, sent, updated_at)
			SELECT campaign_id, $2, 1, NOW() FROM campaign_members WHERE id = $1
			ON CONFLICT (campaign_id, variant) DO UPDATE
			SET sent = campaign_variant_outcomes.sent + 1, updated_at = NOW()
		`, memberID, variant)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkSkipped records a compliance skip. Skips are deliberate outcomes, not
// errors.
func (r *Repo) MarkSkipped(ctx context.Context, memberID uuid.UUID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_members
		SET status = $2, skip_reason = $3, claimed_at = NULL
		WHERE id = $1 AND status = $4
	`, memberID, MemberSkipped, reason, MemberSending)
	return err
}

// MarkFailed records a dispatch failure after send retries were exhausted.
func (r *Repo) MarkFailed(ctx context.Context, memberID uuid.UUID, reason string, attempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_members
		SET status = $2, skip_reason = $3, attempts = $4, claimed_at = NULL
		WHERE id = $1 AND status = $5
	`, memberID, MemberFailed, reason, attempts, MemberSending)
	return err
}

// Release returns a claimed member to pending, used when the daily cap is
// reached mid-batch so the member is retried in the next allowed window.
func (r *Repo) Release(ctx context.Context, memberID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_members
		SET status = $2, claimed_at = NULL
		WHERE id = $1 AND status = $3
	`, memberID, MemberPending, MemberSending)
	return err
}

// ReclaimStale returns members stuck in sending state longer than staleAge
// to pending, healing dispatcher crashes mid-batch.
func (r *Repo) ReclaimStale(ctx context.Context, staleAge string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_members
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < NOW() - $3::interval
	`, MemberPending, MemberSending, staleAge)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SentToday counts members sent since local midnight, the database fallback
// for cap enforcement when Redis is disabled.
func (r *Repo) SentToday(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_members
		WHERE campaign_id = $1 AND sent_at >= date_trunc('day', NOW())
	`, campaignID).Scan(&n)
	return n, err
}

// Pause suspends a running campaign. In-flight sends finish; no new members
// are claimed until resume.
func (r *Repo) Pause(ctx context.Context, campaignID uuid.UUID) error {
	return r.transition(ctx, campaignID, CampaignRunning, CampaignPaused)
}

// Resume returns a paused campaign to running.
func (r *Repo) Resume(ctx context.Context, campaignID uuid.UUID) error {
	return r.transition(ctx, campaignID, CampaignPaused, CampaignRunning)
}

func (r *Repo) transition(ctx context.Context, campaignID uuid.UUID, from, to string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, campaignID, from, to)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s is not %s", campaignID, from)
	}
	return nil
}

// CompleteFinished moves running campaigns with no remaining work to
// completed. Returns the number completed.
func (r *Repo) CompleteFinished(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns c
		SET status = $1, updated_at = NOW()
		WHERE c.status = $2
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_members m
			WHERE m.campaign_id = c.id AND m.status IN ($3, $4)
		  )
	`, CampaignCompleted, CampaignRunning, MemberPending, MemberSending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
