package dispatch

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/ignite/sms-relay/internal/abtest"
	"github.com/ignite/sms-relay/internal/pkg/logger"
	"github.com/ignite/sms-relay/internal/provider"
)

// staleSendingAge is how long a member may sit in sending state before the
// sweep returns it to pending.
const staleSendingAge = "15 minutes"

// Dispatcher walks running campaigns on a tick and sends messages to
// pending members, subject to opt-out, re-contact and daily-cap rules.
type Dispatcher struct {
	repo       *Repo
	sender     provider.Sender
	renderer   *Renderer
	caps       *CapLimiter
	senderID   string
	batchSize  int
	defaultCap int
	maxRetries int
	recontact  time.Duration
	interval   time.Duration

	sent        int64
	skipped     int64
	failed      int64
	capDeferred int64
}

// NewDispatcher creates a campaign dispatcher. caps may be nil, in which
// case the daily cap is enforced from sent_at counts in the database.
func NewDispatcher(repo *Repo, sender provider.Sender, caps *CapLimiter, senderID string,
	batchSize, defaultCap, maxRetries, minRecontactDays int, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		sender:     sender,
		renderer:   NewRenderer(),
		caps:       caps,
		senderID:   senderID,
		batchSize:  batchSize,
		defaultCap: defaultCap,
		maxRetries: maxRetries,
		recontact:  time.Duration(minRecontactDays) * 24 * time.Hour,
		interval:   interval,
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	log.Printf("[Dispatcher] Starting (interval=%s, batch=%d)", d.interval, d.batchSize)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Dispatcher] Stopping")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass over all running campaigns.
func (d *Dispatcher) Tick(ctx context.Context) {
	if n, err := d.repo.ReclaimStale(ctx, staleSendingAge); err != nil {
		log.Printf("[Dispatcher] Stale claim sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("[Dispatcher] Reclaimed %d members stuck in sending", n)
	}

	if _, err := d.repo.PromoteScheduled(ctx); err != nil {
		log.Printf("[Dispatcher] Failed to promote scheduled campaigns: %v", err)
	}

	campaigns, err := d.repo.RunningCampaigns(ctx)
	if err != nil {
		log.Printf("[Dispatcher] Failed to list running campaigns: %v", err)
		return
	}

	for _, c := range campaigns {
		if ctx.Err() != nil {
			return
		}
		d.dispatchCampaign(ctx, c)
	}

	if n, err := d.repo.CompleteFinished(ctx); err != nil {
		log.Printf("[Dispatcher] Completion sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("[Dispatcher] Marked %d campaigns completed", n)
	}
}

func (d *Dispatcher) dispatchCampaign(ctx context.Context, c Campaign) {
	members, err := d.repo.ClaimPending(ctx, c.ID, d.batchSize)
	if err != nil {
		log.Printf("[Dispatcher] Failed to claim members for campaign %s: %v", c.ID, err)
		return
	}
	if len(members) == 0 {
		return
	}

	cap := c.EffectiveDailyCap(d.defaultCap)
	for i, m := range members {
		if ctx.Err() != nil {
			d.releaseRemaining(members[i:])
			return
		}

		// Compliance skips do not consume cap headroom.
		if m.OptedOut {
			d.skip(ctx, m, "opted_out")
			continue
		}
		if m.RecontactViolated(d.recontact, time.Now()) {
			d.skip(ctx, m, "recontact_interval")
			continue
		}

		ok, err := d.reserveCap(ctx, c.ID.String(), cap)
		if err != nil {
			log.Printf("[Dispatcher] Cap check failed for campaign %s: %v", c.ID, err)
			d.releaseRemaining(members[i:])
			return
		}
		if !ok {
			log.Printf("[Dispatcher] Campaign %s reached daily cap of %d, deferring %d members",
				c.ID, cap, len(members)-i)
			atomic.AddInt64(&d.capDeferred, int64(len(members)-i))
			d.releaseRemaining(members[i:])
			return
		}

		d.sendToMember(ctx, c, m)
	}
}

func (d *Dispatcher) sendToMember(ctx context.Context, c Campaign, m Member) {
	variant := ""
	if c.IsABTest {
		v, err := abtest.AssignVariant(c.ID.String(), m.RecipientID.String(), c.SplitRatio)
		if err != nil {
			d.fail(ctx, m, "variant assignment: "+err.Error(), 0)
			d.refundCap(c.ID.String())
			return
		}
		variant = v
	}

	body, err := d.renderer.Render(c.TemplateFor(variant), m.Fields)
	if err != nil {
		d.fail(ctx, m, "template render: "+err.Error(), 0)
		d.refundCap(c.ID.String())
		return
	}

	result, attempts, err := d.sendWithRetries(ctx, provider.SendRequest{
		To:   m.Phone,
		From: d.senderID,
		Body: body,
	})
	if err != nil {
		log.Printf("[Dispatcher] Send failed for member %s (%s) after %d attempts: %v",
			m.ID, logger.RedactPhone(m.Phone), attempts, err)
		d.fail(ctx, m, err.Error(), attempts)
		d.refundCap(c.ID.String())
		return
	}

	if err := d.repo.MarkSent(ctx, m.ID, variant, result.MessageID); err != nil {
		log.Printf("[Dispatcher] Failed to record send for member %s: %v", m.ID, err)
		return
	}
	atomic.AddInt64(&d.sent, 1)
}

// sendWithRetries retries transient provider errors with a short in-tick
// backoff. Non-retryable errors fail immediately.
func (d *Dispatcher) sendWithRetries(ctx context.Context, req provider.SendRequest) (*provider.SendResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		result, err := d.sender.Send(ctx, req)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, attempt, err
		}
		if attempt < d.maxRetries {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return nil, d.maxRetries, lastErr
}

// reserveCap takes one unit of daily-cap headroom for the campaign.
func (d *Dispatcher) reserveCap(ctx context.Context, campaignID string, cap int) (bool, error) {
	if d.caps != nil {
		allowed, _, err := d.caps.Reserve(ctx, campaignID, 1, cap)
		return allowed, err
	}
	sent, err := d.repo.SentToday(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return sent < int64(cap), nil
}

// refundCap returns one reserved unit after a send that never reached the
// provider. Best effort; Redis misses just tighten the cap.
func (d *Dispatcher) refundCap(campaignID string) {
	if d.caps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.caps.Release(ctx, campaignID, 1); err != nil {
		log.Printf("[Dispatcher] Cap refund failed for campaign %s: %v", campaignID, err)
	}
}

func (d *Dispatcher) skip(ctx context.Context, m Member, reason string) {
	if err := d.repo.MarkSkipped(ctx, m.ID, reason); err != nil {
		log.Printf("[Dispatcher] Failed to mark member %s skipped: %v", m.ID, err)
		return
	}
	atomic.AddInt64(&d.skipped, 1)
}

func (d *Dispatcher) fail(ctx context.Context, m Member, reason string, attempts int) {
	if err := d.repo.MarkFailed(ctx, m.ID, reason, attempts); err != nil {
		log.Printf("[Dispatcher] Failed to mark member %s failed: %v", m.ID, err)
		return
	}
	atomic.AddInt64(&d.failed, 1)
}

// releaseRemaining returns unprocessed claimed members to pending.
func (d *Dispatcher) releaseRemaining(members []Member) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, m := range members {
		if err := d.repo.Release(ctx, m.ID); err != nil {
			log.Printf("[Dispatcher] Failed to release member %s: %v", m.ID, err)
		}
	}
}

// Stats returns dispatch counters for the admin API.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"sent":         atomic.LoadInt64(&d.sent),
		"skipped":      atomic.LoadInt64(&d.skipped),
		"failed":       atomic.LoadInt64(&d.failed),
		"cap_deferred": atomic.LoadInt64(&d.capDeferred),
	}
}
