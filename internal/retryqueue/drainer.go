package retryqueue

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// ProcessFunc re-applies a failed webhook payload. It is wired to the
// ingestion pipeline's reprocessing entry point at startup.
type ProcessFunc func(ctx context.Context, payload []byte) error

// Drainer periodically claims eligible entries and replays them through the
// ingestion pipeline. Safe to run in multiple replicas: the claim step in
// the queue arbitrates ownership.
type Drainer struct {
	queue     *Queue
	process   ProcessFunc
	interval  time.Duration
	staleAge  time.Duration
	alertPct  float64

	recovered int64
	failed    int64
	reclaimed int64
}

// NewDrainer creates a drain worker over the given queue.
func NewDrainer(queue *Queue, process ProcessFunc, interval, staleAge time.Duration, alertPct float64) *Drainer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAge <= 0 {
		staleAge = 10 * time.Minute
	}
	return &Drainer{
		queue:    queue,
		process:  process,
		interval: interval,
		staleAge: staleAge,
		alertPct: alertPct,
	}
}

// Start runs the drain loop until ctx is cancelled.
func (d *Drainer) Start(ctx context.Context) {
	log.Printf("[RetryQueue] Drainer starting (interval=%s, stale_age=%s)", d.interval, d.staleAge)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RetryQueue] Drainer stopping")
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce claims and processes every currently-eligible entry, then
// reclaims stale claims and surfaces the exhausted rate. Per-entry failures
// are isolated: one bad payload never aborts the sweep.
func (d *Drainer) DrainOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := d.queue.ClaimNextEligible(ctx)
		if err != nil {
			log.Printf("[RetryQueue] Claim error: %v", err)
			return
		}
		if entry == nil {
			break
		}

		procCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		procErr := d.process(procCtx, entry.OriginalPayload)
		cancel()

		if procErr != nil {
			atomic.AddInt64(&d.failed, 1)
			if err := d.queue.MarkResult(ctx, entry.ID, false, procErr.Error()); err != nil {
				log.Printf("[RetryQueue] Mark failure error for %s: %v", entry.ID, err)
			}
			log.Printf("[RetryQueue] Entry %s failed retry %d: %v", entry.ID, entry.RetryCount+1, procErr)
			continue
		}

		atomic.AddInt64(&d.recovered, 1)
		if err := d.queue.MarkResult(ctx, entry.ID, true, ""); err != nil {
			log.Printf("[RetryQueue] Mark success error for %s: %v", entry.ID, err)
		}
	}

	if n, err := d.queue.ReclaimStale(ctx, d.staleAge); err != nil {
		log.Printf("[RetryQueue] Reclaim error: %v", err)
	} else if n > 0 {
		atomic.AddInt64(&d.reclaimed, n)
		log.Printf("[RetryQueue] Reclaimed %d stale claims", n)
	}

	stats, err := d.queue.Stats(ctx)
	if err != nil {
		log.Printf("[RetryQueue] Stats error: %v", err)
		return
	}
	if stats.RecentTotal > 0 && stats.ExhaustedPercent > d.alertPct {
		log.Printf("[RetryQueue] ALERT: %.1f%% of recent entries exhausted (%d/%d)",
			stats.ExhaustedPercent, stats.RecentExhausted, stats.RecentTotal)
	}
}

// Stats returns drainer counters.
func (d *Drainer) Stats() map[string]int64 {
	return map[string]int64{
		"recovered": atomic.LoadInt64(&d.recovered),
		"failed":    atomic.LoadInt64(&d.failed),
		"reclaimed": atomic.LoadInt64(&d.reclaimed),
	}
}
