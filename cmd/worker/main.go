package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/sms-relay/internal/abtest"
	"github.com/ignite/sms-relay/internal/config"
	"github.com/ignite/sms-relay/internal/dispatch"
	"github.com/ignite/sms-relay/internal/healthprobe"
	"github.com/ignite/sms-relay/internal/ingest"
	"github.com/ignite/sms-relay/internal/provider"
	"github.com/ignite/sms-relay/internal/reconcile"
	"github.com/ignite/sms-relay/internal/retryqueue"
)

// Headless variant of the engine: all background loops, no HTTP listener.
// Used when the webhook/API tier is deployed separately; in that case the
// server process should run with worker loops disabled.
func main() {
	log.Println("Starting SMS Relay worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	client := provider.NewClient(cfg.Provider.APIKey, cfg.Provider.BaseURL,
		cfg.Provider.Timeout(), cfg.Provider.MaxRetries)

	events := ingest.NewEventStore(db)
	delivery := ingest.NewDeliveryRepo(db)
	queue := retryqueue.NewQueue(db, cfg.Retry.BaseDelay(), cfg.Retry.MaxDelay(), cfg.Retry.MaxRetries)

	// The drainer replays stored webhook payloads through the same handler
	// chain the live endpoint uses. Signature verification is skipped: the
	// payload was verified when it first arrived.
	ingestor := ingest.NewIngestor(db, events, ingest.NewHandlers(delivery), queue, cfg.Webhook.SigningSecret)
	drainer := retryqueue.NewDrainer(queue, ingestor.Reprocess,
		cfg.Retry.DrainInterval(), cfg.Retry.StaleClaimAge(), cfg.Retry.ExhaustedAlertPercent)

	prober := healthprobe.NewProber(db, client, events,
		cfg.Provider.SenderID, cfg.Health.ProbeDestination,
		cfg.Health.Interval(), cfg.Health.Deadline(), cfg.Health.PollInterval())

	reconciler := reconcile.NewReconciler(db, client, delivery,
		cfg.Reconcile.Lookback(), cfg.Reconcile.Interval(), cfg.Reconcile.PageSize)

	evaluator := abtest.NewEvaluator(db, cfg.ABTest.ConfidenceThreshold,
		int64(cfg.ABTest.MinSampleSize), cfg.ABTest.EvalInterval())

	var caps *dispatch.CapLimiter
	if cfg.Redis.Enabled {
		caps, err = dispatch.NewCapLimiterFromURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer caps.Close()
	}

	campaigns := dispatch.NewRepo(db)
	dispatcher := dispatch.NewDispatcher(campaigns, client, caps, cfg.Provider.SenderID,
		cfg.Dispatch.BatchSize, cfg.Dispatch.DailySendCap, cfg.Dispatch.MaxSendRetries,
		cfg.Dispatch.MinRecontactDays, cfg.Dispatch.TickInterval())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go drainer.Start(ctx)
	go reconciler.Start(ctx)
	go evaluator.Start(ctx)
	go dispatcher.Start(ctx)
	if cfg.Health.ProbeDestination != "" {
		go prober.Start(ctx)
	}

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	log.Println("Worker stopped")
}
