package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/sms-relay/internal/abtest"
	"github.com/ignite/sms-relay/internal/api"
	"github.com/ignite/sms-relay/internal/config"
	"github.com/ignite/sms-relay/internal/dispatch"
	"github.com/ignite/sms-relay/internal/healthprobe"
	"github.com/ignite/sms-relay/internal/ingest"
	"github.com/ignite/sms-relay/internal/provider"
	"github.com/ignite/sms-relay/internal/reconcile"
	"github.com/ignite/sms-relay/internal/retryqueue"
)

func main() {
	log.Println("Starting SMS Relay server...")

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
	if cfg.Webhook.SigningSecret == "" {
		log.Fatal("WEBHOOK_SIGNING_SECRET is required")
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

	// Provider client serves both sending and the reconciliation list API.
	client := provider.NewClient(cfg.Provider.APIKey, cfg.Provider.BaseURL,
		cfg.Provider.Timeout(), cfg.Provider.MaxRetries)

	events := ingest.NewEventStore(db)
	delivery := ingest.NewDeliveryRepo(db)
	queue := retryqueue.NewQueue(db, cfg.Retry.BaseDelay(), cfg.Retry.MaxDelay(), cfg.Retry.MaxRetries)
	ingestor := ingest.NewIngestor(db, events, ingest.NewHandlers(delivery), queue, cfg.Webhook.SigningSecret)
	receiver := ingest.NewReceiver(ingestor)

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
		log.Println("Redis cap limiter enabled")
	} else {
		log.Println("Redis disabled, enforcing daily caps from the database")
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
	} else {
		log.Println("HEALTH_PROBE_DESTINATION not set, health probe disabled")
	}

	apiServer := api.NewServer(receiver, events, queue, drainer, prober,
		reconciler, evaluator, dispatcher, campaigns, cfg.Health.Window())

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
