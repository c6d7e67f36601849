package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ignite/sms-relay/internal/abtest"
	"github.com/ignite/sms-relay/internal/dispatch"
	"github.com/ignite/sms-relay/internal/healthprobe"
	"github.com/ignite/sms-relay/internal/ingest"
	"github.com/ignite/sms-relay/internal/pkg/httputil"
	"github.com/ignite/sms-relay/internal/reconcile"
	"github.com/ignite/sms-relay/internal/retryqueue"
)

// Server is the admin HTTP API. The webhook receiver is mounted on the same
// router so a single listener serves both surfaces.
type Server struct {
	receiver   *ingest.Receiver
	events     *ingest.EventStore
	queue      *retryqueue.Queue
	drainer    *retryqueue.Drainer
	prober     *healthprobe.Prober
	reconciler *reconcile.Reconciler
	evaluator  *abtest.Evaluator
	dispatcher *dispatch.Dispatcher
	campaigns  *dispatch.Repo
	window     time.Duration
}

// NewServer wires the admin API over the engine's components.
func NewServer(receiver *ingest.Receiver, events *ingest.EventStore, queue *retryqueue.Queue,
	drainer *retryqueue.Drainer, prober *healthprobe.Prober, reconciler *reconcile.Reconciler,
	evaluator *abtest.Evaluator, dispatcher *dispatch.Dispatcher, campaigns *dispatch.Repo,
	healthWindow time.Duration) *Server {
	return &Server{
		receiver:   receiver,
		events:     events,
		queue:      queue,
		drainer:    drainer,
		prober:     prober,
		reconciler: reconciler,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		campaigns:  campaigns,
		window:     healthWindow,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Webhook-Signature"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Post("/webhooks/provider", s.receiver.HandleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleListEvents)
		r.Get("/retry-queue", s.handleRetryBacklog)
		r.Get("/retry-queue/recent", s.handleRetryRecent)
		r.Get("/health-checks", s.handleHealthHistory)
		r.Get("/health-checks/success-rate", s.handleSuccessRate)
		r.Get("/reconciliation/last", s.handleLastReconciliation)
		r.Post("/reconciliation/trigger", s.handleTriggerReconciliation)
		r.Get("/stats", s.handleStats)
		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Get("/ab-test", s.handleABSummary)
			r.Post("/ab-test/winner", s.handleManualWinner)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	events, err := s.events.ListRecent(r.Context(), limit, offset)
	if err != nil {
		httputil.InternalError(w)
		return
	}
	httputil.OK(w, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleRetryBacklog(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w)
		return
	}
	httputil.OK(w, map[string]any{
		"backlog": stats,
		"drainer": s.drainer.Stats(),
	})
}

func (s *Server) handleRetryRecent(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.ListRecent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		httputil.InternalError(w)
		return
	}
	httputil.OK(w, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	checks, err := s.prober.History(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		httputil.InternalError(w)
		return
	}
	httputil.OK(w, map[string]any{"checks": checks, "count": len(checks)})
}

func (s *Server) handleSuccessRate(w http.ResponseWriter, r *http.Request) {
	window := s.window
	if h := queryInt(r, "window_hours", 0); h > 0 {
		window = time.Duration(h) * time.Hour
	}
	rate, total, err := s.prober.GetSuccessRate(r.Context(), window)
	if err != nil {
		httputil.InternalError(w)
		return
	}
	httputil.OK(w, map[string]any{
		"success_rate": rate,
		"checks":       total,
		"window_hours": window.Hours(),
	})
}

func (s *Server) handleLastReconciliation(w http.ResponseWriter, r *http.Request) {
	report := s.reconciler.LastReport()
	if report == nil {
		httputil.NotFound(w, "no reconciliation has run yet")
		return
	}
	httputil.OK(w, report)
}

func (s *Server) handleTriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	s.reconciler.TriggerNow()
	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"ingest":   s.receiver.Stats(),
		"dispatch": s.dispatcher.Stats(),
		"retry":    s.drainer.Stats(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := s.campaigns.Pause(r.Context(), id); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := s.campaigns.Resume(r.Context(), id); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]string{"status": "running"})
}

func (s *Server) handleABSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	summary, err := s.evaluator.Summarize(r.Context(), id)
	if err != nil {
		httputil.InternalError(w)
		return
	}
	httputil.OK(w, summary)
}

func (s *Server) handleManualWinner(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var req struct {
		Variant string `json:"variant"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if err := s.evaluator.SetManualWinner(r.Context(), id, req.Variant, req.Reason); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]string{"winner": req.Variant})
}

func campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		httputil.BadRequest(w, "invalid campaign ID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
