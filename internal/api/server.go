package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/techubos/techubagent-sub003/internal/config"
	"github.com/techubos/techubagent-sub003/internal/dispatch"
	"github.com/techubos/techubagent-sub003/internal/models"
	"github.com/techubos/techubagent-sub003/internal/ratelimit"
	"github.com/techubos/techubagent-sub003/internal/recovery"
	"github.com/techubos/techubagent-sub003/internal/store"
	"github.com/techubos/techubagent-sub003/internal/telemetry"
	"github.com/techubos/techubagent-sub003/internal/worker"
)

// ItemQueue is the producer-side slice of a durable queue.
type ItemQueue interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.QueueItem, error)
	Get(ctx context.Context, id string) (models.QueueItem, error)
}

// JobSweeper runs one job sweep. Satisfied by *worker.Worker.
type JobSweeper interface {
	Sweep(ctx context.Context) (worker.Summary, error)
}

// RecoverySweeper runs one recovery sweep. Satisfied by *recovery.Sweeper.
type RecoverySweeper interface {
	Sweep(ctx context.Context) (recovery.Summary, error)
}

// Server wires HTTP handlers for producers and the operator trigger surface.
type Server struct {
	cfg        config.Config
	events     ItemQueue
	jobs       ItemQueue
	dispatcher dispatch.Dispatcher
	worker     JobSweeper
	recovery   RecoverySweeper
	limiter    *ratelimit.TokenBucket
	log        *slog.Logger
}

// New constructs the API server. limiter may be nil to disable ingestion
// rate limiting (tests do this).
func New(cfg config.Config, events, jobs ItemQueue, d dispatch.Dispatcher, w JobSweeper, r RecoverySweeper, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:        cfg,
		events:     events,
		jobs:       jobs,
		dispatcher: d,
		worker:     w,
		recovery:   r,
		limiter:    limiter,
		log:        slog.Default(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/events", s.handleEnqueueEvent)
	r.Get("/events/{id}", s.handleGetItem(s.events))
	r.Post("/jobs", s.handleEnqueueJob)
	r.Get("/jobs/{id}", s.handleGetItem(s.jobs))

	r.Post("/internal/worker/run", s.handleRunWorker)
	r.Post("/internal/recovery/run", s.handleRunRecovery)
	return r
}

type enqueueEventRequest struct {
	Payload     map[string]any `json:"payload"`
	DedupKey    string         `json:"dedup_key"`
	NextRetryAt *time.Time     `json:"next_retry_at"`
}

type enqueueResponse struct {
	Item      models.QueueItem `json:"item"`
	Duplicate bool             `json:"duplicate"`
}

func (s *Server) handleEnqueueEvent(w http.ResponseWriter, r *http.Request) {
	var req enqueueEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	orgID := organizationFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), orgID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	item, err := s.events.Enqueue(r.Context(), store.EnqueueParams{
		OrganizationID: orgID,
		Payload:        req.Payload,
		DedupKey:       req.DedupKey,
		NextRetryAt:    req.NextRetryAt,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// Duplicate delivery from upstream: already recorded, report success.
		telemetry.EnqueueDuplicates.Inc()
		writeJSON(w, http.StatusAccepted, enqueueResponse{Duplicate: true})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.EventsEnqueued.Inc()

	// Fire-and-forget: the processor owns the business outcome, and a lost
	// invocation is picked up by the recovery sweeper.
	go s.dispatchAsync(item)

	writeJSON(w, http.StatusAccepted, enqueueResponse{Item: item})
}

func (s *Server) dispatchAsync(item models.QueueItem) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout+time.Second)
	defer cancel()
	if _, err := s.dispatcher.Dispatch(ctx, item); err != nil {
		s.log.Warn("initial dispatch failed", "id", item.ID, "err", err)
	}
}

type enqueueJobRequest struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	DedupKey string         `json:"dedup_key"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	item, err := s.jobs.Enqueue(r.Context(), store.EnqueueParams{
		OrganizationID: organizationFromRequest(r),
		JobType:        req.Type,
		Payload:        req.Payload,
		DedupKey:       req.DedupKey,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		telemetry.EnqueueDuplicates.Inc()
		writeJSON(w, http.StatusAccepted, enqueueResponse{Duplicate: true})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Item: item})
}

func (s *Server) handleGetItem(queue ItemQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		item, err := queue.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func (s *Server) handleRunWorker(w http.ResponseWriter, r *http.Request) {
	summary, err := s.worker.Sweep(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRunRecovery(w http.ResponseWriter, r *http.Request) {
	summary, err := s.recovery.Sweep(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func organizationFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Organization-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
