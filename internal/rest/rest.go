package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/relayq/relayq/internal/alert"
	"github.com/relayq/relayq/internal/health"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/store"
)

// Server provides REST API
type Server struct {
	manager *queue.Manager
	router  *chi.Mux
}

// NewServer creates a new REST server
func NewServer(manager *queue.Manager) *Server {
	s := &Server{
		manager: manager,
		router:  chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)

	// API routes
	s.router.Route("/v1/queues", func(r chi.Router) {
		r.Get("/", s.listQueues)

		r.Route("/{queue}", func(r chi.Router) {
			r.Post("/jobs", s.addJob)
			r.Get("/jobs", s.listJobs)
			r.Get("/stats", s.stats)
			r.Delete("/", s.clearQueue)
			r.Post("/rate_limit", s.setRateLimit)
			r.Get("/rate_limit", s.getRateLimit)
		})
	})

	s.router.Get("/v1/jobs/{id}", s.getJob)
	s.router.Get("/v1/health", s.queueHealth)
	s.router.Get("/v1/alerts", s.alerts)
	s.router.Get("/v1/events", s.events)

	s.router.Handle("/metrics", promhttp.Handler())

	// Liveness check
	s.router.Get("/healthz", s.health)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Request/Response types
type AddJobRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	DelayMs        int64           `json:"delay_ms,omitempty"`
	MaxAttempts    uint32          `json:"max_attempts,omitempty"`
	TimeoutMs      int64           `json:"timeout_ms,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type AddJobResponse struct {
	JobID string `json:"job_id"`
}

type ListQueuesResponse struct {
	Queues []string `json:"queues"`
}

type ListJobsResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

type ClearQueueResponse struct {
	Removed int `json:"removed"`
}

type RateLimitRequest struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

type RateLimitResponse struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Tokens     float64 `json:"tokens"`
	Exists     bool    `json:"exists"`
}

type HealthResponse struct {
	Status health.Status            `json:"status"`
	Queues map[string]health.Result `json:"queues"`
}

type AlertsResponse struct {
	Alerts []alert.Alert `json:"alerts"`
}

// Handlers
func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	var req AddJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	priority, err := job.ParsePriority(req.Priority)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := []queue.JobOption{queue.WithPriority(priority)}
	if req.DelayMs > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelayMs)*time.Millisecond))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(req.MaxAttempts))
	}
	if req.TimeoutMs > 0 {
		opts = append(opts, queue.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, queue.WithIdempotencyKey(req.IdempotencyKey))
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	jobID, err := s.manager.AddJob(r.Context(), queueName, req.Type, payload, opts...)
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Msg("failed to add job")
		respondError(w, statusFor(err, http.StatusBadRequest), err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, AddJobResponse{JobID: jobID})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	status := job.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = job.StatusWaiting
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := s.manager.ListJobs(r.Context(), queueName, status, limit)
	if err != nil {
		respondError(w, statusFor(err, http.StatusBadRequest), err.Error())
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	respondJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.manager.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, j)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	qs, err := s.manager.GetQueueStats(r.Context(), queueName)
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, qs)
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.manager.GetQueueNames(r.Context())
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, ListQueuesResponse{Queues: queues})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	removed, err := s.manager.ClearQueue(r.Context(), queueName)
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, ClearQueueResponse{Removed: removed})
}

func (s *Server) setRateLimit(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	var req RateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.manager.SetRateLimit(queueName, req.Capacity, req.RefillRate)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) getRateLimit(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	capacity, refillRate, tokens, exists := s.manager.RateLimit(queueName)
	respondJSON(w, http.StatusOK, RateLimitResponse{
		Capacity:   capacity,
		RefillRate: refillRate,
		Tokens:     tokens,
		Exists:     exists,
	})
}

func (s *Server) queueHealth(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.Health(r.Context())
	if err != nil {
		respondError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}

	overall := health.Overall(results)
	code := http.StatusOK
	if overall == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, HealthResponse{Status: overall, Queues: results})
}

func (s *Server) alerts(w http.ResponseWriter, r *http.Request) {
	list := s.manager.Alerts()
	if r.URL.Query().Get("history") == "true" {
		list = s.manager.AlertHistory()
	}
	if list == nil {
		list = []alert.Alert{}
	}

	respondJSON(w, http.StatusOK, AlertsResponse{Alerts: list})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps manager errors onto HTTP status codes
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, job.ErrNotFound), errors.Is(err, queue.ErrUnknownQueue):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, queue.ErrShuttingDown), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, job.ErrInvalidTransition):
		return http.StatusConflict
	}
	return fallback
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// requestLogger logs each request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
