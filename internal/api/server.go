package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"fundval-scheduler/internal/models"
	"fundval-scheduler/internal/scheduler"
	"fundval-scheduler/internal/store"
	"fundval-scheduler/internal/telemetry"
)

// JobReader is the read side of the job store.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	ListRuns(ctx context.Context, jobID string, limit int) ([]models.Run, error)
}

// CounterReader reads daily outcome counters.
type CounterReader interface {
	GetCounter(ctx context.Context, key string) (int64, error)
	ListCounters(ctx context.Context, day string) ([]models.Counter, error)
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps are the collaborators of the operator API. Limiter may be nil.
type Deps struct {
	Jobs         JobReader
	Counters     CounterReader
	Enqueuer     *scheduler.Enqueuer
	Executor     *scheduler.Executor
	Limiter      Limiter
	ReclaimBatch int
	CounterTZ    *time.Location
	Now          func() time.Time
	Logger       hclog.Logger
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	deps   Deps
	logger hclog.Logger
}

// New constructs the API server.
func New(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.CounterTZ == nil {
		deps.CounterTZ = time.UTC
	}
	if deps.ReclaimBatch <= 0 {
		deps.ReclaimBatch = 100
	}
	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{deps: deps, logger: logger.Named("api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/counters", s.handleListCounters)
	r.Get("/counters/{key}", s.handleGetCounter)

	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs", s.handleEnqueue)
	r.Post("/jobs/reclaim", s.handleReclaim)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

type counterResponse struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

func (s *Server) handleGetCounter(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	n, err := s.deps.Counters.GetCounter(r.Context(), key)
	if err != nil {
		s.fail(w, "read counter", err)
		return
	}
	writeJSON(w, http.StatusOK, counterResponse{Key: key, Value: n})
}

func (s *Server) handleListCounters(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = s.deps.Now().In(s.deps.CounterTZ).Format(models.CounterDayLayout)
	} else if _, err := time.Parse(models.CounterDayLayout, day); err != nil {
		http.Error(w, "day must be YYYYMMDD", http.StatusBadRequest)
		return
	}
	counters, err := s.deps.Counters.ListCounters(r.Context(), day)
	if err != nil {
		s.fail(w, "list counters", err)
		return
	}
	if counters == nil {
		counters = []models.Counter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day, "counters": counters})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		Status: q.Get("status"),
		Source: q.Get("source"),
	}
	if k := q.Get("kind"); k != "" {
		kind, err := models.ParseKind(k)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Kind = kind
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type jobResponse struct {
	Job  models.Job   `json:"job"`
	Runs []models.Run `json:"runs"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "get job", err)
		return
	}
	runs, err := s.deps.Jobs.ListRuns(r.Context(), id, 20)
	if err != nil {
		s.fail(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Runs: runs})
}

type enqueueRequest struct {
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
	Source   string `json:"source"`
	Priority int    `json:"priority"`
}

type enqueueResponse struct {
	Key    models.JobKey `json:"key"`
	Result string        `json:"result"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	kind, err := models.ParseKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	if s.deps.Limiter != nil {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), fmt.Sprintf("api:%s", clientFromRequest(r)))
		if err != nil {
			s.fail(w, "rate limit", err)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.deps.Enqueuer.Enqueue(r.Context(), kind, req.Subject, req.Source, req.Priority)
	if err != nil {
		s.fail(w, "enqueue", err)
		return
	}
	s.logger.Info("manual enqueue", "kind", kind, "source", req.Source, "subject", req.Subject,
		"priority", req.Priority, "result", res.String())
	writeJSON(w, http.StatusAccepted, enqueueResponse{
		Key:    models.JobKey{Kind: kind, Subject: req.Subject, Source: req.Source},
		Result: res.String(),
	})
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Executor.ReclaimExpired(r.Context(), s.deps.ReclaimBatch)
	if err != nil {
		s.fail(w, "reclaim", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what+" failed", "error", err)
	http.Error(w, what+" failed", http.StatusInternalServerError)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
