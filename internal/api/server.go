package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"couchwarm/internal/domain"
	"couchwarm/internal/history"
	"couchwarm/internal/indexer"
)

// RunStore is the read side of the run history.
type RunStore interface {
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRecentRuns(ctx context.Context, limit int) ([]domain.Run, error)
	ListRunTasks(ctx context.Context, runID string) ([]domain.RunTask, error)
}

type Server struct {
	r        *chi.Mux
	runs     RunStore
	status   *Status
	gatherer prometheus.Gatherer
}

// NewServer builds the status router. runs may be nil when history is
// disabled.
func NewServer(runs RunStore, status *Status, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	if status == nil {
		status = NewStatus()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{r: r, runs: runs, status: status, gatherer: gatherer}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/api/status", s.getStatus)
	r.Get("/api/runs", s.listRuns)
	r.Get("/api/runs/{id}", s.getRun)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "run history is disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRecentRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

type runResp struct {
	domain.Run
	Tasks []domain.RunTask `json:"tasks"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "run history is disabled", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tasks, err := s.runs.ListRunTasks(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runResp{Run: run, Tasks: tasks})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Status keeps the latest scheduler cycle for /api/status. It implements
// indexer.Observer.
type Status struct {
	mu        sync.Mutex
	last      *indexer.CycleStats
	updatedAt time.Time
}

type StatusSnapshot struct {
	Cycle       int        `json:"cycle"`
	ServerTasks int        `json:"server_active_tasks"`
	Indexing    int        `json:"indexing"`
	Outstanding int        `json:"outstanding"`
	InProgress  int        `json:"in_progress"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func NewStatus() *Status { return &Status{} }

func (s *Status) CycleObserved(c indexer.CycleStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &c
	s.updatedAt = time.Now().UTC()
}

func (s *Status) TaskDispatched(domain.IndexTask) {}
func (s *Status) TaskCompleted(domain.IndexTask)  {}

func (s *Status) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return StatusSnapshot{}
	}
	at := s.updatedAt
	return StatusSnapshot{
		Cycle:       s.last.Cycle,
		ServerTasks: s.last.ServerTasks,
		Indexing:    s.last.Indexing,
		Outstanding: s.last.Outstanding,
		InProgress:  s.last.InProgress,
		UpdatedAt:   &at,
	}
}
