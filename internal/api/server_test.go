package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"couchwarm/internal/domain"
	"couchwarm/internal/history"
	"couchwarm/internal/indexer"
	"couchwarm/internal/metrics"
)

type fakeRuns struct {
	runs  []domain.Run
	tasks map[string][]domain.RunTask
	limit int
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (domain.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Run{}, history.ErrNotFound
}

func (f *fakeRuns) ListRecentRuns(_ context.Context, limit int) ([]domain.Run, error) {
	f.limit = limit
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeRuns) ListRunTasks(_ context.Context, runID string) ([]domain.RunTask, error) {
	return f.tasks[runID], nil
}

func newFakeRuns() *fakeRuns {
	started := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	return &fakeRuns{
		runs: []domain.Run{
			{ID: "run_2", Database: "mydb", State: domain.RunRunning, StartedAt: started.Add(time.Minute)},
			{ID: "run_1", Database: "mydb", State: domain.RunSucceeded, TaskCount: 1, StartedAt: started},
		},
		tasks: map[string][]domain.RunTask{
			"run_1": {{RunID: "run_1", DesignDoc: "app", View: "by_id"}},
		},
	}
}

func TestHealth(t *testing.T) {
	h := NewServer(nil, nil, prometheus.NewRegistry())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestListRuns(t *testing.T) {
	runs := newFakeRuns()
	h := NewServer(runs, nil, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got []domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "run_2" {
		t.Fatalf("runs = %+v", got)
	}
	if runs.limit != 1 {
		t.Fatalf("limit = %d, want 1", runs.limit)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	h := NewServer(newFakeRuns(), nil, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		ID    string           `json:"id"`
		State string           `json:"state"`
		Tasks []domain.RunTask `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "run_1" || got.State != domain.RunSucceeded || len(got.Tasks) != 1 || got.Tasks[0].DesignDoc != "app" {
		t.Fatalf("run = %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run_missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status = %d, want 404", rec.Code)
	}
}

func TestRunsWithoutHistory(t *testing.T) {
	h := NewServer(nil, nil, prometheus.NewRegistry())
	for _, path := range []string{"/api/runs", "/api/runs/run_1"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestStatusAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewScheduler(reg)
	status := NewStatus()
	obs := indexer.Observers{status, m.Observer("mydb")}
	obs.TaskDispatched(domain.IndexTask{DesignDoc: "app", View: "by_id"})
	obs.CycleObserved(indexer.CycleStats{Cycle: 4, ServerTasks: 2, Indexing: 1, Outstanding: 3, InProgress: 1})

	h := NewServer(nil, status, reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var snap StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Cycle != 4 || snap.ServerTasks != 2 || snap.Outstanding != 3 || snap.InProgress != 1 || snap.UpdatedAt == nil {
		t.Fatalf("status = %+v", snap)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`couchwarm_scheduler_dispatched_total{database="mydb"} 1`,
		`couchwarm_scheduler_outstanding{database="mydb"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
