package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"couchwarm/internal/domain"
	"couchwarm/internal/indexer"
)

var ErrNotFound = errors.New("run not found")

// Open opens (creating if needed) the SQLite history file at path.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  db_name TEXT NOT NULL,
  url TEXT NOT NULL,
  name_filter TEXT NOT NULL DEFAULT '',
  max_active INTEGER NOT NULL DEFAULT -1,
  state TEXT NOT NULL CHECK(state IN ('running','succeeded','failed')) DEFAULT 'running',
  task_count INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  started_at DATETIME NOT NULL,
  finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
CREATE TABLE IF NOT EXISTS run_tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  design_doc TEXT NOT NULL,
  view_name TEXT NOT NULL,
  dispatched_at DATETIME,
  completed_at DATETIME,
  UNIQUE(run_id, design_doc),
  FOREIGN KEY(run_id) REFERENCES runs(id)
);
`
	_, err := db.Exec(schema)
	return err
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// StartRun records a new running run and returns it with its ID set.
func (s *Store) StartRun(ctx context.Context, r domain.Run) (domain.Run, error) {
	if r.ID == "" {
		r.ID = "run_" + uuid.NewString()
	}
	r.State = domain.RunRunning
	r.StartedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id,db_name,url,name_filter,max_active,state,started_at)
VALUES (?,?,?,?,?,?,?)`, r.ID, r.Database, r.URL, r.Filter, r.MaxActive, r.State, r.StartedAt)
	if err != nil {
		return domain.Run{}, fmt.Errorf("start run: %w", err)
	}
	return r, nil
}

// FinishRun marks a run succeeded, or failed when runErr is non-nil.
func (s *Store) FinishRun(ctx context.Context, id string, taskCount int, runErr error) error {
	state, msg := domain.RunSucceeded, ""
	if runErr != nil {
		state, msg = domain.RunFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET state=?, task_count=?, error=?, finished_at=? WHERE id=?`, state, taskCount, msg, s.now(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TaskDispatched(ctx context.Context, runID string, t domain.IndexTask) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_tasks (run_id,design_doc,view_name,dispatched_at) VALUES (?,?,?,?)
ON CONFLICT(run_id, design_doc) DO UPDATE SET view_name=excluded.view_name, dispatched_at=excluded.dispatched_at`,
		runID, t.DesignDoc, t.View, s.now())
	return err
}

func (s *Store) TaskCompleted(ctx context.Context, runID string, t domain.IndexTask) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE run_tasks SET completed_at=? WHERE run_id=? AND design_doc=?`, s.now(), runID, t.DesignDoc)
	return err
}

// RecoverStale fails runs left running by a process that never finished them.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET state='failed', error='interrupted', finished_at=? WHERE state='running'`, s.now())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const runColumns = `id,db_name,url,name_filter,max_active,state,task_count,error,started_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var r domain.Run
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Database, &r.URL, &r.Filter, &r.MaxActive, &r.State, &r.TaskCount, &r.Error, &r.StartedAt, &finished); err != nil {
		return domain.Run{}, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) ListRunTasks(ctx context.Context, runID string) ([]domain.RunTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id,design_doc,view_name,dispatched_at,completed_at FROM run_tasks WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.RunTask{}
	for rows.Next() {
		var t domain.RunTask
		var dispatched, completed sql.NullTime
		if err := rows.Scan(&t.RunID, &t.DesignDoc, &t.View, &dispatched, &completed); err != nil {
			return nil, err
		}
		if dispatched.Valid {
			d := dispatched.Time
			t.DispatchedAt = &d
		}
		if completed.Valid {
			c := completed.Time
			t.CompletedAt = &c
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Recorder returns an indexer.Observer that writes task progress for runID.
func (s *Store) Recorder(ctx context.Context, runID string) indexer.Observer {
	return &recorder{ctx: ctx, store: s, runID: runID}
}

type recorder struct {
	ctx   context.Context
	store *Store
	runID string
}

func (r *recorder) CycleObserved(indexer.CycleStats) {}

func (r *recorder) TaskDispatched(t domain.IndexTask) {
	if err := r.store.TaskDispatched(r.ctx, r.runID, t); err != nil {
		log.Warn().Err(err).Str("run_id", r.runID).Str("design_doc", t.DesignDoc).Msg("record dispatch")
	}
}

func (r *recorder) TaskCompleted(t domain.IndexTask) {
	if err := r.store.TaskCompleted(r.ctx, r.runID, t); err != nil {
		log.Warn().Err(err).Str("run_id", r.runID).Str("design_doc", t.DesignDoc).Msg("record completion")
	}
}
