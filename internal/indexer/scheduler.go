package indexer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"couchwarm/internal/couch"
	"couchwarm/internal/domain"
)

const (
	// Unbounded disables the active task ceiling.
	Unbounded = -1

	DefaultPollInterval = 500 * time.Millisecond
)

// triggerQuery asks for as little data as possible while still forcing the
// view to be brought up to date.
var triggerQuery = domain.ViewQuery{Limit: 1, Reduce: false}

// Server is the part of the database client the scheduler drives.
type Server interface {
	ActiveTasks(ctx context.Context) ([]domain.ActiveTask, error)
	Query(ctx context.Context, designDoc, view string, opts domain.ViewQuery) error
	DatabaseName() string
}

// Options configures a Scheduler. The zero value is usable: no ceiling, the
// default poll interval and unconfirmed pruning.
type Options struct {
	// MaxActive caps the server's active task count before more views are
	// queried. Zero, Unbounded or any negative value admits everything at once.
	MaxActive int
	// PollInterval is the sleep between cycles. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// ConfirmActive keeps a dispatched task in progress until it was either
	// reported as an active indexer at least once or its query returned.
	// When false (the zero value) a task is dropped the first time the server
	// does not list it. Callers that want the safer behaviour must set it.
	ConfirmActive bool
	Observer      Observer
}

// Scheduler queries views while keeping the server below MaxActive active
// tasks, and returns once every view it dispatched has finished indexing.
type Scheduler struct {
	server Server
	opts   Options
}

func NewScheduler(server Server, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = Unbounded
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Scheduler{server: server, opts: opts}
}

type state int

const (
	statePolling state = iota
	stateDispatching
	stateSleeping
	stateDone
	stateFailed
)

type inFlight struct {
	task      domain.IndexTask
	confirmed bool
}

// Run consumes tasks until all of them have been dispatched and the server no
// longer reports them as indexing. The first poll or dispatch error aborts the
// run and cancels any queries still in flight.
func (s *Scheduler) Run(ctx context.Context, tasks []domain.IndexTask) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	dbName := s.server.DatabaseName()
	outstanding := append([]domain.IndexTask(nil), tasks...)
	var inProgress []*inFlight
	// Each task is dispatched at most once, so this never blocks.
	returned := make(chan string, len(tasks))

	var (
		st       = statePolling
		cycle    int
		snapshot []domain.ActiveTask
		failure  error
	)

	// aborted reports whether the group context ended, and why.
	aborted := func() (bool, error) {
		if gctx.Err() == nil {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return true, err
		}
		return true, g.Wait()
	}

	for {
		switch st {
		case statePolling:
			if stop, err := aborted(); stop {
				failure, st = err, stateFailed
				continue
			}
			cycle++
			active, err := s.server.ActiveTasks(gctx)
			if err != nil {
				if stop, gerr := aborted(); stop {
					failure, st = gerr, stateFailed
					continue
				}
				failure, st = &PollError{Cycle: cycle, Err: err}, stateFailed
				continue
			}
			// A query may have failed while the poll was in flight.
			if stop, err := aborted(); stop {
				failure, st = err, stateFailed
				continue
			}
			snapshot = active
			inProgress = s.reconcile(dbName, snapshot, inProgress, drain(returned))
			st = stateDispatching

		case stateDispatching:
			if stop, err := aborted(); stop {
				failure, st = err, stateFailed
				continue
			}
			n := s.admissible(len(snapshot), len(outstanding))
			admitted := outstanding[:n:n]
			outstanding = outstanding[n:]
			for _, task := range admitted {
				task := task
				inProgress = append(inProgress, &inFlight{task: task})
				s.opts.Observer.TaskDispatched(task)
				g.Go(func() error {
					if err := s.server.Query(gctx, task.DesignDoc, task.View, triggerQuery); err != nil {
						return &DispatchError{Task: task, Err: err}
					}
					returned <- task.DesignDoc
					return nil
				})
			}

			stats := CycleStats{
				Cycle:       cycle,
				ServerTasks: len(snapshot),
				Indexing:    len(indexingDesignDocs(dbName, snapshot)),
				Capacity:    s.capacity(len(snapshot), len(outstanding)+n),
				Admitted:    n,
				Outstanding: len(outstanding),
				InProgress:  len(inProgress),
			}
			s.opts.Observer.CycleObserved(stats)
			log.Debug().
				Int("cycle", cycle).
				Int("active", stats.ServerTasks).
				Int("capacity", stats.Capacity).
				Int("admitted", n).
				Int("outstanding", stats.Outstanding).
				Int("in_progress", stats.InProgress).
				Msg("scheduler cycle")

			if len(outstanding) == 0 && len(inProgress) == 0 {
				st = stateDone
			} else {
				st = stateSleeping
			}

		case stateSleeping:
			t := time.NewTimer(s.opts.PollInterval)
			select {
			case <-t.C:
			case <-gctx.Done():
				t.Stop()
			}
			st = statePolling

		case stateDone:
			// Queries may still be draining their responses.
			if err := g.Wait(); err != nil {
				return err
			}
			log.Info().Str("database", dbName).Int("cycles", cycle).Int("views", len(tasks)).Msg("all views indexed")
			return nil

		case stateFailed:
			cancel()
			_ = g.Wait()
			log.Error().Err(failure).Str("database", dbName).Int("cycle", cycle).
				Int("outstanding", len(outstanding)).Int("in_progress", len(inProgress)).
				Msg("indexing run failed")
			return failure
		}
	}
}

// reconcile drops in-progress tasks whose design document the server no
// longer reports as indexing.
func (s *Scheduler) reconcile(dbName string, snapshot []domain.ActiveTask, inProgress []*inFlight, returned map[string]bool) []*inFlight {
	indexing := indexingDesignDocs(dbName, snapshot)
	kept := inProgress[:0]
	for _, f := range inProgress {
		if indexing[f.task.DesignDoc] || returned[f.task.DesignDoc] {
			f.confirmed = true
		}
		if indexing[f.task.DesignDoc] {
			kept = append(kept, f)
			continue
		}
		if s.opts.ConfirmActive && !f.confirmed {
			kept = append(kept, f)
			continue
		}
		log.Info().Str("design_doc", f.task.DesignDoc).Str("view", f.task.View).Msg("view indexed")
		s.opts.Observer.TaskCompleted(f.task)
	}
	for i := len(kept); i < len(inProgress); i++ {
		inProgress[i] = nil
	}
	return kept
}

// capacity is how many more tasks the server may take on. Without a ceiling
// it is simply want.
func (s *Scheduler) capacity(serverTasks, want int) int {
	if s.opts.MaxActive == Unbounded {
		return want
	}
	return s.opts.MaxActive - serverTasks
}

func (s *Scheduler) admissible(serverTasks, outstanding int) int {
	n := s.capacity(serverTasks, outstanding)
	if n > outstanding {
		n = outstanding
	}
	if n < 0 {
		n = 0
	}
	return n
}

// indexingDesignDocs returns the design documents of dbName the server is
// currently indexing.
func indexingDesignDocs(dbName string, snapshot []domain.ActiveTask) map[string]bool {
	names := make(map[string]bool)
	for _, t := range snapshot {
		if t.Type == domain.TaskTypeIndexer && couch.MatchesDatabase(t.Database, dbName) {
			names[t.DesignDocName()] = true
		}
	}
	return names
}

func drain(ch <-chan string) map[string]bool {
	out := make(map[string]bool)
	for {
		select {
		case name := <-ch:
			out[name] = true
		default:
			return out
		}
	}
}
