package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one warm run.
type Job func(ctx context.Context) error

// Service re-runs a job on a cron schedule. A tick that arrives while the
// previous run is still going is skipped.
type Service struct {
	schedule cron.Schedule
	job      Job
	interval time.Duration
	running  atomic.Bool
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewService parses a standard five-field cron expression (or a descriptor
// such as "@hourly") and checks it every checkInterval.
func NewService(expr string, job Job, checkInterval time.Duration) (*Service, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return NewServiceWithSchedule(sched, job, checkInterval), nil
}

func NewServiceWithSchedule(sched cron.Schedule, job Job, checkInterval time.Duration) *Service {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	return &Service{
		schedule: sched,
		job:      job,
		interval: checkInterval,
		now:      time.Now,
	}
}

// Start runs the job once immediately when runNow is set, then on every due
// tick until ctx is done. It waits for an in-flight run before returning.
func (s *Service) Start(ctx context.Context, runNow bool) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	next := s.schedule.Next(s.now())
	log.Info().Dur("interval", s.interval).Time("next_run", next).Msg("schedule service started")
	if runNow {
		s.trigger(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			if now.Before(next) {
				continue
			}
			next = s.schedule.Next(now)
			s.trigger(ctx)
			log.Info().Time("next_run", next).Msg("next scheduled run")
		}
	}
}

func (s *Service) trigger(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn().Msg("previous run still in progress, skipping scheduled run")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if err := s.job(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled run failed")
		}
	}()
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

