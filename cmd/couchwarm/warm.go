package main

import (
	"context"
	"regexp"

	"github.com/rs/zerolog/log"

	"couchwarm/internal/api"
	"couchwarm/internal/config"
	"couchwarm/internal/couch"
	"couchwarm/internal/domain"
	"couchwarm/internal/history"
	"couchwarm/internal/indexer"
	"couchwarm/internal/metrics"
)

// warmer runs one indexing pass and records it.
type warmer struct {
	db      *couch.Client
	cfg     config.IndexerConfig
	filter  *regexp.Regexp
	store   *history.Store // nil when history is disabled
	metrics *metrics.Scheduler
	status  *api.Status
}

func (w *warmer) run(ctx context.Context) error {
	name := w.db.DatabaseName()
	obs := indexer.Observers{w.status, w.metrics.Observer(name)}

	// History writes must outlive a cancelled run so its failure is recorded.
	recordCtx := context.WithoutCancel(ctx)
	var runID string
	if w.store != nil {
		run, err := w.store.StartRun(recordCtx, domain.Run{
			Database:  name,
			URL:       w.db.URL(),
			Filter:    w.filter.String(),
			MaxActive: w.cfg.MaxActiveTasks,
		})
		if err != nil {
			return err
		}
		runID = run.ID
		obs = append(obs, w.store.Recorder(recordCtx, runID))
	}

	tasks, err := indexer.Warm(ctx, w.db, indexer.WarmOptions{
		Filter: w.filter,
		Options: indexer.Options{
			MaxActive:     w.cfg.MaxActiveTasks,
			PollInterval:  w.cfg.PollInterval,
			ConfirmActive: w.cfg.ConfirmActive,
			Observer:      obs,
		},
	})
	w.metrics.RunFinished(name, err)

	if w.store != nil {
		if ferr := w.store.FinishRun(recordCtx, runID, len(tasks), err); ferr != nil {
			log.Warn().Err(ferr).Str("run_id", runID).Msg("record run result")
		}
	}
	if err != nil {
		return err
	}
	log.Info().Str("database", name).Str("run_id", runID).Int("views", len(tasks)).Msg("run finished")
	return nil
}
