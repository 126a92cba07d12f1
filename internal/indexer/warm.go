package indexer

import (
	"context"
	"regexp"

	"github.com/rs/zerolog/log"

	"couchwarm/internal/domain"
)

// Database is everything Warm needs from a CouchDB client.
type Database interface {
	DesignDocLister
	Server
}

type WarmOptions struct {
	Filter *regexp.Regexp
	Options
}

// Warm enumerates the database's design documents and queries one view of
// each, throttled by opts.MaxActive. The enumerated tasks are returned even
// when the scheduler fails.
func Warm(ctx context.Context, db Database, opts WarmOptions) ([]domain.IndexTask, error) {
	tasks, err := Enumerate(ctx, db, opts.Filter)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("database", db.DatabaseName()).
		Int("views", len(tasks)).
		Int("max_active", opts.MaxActive).
		Msg("indexing views")
	return tasks, NewScheduler(db, opts.Options).Run(ctx, tasks)
}
