package indexer

import (
	"context"
	"regexp"

	"github.com/rs/zerolog/log"

	"couchwarm/internal/domain"
)

// DesignDocLister lists the design documents of the target database.
type DesignDocLister interface {
	DesignDocuments(ctx context.Context) ([]domain.DesignDocument, error)
}

// MatchAll is the default design document filter.
var MatchAll = regexp.MustCompile(``)

// Enumerate returns one task per design document whose name matches filter
// and that declares at least one view. Only the first view is used: CouchDB
// builds every view of a design document together. A nil filter matches all.
func Enumerate(ctx context.Context, lister DesignDocLister, filter *regexp.Regexp) ([]domain.IndexTask, error) {
	if filter == nil {
		filter = MatchAll
	}
	docs, err := lister.DesignDocuments(ctx)
	if err != nil {
		return nil, &CollaboratorError{Err: err}
	}

	tasks := make([]domain.IndexTask, 0, len(docs))
	for _, doc := range docs {
		if !filter.MatchString(doc.Name) {
			continue
		}
		if len(doc.Views) == 0 {
			log.Debug().Str("design_doc", doc.Name).Msg("design document has no views, skipping")
			continue
		}
		tasks = append(tasks, domain.IndexTask{DesignDoc: doc.Name, View: doc.Views[0]})
	}
	return tasks, nil
}
