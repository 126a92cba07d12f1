package domain

import (
	"strings"
	"time"
)

// DesignDocPrefix is the id prefix CouchDB uses for design documents.
const DesignDocPrefix = "_design/"

// TaskTypeIndexer is the active task type CouchDB reports for view builds.
const TaskTypeIndexer = "indexer"

type DesignDocument struct {
	Name  string   // without the _design/ prefix
	Views []string // declaration order
}

// IndexTask is one view to query on one design document.
type IndexTask struct {
	DesignDoc string
	View      string
}

type ActiveTask struct {
	Type           string `json:"type"`
	Database       string `json:"database"`
	DesignDocument string `json:"design_document"`
}

// DesignDocName returns the design document name without its prefix.
func (a ActiveTask) DesignDocName() string {
	return strings.TrimPrefix(a.DesignDocument, DesignDocPrefix)
}

type ViewQuery struct {
	Limit  int
	Reduce bool
}

// Run states recorded in history.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

type Run struct {
	ID         string     `json:"id"`
	Database   string     `json:"database"`
	URL        string     `json:"url"`
	Filter     string     `json:"filter"`
	MaxActive  int        `json:"max_active"`
	State      string     `json:"state"`
	TaskCount  int        `json:"task_count"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type RunTask struct {
	RunID        string     `json:"run_id"`
	DesignDoc    string     `json:"design_doc"`
	View         string     `json:"view"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
