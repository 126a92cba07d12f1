package indexer

import (
	"fmt"

	"couchwarm/internal/domain"
)

// CollaboratorError means the design document listing failed.
type CollaboratorError struct {
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("enumerate views: %v", e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// PollError means the active task snapshot could not be fetched.
type PollError struct {
	Cycle int
	Err   error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll active tasks (cycle %d): %v", e.Cycle, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// DispatchError means a view query failed.
type DispatchError struct {
	Task domain.IndexTask
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s/%s: %v", e.Task.DesignDoc, e.Task.View, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
