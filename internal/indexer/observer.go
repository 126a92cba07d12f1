package indexer

import "couchwarm/internal/domain"

// CycleStats describes the scheduler state after one admit step.
type CycleStats struct {
	Cycle       int
	ServerTasks int
	Indexing    int
	Capacity    int
	Admitted    int
	Outstanding int
	InProgress  int
}

// Observer receives scheduler events. All calls come from the scheduler's
// control goroutine.
type Observer interface {
	CycleObserved(CycleStats)
	TaskDispatched(domain.IndexTask)
	TaskCompleted(domain.IndexTask)
}

// Observers fans events out to each member in order.
type Observers []Observer

func (o Observers) CycleObserved(s CycleStats) {
	for _, ob := range o {
		ob.CycleObserved(s)
	}
}

func (o Observers) TaskDispatched(t domain.IndexTask) {
	for _, ob := range o {
		ob.TaskDispatched(t)
	}
}

func (o Observers) TaskCompleted(t domain.IndexTask) {
	for _, ob := range o {
		ob.TaskCompleted(t)
	}
}

type nopObserver struct{}

func (nopObserver) CycleObserved(CycleStats)        {}
func (nopObserver) TaskDispatched(domain.IndexTask) {}
func (nopObserver) TaskCompleted(domain.IndexTask)  {}
