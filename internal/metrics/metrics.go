package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"couchwarm/internal/domain"
	"couchwarm/internal/indexer"
)

const (
	metricsNamespace = "couchwarm"
	metricsSubsystem = "scheduler"
)

// Scheduler exposes scheduler progress as Prometheus metrics. It implements
// indexer.Observer.
type Scheduler struct {
	outstanding *prometheus.GaugeVec
	inProgress  *prometheus.GaugeVec
	serverTasks *prometheus.GaugeVec
	cycles      *prometheus.CounterVec
	dispatched  *prometheus.CounterVec
	completed   *prometheus.CounterVec
	runs        *prometheus.CounterVec
}

func NewScheduler(reg prometheus.Registerer) *Scheduler {
	m := &Scheduler{
		outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "outstanding",
			Help:      "Views not yet queried in the current run.",
		}, []string{"database"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "in_progress",
			Help:      "Views queried and still indexing.",
		}, []string{"database"}),
		serverTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "server_active_tasks",
			Help:      "Active tasks reported by the CouchDB server at the last poll.",
		}, []string{"database"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cycles_total",
			Help:      "Scheduler poll cycles completed.",
		}, []string{"database"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dispatched_total",
			Help:      "View queries issued.",
		}, []string{"database"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "completed_total",
			Help:      "Views whose indexing finished.",
		}, []string{"database"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "runs_total",
			Help:      "Warm runs by result.",
		}, []string{"database", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.outstanding, m.inProgress, m.serverTasks, m.cycles, m.dispatched, m.completed, m.runs)
	}
	return m
}

// Observer returns an indexer.Observer labelled with database.
func (m *Scheduler) Observer(database string) indexer.Observer {
	return &observer{m: m, db: database}
}

// RunFinished counts a finished run.
func (m *Scheduler) RunFinished(database string, err error) {
	result := domain.RunSucceeded
	if err != nil {
		result = domain.RunFailed
	}
	m.runs.WithLabelValues(database, result).Inc()
}

type observer struct {
	m  *Scheduler
	db string
}

func (o *observer) CycleObserved(s indexer.CycleStats) {
	o.m.cycles.WithLabelValues(o.db).Inc()
	o.m.outstanding.WithLabelValues(o.db).Set(float64(s.Outstanding))
	o.m.inProgress.WithLabelValues(o.db).Set(float64(s.InProgress))
	o.m.serverTasks.WithLabelValues(o.db).Set(float64(s.ServerTasks))
}

func (o *observer) TaskDispatched(domain.IndexTask) {
	o.m.dispatched.WithLabelValues(o.db).Inc()
}

func (o *observer) TaskCompleted(domain.IndexTask) {
	o.m.completed.WithLabelValues(o.db).Inc()
}
