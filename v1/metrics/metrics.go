package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquired tracks the number of granted lock acquisitions.
	LockAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_lock_acquired_total",
		Help: "Total number of granted lock acquisitions",
	})
	// LockConflicts tracks acquisitions refused because another owner holds the lock.
	LockConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_lock_conflicts_total",
		Help: "Total number of lock acquisitions refused due to a conflicting owner",
	})
	// LockReaped tracks expired lock records evicted by the reaper or read paths.
	LockReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_lock_reaped_total",
		Help: "Total number of expired lock records evicted",
	})
	// TasksSubmitted tracks accepted dispatch jobs.
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_tasks_submitted_total",
		Help: "Total number of accepted dispatch jobs",
	})
	// TasksRefused tracks jobs refused at submission.
	TasksRefused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_tasks_refused_total",
		Help: "Total number of dispatch jobs refused at submission",
	})
	// SendsOK tracks successful per-recipient sends.
	SendsOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_sends_ok_total",
		Help: "Total number of successful per-recipient sends",
	})
	// SendsFailed tracks failed per-recipient sends.
	SendsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_sends_failed_total",
		Help: "Total number of failed per-recipient sends",
	})
	// SendsDeferred tracks recipients deferred by the time-window policy.
	SendsDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_sends_deferred_total",
		Help: "Total number of recipients deferred by the time-window policy",
	})
	// QueueDepth reports the number of jobs waiting in the dispatch queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coord_queue_depth",
		Help: "Current number of jobs waiting in the dispatch queue",
	})
	// ActiveTasks reports the number of tasks held in the in-memory registry.
	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coord_active_tasks",
		Help: "Current number of tasks in the in-memory registry",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers coord core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquired, LockConflicts, LockReaped,
		TasksSubmitted, TasksRefused,
		SendsOK, SendsFailed, SendsDeferred,
		QueueDepth, ActiveTasks,
	)
}
