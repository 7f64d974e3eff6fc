// Package metrics defines the prometheus handles shared across the placement and
// reconciliation loops, acquired once at construction the way the teacher's
// internal/scheduler/scheduler_metrics.go does — no process-wide singleton state (spec.md §9).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "fleet"
	subsystem = "core"
)

// Registry bundles the counters, timers, and gauges the core holds. Test harnesses construct
// their own Registry backed by a fresh prometheus.Registerer so assertions don't collide with
// other tests' metrics.
type Registry struct {
	PlacementIterationTime prometheus.Histogram
	TasksAssigned          prometheus.Counter
	TasksFailedToPlace     *prometheus.CounterVec
	OffersConsumed         prometheus.Counter
	OffersRejected         *prometheus.CounterVec
	OffersExpired          prometheus.Counter
	ReconcileCycleTime     prometheus.Histogram
	ModelUpdatesApplied    *prometheus.CounterVec
	ChangeActionsFailed    prometheus.Counter
	ScaleUpActions         *prometheus.CounterVec
	ScaleDownActions       *prometheus.CounterVec
	ActiveAgents           prometheus.Gauge
	QueuedTasks            *prometheus.GaugeVec
}

// New constructs a Registry and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		PlacementIterationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "placement_iteration_seconds",
			Help:    "Wall time of one placement engine iteration.",
			Buckets: prometheus.DefBuckets,
		}),
		TasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "tasks_assigned_total",
			Help: "Tasks successfully matched to an offer and launched.",
		}),
		TasksFailedToPlace: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "tasks_failed_to_place_total",
			Help: "Tasks that could not be placed in an iteration, by reason.",
		}, []string{"reason"}),
		OffersConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "offers_consumed_total",
			Help: "Offers consumed by at least one assignment.",
		}),
		OffersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "offers_rejected_total",
			Help: "Offers rejected back to their agent, by reason.",
		}, []string{"reason"}),
		OffersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "offers_expired_total",
			Help: "Offers evicted at iteration start for exceeding their lease.",
		}),
		ReconcileCycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "reconcile_cycle_seconds",
			Help:    "Wall time of one reconciliation framework loop tick.",
			Buckets: prometheus.DefBuckets,
		}),
		ModelUpdatesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "model_updates_applied_total",
			Help: "ModelUpdateActions applied, by target model.",
		}, []string{"model"}),
		ChangeActionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "change_actions_failed_total",
			Help: "ChangeActions that reported failure upstream.",
		}),
		ScaleUpActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "scale_up_actions_total",
			Help: "ScaleUp actions produced, by instance group.",
		}, []string{"group"}),
		ScaleDownActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "scale_down_actions_total",
			Help: "ScaleDown actions produced, by instance group.",
		}, []string{"group"}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "active_agents",
			Help: "Agents with at least one non-expired offer as of the last snapshot.",
		}),
		QueuedTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "queued_tasks",
			Help: "Tasks currently queued, by tier.",
		}, []string{"tier"}),
	}
	reg.MustRegister(
		m.PlacementIterationTime, m.TasksAssigned, m.TasksFailedToPlace,
		m.OffersConsumed, m.OffersRejected, m.OffersExpired,
		m.ReconcileCycleTime, m.ModelUpdatesApplied, m.ChangeActionsFailed,
		m.ScaleUpActions, m.ScaleDownActions, m.ActiveAgents, m.QueuedTasks,
	)
	return m
}
