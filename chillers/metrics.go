package chillers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// monitorMetrics holds the Prometheus collectors for the instance
// monitor's poll loop. Collectors are registered on a per-app registry so
// tests can construct monitors without duplicate-registration panics.
type monitorMetrics struct {
	cyclesTotal     prometheus.Counter
	cycleErrors     prometheus.Counter
	cycleDuration   prometheus.Observer
	joinsTotal      prometheus.Counter
	leavesTotal     prometheus.Counter
	forcedClosures  prometheus.Counter
	instancesClosed prometheus.Counter
	usersPresent    prometheus.Gauge
	activeInstances prometheus.Gauge
}

func newMonitorMetrics(registry *prometheus.Registry) *monitorMetrics {
	factory := promauto.With(registry)
	return &monitorMetrics{
		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chillers_poll_cycles_total",
			Help: "Number of poll cycles started",
		}),
		cycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chillers_poll_cycle_errors_total",
			Help: "Number of poll cycles aborted by an error",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chillers_poll_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		joinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chillers_joins_total",
			Help: "Number of instance joins detected",
		}),
		leavesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chillers_leaves_total",
			Help: "Number of instance leaves detected",
		}),
		forcedClosures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chillers_forced_closures_total",
			Help: "Number of instances force-closed for lacking moderator coverage",
		}),
		instancesClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chillers_instances_closed_total",
			Help: "Number of instances marked inactive",
		}),
		usersPresent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chillers_users_present",
			Help: "Number of group members currently observed in an instance",
		}),
		activeInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chillers_active_instances",
			Help: "Number of instances with at least one observed occupant",
		}),
	}
}
