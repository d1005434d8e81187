package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "grid_sidecar",
		Name:      "members_total",
		Help:      "Number of cluster members seen by the last health check",
	})

	HasBeenReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "grid_sidecar",
		Name:      "has_been_ready",
		Help:      "1 once the readiness latch has flipped, else 0",
	})

	Checks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grid_sidecar",
		Name:      "checks_total",
		Help:      "Health check verdicts by check and result (pass, fail, error)",
	}, []string{"check", "result"})

	ServiceVerdicts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "grid_sidecar",
		Name:      "service_ha",
		Help:      "1 if the service passed the last StatusHA evaluation, else 0",
	}, []string{"service"})

	Requests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grid_sidecar",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Control surface request latency by route and status code",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "code"})

	SuspendActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grid_sidecar",
		Name:      "suspend_actions_total",
		Help:      "Suspend and resume actions by action (suspend, resume, skip) and result",
	}, []string{"action", "result"})

	AutoResumes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grid_sidecar",
		Subsystem: "lifecycle",
		Name:      "auto_resumes_total",
		Help:      "Services resumed by the startup hook, by result",
	}, []string{"result"})

	ManagementCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grid_sidecar",
		Subsystem: "mgmt",
		Name:      "calls_total",
		Help:      "Remote management calls by adapter, operation and result",
	}, []string{"adapter", "op", "result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grid_sidecar",
		Subsystem: "grpc",
		Name:      "conn_dials_total",
		Help:      "gRPC client connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grid_sidecar",
		Subsystem: "grpc",
		Name:      "conn_reuse_total",
		Help:      "Dials discarded in favour of a cached connection",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grid_sidecar",
		Subsystem: "grpc",
		Name:      "conn_evictions_total",
		Help:      "Idle gRPC client connections closed",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "grid_sidecar",
		Subsystem: "grpc",
		Name:      "conn_active",
		Help:      "Cached gRPC client connections",
	})

	// devgrid
	SuspendedServices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devgrid",
		Name:      "suspended_services",
		Help:      "Number of services currently suspended cluster-wide",
	})
	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devgrid",
		Name:      "is_leader",
		Help:      "1 if this node leads the control state group, else 0",
	})
	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "devgrid",
		Name:      "leader_changes_total",
		Help:      "Total number of observed leader change events",
	})
	DroppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devgrid",
		Name:      "dropped_lifecycle_events_total",
		Help:      "Lifecycle events dropped because a subscriber fell behind",
	}, []string{"type"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ClusterMembers)
		prometheus.MustRegister(HasBeenReady)
		prometheus.MustRegister(Checks)
		prometheus.MustRegister(ServiceVerdicts)
		prometheus.MustRegister(Requests)
		prometheus.MustRegister(SuspendActions)
		prometheus.MustRegister(AutoResumes)
		prometheus.MustRegister(ManagementCalls)
		prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
		// devgrid
		prometheus.MustRegister(SuspendedServices)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(DroppedEvents)
	})
}

// Result maps a verdict to the "result" label.
func Result(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "pass"
	default:
		return "fail"
	}
}
