package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// status label values
const (
	StatusSuccess  = "success"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
	StatusFailure  = "failure"
)

var (
	// lock acquisition counter - labels: status (success/timeout/canceled)
	// lock ids are client supplied strings, so they are never used as labels
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutexd_lock_acquire_total",
			Help: "total number of lock requests by outcome",
		},
		[]string{"status"},
	)

	// time spent inside the acquisition loop
	// uncontended acquisitions land in the first bucket
	AcquireWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mutexd_acquire_wait_seconds",
			Help:    "time taken to acquire a lock or give up",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"status"},
	)

	// explicit releases - status failure means the caller did not hold the id
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutexd_lock_release_total",
			Help: "total number of explicit release requests by outcome",
		},
		[]string{"status"},
	)

	// currently held locks
	// useful for detecting lock leaks
	LocksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mutexd_locks_active",
			Help: "current number of held locks",
		},
	)

	// locks freed because their connection went away
	DisconnectReleaseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mutexd_disconnect_releases_total",
			Help: "total number of locks released by connection termination",
		},
	)

	// connected clients
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mutexd_sessions_active",
			Help: "current number of open client sessions",
		},
	)

	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mutexd_sessions_total",
			Help: "total number of accepted client sessions",
		},
	)

	// labels: reason (malformed/unknown_command/too_large/incomplete/pipeline_overflow)
	ProtocolErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutexd_protocol_errors_total",
			Help: "total number of connections closed for protocol violations",
		},
		[]string{"reason"},
	)

	ConnectionsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mutexd_connections_rejected_total",
			Help: "total number of connections refused by the connection cap",
		},
	)

	SessionPanicTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mutexd_session_panics_total",
			Help: "total number of recovered panics in session goroutines",
		},
	)

	// always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mutexd_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}
