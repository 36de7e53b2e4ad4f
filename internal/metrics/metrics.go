package metrics

import (
	"field-access-control/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnrollmentRequests counts enrollment attempts by outcome kind ("ok" on success)
	EnrollmentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fac_enrollment_requests_total",
		Help: "Total number of enrollment requests by outcome",
	}, []string{"outcome"})

	// EnrollmentDecisions counts approve/reject decisions by outcome
	EnrollmentDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fac_enrollment_decisions_total",
		Help: "Total number of enrollment decisions by decision and outcome",
	}, []string{"decision", "outcome"})

	// LivenessReports counts device heartbeats by outcome
	LivenessReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fac_liveness_reports_total",
		Help: "Total number of device liveness reports by outcome",
	}, []string{"outcome"})

	// ConnectionTransitions counts broker operations by operation and outcome
	ConnectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fac_connection_operations_total",
		Help: "Total number of connection broker operations by operation and outcome",
	}, []string{"operation", "outcome"})

	// PushDeliveries counts device notifications by result
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fac_push_deliveries_total",
		Help: "Total number of device push notifications by result",
	}, []string{"result"})

	// AuthorizationChecks counts Authorize evaluations by result
	AuthorizationChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fac_authorization_checks_total",
		Help: "Total number of authorization checks by result",
	}, []string{"result"})

	// SweepExpired counts records expired by the sweeper per entity
	SweepExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fac_sweep_expired_total",
		Help: "Total number of records expired by the liveness sweeper",
	}, []string{"entity"})

	// SweepDuration tracks sweeper pass time
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fac_sweep_duration_seconds",
		Help:    "Histogram of liveness sweep duration",
		Buckets: prometheus.DefBuckets,
	})

	// OnlineDevices is the number of active devices within the liveness timeout at the last sweep
	OnlineDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fac_online_devices",
		Help: "Number of live devices observed by the last sweep",
	})

	// EventStreams tracks open device push channels on this instance
	EventStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fac_device_event_streams",
		Help: "Number of open device event streams",
	})
)

// Outcome labels a result: "ok" for nil, the error kind, or "error" for
// failures outside the taxonomy.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
