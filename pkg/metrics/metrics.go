package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lab metrics
	LabsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octolab_labs_total",
			Help: "Number of lab rows by status and runtime",
		},
		[]string{"status", "runtime"},
	)

	LabsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octolab_labs_active",
			Help: "Labs in a non-terminal state",
		},
	)

	PortsReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octolab_ports_reserved",
			Help: "Host ports currently reserved for labs",
		},
	)

	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_provisions_total",
			Help: "Completed provisioning attempts by runtime and outcome",
		},
		[]string{"runtime", "outcome"},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octolab_provision_duration_seconds",
			Help:    "Time from REQUESTED to READY or DEGRADED in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"runtime"},
	)

	TeardownDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octolab_teardown_duration_seconds",
			Help:    "Time from ENDING to a terminal state in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"runtime"},
	)

	WatchdogForcedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_watchdog_forced_teardowns_total",
			Help: "Stuck ENDING labs forcibly torn down by the watchdog",
		},
	)

	// Evidence metrics
	EvidenceSealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_evidence_seals_total",
			Help: "Evidence seal attempts by outcome",
		},
		[]string{"outcome"},
	)

	EvidenceVerifiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_evidence_verifies_total",
			Help: "Evidence verifications by outcome",
		},
		[]string{"outcome"},
	)

	EvidenceExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_evidence_expired_total",
			Help: "Labs whose evidence volumes were removed after retention",
		},
	)

	// Gateway metrics
	GatewayPreflightFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_gateway_preflight_failures_total",
			Help: "Gateway preflight failures by classification",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octolab_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "octolab_reconciliation_duration_seconds",
			Help:    "Time taken by one drift scan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DriftDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_drift_detected_total",
			Help: "Drift findings by kind (orphaned, missing)",
		},
		[]string{"kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LabsTotal)
	prometheus.MustRegister(LabsActive)
	prometheus.MustRegister(PortsReserved)
	prometheus.MustRegister(ProvisionsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(TeardownDuration)
	prometheus.MustRegister(WatchdogForcedTotal)
	prometheus.MustRegister(EvidenceSealsTotal)
	prometheus.MustRegister(EvidenceVerifiesTotal)
	prometheus.MustRegister(EvidenceExpiredTotal)
	prometheus.MustRegister(GatewayPreflightFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(DriftDetectedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
