package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bounty metrics
	BountiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_bounties_total",
			Help: "Total number of bounties by status",
		},
		[]string{"status"},
	)

	BountiesSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polyswarm_settled_total",
			Help: "Total number of bounties settled on the market",
		},
	)

	BountiesVoted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polyswarm_voted_total",
			Help: "Total number of bounty votes submitted to the market",
		},
	)

	BountiesAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_bounties_aborted_total",
			Help: "Total number of bounties aborted after permanent failures",
		},
	)

	BountiesManual = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_bounties_manual_total",
			Help: "Total number of bounties flagged for manual review",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_jobs_total",
			Help: "Total number of artifact verdict jobs by status",
		},
		[]string{"status"},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_jobs_submitted_total",
			Help: "Total number of jobs submitted by backend",
		},
		[]string{"backend"},
	)

	JobsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "arbiter_jobs_expired_total",
			Help: "Total number of pending jobs that timed out",
		},
	)

	// Error metrics
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_errors_total",
			Help: "Total number of errors by component",
		},
		[]string{"component"},
	)

	// Chain metrics
	CurrentBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbiter_current_block",
			Help: "Latest block number observed on the event stream",
		},
	)

	// Dispatcher metrics
	AdvanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbiter_advance_duration_seconds",
			Help:    "Duration of one bounty advance pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbiter_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// RelayTransfers counts reserve transfers between chains by direction.
	RelayTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_relay_transfers_total",
			Help: "Relay transfers between home and side chain",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(BountiesTotal)
	prometheus.MustRegister(BountiesSettled)
	prometheus.MustRegister(BountiesVoted)
	prometheus.MustRegister(BountiesAborted)
	prometheus.MustRegister(BountiesManual)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsExpired)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(CurrentBlock)
	prometheus.MustRegister(AdvanceDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RelayTransfers)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
