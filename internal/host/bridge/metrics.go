package bridge

import "github.com/prometheus/client_golang/prometheus"

const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	bridgeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mercury_bridge_sessions",
			Help: "Number of connected browser agents.",
		},
	)

	bridgeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_bridge_requests_total",
			Help: "Total requests sent to the browser agent by type and result.",
		},
		[]string{"type", "result"},
	)

	bridgeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mercury_bridge_request_duration_seconds",
			Help:    "Round-trip time of agent requests in seconds.",
			Buckets: []float64{.001, .005, .025, .1, .5, 1, 5, 15, 60},
		},
		[]string{"type"},
	)

	bridgeSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_bridge_signals_total",
			Help: "Signals received from the agent by kind and whether a watch took them.",
		},
		[]string{"kind", "delivered"},
	)
)

func init() {
	prometheus.MustRegister(bridgeSessions, bridgeRequestsTotal, bridgeRequestDuration, bridgeSignalsTotal)
}
