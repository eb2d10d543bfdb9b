package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	poolContexts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mercury_pool_contexts",
			Help: "Worker contexts tracked by the pool, by provider and state.",
		},
		[]string{"provider", "state"},
	)

	poolAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_pool_acquisitions_total",
			Help: "Context acquisitions, by provider and how the context was obtained.",
		},
		[]string{"provider", "source"},
	)

	poolProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_pool_probe_failures_total",
			Help: "Liveness probes that failed, by provider.",
		},
		[]string{"provider"},
	)

	poolDisposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_pool_disposals_total",
			Help: "Contexts removed from the pool, by provider and whether the instance was closed.",
		},
		[]string{"provider", "closed"},
	)
)

func init() {
	prometheus.MustRegister(poolContexts)
	prometheus.MustRegister(poolAcquisitionsTotal)
	prometheus.MustRegister(poolProbeFailuresTotal)
	prometheus.MustRegister(poolDisposalsTotal)
}

// Acquisition sources.
const (
	SourceReused  = "reused"
	SourceAdopted = "adopted"
	SourceCreated = "created"
	sourceFailed  = "failed"
)
