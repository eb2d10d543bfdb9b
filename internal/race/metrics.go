package race

import "github.com/prometheus/client_golang/prometheus"

var (
	raceWinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_race_wins_total",
			Help: "Races settled, by phase and winning strategy.",
		},
		[]string{"phase", "strategy"},
	)

	raceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mercury_race_duration_seconds",
			Help:    "Time from race start to settlement.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
		[]string{"phase"},
	)

	raceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_race_failures_total",
			Help: "Races that ended in an error, by phase and error kind.",
		},
		[]string{"phase", "kind"},
	)
)

func init() {
	prometheus.MustRegister(raceWinsTotal)
	prometheus.MustRegister(raceDuration)
	prometheus.MustRegister(raceFailuresTotal)
}

const (
	phaseDetect  = "detect"
	phaseHarvest = "harvest"
)
