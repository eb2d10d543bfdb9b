package flight

import "github.com/prometheus/client_golang/prometheus"

var (
	flightsLaunchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_flights_launched_total",
			Help: "Flights launched, by provider.",
		},
		[]string{"provider"},
	)

	flightsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_flights_finished_total",
			Help: "Flights that reached a terminal state, by provider, state and error kind.",
		},
		[]string{"provider", "state", "kind"},
	)

	flightRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_flight_retries_total",
			Help: "Flight attempts retried, by provider and the error kind that caused the retry.",
		},
		[]string{"provider", "kind"},
	)

	flightDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mercury_flight_duration_seconds",
			Help:    "Time from launch to terminal state.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"provider", "state"},
	)

	flightsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mercury_flights_active",
			Help: "Flights that have not reached a terminal state.",
		},
	)
)

func init() {
	prometheus.MustRegister(flightsLaunchedTotal)
	prometheus.MustRegister(flightsFinishedTotal)
	prometheus.MustRegister(flightRetriesTotal)
	prometheus.MustRegister(flightDuration)
	prometheus.MustRegister(flightsActive)
}
