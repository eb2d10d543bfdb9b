package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"

	// msgUnknown labels dispatched messages whose type has no handler, so
	// arbitrary caller input cannot mint new series.
	msgUnknown = "unknown"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_http_requests_total",
			Help: "HTTP requests by route, dispatched message type and status. message_type is empty for routes that do not dispatch.",
		},
		[]string{"method", "path", "message_type", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mercury_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by route and dispatched message type.",
			Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 15, 30, 60, 120},
		},
		[]string{"method", "path", "message_type"},
	)

	httpOpenStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mercury_http_open_streams",
			Help: "Long-lived connections currently held open: flight event streams and bridge agents.",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpOpenStreams)
}

// Stream kinds for mercury_http_open_streams.
const (
	streamFlightEvents = "flight_events"
	streamBridge       = "bridge"
)

type messageLabelKey struct{}

// messageLabel carries the dispatched message type from a handler back out
// to metricsMiddleware.
type messageLabel struct {
	msgType string
}

// labelMessage records msgType on the request's metrics, if it is tracked.
func labelMessage(r *http.Request, msgType string) {
	if ml, ok := r.Context().Value(messageLabelKey{}).(*messageLabel); ok {
		ml.msgType = msgType
	}
}

// metricsMiddleware records request count and duration. Paths are chi route
// patterns and message types are limited to registered ones, which keeps
// label cardinality bounded.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ml := &messageLabel{}
		r = r.WithContext(context.WithValue(r.Context(), messageLabelKey{}, ml))

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, ml.msgType, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path, ml.msgType).Observe(time.Since(start).Seconds())
	})
}

// trackStream counts h's requests as open streams of kind while they run.
func trackStream(kind string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g := httpOpenStreams.WithLabelValues(kind)
		g.Inc()
		defer g.Dec()
		h(w, r)
	}
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
