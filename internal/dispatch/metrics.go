package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/mercury/internal/model"
)

const unknownTypeLabel = "unknown"

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercury_dispatch_messages_total",
			Help: "Total dispatched messages by type and result code.",
		},
		[]string{"type", "code"},
	)

	messageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mercury_dispatch_duration_seconds",
			Help:    "Message handling duration in seconds.",
			Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal, messageDuration)
}

// Metrics returns middleware that counts messages and observes their
// duration. Unregistered types share one label value.
func Metrics() Middleware {
	return func(ctx context.Context, rc *RequestContext, _ json.RawMessage, next Next) (any, error) {
		start := time.Now()
		data, err := next(ctx)

		code := "ok"
		if err != nil {
			code = model.KindName(err)
		}
		typ := rc.Type
		if code == "UnknownMessageType" {
			typ = unknownTypeLabel
		}
		messagesTotal.WithLabelValues(typ, code).Inc()
		messageDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
		return data, err
	}
}
