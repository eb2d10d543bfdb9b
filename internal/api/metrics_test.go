package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/mercury/internal/handlers"
	"github.com/seantiz/mercury/internal/model"
)

// requestCount sums mercury_http_requests_total over series matching every
// given label.
func requestCount(t *testing.T, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != "mercury_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, want) {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func matches(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsLabelMessageType(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		do     func(t *testing.T)
		labels map[string]string
	}{
		{
			name:   "registered type",
			do:     func(t *testing.T) { srv.postMessage(t, handlers.TypePing, nil) },
			labels: map[string]string{"path": "/v1/messages", "message_type": handlers.TypePing, "status": "200"},
		},
		{
			name:   "unknown type",
			do:     func(t *testing.T) { srv.postMessage(t, "MADE_UP_TYPE", nil) },
			labels: map[string]string{"path": "/v1/messages", "message_type": msgUnknown, "status": "400"},
		},
		{
			name: "rest route",
			do: func(t *testing.T) {
				var body map[string]string
				srv.getJSON(t, "/v1/flights/"+model.NewFlightID(), &body)
			},
			labels: map[string]string{"path": "/v1/flights/{id}", "message_type": handlers.TypeGetFlight, "status": "404"},
		},
		{
			name: "plain route",
			do: func(t *testing.T) {
				var body any
				srv.getJSON(t, "/v1/providers", &body)
			},
			labels: map[string]string{"path": "/v1/providers", "message_type": "", "status": "200"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := requestCount(t, tt.labels)
			tt.do(t)
			// The middleware records after the response is flushed.
			deadline := time.Now().Add(time.Second)
			for requestCount(t, tt.labels) != before+1 {
				if time.Now().After(deadline) {
					t.Fatalf("requests with %v = %v, want %v", tt.labels, requestCount(t, tt.labels), before+1)
				}
				time.Sleep(5 * time.Millisecond)
			}
		})
	}

	if requestCount(t, map[string]string{"message_type": "MADE_UP_TYPE"}) != 0 {
		t.Error("unregistered message type leaked into labels")
	}
}

func TestTrackStreamCountsOpenConnections(t *testing.T) {
	gauge := httpOpenStreams.WithLabelValues(streamFlightEvents)
	var during float64
	h := trackStream(streamFlightEvents, func(w http.ResponseWriter, r *http.Request) {
		m := &dto.Metric{}
		if err := gauge.Write(m); err != nil {
			t.Errorf("Write: %v", err)
		}
		during = m.GetGauge().GetValue()
	})

	before := &dto.Metric{}
	gauge.Write(before)
	h(nil, nil)
	after := &dto.Metric{}
	gauge.Write(after)

	if during != before.GetGauge().GetValue()+1 {
		t.Errorf("gauge while streaming = %v, want %v", during, before.GetGauge().GetValue()+1)
	}
	if after.GetGauge().GetValue() != before.GetGauge().GetValue() {
		t.Errorf("gauge after stream = %v, want %v", after.GetGauge().GetValue(), before.GetGauge().GetValue())
	}
}
