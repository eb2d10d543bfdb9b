package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/flight"
	"github.com/seantiz/mercury/internal/handlers"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/host/bridge"
	"github.com/seantiz/mercury/internal/host/hosttest"
	"github.com/seantiz/mercury/internal/pool"
	"github.com/seantiz/mercury/internal/race"
	"github.com/seantiz/mercury/internal/store"
)

const testURL = "https://svc-a.example.com/"

type testServer struct {
	*Server
	host   *hosttest.Host
	bridge *bridge.Bridge
	ts     *httptest.Server
}

func testProvider() config.Provider {
	return config.Provider{
		Key:     "svcA",
		Name:    "Service A",
		BaseURL: testURL,
		Match:   testURL + "*",
		Timing: config.Timing{
			FlightTimeout:    2 * time.Second,
			NetworkSettle:    10 * time.Millisecond,
			StructuralSettle: 10 * time.Millisecond,
			PollBase:         10 * time.Millisecond,
			HarvestFailsafe:  300 * time.Millisecond,
			Stabilization:    5 * time.Millisecond,
			RetryBase:        5 * time.Millisecond,
			CreationTimeout:  200 * time.Millisecond,
			LoadPollInterval: 5 * time.Millisecond,
			ProbeTimeout:     100 * time.Millisecond,
		},
		Broadcast: []config.Step{config.FillStep{Selector: "#prompt"}, config.KeyStep{Selector: "#prompt", Key: "Enter"}},
		Harvest: config.Harvest{
			Method:            config.TextHarvest{Selector: ".answer"},
			StreamingSelector: ".streaming",
		},
	}
}

// answering scripts a context that completes via the network watch.
func answering(text string) hosttest.Behavior {
	return hosttest.Behavior{
		Emit: []hosttest.Emission{{Kind: host.SignalNetwork, After: 20 * time.Millisecond}},
		Text: text,
	}
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, answering("the answer"))
}

func newTestServerWith(t *testing.T, b hosttest.Behavior) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	providers, err := config.NewProviders(testProvider())
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := hosttest.New(b)
	p := pool.New(h, providers, pool.Options{ErrorGrace: time.Hour}, logger)
	engine := race.NewEngine(logger)
	c := flight.NewCoordinator(p, engine, providers, s, flight.Options{}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Shutdown(ctx)
		p.Shutdown(ctx)
	})

	d := dispatch.New(logger, dispatch.Recover(logger), dispatch.Validation())
	handlers.New(handlers.Deps{
		Flights:   c,
		Contexts:  p,
		Harvester: engine,
		Host:      h,
		Providers: providers,
		Store:     s,
		Logger:    logger,
		Version:   "test",
	}).Register(d)

	br := bridge.New(bridge.Options{}, logger)
	t.Cleanup(func() { br.Close() })

	srv := NewServer(":0", Deps{
		Dispatcher: d,
		Flights:    c,
		Contexts:   p,
		Providers:  providers,
		Store:      s,
		Bridge:     br,
		Logger:     logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: srv, host: h, bridge: br, ts: ts}
}

// postMessage sends a message to /v1/messages and decodes the envelope.
func (s *testServer) postMessage(t *testing.T, msgType string, payload any) (int, dispatch.Response) {
	t.Helper()
	body := map[string]any{"type": msgType}
	if payload != nil {
		body["payload"] = payload
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(senderHeader, "test-client")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/messages: %v", err)
	}
	defer resp.Body.Close()

	var out dispatch.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, out
}

// getJSON fetches path and decodes the body into v.
func (s *testServer) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	req, _ := http.NewRequest("OPTIONS", srv.ts.URL+"/v1/messages", nil)
	req.Header.Set("Origin", "chrome-extension://abcdef")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/messages: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := newTestServer(t)
	srv.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
