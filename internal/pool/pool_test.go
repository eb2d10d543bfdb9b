package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host/hosttest"
	"github.com/seantiz/mercury/internal/model"
)

const testURL = "https://chat.example.com/"

func testProviders(t *testing.T, maxContexts int) *config.Providers {
	t.Helper()
	set, err := config.NewProviders(config.Provider{
		Key:         "example",
		BaseURL:     testURL,
		Match:       testURL + "*",
		MaxContexts: maxContexts,
		Timing: config.Timing{
			CreationTimeout:  200 * time.Millisecond,
			LoadPollInterval: 5 * time.Millisecond,
			ProbeTimeout:     50 * time.Millisecond,
		},
		Harvest: config.Harvest{
			Method:            config.TextHarvest{Selector: ".answer"},
			StreamingSelector: ".streaming",
		},
	})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	return set
}

func newTestPool(t *testing.T, h *hosttest.Host, maxContexts int, opts Options) *Pool {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	p := New(h, testProviders(t, maxContexts), opts, logger)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustAcquire(t *testing.T, p *Pool, flightID string) *Lease {
	t.Helper()
	lease, err := p.Acquire(context.Background(), "example", flightID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return lease
}

func TestAcquireCreatesThenReuses(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	h.LoadDelay = 20 * time.Millisecond
	p := newTestPool(t, h, 2, Options{})

	first := mustAcquire(t, p, "flt_a")
	if first.Source != SourceCreated {
		t.Errorf("Source = %q, want %q", first.Source, SourceCreated)
	}
	rec, ok := p.Get(first.ID)
	if !ok || rec.State != model.ContextBusy || rec.FlightID != "flt_a" || !rec.Owned {
		t.Fatalf("record = %+v, want busy owned context for flt_a", rec)
	}

	p.Release(first.ID)
	if rec, _ := p.Get(first.ID); rec.State != model.ContextIdle || rec.FlightID != "" {
		t.Fatalf("after Release: %+v, want idle with no flight", rec)
	}

	second := mustAcquire(t, p, "flt_b")
	if second.ID != first.ID {
		t.Errorf("reacquired %q, want idle context %q", second.ID, first.ID)
	}
	if second.Source != SourceReused {
		t.Errorf("Source = %q, want %q", second.Source, SourceReused)
	}
	if got := h.Created(); got != 1 {
		t.Errorf("Created = %d, want 1", got)
	}
}

func TestAcquireAdoptsOpenInstance(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	id := h.AddInstance(testURL + "c/123")
	h.AddInstance("https://elsewhere.example.org/")
	p := newTestPool(t, h, 2, Options{})

	lease := mustAcquire(t, p, "flt_a")
	if lease.ID != id || lease.Source != SourceAdopted {
		t.Fatalf("lease = %+v, want adopted %s", lease, id)
	}
	rec, _ := p.Get(id)
	if rec.Owned {
		t.Error("adopted context marked as owned")
	}
	if rec.LocationURL != testURL+"c/123" {
		t.Errorf("LocationURL = %q", rec.LocationURL)
	}
	if got := h.Created(); got != 0 {
		t.Errorf("Created = %d, want 0", got)
	}
}

func TestAcquireSkipsUnresponsiveCandidate(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	stale := h.AddInstance(testURL + "old")
	h.SetInstanceBehavior(stale, hosttest.Behavior{ProbeErr: errors.New("frozen")})
	p := newTestPool(t, h, 2, Options{})

	lease := mustAcquire(t, p, "flt_a")
	if lease.ID == stale || lease.Source != SourceCreated {
		t.Fatalf("lease = %+v, want a created context", lease)
	}
	if _, tracked := p.Get(stale); tracked {
		t.Error("unresponsive candidate still tracked")
	}
}

func TestAcquireRespectsCapacity(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 1, Options{})

	mustAcquire(t, p, "flt_a")
	_, err := p.Acquire(context.Background(), "example", "flt_b")
	if !errors.Is(err, model.ErrAcquisition) {
		t.Fatalf("err = %v, want ErrAcquisition", err)
	}
	if got := h.Created(); got != 1 {
		t.Errorf("Created = %d, want 1", got)
	}
}

func TestAcquireCreationTimeout(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	h.LoadDelay = time.Hour
	p := newTestPool(t, h, 2, Options{})

	_, err := p.Acquire(context.Background(), "example", "flt_a")
	if !errors.Is(err, model.ErrAcquisition) {
		t.Fatalf("err = %v, want ErrAcquisition", err)
	}
	if got := h.Removed(); got != 1 {
		t.Errorf("Removed = %d, want the half-loaded instance closed", got)
	}
	if got := len(p.List()); got != 0 {
		t.Errorf("List has %d contexts, want 0", got)
	}
}

func TestAcquireCreateFailure(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	h.CreateErr = errors.New("window closed")
	p := newTestPool(t, h, 2, Options{})

	_, err := p.Acquire(context.Background(), "example", "flt_a")
	if !errors.Is(err, model.ErrAcquisition) {
		t.Fatalf("err = %v, want ErrAcquisition", err)
	}
	if model.KindName(err) != "AcquisitionError" {
		t.Errorf("KindName = %q", model.KindName(err))
	}
}

func TestAcquireUnknownProvider(t *testing.T) {
	p := newTestPool(t, hosttest.New(hosttest.Behavior{}), 1, Options{})

	_, err := p.Acquire(context.Background(), "missing", "flt_a")
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestConcurrentAcquireNeverSharesContext(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	h.AddInstance(testURL + "open")
	p := newTestPool(t, h, 3, Options{})

	var (
		mu  sync.Mutex
		ids = make(map[string]int)
		wg  sync.WaitGroup
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background(), "example", model.NewFlightID())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			ids[lease.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 3 {
		t.Fatalf("got %d distinct contexts, want 3: %v", len(ids), ids)
	}
}

func TestReleaseOnlyFromBusy(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 1, Options{ErrorGrace: time.Hour})

	lease := mustAcquire(t, p, "flt_a")
	p.Release(lease.ID)
	p.Release(lease.ID)
	if rec, _ := p.Get(lease.ID); rec.State != model.ContextIdle {
		t.Fatalf("State = %q, want idle", rec.State)
	}

	p.MarkError(lease.ID, "test")
	p.Release(lease.ID)
	if rec, _ := p.Get(lease.ID); rec.State != model.ContextError {
		t.Errorf("Release changed an errored context to %q", rec.State)
	}
	p.Release("unknown")
}

func TestMarkErrorDisposesAfterGrace(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 2, Options{ErrorGrace: 30 * time.Millisecond})

	lease := mustAcquire(t, p, "flt_a")
	p.MarkError(lease.ID, "broadcast failed")

	rec, ok := p.Get(lease.ID)
	if !ok || rec.State != model.ContextError || rec.ErrorReason != "broadcast failed" {
		t.Fatalf("record = %+v, want error with reason", rec)
	}

	waitFor(t, "disposal", func() bool {
		_, ok := p.Get(lease.ID)
		return !ok
	})
	if got := h.Removed(); got != 1 {
		t.Errorf("Removed = %d, want owned instance closed", got)
	}
}

func TestMarkErrorNeverClosesAdopted(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	h.AddInstance(testURL + "mine")
	p := newTestPool(t, h, 2, Options{ErrorGrace: 0})

	lease := mustAcquire(t, p, "flt_a")
	if lease.Source != SourceAdopted {
		t.Fatalf("Source = %q, want adopted", lease.Source)
	}
	p.MarkError(lease.ID, "probe failed")

	waitFor(t, "disposal", func() bool {
		_, ok := p.Get(lease.ID)
		return !ok
	})
	if got := h.Removed(); got != 0 {
		t.Errorf("Removed = %d, adopted instance must not be closed", got)
	}
}

func TestErroredContextFreesCapacity(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 1, Options{ErrorGrace: time.Hour})

	first := mustAcquire(t, p, "flt_a")
	p.MarkError(first.ID, "dead")

	second := mustAcquire(t, p, "flt_b")
	if second.ID == first.ID {
		t.Fatal("errored context was handed out again")
	}
}

func TestReuseProbesIdleContext(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 2, Options{ErrorGrace: time.Hour})

	first := mustAcquire(t, p, "flt_a")
	p.Release(first.ID)
	h.SetInstanceBehavior(first.ID, hosttest.Behavior{ProbeErr: errors.New("crashed")})

	second := mustAcquire(t, p, "flt_b")
	if second.ID == first.ID {
		t.Fatal("unresponsive idle context was reused")
	}
	if rec, _ := p.Get(first.ID); rec.State != model.ContextError {
		t.Errorf("State = %q, want error", rec.State)
	}
}

func TestCheckHealthProbesOnlyIdle(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 3, Options{ErrorGrace: time.Hour})

	healthy := mustAcquire(t, p, "flt_a")
	sick := mustAcquire(t, p, "flt_b")
	busy := mustAcquire(t, p, "flt_c")
	p.Release(healthy.ID)
	p.Release(sick.ID)
	h.SetInstanceBehavior(sick.ID, hosttest.Behavior{ProbeErr: errors.New("gone")})
	h.SetInstanceBehavior(busy.ID, hosttest.Behavior{ProbeErr: errors.New("gone")})

	report := p.CheckHealth(context.Background())
	if report.Checked != 2 || report.Failed != 1 {
		t.Errorf("report = %+v, want 2 checked 1 failed", report)
	}
	if rec, _ := p.Get(sick.ID); rec.State != model.ContextError {
		t.Errorf("sick state = %q, want error", rec.State)
	}
	if rec, _ := p.Get(healthy.ID); rec.State != model.ContextIdle || rec.LastLivenessCheck.IsZero() {
		t.Errorf("healthy = %+v, want idle with liveness timestamp", rec)
	}
	if rec, _ := p.Get(busy.ID); rec.State != model.ContextBusy {
		t.Errorf("busy state = %q, monitor must not touch busy contexts", rec.State)
	}
}

func TestRunMonitorsOnInterval(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 1, Options{ErrorGrace: time.Hour, HealthInterval: 10 * time.Millisecond})

	lease := mustAcquire(t, p, "flt_a")
	p.Release(lease.ID)
	h.SetInstanceBehavior(lease.ID, hosttest.Behavior{ProbeErr: errors.New("gone")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, "monitor to mark error", func() bool {
		rec, _ := p.Get(lease.ID)
		return rec.State == model.ContextError
	})
}

func TestRecover(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 1, Options{ErrorGrace: time.Hour})

	lease := mustAcquire(t, p, "flt_a")
	h.SetInstanceBehavior(lease.ID, hosttest.Behavior{ProbeErr: errors.New("still down")})
	p.MarkError(lease.ID, "probe failed")

	if err := p.Recover(context.Background(), lease.ID); !errors.Is(err, model.ErrResponsiveness) {
		t.Fatalf("Recover on dead context: err = %v, want ErrResponsiveness", err)
	}

	h.SetInstanceBehavior(lease.ID, hosttest.Behavior{})
	if err := p.Recover(context.Background(), lease.ID); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	rec, _ := p.Get(lease.ID)
	if rec.State != model.ContextIdle || rec.ErrorReason != "" {
		t.Errorf("record = %+v, want idle with no error", rec)
	}

	if err := p.Recover(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Recover unknown: err = %v, want ErrNotFound", err)
	}
}

func TestRecoverLosesToDisposal(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 1, Options{ErrorGrace: 5 * time.Millisecond})

	lease := mustAcquire(t, p, "flt_a")
	h.SetInstanceBehavior(lease.ID, hosttest.Behavior{ProbeDelay: 30 * time.Millisecond})
	p.MarkError(lease.ID, "probe failed")

	err := p.Recover(context.Background(), lease.ID)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Recover after disposal: err = %v, want ErrNotFound", err)
	}
	if _, ok := p.Get(lease.ID); ok {
		t.Error("disposed context is still tracked")
	}
}

func TestNewSeedsContextGauges(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	newTestPool(t, h, 1, Options{})

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	seen := map[string]bool{}
	for _, mf := range families {
		if mf.GetName() != "mercury_pool_contexts" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["provider"] == "example" {
				seen[labels["state"]] = true
			}
		}
	}
	for _, s := range gaugeStates {
		if !seen[string(s)] {
			t.Errorf("no mercury_pool_contexts series for provider example, state %s", s)
		}
	}
}

func TestResetSkipsBusy(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 3, Options{ErrorGrace: time.Hour})

	idle := mustAcquire(t, p, "flt_a")
	busy := mustAcquire(t, p, "flt_b")
	p.Release(idle.ID)

	if n := p.Reset("example"); n != 1 {
		t.Fatalf("Reset removed %d, want 1", n)
	}
	if _, ok := p.Get(idle.ID); ok {
		t.Error("idle context survived reset")
	}
	if _, ok := p.Get(busy.ID); !ok {
		t.Error("busy context removed by reset")
	}
}

func TestShutdownRejectsAcquire(t *testing.T) {
	h := hosttest.New(hosttest.Behavior{})
	p := newTestPool(t, h, 2, Options{})

	mustAcquire(t, p, "flt_a")
	p.Shutdown(context.Background())

	if got := h.Removed(); got != 1 {
		t.Errorf("Removed = %d, want owned context closed", got)
	}
	_, err := p.Acquire(context.Background(), "example", "flt_b")
	if !errors.Is(err, ErrClosed) || !errors.Is(err, model.ErrAcquisition) {
		t.Errorf("err = %v, want ErrClosed wrapping ErrAcquisition", err)
	}
}
