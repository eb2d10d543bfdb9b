package flight

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/model"
	"github.com/seantiz/mercury/internal/pool"
	"github.com/seantiz/mercury/internal/race"
	"github.com/seantiz/mercury/internal/store"
)

// ErrInvalidTransition is returned when a flight is not in a state that
// allows the requested operation.
var ErrInvalidTransition = errors.New("invalid flight transition")

// ContextPool is the part of the worker context pool the coordinator uses.
type ContextPool interface {
	Acquire(ctx context.Context, providerKey, flightID string) (*pool.Lease, error)
	Release(id string)
	MarkError(id, reason string)
}

var _ ContextPool = (*pool.Pool)(nil)

// Options tunes retention and the safety sweep. Zero values select the
// defaults.
type Options struct {
	CompletedRetention time.Duration
	CancelledRetention time.Duration
	SweepInterval      time.Duration
	TerminalMaxAge     time.Duration
	StuckMaxAge        time.Duration

	// CancelWait bounds how long Cancel waits for the attempt to tear down.
	CancelWait time.Duration

	// DefaultMaxRetries applies when a launch does not set MaxRetries.
	DefaultMaxRetries int
}

func (o Options) withDefaults() Options {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.CompletedRetention, 60*time.Second)
	def(&o.CancelledRetention, 10*time.Second)
	def(&o.SweepInterval, time.Minute)
	def(&o.TerminalMaxAge, 5*time.Minute)
	def(&o.StuckMaxAge, 15*time.Minute)
	def(&o.CancelWait, 5*time.Second)
	if o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = 0
	}
	return o
}

// LaunchOptions are the per-flight knobs. A nil MaxRetries uses the
// coordinator default; a zero TimeoutMS uses the provider's flight timeout.
type LaunchOptions struct {
	TimeoutMS  int
	MaxRetries *int
	Metadata   map[string]string
}

// tracked is the coordinator's private state for one flight. All fields
// except the channels are guarded by Coordinator.mu.
type tracked struct {
	f        *model.Flight
	provider config.Provider

	cancel        context.CancelFunc
	attemptCancel context.CancelFunc
	attemptDone   chan struct{}
	gen           int
	retryDelay    time.Duration
	hold          *hold
	retention     *time.Timer

	settled chan struct{}
	done    chan struct{}
}

// settlement is what a transition hands to the party that applied it: the
// snapshot to publish, the context to dispose and the attempt to wait for.
type settlement struct {
	snap        *model.Flight
	hold        *hold
	abort       context.CancelFunc
	attemptDone <-chan struct{}
	retried     bool
}

// hold is a leased context handed back to the pool exactly once.
type hold struct {
	pool ContextPool
	id   string
	once sync.Once
}

func (h *hold) release() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.pool.Release(h.id) })
}

func (h *hold) markError(reason string) {
	if h == nil {
		return
	}
	h.once.Do(func() { h.pool.MarkError(h.id, reason) })
}

// Coordinator owns the flight table. It is safe for concurrent use.
type Coordinator struct {
	pool      ContextPool
	engine    *race.Engine
	providers *config.Providers
	store     store.Store
	broker    *Broker
	logger    *slog.Logger
	opts      Options

	mu      sync.Mutex
	flights map[string]*tracked
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(p ContextPool, e *race.Engine, providers *config.Providers, s store.Store, opts Options, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		pool:      p,
		engine:    e,
		providers: providers,
		store:     s,
		broker:    NewBroker(),
		logger:    logger,
		opts:      opts.withDefaults(),
		flights:   make(map[string]*tracked),
	}
}

// Broker returns the coordinator's event broker for SSE subscription.
func (c *Coordinator) Broker() *Broker {
	return c.broker
}

// Launch records a new flight in LAUNCHING, persists it and starts its
// first attempt in the background. The returned flight is a snapshot.
func (c *Coordinator) Launch(ctx context.Context, providerKey, prompt string, opts LaunchOptions) (*model.Flight, error) {
	prov, ok := c.providers.Get(providerKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", model.ErrValidation, providerKey)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", model.ErrValidation)
	}
	if opts.TimeoutMS < 0 {
		return nil, fmt.Errorf("%w: timeout_ms must not be negative", model.ErrValidation)
	}
	maxRetries := c.opts.DefaultMaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", model.ErrValidation)
		}
		maxRetries = *opts.MaxRetries
	}
	timeoutMS := opts.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = int(prov.Timing.FlightTimeout.Milliseconds())
	}

	f := &model.Flight{
		ID:          model.NewFlightID(),
		ProviderKey: prov.Key,
		Prompt:      prompt,
		State:       model.FlightLaunching,
		StartTime:   time.Now().UTC(),
		Metadata: model.FlightMetadata{
			TimeoutMS:  timeoutMS,
			MaxRetries: maxRetries,
			Extra:      maps.Clone(opts.Metadata),
		},
	}
	if err := c.store.SaveFlight(ctx, f); err != nil {
		return nil, fmt.Errorf("save flight: %w", err)
	}

	fctx, cancel := context.WithCancel(context.Background())
	t := &tracked{
		f:        f,
		provider: prov,
		cancel:   cancel,
		gen:      1,
		settled:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.flights[f.ID] = t
	snapshot := f.Clone()
	c.mu.Unlock()

	flightsLaunchedTotal.WithLabelValues(prov.Key).Inc()
	flightsActive.Inc()
	c.broker.Publish(Event{FlightID: f.ID, To: f.State, At: f.StartTime, Flight: snapshot})
	c.logger.Info("flight launched",
		"flight_id", f.ID,
		"provider", prov.Key,
		"timeout_ms", timeoutMS,
		"max_retries", maxRetries,
	)

	c.wg.Go(func() {
		c.run(fctx, t)
	})
	return snapshot, nil
}

// Get returns a snapshot of the flight, falling back to the store once the
// in-memory record has been retired.
func (c *Coordinator) Get(ctx context.Context, id string) (*model.Flight, error) {
	c.mu.Lock()
	t, ok := c.flights[id]
	if ok {
		f := t.f.Clone()
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	f, err := c.store.GetFlight(ctx, id)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Wait blocks until the flight reaches a terminal state or ctx is done, and
// returns its latest snapshot.
func (c *Coordinator) Wait(ctx context.Context, id string) (*model.Flight, error) {
	c.mu.Lock()
	t, ok := c.flights[id]
	c.mu.Unlock()
	if !ok {
		return c.Get(ctx, id)
	}

	select {
	case <-t.settled:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return t.f.Clone(), nil
}

// List returns snapshots of every flight still held in memory, newest first.
func (c *Coordinator) List() []*model.Flight {
	c.mu.Lock()
	out := make([]*model.Flight, 0, len(c.flights))
	for _, t := range c.flights {
		out = append(out, t.f.Clone())
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b *model.Flight) int {
		if n := b.StartTime.Compare(a.StartTime); n != 0 {
			return n
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

// Complete settles an IN_FLIGHT flight with result, as if its race had
// harvested it. The running attempt is torn down first and its late outcome
// is ignored.
func (c *Coordinator) Complete(id, result string) (*model.Flight, error) {
	t, gen, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	res := race.Result{
		Signal:  model.CompletionSignal{Source: model.SourceExplicit, FlightID: id, ObservedAt: time.Now().UTC()},
		Harvest: race.Harvested{Text: result, Strategy: model.SourceExplicit},
	}
	s, ok := c.complete(t, gen, res)
	if !ok {
		return nil, fmt.Errorf("complete %s: %w", id, ErrInvalidTransition)
	}
	c.afterTeardown(id, s, func() { s.hold.release() })
	c.finalize(t, s.snap)
	return s.snap, nil
}

// Fail fails the current attempt of a LAUNCHING or IN_FLIGHT flight with
// err. The retry policy applies exactly as for an attempt that failed on
// its own.
func (c *Coordinator) Fail(id string, cause error) (*model.Flight, error) {
	if cause == nil {
		return nil, fmt.Errorf("%w: fail requires an error", model.ErrValidation)
	}
	t, gen, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	s, ok := c.fail(t, gen, cause)
	if !ok {
		return nil, fmt.Errorf("fail %s: %w", id, ErrInvalidTransition)
	}
	c.afterTeardown(id, s, func() { s.hold.markError(cause.Error()) })
	if !s.retried {
		c.finalize(t, s.snap)
	}
	return s.snap, nil
}

// Cancel moves a non-terminal flight to CANCELLED. It waits, bounded by
// CancelWait, for the running attempt to tear down, then releases the
// flight's context without marking it errored.
func (c *Coordinator) Cancel(id, reason string) (*model.Flight, error) {
	if reason == "" {
		reason = "cancelled"
	}

	c.mu.Lock()
	t, ok := c.flights[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("flight %s: %w", id, model.ErrNotFound)
	}
	if t.f.State.Terminal() {
		state := t.f.State
		c.mu.Unlock()
		return nil, fmt.Errorf("cancel %s in state %s: %w", id, state, ErrInvalidTransition)
	}
	now := time.Now().UTC()
	tr, _ := c.moveLocked(t, model.FlightCancelled, now)
	t.f.Error = reason
	t.f.ErrorKind = model.KindName(context.Canceled)
	c.endLocked(t, now)
	c.publishLocked(t, tr)
	s := c.takeLocked(t)
	c.mu.Unlock()

	t.cancel()
	c.afterTeardown(id, s, func() { s.hold.release() })
	c.finalize(t, s.snap)
	return s.snap, nil
}

// Shutdown cancels every live flight and waits for their goroutines, or
// until ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	var live []string
	for id, t := range c.flights {
		if !t.f.State.Terminal() {
			live = append(live, id)
		}
	}
	c.mu.Unlock()

	for _, id := range live {
		if _, err := c.Cancel(id, "shutdown"); err != nil && !errors.Is(err, ErrInvalidTransition) {
			c.logger.Warn("cancel on shutdown", "flight_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.flights {
		if t.retention != nil {
			t.retention.Stop()
		}
	}
	return nil
}

// lookup returns a tracked flight and its current attempt generation.
func (c *Coordinator) lookup(id string) (*tracked, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.flights[id]
	if !ok {
		return nil, 0, fmt.Errorf("flight %s: %w", id, model.ErrNotFound)
	}
	return t, t.gen, nil
}

// remove drops a retired flight if it is still the tracked instance.
func (c *Coordinator) remove(id string, t *tracked) bool {
	c.mu.Lock()
	if c.flights[id] != t {
		c.mu.Unlock()
		return false
	}
	delete(c.flights, id)
	if t.retention != nil {
		t.retention.Stop()
	}
	c.mu.Unlock()
	c.broker.Forget(id)
	return true
}
