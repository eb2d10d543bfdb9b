package pool

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/model"
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = fmt.Errorf("%w: pool is shut down", model.ErrAcquisition)

const disposeTimeout = 5 * time.Second

// Options tunes pool behavior. Zero values select the defaults.
type Options struct {
	// ErrorGrace is how long an ERROR context is kept before disposal. Zero
	// disposes immediately.
	ErrorGrace time.Duration

	// HealthInterval is the period of the idle-context health monitor.
	HealthInterval time.Duration

	// ProbeParallelism bounds concurrent probes during a health check.
	ProbeParallelism int
}

// Lease is an acquired context. The holder must hand it back with Release
// or MarkError.
type Lease struct {
	ID          string
	ProviderKey string
	Source      string
	Context     host.Context
}

type entry struct {
	rec     model.WorkerContext
	hc      host.Context
	dispose *time.Timer
}

// Pool tracks worker contexts. It is safe for concurrent use.
type Pool struct {
	host      host.Host
	providers *config.Providers
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	pending map[string]int
	closed  bool
}

// New creates a pool over h for the given providers.
func New(h host.Host, providers *config.Providers, opts Options, logger *slog.Logger) *Pool {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.ProbeParallelism <= 0 {
		opts.ProbeParallelism = 4
	}
	if opts.ErrorGrace < 0 {
		opts.ErrorGrace = 0
	}
	p := &Pool{
		host:      h,
		providers: providers,
		opts:      opts,
		logger:    logger,
		entries:   make(map[string]*entry),
		pending:   make(map[string]int),
	}
	// Zero series per provider and state, so /metrics lists every provider
	// before its first acquisition.
	p.updateGaugesLocked()
	return p
}

// Acquire returns a BUSY context for the provider, reusing an idle one,
// adopting an open instance, or creating a new one in that order.
func (p *Pool) Acquire(ctx context.Context, providerKey, flightID string) (*Lease, error) {
	prov, ok := p.providers.Get(providerKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", model.ErrValidation, providerKey)
	}

	lease, err := p.reuse(ctx, prov, flightID)
	if lease == nil && err == nil {
		lease, err = p.adopt(ctx, prov, flightID)
	}
	if lease == nil && err == nil {
		lease, err = p.create(ctx, prov, flightID)
	}
	if err != nil {
		poolAcquisitionsTotal.WithLabelValues(providerKey, sourceFailed).Inc()
		return nil, err
	}

	poolAcquisitionsTotal.WithLabelValues(providerKey, lease.Source).Inc()
	p.logger.Info("context acquired",
		"context_id", lease.ID,
		"provider", providerKey,
		"flight_id", flightID,
		"source", lease.Source,
	)
	return lease, nil
}

// reuse claims idle contexts oldest first until one passes its probe.
func (p *Pool) reuse(ctx context.Context, prov config.Provider, flightID string) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		e := p.oldestIdleLocked(prov.Key)
		if e == nil {
			p.mu.Unlock()
			return nil, nil
		}
		e.rec.State = model.ContextBusy
		e.rec.FlightID = flightID
		p.updateGaugesLocked()
		p.mu.Unlock()

		err := p.probe(ctx, e.hc, prov)
		if err == nil {
			p.touch(e.rec.ID)
			return &Lease{ID: e.rec.ID, ProviderKey: prov.Key, Source: SourceReused, Context: e.hc}, nil
		}
		if ctx.Err() != nil {
			p.Release(e.rec.ID)
			return nil, ctx.Err()
		}
		p.MarkError(e.rec.ID, fmt.Sprintf("probe before reuse: %v", err))
	}
}

// adopt registers a loaded instance the pool does not yet track.
func (p *Pool) adopt(ctx context.Context, prov config.Provider, flightID string) (*Lease, error) {
	if prov.Match == "" {
		return nil, nil
	}
	instances, err := p.host.Query(ctx, prov.Match)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("instance query failed", "provider", prov.Key, "error", err)
		return nil, nil
	}

	for _, inst := range instances {
		if !inst.Loaded() {
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if _, tracked := p.entries[inst.ID]; tracked {
			p.mu.Unlock()
			continue
		}
		if p.liveCountLocked(prov.Key) >= prov.MaxContexts {
			p.mu.Unlock()
			return nil, nil
		}
		// Registered as CREATING before probing so concurrent acquirers
		// cannot adopt the same instance.
		e := &entry{
			rec: model.WorkerContext{
				ID:          inst.ID,
				ProviderKey: prov.Key,
				State:       model.ContextCreating,
				LocationURL: inst.URL,
				CreatedAt:   time.Now().UTC(),
			},
			hc: p.host.Context(inst.ID),
		}
		p.entries[inst.ID] = e
		p.updateGaugesLocked()
		p.mu.Unlock()

		if err := p.probe(ctx, e.hc, prov); err != nil {
			p.forget(inst.ID)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Debug("adoption candidate unresponsive", "context_id", inst.ID, "error", err)
			continue
		}

		p.mu.Lock()
		e.rec.State = model.ContextBusy
		e.rec.FlightID = flightID
		e.rec.LastLivenessCheck = time.Now().UTC()
		p.updateGaugesLocked()
		p.mu.Unlock()
		return &Lease{ID: inst.ID, ProviderKey: prov.Key, Source: SourceAdopted, Context: e.hc}, nil
	}
	return nil, nil
}

// create opens a background instance and waits for it to load and answer
// a probe.
func (p *Pool) create(ctx context.Context, prov config.Provider, flightID string) (*Lease, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if n := p.liveCountLocked(prov.Key); n >= prov.MaxContexts {
		p.mu.Unlock()
		return nil, model.NewFlightError(model.ErrAcquisition, "capacity", time.Since(start),
			fmt.Errorf("provider %s has %d of %d contexts in use", prov.Key, n, prov.MaxContexts))
	}
	p.pending[prov.Key]++
	p.mu.Unlock()

	inst, err := p.host.Create(ctx, prov.BaseURL, true)

	p.mu.Lock()
	p.pending[prov.Key]--
	if err != nil {
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.NewFlightError(model.ErrAcquisition, "create", time.Since(start), err)
	}
	e := &entry{
		rec: model.WorkerContext{
			ID:          inst.ID,
			ProviderKey: prov.Key,
			State:       model.ContextCreating,
			LocationURL: inst.URL,
			Owned:       true,
			CreatedAt:   time.Now().UTC(),
		},
		hc: p.host.Context(inst.ID),
	}
	p.entries[inst.ID] = e
	p.updateGaugesLocked()
	p.mu.Unlock()

	if err := p.awaitReady(ctx, prov, e); err != nil {
		p.forget(inst.ID)
		p.closeInstance(inst.ID)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.NewFlightError(model.ErrAcquisition, "create", time.Since(start), err)
	}

	p.mu.Lock()
	e.rec.State = model.ContextBusy
	e.rec.FlightID = flightID
	e.rec.LastLivenessCheck = time.Now().UTC()
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Info("context created", "context_id", inst.ID, "provider", prov.Key, "elapsed", time.Since(start))
	return &Lease{ID: inst.ID, ProviderKey: prov.Key, Source: SourceCreated, Context: e.hc}, nil
}

// awaitReady polls the instance until it has loaded and answers a probe, or
// the provider's creation timeout passes.
func (p *Pool) awaitReady(ctx context.Context, prov config.Provider, e *entry) error {
	deadline := time.NewTimer(prov.Timing.CreationTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(prov.Timing.LoadPollInterval)
	defer tick.Stop()

	var lastErr error
	for {
		inst, err := p.host.Status(ctx, e.rec.ID)
		switch {
		case err != nil:
			lastErr = err
		case !inst.Loaded():
			lastErr = fmt.Errorf("instance %s still %s", inst.ID, inst.Status)
		default:
			if lastErr = p.probe(ctx, e.hc, prov); lastErr == nil {
				p.mu.Lock()
				e.rec.LocationURL = inst.URL
				p.mu.Unlock()
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("not ready within %s: %w", prov.Timing.CreationTimeout, lastErr)
		case <-tick.C:
		}
	}
}

// Release returns a BUSY context to IDLE. Releasing a context in any other
// state is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok || e.rec.State != model.ContextBusy {
		return
	}
	e.rec.State = model.ContextIdle
	e.rec.FlightID = ""
	p.updateGaugesLocked()
	p.logger.Debug("context released", "context_id", id, "provider", e.rec.ProviderKey)
}

// MarkError moves a context to ERROR and schedules its disposal after the
// grace period.
func (p *Pool) MarkError(id, reason string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.markErrorLocked(e, reason)
	p.mu.Unlock()
}

func (p *Pool) markErrorLocked(e *entry, reason string) {
	if e.rec.State == model.ContextError {
		return
	}
	e.rec.State = model.ContextError
	e.rec.ErrorReason = reason
	e.rec.FlightID = ""
	p.updateGaugesLocked()
	p.logger.Warn("context marked error", "context_id", e.rec.ID, "provider", e.rec.ProviderKey, "reason", reason)

	id := e.rec.ID
	if p.opts.ErrorGrace == 0 {
		go p.dispose(id)
		return
	}
	e.dispose = time.AfterFunc(p.opts.ErrorGrace, func() { p.dispose(id) })
}

// dispose removes a context that is still in ERROR. Only owned instances
// are closed.
func (p *Pool) dispose(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.rec.State != model.ContextError {
		p.mu.Unlock()
		return
	}
	delete(p.entries, id)
	p.updateGaugesLocked()
	p.mu.Unlock()

	poolDisposalsTotal.WithLabelValues(e.rec.ProviderKey, strconv.FormatBool(e.rec.Owned)).Inc()
	if e.rec.Owned {
		p.closeInstance(id)
	}
	p.logger.Info("context disposed", "context_id", id, "provider", e.rec.ProviderKey, "closed", e.rec.Owned)
}

// Recover probes an ERROR context and returns it to IDLE if it answers.
func (p *Pool) Recover(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("context %s: %w", id, model.ErrNotFound)
	}
	if e.rec.State != model.ContextError {
		p.mu.Unlock()
		return nil
	}
	prov, _ := p.providers.Get(e.rec.ProviderKey)
	p.mu.Unlock()

	if err := p.probe(ctx, e.hc, prov); err != nil {
		return model.NewFlightError(model.ErrResponsiveness, "recover", 0, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[id] != e {
		return fmt.Errorf("context %s disposed during recovery: %w", id, model.ErrNotFound)
	}
	if e.rec.State != model.ContextError {
		return nil
	}
	if e.dispose != nil {
		e.dispose.Stop()
		e.dispose = nil
	}
	e.rec.State = model.ContextIdle
	e.rec.ErrorReason = ""
	e.rec.LastLivenessCheck = time.Now().UTC()
	p.updateGaugesLocked()
	p.logger.Info("context recovered", "context_id", id, "provider", e.rec.ProviderKey)
	return nil
}

// Reset disposes every idle or errored context of a provider and reports
// how many were removed. Busy contexts are left alone.
func (p *Pool) Reset(providerKey string) int {
	p.mu.Lock()
	var victims []*entry
	for id, e := range p.entries {
		if e.rec.ProviderKey != providerKey {
			continue
		}
		if e.rec.State == model.ContextIdle || e.rec.State == model.ContextError {
			if e.dispose != nil {
				e.dispose.Stop()
			}
			delete(p.entries, id)
			victims = append(victims, e)
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, e := range victims {
		poolDisposalsTotal.WithLabelValues(e.rec.ProviderKey, strconv.FormatBool(e.rec.Owned)).Inc()
		if e.rec.Owned {
			p.closeInstance(e.rec.ID)
		}
	}
	if len(victims) > 0 {
		p.logger.Info("provider contexts reset", "provider", providerKey, "removed", len(victims))
	}
	return len(victims)
}

// Get returns a snapshot of one context.
func (p *Pool) Get(id string) (model.WorkerContext, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return model.WorkerContext{}, false
	}
	return e.rec, true
}

// List returns snapshots of every tracked context, oldest first.
func (p *Pool) List() []model.WorkerContext {
	p.mu.Lock()
	out := make([]model.WorkerContext, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.rec)
	}
	p.mu.Unlock()
	slices.SortFunc(out, compareContexts)
	return out
}

// Shutdown stops disposal timers, closes owned instances and rejects
// further acquisitions.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var owned []string
	for id, e := range p.entries {
		if e.dispose != nil {
			e.dispose.Stop()
		}
		if e.rec.Owned {
			owned = append(owned, id)
		}
	}
	p.entries = make(map[string]*entry)
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, id := range owned {
		if err := p.host.Remove(ctx, id); err != nil {
			p.logger.Warn("closing context on shutdown", "context_id", id, "error", err)
		}
	}
	p.logger.Info("pool shut down", "closed", len(owned))
}

func (p *Pool) probe(ctx context.Context, hc host.Context, prov config.Provider) error {
	timeout := prov.Timing.ProbeTimeout
	if timeout <= 0 {
		timeout = config.DefaultTiming().ProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := hc.Probe(pctx); err != nil {
		poolProbeFailuresTotal.WithLabelValues(prov.Key).Inc()
		return err
	}
	return nil
}

func (p *Pool) touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		e.rec.LastLivenessCheck = time.Now().UTC()
	}
}

// forget drops a context without closing its instance.
func (p *Pool) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
	p.updateGaugesLocked()
}

func (p *Pool) closeInstance(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if err := p.host.Remove(ctx, id); err != nil {
		p.logger.Warn("closing context", "context_id", id, "error", err)
	}
}

func (p *Pool) oldestIdleLocked(providerKey string) *entry {
	var best *entry
	for _, e := range p.entries {
		if e.rec.ProviderKey != providerKey || e.rec.State != model.ContextIdle {
			continue
		}
		if best == nil || compareContexts(e.rec, best.rec) < 0 {
			best = e
		}
	}
	return best
}

// liveCountLocked counts contexts that occupy capacity: everything except
// ERROR contexts awaiting disposal, plus creations in progress.
func (p *Pool) liveCountLocked(providerKey string) int {
	n := p.pending[providerKey]
	for _, e := range p.entries {
		if e.rec.ProviderKey == providerKey && e.rec.State != model.ContextError {
			n++
		}
	}
	return n
}

var gaugeStates = []model.ContextState{
	model.ContextCreating, model.ContextIdle, model.ContextBusy, model.ContextError,
}

func (p *Pool) updateGaugesLocked() {
	counts := make(map[string]map[model.ContextState]int)
	for _, key := range p.providers.Keys() {
		counts[key] = make(map[model.ContextState]int)
	}
	for _, e := range p.entries {
		if counts[e.rec.ProviderKey] == nil {
			counts[e.rec.ProviderKey] = make(map[model.ContextState]int)
		}
		counts[e.rec.ProviderKey][e.rec.State]++
	}
	for key, byState := range counts {
		for _, s := range gaugeStates {
			poolContexts.WithLabelValues(key, string(s)).Set(float64(byState[s]))
		}
	}
}

func compareContexts(a, b model.WorkerContext) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
