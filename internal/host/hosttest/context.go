package hosttest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/mercury/internal/host"
)

const watchBuffer = 8

// Context is the in-memory host.Context handed out by Host.
type Context struct {
	host *Host
	id   string

	mu          sync.Mutex
	watches     map[int]*watch
	nextWatch   int
	broadcastAt time.Time
	broadcasts  int
	prompts     []string
	timers      []*time.Timer
	delivered   int
	dropped     int
	watchesMade int
}

var _ host.Context = (*Context)(nil)

type watch struct {
	ctx    *Context
	id     int
	kind   host.SignalKind
	ch     chan host.Signal
	closed bool
}

func (w *watch) Signals() <-chan host.Signal { return w.ch }

func (w *watch) Close() error {
	w.ctx.mu.Lock()
	defer w.ctx.mu.Unlock()
	w.closeLocked()
	return nil
}

func (w *watch) closeLocked() {
	if w.closed {
		return
	}
	w.closed = true
	delete(w.ctx.watches, w.id)
	close(w.ch)
}

// ID implements host.Context.
func (c *Context) ID() string { return c.id }

// Probe implements host.Context.
func (c *Context) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, b, err := c.host.lookup(c.id)
	if err != nil {
		return err
	}
	if b.ProbeDelay > 0 {
		timer := time.NewTimer(b.ProbeDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.ProbeErr
}

// Broadcast implements host.Context. It schedules the behavior's emissions
// relative to now.
func (c *Context) Broadcast(ctx context.Context, req host.BroadcastRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, b, err := c.host.lookup(c.id)
	if err != nil {
		return err
	}
	if b.BroadcastErr != nil {
		return b.BroadcastErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastAt = time.Now()
	c.broadcasts++
	c.prompts = append(c.prompts, req.Prompt)
	for _, e := range b.Emit {
		kind := e.Kind
		c.timers = append(c.timers, time.AfterFunc(e.After, func() { c.Emit(kind) }))
	}
	return nil
}

// Watch implements host.Context.
func (c *Context) Watch(ctx context.Context, req host.WatchRequest) (host.Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, b, err := c.host.lookup(c.id)
	if err != nil {
		return nil, err
	}
	if slices.Contains(b.Unsupported, req.Kind) {
		return nil, host.ErrUnsupported
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWatch++
	c.watchesMade++
	w := &watch{ctx: c, id: c.nextWatch, kind: req.Kind, ch: make(chan host.Signal, watchBuffer)}
	c.watches[w.id] = w
	return w, nil
}

// Inspect implements host.Context.
func (c *Context) Inspect(ctx context.Context, _ host.InspectRequest) (host.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return host.Snapshot{}, err
	}
	_, b, err := c.host.lookup(c.id)
	if err != nil {
		return host.Snapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broadcastAt.IsZero() {
		return host.Snapshot{}, nil
	}
	streaming := time.Since(c.broadcastAt) < b.StreamingFor
	snap := host.Snapshot{Streaming: streaming, MarkerPresent: !streaming, Responses: c.broadcasts}
	if !streaming {
		snap.Text = b.Text
	}
	return snap, nil
}

// Emit delivers a signal of kind to every open watch of that kind. Signals
// with no open watch are counted as dropped.
func (c *Context) Emit(kind host.SignalKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sig := host.Signal{Kind: kind, ObservedAt: time.Now()}
	sent := false
	for _, w := range c.watches {
		if w.kind != kind {
			continue
		}
		select {
		case w.ch <- sig:
			sent = true
		default:
		}
	}
	if sent {
		c.delivered++
	} else {
		c.dropped++
	}
}

// OpenWatches reports how many watches have not been closed.
func (c *Context) OpenWatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

// WatchesMade reports how many watches were ever installed.
func (c *Context) WatchesMade() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchesMade
}

// Broadcasts returns the prompts received so far.
func (c *Context) Broadcasts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.prompts)
}

// Delivered and Dropped count signals that reached, or missed, a watch.
func (c *Context) Delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

func (c *Context) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Context) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	for _, w := range c.watches {
		w.closeLocked()
	}
}
