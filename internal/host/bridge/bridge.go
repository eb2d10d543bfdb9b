package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/model"
)

const defaultCallTimeout = 30 * time.Second

// Transport kinds reported in SessionInfo.
const (
	KindWebSocket = "websocket"
	KindNative    = "native"
)

// Options tunes the bridge. Zero values select the defaults.
type Options struct {
	// CallTimeout bounds requests whose context carries no deadline.
	CallTimeout time.Duration
}

// Bridge is a host.Host backed by connected browser agents. Requests go to
// the most recently connected agent. It is safe for concurrent use.
type Bridge struct {
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	sessions []*session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ host.Host = (*Bridge)(nil)

// New creates a bridge with no agent connected.
func New(opts Options, logger *slog.Logger) *Bridge {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{logger: logger, opts: opts, ctx: ctx, cancel: cancel}
}

// Serve runs a session over t until the transport fails or the bridge is
// closed. It blocks for the session's lifetime.
func (b *Bridge) Serve(t Transport, kind, remote string) error {
	s := newSession(t, kind, remote, b.logger)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = t.Close()
		return errors.New("bridge closed")
	}
	b.sessions = append(b.sessions, s)
	bridgeSessions.Set(float64(len(b.sessions)))
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	s.logger.Info("agent connected", "transport", kind, "remote", remote)

	stop := context.AfterFunc(b.ctx, s.close)
	defer stop()

	err := s.readLoop()
	s.close()

	b.mu.Lock()
	b.sessions = slices.DeleteFunc(b.sessions, func(x *session) bool { return x == s })
	bridgeSessions.Set(float64(len(b.sessions)))
	b.mu.Unlock()

	s.logger.Info("agent disconnected", "reason", err)
	return nil
}

// ServeHTTP upgrades the request to a WebSocket and serves the agent on it.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.logger.Warn("bridge upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	_ = b.Serve(NewServerWS(conn), KindWebSocket, r.RemoteAddr)
}

// ListenUnix accepts native-messaging relays on a Unix socket at path until
// ctx is done. A stale socket file is replaced.
func (b *Bridge) ListenUnix(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	b.logger.Info("bridge socket listening", "path", path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", path, err)
		}
		go func() {
			_ = b.Serve(NewFrameTransport(conn), KindNative, path)
		}()
	}
}

// Sessions describes the connected agents, oldest first.
func (b *Bridge) Sessions() []SessionInfo {
	b.mu.Lock()
	sessions := slices.Clone(b.sessions)
	b.mu.Unlock()
	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.snapshot()
	}
	return out
}

// Close disconnects every agent and waits for their sessions to end.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *Bridge) active() (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil, host.ErrNoAgent
	}
	return b.sessions[len(b.sessions)-1], nil
}

// call sends a request to the active agent and decodes the reply payload
// into out when out is non-nil.
func (b *Bridge) call(ctx context.Context, env Envelope, out any) (Envelope, error) {
	s, err := b.active()
	if err != nil {
		bridgeRequestsTotal.WithLabelValues(env.Type, resultError).Inc()
		return Envelope{}, err
	}
	return b.callOn(ctx, s, env, out)
}

func (b *Bridge) callOn(ctx context.Context, s *session, env Envelope, out any) (Envelope, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := s.call(ctx, env)
	bridgeRequestDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
	if err == nil && out != nil {
		if uerr := json.Unmarshal(reply.Payload, out); uerr != nil {
			err = fmt.Errorf("decode %s reply: %w", env.Type, uerr)
		}
	}
	if err != nil {
		bridgeRequestsTotal.WithLabelValues(env.Type, resultError).Inc()
		return reply, err
	}
	bridgeRequestsTotal.WithLabelValues(env.Type, resultOK).Inc()
	return reply, nil
}

// payload encodes a request body. The request types hold only strings,
// numbers and slices of them, so encoding cannot fail.
func payload(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// Query implements host.Host.
func (b *Bridge) Query(ctx context.Context, pattern string) ([]host.Instance, error) {
	var out []host.Instance
	if _, err := b.call(ctx, Envelope{Type: TypeTabsQuery, Payload: payload(QueryRequest{Pattern: pattern})}, &out); err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	return out, nil
}

// Create implements host.Host.
func (b *Bridge) Create(ctx context.Context, url string, background bool) (host.Instance, error) {
	var out host.Instance
	req := CreateRequest{URL: url, Background: background}
	if _, err := b.call(ctx, Envelope{Type: TypeTabsCreate, Payload: payload(req)}, &out); err != nil {
		return host.Instance{}, fmt.Errorf("create tab: %w", err)
	}
	return out, nil
}

// Status implements host.Host.
func (b *Bridge) Status(ctx context.Context, id string) (host.Instance, error) {
	var out host.Instance
	if _, err := b.call(ctx, Envelope{Type: TypeTabsStatus, TabID: id}, &out); err != nil {
		return host.Instance{}, fmt.Errorf("tab %s status: %w", id, err)
	}
	return out, nil
}

// Remove implements host.Host.
func (b *Bridge) Remove(ctx context.Context, id string) error {
	if _, err := b.call(ctx, Envelope{Type: TypeTabsRemove, TabID: id}, nil); err != nil {
		return fmt.Errorf("remove tab %s: %w", id, err)
	}
	return nil
}

// Context implements host.Host.
func (b *Bridge) Context(id string) host.Context {
	return &tabContext{b: b, id: id}
}

type tabContext struct {
	b  *Bridge
	id string
}

var _ host.Context = (*tabContext)(nil)

func (c *tabContext) ID() string { return c.id }

func (c *tabContext) Probe(ctx context.Context) error {
	if _, err := c.b.call(ctx, Envelope{Type: TypeCtxProbe, TabID: c.id}, nil); err != nil {
		return fmt.Errorf("probe tab %s: %w", c.id, err)
	}
	return nil
}

func (c *tabContext) Broadcast(ctx context.Context, req host.BroadcastRequest) error {
	steps, err := EncodeSteps(req.Steps)
	if err != nil {
		return err
	}
	p := BroadcastPayload{Prompt: req.Prompt, Steps: steps}
	if _, err := c.b.call(ctx, Envelope{Type: TypeCtxBroadcast, TabID: c.id, Payload: payload(p)}, nil); err != nil {
		return fmt.Errorf("broadcast to tab %s: %w", c.id, err)
	}
	return nil
}

func (c *tabContext) Inspect(ctx context.Context, req host.InspectRequest) (host.Snapshot, error) {
	p, err := EncodeInspect(req)
	if err != nil {
		return host.Snapshot{}, err
	}
	var snap host.Snapshot
	if _, err := c.b.call(ctx, Envelope{Type: TypeCtxInspect, TabID: c.id, Payload: payload(p)}, &snap); err != nil {
		return host.Snapshot{}, fmt.Errorf("inspect tab %s: %w", c.id, err)
	}
	return snap, nil
}

// Watch installs an observer in the tab. The host picks the watch id and
// registers it before asking the agent, so no early signal is lost. The
// watch is bound to the agent that installed it and ends if that agent
// disconnects.
func (c *tabContext) Watch(ctx context.Context, req host.WatchRequest) (host.Watch, error) {
	s, err := c.b.active()
	if err != nil {
		return nil, err
	}
	w, err := s.openWatch(model.NewID(), req.Kind)
	if err != nil {
		return nil, err
	}
	env := Envelope{Type: TypeCtxWatch, TabID: c.id, WatchID: w.id, Payload: payload(req)}
	if _, err := c.b.callOn(ctx, s, env, nil); err != nil {
		s.dropWatch(w)
		return nil, fmt.Errorf("watch %s in tab %s: %w", req.Kind, c.id, err)
	}
	return w, nil
}
