package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/model"
)

const watchBuffer = 16

// errAgentGone is returned to calls pending when the agent disconnects.
var errAgentGone = fmt.Errorf("%w: agent disconnected", host.ErrNoAgent)

// SessionInfo describes one connected agent.
type SessionInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	Remote      string    `json:"remote,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	Version     string    `json:"version,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	OpenWatches int       `json:"open_watches"`
}

type session struct {
	t      Transport
	logger *slog.Logger

	mu      sync.Mutex
	info    SessionInfo
	pending map[string]chan Envelope
	watches map[string]*watch
	closed  bool
	done    chan struct{}
}

func newSession(t Transport, kind, remote string, logger *slog.Logger) *session {
	id := model.NewID()
	return &session{
		t:      t,
		logger: logger.With("session_id", id),
		info: SessionInfo{
			ID:          id,
			Transport:   kind,
			Remote:      remote,
			ConnectedAt: time.Now().UTC(),
		},
		pending: make(map[string]chan Envelope),
		watches: make(map[string]*watch),
		done:    make(chan struct{}),
	}
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.OpenWatches = len(s.watches)
	return info
}

// readLoop routes envelopes from the agent until the transport fails.
func (s *session) readLoop() error {
	for {
		data, err := s.t.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid envelope from agent", "error", err)
			continue
		}

		switch env.Type {
		case TypeReply:
			s.resolve(env)
		case TypeSignal:
			s.deliver(env)
		case TypeHello:
			var h Hello
			if err := json.Unmarshal(env.Payload, &h); err != nil {
				s.logger.Warn("invalid hello from agent", "error", err)
				continue
			}
			s.mu.Lock()
			s.info.Agent, s.info.Version = h.Agent, h.Version
			s.mu.Unlock()
			s.logger.Info("agent identified", "agent", h.Agent, "version", h.Version)
		default:
			s.logger.Warn("unknown envelope type from agent", "type", env.Type)
		}
	}
}

func (s *session) resolve(env Envelope) {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	delete(s.pending, env.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- env
}

func (s *session) deliver(env Envelope) {
	sig, err := decodeSignal(env)
	if err != nil {
		s.logger.Warn("invalid signal from agent", "watch_id", env.WatchID, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delivered := false
	if w, ok := s.watches[env.WatchID]; ok {
		select {
		case w.ch <- sig:
			delivered = true
		default:
		}
	}
	bridgeSignalsTotal.WithLabelValues(string(sig.Kind), strconv.FormatBool(delivered)).Inc()
}

func (s *session) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.t.WriteMessage(data)
}

// call sends a request and waits for its reply.
func (s *session) call(ctx context.Context, env Envelope) (Envelope, error) {
	env.ID = model.NewID()
	ch := make(chan Envelope, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Envelope{}, errAgentGone
	}
	s.pending[env.ID] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
	}

	if err := s.send(env); err != nil {
		forget()
		return Envelope{}, fmt.Errorf("send %s: %w", env.Type, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, replyError(reply)
		}
		return reply, nil
	case <-s.done:
		return Envelope{}, errAgentGone
	case <-ctx.Done():
		forget()
		return Envelope{}, ctx.Err()
	}
}

// openWatch registers a watch before the agent is asked to install it.
func (s *session) openWatch(id string, kind host.SignalKind) (*watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errAgentGone
	}
	if _, dup := s.watches[id]; dup {
		return nil, fmt.Errorf("duplicate watch id %q", id)
	}
	w := &watch{s: s, id: id, kind: kind, ch: make(chan host.Signal, watchBuffer)}
	s.watches[id] = w
	return w, nil
}

// dropWatch forgets a watch the agent never installed.
func (s *session) dropWatch(w *watch) {
	w.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watches[w.id]; ok {
			delete(s.watches, w.id)
			close(w.ch)
		}
	})
}

// close fails pending calls and ends every watch. It is idempotent.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	for id, w := range s.watches {
		delete(s.watches, id)
		close(w.ch)
	}
	s.mu.Unlock()
	_ = s.t.Close()
}

type watch struct {
	s    *session
	id   string
	kind host.SignalKind
	ch   chan host.Signal
	once sync.Once
}

var _ host.Watch = (*watch)(nil)

func (w *watch) Signals() <-chan host.Signal { return w.ch }

// Close stops delivery and asks the agent to remove its observer. The
// unwatch is not awaited.
func (w *watch) Close() error {
	w.once.Do(func() {
		s := w.s
		s.mu.Lock()
		_, open := s.watches[w.id]
		if open {
			delete(s.watches, w.id)
			close(w.ch)
		}
		closed := s.closed
		s.mu.Unlock()

		if open && !closed {
			if err := s.send(Envelope{ID: model.NewID(), Type: TypeCtxUnwatch, WatchID: w.id}); err != nil {
				s.logger.Debug("unwatch not sent", "watch_id", w.id, "error", err)
			}
		}
	})
	return nil
}
