package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/host/bridge"
	"github.com/seantiz/mercury/internal/host/hosttest"
)

// fakeAgent plays the browser extension, serving bridge requests from an
// in-memory host.
type fakeAgent struct {
	t    *testing.T
	tr   bridge.Transport
	h    *hosttest.Host
	mute bool

	mu        sync.Mutex
	watches   map[string]host.Watch
	steps     [][]bridge.WireStep
	inspects  []bridge.InspectPayload
	unwatched int
	done      chan struct{}
}

func startAgent(t *testing.T, tr bridge.Transport, h *hosttest.Host) *fakeAgent {
	t.Helper()
	a := &fakeAgent{t: t, tr: tr, h: h, watches: make(map[string]host.Watch), done: make(chan struct{})}
	go a.run()
	t.Cleanup(func() {
		tr.Close()
		<-a.done
	})
	return a
}

func (a *fakeAgent) run() {
	defer close(a.done)
	for {
		data, err := a.tr.ReadMessage()
		if err != nil {
			a.mu.Lock()
			for id, w := range a.watches {
				w.Close()
				delete(a.watches, id)
			}
			a.mu.Unlock()
			return
		}
		var env bridge.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.t.Errorf("agent: bad envelope: %v", err)
			continue
		}
		if a.mute {
			continue
		}
		go a.handle(env)
	}
}

func (a *fakeAgent) send(env bridge.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		a.t.Errorf("agent: marshal: %v", err)
		return
	}
	_ = a.tr.WriteMessage(data)
}

func (a *fakeAgent) hello(name string) {
	data, _ := json.Marshal(bridge.Hello{Agent: name, Version: "1.0"})
	a.send(bridge.Envelope{Type: bridge.TypeHello, Payload: data})
}

func (a *fakeAgent) handle(env bridge.Envelope) {
	ctx := context.Background()
	var (
		out any
		err error
	)
	hc := a.h.Context(env.TabID)

	switch env.Type {
	case bridge.TypeTabsQuery:
		var req bridge.QueryRequest
		_ = json.Unmarshal(env.Payload, &req)
		out, err = a.h.Query(ctx, req.Pattern)
	case bridge.TypeTabsCreate:
		var req bridge.CreateRequest
		_ = json.Unmarshal(env.Payload, &req)
		out, err = a.h.Create(ctx, req.URL, req.Background)
	case bridge.TypeTabsStatus:
		out, err = a.h.Status(ctx, env.TabID)
		if err != nil {
			a.reply(env, nil, err, bridge.CodeNotFound)
			return
		}
	case bridge.TypeTabsRemove:
		err = a.h.Remove(ctx, env.TabID)
	case bridge.TypeCtxProbe:
		err = hc.Probe(ctx)
	case bridge.TypeCtxBroadcast:
		var p bridge.BroadcastPayload
		_ = json.Unmarshal(env.Payload, &p)
		a.mu.Lock()
		a.steps = append(a.steps, p.Steps)
		a.mu.Unlock()
		err = hc.Broadcast(ctx, host.BroadcastRequest{Prompt: p.Prompt})
	case bridge.TypeCtxInspect:
		var p bridge.InspectPayload
		_ = json.Unmarshal(env.Payload, &p)
		a.mu.Lock()
		a.inspects = append(a.inspects, p)
		a.mu.Unlock()
		out, err = hc.Inspect(ctx, host.InspectRequest{StreamingSelector: p.StreamingSelector})
	case bridge.TypeCtxWatch:
		var req host.WatchRequest
		_ = json.Unmarshal(env.Payload, &req)
		w, werr := hc.Watch(ctx, req)
		if errors.Is(werr, host.ErrUnsupported) {
			a.reply(env, nil, werr, bridge.CodeUnsupported)
			return
		}
		if werr == nil {
			a.mu.Lock()
			a.watches[env.WatchID] = w
			a.mu.Unlock()
			go a.forward(env.WatchID, w)
		}
		err = werr
	case bridge.TypeCtxUnwatch:
		a.mu.Lock()
		if w, ok := a.watches[env.WatchID]; ok {
			w.Close()
			delete(a.watches, env.WatchID)
			a.unwatched++
		}
		a.mu.Unlock()
		return
	default:
		a.t.Errorf("agent: unexpected request type %q", env.Type)
		return
	}
	a.reply(env, out, err, "")
}

func (a *fakeAgent) reply(req bridge.Envelope, out any, err error, code string) {
	env := bridge.Envelope{ID: req.ID, Type: bridge.TypeReply, WatchID: req.WatchID}
	if err != nil {
		env.Error = err.Error()
		env.Code = code
	} else if out != nil {
		env.Payload, _ = json.Marshal(out)
	}
	a.send(env)
}

func (a *fakeAgent) forward(watchID string, w host.Watch) {
	for sig := range w.Signals() {
		data, _ := json.Marshal(sig)
		a.send(bridge.Envelope{Type: bridge.TypeSignal, WatchID: watchID, Payload: data})
	}
}

func (a *fakeAgent) unwatchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unwatched
}

func (a *fakeAgent) lastSteps() []bridge.WireStep {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.steps) == 0 {
		return nil
	}
	return a.steps[len(a.steps)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
