// Package hosttest provides a scriptable in-memory host for tests and the
// test server. Instances load after a configurable delay and emit signals on
// a schedule relative to each broadcast.
package hosttest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/mercury/internal/host"
)

// Emission schedules one signal relative to a broadcast.
type Emission struct {
	Kind  host.SignalKind
	After time.Duration
}

// Behavior scripts how contexts respond.
type Behavior struct {
	ProbeErr error
	// ProbeDelay holds a probe that found its instance before it answers.
	ProbeDelay time.Duration

	BroadcastErr error
	Emit         []Emission

	// StreamingFor is how long after a broadcast Inspect reports the
	// streaming indicator as present.
	StreamingFor time.Duration

	// Text is returned by Inspect once streaming has stopped.
	Text string

	// Unsupported lists watch kinds that fail with host.ErrUnsupported.
	Unsupported []host.SignalKind
}

type instance struct {
	info      host.Instance
	createdAt time.Time
	ctx       *Context
	override  *Behavior
}

// Host is an in-memory host.Host.
type Host struct {
	mu        sync.Mutex
	instances map[string]*instance
	nextID    int
	behaviors map[string]Behavior
	fallback  Behavior

	// LoadDelay is how long created instances report loading.
	LoadDelay time.Duration
	CreateErr error
	QueryErr  error

	created int
	removed int
}

var _ host.Host = (*Host)(nil)

// New returns an empty host whose contexts follow b unless a URL-specific
// behavior is registered.
func New(b Behavior) *Host {
	return &Host{
		instances: make(map[string]*instance),
		behaviors: make(map[string]Behavior),
		fallback:  b,
	}
}

// SetBehavior scripts every instance whose URL starts with prefix.
func (h *Host) SetBehavior(prefix string, b Behavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.behaviors[prefix] = b
}

// SetInstanceBehavior scripts a single instance, taking precedence over URL
// behaviors.
func (h *Host) SetInstanceBehavior(id string, b Behavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst, ok := h.instances[id]; ok {
		inst.override = &b
	}
}

// AddInstance registers an already-loaded instance the pool did not create,
// as if the user had opened it.
func (h *Host) AddInstance(url string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst := h.addLocked(url)
	inst.createdAt = time.Time{}
	return inst.info.ID
}

// Created reports how many instances Create opened.
func (h *Host) Created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created
}

// Removed reports how many instances Remove closed.
func (h *Host) Removed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}

// Fake returns the concrete context for id, or nil.
func (h *Host) Fake(id string) *Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst, ok := h.instances[id]; ok {
		return inst.ctx
	}
	return nil
}

func (h *Host) addLocked(url string) *instance {
	h.nextID++
	id := strconv.Itoa(h.nextID)
	inst := &instance{
		info:      host.Instance{ID: id, URL: url, Status: host.StatusComplete},
		createdAt: time.Now(),
	}
	inst.ctx = &Context{host: h, id: id, watches: make(map[int]*watch)}
	h.instances[id] = inst
	return inst
}

// behaviorFor resolves the script for an instance. Caller holds h.mu.
func (h *Host) behaviorFor(inst *instance) Behavior {
	if inst.override != nil {
		return *inst.override
	}
	best, bestLen := h.fallback, -1
	for prefix, b := range h.behaviors {
		if strings.HasPrefix(inst.info.URL, prefix) && len(prefix) > bestLen {
			best, bestLen = b, len(prefix)
		}
	}
	return best
}

func (h *Host) lookup(id string) (*instance, Behavior, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[id]
	if !ok {
		return nil, Behavior{}, fmt.Errorf("instance %s: no such instance", id)
	}
	return inst, h.behaviorFor(inst), nil
}

// Query implements host.Host. Patterns use '*' as a wildcard.
func (h *Host) Query(_ context.Context, pattern string) ([]host.Instance, error) {
	re, err := matchPattern(pattern)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.QueryErr != nil {
		return nil, h.QueryErr
	}
	var out []host.Instance
	for i := 1; i <= h.nextID; i++ {
		inst, ok := h.instances[strconv.Itoa(i)]
		if !ok || !re.MatchString(inst.info.URL) {
			continue
		}
		out = append(out, h.statusLocked(inst))
	}
	return out, nil
}

// Create implements host.Host.
func (h *Host) Create(_ context.Context, url string, background bool) (host.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CreateErr != nil {
		return host.Instance{}, h.CreateErr
	}
	inst := h.addLocked(url)
	inst.info.Active = !background
	h.created++
	return h.statusLocked(inst), nil
}

// Status implements host.Host.
func (h *Host) Status(_ context.Context, id string) (host.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[id]
	if !ok {
		return host.Instance{}, fmt.Errorf("instance %s: no such instance", id)
	}
	return h.statusLocked(inst), nil
}

func (h *Host) statusLocked(inst *instance) host.Instance {
	info := inst.info
	if time.Since(inst.createdAt) < h.LoadDelay {
		info.Status = host.StatusLoading
	}
	return info
}

// Remove implements host.Host.
func (h *Host) Remove(_ context.Context, id string) error {
	h.mu.Lock()
	inst, ok := h.instances[id]
	if ok {
		delete(h.instances, id)
		h.removed++
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s: no such instance", id)
	}
	inst.ctx.closeAll()
	return nil
}

// Context implements host.Host.
func (h *Host) Context(id string) host.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst, ok := h.instances[id]; ok {
		return inst.ctx
	}
	return &Context{host: h, id: id, watches: make(map[int]*watch)}
}

func matchPattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	return regexp.Compile("^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$")
}
