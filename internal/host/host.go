package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/model"
)

// ErrNoAgent is returned when no host agent is connected to serve a request.
// It is an acquisition failure: no context can be obtained without one.
var ErrNoAgent = fmt.Errorf("%w: no host agent connected", model.ErrAcquisition)

// ErrUnsupported is returned by Watch when the context cannot observe the
// requested signal kind.
var ErrUnsupported = errors.New("signal kind not supported by context")

// Instance load states reported by the host.
const (
	StatusLoading  = "loading"
	StatusComplete = "complete"
)

// Instance describes one live instance (tab) as seen by the host.
type Instance struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status"`
	Active bool   `json:"active"`
}

// Loaded reports whether the instance has finished loading.
func (i Instance) Loaded() bool {
	return i.Status == StatusComplete
}

// Host enumerates, creates and disposes instances. Implementations must be
// safe for concurrent use.
type Host interface {
	// Query lists existing instances whose URL matches pattern.
	Query(ctx context.Context, pattern string) ([]Instance, error)

	// Create opens a new instance at url. Background instances must not
	// take focus from the user.
	Create(ctx context.Context, url string, background bool) (Instance, error)

	// Status reports the current state of an instance.
	Status(ctx context.Context, id string) (Instance, error)

	// Remove closes an instance.
	Remove(ctx context.Context, id string) error

	// Context returns the scripting handle for an instance. It does not
	// verify that the instance exists; Probe does.
	Context(id string) Context
}

// SignalKind names what a Watch observes.
type SignalKind string

// Signal kinds.
const (
	SignalNetwork    SignalKind = "network"
	SignalStructural SignalKind = "structural"
	SignalExplicit   SignalKind = "explicit"
	SignalMarker     SignalKind = "marker"
)

// Signal is one observation delivered by a Watch.
type Signal struct {
	Kind       SignalKind        `json:"kind"`
	ObservedAt time.Time         `json:"observed_at"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// WatchRequest configures a watch inside the context.
type WatchRequest struct {
	Kind SignalKind `json:"kind"`

	// ContentType and URL are regular expressions for network watches.
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`

	// Hints, Attribute and MinTextLength drive structural watches.
	Hints         []string `json:"hints,omitempty"`
	Attribute     string   `json:"attribute,omitempty"`
	MinTextLength int      `json:"min_text_length,omitempty"`

	// Selector is the completion marker for marker watches.
	Selector string `json:"selector,omitempty"`
}

// Watch is a disposable subscription to signals inside a context. Close
// must be called on every exit path; after Close no further signals are
// delivered and Signals may be closed.
type Watch interface {
	Signals() <-chan Signal
	Close() error
}

// BroadcastRequest carries the prompt and the scripted steps that submit it.
type BroadcastRequest struct {
	Prompt string        `json:"prompt"`
	Steps  []config.Step `json:"-"`
}

// InspectRequest asks the context for a harvest snapshot.
type InspectRequest struct {
	Method            config.HarvestMethod `json:"-"`
	StreamingSelector string               `json:"streaming_selector"`
	MarkerSelector    string               `json:"marker_selector,omitempty"`
}

// Snapshot is the state of the rendered answer at one instant.
type Snapshot struct {
	Streaming     bool   `json:"streaming"`
	MarkerPresent bool   `json:"marker_present"`
	Text          string `json:"text"`
	Responses     int    `json:"responses"`
}

// Context is the scripting surface of one instance.
type Context interface {
	ID() string

	// Probe is the lightweight liveness check.
	Probe(ctx context.Context) error

	// Broadcast submits the prompt by running the steps in order.
	Broadcast(ctx context.Context, req BroadcastRequest) error

	// Watch installs an observer and returns its handle.
	Watch(ctx context.Context, req WatchRequest) (Watch, error)

	// Inspect reads the streaming indicator, completion marker and the text
	// of the last response element.
	Inspect(ctx context.Context, req InspectRequest) (Snapshot, error)
}
