package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/mercury/internal/model"
)

// Message is an inbound request envelope.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Sender identifies where a message came from.
type Sender struct {
	ID     string `json:"id,omitempty"`
	Origin string `json:"origin,omitempty"`
	Remote string `json:"remote,omitempty"`
}

// RequestContext describes one dispatch. It lives only for that dispatch.
type RequestContext struct {
	RequestID  string
	ReceivedAt time.Time
	Sender     Sender
	Type       string

	validate Validator
}

// Handler serves one message type.
type Handler func(ctx context.Context, payload json.RawMessage, rc *RequestContext) (any, error)

// Validator checks a payload's shape before the handler runs.
type Validator func(payload json.RawMessage) error

// Response is the normalized outbound envelope.
type Response struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	ElapsedMS *int64 `json:"elapsedMs,omitempty"`
	RequestID string `json:"requestId"`
}

type route struct {
	handler  Handler
	validate Validator
}

// Option configures a registration.
type Option func(*route)

// WithValidator declares the payload check for a message type. It runs in
// the Validation middleware.
func WithValidator(v Validator) Option {
	return func(r *route) { r.validate = v }
}

// Dispatcher routes messages to handlers. It is safe for concurrent use.
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[string]route
	chain  []Middleware
}

// New creates a dispatcher whose chain starts with mws.
func New(logger *slog.Logger, mws ...Middleware) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		routes: make(map[string]route),
		chain:  slices.Clone(mws),
	}
}

// Use appends middleware to the chain. Middleware added later run inside
// earlier ones.
func (d *Dispatcher) Use(mws ...Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chain = append(d.chain, mws...)
}

// Register binds a handler to a message type, replacing any previous one.
func (d *Dispatcher) Register(msgType string, h Handler, opts ...Option) {
	r := route{handler: h}
	for _, opt := range opts {
		opt(&r)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[msgType] = r
}

// Handles reports whether msgType has a registered handler.
func (d *Dispatcher) Handles(msgType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.routes[msgType]
	return ok
}

// Types returns the registered message types, sorted.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.routes))
	for t := range d.routes {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Dispatch routes msg through the middleware chain to its handler and
// normalizes the outcome. Unknown types fail with UnknownMessageType after
// passing the chain, so they are logged and counted like any other message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, sender Sender) Response {
	rc := &RequestContext{
		RequestID:  uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
		Sender:     sender,
		Type:       msg.Type,
	}

	d.mu.RLock()
	r, ok := d.routes[msg.Type]
	chain := Chain(d.chain...)
	d.mu.RUnlock()

	terminal := func(ctx context.Context) (any, error) {
		if !ok {
			return nil, fmt.Errorf("%w: %q", model.ErrUnknownMessageType, msg.Type)
		}
		return r.handler(ctx, msg.Payload, rc)
	}
	rc.validate = r.validate

	data, err := chain(ctx, rc, msg.Payload, terminal)
	if err != nil {
		return Failure(rc.RequestID, err)
	}
	return Response{Success: true, Data: data, RequestID: rc.RequestID}
}

// Failure builds the error envelope for err, carrying the winning strategy
// and elapsed time when err has them.
func Failure(requestID string, err error) Response {
	resp := Response{
		Error:     err.Error(),
		Code:      model.KindName(err),
		RequestID: requestID,
	}
	if strategy, elapsed, ok := model.Diagnostics(err); ok {
		resp.Strategy = strategy
		ms := elapsed.Milliseconds()
		resp.ElapsedMS = &ms
	}
	return resp
}
