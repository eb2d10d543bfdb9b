package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/host"
)

// MaxFrameSize is the largest frame accepted from the agent (16 MiB).
const MaxFrameSize = 16 << 20

// MaxOutboundFrameSize is the largest frame the browser accepts from a
// native-messaging host (1 MiB).
const MaxOutboundFrameSize = 1 << 20

// Request types sent to the agent.
const (
	TypeTabsQuery    = "tabs.query"
	TypeTabsCreate   = "tabs.create"
	TypeTabsStatus   = "tabs.status"
	TypeTabsRemove   = "tabs.remove"
	TypeCtxProbe     = "ctx.probe"
	TypeCtxBroadcast = "ctx.broadcast"
	TypeCtxInspect   = "ctx.inspect"
	TypeCtxWatch     = "ctx.watch"
	TypeCtxUnwatch   = "ctx.unwatch"
)

// Envelope types sent by the agent.
const (
	TypeReply  = "reply"
	TypeSignal = "signal"
	TypeHello  = "hello"
)

// Reply error codes with a fixed meaning.
const (
	CodeUnsupported = "unsupported"
	CodeNotFound    = "not_found"
)

// Envelope is the JSON message exchanged with the agent.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	TabID   string          `json:"tab_id,omitempty"`
	WatchID string          `json:"watch_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Hello is the payload of the agent's optional greeting.
type Hello struct {
	Agent   string `json:"agent"`
	Version string `json:"version"`
}

// QueryRequest is the payload of tabs.query.
type QueryRequest struct {
	Pattern string `json:"pattern"`
}

// CreateRequest is the payload of tabs.create.
type CreateRequest struct {
	URL        string `json:"url"`
	Background bool   `json:"background"`
}

// WireStep is one broadcast step as the agent executes it.
type WireStep struct {
	Kind       string `json:"kind"`
	Selector   string `json:"selector,omitempty"`
	Key        string `json:"key,omitempty"`
	TimeoutMS  int64  `json:"timeout_ms,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// BroadcastPayload is the payload of ctx.broadcast.
type BroadcastPayload struct {
	Prompt string     `json:"prompt"`
	Steps  []WireStep `json:"steps"`
}

// WireHarvest names the extraction the agent performs on Inspect.
type WireHarvest struct {
	Method    string `json:"method"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
}

// InspectPayload is the payload of ctx.inspect.
type InspectPayload struct {
	Harvest           WireHarvest `json:"harvest"`
	StreamingSelector string      `json:"streaming_selector"`
	MarkerSelector    string      `json:"marker_selector,omitempty"`
}

// EncodeSteps converts configured steps to their wire form.
func EncodeSteps(steps []config.Step) ([]WireStep, error) {
	out := make([]WireStep, 0, len(steps))
	for i, s := range steps {
		var w WireStep
		switch st := s.(type) {
		case config.FocusStep:
			w = WireStep{Selector: st.Selector}
		case config.FillStep:
			w = WireStep{Selector: st.Selector}
		case config.ClickStep:
			w = WireStep{Selector: st.Selector}
		case config.KeyStep:
			w = WireStep{Selector: st.Selector, Key: st.Key}
		case config.WaitStep:
			w = WireStep{Selector: st.Selector, TimeoutMS: st.Timeout.Milliseconds()}
		case config.PauseStep:
			w = WireStep{DurationMS: st.Duration.Milliseconds()}
		default:
			return nil, fmt.Errorf("step %d: unsupported step type %T", i, s)
		}
		w.Kind = s.Kind()
		out = append(out, w)
	}
	return out, nil
}

// EncodeInspect converts an inspect request to its wire form.
func EncodeInspect(req host.InspectRequest) (InspectPayload, error) {
	p := InspectPayload{StreamingSelector: req.StreamingSelector, MarkerSelector: req.MarkerSelector}
	switch m := req.Method.(type) {
	case config.TextHarvest:
		p.Harvest = WireHarvest{Method: m.Method(), Selector: m.Selector}
	case config.MarkdownHarvest:
		p.Harvest = WireHarvest{Method: m.Method(), Selector: m.Selector}
	case config.AttributeHarvest:
		p.Harvest = WireHarvest{Method: m.Method(), Selector: m.Selector, Attribute: m.Attribute}
	default:
		return InspectPayload{}, fmt.Errorf("unsupported harvest method %T", req.Method)
	}
	return p, nil
}

// replyError turns an error reply into a Go error.
func replyError(env Envelope) error {
	switch env.Code {
	case CodeUnsupported:
		return fmt.Errorf("%s: %w", env.Error, host.ErrUnsupported)
	case CodeNotFound:
		return fmt.Errorf("%s: %w", env.Error, errTabNotFound)
	default:
		return fmt.Errorf("agent: %s", env.Error)
	}
}

var errTabNotFound = errors.New("tab not found")

// decodeSignal reads a signal envelope's payload, stamping the receive time
// when the agent omitted it.
func decodeSignal(env Envelope) (host.Signal, error) {
	var sig host.Signal
	if err := json.Unmarshal(env.Payload, &sig); err != nil {
		return host.Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = time.Now().UTC()
	}
	return sig, nil
}

// WriteFrame writes data with a 4-byte little-endian length prefix, the
// framing of browser native messaging.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(data), MaxFrameSize)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
