package flight

import (
	"sync"
	"time"

	"github.com/seantiz/mercury/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 32

// Event is one published flight transition with the flight as it stood
// right after it.
type Event struct {
	FlightID string            `json:"flight_id"`
	From     model.FlightState `json:"from,omitempty"`
	To       model.FlightState `json:"to"`
	At       time.Time         `json:"at"`
	Flight   *model.Flight     `json:"flight"`
}

// Broker fans flight events out to per-flight subscribers. It is safe for
// concurrent use.
//
// Closed topics are kept as markers until Forget so that a subscriber
// arriving after the flight settled gets a closed channel instead of
// blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Subscribe returns a channel of events for the flight and an unsubscribe
// function. If the flight already settled the channel is closed.
func (b *Broker) Subscribe(flightID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[flightID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[flightID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers ev to the flight's subscribers, dropping it for any
// whose buffer is full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.FlightID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the flight's stream. Current subscribers see their channel
// closed; later subscribers get a closed channel.
func (b *Broker) Close(flightID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[flightID]
	if !ok {
		b.topics[flightID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops every trace of the flight's topic.
func (b *Broker) Forget(flightID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[flightID]; ok {
		for _, ch := range t.subs {
			close(ch)
		}
		delete(b.topics, flightID)
	}
}
