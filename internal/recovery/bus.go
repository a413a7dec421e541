// Package recovery carries results that arrived after their requester was
// torn down. Subscriptions are filtered by ClientID at the bus boundary, so
// a subscriber only ever sees its own client's events.
package recovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oyerindedaniel/glide-sub000/internal/message"
)

// Kind tags a recovery event.
type Kind string

const (
	// KindPageProcessed redelivers a rendered page whose requester is gone.
	KindPageProcessed Kind = "page_processed"
	// KindDocumentReady redelivers a document-open result.
	KindDocumentReady Kind = "document_ready"
	// KindAborted signals that a client's processing was aborted elsewhere.
	KindAborted Kind = "aborted"
)

// Event is one redelivered result.
type Event struct {
	Kind      Kind
	ClientID  message.ClientID
	RequestID message.RequestID
	At        time.Time
	Payload   message.Response
}

// EventFor maps a stray response to the event that redelivers it. Control
// acknowledgments have nothing to redeliver and map to nothing.
func EventFor(resp message.Response) (Event, bool) {
	client, id := resp.Correlation()
	ev := Event{ClientID: client, RequestID: id, Payload: resp}
	switch resp.(type) {
	case message.PageRendered:
		ev.Kind = KindPageProcessed
	case message.DocumentOpened:
		ev.Kind = KindDocumentReady
	default:
		return Event{}, false
	}
	return ev, true
}

type subscriber struct {
	client message.ClientID
	ch     chan Event
}

// Bus is an in-memory typed pub/sub channel. Publish never blocks: a
// subscriber that cannot keep up drops events and the drop is counted.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers ev to every subscription registered for ev.ClientID.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	for _, s := range b.subs {
		if s.client != ev.ClientID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.Unlock()
}

// Subscribe registers for events tagged with client and returns the event
// channel plus a cancel func. Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe(client message.ClientID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	s := &subscriber{client: client, ch: make(chan Event, 32)}
	b.subs[id] = s

	cancel := func() {
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(cur.ch)
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers reports the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
