package events

import (
	"sync"

	"E3Kernel/internal/protocol"
)

// Buffer collects events of an in-flight operation.
// Events leave the buffer only through Drain; Discard drops them.
type Buffer struct {
	clock  protocol.Clock
	events []Event
}

// NewBuffer creates a buffer stamping events with the given clock.
func NewBuffer(clock protocol.Clock) *Buffer {
	return &Buffer{clock: clock}
}

// Emit appends an event.
func (b *Buffer) Emit(kind Kind, e3 uint64, attrs ...Attr) {
	b.events = append(b.events, Event{
		Kind:  kind,
		E3:    e3,
		Time:  b.clock.Now(),
		Attrs: attrs,
	})
}

// Events returns the buffered events without draining them.
func (b *Buffer) Events() []Event {
	return b.events
}

// Drain returns and clears the buffered events.
func (b *Buffer) Drain() []Event {
	out := b.events
	b.events = nil

	return out
}

// Discard drops the buffered events.
func (b *Buffer) Discard() {
	b.events = nil
}

// Kinds returns the kinds of buffered events in order.
func (b *Buffer) Kinds() []Kind {
	kinds := make([]Kind, len(b.events))
	for i, e := range b.events {
		kinds[i] = e.Kind
	}

	return kinds
}

// Last returns the last buffered event of the given kind.
func (b *Buffer) Last(kind Kind) (Event, bool) {
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Kind == kind {
			return b.events[i], true
		}
	}

	return Event{}, false
}

// Subscriber receives published events in sequence order.
type Subscriber interface {
	HandleEvents(events []Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(events []Event)

// HandleEvents calls f.
func (f SubscriberFunc) HandleEvents(events []Event) {
	f(events)
}

// Bus assigns sequence numbers and forwards events to subscribers.
// It is safe for concurrent access; publication order equals sequence order.
type Bus struct {
	mu   sync.Mutex
	seq  uint64
	subs []Subscriber
}

// NewBus creates a bus whose next sequence number is lastSeq+1.
func NewBus(lastSeq uint64) *Bus {
	return &Bus{seq: lastSeq}
}

// Subscribe registers a subscriber.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}

// Sequence assigns sequence numbers to events in place and returns them.
// Subscribers are not notified; call Publish with the result.
func (b *Bus) Sequence(events []Event) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range events {
		b.seq++
		events[i].Seq = b.seq
	}

	return events
}

// Publish forwards sequenced events to every subscriber.
func (b *Bus) Publish(events []Event) {
	if len(events) == 0 {
		return
	}

	b.mu.Lock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.HandleEvents(events)
	}
}

// LastSeq returns the last assigned sequence number.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.seq
}
