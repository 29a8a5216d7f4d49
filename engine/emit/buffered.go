package emit

import "sync"

// BufferedEmitter collects events in memory and forwards them to a wrapped
// emitter on Flush. Useful for tests (inspect what a run emitted) and for
// batching writes to slow backends.
type BufferedEmitter struct {
	mu     sync.Mutex
	events []Event
	next   Emitter
}

// NewBufferedEmitter creates a BufferedEmitter. next may be nil, in which
// case Flush only clears the buffer.
func NewBufferedEmitter(next Emitter) *BufferedEmitter {
	return &BufferedEmitter{next: next}
}

// Emit appends the event to the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Events returns a copy of the buffered events in emission order.
func (b *BufferedEmitter) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Flush forwards buffered events to the wrapped emitter and clears the
// buffer.
func (b *BufferedEmitter) Flush() {
	b.mu.Lock()
	events := b.events
	b.events = nil
	next := b.next
	b.mu.Unlock()

	if next == nil {
		return
	}
	for _, e := range events {
		next.Emit(e)
	}
}
