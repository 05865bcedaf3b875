package stream

import (
	"context"
	"sync"
)

type (
	// MultiSink fans every event out to a fixed set of sinks in order. Send
	// stops at the first sink error so delivery failures surface immediately.
	MultiSink struct {
		sinks []Sink
	}

	// BufferSink is a thread-safe in-memory sink. The HTTP adapter uses it to
	// replay events for non-streaming responses; tests use it to assert on
	// emitted event sequences.
	BufferSink struct {
		mu     sync.Mutex
		events []Event
		closed bool
	}

	// NoopSink discards all events.
	NoopSink struct{}
)

// NewMultiSink builds a sink that forwards every event to each of the given
// sinks in order. Nil sinks are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

// Send forwards the event to every sink, stopping at the first error.
func (m *MultiSink) Send(ctx context.Context, event Event) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink, returning the first error encountered.
func (m *MultiSink) Close(ctx context.Context) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewBufferSink builds an empty in-memory sink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

// Send appends the event to the buffer. Events sent after Close are dropped.
func (b *BufferSink) Send(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.events = append(b.events, event)
	return nil
}

// Close stops accepting events. Buffered events remain readable.
func (b *BufferSink) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Events returns a snapshot of the buffered events in arrival order.
func (b *BufferSink) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Send discards the event.
func (NoopSink) Send(context.Context, Event) error { return nil }

// Close is a no-op.
func (NoopSink) Close(context.Context) error { return nil }
