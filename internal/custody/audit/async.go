package audit

import (
	"context"
	"sync"
)

// AsyncEmitter buffers events and forwards them to a wrapped emitter on a
// background goroutine. When the buffer is full the event is dropped; audit
// loss is preferable to blocking a token operation. Emit after Close also
// drops: refresh cycles run detached from their triggering caller and may
// emit while the process is shutting down.
type AsyncEmitter struct {
	next    Emitter
	events  chan Event
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped func(Event)
}

// NewAsyncEmitter starts an async emitter with the given buffer size.
// onDrop, when non-nil, observes dropped events (tests, counters).
func NewAsyncEmitter(next Emitter, buffer int, onDrop func(Event)) *AsyncEmitter {
	if buffer < 1 {
		buffer = 64
	}
	e := &AsyncEmitter{
		next:    next,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		dropped: onDrop,
	}
	go e.run()
	return e
}

func (e *AsyncEmitter) run() {
	defer close(e.done)
	for event := range e.events {
		if e.next == nil {
			continue
		}
		_ = e.next.Emit(context.Background(), event)
	}
}

// Emit enqueues one event without blocking. Events arriving after Close or
// into a full buffer are dropped.
func (e *AsyncEmitter) Emit(_ context.Context, event Event) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		if e.dropped != nil {
			e.dropped(event)
		}
		return nil
	}
	select {
	case e.events <- event:
	default:
		if e.dropped != nil {
			e.dropped(event)
		}
	}
	return nil
}

// Close drains the buffer and stops the background goroutine. Safe to call
// more than once.
func (e *AsyncEmitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()
	<-e.done
}
