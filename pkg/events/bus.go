package events

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/kelvinzhao/tgrelay/pkg/logger"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

const defaultBufferSize = 256

// Bus is a single shared event channel: concurrent Consume callers compete
// for events, and each event reaches only one of them.
// Every component (RateLimiter, BatchForwarder, LiveMonitor, PairController,
// ClientFacade, ...) publishes through the same Bus; the host drains it.
type Bus struct {
	events chan Event
	done   chan struct{}
	closed atomic.Bool
}

func NewBus() *Bus {
	return &Bus{
		events: make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
	}
}

// Publish enqueues an event, blocking only on a full buffer. It never blocks
// forever: ctx cancellation and bus closure both unblock it.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume reads the next event, or (zero, false) once the bus is closed or
// ctx is cancelled.
func (b *Bus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.events:
		return ev, ok
	case <-b.done:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

// Close stops further publishes and drains anything buffered so subscribers
// relying on channel closure semantics don't see an endless trickle.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)

	drained := 0
	for {
		select {
		case <-b.events:
			drained++
		default:
			if drained > 0 {
				logger.DebugCF("events", "drained buffered events during close", map[string]any{
					"count": drained,
				})
			}
			return
		}
	}
}
