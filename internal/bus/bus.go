// Package bus implements the single-consumer event bus that decouples
// producers (vision, serial links, the scheduler) from the control
// state machine. Producers never block indefinitely: DetectionEvent
// publishes drop the oldest buffered detection when the bus is full,
// every other event kind blocks the producer up to a configurable
// backpressure timeout instead of being dropped.
package bus

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/wfunc/egg-collector/internal/errors"
)

// Kind discriminates the event payloads the bus carries.
type Kind int

const (
	KindDetection Kind = iota
	KindObstacleDistance
	KindPeerReply
	KindTimerTick
	KindCommandTimeout
	KindCommandResult
	KindShutdown
)

// Event is an envelope carrying a typed payload and the timestamp it
// was published at (monotonic per-producer, best-effort across
// producers, per the ordering guarantees this bus provides).
type Event struct {
	Kind      Kind
	Payload   interface{}
	Timestamp time.Time
}

// DefaultCapacity is the bus's bounded channel size absent config.
const DefaultCapacity = 256

// Bus is a bounded, single-consumer event channel.
type Bus struct {
	capacity    int
	backpressure time.Duration

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// New creates a Bus with the given bounded capacity and the duration a
// non-DetectionEvent publish will wait for room before giving up.
func New(capacity int, backpressure time.Duration) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity:     capacity,
		backpressure: backpressure,
		ch:           make(chan Event, capacity),
	}
}

// Publish delivers an event to the bus. DetectionEvent publishes never
// block: if the channel is full, the oldest buffered event is dropped
// to make room. Every other kind blocks up to the configured
// backpressure timeout and returns ErrBusOverflow if it cannot be
// delivered in that time.
func (b *Bus) Publish(evt Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return apperrors.New(apperrors.ErrBusClosed)
	}

	if evt.Kind == KindDetection {
		return b.publishDropOldest(evt)
	}
	return b.publishBlocking(evt)
}

func (b *Bus) publishDropOldest(evt Event) error {
	for {
		select {
		case b.ch <- evt:
			return nil
		default:
		}
		select {
		case <-b.ch:
			// dropped the oldest buffered event to make room
		default:
		}
	}
}

func (b *Bus) publishBlocking(evt Event) error {
	select {
	case b.ch <- evt:
		return nil
	default:
	}

	timer := time.NewTimer(b.backpressure)
	defer timer.Stop()
	select {
	case b.ch <- evt:
		return nil
	case <-timer.C:
		return apperrors.New(apperrors.ErrBusOverflow, "event dropped after backpressure timeout")
	}
}

// Receive blocks until an event is available, the context is canceled,
// or the bus is closed.
func (b *Bus) Receive(ctx context.Context) (Event, bool) {
	select {
	case evt, ok := <-b.ch:
		return evt, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// TryReceive returns immediately with the next event if one is
// buffered, or ok=false if the bus is currently empty.
func (b *Bus) TryReceive() (Event, bool) {
	select {
	case evt, ok := <-b.ch:
		return evt, ok
	default:
		return Event{}, false
	}
}

// Close stops accepting publishes and closes the underlying channel.
// Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Len reports how many events are currently buffered, for diagnostics.
func (b *Bus) Len() int {
	return len(b.ch)
}
