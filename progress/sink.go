package progress

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrSinkFull is returned by Sink.Notify when the client is not keeping up.
var ErrSinkFull = errors.New("client buffer full, event dropped")

// Sink is an Observer backed by a bounded channel, used to hand events to a
// network connection served by another goroutine.
type Sink struct {
	ID      string
	events  chan Event
	dropped atomic.Int64
}

// NewSink returns a sink buffering up to size events.
func NewSink(size int) *Sink {
	if size <= 0 {
		size = 64
	}
	return &Sink{
		ID:     uuid.NewString(),
		events: make(chan Event, size),
	}
}

// Notify queues e without blocking.
func (s *Sink) Notify(e Event) error {
	select {
	case s.events <- e:
		return nil
	default:
		s.dropped.Add(1)
		return ErrSinkFull
	}
}

// Events is the receive side consumed by the connection writer.
func (s *Sink) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were discarded.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}
