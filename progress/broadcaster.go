// Package progress fans job events out to every subscribed observer. Delivery
// is best effort: there is no backlog and late subscribers see only what is
// published after they subscribe.
package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// EventType distinguishes the payloads carried by an Event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventPing     EventType = "ping"
)

// Event is one message delivered to observers.
type Event struct {
	Type     EventType `json:"event"`
	JobID    string    `json:"jobId,omitempty"`
	Progress int       `json:"progress"`
	Status   string    `json:"status,omitempty"`
}

// ProgressEvent builds a progress update for a job.
func ProgressEvent(jobID string, progress int) Event {
	return Event{Type: EventProgress, JobID: jobID, Progress: progress}
}

// StatusEvent builds a status transition for a job.
func StatusEvent(jobID, status string, progress int) Event {
	return Event{Type: EventStatus, JobID: jobID, Status: status, Progress: progress}
}

// Observer receives events. Notify is called synchronously from Publish and
// must not block for long.
type Observer interface {
	Notify(Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event) error

func (f ObserverFunc) Notify(e Event) error { return f(e) }

// Subscription identifies a registered observer.
type Subscription uint64

// Broadcaster is the fan-out hub. The zero value is not usable; use New.
type Broadcaster struct {
	mu     sync.RWMutex
	next   Subscription
	subs   map[Subscription]Observer
	logger *slog.Logger
}

func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[Subscription]Observer),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe registers o and returns its handle.
func (b *Broadcaster) Subscribe(o Observer) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = o
	return b.next
}

// Unsubscribe removes the observer. Unknown or repeated handles are ignored.
func (b *Broadcaster) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Len returns the number of registered observers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers e to every observer registered at the time of the call.
// An observer that fails or panics is logged and skipped.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	targets := make([]target, 0, len(b.subs))
	for id, o := range b.subs {
		targets = append(targets, target{id: id, o: o})
	}
	b.mu.RUnlock()

	for _, t := range targets {
		err := deliver(t.o, e)
		switch {
		case err == nil:
		case errors.Is(err, ErrSinkFull):
			b.logger.Debug("observer lagging, event dropped", "subscription", uint64(t.id), "job_id", e.JobID)
		default:
			b.logger.Warn("observer failed", "subscription", uint64(t.id), "job_id", e.JobID, "error", err)
		}
	}
}

type target struct {
	id Subscription
	o  Observer
}

func deliver(o Observer, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.Notify(e)
}
