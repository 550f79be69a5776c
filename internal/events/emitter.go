// Package events carries session-scoped notifications to whoever renders
// them. Events emitted before anyone listens are kept in a bounded backlog
// and replayed to the first listener.
package events

import (
	"sync"
	"time"

	"github.com/dgerlanc/warden/internal/logger"
)

// DefaultBacklog is the number of undelivered events an Emitter keeps.
const DefaultBacklog = 10000

// Kind identifies an event.
type Kind string

const (
	KindUserFeedback  Kind = "user-feedback"
	KindLoopDetected  Kind = "loop-detected"
	KindToolCallState Kind = "tool-call-state"
)

// Severity of a user feedback event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one notification.
type Event struct {
	Kind     Kind
	Severity Severity
	Message  string
	// Source names the component that emitted the event, e.g. "hooks".
	Source string
	Data   map[string]any
	Time   time.Time
}

// Listener receives events synchronously.
type Listener func(Event)

// Emitter fans events out to listeners.
type Emitter struct {
	mu        sync.Mutex
	listeners map[int]Listener
	order     []int
	nextID    int
	backlog   *RingBuffer[Event]
	dropped   int
}

// NewEmitter returns an emitter whose backlog holds up to backlog events.
func NewEmitter(backlog int) *Emitter {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Emitter{listeners: make(map[int]Listener), backlog: NewRingBuffer[Event](backlog)}
}

// Emit delivers ev to every listener, or queues it when there are none.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.Lock()
	if len(e.order) == 0 {
		if e.backlog.Push(ev) {
			e.dropped++
		}
		e.mu.Unlock()
		return
	}
	ls := e.snapshot()
	e.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// Feedback emits a user feedback event.
func (e *Emitter) Feedback(sev Severity, source, msg string) {
	e.Emit(Event{Kind: KindUserFeedback, Severity: sev, Source: source, Message: msg})
}

func (e *Emitter) snapshot() []Listener {
	ls := make([]Listener, 0, len(e.order))
	for _, id := range e.order {
		ls = append(ls, e.listeners[id])
	}
	return ls
}

// On adds a listener and returns a function that removes it. The first
// listener receives the queued backlog before On returns.
func (e *Emitter) On(l Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.order = append(e.order, id)
	var queued []Event
	if len(e.order) == 1 {
		queued = e.backlog.Drain()
		if e.dropped > 0 {
			logger.Debug("event backlog overflowed", "dropped", e.dropped)
			e.dropped = 0
		}
	}
	e.mu.Unlock()

	for _, ev := range queued {
		l(ev)
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.listeners[id]; !ok {
			return
		}
		delete(e.listeners, id)
		for i, v := range e.order {
			if v == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
}

// Pending returns how many events are waiting for a listener.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backlog.Len()
}
