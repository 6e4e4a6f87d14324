// Package events fans session activity out to the views following it.
package events

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shipflow/overlay/internal/stream"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 100

// Kind classifies a session event.
type Kind string

const (
	KindSessionOpened   Kind = "session.opened"
	KindSessionUpdated  Kind = "session.updated"
	KindSessionReleased Kind = "session.released"
	// KindStream carries one stream.Event received for a submission.
	KindStream Kind = "session.stream"
	// KindTransition carries a state.TransitionRecord.
	KindTransition Kind = "session.transition"
	KindUndo       Kind = "session.undo"
)

// Event is one change to a chat session.
type Event struct {
	Kind      Kind
	SessionID string
	At        time.Time
	Level     log.Level
	Payload   any
}

// Stream wraps a received stream event for session id.
func Stream(id string, at time.Time, event stream.Event) Event {
	return Event{
		Kind:      KindStream,
		SessionID: id,
		At:        at,
		Level:     StreamLevel(event),
		Payload:   event,
	}
}

// StreamLevel grades a stream event: failed completions are errors and
// forwarded agent stderr is a warning.
func StreamLevel(event stream.Event) log.Level {
	switch {
	case event.Kind == stream.KindDone && !event.Success:
		return log.ErrorLevel
	case event.Kind == stream.KindStatus && strings.HasPrefix(event.Message, "[stderr]"):
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

// Filter selects the events a subscriber receives. Empty fields match
// everything.
type Filter struct {
	SessionID string
	Kinds     []Kind
	MinLevel  log.Level
}

// Match reports whether event passes f.
func (f Filter) Match(event Event) bool {
	if f.SessionID != "" && f.SessionID != event.SessionID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	return event.Level >= f.MinLevel
}

// Handler consumes a delivered event.
type Handler func(Event)

// Bus delivers published events to matching subscribers.
type Bus interface {
	Subscribe(filter Filter, handler Handler) (unsubscribe func())
	Publish(event Event)
}

// Option customizes New.
type Option func(*InMemoryBus)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger receives drop warnings.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// WithClock stamps events published without a time.
func WithClock(now func() time.Time) Option {
	return func(bus *InMemoryBus) {
		if now != nil {
			bus.now = now
		}
	}
}

// InMemoryBus runs each subscriber on its own goroutine behind a bounded
// queue, so a slow view never stalls the session manager.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     *log.Logger
	now        func() time.Time
	subs       map[uint64]*subscriber
	nextID     uint64
	closed     bool
}

type subscriber struct {
	id     uint64
	filter Filter
	queue  chan Event
}

// New returns an empty bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		now:        time.Now,
		subs:       make(map[uint64]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe starts delivering events matching filter to handler until the
// returned func is called or the bus is closed.
func (b *InMemoryBus) Subscribe(filter Filter, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscriber{id: b.nextID, filter: filter, queue: make(chan Event, b.bufferSize)}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		for event := range sub.queue {
			handler(event)
		}
	}()
	return func() { b.remove(sub.id) }
}

// Publish never blocks: an event for a subscriber whose queue is full is
// dropped and logged.
func (b *InMemoryBus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.logger.Warn("dropping bus event", "subscriber", sub.id, "kind", event.Kind, "session", event.SessionID)
		}
	}
}

// Close ends every subscription after its queue drains. Later calls to
// Publish and Subscribe do nothing.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.queue)
		delete(b.subs, id)
	}
}

func (b *InMemoryBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.queue)
		delete(b.subs, id)
	}
}
