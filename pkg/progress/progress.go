package progress

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies the kind of progress event
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// DefaultBuffer is the per-subscriber buffer used when none is given
const DefaultBuffer = 64

// Event is one progress signal
type Event struct {
	Type      EventType   `json:"type"`
	RunID     string      `json:"runId,omitempty"`
	Phase     string      `json:"phase,omitempty"`
	Message   string      `json:"message,omitempty"`
	Current   int         `json:"current,omitempty"`
	Total     *int        `json:"total,omitempty"`
	Offset    *int        `json:"offset,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// Bus fans progress events out to any number of subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	logger zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger.With().Str("component", "progress").Logger(),
	}
}

// Subscribe registers a channel subscriber. The returned function unsubscribes
// and closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// SubscribeFunc runs fn for every event on a dedicated goroutine.
// A panicking handler is logged and keeps receiving later events.
func (b *Bus) SubscribeFunc(fn func(Event)) func() {
	ch, unsubscribe := b.Subscribe(DefaultBuffer)
	go func() {
		for ev := range ch {
			b.dispatch(fn, ev)
		}
	}()
	return unsubscribe
}

func (b *Bus) dispatch(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("Progress subscriber panicked")
		}
	}()
	fn(ev)
}

// Publish delivers an event to every subscriber without blocking
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				b.logger.Warn().Int("dropped", sub.dropped).Msg("Progress subscriber is slow, dropping events")
			}
		}
	}
}

// Subscribers returns the number of attached subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Start publishes a start event
func (b *Bus) Start(runID, message string) {
	b.Publish(Event{Type: EventStart, RunID: runID, Message: message})
}

// Progress publishes a progress event; total and offset are optional (negative means absent)
func (b *Bus) Progress(runID, phase string, current, total, offset int) {
	ev := Event{Type: EventProgress, RunID: runID, Phase: phase, Current: current}
	if total >= 0 {
		ev.Total = &total
	}
	if offset >= 0 {
		ev.Offset = &offset
	}
	b.Publish(ev)
}

// Complete publishes a completion event
func (b *Bus) Complete(runID, message string, data interface{}) {
	b.Publish(Event{Type: EventComplete, RunID: runID, Message: message, Data: data})
}

// Error publishes an error event
func (b *Bus) Error(runID, message string, err error) {
	ev := Event{Type: EventError, RunID: runID, Message: message}
	if err != nil {
		ev.Error = err.Error()
	}
	b.Publish(ev)
}

type runIDKey struct{}

// WithRunID attaches a run id to ctx so nested stages publish under the same run
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID returns the run id attached to ctx, or ""
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
