// Package notify delivers state-change events from the editor core to
// observers such as the WebSocket hub.
package notify

import (
	"sync"
	"time"
)

type EventType string

const (
	DocumentStatus    EventType = "document.status"
	DocumentSaved     EventType = "document.saved"
	DocumentSaveError EventType = "document.save_error"
	GrammarResult     EventType = "grammar.result"
	GrammarError      EventType = "grammar.error"
	GrammarCost       EventType = "grammar.cost"
	BudgetWarning     EventType = "grammar.budget_warning"
	BudgetExceeded    EventType = "grammar.budget_exceeded"
	SpellResult       EventType = "spell.result"
	SpellReadiness    EventType = "spell.readiness"
)

// Event is a single notification. Payload is JSON-encodable.
type Event struct {
	Type       EventType `json:"type"`
	DocumentID string    `json:"documentId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	At         time.Time `json:"at"`
	Payload    any       `json:"payload,omitempty"`
}

// Publisher accepts events. Implementations must not call back into the
// publisher synchronously with locks held by the caller.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// Bus fans events out to subscribers synchronously, in subscription order.
// Deliveries are serialized so every subscriber sees events in publish order.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	order   []int
	subs    map[int]func(Event)
	deliver sync.Mutex
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, existing := range b.order {
				if existing == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	b.deliver.Lock()
	defer b.deliver.Unlock()
	for _, handler := range handlers {
		handler(e)
	}
}

// Recorder collects published events. It is safe for concurrent use and is
// mostly useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
