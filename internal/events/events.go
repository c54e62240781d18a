// Package events carries everything the session core reports to the
// outside: UI layers, history, transcripts and metrics all subscribe here.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	AgentInitialized     Type = "agent_initialized"
	AgentHandoff         Type = "agent_handoff"
	HandoffAttempt       Type = "handoff_attempt"
	ConversationComplete Type = "conversation_complete"
	ConnectionState      Type = "connection_state"
	Transcript           Type = "transcript"
	ToolCall             Type = "tool_call"
	TriggerEvent         Type = "trigger_event"
	ScreenChanged        Type = "screen_changed"
	NavigationFailed     Type = "navigation_failed"
	StateChanged         Type = "state_changed"
	SummaryCleared       Type = "summary_cleared"
	Alert                Type = "alert"
	Error                Type = "error"

	// Local signals for the orchestrator and UI.
	ToolCallAction Type = "tool_call_action"
	RecordInput    Type = "record_input"
)

type Event struct {
	Type    Type           `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

func New(t Type, payload map[string]any) Event {
	return Event{Type: t, Payload: payload, Time: time.Now()}
}

// String returns a payload field as a string, or "".
func (e Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

type Publisher interface {
	Publish(Event)
}

type Handler func(Event)

// Bus delivers events synchronously, in publish order, to every
// subscriber. Only one goroutine delivers at a time: events published while
// a delivery is in progress, including from inside a handler, are queued
// and delivered by that goroutine after the current event.
type Bus struct {
	mu       sync.Mutex
	handlers map[int]Handler
	order    []int
	nextID   int

	deliverMu  sync.Mutex
	queue      []Event
	delivering bool
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.deliverMu.Lock()
	b.queue = append(b.queue, e)
	if b.delivering {
		b.deliverMu.Unlock()
		return
	}
	b.delivering = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.deliverMu.Unlock()

		for _, h := range b.snapshot() {
			h(next)
		}

		b.deliverMu.Lock()
	}
	b.delivering = false
	b.deliverMu.Unlock()
}

func (b *Bus) snapshot() []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.handlers[id])
	}
	return out
}

// Recorder is a subscriber that keeps every event, mostly for tests and
// the console's event log.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
