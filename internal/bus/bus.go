// Package bus is the observable event fan-out used by the orchestrator to
// drive the Timeline recorder and any REPL display tap off a single stream,
// instead of each subsystem writing to both directly.
package bus

import (
	"log"
	"sync"
)

// EventKind labels what phase of a turn an Event reports.
type EventKind string

const (
	EventSubStepStart EventKind = "substep_start"
	EventSubStepEnd   EventKind = "substep_end"
	EventToolOutput   EventKind = "tool_output"
	EventPlan         EventKind = "plan"
)

// Event is one message carried on the bus.
type Event struct {
	Kind    EventKind
	Agent   string
	Verdict string
	Tokens  int
	LLM     bool
	Text    string
}

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable message bus. All cross-cutting observability
// (Timeline, REPL banners) passes through it so a sub-step is published
// exactly once and every consumer sees the same record.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventKind][]chan Event
	taps        []chan Event
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[EventKind][]chan Event)}
}

// Publish fans out msg to all subscribers of msg.Kind and to every tap.
// Non-blocking: a full channel drops the message with a logged warning
// rather than stalling the publisher.
func (b *Bus) Publish(msg Event) {
	b.mu.RLock()
	subs := b.subscribers[msg.Kind]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for kind=%s agent=%s — message dropped", msg.Kind, msg.Agent)
		}
	}
	for _, tap := range taps {
		select {
		case tap <- msg:
		default:
			log.Printf("[BUS] WARNING: tap channel full — message dropped kind=%s", msg.Kind)
		}
	}
}

// Subscribe returns a receive-only channel delivering events of kind k.
func (b *Bus) Subscribe(k EventKind) <-chan Event {
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every published event regardless of kind.
func (b *Bus) NewTap() <-chan Event {
	ch := make(chan Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
