// Package metrics carries call-level measurements from the relay to a sink.
package metrics

import (
	"sync"
	"time"
)

// Event names recorded by the relay.
const (
	CallStarted = "call_started"
	CallEnded   = "call_ended"
	BargeIn     = "barge_in"
	Transfer    = "transfer"
	Persist     = "persist"
)

type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev Event)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// MemoryObserver keeps every event; used by tests.
type MemoryObserver struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Named returns the recorded events called name, in order.
func (m *MemoryObserver) Named(name string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
