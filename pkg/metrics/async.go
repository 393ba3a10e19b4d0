package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to inner on its own goroutine so recording
// never blocks a call. Events are dropped when the buffer is full.
type AsyncObserver struct {
	inner   Observer
	ch      chan Event
	dropped atomic.Int64
	closed  atomic.Bool
	mu      sync.RWMutex
	once    sync.Once
	done    chan struct{}
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev Event) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
