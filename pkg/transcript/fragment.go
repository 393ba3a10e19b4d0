// Package transcript records per-call speech fragments and reconciles them
// into a clean alternating conversation for persistence.
package transcript

import (
	"strings"
	"sync"
)

// Speaker identifies who produced a fragment. The wire values match what the
// call log backend stores.
type Speaker string

const (
	Caller    Speaker = "user"
	Assistant Speaker = "ai"
)

// Fragment is one piece of recognized or generated speech. Order is the
// position in the containing slice.
type Fragment struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Recorder accumulates fragments for a single call in arrival order.
type Recorder struct {
	mu    sync.Mutex
	frags []Fragment
}

// Add appends a fragment. Blank text is ignored.
func (r *Recorder) Add(speaker Speaker, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	r.mu.Lock()
	r.frags = append(r.frags, Fragment{Speaker: speaker, Text: text})
	r.mu.Unlock()
}

// Len returns the number of recorded fragments.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frags)
}

// Snapshot returns a copy of the recorded fragments.
func (r *Recorder) Snapshot() []Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Fragment, len(r.frags))
	copy(out, r.frags)
	return out
}
