// Package callctx holds per-call context shared between the incoming-call
// webhook, the media relay and the transfer path.
package callctx

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/switchboard/pkg/voice"
)

// CallContext is what the process knows about one call. Values are copied in
// and out of the Store; callers never share a pointer.
type CallContext struct {
	CallSID           string
	StreamSID         string
	AccountPhone      string
	Prompt            string
	Voice             voice.Voice
	Host              string
	TransferTriggered bool
	Created           time.Time
}

// fillFrom sets every empty field of c from other.
func (c *CallContext) fillFrom(other CallContext) {
	if c.CallSID == "" {
		c.CallSID = other.CallSID
	}
	if c.StreamSID == "" {
		c.StreamSID = other.StreamSID
	}
	if c.AccountPhone == "" {
		c.AccountPhone = other.AccountPhone
	}
	if c.Prompt == "" {
		c.Prompt = other.Prompt
	}
	if c.Voice == "" {
		c.Voice = other.Voice
	}
	if c.Host == "" {
		c.Host = other.Host
	}
	if c.Created.IsZero() {
		c.Created = other.Created
	}
}

// Store is a process-wide map of call ID to CallContext. Each operation holds
// the lock only for the map access.
type Store struct {
	mu      sync.Mutex
	entries map[string]CallContext
	maxAge  time.Duration
	now     func() time.Time
}

// NewStore returns a Store that evicts entries older than maxAge when swept.
// A non-positive maxAge disables eviction.
func NewStore(maxAge time.Duration) *Store {
	return &Store{
		entries: make(map[string]CallContext),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Put replaces the context for callSID.
func (s *Store) Put(callSID string, c CallContext) {
	if callSID == "" {
		return
	}
	c.CallSID = callSID
	if c.Created.IsZero() {
		c.Created = s.now()
	}
	s.mu.Lock()
	s.entries[callSID] = c
	s.mu.Unlock()
}

func (s *Store) Get(callSID string) (CallContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.entries[callSID]
	return c, ok
}

// MergeIfMissing fills empty fields of the stored context from partial,
// creating the entry if needed, and returns the result. Fields already set
// are never overwritten.
func (s *Store) MergeIfMissing(callSID string, partial CallContext) CallContext {
	if callSID == "" {
		partial.fillFrom(CallContext{Created: s.now()})
		return partial
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[callSID]
	if !ok {
		cur = CallContext{CallSID: callSID, Created: s.now()}
	}
	cur.fillFrom(partial)
	s.entries[callSID] = cur
	return cur
}

// MarkTransferred sets the transfer flag and reports whether this call was
// the one that set it.
func (s *Store) MarkTransferred(callSID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[callSID]
	if !ok || cur.TransferTriggered {
		return false
	}
	cur.TransferTriggered = true
	s.entries[callSID] = cur
	return true
}

// FindHost scans for any entry with a host that shares callSID or the
// account phone.
func (s *Store) FindHost(callSID, phone string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.entries {
		if c.Host == "" {
			continue
		}
		if (callSID != "" && id == callSID) || (phone != "" && c.AccountPhone == phone) {
			return c.Host
		}
	}
	return ""
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts entries created more than maxAge ago and returns how many
// were removed.
func (s *Store) Sweep() int {
	if s.maxAge <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.entries {
		if c.Created.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
