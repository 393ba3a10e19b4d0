package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/transcript"
)

// State is where a call is in its lifecycle.
type State int32

const (
	StateAwaitingStart State = iota
	StateStreaming
	StateTransferring
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateStreaming:
		return "streaming"
	case StateTransferring:
		return "transferring"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is the mutable state of one call, shared by its pumps and timers.
// All access goes through methods.
type Session struct {
	mu                 sync.Mutex
	state              State
	cc                 callctx.CallContext
	upstream           Upstream
	upstreamClosed     bool
	speaking           bool
	lastAssistantAudio time.Time
	lastBargeIn        time.Time
	lastInboundAudio   time.Time
	transferred        bool
	startedAt          time.Time

	started   atomic.Bool
	persisted atomic.Bool
	recorder  transcript.Recorder
	now       func() time.Time
}

func newSession(now func() time.Time) *Session {
	return &Session{state: StateAwaitingStart, startedAt: now(), now: now}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves forward only; Terminated is final.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state != StateTerminated && next > s.state {
		s.state = next
	}
	s.mu.Unlock()
}

func (s *Session) CallContext() callctx.CallContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cc
}

func (s *Session) setCallContext(cc callctx.CallContext) {
	s.mu.Lock()
	s.cc = cc
	s.mu.Unlock()
}

func (s *Session) streamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cc.StreamSID
}

func (s *Session) TransferTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

func (s *Session) MarkTransferred() {
	s.mu.Lock()
	s.transferred = true
	s.cc.TransferTriggered = true
	s.mu.Unlock()
}

// StopSpeaking clears the assistant-speaking flag.
func (s *Session) StopSpeaking() {
	s.mu.Lock()
	s.speaking = false
	s.mu.Unlock()
}

func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// CancelResponse asks the upstream to stop the current response. It is a
// no-op before the upstream is attached.
func (s *Session) CancelResponse() error {
	up := s.Upstream()
	if up == nil {
		return nil
	}
	return up.CancelResponse()
}

func (s *Session) Upstream() Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstreamClosed {
		return nil
	}
	return s.upstream
}

// attachUpstream records up unless the call is already being torn down.
func (s *Session) attachUpstream(up Upstream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstreamClosed || s.state >= StateStopping {
		return false
	}
	s.upstream = up
	return true
}

// detachUpstream returns the upstream for closing, at most once.
func (s *Session) detachUpstream() Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstreamClosed {
		return nil
	}
	s.upstreamClosed = true
	return s.upstream
}

// bargeIn clears the speaking flag and reports whether the assistant was
// speaking when caller audio arrived.
func (s *Session) bargeIn(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.speaking {
		return false
	}
	s.speaking = false
	s.lastBargeIn = now
	return true
}

// assistantAudio records an outgoing chunk and reports whether it should be
// forwarded. Chunks within window of the last barge-in are stale.
func (s *Session) assistantAudio(now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastBargeIn.IsZero() && now.Sub(s.lastBargeIn) < window {
		return false
	}
	s.speaking = true
	s.lastAssistantAudio = now
	return true
}

// releaseStalled clears a speaking flag that has seen no audio for stall.
func (s *Session) releaseStalled(now time.Time, stall time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking && now.Sub(s.lastAssistantAudio) > stall {
		s.speaking = false
		return true
	}
	return false
}

func (s *Session) noteInboundAudio(now time.Time) {
	s.mu.Lock()
	s.lastInboundAudio = now
	s.mu.Unlock()
}

// idle reports whether caller audio has been seen, then nothing for longer
// than timeout, while the assistant is quiet.
func (s *Session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastInboundAudio.IsZero() || s.speaking {
		return false
	}
	return now.Sub(s.lastInboundAudio) > timeout
}

// claimPersist reports whether the caller won the single persistence slot.
func (s *Session) claimPersist() bool {
	return s.persisted.CompareAndSwap(false, true)
}

// Transcript returns the raw fragments collected so far.
func (s *Session) Transcript() []transcript.Fragment {
	return s.recorder.Snapshot()
}
