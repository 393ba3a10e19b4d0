package relay

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/cms"
	"github.com/harunnryd/switchboard/pkg/destinations"
	"github.com/harunnryd/switchboard/pkg/metrics"
	"github.com/harunnryd/switchboard/pkg/realtime"
	"github.com/harunnryd/switchboard/pkg/transcript"
	"github.com/harunnryd/switchboard/pkg/transfer"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
	"github.com/harunnryd/switchboard/pkg/voice"
)

type fakeUpstream struct {
	mu          sync.Mutex
	sessions    []realtime.SessionConfig
	appended    []string
	cancels     int
	closeCode   int
	closeReason string

	events    chan realtime.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan realtime.Event, 16), closed: make(chan struct{})}
}

func (f *fakeUpstream) UpdateSession(cfg realtime.SessionConfig) error {
	f.mu.Lock()
	f.sessions = append(f.sessions, cfg)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) AppendAudio(payload string) error {
	f.mu.Lock()
	f.appended = append(f.appended, payload)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) CancelResponse() error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Events() iter.Seq2[realtime.Event, error] {
	return func(yield func(realtime.Event, error) bool) {
		for {
			select {
			case ev := <-f.events:
				if !yield(ev, nil) {
					return
				}
			case <-f.closed:
				return
			}
		}
	}
}

func (f *fakeUpstream) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode, f.closeReason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeUpstream) snapshot() (cancels int, appended int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels, len(f.appended), f.closeReason
}

type readResult struct {
	ev  twilio.Event
	err error
}

type sentMedia struct {
	streamSID string
	payload   string
}

type fakeTelephony struct {
	in      chan readResult
	mu      sync.Mutex
	sent    []sentMedia
	clears  int
	sendErr error

	closeCode   int
	closeReason string
	closed      chan struct{}
	closeOnce   sync.Once
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{in: make(chan readResult, 16), closed: make(chan struct{})}
}

func (f *fakeTelephony) push(ev twilio.Event) { f.in <- readResult{ev: ev} }

func (f *fakeTelephony) ReadEvent() (twilio.Event, error) {
	select {
	case r := <-f.in:
		return r.ev, r.err
	case <-f.closed:
		return twilio.Event{}, io.EOF
	}
}

func (f *fakeTelephony) SendMedia(streamSID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMedia{streamSID: streamSID, payload: payload})
	return nil
}

func (f *fakeTelephony) Clear(streamSID string) error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode, f.closeReason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTelephony) closedWith() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTelephony) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.payload)
	}
	return out
}

type stubProfiles struct {
	prompt string
	voice  voice.Voice
	calls  int
}

func (s *stubProfiles) Lookup(ctx context.Context, phone string) (string, voice.Voice) {
	s.calls++
	return s.prompt, s.voice
}

type stubDestinations struct {
	list []destinations.Destination
}

func (s stubDestinations) Lookup(ctx context.Context, phone string) []destinations.Destination {
	return s.list
}

func (s stubDestinations) Find(ctx context.Context, phone, label string) (destinations.Destination, bool) {
	return destinations.FindExact(s.list, label)
}

type stubTransfers struct {
	mu     sync.Mutex
	labels []string
	err    error
}

func (s *stubTransfers) Transfer(ctx context.Context, sess transfer.Session, label, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, label+"|"+number)
	if s.err != nil {
		return s.err
	}
	sess.MarkTransferred()
	sess.StopSpeaking()
	return sess.CancelResponse()
}

type stubPersister struct {
	mu      sync.Mutex
	records []cms.CallRecord
	// block makes SaveCall hang until its context ends.
	block bool
	errs  []error
}

func (s *stubPersister) SaveCall(ctx context.Context, rec cms.CallRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	block := s.block
	s.mu.Unlock()
	if !block {
		return nil
	}
	<-ctx.Done()
	s.mu.Lock()
	s.errs = append(s.errs, ctx.Err())
	s.mu.Unlock()
	return ctx.Err()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (s *stubPersister) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runAsync(e *Engine, tel Telephony) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), tel) }()
	return done
}

func awaitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not finish")
		return nil
	}
}

func startEvent() twilio.Event {
	return twilio.Event{
		Event:     twilio.EventStart,
		StreamSID: "MZ1",
		Start: &twilio.Start{
			StreamSID: "MZ1",
			CustomParameters: map[string]string{
				twilio.ParamCallSID:      "CA1",
				twilio.ParamAccountPhone: "+15550100",
				twilio.ParamHostname:     "relay.example.com",
			},
		},
	}
}

func mediaEvent(payload string) twilio.Event {
	return twilio.Event{Event: twilio.EventMedia, StreamSID: "MZ1", Media: &twilio.Media{Payload: payload}}
}

type harness struct {
	engine    *Engine
	store     *callctx.Store
	up        *fakeUpstream
	tel       *fakeTelephony
	profiles  *stubProfiles
	transfers *stubTransfers
	persister *stubPersister
	metrics   *metrics.MemoryObserver

	mu     sync.Mutex
	dials  int
	models []string
	voices []voice.Voice
}

func newHarness(opts Options) *harness {
	h := &harness{
		store:     callctx.NewStore(0),
		up:        newFakeUpstream(),
		tel:       newFakeTelephony(),
		profiles:  &stubProfiles{prompt: "You answer for Acme.", voice: voice.Alloy},
		transfers: &stubTransfers{},
		persister: &stubPersister{},
		metrics:   metrics.NewMemoryObserver(),
	}
	if opts.Models.Full == "" {
		opts.Models = realtime.ModelSelector{Full: "full", Light: "light", LightVoice: voice.Alloy}
	}
	h.engine = New(Deps{
		Store:        h.store,
		Destinations: stubDestinations{list: []destinations.Destination{{Label: "sales", Number: "+15550001", Description: "Orders"}}},
		Profiles:     h.profiles,
		Dial: func(ctx context.Context, model string, v voice.Voice) (Upstream, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.dials++
			h.models = append(h.models, model)
			h.voices = append(h.voices, v)
			return h.up, nil
		},
		Transfers: h.transfers,
		Persister: h.persister,
		Metrics:   h.metrics,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
	return h
}

func TestRunStartMediaStop(t *testing.T) {
	h := newHarness(Options{InitialSilence: 300 * time.Millisecond})
	done := runAsync(h.engine, h.tel)

	h.tel.push(startEvent())
	h.tel.push(startEvent())
	h.tel.push(mediaEvent("caller-audio"))
	waitFor(t, "audio forwarded upstream", func() bool {
		_, n, _ := h.up.snapshot()
		return n == 1
	})

	h.up.events <- realtime.CallerTranscript{Text: "Hi there."}
	h.up.events <- realtime.AssistantTranscript{Text: "Hello, how can I help?"}
	h.up.events <- realtime.AudioDelta{Payload: "assistant-audio"}
	waitFor(t, "assistant audio to caller", func() bool {
		for _, p := range h.tel.payloads() {
			if p == "assistant-audio" {
				return true
			}
		}
		return false
	})

	h.tel.push(twilio.Event{Event: twilio.EventStop})
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.engine.Wait()

	if h.dials != 1 || h.models[0] != "light" || h.voices[0] != voice.Alloy {
		t.Fatalf("unexpected dials %d %v %v", h.dials, h.models, h.voices)
	}
	if len(h.up.sessions) != 1 || !strings.Contains(h.up.sessions[0].Instructions, "You answer for Acme.") {
		t.Fatalf("unexpected session config %+v", h.up.sessions)
	}
	if len(h.up.sessions[0].Tools) != 1 || h.up.sessions[0].Tools[0].Name != realtime.TransferToolName {
		t.Fatalf("expected transfer tool, got %+v", h.up.sessions[0].Tools)
	}
	payloads := h.tel.payloads()
	if len(payloads) < 2 || payloads[0] == "" || payloads[0] == "assistant-audio" {
		t.Fatalf("expected initial silence first, got %v", payloads)
	}
	if _, _, reason := h.up.snapshot(); reason != "caller hangup" {
		t.Fatalf("unexpected close reason %q", reason)
	}
	if h.up.closeCode != closeNormal {
		t.Fatalf("unexpected close code %d", h.up.closeCode)
	}
	if code, reason := h.tel.closedWith(); code != closeNormal || reason != "caller hangup" {
		t.Fatalf("unexpected telephony close %d %q", code, reason)
	}

	cc, ok := h.store.Get("CA1")
	if !ok || cc.Host != "relay.example.com" || cc.AccountPhone != "+15550100" || cc.Prompt != "You answer for Acme." {
		t.Fatalf("unexpected stored context %+v", cc)
	}

	if h.persister.count() != 1 {
		t.Fatalf("expected one persisted call, got %d", h.persister.count())
	}
	rec := h.persister.records[0]
	want := []transcript.Fragment{
		{Speaker: transcript.Caller, Text: "Hi there."},
		{Speaker: transcript.Assistant, Text: "Hello, how can I help?"},
	}
	if rec.CallSID != "CA1" || rec.OwnerPhone != "+15550100" || len(rec.Transcript) != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	for i := range want {
		if rec.Transcript[i] != want[i] {
			t.Fatalf("unexpected transcript %+v", rec.Transcript)
		}
	}
	ended := h.metrics.Named(metrics.CallEnded)
	if len(ended) != 1 || ended[0].Tags["reason"] != "caller hangup" || len(h.metrics.Named(metrics.CallStarted)) != 1 {
		t.Fatalf("unexpected call metrics %+v", ended)
	}
}

func TestRunUsesStoredContext(t *testing.T) {
	h := newHarness(Options{})
	h.store.Put("CA1", callctx.CallContext{Prompt: "Stored prompt", Voice: "nova", AccountPhone: "+15550100"})
	done := runAsync(h.engine, h.tel)

	h.tel.push(startEvent())
	waitFor(t, "session configured", func() bool {
		h.up.mu.Lock()
		defer h.up.mu.Unlock()
		return len(h.up.sessions) == 1
	})
	h.tel.push(twilio.Event{Event: twilio.EventStop})
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.profiles.calls != 0 {
		t.Fatalf("profiles should not be consulted when the context is complete")
	}
	if h.voices[0] != voice.Alloy || h.up.sessions[0].Voice != "alloy" {
		t.Fatalf("legacy voice must be normalized, got %v %q", h.voices, h.up.sessions[0].Voice)
	}
	if h.persister.count() != 0 {
		t.Fatalf("nothing recorded, nothing persisted")
	}
}

func TestBargeInCancelsOnceAndSuppressesStaleAudio(t *testing.T) {
	h := newHarness(Options{})
	clock := time.Unix(1_700_000_000, 0)
	h.engine.now = func() time.Time { return clock }

	sess := newSession(h.engine.now)
	sess.setCallContext(callctx.CallContext{CallSID: "CA1", StreamSID: "MZ1"})
	sess.attachUpstream(h.up)
	c := &call{engine: h.engine, sess: sess, tel: h.tel, ctx: context.Background(), logger: h.engine.logger}

	if _, err := c.handleUpstream(realtime.AudioDelta{Payload: "a1"}); err != nil {
		t.Fatalf("audio: %v", err)
	}
	if !sess.Speaking() {
		t.Fatalf("assistant should be speaking")
	}

	clock = clock.Add(100 * time.Millisecond)
	if err := c.handleMedia(mediaEvent("c1")); err != nil {
		t.Fatalf("media: %v", err)
	}
	if err := c.handleMedia(mediaEvent("c2")); err != nil {
		t.Fatalf("media: %v", err)
	}
	cancels, appended, _ := h.up.snapshot()
	if cancels != 1 || appended != 2 || h.tel.clears != 1 {
		t.Fatalf("expected one cancel and clear with both chunks forwarded, got cancels=%d appended=%d clears=%d", cancels, appended, h.tel.clears)
	}

	clock = clock.Add(900 * time.Millisecond)
	_, _ = c.handleUpstream(realtime.AudioDelta{Payload: "stale"})
	clock = clock.Add(150 * time.Millisecond)
	_, _ = c.handleUpstream(realtime.AudioDelta{Payload: "fresh"})

	got := h.tel.payloads()
	if len(got) != 2 || got[0] != "a1" || got[1] != "fresh" {
		t.Fatalf("unexpected audio to caller %v", got)
	}
	if n := len(h.metrics.Named(metrics.BargeIn)); n != 1 {
		t.Fatalf("expected one barge-in metric, got %d", n)
	}
}

func TestMediaBeforeStartIsDropped(t *testing.T) {
	h := newHarness(Options{})
	sess := newSession(h.engine.now)
	c := &call{engine: h.engine, sess: sess, tel: h.tel, ctx: context.Background(), logger: h.engine.logger}
	if err := c.handleMedia(mediaEvent("early")); err != nil {
		t.Fatalf("media: %v", err)
	}
	if _, n, _ := h.up.snapshot(); n != 0 {
		t.Fatalf("audio must not be forwarded before start")
	}
}

func TestSpeakingStallIsReleased(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	sess := newSession(func() time.Time { return clock })
	sess.assistantAudio(clock, time.Second)
	if sess.releaseStalled(clock.Add(5*time.Second), 10*time.Second) {
		t.Fatalf("not stalled yet")
	}
	if !sess.releaseStalled(clock.Add(11*time.Second), 10*time.Second) || sess.Speaking() {
		t.Fatalf("stalled speaking flag should be cleared")
	}
}

func TestIdleRules(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	sess := newSession(func() time.Time { return clock })
	if sess.idle(clock.Add(time.Hour), time.Minute) {
		t.Fatalf("no audio seen yet, must not be idle")
	}
	sess.noteInboundAudio(clock)
	if !sess.idle(clock.Add(61*time.Second), time.Minute) {
		t.Fatalf("expected idle after silence")
	}
	sess.assistantAudio(clock.Add(30*time.Second), time.Second)
	if sess.idle(clock.Add(61*time.Second), time.Minute) {
		t.Fatalf("must not be idle while the assistant speaks")
	}
}

func TestRunEndsIdleCall(t *testing.T) {
	h := newHarness(Options{IdleTimeout: 40 * time.Millisecond, IdlePeriod: 10 * time.Millisecond})
	done := runAsync(h.engine, h.tel)
	h.tel.push(startEvent())
	h.tel.push(mediaEvent("hello"))
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, _, reason := h.up.snapshot(); reason != "idle timeout" {
		t.Fatalf("unexpected close reason %q", reason)
	}
}

func TestWatchdogSparesSpeakingAssistant(t *testing.T) {
	h := newHarness(Options{IdleTimeout: 20 * time.Millisecond, IdlePeriod: 5 * time.Millisecond, SpeakingStall: time.Minute})
	sess := newSession(time.Now)
	now := time.Now()
	sess.noteInboundAudio(now.Add(-time.Second))
	sess.assistantAudio(now, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c := &call{engine: h.engine, sess: sess, tel: h.tel, ctx: ctx, logger: h.engine.logger}
	if err := c.watchdog(); err != nil {
		t.Fatalf("watchdog must not fire while the assistant speaks, got %v", err)
	}

	sess.StopSpeaking()
	c.ctx = context.Background()
	if err := c.watchdog(); !errors.Is(err, errIdleTimeout) {
		t.Fatalf("expected idle timeout once quiet, got %v", err)
	}
}

func TestRunTransfersOnToolCall(t *testing.T) {
	h := newHarness(Options{})
	done := runAsync(h.engine, h.tel)
	h.tel.push(startEvent())
	waitFor(t, "session configured", func() bool {
		h.up.mu.Lock()
		defer h.up.mu.Unlock()
		return len(h.up.sessions) == 1
	})

	h.up.events <- realtime.ToolCall{Name: "other_tool"}
	h.up.events <- realtime.ToolCall{Name: realtime.TransferToolName, Arguments: map[string]any{"label": "Accounting"}}
	h.up.events <- realtime.ToolCall{Name: realtime.TransferToolName, Arguments: map[string]any{"label": "Sales "}}

	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.transfers.labels) != 1 || h.transfers.labels[0] != "Sales|" {
		t.Fatalf("unexpected transfers %v", h.transfers.labels)
	}
	cancels, _, reason := h.up.snapshot()
	if reason != "call transferred" || cancels != 1 {
		t.Fatalf("unexpected upstream state reason=%q cancels=%d", reason, cancels)
	}
}

func TestFailedTransferKeepsCallAlive(t *testing.T) {
	h := newHarness(Options{})
	h.transfers.err = errors.New("rejected")
	sess := newSession(h.engine.now)
	sess.setCallContext(callctx.CallContext{CallSID: "CA1", AccountPhone: "+15550100"})
	sess.setState(StateStreaming)
	c := &call{engine: h.engine, sess: sess, tel: h.tel, ctx: context.Background(), logger: h.engine.logger}

	transferred, err := c.handleUpstream(realtime.ToolCall{Name: realtime.TransferToolName, Arguments: map[string]any{"label": "sales"}})
	if err != nil || transferred {
		t.Fatalf("failed transfer must not end the call: %v %v", transferred, err)
	}
	if sess.State() != StateStreaming {
		t.Fatalf("unexpected state %s", sess.State())
	}

	h.transfers.err = nil
	transferred, _ = c.handleUpstream(realtime.ToolCall{Name: realtime.TransferToolName, Arguments: map[string]any{"label": "nobody", "number": "+15550009"}})
	if !transferred || h.transfers.labels[len(h.transfers.labels)-1] != "|+15550009" {
		t.Fatalf("unknown label with a number should dial the number, got %v", h.transfers.labels)
	}
}

func TestPersistAtMostOnce(t *testing.T) {
	h := newHarness(Options{})
	sess := newSession(h.engine.now)
	sess.setCallContext(callctx.CallContext{CallSID: "CA1"})
	c := &call{engine: h.engine, sess: sess, tel: h.tel, ctx: context.Background(), logger: h.engine.logger}

	c.persist(context.Background())
	if h.persister.count() != 0 {
		t.Fatalf("empty transcript must not be persisted")
	}

	sess.recorder.Add(transcript.Caller, "Hi")
	sess.recorder.Add(transcript.Assistant, "Hello")
	c.schedulePersist()
	c.persist(context.Background())
	h.engine.Wait()
	if h.persister.count() != 1 {
		t.Fatalf("expected exactly one persist, got %d", h.persister.count())
	}
}

func TestRunSurvivesMalformedFrames(t *testing.T) {
	h := newHarness(Options{})
	done := runAsync(h.engine, h.tel)
	h.tel.in <- readResult{err: twilio.ErrMalformedEvent}
	h.tel.push(startEvent())
	waitFor(t, "session configured", func() bool {
		h.up.mu.Lock()
		defer h.up.mu.Unlock()
		return len(h.up.sessions) == 1
	})
	h.up.events <- realtime.Unknown{Type: "rate_limits.updated"}
	h.up.events <- realtime.ErrorEvent{Code: "bad", Message: "oops"}
	h.up.events <- realtime.ResponseDone{Type: realtime.EventTypeResponseDone}
	h.tel.push(mediaEvent("still-here"))
	waitFor(t, "audio after bad frames", func() bool {
		_, n, _ := h.up.snapshot()
		return n == 1
	})
	h.tel.push(twilio.Event{Event: twilio.EventStop})
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunEndsWhenTelephonyDrops(t *testing.T) {
	h := newHarness(Options{})
	done := runAsync(h.engine, h.tel)
	h.tel.push(startEvent())
	waitFor(t, "session configured", func() bool {
		h.up.mu.Lock()
		defer h.up.mu.Unlock()
		return len(h.up.sessions) == 1
	})
	_ = h.tel.Close(1000, "")
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, _, reason := h.up.snapshot(); reason != "telephony closed" {
		t.Fatalf("unexpected close reason %q", reason)
	}
}

func TestRunReportsDialFailure(t *testing.T) {
	h := newHarness(Options{})
	h.engine.deps.Dial = func(ctx context.Context, model string, v voice.Voice) (Upstream, error) {
		return nil, errors.New("refused")
	}
	done := runAsync(h.engine, h.tel)
	h.tel.push(startEvent())
	if err := awaitRun(t, done); err == nil {
		t.Fatalf("expected dial failure")
	}
	select {
	case <-h.tel.closed:
	default:
		t.Fatalf("telephony must be closed on failure")
	}
}

func TestStateString(t *testing.T) {
	if StateAwaitingStart.String() != "awaiting_start" || StateTerminated.String() != "terminated" {
		t.Fatalf("unexpected state names")
	}
	s := newSession(time.Now)
	s.setState(StateTerminated)
	s.setState(StateStreaming)
	if s.State() != StateTerminated {
		t.Fatalf("terminated must be final")
	}
}

func TestTeardownPersistIsBounded(t *testing.T) {
	h := newHarness(Options{PersistTimeout: 50 * time.Millisecond})
	h.persister.block = true
	var logs syncBuffer
	h.engine.logger = slog.New(slog.NewTextHandler(&logs, nil))
	done := runAsync(h.engine, h.tel)

	h.tel.push(startEvent())
	waitFor(t, "session configured", func() bool {
		h.up.mu.Lock()
		defer h.up.mu.Unlock()
		return len(h.up.sessions) == 1
	})
	h.up.events <- realtime.CallerTranscript{Text: "Hi there."}
	h.up.events <- realtime.AssistantTranscript{Text: "Hello."}
	h.up.events <- realtime.AudioDelta{Payload: "after-transcript"}
	waitFor(t, "transcript recorded", func() bool {
		for _, p := range h.tel.payloads() {
			if p == "after-transcript" {
				return true
			}
		}
		return false
	})

	began := time.Now()
	_ = h.tel.Close(1000, "")
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("teardown took %s with a 50ms persist ceiling", elapsed)
	}
	h.persister.mu.Lock()
	errs := append([]error(nil), h.persister.errs...)
	h.persister.mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], context.DeadlineExceeded) {
		t.Fatalf("expected the save to hit its deadline, got %v", errs)
	}
	if !strings.Contains(logs.String(), "relay_persist_failed") {
		t.Fatalf("expected persist failure to be logged, got %s", logs.String())
	}
	ended := h.metrics.Named(metrics.CallEnded)
	if len(ended) != 1 || ended[0].Tags["reason"] != "telephony closed" {
		t.Fatalf("expected the call to end normally, got %+v", ended)
	}
}

func TestHeartbeatSendsEmptyMedia(t *testing.T) {
	h := newHarness(Options{HeartbeatInterval: 10 * time.Millisecond})
	done := runAsync(h.engine, h.tel)
	h.tel.push(startEvent())
	waitFor(t, "heartbeat frame", func() bool {
		h.tel.mu.Lock()
		defer h.tel.mu.Unlock()
		for _, m := range h.tel.sent {
			if m.payload == "" && m.streamSID == "MZ1" {
				return true
			}
		}
		return false
	})
	h.tel.push(twilio.Event{Event: twilio.EventStop})
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSendBacklogKeepsCallAlive(t *testing.T) {
	h := newHarness(Options{})
	done := runAsync(h.engine, h.tel)
	h.tel.push(startEvent())
	waitFor(t, "session configured", func() bool {
		h.up.mu.Lock()
		defer h.up.mu.Unlock()
		return len(h.up.sessions) == 1
	})
	h.tel.mu.Lock()
	h.tel.sendErr = twilio.ErrSendBacklog
	h.tel.mu.Unlock()

	h.up.events <- realtime.AudioDelta{Payload: "assistant-audio"}
	h.up.events <- realtime.ResponseDone{Type: realtime.EventTypeResponseDone}
	h.tel.push(mediaEvent("caller-audio"))
	waitFor(t, "caller audio after dropped playback", func() bool {
		_, n, _ := h.up.snapshot()
		return n == 1
	})
	h.tel.push(twilio.Event{Event: twilio.EventStop})
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if code, reason := h.tel.closedWith(); code != closeNormal || reason != "caller hangup" {
		t.Fatalf("unexpected telephony close %d %q", code, reason)
	}
}
