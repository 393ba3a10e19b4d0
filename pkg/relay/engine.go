// Package relay bridges one telephony media stream to one realtime AI
// session for the life of a call.
package relay

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/cms"
	"github.com/harunnryd/switchboard/pkg/destinations"
	"github.com/harunnryd/switchboard/pkg/errorsx"
	"github.com/harunnryd/switchboard/pkg/metrics"
	"github.com/harunnryd/switchboard/pkg/realtime"
	"github.com/harunnryd/switchboard/pkg/transcript"
	"github.com/harunnryd/switchboard/pkg/transfer"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
	"github.com/harunnryd/switchboard/pkg/voice"
)

// Upstream is the realtime AI side of a call.
type Upstream interface {
	UpdateSession(cfg realtime.SessionConfig) error
	AppendAudio(payload string) error
	CancelResponse() error
	Events() iter.Seq2[realtime.Event, error]
	Close(code int, reason string) error
}

// DialFunc opens an upstream session for model and voice.
type DialFunc func(ctx context.Context, model string, v voice.Voice) (Upstream, error)

// Telephony is the caller side of a call.
type Telephony interface {
	ReadEvent() (twilio.Event, error)
	SendMedia(streamSID, payload string) error
	Clear(streamSID string) error
	Close(code int, reason string) error
}

type DestinationSource interface {
	Lookup(ctx context.Context, phone string) []destinations.Destination
	Find(ctx context.Context, phone, label string) (destinations.Destination, bool)
}

type ProfileSource interface {
	Lookup(ctx context.Context, phone string) (string, voice.Voice)
}

type Transferrer interface {
	Transfer(ctx context.Context, sess transfer.Session, label, number string) error
}

type Persister interface {
	SaveCall(ctx context.Context, rec cms.CallRecord) error
}

type Deps struct {
	Store        *callctx.Store
	Destinations DestinationSource
	Profiles     ProfileSource
	Dial         DialFunc
	Transfers    Transferrer
	Persister    Persister
	Metrics      metrics.Observer
	Logger       *slog.Logger
}

type Options struct {
	IdleTimeout time.Duration
	// IdlePeriod is how often the watchdog looks. Defaults to IdleTimeout.
	IdlePeriod         time.Duration
	HeartbeatInterval  time.Duration
	BargeInSuppress    time.Duration
	SpeakingStall      time.Duration
	PersistTimeout     time.Duration
	InitialSilence     time.Duration
	Temperature        float64
	TranscriptionModel string
	DedupeThreshold    float64
	Models             realtime.ModelSelector
	DefaultVoice       voice.Voice
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.IdlePeriod <= 0 {
		o.IdlePeriod = o.IdleTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.BargeInSuppress <= 0 {
		o.BargeInSuppress = time.Second
	}
	if o.SpeakingStall <= 0 {
		o.SpeakingStall = 10 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 20 * time.Second
	}
	if o.InitialSilence < 0 {
		o.InitialSilence = 0
	}
	if !voice.Valid(o.DefaultVoice) {
		o.DefaultVoice = voice.Default
	}
	return o
}

// Engine runs calls. One Engine serves every call in the process.
type Engine struct {
	deps       Deps
	opts       Options
	logger     *slog.Logger
	reconciler transcript.Reconciler
	now        func() time.Time
	background sync.WaitGroup
}

func New(deps Deps, opts Options) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = callctx.NewStore(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopObserver{}
	}
	return &Engine{
		deps:       deps,
		opts:       opts.withDefaults(),
		logger:     logger,
		reconciler: transcript.NewReconciler(opts.DedupeThreshold),
		now:        time.Now,
	}
}

func (e *Engine) record(name string, value float64, tags map[string]string, fields map[string]any) {
	e.deps.Metrics.RecordEvent(metrics.Event{Name: name, Time: e.now(), Value: value, Tags: tags, Fields: fields})
}

// Wait blocks until background persistence started by finished calls is
// done.
func (e *Engine) Wait() {
	e.background.Wait()
}

// Terminal conditions. Each ends the call's activity group.
var (
	errCallEnded       = errors.New("caller hangup")
	errIdleTimeout     = errors.New("idle timeout")
	errTransferred     = errors.New("call transferred")
	errTelephonyClosed = errors.New("telephony closed")
	errUpstreamClosed  = errors.New("upstream closed")
)

const (
	closeNormal      = 1000
	closeGoingAway   = 1001
	closeServerError = 1011
)

// closeReason maps why a call ended to the upstream close frame.
func closeReason(cause error) (int, string) {
	switch {
	case errors.Is(cause, errCallEnded):
		return closeNormal, "caller hangup"
	case errors.Is(cause, errIdleTimeout):
		return closeNormal, "idle timeout"
	case errors.Is(cause, errTransferred):
		return closeNormal, "call transferred"
	case errors.Is(cause, errTelephonyClosed):
		return closeNormal, "telephony closed"
	case errors.Is(cause, errUpstreamClosed):
		return closeNormal, "upstream closed"
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return closeGoingAway, "server shutdown"
	default:
		return closeServerError, "relay error"
	}
}

// Run relays one call until it ends. Expected endings return nil; transport
// failures are returned after teardown. Run never panics on peer input.
func (e *Engine) Run(ctx context.Context, tel Telephony) error {
	sess := newSession(e.now)
	g, gctx := errgroup.WithContext(ctx)
	c := &call{
		engine: e,
		sess:   sess,
		tel:    tel,
		group:  g,
		ctx:    gctx,
		logger: e.logger.With("trace_id", uuid.NewString()),
	}
	stopCloser := context.AfterFunc(gctx, func() {
		c.closeAll(context.Cause(gctx))
	})
	defer stopCloser()

	c.logger.Info("relay_call_accepted")
	g.Go(c.inbound)
	g.Go(c.heartbeat)
	g.Go(c.watchdog)

	err := g.Wait()
	cause := err
	if cause == nil {
		cause = context.Cause(gctx)
	}
	c.teardown(ctx, cause)

	switch {
	case err == nil,
		errors.Is(err, errCallEnded),
		errors.Is(err, errIdleTimeout),
		errors.Is(err, errTransferred),
		errors.Is(err, errTelephonyClosed),
		errors.Is(err, errUpstreamClosed):
		return nil
	default:
		return err
	}
}

// call binds one Session to its connections and activity group.
type call struct {
	engine *Engine
	sess   *Session
	tel    Telephony
	group  *errgroup.Group
	ctx    context.Context

	logMu  sync.Mutex
	logger *slog.Logger

	telOnce sync.Once
}

func (c *call) log() *slog.Logger {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	return c.logger
}

func (c *call) bindLogger(cc callctx.CallContext) {
	c.logMu.Lock()
	c.logger = c.logger.With("call_sid", cc.CallSID, "stream_sid", cc.StreamSID)
	c.logMu.Unlock()
}

// closeAll closes both sides. A failure on one side never skips the other.
func (c *call) closeAll(cause error) {
	code, reason := closeReason(cause)
	if up := c.sess.detachUpstream(); up != nil {
		if err := up.Close(code, reason); err != nil {
			c.log().Debug("relay_upstream_close_failed", "error", err)
		}
	}
	c.telOnce.Do(func() {
		if err := c.tel.Close(code, reason); err != nil {
			c.log().Debug("relay_telephony_close_failed", "error", err)
		}
	})
}

func (c *call) teardown(parent context.Context, cause error) {
	c.sess.setState(StateTerminated)
	c.closeAll(cause)
	c.persist(context.WithoutCancel(parent))

	_, reason := closeReason(cause)
	fragments := c.sess.recorder.Len()
	c.engine.record(metrics.CallEnded, c.engine.now().Sub(c.sess.startedAt).Seconds(),
		map[string]string{"reason": reason}, map[string]any{"fragments": fragments})
	attrs := []any{"reason", reason, "fragments", fragments}
	if code := errorsx.Reason(cause); code != errorsx.ReasonUnknown {
		attrs = append(attrs, "reason_code", string(code), "error", cause)
	}
	c.log().Info("relay_call_ended", attrs...)
}

// schedulePersist saves the transcript without holding up the call.
func (c *call) schedulePersist() {
	if c.sess.recorder.Len() == 0 {
		return
	}
	parent := context.WithoutCancel(c.ctx)
	c.engine.background.Add(1)
	go func() {
		defer c.engine.background.Done()
		c.persist(parent)
	}()
}

// persist saves the reconciled transcript at most once per call, bounded by
// PersistTimeout. Calls with nothing recorded are skipped.
func (c *call) persist(parent context.Context) {
	e := c.engine
	if e.deps.Persister == nil || c.sess.recorder.Len() == 0 || !c.sess.claimPersist() {
		return
	}
	cc := c.sess.CallContext()
	rec := cms.CallRecord{
		CallSID:    cc.CallSID,
		Prompt:     cc.Prompt,
		OwnerPhone: cc.AccountPhone,
		StartedAt:  c.sess.startedAt,
		Transcript: e.reconciler.Reconcile(c.sess.Transcript()),
	}
	ctx, cancel := context.WithTimeout(parent, e.opts.PersistTimeout)
	defer cancel()
	began := e.now()
	err := e.deps.Persister.SaveCall(ctx, rec)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	e.record(metrics.Persist, float64(e.now().Sub(began).Milliseconds()), map[string]string{"outcome": outcome}, nil)
	if err != nil {
		c.log().Error("relay_persist_failed",
			errorsx.ReasonAttr(err),
			"error", err,
		)
		return
	}
	c.log().Info("relay_persisted", "utterances", len(rec.Transcript))
}
