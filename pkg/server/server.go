// Package server exposes the call webhooks and the media stream endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/relay"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
	"github.com/harunnryd/switchboard/pkg/voice"
)

const (
	PathIncomingCall = "/incoming-call"
	PathMediaStream  = "/media-stream"
	PathRedirect     = "/redirecting-call"
	PathInitialAudio = "/initial-audio/"
)

// CallRunner runs one call over an accepted media stream.
type CallRunner interface {
	Run(ctx context.Context, tel relay.Telephony) error
	Wait()
}

type ProfileSource interface {
	Lookup(ctx context.Context, phone string) (string, voice.Voice)
}

type GreetingSource interface {
	GreetingAudio(ctx context.Context, phone string) ([]byte, error)
}

type Deps struct {
	Calls      CallRunner
	Store      *callctx.Store
	Profiles   ProfileSource
	Greetings  GreetingSource
	Redirector http.Handler
	Logger     *slog.Logger
}

type Options struct {
	Addr string
	// Signatures, when set, guards the provider webhooks.
	Signatures     *twilio.SignatureValidator
	AllowedOrigins []string
	DrainTimeout   time.Duration
}

type Server struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	draining atomic.Bool
	active   atomic.Int64
	calls    sync.WaitGroup
}

func New(deps Deps, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":5050"
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		upgrader: twilio.NewUpgrader(opts.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleIndex)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle(PathIncomingCall, s.signed(http.HandlerFunc(s.handleIncomingCall)))
	mux.HandleFunc(PathMediaStream, s.handleMediaStream)
	if s.deps.Redirector != nil {
		mux.Handle(PathRedirect, s.signed(s.deps.Redirector))
	}
	mux.HandleFunc(PathInitialAudio+"{phone}", s.handleInitialAudio)
	return mux
}

func (s *Server) signed(h http.Handler) http.Handler {
	if s.opts.Signatures == nil {
		return h
	}
	return s.opts.Signatures.Require(h)
}

// Start binds the listener and serves in the background until Drain or
// Stop. ctx only bounds the bind; live calls are not tied to it.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server_error", "error", err.Error())
		}
	}()
	s.logger.Info("server_listening", "addr", ln.Addr().String())
	return nil
}

// Drain refuses new calls and waits for live ones to finish, up to the
// drain timeout. Remaining calls are then cut off by Stop.
func (s *Server) Drain() error {
	s.refuse()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
	defer cancel()
	if !s.WaitForEmpty(ctx, 200*time.Millisecond) {
		s.logger.Warn("server_drain_timeout", "active_calls", s.active.Load())
	}
	return s.Stop()
}

// Stop closes the listener and ends every live call, then waits for each
// call's teardown and any transcript save still in flight.
func (s *Server) Stop() error {
	s.refuse()
	s.cancel()
	var err error
	if s.server != nil {
		err = s.server.Close()
	}
	s.calls.Wait()
	if s.deps.Calls != nil {
		s.deps.Calls.Wait()
	}
	return err
}

// admit registers a new call unless the server is draining. Admission and
// refuse share mu so no call slips in after Stop starts waiting.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining.Load() || s.deps.Calls == nil {
		return false
	}
	s.active.Add(1)
	s.calls.Add(1)
	return true
}

func (s *Server) release() {
	s.active.Add(-1)
	s.calls.Done()
}

func (s *Server) refuse() {
	s.mu.Lock()
	s.draining.Store(true)
	s.mu.Unlock()
}

// Active is the number of calls being relayed.
func (s *Server) Active() int64 {
	return s.active.Load()
}

func (s *Server) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s.active.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
