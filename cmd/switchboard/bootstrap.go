package main

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/cms"
	"github.com/harunnryd/switchboard/pkg/config"
	"github.com/harunnryd/switchboard/pkg/destinations"
	"github.com/harunnryd/switchboard/pkg/logging"
	"github.com/harunnryd/switchboard/pkg/metrics"
	"github.com/harunnryd/switchboard/pkg/realtime"
	"github.com/harunnryd/switchboard/pkg/relay"
	"github.com/harunnryd/switchboard/pkg/resilience"
	"github.com/harunnryd/switchboard/pkg/runner"
	"github.com/harunnryd/switchboard/pkg/server"
	"github.com/harunnryd/switchboard/pkg/transfer"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
	"github.com/harunnryd/switchboard/pkg/voice"
)

const initialSilence = 300 * time.Millisecond

type app struct {
	store   *callctx.Store
	dests   *destinations.Cache
	metrics *metrics.AsyncObserver
	server  *server.Server
	runner  *runner.LifecycleRunner
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	store := callctx.NewStore(cfg.CallCtx.MaxAge())
	defaultVoice := voice.Normalize(cfg.Voice.Default, voice.Default)

	cmsClient := cms.New(cms.Config{
		BaseURL:          cfg.CMS.BaseURL,
		APIUser:          cfg.CMS.APIUser,
		APIPassword:      cfg.CMS.APIPassword,
		Timeout:          cfg.CMS.Timeout(),
		CircuitThreshold: cfg.CMS.CircuitThreshold,
		CircuitCooldown:  cfg.CMS.CircuitCooldown(),
		Logger:           logging.NewComponentLogger(logger, "cms"),
	})
	profiles := cms.Profiles{
		Source:        cmsClient,
		DefaultPrompt: cfg.Server.DefaultPrompt,
		DefaultVoice:  defaultVoice,
		Logger:        logging.NewComponentLogger(logger, "profiles"),
	}

	dests, err := destinations.NewCache(cmsClient, destinations.Options{
		TTL:         cfg.Destinations.TTL(),
		FuzzyCutoff: cfg.Destinations.FuzzyCutoff,
		MaxAccounts: cfg.Destinations.MaxAccounts,
		Logger:      logging.NewComponentLogger(logger, "destinations"),
	})
	if err != nil {
		return nil, err
	}

	var updater twilio.CallUpdater
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		updater, err = twilio.NewCallUpdater(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
		if err != nil {
			dests.Close()
			return nil, err
		}
	} else {
		logger.Warn("transfers_disabled", "reason", "twilio credentials not configured")
	}

	var transfers relay.Transferrer
	if updater != nil {
		transfers = transfer.NewController(updater, store, transfer.Options{
			PublicHost:   cfg.Server.PublicHost,
			FallbackHost: cfg.Server.FallbackHost,
			Logger:       logging.NewComponentLogger(logger, "transfer"),
		})
	}

	var observer metrics.Observer = metrics.NoopObserver{}
	var async *metrics.AsyncObserver
	if cfg.Metrics.Enabled {
		async = metrics.NewAsyncObserver(metrics.NewLogObserver(logging.NewComponentLogger(logger, "metrics")), cfg.Metrics.Buffer)
		observer = async
	}

	dialer := realtime.Dialer{
		URL:    cfg.Realtime.URL,
		APIKey: cfg.Realtime.APIKey,
		Retry:  resilience.NewRetryPolicy(cfg.Realtime.DialRetries, cfg.Realtime.DialBackoff()),
	}
	engine := relay.New(relay.Deps{
		Store:        store,
		Destinations: dests,
		Profiles:     profiles,
		Dial: func(ctx context.Context, model string, v voice.Voice) (relay.Upstream, error) {
			conn, err := dialer.Dial(ctx, model, v)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Transfers: transfers,
		Persister: cmsClient,
		Metrics:   observer,
		Logger:    logging.NewComponentLogger(logger, "relay"),
	}, relay.Options{
		IdleTimeout:        cfg.Relay.IdleTimeout(),
		HeartbeatInterval:  cfg.Relay.Heartbeat(),
		BargeInSuppress:    cfg.Relay.BargeInSuppress(),
		SpeakingStall:      cfg.Relay.SpeakingStall(),
		PersistTimeout:     cfg.Relay.PersistTimeout(),
		InitialSilence:     initialSilence,
		Temperature:        cfg.Realtime.Temperature,
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
		DedupeThreshold:    cfg.Transcript.DedupeThreshold,
		Models: realtime.ModelSelector{
			Full:       cfg.Realtime.FullModel,
			Light:      cfg.Realtime.LightModel,
			LightVoice: voice.Normalize(cfg.Realtime.LightVoice, voice.Alloy),
		},
		DefaultVoice: defaultVoice,
	})

	var signatures *twilio.SignatureValidator
	if cfg.Server.ValidateSignatures {
		signatures = &twilio.SignatureValidator{AuthToken: cfg.Twilio.AuthToken, PublicURL: cfg.Server.PublicHost}
	}
	srv := server.New(server.Deps{
		Calls:     engine,
		Store:     store,
		Profiles:  profiles,
		Greetings: cmsClient,
		Redirector: transfer.Redirector{
			Destinations: dests,
			Logger:       logging.NewComponentLogger(logger, "redirect"),
		},
		Logger: logging.NewComponentLogger(logger, "server"),
	}, server.Options{
		Addr:         cfg.Server.Addr,
		Signatures:   signatures,
		DrainTimeout: cfg.Server.DrainTimeout(),
	})

	a := &app{store: store, dests: dests, metrics: async, server: srv}
	hooks := runner.Hooks{
		OnStart: func(ctx context.Context) error {
			if err := srv.Start(ctx); err != nil {
				return err
			}
			go store.RunSweeper(ctx, cfg.CallCtx.SweepInterval())
			logger.Info("switchboard_ready",
				"addr", cfg.Server.Addr,
				"public_host", cfg.Server.PublicHost,
				"default_voice", defaultVoice.String(),
				"transfers", transfers != nil,
			)
			return nil
		},
		OnStop: func() {
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", srv.Active())
		},
	}
	// Must outlast the server drain plus a final transcript save.
	a.runner = runner.NewLifecycleRunner(srv, hooks, cfg.Server.DrainTimeout()+cfg.Relay.PersistTimeout()+5*time.Second)
	return a, nil
}

func (a *app) Runner() *runner.LifecycleRunner { return a.runner }

func (a *app) Close() {
	a.dests.Close()
	a.metrics.Close()
}
