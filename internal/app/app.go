// Package app wires all gateway subsystems into a running process.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the listeners until the context ends, and
// Shutdown tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/libertycall/gateway/internal/asr"
	asrgoogle "github.com/libertycall/gateway/internal/asr/google"
	"github.com/libertycall/gateway/internal/call"
	"github.com/libertycall/gateway/internal/clients"
	"github.com/libertycall/gateway/internal/config"
	"github.com/libertycall/gateway/internal/esl"
	"github.com/libertycall/gateway/internal/ingress"
	"github.com/libertycall/gateway/internal/intent"
	"github.com/libertycall/gateway/internal/observe"
	"github.com/libertycall/gateway/internal/playback"
	"github.com/libertycall/gateway/internal/sessionlog"
)

// httpStopTimeout bounds graceful shutdown of one HTTP listener.
const httpStopTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	config  *config.Config
	sw      *esl.Client
	coord   *playback.Coordinator
	manager *call.Manager
	store   *sessionlog.Store
	pg      *sessionlog.PGSink
	rtp     *ingress.RTPListener
	initSrv *ingress.InitServer
	wsSrv   *http.Server
	admin   *http.Server
	log     *slog.Logger

	// closers run in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option adjusts construction, mostly for tests.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithMetricsRegisterer routes the Prometheus exporter's collectors to reg
// instead of the global registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates an App by wiring all subsystems. Initialisation is
// synchronous: metrics provider, optional Postgres sink, optional LLM
// assist, the speech provider, the softswitch connection and every
// listener. Nothing serves until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{config: cfg, log: slog.Default()}

	// Metrics and traces.
	shutdownObs, err := observe.InitProvider(ctx, observe.ProviderConfig{
		Registerer: o.registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	a.closers = append(a.closers, func() error {
		c, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
		defer cancel()
		return shutdownObs(c)
	})
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	// Session artifacts, plus the optional Postgres mirror.
	a.store = sessionlog.NewStore(cfg.Paths.SessionsRoot, a.log)
	if dsn := cfg.Sessions.PostgresDSN; dsn != "" {
		pg, err := sessionlog.NewPGSink(ctx, dsn, a.log)
		if err != nil {
			return nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		a.pg = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	}

	// Optional LLM-assisted template reranker.
	var assist *intent.Assist
	if name := cfg.Dialog.LLMAssist.Provider; name != "" {
		assist, err = intent.NewAssist(name, cfg.Dialog.LLMAssist.Model,
			cfg.Dialog.LLMAssist.APIKey, cfg.Dialog.LLMAssist.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: llm assist %q: %w", name, err)
		}
		a.log.Info("llm assist enabled", "provider", name, "model", cfg.Dialog.LLMAssist.Model)
	}

	// Speech recognition provider.
	var provider asr.Provider
	if cfg.ASR.StreamingEnabled {
		switch cfg.ASR.Provider {
		case "google", "":
			gp, err := asrgoogle.New(ctx, asrgoogle.Config{
				Language:        cfg.ASR.Language,
				PhraseHints:     cfg.ASR.PhraseHints,
				CredentialsPath: cfg.ASR.CredentialsPath,
			})
			if err != nil {
				return nil, fmt.Errorf("app: speech client: %w", err)
			}
			provider = gp
			a.closers = append(a.closers, gp.Close)
		default:
			return nil, fmt.Errorf("app: unknown asr provider %q", cfg.ASR.Provider)
		}
	} else {
		a.log.Warn("streaming recognition disabled, calls run on timers only")
	}

	// Softswitch command channel. Events flow back into the lifecycle
	// manager, which does not exist yet when dialling, hence the indirection.
	sw, err := esl.Dial(ctx, cfg.Switch.Addr, cfg.Switch.Password,
		esl.WithCommandTimeout(time.Duration(cfg.Switch.CommandTimeoutMs)*time.Millisecond),
		esl.WithLogger(a.log),
		esl.WithEventHandler(a.onSwitchEvent,
			"CHANNEL_EXECUTE_COMPLETE", "CHANNEL_HANGUP", "CHANNEL_HANGUP_COMPLETE"),
	)
	if err != nil {
		return nil, fmt.Errorf("app: connect softswitch: %w", err)
	}
	a.sw = sw
	a.closers = append(a.closers, sw.Close)

	a.coord = playback.NewCoordinator(sw, a.log)

	// Audio ingress, bound before the manager so the port map exists.
	rtp, err := ingress.NewRTPListener(cfg.Server.RTPPort, cfg.Paths.RTPInfoGlob,
		a.onAudioFrame, a.log)
	if err != nil {
		return nil, fmt.Errorf("app: rtp listener: %w", err)
	}
	a.rtp = rtp

	a.manager = call.NewManager(call.ManagerConfig{
		Cfg:         cfg,
		Switch:      sw,
		Coordinator: a.coord,
		Loader:      clients.NewLoader(cfg.Paths.ClientsRoot, cfg.Paths.ConfigRoot, a.log),
		Store:       a.store,
		PG:          a.pg,
		Provider:    provider,
		Metrics:     metrics,
		Assist:      assist,
		Ports:       rtp,
		Logger:      a.log,
	})

	initSrv, err := ingress.NewInitServer(cfg.Server.InitAddr, a.onControl, a.log)
	if err != nil {
		return nil, fmt.Errorf("app: init listener: %w", err)
	}
	a.initSrv = initSrv

	a.wsSrv = &http.Server{
		Addr:    cfg.Server.WSAddr,
		Handler: ingress.NewWSServer(a.onAudioFrame, a.log),
	}

	if cfg.Server.AdminAddr != "" {
		a.admin = &http.Server{
			Addr:    cfg.Server.AdminAddr,
			Handler: observe.AdminMux(a.healthCheckers()...),
		}
	}

	return a, nil
}

// Run serves every listener until ctx is cancelled, then returns the context
// error. Call Shutdown afterwards to release the subsystems.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.rtp.Run(ctx) })
	g.Go(func() error { return a.initSrv.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, a.wsSrv, "ws") })
	if a.admin != nil {
		g.Go(func() error { return serveHTTP(ctx, a.admin, "admin") })
	}
	g.Go(func() error {
		retention := time.Duration(a.config.Sessions.RetentionDays) * 24 * time.Hour
		a.store.Janitor(ctx, retention)
		return nil
	})

	a.log.Info("gateway running",
		"rtp_port", a.config.Server.RTPPort,
		"ws_addr", a.config.Server.WSAddr,
		"init_addr", a.config.Server.InitAddr,
		"admin_addr", a.config.Server.AdminAddr,
	)
	return g.Wait()
}

// Shutdown tears every live call down, then runs the closers in order. It
// respects the context deadline: remaining closers are skipped once it
// expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.manager.Registry().Len())
		a.manager.Shutdown()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// InitAddr reports the bound call-setup listener address, which differs
// from the configured one when an ephemeral port was requested.
func (a *App) InitAddr() string { return a.initSrv.Addr() }

// onControl dispatches one frame from the softswitch control socket.
func (a *App) onControl(ctx context.Context, req ingress.InitRequest) error {
	switch req.Op {
	case "hangup":
		return a.manager.OnHangup(req.CallID)
	case "transfer":
		return a.manager.OnTransfer(req.CallID)
	default:
		return a.manager.OnInit(ctx, req)
	}
}

func (a *App) onAudioFrame(callUUID string, payload []byte) {
	a.manager.OnAudioFrame(callUUID, payload)
}

func (a *App) onSwitchEvent(ev esl.Event) {
	a.manager.HandleEvent(ev)
}

// healthCheckers builds the readiness probes for the admin surface.
func (a *App) healthCheckers() []observe.Checker {
	return []observe.Checker{
		{
			Name: "switch",
			Check: func(ctx context.Context) error {
				_, err := a.sw.API(ctx, "status")
				return err
			},
		},
	}
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: %s listener: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
		defer cancel()
		if err := srv.Shutdown(stopCtx); err != nil {
			return fmt.Errorf("app: stop %s listener: %w", name, err)
		}
		return ctx.Err()
	}
}
