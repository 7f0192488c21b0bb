// Package app wires all voicebridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the bridge session and the operational HTTP
// server, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithGateway, WithTransport, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hirevox/voicebridge/internal/binder"
	"github.com/hirevox/voicebridge/internal/capture"
	"github.com/hirevox/voicebridge/internal/conference"
	"github.com/hirevox/voicebridge/internal/config"
	"github.com/hirevox/voicebridge/internal/health"
	"github.com/hirevox/voicebridge/internal/observe"
	"github.com/hirevox/voicebridge/internal/session"
	"github.com/hirevox/voicebridge/internal/transport"
	"github.com/hirevox/voicebridge/pkg/audio"
)

// readHeaderTimeout bounds slow-header clients on the operational server.
const readHeaderTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the bridge.
type App struct {
	cfg        *config.Config
	configPath string

	// Subsystems — initialised in New, torn down in Shutdown.
	gateway conference.Gateway
	tr      session.Transport
	encoder *capture.Encoder
	binder  *binder.Binder
	session *session.Session
	watcher *config.Watcher
	metrics *observe.Metrics
	level   *slog.LevelVar
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGateway injects a conference gateway instead of creating a pion one.
func WithGateway(gw conference.Gateway) Option {
	return func(a *App) { a.gateway = gw }
}

// WithTransport injects a backend transport instead of dialing the
// configured URL.
func WithTransport(tr session.Transport) Option {
	return func(a *App) { a.tr = tr }
}

// WithMetrics injects a metrics set instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar injects the process log level variable so config hot
// reloads can adjust it.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. configPath enables
// hot reloading of the runtime-adjustable settings; pass "" to disable the
// watcher. Use Option functions to inject test doubles for any subsystem.
func New(cfg *config.Config, configPath string, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		configPath: configPath,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.gateway == nil {
		gw, err := conference.NewPionGateway(conference.Config{
			STUNServers: cfg.Conference.STUNServers,
		})
		if err != nil {
			return nil, fmt.Errorf("app: init gateway: %w", err)
		}
		a.gateway = gw
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return gw.Close(ctx)
		})
	}

	a.encoder = capture.New(capture.Config{
		SourceRate:     cfg.Capture.SourceRate,
		TargetRate:     cfg.Capture.TargetRate,
		FrameSamples:   cfg.Capture.FrameSamples,
		Threshold:      cfg.Capture.Threshold,
		KeepAliveEvery: cfg.Capture.KeepAliveEvery,
		ResetAfter:     cfg.Capture.ResetAfter,
		IdleTimeout:    cfg.Capture.IdleTimeout,
	})
	a.closers = append(a.closers, func() error {
		a.encoder.Close()
		// Release frames still buffered after the session stopped consuming.
		audio.Drain(a.encoder.Frames())
		return nil
	})

	if a.tr == nil {
		a.tr = transport.New(cfg.Backend.URL, transport.ReconnectPolicy{
			Base:        cfg.Reconnect.BaseDelay,
			Factor:      cfg.Reconnect.Factor,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			Jitter:      cfg.Reconnect.Jitter,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		}, transport.WithMetrics(a.metrics))
	}

	bnd, err := binder.New(binder.Config{
		Gateway: a.gateway,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init binder: %w", err)
	}
	a.binder = bnd

	ses, err := session.New(session.Config{
		Transport:    a.tr,
		Gateway:      a.gateway,
		Binder:       bnd,
		Encoder:      a.encoder,
		Metrics:      a.metrics,
		PingInterval: cfg.Backend.PingInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.session = ses

	if configPath != "" {
		w, err := config.NewWatcher(configPath, a.onConfigChange)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// Session exposes the bridge session, e.g. for operator endpoints.
func (a *App) Session() *session.Session { return a.session }

// buildMux assembles the operational HTTP surface: health probes, metrics,
// the status snapshot, operator controls, and the WebRTC signaling
// endpoints.
func (a *App) buildMux() http.Handler {
	hh := health.New(
		health.Checker{Name: "backend", Check: a.checkBackend},
		health.Checker{Name: "sender", Check: a.checkSender},
	)
	hh.SetStatus(func() any { return a.session.Status() })

	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/session/start", a.handleForceStart)
	a.registerSignaling(mux)

	return observe.Middleware(a.metrics)(mux)
}

// handleForceStart starts the conversation on operator request, skipping
// the speech and timeout triggers. Idempotent: the session sends
// force_start at most once.
func (a *App) handleForceStart(w http.ResponseWriter, _ *http.Request) {
	a.session.ForceStart("")
	w.WriteHeader(http.StatusAccepted)
}

// checkBackend reports readiness of the backend link.
func (a *App) checkBackend(context.Context) error {
	if st := a.tr.State(); st != transport.StateConnected {
		return fmt.Errorf("backend %s", st)
	}
	return nil
}

// checkSender reports readiness of the outbound sender binding.
func (a *App) checkSender(context.Context) error {
	if a.binder.State() == binder.Unbound {
		return errors.New("sender unbound")
	}
	return nil
}

// onConfigChange applies the runtime-adjustable subset of a reloaded
// config. Everything else requires a restart and is logged as such.
func (a *App) onConfigChange(old, next *config.Config) {
	diff := config.Diff(old, next)
	if diff.Empty() {
		slog.Debug("config reloaded with no runtime-adjustable changes")
		return
	}

	if diff.ThresholdChanged {
		a.session.SetThreshold(diff.NewThreshold)
		slog.Info("capture threshold updated", "threshold", diff.NewThreshold)
	}
	if diff.LogLevelChanged {
		if a.level != nil {
			a.level.Set(diff.NewLogLevel.Slog())
			slog.Info("log level updated", "level", diff.NewLogLevel)
		} else {
			slog.Warn("log level changed but no level variable is wired", "level", diff.NewLogLevel)
		}
	}
	if diff.PingIntervalChanged {
		slog.Warn("backend.ping_interval changed; restart to apply")
	}
}

// Run starts the operational HTTP server and the bridge session, and
// blocks until the session ends or ctx is cancelled. A clean
// backend-initiated end returns nil.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- a.session.Run(ctx) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case err := <-sessionDone:
		if err != nil {
			return fmt.Errorf("app: session: %w", err)
		}
		if reason, canRejoin := a.session.EndReason(); reason != "" {
			slog.Info("bridge session finished", "reason", reason, "can_rejoin", canRejoin)
		}
		return nil
	case <-ctx.Done():
		<-sessionDone
		return ctx.Err()
	}
}

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
