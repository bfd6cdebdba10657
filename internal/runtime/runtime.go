package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/capability"
	"github.com/loqalabs/loqa-ime/internal/config"
	"github.com/loqalabs/loqa-ime/internal/control"
	"github.com/loqalabs/loqa-ime/internal/engine"
	"github.com/loqalabs/loqa-ime/internal/eventstore"
	"github.com/loqalabs/loqa-ime/internal/natsserver"
	"github.com/loqalabs/loqa-ime/internal/session"
	"github.com/loqalabs/loqa-ime/internal/sink"
	"github.com/samber/do/v2"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	// addr is set once the HTTP listener is bound.
	addr   atomic.Value
	bound  chan struct{}
	closed sync.Once
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		bound:  make(chan struct{}),
	}
}

// NewLogger builds the JSON logger used by the binaries.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Addr returns the bound HTTP address once Start has opened its listener.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Bound is closed when the HTTP listener is accepting connections.
func (r *Runtime) Bound() <-chan struct{} {
	return r.bound
}

// Start wires every service, serves HTTP until ctx is cancelled, then shuts
// everything down in reverse dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	injector := newContainer(ctx, r.cfg, r.logger)
	svc := &services{}
	defer r.shutdown(svc)

	if svc.server, err = do.Invoke[*natsserver.EmbeddedServer](injector); err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	if svc.bus, err = do.Invoke[*bus.Client](injector); err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	if svc.store, err = do.Invoke[*eventstore.Store](injector); err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	if svc.loader, err = do.Invoke[engine.Loader](injector); err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	if svc.hub, err = do.Invoke[*sink.Hub](injector); err != nil {
		return err
	}
	if svc.coord, err = do.Invoke[*session.Coordinator](injector); err != nil {
		return fmt.Errorf("failed to build session coordinator: %w", err)
	}
	if svc.control, err = do.Invoke[*control.Service](injector); err != nil {
		return err
	}
	if svc.registry, err = do.Invoke[*capability.Registry](injector); err != nil {
		return fmt.Errorf("failed to start node registry: %w", err)
	}
	hub, busClient := svc.hub, svc.bus

	a := &api{
		ctrl:    svc.coord,
		store:   svc.store,
		nodes:   svc.registry,
		metrics: metricsHandler,
		log:     r.logger.With(slog.String("component", "api")),
		ready: func() bool {
			return r.ready.Load() && (busClient == nil || busClient.Healthy())
		},
	}
	if hub != nil {
		a.events = hub
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	close(r.bound)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if hub != nil {
		hub.Close()
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

type services struct {
	server   *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	loader   engine.Loader
	hub      *sink.Hub
	coord    *session.Coordinator
	control  *control.Service
	registry *capability.Registry
}

// shutdown releases whatever was built, dependents first.
func (r *Runtime) shutdown(svc *services) {
	r.closed.Do(func() {
		if svc.registry != nil {
			svc.registry.Close()
		}
		if svc.control != nil {
			svc.control.Close()
		}
		if svc.coord != nil {
			svc.coord.Close()
		}
		if svc.hub != nil {
			svc.hub.Close()
		}
		if c, ok := svc.loader.(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("engine shutdown error", slog.String("error", err.Error()))
			}
		}
		if svc.store != nil {
			if err := svc.store.Close(); err != nil {
				r.logger.Warn("event store close error", slog.String("error", err.Error()))
			}
		}
		svc.bus.Close()
		svc.server.Shutdown()

		if r.tracerClose != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.tracerClose(ctx); err != nil {
				r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
			}
		}
	})
}
