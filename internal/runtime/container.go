package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-ime/internal/bus"
	"github.com/loqalabs/loqa-ime/internal/capability"
	"github.com/loqalabs/loqa-ime/internal/capture"
	"github.com/loqalabs/loqa-ime/internal/config"
	"github.com/loqalabs/loqa-ime/internal/control"
	"github.com/loqalabs/loqa-ime/internal/engine"
	"github.com/loqalabs/loqa-ime/internal/eventstore"
	"github.com/loqalabs/loqa-ime/internal/natsserver"
	"github.com/loqalabs/loqa-ime/internal/session"
	"github.com/loqalabs/loqa-ime/internal/sink"
	"github.com/samber/do/v2"
)

// newContainer registers every runtime service. Optional services (bus,
// control, hub) resolve to nil when disabled.
func newContainer(ctx context.Context, cfg config.Config, logger *slog.Logger) do.Injector {
	injector := do.New()
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)

	do.Provide(injector, func(i do.Injector) (*natsserver.EmbeddedServer, error) {
		return natsserver.Start(cfg.Bus, logger.With(slog.String("component", "natsserver")))
	})

	do.Provide(injector, func(i do.Injector) (*bus.Client, error) {
		if !cfg.Bus.Enabled {
			return nil, nil
		}
		busCfg := cfg.Bus
		if srv := do.MustInvoke[*natsserver.EmbeddedServer](i); srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, err
		}
		if err := client.EnsureSessionStream(time.Duration(cfg.EventStore.RetentionDays) * 24 * time.Hour); err != nil {
			logger.Warn("session event stream unavailable", slogError(err))
		}
		return client, nil
	})

	do.Provide(injector, func(i do.Injector) (*eventstore.Store, error) {
		return eventstore.Open(ctx, cfg.EventStore, logger.With(slog.String("component", "eventstore")))
	})

	do.Provide(injector, func(i do.Injector) (capture.Source, error) {
		return capture.New(cfg.Capture, do.MustInvoke[*bus.Client](i), logger)
	})

	do.Provide(injector, func(i do.Injector) (engine.Loader, error) {
		return engine.New(cfg.Engine, cfg.Session.SampleRate, logger)
	})

	do.Provide(injector, func(i do.Injector) (*sink.Hub, error) {
		if !cfg.Sinks.WebSocket {
			return nil, nil
		}
		return sink.NewHub(logger), nil
	})

	do.Provide(injector, func(i do.Injector) (session.Sink, error) {
		var sinks session.MultiSink
		if cfg.Sinks.Log {
			sinks = append(sinks, sink.NewLog(logger))
		}
		if cfg.Sinks.Store {
			store := do.MustInvoke[*eventstore.Store](i)
			source := do.MustInvoke[capture.Source](i)
			loader := do.MustInvoke[engine.Loader](i)
			sinks = append(sinks, sink.NewStore(store, source.Name(), loader.Name(), logger))
		}
		if cfg.Sinks.Bus {
			if client := do.MustInvoke[*bus.Client](i); client != nil {
				sinks = append(sinks, sink.NewBus(client))
			}
		}
		if hub := do.MustInvoke[*sink.Hub](i); hub != nil {
			sinks = append(sinks, hub)
		}
		return sinks, nil
	})

	do.Provide(injector, func(i do.Injector) (*session.Coordinator, error) {
		return session.New(
			do.MustInvoke[capture.Source](i),
			do.MustInvoke[engine.Loader](i),
			do.MustInvoke[session.Sink](i),
			session.OptionsFromConfig(cfg.Session),
			logger,
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*control.Service, error) {
		client := do.MustInvoke[*bus.Client](i)
		if client == nil {
			return nil, nil
		}
		svc := control.NewService(client, do.MustInvoke[*session.Coordinator](i), startTimeout)
		if err := svc.Start(); err != nil {
			return nil, fmt.Errorf("start control service: %w", err)
		}
		return svc, nil
	})

	do.Provide(injector, func(i do.Injector) (*capability.Registry, error) {
		client := do.MustInvoke[*bus.Client](i)
		if client == nil {
			return nil, nil
		}
		coord := do.MustInvoke[*session.Coordinator](i)
		local := []capability.Capability{{
			Name: "dictation",
			Attributes: map[string]string{
				"engine":      do.MustInvoke[engine.Loader](i).Name(),
				"source":      do.MustInvoke[capture.Source](i).Name(),
				"sample_rate": strconv.Itoa(cfg.Session.SampleRate),
				"language":    cfg.Engine.Language,
			},
		}}
		return capability.NewRegistry(ctx, cfg.Node, client, local, func() string { return coord.State().String() }, logger)
	})

	return injector
}
