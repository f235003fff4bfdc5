package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"spacetime-relay/internal/cache"
	relaynet "spacetime-relay/internal/net"
	"spacetime-relay/internal/net/ws"
	"spacetime-relay/internal/relay"
	"spacetime-relay/internal/telemetry"
	"spacetime-relay/internal/upstream"
	"spacetime-relay/logging"
	loggingSinks "spacetime-relay/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

// Run starts the relay and blocks until ctx is cancelled or a component
// fails. A spent upstream retry budget only stops the relay when
// Upstream.ExitOnFailure is set.
func Run(ctx context.Context, cfg Config) (err error) {
	telemetryLogger := telemetry.DefaultLogger(cfg.Logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	router, err := newRouter(cfg.Logging, cfg.Upstream.Module, fallbackLogger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, router.Close(closeCtx))
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewPrometheusMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	entities := cache.New()
	sessions := ws.NewRegistry(ws.RegistryConfig{
		Logger:    telemetryLogger,
		Publisher: router,
		Metrics:   metrics,
	})

	link := upstream.NewLink(upstream.Config{
		URL:            cfg.UpstreamURL(),
		Module:         cfg.Upstream.Module,
		InitialQuery:   cfg.Upstream.InitialQuery,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		Retry:          cfg.RetryPolicy(),
		Logger:         telemetryLogger,
		Publisher:      router,
		Metrics:        metrics,
	}, upstream.WebsocketDialer{
		CallTimeout: cfg.Upstream.CallTimeout,
		Logger:      telemetryLogger,
	})
	events, err := link.Subscribe(cfg.Upstream.Table)
	if err != nil {
		return err
	}

	core := relay.NewCore(entities, sessions, link, relay.Config{
		Logger:    telemetryLogger,
		Publisher: router,
		Metrics:   metrics,
	})

	wsHandler := ws.NewHandler(core, ws.HandlerConfig{
		Logger:          telemetryLogger,
		Publisher:       router,
		Metrics:         metrics,
		MaxMessageBytes: cfg.Sessions.MaxMessageBytes,
		Session: ws.SessionConfig{
			SendQueue:   cfg.Sessions.SendQueue,
			WriteWait:   cfg.Sessions.WriteWait,
			IntentRate:  cfg.Sessions.IntentRate,
			IntentBurst: cfg.Sessions.IntentBurst,
		},
	})
	handler := relaynet.NewHTTPHandler(http.HandlerFunc(wsHandler.Handle), core, relaynet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Observability: cfg.Observability,
		Gatherer:      registry,
	})

	listener := cfg.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
		}
	}
	srv := &http.Server{Handler: handler}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := link.Run(groupCtx)
		switch {
		case errors.Is(err, upstream.ErrRetriesExhausted):
			if cfg.Upstream.ExitOnFailure {
				return err
			}
			telemetryLogger.Printf("upstream link stopped, continuing without it: %v", err)
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	})

	group.Go(func() error {
		if err := core.Run(groupCtx, events); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		telemetryLogger.Printf("relay listening on %s", listener.Addr())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, session := range sessions.Sessions() {
			session.Close("relay shutting down")
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return multierr.Append(fmt.Errorf("server shutdown: %w", err), srv.Close())
		}
		return nil
	})

	return group.Wait()
}

// newRouter builds the event router. Every event is stamped with the
// upstream module it concerns.
func newRouter(cfg LoggingConfig, module string, fallback *log.Logger) (*logging.Router, error) {
	severity, err := logging.ParseSeverity(cfg.MinSeverity)
	if err != nil {
		return nil, err
	}
	logConfig := logging.DefaultConfig()
	logConfig.MinimumSeverity = severity
	logConfig.Fields = map[string]any{"module": module}

	sinks := []logging.NamedSink{{Name: "console", Sink: loggingSinks.NewConsole(os.Stdout)}}
	if cfg.JSONPath != "" {
		file, err := os.OpenFile(cfg.JSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open json log %s: %w", cfg.JSONPath, err)
		}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(file, logConfig.JSONFlushInterval)})
	}

	return logging.NewRouter(clock.New(), logConfig, fallback, sinks), nil
}
