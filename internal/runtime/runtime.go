package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/bus"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/capability"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/eventstore"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/model"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/natsserver"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/protocol"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	pipeline *stt.Pipeline
	history  *eventstore.Store

	// closers run in reverse order on shutdown.
	closers []closer
	wg      sync.WaitGroup
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every configured component and blocks until ctx ends,
// then shuts them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.start(ctx); err != nil {
		cancel()
		shutdownErr := r.shutdown()
		return errors.Join(err, shutdownErr)
	}
	r.logger.Info("runtime started",
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("model", r.pipeline.Models().Path()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return r.shutdown()
}

func (r *Runtime) start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := SetupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.push("telemetry", shutdownTelemetry)

	history, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.history = history
	r.push("event store", func(context.Context) error { return history.Close() })
	r.goRun(func() { history.RunPruner(ctx, pruneInterval) })

	r.pipeline = BuildPipeline(r.cfg, history, r.logger)
	r.push("pipeline", func(context.Context) error {
		r.pipeline.Close()
		return nil
	})

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(metricsHandler); err != nil {
			return err
		}
	}

	if r.cfg.GRPC.Enabled {
		srv, err := newGRPCServer(r.cfg.GRPC, r.pipeline.Models(), r.logger)
		if err != nil {
			return err
		}
		r.goRun(srv.Serve)
		r.push("grpc", func(context.Context) error {
			srv.Stop()
			return nil
		})
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.push("embedded nats", func(context.Context) error {
			embedded.Shutdown()
			return nil
		})
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	r.push("bus", func(context.Context) error {
		client.Close()
		return nil
	})

	if busCfg.TranscriptStream != "" {
		maxAge := time.Duration(busCfg.StreamMaxAgeHrs) * time.Hour
		if err := client.EnsureStream(busCfg.TranscriptStream, []string{protocol.SubjectTranscriptFinal}, maxAge); err != nil {
			r.logger.Warn("failed to ensure transcript stream", slog.String("stream", busCfg.TranscriptStream), slog.String("error", err.Error()))
		}
	}

	models := r.pipeline.Models()
	registry, err := capability.NewRegistry(ctx, r.cfg.Node, client, map[string]string{
		"model":  models.Path(),
		"engine": r.cfg.Engine.Mode,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.push("capability registry", func(context.Context) error {
		registry.SetModelState(model.Unloaded.String())
		registry.Close()
		return nil
	})
	models.Observe(func(state model.State) { registry.SetModelState(state.String()) })
	registry.SetModelState(models.State().String())

	if r.cfg.STT.Enabled {
		svc := stt.NewService(ctx, r.cfg.STT, client, r.pipeline, r.logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start stt service: %w", err)
		}
		r.push("stt service", func(context.Context) error {
			svc.Close()
			return nil
		})
	}
	return nil
}

func (r *Runtime) startHTTP(metrics http.Handler) error {
	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	timeout := time.Duration(r.cfg.STT.RequestTimeoutMS) * time.Millisecond
	server := &http.Server{
		Handler:           newHTTPHandler(r.pipeline, r.history, metrics, timeout, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.goRun(func() {
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	})
	r.push("http", server.Shutdown)
	r.logger.Info("http server listening", slog.String("addr", lis.Addr().String()))
	return nil
}

func (r *Runtime) push(name string, fn func(context.Context) error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// shutdown runs closers newest first, so transports stop taking work
// before the pipeline drains and releases the model.
func (r *Runtime) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(shutdownCtx); err != nil {
			r.logger.Error("shutdown error", slog.String("component", c.name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	r.closers = nil
	r.wg.Wait()
	return errors.Join(errs...)
}
