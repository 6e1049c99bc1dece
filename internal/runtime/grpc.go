package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the grpc.health.v1 service name tracking model readiness.
// The empty service name reports process liveness.
const HealthService = "whisperd.stt"

type grpcServer struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
	log    *slog.Logger
}

func newGRPCServer(cfg config.GRPCConfig, models *model.Manager, logger *slog.Logger) (*grpcServer, error) {
	addr := net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	g := &grpcServer{
		srv:    srv,
		health: hs,
		lis:    lis,
		log:    logger.With(slog.String("component", "grpc")),
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	models.Observe(g.setModelState)
	g.setModelState(models.State())
	return g, nil
}

func (g *grpcServer) setModelState(state model.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == model.Ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(HealthService, status)
}

func (g *grpcServer) Addr() string {
	return g.lis.Addr().String()
}

func (g *grpcServer) Serve() {
	g.log.Info("grpc server listening", slog.String("addr", g.Addr()))
	if err := g.srv.Serve(g.lis); err != nil && err != grpc.ErrServerStopped {
		g.log.Error("grpc server failed", slog.String("error", err.Error()))
	}
}

// Stop flips every service to NOT_SERVING so watchers see the shutdown,
// then drains in-flight RPCs.
func (g *grpcServer) Stop() {
	g.health.Shutdown()
	g.srv.GracefulStop()
}
