package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"revenuechannels/native/lending"
)

const healthPollInterval = 15 * time.Second

// healthService reports the lending engine through the standard gRPC health
// protocol. The lending service turns NOT_SERVING while the module is paused
// or the protocol has no admin.
type healthService struct {
	server *grpc.Server
	health *health.Server
	engine *lending.Engine
	paused func() bool
	logger *slog.Logger
}

func newHealthService(engine *lending.Engine, paused func() bool, tlsCfg *tls.Config, logger *slog.Logger) *healthService {
	options := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	}
	if tlsCfg != nil {
		options = append(options, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	srv := grpc.NewServer(options...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &healthService{server: srv, health: hs, engine: engine, paused: paused, logger: logger}
}

func (h *healthService) status() healthpb.HealthCheckResponse_ServingStatus {
	if h.paused != nil && h.paused() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	settings, err := h.engine.Settings()
	if err != nil || settings.Admin == (common.Address{}) {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (h *healthService) refresh() {
	status := h.status()
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(lending.ModuleName, status)
}

// Serve blocks until the listener fails or ctx is cancelled.
func (h *healthService) Serve(ctx context.Context, lis net.Listener) error {
	h.refresh()
	go func() {
		ticker := time.NewTicker(healthPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.refresh()
			}
		}
	}()
	h.logger.Info("health listener started", "address", lis.Addr().String())
	return h.server.Serve(lis)
}

func (h *healthService) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
