package transport

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

// GRPCServer implements the Server interface for gRPC transport. Services
// registered on it are guarded by the admission interceptors.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	address  string
	logger   *zap.Logger
	cfg      ServerConfig
	stopPoll context.CancelFunc
}

// NewGRPCServer creates a new gRPC server
func NewGRPCServer(cfg ServerConfig) *GRPCServer {
	gsrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryAdmissionInterceptor(cfg.Pipeline, cfg.Logger, healthServicePrefix)),
		grpc.ChainStreamInterceptor(StreamAdmissionInterceptor(cfg.Pipeline, cfg.Logger, healthServicePrefix)),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gsrv, hs)

	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Second
	}

	return &GRPCServer{
		server:   gsrv,
		health:   hs,
		address:  cfg.Address,
		logger:   cfg.Logger,
		cfg:      cfg,
		stopPoll: func() {},
	}
}

// RegisterService makes GRPCServer a grpc.ServiceRegistrar.
func (gs *GRPCServer) RegisterService(desc *grpc.ServiceDesc, impl any) {
	gs.server.RegisterService(desc, impl)
}

// Start starts the gRPC server
func (gs *GRPCServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", gs.address)
	if err != nil {
		gs.logger.Error("Failed to listen on address", zap.String("address", gs.address), zap.Error(err))
		return err
	}

	gs.logger.Info("Starting gRPC server", zap.String("address", gs.address))
	gs.Serve(listener)
	return nil
}

// Serve accepts connections on lis in the background.
func (gs *GRPCServer) Serve(lis net.Listener) {
	pollCtx, cancel := context.WithCancel(context.Background())
	gs.stopPoll = cancel

	gs.refreshHealth(pollCtx)
	go gs.pollHealth(pollCtx)

	go func() {
		if err := gs.server.Serve(lis); err != nil {
			gs.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the gRPC server
func (gs *GRPCServer) Stop(ctx context.Context) error {
	gs.logger.Info("Stopping gRPC server")
	gs.stopPoll()
	gs.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		gs.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		gs.server.Stop()
		return ctx.Err()
	}
}

// Addr returns the address the gRPC server is listening on
func (gs *GRPCServer) Addr() string {
	return gs.address
}

func (gs *GRPCServer) pollHealth(ctx context.Context) {
	ticker := time.NewTicker(gs.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gs.refreshHealth(ctx)
		}
	}
}

func (gs *GRPCServer) refreshHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := gs.cfg.Health.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		gs.logger.Warn("counter store unreachable", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	gs.health.SetServingStatus("", status)
}
