package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/admission"
	"github.com/mohammadhprp/ratelimiting/internal/config"
	"github.com/mohammadhprp/ratelimiting/internal/counter"
	"github.com/mohammadhprp/ratelimiting/internal/metrics"
	"github.com/mohammadhprp/ratelimiting/internal/service"
	"github.com/mohammadhprp/ratelimiting/internal/storage"
	"github.com/mohammadhprp/ratelimiting/internal/transport"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.LoadDotEnv()

			cfg := config.Load()
			if rulesFile != "" {
				cfg.Rules.File = rulesFile
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := config.InitLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&rulesFile, "rules", "r", "", "rules file (overrides RULES_FILE)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Info("Starting request admission server",
		zap.String("version", Version),
		zap.String("address", cfg.ServerAddr()),
		zap.String("storage", cfg.Storage.Type),
	)

	rulesFile, err := config.LoadRules(cfg.Rules.File)
	if err != nil {
		return err
	}
	registry, err := rulesFile.Registry()
	if err != nil {
		return fmt.Errorf("invalid rules in %s: %w", cfg.Rules.File, err)
	}
	logger.Info("Loaded admission rules",
		zap.String("file", cfg.Rules.File),
		zap.Int("safelist", len(registry.Safelists())),
		zap.Int("blocklist", len(registry.Blocklists())),
		zap.Int("throttle", len(registry.Throttles())),
	)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	collector.MustRegister(reg)

	c := counter.New(store)
	pipeline := admission.NewPipeline(registry, c, logger, admission.WithMetrics(collector))

	base := transport.ServerConfig{
		Logger:       logger,
		Pipeline:     pipeline,
		Counter:      c,
		Health:       service.NewHealthService(store, logger),
		Gatherer:     reg,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	httpCfg := base
	httpCfg.Address = cfg.ServerAddr()
	servers := []transport.Server{transport.NewHTTPServer(httpCfg)}

	if cfg.GRPC.Port > 0 {
		grpcCfg := base
		grpcCfg.Address = cfg.GRPCAddr()
		servers = append(servers, transport.NewGRPCServer(grpcCfg))
	}

	for _, srv := range servers {
		if err := srv.Start(ctx); err != nil {
			return err
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.String("address", srv.Addr()), zap.Error(err))
			errs = append(errs, err)
		}
	}

	logger.Info("Servers stopped")
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		logger.Warn("Using in-memory counters; limits are not shared between instances")
		return storage.NewMemoryStore(), nil
	default:
		client, err := config.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Connected to Redis", zap.String("address", cfg.RedisAddr()))
		return storage.NewRedisStoreWithClient(client), nil
	}
}
