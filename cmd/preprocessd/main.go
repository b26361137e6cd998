package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/core"
	"github.com/joseph-ayodele/agro-preprocess/internal/ingest"
	"github.com/joseph-ayodele/agro-preprocess/internal/objectstore"
	svc "github.com/joseph-ayodele/agro-preprocess/internal/server"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(2)
	}
	logger := common.NewLogger(cfg.Log)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	addr := cfg.Server.GRPCAddr
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := svc.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		os.Exit(1)
	}
	defer db.Close()

	store, err := objectstore.NewMinioGateway(objectstore.MinioConfig{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Secure:    cfg.ObjectStore.Secure,
	}, logger)
	if err != nil {
		logger.Error("failed to create object store client", "error", err)
		os.Exit(1)
	}
	if err := objectstore.EnsureBuckets(ctx, store, logger, cfg.ObjectStore.RawBucket, cfg.ObjectStore.TilesBucket); err != nil {
		logger.Error("failed to prepare buckets", "error", err)
		os.Exit(1)
	}

	processor, err := core.NewProcessor(db, store, cfg, logger)
	if err != nil {
		logger.Error("failed to build processor", "error", err)
		os.Exit(1)
	}
	if _, err := processor.Recover(ctx); err != nil {
		os.Exit(1)
	}

	watchDone := make(chan struct{})
	if cfg.Ingest.Dir != "" {
		ing, err := ingest.New(processor.Service, processor.Files, ingest.Config{
			Root:           cfg.Ingest.Dir,
			SkipHidden:     true,
			DefaultParcel:  cfg.Ingest.DefaultParcel,
			DefaultMission: cfg.Ingest.DefaultMission,
		}, logger)
		if err != nil {
			logger.Error("invalid ingest configuration", "error", err)
			os.Exit(2)
		}
		go func() {
			defer close(watchDone)
			if err := ing.Watch(ctx, ingest.WatchConfig{InitialScan: true, Debounce: cfg.Ingest.Debounce}); err != nil {
				logger.Error("ingest watcher stopped", "error", err)
			}
		}()
	} else {
		close(watchDone)
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", addr, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(svc.UnaryLogging(logger)))
	svc.RegisterPreprocessServiceServer(grpcServer, svc.NewPreprocessServer(processor.Service, processor.Export, logger))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(svc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	logger.Info("agro-preprocess listening", "addr", addr)
	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("gRPC serve error", "error", err)
		}
	}

	healthServer.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	stop()
	select {
	case <-watchDone:
	case <-shutdownCtx.Done():
	}
	processor.Shutdown(shutdownCtx)
	logger.Info("agro-preprocess stopped")
}
