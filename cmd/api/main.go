// Command api runs one retail service, or all of them in one process, behind
// HTTP and gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"retailops.org/internal/config"
	"retailops.org/internal/grpcapi"
	"retailops.org/internal/httpapi"
	"retailops.org/internal/obs"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("RETAIL_CONFIG"), "path to the YAML config file")
	service := flag.String("service", "", "service to run: auth|outlet|product|pos|expense|all (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil && *service != "" {
		cfg.Service = *service
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := obs.Configure(os.Stdout, "retail-"+cfg.Service, cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(cfg.Service, version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	api, err := httpapi.New("retail-"+cfg.Service, version, a.probe, a.services)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv, health := grpcapi.NewServer(a.services.Guard, a.grpcPolicy, logger)
	if a.services.POS != nil {
		grpcapi.RegisterStockService(grpcSrv, a.services.POS)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range a.workers {
		g.Go(func() error { return w(gctx) })
	}
	g.Go(func() error {
		grpcapi.WatchReadiness(gctx, health, a.probe, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr, "service", cfg.Service, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
