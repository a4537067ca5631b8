// Command gateway fronts the retail services. It relays bearer tokens,
// rate-limits per client and proxies by path prefix.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"retailops.org/internal/config"
	"retailops.org/internal/edge"
	"retailops.org/internal/obs"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("RETAIL_CONFIG"), "path to the YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	logger := obs.Configure(os.Stdout, "retail-gateway", cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo("gateway", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if len(cfg.Upstreams) == 0 {
		return errors.New("no upstreams configured: set gateway.upstreams or RETAIL_UPSTREAMS")
	}
	gw, err := edge.NewGateway(cfg.Upstreams, logger)
	if err != nil {
		return err
	}
	limiter := edge.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	if err := limiter.TrustProxies(cfg.TrustedProxies...); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler(gw, limiter),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("gateway listening", "addr", srv.Addr, "routes", gw.Prefixes())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handler serves the gateway's own probes and proxies everything else. Relay
// wraps the whole stack so every request, limited or not, carries the
// canonical bearer header.
func handler(proxy http.Handler, limiter *edge.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", obs.Handler())
	r.Handle("/*", limiter.Middleware(proxy))
	return edge.Relay(obs.Instrument(r))
}
