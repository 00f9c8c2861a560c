package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/caracal-dev/caracal/pkg/budget"
	"github.com/caracal-dev/caracal/pkg/charges"
	"github.com/caracal-dev/caracal/pkg/config"
	"github.com/caracal-dev/caracal/pkg/gateway"
	"github.com/caracal-dev/caracal/pkg/ledger"
	"github.com/caracal-dev/caracal/pkg/mandate"
	"github.com/caracal-dev/caracal/pkg/observability"
	"github.com/caracal-dev/caracal/pkg/principal"
)

// runServeCmd boots the gateway with every subsystem wired and blocks
// until SIGINT or SIGTERM.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		port    string
		dataDir string
	)
	cmd.StringVar(&port, "port", "", "Listen port (overrides PORT)")
	cmd.StringVar(&dataDir, "data", "", "Data directory (overrides CARACAL_DATA_DIR)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if port != "" {
		cfg.Port = port
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	initLogger(cfg.LogLevel)
	logger := slog.Default().With("component", "serve")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "Error: create data dir: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "caracal-core",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: init observability: %v\n", err)
		return 2
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	registry, err := principal.NewRegistry(filepath.Join(cfg.DataDir, "principals.json"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: open principal registry: %v\n", err)
		return 2
	}

	mandates, err := mandate.NewManager(filepath.Join(cfg.DataDir, "mandates.json"), registry)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open mandate store: %v\n", err)
		return 2
	}

	policies, err := budget.NewStore(filepath.Join(cfg.DataDir, "policies.json"), registry)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open policy store: %v\n", err)
		return 2
	}

	writer, err := ledger.NewWriter(filepath.Join(cfg.DataDir, "usage.log"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: open usage ledger: %v\n", err)
		return 2
	}
	if cfg.ArchivePath != "" {
		archive, aerr := ledger.OpenSQLArchive(cfg.ArchivePath)
		if aerr != nil {
			fmt.Fprintf(stderr, "Error: open ledger archive: %v\n", aerr)
			return 2
		}
		defer archive.Close()
		writer.WithArchive(archive)
	}
	query := ledger.NewQuery(filepath.Join(cfg.DataDir, "usage.log"))

	chargeMgr, err := charges.NewManager(
		filepath.Join(cfg.DataDir, "charges.json"),
		charges.WithMaxTTL(cfg.ChargeMaxTTL),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open charge store: %v\n", err)
		return 2
	}
	go charges.NewReaper(chargeMgr, time.Minute).Run(ctx)

	evaluator := budget.NewEvaluator(policies, query, chargeMgr)

	auth := gateway.NewAuthChain(
		gateway.NewMTLSAuthenticator(registry),
		gateway.NewJWTAuthenticator(registry),
		gateway.NewAPIKeyAuthenticator(registry),
	)

	var nonces gateway.NonceStore = gateway.NewMemoryNonceStore()
	if cfg.RedisAddr != "" {
		nonces = gateway.NewRedisNonceStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		logger.Info("replay nonce store: redis", "addr", cfg.RedisAddr)
	}

	gw := gateway.New(gateway.Deps{
		Auth:     auth,
		Mandates: mandates,
		Budget:   evaluator,
		Ledger:   writer,
		Charges:  chargeMgr,
		Replay:   gateway.NewReplayGuard(nonces),
	}, gateway.Config{
		UpstreamTimeout: cfg.UpstreamTimeout,
		CacheCapacity:   cfg.CacheCapacity,
		CacheTTL:        cfg.CacheTTL,
	})
	gw.WithMetrics(prometheus.NewRegistry())
	gw.WithObservability(obs)
	if cfg.RateLimitRPS > 0 {
		gw.WithRateLimiter(gateway.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Port, "data_dir", cfg.DataDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 2
		}
		fmt.Fprintln(stdout, "caracal stopped")
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(stderr, "Error: server: %v\n", err)
			return 2
		}
		return 0
	}
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
