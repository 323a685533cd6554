package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/trackshift/platform/converter/internal/api"
	"github.com/trackshift/platform/converter/internal/audit"
	"github.com/trackshift/platform/converter/internal/config"
	"github.com/trackshift/platform/converter/internal/connectors"
	"github.com/trackshift/platform/converter/internal/convert"
	"github.com/trackshift/platform/converter/internal/dlp"
	"github.com/trackshift/platform/converter/internal/metrics"
	"github.com/trackshift/platform/converter/internal/native"
	"github.com/trackshift/platform/converter/internal/pool"
)

const (
	metricsNamespace = "ifcglb"
	healthService    = "ifcglb.Converter"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("converter exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	invoker, err := native.New(cfg.NativeMode, cfg.ConverterBin)
	switch {
	case errors.Is(err, native.ErrUnavailable) && cfg.NativeMode == native.ModeLibrary:
		// keep serving /health; conversions fail until the library is present
		log.Warn().Err(err).Msg("native converter library not loaded")
	case err != nil:
		return fmt.Errorf("native converter: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(metricsNamespace, reg)

	workers := pool.New(pool.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		PanicHandler: func(v any) {
			log.Error().Interface("panic", v).Msg("native call panicked")
		},
	})
	defer workers.Close()
	metrics.RegisterPoolGauges(metricsNamespace, reg,
		func() float64 { return float64(workers.Stats().Active) },
		func() float64 { return float64(workers.Stats().Waiting) },
	)

	publisher := connectors.NewPublisher(connectors.LoadFromEnv(ctx, log.Logger), connectors.StrictFromEnv(), log.Logger)
	if n := publisher.Len(); n > 0 {
		log.Info().Int("connectors", n).Msg("artifact replication enabled")
	}
	opts := []convert.Option{
		convert.WithMetrics(collector),
		convert.WithPublisher(publisher),
	}
	if scanner := dlp.NewRuleScannerFromEnv(); scanner != nil {
		log.Info().Bool("enforced", scanner.Enforced()).Msg("upload content screening enabled")
		opts = append(opts, convert.WithScanner(scanner))
	}
	if cfg.PostgresDSN != "" {
		ledger, err := audit.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open audit ledger: %w", err)
		}
		defer ledger.Close()
		opts = append(opts, convert.WithRecorder(ledger))
	}

	svc, err := convert.NewService(convert.Config{
		InputDir:       cfg.InputDir,
		OutputDir:      cfg.OutputDir,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		NativeTimeout:  cfg.NativeTimeout,
	}, invoker, workers, opts...)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.InputDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr(),
		Handler: api.NewRouter(ctx, api.Config{
			Converter:      svc,
			Logger:         log.Logger,
			Gatherer:       reg,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Str("native_mode", cfg.NativeMode).
			Int("workers", cfg.Workers).
			Int64("max_upload_mb", cfg.MaxUploadMB).
			Msg("converter HTTP listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCBind != "" {
		addr := sanitizeListenAddr(cfg.GRPCBind)
		if addr != cfg.GRPCBind {
			log.Warn().
				Str("raw", cfg.GRPCBind).
				Str("sanitized", addr).
				Msg("sanitized GRPC_BIND; remove inline comments from address")
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		grpcServer = grpc.NewServer()
		healthServer := health.NewServer()
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		reflection.Register(grpcServer)
		go func() {
			log.Info().Str("addr", addr).Msg("converter gRPC health listening")
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		defer healthServer.Shutdown()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("converter stopped")
	return nil
}

func setLogLevel(raw string) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", raw).Msg("unknown LOG_LEVEL, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// sanitizeListenAddr trims whitespace and inline comments so values like
// ":50060 # health" still listen.
func sanitizeListenAddr(value string) string {
	trimmed := strings.TrimSpace(value)
	if fields := strings.Fields(trimmed); len(fields) > 0 {
		trimmed = fields[0]
	}
	return strings.Trim(trimmed, "\"'")
}
