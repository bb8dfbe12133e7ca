package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kroma-labs/sentinel-gateway/example/gateway/internal/config"
	"github.com/kroma-labs/sentinel-gateway/example/gateway/internal/telemetry"
	"github.com/kroma-labs/sentinel-gateway/example/gateway/internal/upstream"
	"github.com/kroma-labs/sentinel-gateway/gateway"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	ctx := context.Background()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg := config.Load()

	// 1. Setup OpenTelemetry (Tracing + Metrics)
	shutdownTracing, shutdownMetrics, err := telemetry.Setup(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to setup otel")
	}
	defer func() {
		shutdownTracing(ctx)
		shutdownMetrics(ctx)
	}()

	// 2. Start Prometheus Metrics Server
	metricsServer := &http.Server{Addr: config.MetricsPort}
	go func() {
		logger.Info().Str("addr", config.MetricsPort).Msg("starting prometheus metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	// 3. Open the gateway to the upstream
	client, err := upstream.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gateway")
	}
	defer client.Close()

	tracer := otel.Tracer("example-app")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	fmt.Println("Gateway probe started")
	fmt.Printf("Upstream: %s\n", cfg.UpstreamURI)
	fmt.Println("Prometheus metrics: http://localhost:2112/metrics")
	fmt.Println("Press Ctrl+C to stop...")

	for {
		select {
		case <-ticker.C:
			probe(ctx, tracer, client, logger)

		case <-sigChan:
			fmt.Println("\nShutting down gracefully...")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
			return
		}
	}
}

// probe runs one round of upstream calls under a parent span.
func probe(ctx context.Context, tracer trace.Tracer, client *upstream.Client, logger zerolog.Logger) {
	ctx, span := tracer.Start(ctx, "gateway-probe")
	defer span.End()

	if err := client.CreateUser(ctx, upstream.User{ID: "42", Name: "Alice"}); err != nil {
		logCallError(logger, "create user", err)
	}

	if _, err := client.GetUser(ctx, "42"); err != nil {
		logCallError(logger, "get user", err)
	}

	users, err := client.GetUsers(ctx, "1", "2", "3")
	if err != nil {
		logCallError(logger, "get users", err)
	}
	logger.Info().Int("users", len(users)).Msg("probe completed")
}

func logCallError(logger zerolog.Logger, call string, err error) {
	event := logger.Error().Err(err).Str("call", call)

	var gwErr *gateway.GatewayError
	if errors.As(err, &gwErr) {
		event = event.Str("error.kind", gwErr.Kind.String()).Int("attempts", gwErr.Attempts)
	}
	event.Msg("upstream call failed")
}
