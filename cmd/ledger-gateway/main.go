package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/client"
	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/config"
	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/middleware"
	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/routes"
	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/store"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability/logging"
	telemetry "github.com/cloudwalk/brlc-monorepo-sub002/observability/otel"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LEDGERD_ENV"))
	logger := logging.Setup("ledger-gateway", env, "")

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "ledger-gateway",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("open gateway store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	nodeClient, err := client.New(cfg.Node.Endpoint,
		client.WithAuthToken(os.Getenv("LEDGERD_RPC_TOKEN")),
		client.WithTimeout(cfg.Node.Timeout),
	)
	if err != nil {
		logger.Error("configure node client", slog.Any("error", err))
		os.Exit(1)
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "ledger-gateway",
		LogRequests: true,
		Enabled:     true,
	}, logger)
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew,
	}, logger)
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RatePerSecond: cfg.RateLimit.RatePerSecond,
		Burst:         cfg.RateLimit.Burst,
	}, logger)

	router, err := routes.New(routes.Config{
		Client:        nodeClient,
		Store:         st,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("configure routes", slog.Any("error", err))
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(router, "ledger-gateway"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("listen", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		logger.Info("gateway listening",
			slog.String("address", listener.Addr().String()),
			slog.String("node", cfg.Node.Endpoint))
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("listen and serve", slog.Any("error", serveErr))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
