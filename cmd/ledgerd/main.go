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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cloudwalk/brlc-monorepo-sub002/config"
	"github.com/cloudwalk/brlc-monorepo-sub002/core"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability/logging"
	telemetry "github.com/cloudwalk/brlc-monorepo-sub002/observability/otel"
	"github.com/cloudwalk/brlc-monorepo-sub002/rpc"
	"github.com/cloudwalk/brlc-monorepo-sub002/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LEDGERD_ENV"))
	logger := logging.Setup("ledgerd", env, "")

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if env == "" {
		env = cfg.Service.Environment
	}
	if strings.TrimSpace(cfg.Service.LogFile) != "" {
		logger = logging.Setup("ledgerd", env, cfg.Service.LogFile)
	}

	shutdownTelemetry := initTelemetry(logger, env, cfg.Telemetry)
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(cfg.StorageBackend(), cfg.Service.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	pool, err := cfg.PoolAddress()
	if err != nil {
		logger.Error("invalid pool address", slog.Any("error", err))
		os.Exit(1)
	}
	addonTreasury, err := cfg.AddonTreasury()
	if err != nil {
		logger.Error("invalid addon treasury address", slog.Any("error", err))
		os.Exit(1)
	}
	maxExposure, err := cfg.MaxExposureAmount()
	if err != nil {
		logger.Error("invalid exposure cap", slog.Any("error", err))
		os.Exit(1)
	}

	node, err := core.NewNode(db, core.NodeConfig{
		PoolAddress:    pool,
		AddonTreasury:  addonTreasury,
		MaxActiveLoans: cfg.CreditLine.MaxActiveLoans,
		MaxExposure:    maxExposure,
		Meter:          observability.Ledger(),
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		TrustProxyHeaders: cfg.RPC.TrustProxyHeaders,
		TrustedProxies:    append([]string{}, cfg.RPC.TrustedProxies...),
		WriteRate:         rate.Limit(cfg.RPC.WriteRatePerSecond),
		WriteBurst:        cfg.RPC.WriteBurst,
		MaxRequestBytes:   cfg.RPC.MaxRequestBytes,
	})

	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.Service.ListenAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()
	if err := waitForRPCStartup(cfg.Service.ListenAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := startMetricsServer(cfg.Service.MetricsAddress)

	logger.Info("ledger node initialised and running",
		slog.String("listen", cfg.Service.ListenAddress),
		slog.String("backend", string(cfg.StorageBackend())),
		slog.String("pool", pool.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-rpcErrCh:
		if ok && err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful RPC shutdown failed", slog.Any("error", err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

func initTelemetry(logger *slog.Logger, env string, cfg config.Telemetry) func(context.Context) error {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); value != "" {
		endpoint = value
	}
	insecure := cfg.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "ledgerd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Metrics,
		Traces:      cfg.Traces,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	return shutdown
}

// startMetricsServer serves prometheus metrics and the health probe on the
// operational address. An empty address disables the listener.
func startMetricsServer(addr string) *http.Server {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server terminated", slog.Any("error", err))
		}
	}()
	return server
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
