package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/client"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability"
	"github.com/cloudwalk/brlc-monorepo-sub002/services/ledger-recon/config"
	"github.com/cloudwalk/brlc-monorepo-sub002/services/ledger-recon/recon"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := recon.OpenDatabase(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open run-metadata store: %v", err)
	}
	if err := recon.AutoMigrate(db); err != nil {
		log.Fatalf("migrate run-metadata store: %v", err)
	}

	source, err := client.New(cfg.NodeRPC, client.WithTimeout(cfg.NodeTimeout))
	if err != nil {
		log.Fatalf("configure node client: %v", err)
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		Source:    source,
		OutputDir: cfg.OutputDir,
		PageSize:  cfg.PageSize,
		DryRun:    cfg.DryRun,
		Metrics:   observability.Reconciler(),
	})
	if err != nil {
		log.Fatalf("configure reconciler: %v", err)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("recon metrics listening on %s", cfg.MetricsAddress)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("metrics listen: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.Interval,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Printf("ledger reconciler sweeping %s every %s", cfg.NodeRPC, cfg.Interval)
		scheduler.Start(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down ledger reconciler")
	cancel()
	<-done
	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}
