package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/namyoh/concmgr/internal/config"
	"github.com/namyoh/concmgr/internal/logging"
	"github.com/namyoh/concmgr/internal/manager"
	"github.com/namyoh/concmgr/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the concurrency manager and block until shutdown",
	RunE:  runE,
}

func init() {
	runCmd.Flags().String("config", "", "Path to a config file (YAML/TOML/JSON)")
	runCmd.Flags().String("data-dir", "./data", "Directory for the durable commit journal")
	runCmd.Flags().String("metrics-addr", ":9090", "Listen address for the Prometheus /metrics endpoint")
}

func runE(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	sink, err := storage.NewBoltCommitSink(dataDir)
	if err != nil {
		return fmt.Errorf("opening commit journal: %w", err)
	}
	defer sink.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.WithComponent("concmgrd").Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	mgr := manager.New(cfg, storage.AlwaysReady{}, sink, prometheus.DefaultRegisterer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.WithComponent("concmgrd").Info().Msg("shutdown signal received, draining")
	mgr.Shutdown(cfg.ShutdownTimeout)
	logging.WithComponent("concmgrd").Info().Msg("concmgrd stopped")
	return nil
}
