package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/cantonconnect/bridge/pkg/log"
)

func main() {
	logger := NewLoggerIPFS("root")
	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "bridge",
		Short:        "Wallet connection bridge for Canton dApps",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(logger),
		newConformanceCmd(logger),
		newDeepLinkCmd(),
		newJournalCmd(logger),
	)
	return root
}

func newServeCmd(logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the bridge over websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), logger)
		},
	}
}

func runServe(ctx context.Context, logger log.Logger) error {
	config, err := LoadConfig(logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return err
	}
	logger = newServiceLogger(config.Log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := NewService(config, logger, registry)
	if err != nil {
		logger.Error("failed to initialise service", "error", err)
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcServer := &http.Server{
		Addr:    config.ListenAddr,
		Handler: svc.Handler(),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", svc.MetricsHandler())
	metricsServer := &http.Server{
		Addr:    config.MetricsListenAddr,
		Handler: metricsMux,
	}

	go svc.Run(ctx)

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", config.MetricsListenAddr, "endpoint", "/metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("RPC server available", "listenAddr", config.ListenAddr, "endpoint", config.WSEndpoint, "callbacks", config.CallbackEndpoint)
		if err := rpcServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error("RPC server failure", "error", err)
		return err
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down RPC server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
