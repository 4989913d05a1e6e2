// Command controller runs the optimizing peer: it connects to the message
// bus, listens for start/stop commands and setting updates from the
// measurement agent's side, and drives the position search. An HTTP
// sidecar serves health probes and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/ALIGN/internal/config"
	"github.com/copyleftdev/ALIGN/internal/controller"
	"github.com/copyleftdev/ALIGN/internal/errors"
	"github.com/copyleftdev/ALIGN/internal/logging"
	"github.com/copyleftdev/ALIGN/internal/metrics"
	"github.com/copyleftdev/ALIGN/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting controller", map[string]interface{}{
		"environment": cfg.Environment,
		"broker_url":  cfg.Broker.URL,
		"pair_id":     cfg.Broker.PairID,
		"http_port":   cfg.HTTP.Port,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(registry)

	bus, err := transport.NewClient(cfg.Broker.URL,
		transport.WithLogger(logging.NewZapLogger(logger)),
		transport.WithClientName(cfg.Broker.ClientID),
		transport.WithKeepalive(cfg.Broker.Keepalive),
		transport.WithConnectPolicy(cfg.Broker.ConnectAttempts, cfg.Broker.ConnectBackoff, cfg.Broker.MaxBackoff),
		transport.WithDrainTimeout(cfg.Broker.DrainTimeout),
	)
	if err != nil {
		logger.Fatal("failed to build bus client", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to broker", map[string]interface{}{"error": err.Error()})
	}

	ctrl, err := controller.New(cfg, bus, logger, met)
	if err != nil {
		logger.Fatal("failed to build controller", map[string]interface{}{"error": err.Error()})
	}
	if err := ctrl.Start(ctx); err != nil {
		logger.Fatal("failed to start controller", map[string]interface{}{"error": err.Error()})
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logging.Middleware(logger))
	router.Use(errors.RecoveryMiddleware(logger))
	router.Use(middleware.Timeout(cfg.HTTP.ReadTimeout))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !bus.Healthy() {
			http.Error(w, "broker disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := ctrl.Close(shutdownCtx); err != nil {
		logger.Warn("controller shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Warn("bus shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("controller stopped")
}
