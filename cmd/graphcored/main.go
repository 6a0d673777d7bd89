// Command graphcored starts a graphcore instance: it loads a YAML
// config, registers the nodes it declares, starts the data-loop, and
// serves metrics and introspection over HTTP until a shutdown signal
// arrives.
//
// graphcored attaches no backend to the nodes it registers — a
// plugin/factory loader mapping a node's declared type to a concrete
// backend.Backend is out of scope (see spec.md's Non-goals); embedders
// that need one call core.Node.SetImplementation themselves before or
// after this binary brings the graph up.
//
// Grounded on the teacher's cmd/oriond/main.go: flag-parsed config
// path, a JSON slog handler switched to debug level by a flag,
// SIGINT/SIGTERM triggering a context cancel, a bounded shutdown
// timeout read from config.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/graphcore/config"
	"github.com/e7canasta/graphcore/core"
	"github.com/e7canasta/graphcore/introspect"
	"github.com/e7canasta/graphcore/metrics"
	"github.com/e7canasta/graphcore/node"
)

const defaultConfigPath = "config/graphcore.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting graphcore", "instance_id", cfg.InstanceID, "config", *configPath)

	reg := prometheus.NewRegistry()
	var c *core.Core
	mx := metrics.New(reg, func() float64 {
		if c == nil {
			return 0
		}
		return c.WorkQueueDepth()
	})
	c = core.New(mx, cfg.QuantumSize)

	for _, nc := range cfg.Nodes {
		props := node.Properties{}
		for k, v := range nc.Props {
			props[k] = v
		}
		if !nc.WantsDriver {
			props["node.wants-driver"] = "false"
		}
		n, err := c.NewNode(nc.Name, props)
		if err != nil {
			slog.Error("failed to create node", "name", nc.Name, "error", err)
			os.Exit(1)
		}
		c.RegisterNode(n)
	}

	metricsMux := newMetricsMux(reg)
	metricsSrv := serveMux(cfg.Metrics.ListenAddr, metricsMux)
	introspectShutdown := introspect.Serve(cfg.Introspect.ListenAddr, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			slog.Error("data-loop stopped with error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutS)*time.Second)
	defer shutdownCancel()

	if err := c.Shutdown(shutdownCtx); err != nil {
		slog.Error("core shutdown failed", "error", err)
	}
	if err := introspectShutdown(shutdownCtx); err != nil {
		slog.Error("introspect server shutdown failed", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", "error", err)
	}

	slog.Info("graphcore stopped")
}

// newMetricsMux serves reg's collectors at /metrics via promhttp,
// matching jinterlante1206-AleutianLocal's telemetry.MetricsHandler
// wiring (a registry-backed promhttp.Handler mounted on a mux) rather
// than the default global registry.
func newMetricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// serveMux starts an *http.Server for mux on addr in its own
// goroutine, mirroring introspect.Serve/the teacher's
// StartHealthServer shape.
func serveMux(addr string, mux *http.ServeMux) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("metrics server listening", "addr", addr)
	return srv
}
