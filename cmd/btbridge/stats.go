package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"

	"github.com/tinyrange/btbridge/internal/config"
)

var buildVersion = "dev"

// serveStats exports registry over HTTP in the Prometheus text format until
// ctx is cancelled.
func serveStats(ctx context.Context, log *slog.Logger, cfg config.StatsConfig, registry metrics.Registry) error {
	if cfg.Listen == "" {
		return nil
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive")
	}

	metrics.RegisterRuntimeMemStats(registry)
	go metrics.CaptureRuntimeMemStats(registry, cfg.Interval)

	pr := prometheus.NewRegistry()
	provider := mp.NewPrometheusProvider(registry, cfg.Namespace, cfg.Subsystem, pr, cfg.Interval)
	go provider.UpdatePrometheusMetrics()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "info",
		Help:      "Version information for the btbridge binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(log.Handler(), slog.LevelError),
	}))
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("prometheus stats listening", "listen", cfg.Listen, "path", cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("stats server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
