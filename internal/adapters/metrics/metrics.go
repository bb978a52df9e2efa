// Package metrics exposes batch and analysis counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realitygap"

var (
	registry *prometheus.Registry
	once     sync.Once
)

// Counter vectors
var (
	AttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_total",
		Help:      "External runs attempted, by mode and status",
	}, []string{"mode", "status"})

	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_total",
		Help:      "Batches finished, by mode and outcome",
	}, []string{"mode", "outcome"})

	StorageErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_errors_total",
		Help:      "Storage errors that aborted a batch",
	})
)

// Histogram vectors
var (
	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "attempt_duration_seconds",
		Help:      "Wall time of external runs by mode",
		Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
	}, []string{"mode"})
)

// Gauge vectors
var (
	RealityGap = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reality_gap_pct",
		Help:      "Last computed optimization minus backtest profit, per strategy",
	}, []string{"strategy"})

	BestProfit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "best_profit_pct",
		Help:      "Best total profit of the last batch, per strategy and mode",
	}, []string{"strategy", "mode"})
)

// InitRegistry creates the registry and registers every collector once.
func InitRegistry() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(AttemptsTotal)
		registry.MustRegister(BatchesTotal)
		registry.MustRegister(StorageErrorsTotal)
		registry.MustRegister(AttemptDuration)
		registry.MustRegister(RealityGap)
		registry.MustRegister(BestProfit)
	})
	return registry
}

// GetRegistry returns the registry, initializing it if needed.
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return InitRegistry()
	}
	return registry
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RecordAttempt records one external run.
// mode is "optimize" or "validate"; status is "completed" or "failed".
func RecordAttempt(mode, status string, d time.Duration) {
	AttemptsTotal.WithLabelValues(mode, status).Inc()
	AttemptDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordBatch records the end of a batch. outcome is "ok", "partial" or "failed".
func RecordBatch(mode, outcome string) {
	BatchesTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordStorageError counts a storage failure that aborted a batch.
func RecordStorageError() {
	StorageErrorsTotal.Inc()
}

// UpdateRealityGap sets the last gap seen for a strategy.
func UpdateRealityGap(strategy string, gap float64) {
	RealityGap.WithLabelValues(strategy).Set(gap)
}

// UpdateBestProfit sets the best profit of a strategy in the last batch.
func UpdateBestProfit(strategy, mode string, profit float64) {
	BestProfit.WithLabelValues(strategy, mode).Set(profit)
}
