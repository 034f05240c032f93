// Package metrics exposes the Prometheus registry shared by every
// orchestrator process.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds this process's collectors. Each binary registers only the
// metrics relevant to the component it runs.
var Registry = prometheus.NewRegistry()

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the API Facade.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests handled by the API Facade.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	ManagerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "manager",
			Name:      "ticks_total",
			Help:      "Total Manager dispatch ticks, by outcome.",
		},
		[]string{"outcome"},
	)

	DriverBundleApply = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "driver",
			Name:      "bundle_apply_total",
			Help:      "Total bundle-apply operations performed by a Driver, by kind and outcome.",
		},
		[]string{"doc_kind", "outcome"},
	)

	ExecutionStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "execwrapper",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each ExecutionWrapper pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"pipeline", "stage"},
	)

	KVWatchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "kvstore",
			Name:      "watch_queue_depth",
			Help:      "Current depth of a prefix watch's bounded event queue.",
		},
		[]string{"prefix"},
	)
)

func init() {
	Registry.MustRegister(HTTPRequests, HTTPDuration, ManagerTicks, DriverBundleApply, ExecutionStageDuration, KVWatchQueueDepth)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records a completed HTTP request.
func ObserveHTTP(method, path string, status int, start time.Time) {
	HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
}

// ObserveStage records a completed ExecutionWrapper pipeline stage.
func ObserveStage(pipeline, stage string, d time.Duration) {
	ExecutionStageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

// Serve starts a standalone metrics listener; callers typically run this in
// a goroutine alongside the process's primary listener.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
