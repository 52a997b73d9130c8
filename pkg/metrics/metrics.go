// Package metrics exposes the Prometheus registry used by the data builder.
// All metrics are defined in their respective packages (ratelimit, client,
// cache, fetch) to maintain modularity and avoid circular dependencies; this
// package serves them and documents the catalogue.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the data builder.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Path is where Serve exposes the metrics.
const Path = "/metrics"

// Handler returns the HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes Path on addr until ctx is done. A fetch run can take an
// hour when the download quota is the bottleneck, so the endpoint lets a
// scraper follow sdmx_fetch_progress_ratio while it runs.
func Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln)
}

func serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger := log.With().Str("component", "metrics").Logger()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Governor Metrics (pkg/ratelimit):
//   - sdmx_governor_admitted_total{kind} (Counter): Requests admitted by kind (query, download)
//   - sdmx_governor_wait_seconds{kind} (Histogram): Time spent waiting for a quota slot
//   - sdmx_governor_queries_in_window (Gauge): Requests started in the rolling minute
//   - sdmx_governor_downloads_in_window (Gauge): Downloads started in the rolling hour
//
// Request Metrics (pkg/client):
//   - sdmx_requests_total{kind, status} (Counter): Requests by kind and HTTP status
//   - sdmx_request_duration_seconds{kind} (Histogram): Request duration by kind
//   - sdmx_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - sdmx_retries_total{error_class} (Counter): Retry attempts by error class
//   - sdmx_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - sdmx_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Chunk Cache Metrics (pkg/cache):
//   - sdmx_cache_hits_total (Counter): Chunks served from cache
//   - sdmx_cache_misses_total (Counter): Chunk cache misses
//   - sdmx_cache_size_bytes (Gauge): Bytes written to the cache
//   - sdmx_cache_errors_total{operation} (Counter): Cache operation errors
//
// Fetch Metrics (pkg/fetch):
//   - sdmx_fetch_tasks_total{outcome} (Counter): Tasks by outcome (success, cached, no_data, failed)
//   - sdmx_fetch_progress_ratio (Gauge): Completed/planned tasks of the current run
//
// Example Prometheus Queries:
//
//   # Remaining download budget this hour
//   20 - sdmx_governor_downloads_in_window
//
//   # Retry rate by class
//   sum by (error_class) (rate(sdmx_retries_total[5m]))
//
//   # Chunk cache hit rate
//   sum(rate(sdmx_cache_hits_total[1h])) /
//   (sum(rate(sdmx_cache_hits_total[1h])) + sum(rate(sdmx_cache_misses_total[1h])))
//
//   # P95 governor wait for downloads
//   histogram_quantile(0.95, rate(sdmx_governor_wait_seconds_bucket{kind="download"}[1h]))
