package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shillbot_build_info",
			Help: "Build information of shillbot",
		},
		[]string{"version", "commit", "date"},
	)

	WindowClosesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shillbot_window_closes_total",
			Help: "Total number of window close attempts",
		},
		[]string{"status"},
	)

	WindowCloseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shillbot_window_close_duration_seconds",
			Help:    "Duration of window closes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~20s
		},
	)

	BalanceReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shillbot_treasury_balance_reads_total",
			Help: "Total number of treasury balance reads",
		},
		[]string{"phase", "status"},
	)

	PayoutTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shillbot_payout_transfers_total",
			Help: "Total number of payout transfer attempts",
		},
		[]string{"status"},
	)

	PayoutLamportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shillbot_payout_lamports_total",
			Help: "Total lamports of payout transfer attempts",
		},
		[]string{"status"},
	)

	IngestedPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shillbot_ingested_posts_total",
			Help: "Total number of posts seen by ingestion",
		},
		[]string{"kind", "result"},
	)

	XAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shillbot_x_api_requests_total",
			Help: "Total number of X API requests",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shillbot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shillbot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SchedulerFiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shillbot_scheduler_fires_total",
			Help: "Total number of scheduled close runs",
		},
		[]string{"status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
