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
			Name: "allocator_build_info",
			Help: "Build information of the allocator service",
		},
		[]string{"version", "commit", "date"},
	)

	VotesCastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_votes_cast_total",
			Help: "Total number of vote casts",
		},
		[]string{"status"},
	)

	EpochTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_epoch_transitions_total",
			Help: "Total number of epoch transition attempts",
		},
		[]string{"status"}, // "success", "too_early", "error", "panic"
	)

	EpochTransitionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocator_epoch_transition_duration_seconds",
			Help:    "Duration of epoch transitions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	SweepExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_sweep_executions_total",
			Help: "Total number of sweep executions",
		},
		[]string{"strategy", "status"},
	)

	SweepAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_sweep_amount_total",
			Help: "Total amount disbursed through sweep executions",
		},
		[]string{"strategy"},
	)

	LiquidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allocator_liquidations_total",
			Help: "Total number of liquidations performed",
		},
	)

	LiquidationProceedsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allocator_liquidation_proceeds_total",
			Help: "Total reference-currency proceeds forwarded from liquidations",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "allocator_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allocator_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Middleware records request count, duration and in-flight gauge for every
// HTTP request, labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
