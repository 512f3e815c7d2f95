package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream scopes for the SSE metrics.
const (
	scopeRun = "run"
	scopeAll = "all"
)

// Outcomes of a stream recheck against the store.
const (
	recheckUnchanged = "unchanged"
	recheckRecovered = "recovered"
	recheckFailed    = "failed"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_http_request_duration_seconds",
			Help:    "Latency of non-streaming HTTP requests.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_http_requests_in_flight",
		Help: "HTTP requests currently being served, open event streams included.",
	})

	streamsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_event_streams_open",
			Help: "Open server-sent event streams by scope.",
		},
		[]string{"scope"},
	)

	streamRechecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_event_stream_rechecks_total",
			Help: "Store rechecks made by run event streams, by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, requestsInFlight, streamsOpen, streamRechecks)
}

// instrument counts every request under its chi route pattern. Event streams
// live for minutes, so they are counted but kept out of the latency histogram.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestsInFlight.Inc()
		defer requestsInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routeLabel(r)
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if !isEventStream(ww.Header()) {
			requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// routeLabel returns the matched route pattern so ids never become labels.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// trackStream marks an SSE stream of scope as open until the returned func runs.
func trackStream(scope string) func() {
	g := streamsOpen.WithLabelValues(scope)
	g.Inc()
	return g.Dec
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
