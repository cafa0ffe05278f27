package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the sync service. They work unregistered, so
// packages record freely and only the server process exposes them.
var (
	RemoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvatsync_remote_requests_total",
			Help: "Requests sent to the annotation service by operation and status code",
		},
		[]string{"op", "code"},
	)

	RemoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cvatsync_remote_request_duration_seconds",
			Help:    "Latency of annotation service requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	RemoteLoginsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cvatsync_remote_logins_total",
			Help: "Successful logins to the annotation service, including refreshes after a 401",
		},
	)

	SyncJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvatsync_sync_jobs_total",
			Help: "Jobs handled by sync runs by outcome",
		},
		[]string{"outcome"},
	)

	SyncRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cvatsync_sync_run_duration_seconds",
			Help:    "Wall time of full sync runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvatsync_webhook_deliveries_total",
			Help: "Inbound webhook deliveries by event and final status",
		},
		[]string{"event", "status"},
	)

	WebhookProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cvatsync_webhook_processing_duration_seconds",
			Help:    "Time spent processing one webhook delivery",
			Buckets: prometheus.DefBuckets,
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvatsync_http_requests_total",
			Help: "HTTP requests served by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cvatsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RemoteRequestsTotal,
			RemoteRequestDuration,
			RemoteLoginsTotal,
			SyncJobsTotal,
			SyncRunDuration,
			WebhookDeliveriesTotal,
			WebhookProcessingDuration,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}

// ObserveRemote records one remote call. code is 0 for transport errors.
func ObserveRemote(op string, code int, started time.Time) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	RemoteRequestsTotal.WithLabelValues(op, label).Inc()
	RemoteRequestDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade on /stream.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Instrument wraps a handler; route labels the series. routeOf may derive a
// low-cardinality route from the request after it was served.
func Instrument(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			route := routeOf(r)
			HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}
