package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emulator_events_ingested_total",
			Help: "Events accepted by a device",
		},
		[]string{"device"},
	)

	IngestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emulator_ingest_errors_total",
			Help: "Rejected or failed event injections",
		},
		[]string{"device", "reason"},
	)

	WebhookAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emulator_webhook_attempts_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"device", "result"},
	)

	QueryConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emulator_query_connections_total",
			Help: "Binary query connections by outcome",
		},
		[]string{"device", "result"},
	)

	QueryWorkersBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emulator_query_workers_busy",
			Help: "Query workers currently serving a connection",
		},
		[]string{"device"},
	)

	DispatcherRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emulator_dispatcher_requests_total",
			Help: "Control-plane requests by outcome",
		},
		[]string{"result"},
	)

	DeviceOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emulator_device_online",
			Help: "1 while the device listener is running",
		},
		[]string{"device"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emulator_http_request_duration_seconds",
			Help:    "Subscribe and admin request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "status"},
	)
)

func init() {
	prometheus.MustRegister(EventsIngested)
	prometheus.MustRegister(IngestErrors)
	prometheus.MustRegister(WebhookAttempts)
	prometheus.MustRegister(QueryConnections)
	prometheus.MustRegister(QueryWorkersBusy)
	prometheus.MustRegister(DispatcherRequests)
	prometheus.MustRegister(DeviceOnline)
	prometheus.MustRegister(HTTPRequestDuration)
}

func Middleware(server string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{w, http.StatusOK}

			next.ServeHTTP(rw, r)

			HTTPRequestDuration.WithLabelValues(server, strconv.Itoa(rw.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func SetOnline(device string, online bool) {
	v := 0.0
	if online {
		v = 1
	}
	DeviceOnline.WithLabelValues(device).Set(v)
}
