package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qrattend_ready",
		Help: "1 when the service accepts traffic.",
	})
)

// Доменные метрики токенов и согласований.
var (
	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_tokens_issued_total",
			Help: "Attendance tokens issued, by action.",
		},
		[]string{"action"},
	)

	tokensSuperseded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_tokens_superseded_total",
		Help: "Pending tokens expired because a newer token was issued for the same subject and action.",
	})

	redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_redemptions_total",
			Help: "Token redemption attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_approvals_total",
			Help: "Time entry approval decisions.",
		},
		[]string{"decision"},
	)
)

// Init registers every collector in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			tokensIssued, tokensSuperseded, redemptions, approvals,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func RecordTokenIssued(action string, superseded int) {
	tokensIssued.WithLabelValues(action).Inc()
	if superseded > 0 {
		tokensSuperseded.Add(float64(superseded))
	}
}

func RecordRedemption(outcome string) {
	redemptions.WithLabelValues(outcome).Inc()
}

func RecordApproval(decision string) {
	approvals.WithLabelValues(strings.ToLower(decision)).Inc()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers so metric labels stay bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "qr" && parts[2] == "tokens":
		return "/v1/qr/tokens/:token"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "qr" && parts[2] == "tokens" && parts[4] == "qr.png":
		return "/v1/qr/tokens/:token/qr.png"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "approvals":
		return "/v1/approvals/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "team":
		return "/v1/users/:username/team"
	}
	return raw
}

// statusWriter - локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
