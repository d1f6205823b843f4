package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "x402guard"

// Registry exposes the guard's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed by the API.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of HTTP requests being served.",
		},
	)

	paymentDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "payment_decisions_total",
			Help:      "Payment decisions by outcome and block reason.",
		},
		[]string{"outcome", "reason"},
	)

	paymentVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "payment_volume_units_total",
			Help:      "Committed payment volume in ledger micro-units.",
		},
		[]string{"path"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "operations_total",
			Help:      "Guard operations by command and result.",
		},
		[]string{"command", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "operation_duration_seconds",
			Help:      "Duration of guard operations including lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"command"},
	)

	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-account lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		httpInFlight,
		paymentDecisions,
		paymentVolume,
		operations,
		operationDuration,
		lockWait,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler to capture request metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordDecision counts one payment decision. reason is empty unless blocked.
func RecordDecision(outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	paymentDecisions.WithLabelValues(outcome, reason).Inc()
}

// RecordPaymentVolume adds committed units; path is "direct" or "approval".
func RecordPaymentVolume(path string, amount int64) {
	if amount <= 0 {
		return
	}
	paymentVolume.WithLabelValues(path).Add(float64(amount))
}

// RecordOperation records the result and duration of a guard command.
func RecordOperation(command, result string, duration time.Duration) {
	operations.WithLabelValues(command, result).Inc()
	operationDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordLockWait observes how long a caller waited for an account lock.
func RecordLockWait(d time.Duration) {
	lockWait.Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	// api/v1/guards/{id}/...
	if len(parts) < 3 || parts[0] != "api" || parts[2] != "guards" {
		return "/" + parts[0]
	}
	out := []string{"api", parts[1], "guards"}
	for i, p := range parts[3:] {
		switch {
		case i == 0 && p != "count":
			out = append(out, ":guard")
		case i == 3 && len(parts) > 5 && parts[5] == "pending":
			out = append(out, ":payment")
		case i == 2 && parts[4] == "endpoints" && p != "allow-all":
			out = append(out, ":endpoint")
		default:
			out = append(out, p)
		}
	}
	return "/" + strings.Join(out, "/")
}
