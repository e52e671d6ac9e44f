package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the trustgate collectors.
	Registry = prometheus.NewRegistry()

	verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "oracle",
			Name:      "verdicts_total",
			Help:      "Market oracle verdicts by status.",
		},
		[]string{"status", "offline"},
	)

	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy engine decisions by action and outcome.",
		},
		[]string{"action", "allowed"},
	)

	escrowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Escrow contract status transitions.",
		},
		[]string{"from", "to"},
	)

	wormAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "worm",
			Name:      "appends_total",
			Help:      "Records appended to the audit log per chain.",
		},
		[]string{"chain"},
	)

	integrityFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "worm",
			Name:      "integrity_failures_total",
			Help:      "Integrity verifications that found altered data.",
		},
		[]string{"scope"},
	)

	providerFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "pricefeed",
			Name:      "fetches_total",
			Help:      "Price feed fetch attempts by provider and result.",
		},
		[]string{"provider", "result"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trustgate",
			Subsystem: "pricefeed",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		},
		[]string{"provider"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method"},
	)
)

func init() {
	Registry.MustRegister(
		verdicts,
		decisions,
		escrowTransitions,
		wormAppends,
		integrityFailures,
		providerFetches,
		breakerState,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

func ObserveVerdict(status string, offline bool) {
	verdicts.WithLabelValues(status, strconv.FormatBool(offline)).Inc()
}

func ObserveDecision(action string, allowed bool) {
	decisions.WithLabelValues(action, strconv.FormatBool(allowed)).Inc()
}

func ObserveEscrowTransition(from, to string) {
	escrowTransitions.WithLabelValues(from, to).Inc()
}

func ObserveWormAppend(chain string) {
	wormAppends.WithLabelValues(chain).Inc()
}

func ObserveIntegrityFailure(scope string) {
	integrityFailures.WithLabelValues(scope).Inc()
}

func ObserveProviderFetch(provider, result string) {
	providerFetches.WithLabelValues(provider, result).Inc()
}

func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency labelled by method and status.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
