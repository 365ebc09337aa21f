// Package observability carries the service's metrics surface: a
// prometheus registry for scrapes plus a rolling five-minute per-route
// window backing the JSON /metrics endpoint.
package observability

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const windowSpan = 5 * time.Minute

// Metrics bundles every collector the service records into.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec

	negotiations  *prometheus.CounterVec
	turns         prometheus.Counter
	proofFailures *prometheus.CounterVec
	escrow        *prometheus.CounterVec
	throttles     *prometheus.CounterVec

	window *rollingWindow
}

// NewMetrics builds the registry with all service collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "moltd"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total HTTP requests segmented by route, method and status.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for HTTP handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "sessions_total",
			Help:      "Completed negotiations segmented by terminal outcome and execution mode.",
		}, []string{"outcome", "mode"}),
		turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "turns_total",
			Help:      "Total negotiation turns recorded across all sessions.",
		}),
		proofFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "proof_failures_total",
			Help:      "Turn proof and runtime attestation failures segmented by reason.",
		}, []string{"reason"}),
		escrow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "settlements_total",
			Help:      "Escrow settle outcomes from handlers and the automation loop.",
		}, []string{"outcome"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttles_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}, []string{"route"}),
		window: newRollingWindow(windowSpan),
	}
	m.registry.MustRegister(m.requests, m.durations, m.negotiations, m.turns, m.proofFailures, m.escrow, m.throttles)
	return m
}

// ObserveHTTP records one finished request in both surfaces.
func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.durations.WithLabelValues(route, method).Observe(duration.Seconds())
	m.window.observe(route, status, duration)
}

// RecordNegotiation counts a finished negotiation and its turns.
func (m *Metrics) RecordNegotiation(outcome, mode string, turns int) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(outcome, mode).Inc()
	m.turns.Add(float64(turns))
}

// RecordProofFailure counts one proof or attestation failure.
func (m *Metrics) RecordProofFailure(reason string) {
	if m == nil {
		return
	}
	m.proofFailures.WithLabelValues(reason).Inc()
}

// RecordEscrowOutcome counts one settle outcome.
func (m *Metrics) RecordEscrowOutcome(outcome string) {
	if m == nil {
		return
	}
	m.escrow.WithLabelValues(outcome).Inc()
}

// RecordThrottle counts one rate-limited request.
func (m *Metrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(route).Inc()
}

// PrometheusHandler serves the exposition format for scrapes.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RouteStats is the rolling-window summary for one route.
type RouteStats struct {
	Requests  int     `json:"requests"`
	Errors    int     `json:"errors"`
	AvgMs     float64 `json:"avgMs"`
	MaxMs     float64 `json:"maxMs"`
}

// WindowStats is the JSON /metrics payload.
type WindowStats struct {
	WindowSeconds int                   `json:"windowSeconds"`
	Routes        map[string]RouteStats `json:"routes"`
	RouteOrder    []string              `json:"routeOrder"`
}

// Window returns the per-route stats over the last five minutes.
func (m *Metrics) Window() WindowStats {
	return m.window.snapshot()
}

type sample struct {
	at       time.Time
	status   int
	duration time.Duration
}

type rollingWindow struct {
	span time.Duration
	mu   sync.Mutex
	byRoute map[string][]sample
	now  func() time.Time
}

func newRollingWindow(span time.Duration) *rollingWindow {
	return &rollingWindow{span: span, byRoute: make(map[string][]sample), now: time.Now}
}

func (w *rollingWindow) observe(route string, status int, duration time.Duration) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	samples := append(w.prune(w.byRoute[route], now), sample{at: now, status: status, duration: duration})
	w.byRoute[route] = samples
}

func (w *rollingWindow) prune(samples []sample, now time.Time) []sample {
	cutoff := now.Add(-w.span)
	idx := 0
	for idx < len(samples) && samples[idx].at.Before(cutoff) {
		idx++
	}
	return samples[idx:]
}

func (w *rollingWindow) snapshot() WindowStats {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := WindowStats{
		WindowSeconds: int(w.span.Seconds()),
		Routes:        make(map[string]RouteStats),
	}
	for route, samples := range w.byRoute {
		samples = w.prune(samples, now)
		if len(samples) == 0 {
			delete(w.byRoute, route)
			continue
		}
		w.byRoute[route] = samples
		var total time.Duration
		var max time.Duration
		errors := 0
		for _, s := range samples {
			total += s.duration
			if s.duration > max {
				max = s.duration
			}
			if s.status >= 400 {
				errors++
			}
		}
		stats.Routes[route] = RouteStats{
			Requests: len(samples),
			Errors:   errors,
			AvgMs:    float64(total.Milliseconds()) / float64(len(samples)),
			MaxMs:    float64(max.Milliseconds()),
		}
		stats.RouteOrder = append(stats.RouteOrder, route)
	}
	sort.Strings(stats.RouteOrder)
	return stats
}
