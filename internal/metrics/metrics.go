// Package metrics registers the service's prometheus collectors. All
// collectors hang off a caller-supplied registry so tests can construct
// isolated instances.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the service's collectors.
type Metrics struct {
	FetchTotal       *prometheus.CounterVec
	TierAttempts     *prometheus.CounterVec
	TierDuration     *prometheus.HistogramVec
	PatternInvokes   *prometheus.CounterVec
	DiscoveryRuns    *prometheus.CounterVec
	DiscoveryLatency *prometheus.HistogramVec
	VerifierResults  *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skimmer", Name: "fetch_total",
			Help: "Completed fetches by outcome.",
		}, []string{"outcome"}),
		TierAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skimmer", Name: "tier_attempts_total",
			Help: "Tier attempts by tier and result.",
		}, []string{"tier", "result"}),
		TierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skimmer", Name: "tier_duration_seconds",
			Help:    "Per-tier attempt duration.",
			Buckets: []float64{0.05, 0.1, 0.3, 0.8, 2, 5, 10, 30},
		}, []string{"tier"}),
		PatternInvokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skimmer", Name: "pattern_invokes_total",
			Help: "API pattern bypass attempts by result.",
		}, []string{"result"}),
		DiscoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skimmer", Name: "discovery_runs_total",
			Help: "Discovery source runs by source and result.",
		}, []string{"source", "result"}),
		DiscoveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skimmer", Name: "discovery_duration_seconds",
			Help:    "Per-source discovery duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		VerifierResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skimmer", Name: "verifier_results_total",
			Help: "Verification outcomes.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skimmer", Name: "http_requests_total",
			Help: "HTTP surface requests by route and status.",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skimmer", Name: "http_request_duration_seconds",
			Help:    "HTTP surface request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.FetchTotal, m.TierAttempts, m.TierDuration, m.PatternInvokes,
		m.DiscoveryRuns, m.DiscoveryLatency, m.VerifierResults,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// ObserveHTTP records one surface request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method+" "+route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method + " " + route).Observe(d.Seconds())
}

// ObserveTier records one tier attempt.
func (m *Metrics) ObserveTier(tier string, success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.TierAttempts.WithLabelValues(tier, result).Inc()
	m.TierDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// ObservePatternInvoke records one API bypass attempt.
func (m *Metrics) ObservePatternInvoke(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.PatternInvokes.WithLabelValues(result).Inc()
}

// ObserveVerification records one verifier verdict.
func (m *Metrics) ObserveVerification(passed bool) {
	result := "failed"
	if passed {
		result = "passed"
	}
	m.VerifierResults.WithLabelValues(result).Inc()
}

// ObserveDiscovery records one discovery source run.
func (m *Metrics) ObserveDiscovery(source, result string, d time.Duration) {
	m.DiscoveryRuns.WithLabelValues(source, result).Inc()
	m.DiscoveryLatency.WithLabelValues(source).Observe(d.Seconds())
}
