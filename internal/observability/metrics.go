package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects execution metrics
type Metrics interface {
	ExecutionCompleted(strategy, status string, latency time.Duration)
	ProviderCall(provider, outcome string, latency time.Duration)
	BreakerState(provider, state string)
	CacheLookup(hit bool)
	Coalesced()
	QueueOutcome(outcome string)
	UsageRecorded(provider, model string, promptTokens, completionTokens int, cost float64)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) ExecutionCompleted(string, string, time.Duration) {}
func (NopMetrics) ProviderCall(string, string, time.Duration)       {}
func (NopMetrics) BreakerState(string, string)                      {}
func (NopMetrics) CacheLookup(bool)                                 {}
func (NopMetrics) Coalesced()                                       {}
func (NopMetrics) QueueOutcome(string)                              {}
func (NopMetrics) UsageRecorded(string, string, int, int, float64)  {}

// breakerStates are the values of the breaker state gauge label
var breakerStates = []string{"closed", "open", "half-open"}

// PrometheusMetrics implements Metrics on a private Prometheus registry
type PrometheusMetrics struct {
	registry *prometheus.Registry

	executions      *prometheus.CounterVec
	executionTime   *prometheus.HistogramVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	cacheLookups    *prometheus.CounterVec
	coalesced       prometheus.Counter
	queueOutcomes   *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	cost            *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers the execution collectors
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "llm_execution"
	}
	latencyBuckets := []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}

	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions by strategy and final status",
		}, []string{"strategy", "status"}),
		executionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_milliseconds",
			Help:      "End-to-end execution latency in milliseconds",
			Buckets:   latencyBuckets,
		}, []string{"strategy"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by outcome (success, retryable, fatal, circuit_open)",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_milliseconds",
			Help:      "Provider call latency in milliseconds",
			Buckets:   latencyBuckets,
		}, []string{"provider"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "1 for the current breaker state of each provider",
		}, []string{"provider", "state"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_coalesced_total",
			Help:      "Requests served by another request's in-flight computation",
		}),
		queueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Queued jobs by worker outcome",
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Billed tokens by provider, model and kind",
		}, []string{"provider", "model", "kind"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Billed cost in USD",
		}, []string{"provider", "model"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executions,
		m.executionTime,
		m.providerCalls,
		m.providerLatency,
		m.breakerState,
		m.cacheLookups,
		m.coalesced,
		m.queueOutcomes,
		m.tokens,
		m.cost,
	)
	return m
}

// Registry exposes the underlying registry
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus text format
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PrometheusMetrics) ExecutionCompleted(strategy, status string, latency time.Duration) {
	m.executions.WithLabelValues(strategy, status).Inc()
	m.executionTime.WithLabelValues(strategy).Observe(float64(latency.Milliseconds()))
}

func (m *PrometheusMetrics) ProviderCall(provider, outcome string, latency time.Duration) {
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		m.providerLatency.WithLabelValues(provider).Observe(float64(latency.Milliseconds()))
	}
}

func (m *PrometheusMetrics) BreakerState(provider, state string) {
	for _, s := range breakerStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.breakerState.WithLabelValues(provider, s).Set(value)
	}
}

func (m *PrometheusMetrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) Coalesced() {
	m.coalesced.Inc()
}

func (m *PrometheusMetrics) QueueOutcome(outcome string) {
	m.queueOutcomes.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) UsageRecorded(provider, model string, promptTokens, completionTokens int, cost float64) {
	m.tokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	m.tokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	m.cost.WithLabelValues(provider, model).Add(cost)
}
