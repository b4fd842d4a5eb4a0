package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnikit_requests_total",
			Help: "Total number of gateway requests by source format and outcome",
		},
		[]string{"format", "channel", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omnikit_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"format", "channel", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnikit_tokens_total",
			Help: "Total number of prompt and completion tokens reported by upstreams",
		},
		[]string{"channel", "model", "type"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omnikit_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"channel"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnikit_upstream_errors_total",
			Help: "Total number of upstream failures",
		},
		[]string{"channel", "error_type"},
	)

	RuleExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnikit_rule_executions_total",
			Help: "Conversion rule executions by pair, phase and result",
		},
		[]string{"source", "target", "phase", "result"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "omnikit_active_streams",
			Help: "Number of streaming responses currently being relayed",
		},
	)

	LogWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omnikit_log_write_failures_total",
			Help: "Request log entries that could not be written to the store",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnikit_rate_limit_hits_total",
			Help: "Total number of requests rejected by a channel rate limit",
		},
		[]string{"channel"},
	)

	TokenQuotaUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omnikit_token_quota_usage_ratio",
			Help: "Current quota usage ratio per token (0-1)",
		},
		[]string{"token"},
	)

	RegistryRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "omnikit_registry_rules",
			Help: "Number of authoritative conversion rules in the registry",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omnikit_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"version"},
	)
)

func RecordRequest(format, channel, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(format, channel, model, status).Inc()
	RequestDuration.WithLabelValues(format, channel, model).Observe(durationSec)
}

func RecordTokens(channel, model string, promptTokens, completionTokens int64) {
	TokensTotal.WithLabelValues(channel, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(channel, model, "completion").Add(float64(completionTokens))
}

func RecordUpstreamError(channel, errorType string) {
	UpstreamErrors.WithLabelValues(channel, errorType).Inc()
}

// RecordRuleExecution counts one template run. phase is request, response
// or stream.
func RecordRuleExecution(source, target, phase string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RuleExecutions.WithLabelValues(source, target, phase, result).Inc()
}

func RecordRateLimitHit(channel string) {
	RateLimitHits.WithLabelValues(channel).Inc()
}

func RecordLogWriteFailure() {
	LogWriteFailures.Inc()
}

func SetCircuitBreakerState(channel string, state int) {
	CircuitBreakerState.WithLabelValues(channel).Set(float64(state))
}

func SetTokenQuotaUsage(tokenID string, ratio float64) {
	TokenQuotaUsage.WithLabelValues(tokenID).Set(ratio)
}

func SetRegistryRules(n int) {
	RegistryRules.Set(float64(n))
}

func InitInstanceMetrics(version string) {
	InstanceInfo.WithLabelValues(version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
