package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("openai_chat", "anthropic-1", "gpt-test", "200", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("openai_chat", "anthropic-1", "gpt-test", "200"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("anthropic-1", "gpt-test", 100, 50)

	prompt := testutil.ToFloat64(TokensTotal.WithLabelValues("anthropic-1", "gpt-test", "prompt"))
	if prompt != 100 {
		t.Errorf("prompt tokens = %v, want 100", prompt)
	}

	completion := testutil.ToFloat64(TokensTotal.WithLabelValues("anthropic-1", "gpt-test", "completion"))
	if completion != 50 {
		t.Errorf("completion tokens = %v, want 50", completion)
	}
}

func TestRecordUpstreamError(t *testing.T) {
	UpstreamErrors.Reset()

	RecordUpstreamError("ch1", "timeout")
	RecordUpstreamError("ch1", "status_5xx")
	RecordUpstreamError("ch1", "timeout")

	timeouts := testutil.ToFloat64(UpstreamErrors.WithLabelValues("ch1", "timeout"))
	if timeouts != 2 {
		t.Errorf("timeout errors = %v, want 2", timeouts)
	}
}

func TestRecordRuleExecution(t *testing.T) {
	RuleExecutions.Reset()

	RecordRuleExecution("openai_chat", "anthropic", "request", nil)
	RecordRuleExecution("openai_chat", "anthropic", "response", errors.New("boom"))

	ok := testutil.ToFloat64(RuleExecutions.WithLabelValues("openai_chat", "anthropic", "request", "ok"))
	failed := testutil.ToFloat64(RuleExecutions.WithLabelValues("openai_chat", "anthropic", "response", "error"))
	if ok != 1 || failed != 1 {
		t.Errorf("rule executions ok=%v error=%v", ok, failed)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	RateLimitHits.Reset()

	RecordRateLimitHit("ch1")

	hits := testutil.ToFloat64(RateLimitHits.WithLabelValues("ch1"))
	if hits != 1 {
		t.Errorf("RateLimitHits = %v, want 1", hits)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("ch1", 0) // closed
	state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("ch1"))
	if state != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", state)
	}

	SetCircuitBreakerState("ch1", 2) // open
	state = testutil.ToFloat64(CircuitBreakerState.WithLabelValues("ch1"))
	if state != 2 {
		t.Errorf("CircuitBreakerState = %v, want 2", state)
	}
}

func TestSetTokenQuotaUsage(t *testing.T) {
	TokenQuotaUsage.Reset()

	SetTokenQuotaUsage("tok-1", 0.75)

	ratio := testutil.ToFloat64(TokenQuotaUsage.WithLabelValues("tok-1"))
	if ratio != 0.75 {
		t.Errorf("TokenQuotaUsage = %v, want 0.75", ratio)
	}
}

func TestActiveStreams(t *testing.T) {
	ActiveStreams.Set(0)

	IncrementActiveStreams()
	IncrementActiveStreams()
	if got := testutil.ToFloat64(ActiveStreams); got != 2 {
		t.Errorf("ActiveStreams = %v, want 2", got)
	}

	DecrementActiveStreams()
	if got := testutil.ToFloat64(ActiveStreams); got != 1 {
		t.Errorf("ActiveStreams after dec = %v, want 1", got)
	}
}

func TestLogWriteFailuresAndRegistry(t *testing.T) {
	before := testutil.ToFloat64(LogWriteFailures)
	RecordLogWriteFailure()
	if got := testutil.ToFloat64(LogWriteFailures); got != before+1 {
		t.Errorf("LogWriteFailures = %v, want %v", got, before+1)
	}

	SetRegistryRules(4)
	if got := testutil.ToFloat64(RegistryRules); got != 4 {
		t.Errorf("RegistryRules = %v, want 4", got)
	}
}
