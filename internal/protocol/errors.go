package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

// StatusClientClosed is logged when the client went away mid-request.
const StatusClientClosed = 499

type errorKind struct {
	status    int
	openAI    string
	anthropic string
	code      string
}

var kinds = []struct {
	err  error
	kind errorKind
}{
	{domain.ErrUnauthorized, errorKind{http.StatusUnauthorized, "authentication_error", "authentication_error", "invalid_api_key"}},
	{domain.ErrQuotaExceeded, errorKind{http.StatusTooManyRequests, "insufficient_quota", "rate_limit_error", "insufficient_quota"}},
	{domain.ErrModelNotAllowed, errorKind{http.StatusForbidden, "permission_error", "permission_error", "model_not_allowed"}},
	{domain.ErrUnknownModel, errorKind{http.StatusNotFound, "invalid_request_error", "not_found_error", "model_not_found"}},
	{domain.ErrNotFound, errorKind{http.StatusNotFound, "invalid_request_error", "not_found_error", "not_found"}},
	{domain.ErrConflict, errorKind{http.StatusConflict, "invalid_request_error", "invalid_request_error", "conflict"}},
	{domain.ErrRateLimited, errorKind{http.StatusTooManyRequests, "rate_limit_error", "rate_limit_error", "rate_limit_exceeded"}},
	{domain.ErrNoEnabledKey, errorKind{http.StatusServiceUnavailable, "server_error", "overloaded_error", "no_enabled_key"}},
	{domain.ErrCircuitOpen, errorKind{http.StatusServiceUnavailable, "server_error", "overloaded_error", "circuit_open"}},
	{domain.ErrNoConversionRule, errorKind{http.StatusNotImplemented, "invalid_request_error", "invalid_request_error", "no_conversion_rule"}},
	{domain.ErrRuleCompile, errorKind{http.StatusUnprocessableEntity, "invalid_request_error", "invalid_request_error", "rule_compile_error"}},
	{domain.ErrRuleExecution, errorKind{http.StatusInternalServerError, "server_error", "api_error", "rule_execution_error"}},
	{domain.ErrInvalidRequest, errorKind{http.StatusBadRequest, "invalid_request_error", "invalid_request_error", "invalid_request"}},
	{domain.ErrStore, errorKind{http.StatusInternalServerError, "server_error", "api_error", "store_error"}},
}

var internalKind = errorKind{http.StatusInternalServerError, "server_error", "api_error", "internal_error"}

func classify(err error) errorKind {
	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status != 0 && (ue.Status < 200 || ue.Status >= 300):
			return errorKind{ue.Status, "upstream_error", "api_error", "upstream_error"}
		case ue.Status != 0:
			// The upstream answered 2xx but the body was unusable.
			return errorKind{http.StatusBadGateway, "upstream_error", "api_error", "upstream_bad_response"}
		case ue.Timeout || errors.Is(ue.Err, context.DeadlineExceeded):
			return errorKind{http.StatusGatewayTimeout, "upstream_error", "api_error", "upstream_timeout"}
		default:
			return errorKind{http.StatusBadGateway, "upstream_error", "api_error", "upstream_unreachable"}
		}
	}
	if errors.Is(err, context.Canceled) {
		return errorKind{StatusClientClosed, "server_error", "api_error", "client_closed"}
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return internalKind
}

// StatusFor maps an error to the HTTP status the gateway answers with.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return classify(err).status
}

// ErrorBody renders err in the envelope clients of f expect.
func ErrorBody(f domain.Format, err error) []byte {
	k := classify(err)
	msg := err.Error()
	var body any
	switch f {
	case domain.FormatAnthropic:
		body = map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    k.anthropic,
				"message": msg,
			},
		}
	default:
		body = map[string]any{
			"error": map[string]any{
				"message": msg,
				"type":    k.openAI,
				"code":    k.code,
			},
		}
	}
	out, _ := json.Marshal(body)
	return out
}

// WriteError writes err as a JSON error in f's envelope. retryAfter, when
// positive, is sent as Retry-After in whole seconds.
func WriteError(w http.ResponseWriter, f domain.Format, err error, retryAfter time.Duration) int {
	status := StatusFor(err)
	if retryAfter > 0 {
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	if status == StatusClientClosed {
		return status
	}
	w.WriteHeader(status)
	_, _ = w.Write(ErrorBody(f, err))
	return status
}
