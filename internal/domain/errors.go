package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrUnknownModel     = errors.New("unknown model")
	ErrModelNotAllowed  = errors.New("model not allowed for token")
	ErrNoEnabledKey     = errors.New("no enabled API key for channel")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrNoConversionRule = errors.New("no conversion rule")
	ErrRuleCompile      = errors.New("rule compile error")
	ErrRuleExecution    = errors.New("rule execution error")
	ErrUpstream         = errors.New("upstream error")
	ErrStore            = errors.New("store error")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
)

// RuleError carries the template location that failed to compile or execute.
type RuleError struct {
	Kind error // ErrRuleCompile or ErrRuleExecution
	Path string
	Msg  string
}

func (e *RuleError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%v at %s: %s", e.Kind, e.Path, e.Msg)
}

func (e *RuleError) Unwrap() error {
	return e.Kind
}

// UpstreamError describes a failed upstream call. Status is zero for
// transport failures.
type UpstreamError struct {
	Status  int
	Body    []byte
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream error: status=%d", e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream error: %v", e.Err)
	}
	return "upstream error"
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstream, e.Err}
	}
	return []error{ErrUpstream}
}

// StoreErr wraps a persistence failure so callers can match ErrStore.
func StoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
