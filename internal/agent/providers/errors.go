package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAuth           Reason = "auth"
	ReasonBilling        Reason = "billing"
	ReasonTimeout        Reason = "timeout"
	ReasonServerError    Reason = "server_error"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonModelNotFound  Reason = "model_not_found"
	ReasonContentFilter  Reason = "content_filter"

	// ReasonInvalidHistory means the model API rejected the transcript
	// because tool calls and tool results do not pair up.
	ReasonInvalidHistory Reason = "invalid_history"

	ReasonUnknown Reason = "unknown"
)

// IsRetryable returns true if retrying the same request may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a classified error from a model API.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause and classifies it from its message.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it, keeping the
// history classification which a 400 would otherwise hide.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if e.Reason == ReasonInvalidHistory {
		return e
	}
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a vendor error code and reclassifies from it when known.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if e.Reason == ReasonInvalidHistory {
		return e
	}
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

var historySignatures = []string{
	"must be followed by tool messages",
	"tool_use ids were found without tool_result",
	"tool_use` ids were found without `tool_result`",
	"function response parts",
}

// ClassifyError inspects an error message and returns its Reason.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}

	switch {
	case has(historySignatures...):
		return ReasonInvalidHistory
	case has("timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case has("rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case has("unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case has("billing", "payment", "quota", "insufficient", "402"):
		return ReasonBilling
	case has("content_filter", "content policy", "safety", "blocked"):
		return ReasonContentFilter
	case has("model not found", "model_not_found", "does not exist"):
		return ReasonModelNotFound
	case has("internal server", "server error", "overloaded", "500", "502", "503", "504", "529"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelNotFound
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "resource_exhausted":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_denied", "permission_error":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "not_found_error":
		return ReasonModelNotFound
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "api_error", "overloaded_error", "unavailable":
		return ReasonServerError
	case "invalid_request_error", "invalid_argument":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
