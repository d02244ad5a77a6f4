package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass buckets provider failures for retry decisions and HTTP
// status mapping.
type ErrorClass string

const (
	ClassBilling          ErrorClass = "billing"           // payment or quota exhausted (402)
	ClassRateLimit        ErrorClass = "rate_limit"        // throttled (429)
	ClassAuth             ErrorClass = "auth"              // bad or missing credentials (401, 403)
	ClassTimeout          ErrorClass = "timeout"           // request deadline hit
	ClassServer           ErrorClass = "server_error"      // upstream 5xx
	ClassBadRequest       ErrorClass = "invalid_request"   // caller-side 4xx
	ClassModelUnavailable ErrorClass = "model_unavailable" // unknown or retired model (404)
	ClassUnknown          ErrorClass = "unknown"
)

// Retryable reports whether a new attempt has a chance of succeeding.
func (c ErrorClass) Retryable() bool {
	return c == ClassRateLimit || c == ClassTimeout || c == ClassServer
}

// RequestFault reports whether the failure belongs to the caller, in
// which case the gateway answers 400 instead of 500.
func (c ErrorClass) RequestFault() bool {
	switch c {
	case ClassAuth, ClassBadRequest, ClassModelUnavailable, ClassBilling:
		return true
	}
	return false
}

// ProviderError is a classified failure from an LLM provider.
type ProviderError struct {
	Class    ErrorClass
	Provider string
	Model    string
	Status   int // HTTP status when known, else 0
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", e.Provider, e.Class)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(": " + e.Message)
	case e.Cause != nil:
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// WithStatus records the HTTP status and, when the class is still
// unknown, derives it from the status.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if e.Class == ClassUnknown || e.Class == "" {
		e.Class = classFromStatus(status)
	}
	return e
}

// WithMessage records the provider's human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

func classFromStatus(status int) ErrorClass {
	switch status {
	case http.StatusPaymentRequired:
		return ClassBilling
	case http.StatusTooManyRequests:
		return ClassRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ClassTimeout
	case http.StatusNotFound:
		return ClassModelUnavailable
	}
	switch {
	case status >= 500:
		return ClassServer
	case status >= 400:
		return ClassBadRequest
	}
	return ClassUnknown
}

// AsProviderError extracts a ProviderError from err, if one is in the
// chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
