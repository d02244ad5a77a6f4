package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{402, ClassBilling},
		{429, ClassRateLimit},
		{401, ClassAuth},
		{403, ClassAuth},
		{408, ClassTimeout},
		{504, ClassTimeout},
		{404, ClassModelUnavailable},
		{500, ClassServer},
		{503, ClassServer},
		{400, ClassBadRequest},
		{422, ClassBadRequest},
		{200, ClassUnknown},
	}

	for _, tt := range tests {
		if got := classFromStatus(tt.status); got != tt.want {
			t.Errorf("classFromStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClassRetryability(t *testing.T) {
	retryable := []ErrorClass{ClassRateLimit, ClassTimeout, ClassServer}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%v.Retryable() = false, want true", c)
		}
	}

	terminal := []ErrorClass{ClassBilling, ClassAuth, ClassBadRequest, ClassModelUnavailable, ClassUnknown}
	for _, c := range terminal {
		if c.Retryable() {
			t.Errorf("%v.Retryable() = true, want false", c)
		}
	}
}

func TestClassRequestFault(t *testing.T) {
	callerSide := []ErrorClass{ClassAuth, ClassBadRequest, ClassModelUnavailable, ClassBilling}
	for _, c := range callerSide {
		if !c.RequestFault() {
			t.Errorf("%v.RequestFault() = false, want true", c)
		}
	}
	if ClassServer.RequestFault() {
		t.Error("server_error classified as a request fault")
	}
}

func TestProviderErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := (&ProviderError{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
		Cause:    cause,
		Class:    ClassUnknown,
	}).WithStatus(429)

	if err.Class != ClassRateLimit {
		t.Errorf("WithStatus(429) Class = %v, want rate_limit", err.Class)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find the cause")
	}

	wrapped := fmt.Errorf("complete: %w", err)
	pe, ok := AsProviderError(wrapped)
	if !ok || pe.Provider != "anthropic" {
		t.Errorf("AsProviderError() = %+v, %v", pe, ok)
	}
}

func TestProviderErrorWithStatusKeepsExplicitClass(t *testing.T) {
	err := (&ProviderError{Class: ClassTimeout}).WithStatus(500)
	if err.Class != ClassTimeout {
		t.Errorf("WithStatus overwrote explicit class: %v", err.Class)
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		Class:    ClassAuth,
		Provider: "openai",
		Status:   401,
		Message:  "invalid api key",
	}
	msg := err.Error()
	for _, want := range []string{"auth", "openai", "401", "invalid api key"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
