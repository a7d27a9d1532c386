package fetcher

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is(err, ErrTimeout) and friends against a *FetchError.
var (
	ErrTimeout           = errors.New("provider timeout")
	ErrQuotaExceeded     = errors.New("provider quota exceeded")
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrNetwork           = errors.New("provider network error")
)

// FetchError is the tagged failure returned by every provider call.
type FetchError struct {
	Provider string
	Kind     error
	Err      error
}

func (e *FetchError) Error() string {
	prefix := e.Kind.Error()
	if e.Provider != "" {
		prefix = e.Provider + ": " + prefix
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindLabel maps an error to a short label for logs and metrics.
func KindLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "network"
	}
}

// Retryable reports whether another attempt in the same cycle could succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}

func malformedf(format string, args ...any) *FetchError {
	return &FetchError{Kind: ErrMalformedResponse, Err: fmt.Errorf(format, args...)}
}

func networkf(format string, args ...any) *FetchError {
	return &FetchError{Kind: ErrNetwork, Err: fmt.Errorf(format, args...)}
}

func quotaf(format string, args ...any) *FetchError {
	return &FetchError{Kind: ErrQuotaExceeded, Err: fmt.Errorf(format, args...)}
}
