package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure.
type Kind int

const (
	// Transient covers network, timeout and parse failures. Another endpoint
	// variant of the same provider may succeed.
	Transient Kind = iota
	// NotFound means the upstream does not know the symbol.
	NotFound
	// Forbidden means the credential or plan tier does not allow the call.
	Forbidden
	// RateLimited means the upstream refused because of its own limits.
	RateLimited
	// NoData means the upstream answered but had nothing for the request.
	NoData
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case RateLimited:
		return "rate_limited"
	case NoData:
		return "no_data"
	default:
		return "transient"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     Kind
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Terminal reports whether the provider should not be retried for the rest
// of the resolution.
func (e *Error) Terminal() bool {
	return e.Kind == Forbidden || e.Kind == RateLimited
}

// Errorf builds a classified error.
func Errorf(provider string, kind Kind, format string, args ...any) *Error {
	return &Error{Provider: provider, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause; an existing *Error is returned unchanged.
func Wrap(provider string, kind Kind, cause error) *Error {
	var pe *Error
	if errors.As(cause, &pe) {
		return pe
	}
	return &Error{Provider: provider, Kind: kind, Cause: cause}
}

// KindOf classifies any error. Timeouts, network and decode failures that
// were not already classified are Transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Transient
}

// IsTerminal reports whether err ends attempts against its provider.
func IsTerminal(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Terminal()
}

// StatusKind maps an HTTP status to a failure kind. ok is true for 2xx.
func StatusKind(status int) (kind Kind, ok bool) {
	switch {
	case status >= 200 && status < 300:
		return 0, true
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusPaymentRequired:
		return Forbidden, false
	case status == http.StatusTooManyRequests:
		return RateLimited, false
	case status == http.StatusNotFound, status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return NotFound, false
	default:
		return Transient, false
	}
}
