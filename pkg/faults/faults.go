// Package faults is the error taxonomy shared by the webhook, backfill and dependency paths.
package faults

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	// KindAuthenticationRejected is a webhook that failed verification. It is answered with a 401, never raised.
	KindAuthenticationRejected Kind = "authentication_rejected"
	// KindRetryableTransport covers timeouts and 5xx responses from a source API.
	KindRetryableTransport Kind = "retryable_transport"
	// KindFatalTransport covers 4xx responses from a source API; they are not retried.
	KindFatalTransport Kind = "fatal_transport"
	// KindInvalidPostcondition is a configuration-integrity violation, e.g. no ancestor owns credentials.
	KindInvalidPostcondition Kind = "invalid_postcondition"
	// KindMalformedPayload is a webhook body that could not be parsed.
	KindMalformedPayload Kind = "malformed_payload"
)

// Error is a classified failure. StatusCode is the upstream HTTP status when one was received.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, status int, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, StatusCode: status, Message: fmt.Sprintf(format, args...), Err: err}
}

func AuthenticationRejected(format string, args ...any) *Error {
	return newError(KindAuthenticationRejected, http.StatusUnauthorized, nil, format, args...)
}

// RetryableTransport wraps a transient failure. status is 0 for network errors.
func RetryableTransport(status int, err error, format string, args ...any) *Error {
	return newError(KindRetryableTransport, status, err, format, args...)
}

func FatalTransport(status int, err error, format string, args ...any) *Error {
	return newError(KindFatalTransport, status, err, format, args...)
}

func InvalidPostcondition(format string, args ...any) *Error {
	return newError(KindInvalidPostcondition, 0, nil, format, args...)
}

func MalformedPayload(err error, format string, args ...any) *Error {
	return newError(KindMalformedPayload, 0, err, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the job system should run the unit of work again.
// Only transport failures qualify; precondition violations never do.
func IsRetryable(err error) bool {
	return IsKind(err, KindRetryableTransport)
}

// ToHTTPError converts err to the httperror shape rendered by the API error handler.
// Errors that already carry an HTTP status are returned unchanged.
func ToHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) {
		return err
	}

	var fe *Error
	if !errors.As(err, &fe) {
		return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	switch fe.Kind {
	case KindAuthenticationRejected:
		return httperror.NewHTTPError(http.StatusUnauthorized, fe.Message)
	case KindMalformedPayload:
		return httperror.NewHTTPError(http.StatusBadRequest, fe.Message)
	case KindInvalidPostcondition:
		return httperror.NewHTTPError(http.StatusConflict, fe.Message)
	case KindFatalTransport:
		// the source rejected our request; surface it as a gateway failure rather than the source's own 4xx
		return httperror.NewHTTPError(http.StatusBadGateway, fe.Error())
	default:
		status := http.StatusBadGateway
		if fe.StatusCode == http.StatusGatewayTimeout || fe.StatusCode == 0 {
			status = http.StatusGatewayTimeout
		}
		return httperror.NewHTTPError(status, fe.Error())
	}
}
