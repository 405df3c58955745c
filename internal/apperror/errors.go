// Package apperror classifies failures raised by remote calls into a small,
// stable taxonomy. Every other package consults it to decide retryability,
// breaker accounting and the message shown to end users.
package apperror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

type Kind string

const (
	KindNetwork       Kind = "NETWORK_ERROR"
	KindTimeout       Kind = "TIMEOUT"
	KindUpstream      Kind = "UPSTREAM_ERROR"
	KindValidation    Kind = "INVALID_INPUT"
	KindAuthorization Kind = "UNAUTHORIZED"
	KindNotFound      Kind = "NOT_FOUND"
	KindParse         Kind = "MALFORMED_RESPONSE"
	KindCircuitOpen   Kind = "CIRCUIT_OPEN"
	KindCancelled     Kind = "CANCELLED"
	KindUnknown       Kind = "INTERNAL_ERROR"
)

// Retryable reports whether a failure of this kind may succeed when repeated.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindUpstream:
		return true
	default:
		return false
	}
}

type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that raised it and
// StatusCode carries the upstream HTTP status when there was one.
type Error struct {
	Kind       Kind
	Severity   Severity
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// UserMessage is the text safe to surface to an end user.
func (e *Error) UserMessage() string {
	if e == nil {
		return ""
	}
	return userMessages[e.Kind]
}

var userMessages = map[Kind]string{
	KindNetwork:       "We couldn't reach the assistant. Check your connection and try again.",
	KindTimeout:       "The assistant is taking too long to respond. Please try again.",
	KindUpstream:      "The assistant is temporarily unavailable. Please try again shortly.",
	KindValidation:    "That request couldn't be processed. Please rephrase and try again.",
	KindAuthorization: "The assistant rejected our credentials.",
	KindNotFound:      "The requested resource could not be found.",
	KindParse:         "The assistant returned an unexpected response.",
	KindCircuitOpen:   "The assistant is recovering from errors. Please wait a minute and try again.",
	KindCancelled:     "The request was cancelled.",
	KindUnknown:       "Something went wrong. Please try again.",
}

var severities = map[Kind]Severity{
	KindNetwork:       SeverityMedium,
	KindTimeout:       SeverityMedium,
	KindUpstream:      SeverityHigh,
	KindValidation:    SeverityLow,
	KindAuthorization: SeverityHigh,
	KindNotFound:      SeverityLow,
	KindParse:         SeverityMedium,
	KindCircuitOpen:   SeverityHigh,
	KindCancelled:     SeverityLow,
	KindUnknown:       SeverityCritical,
}

// New builds a classified error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Severity:  severities[kind],
		Op:        op,
		Retryable: kind.Retryable(),
		Err:       err,
	}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Classify maps err to a classified *Error. Errors that are already
// classified are returned as is, so classification is idempotent.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	kind, status := kindOf(err)
	e := New(kind, "", err)
	e.StatusCode = status
	return e
}

// KindOf returns the classification of err, or "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// IsRetryable reports whether err is worth repeating.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

func kindOf(err error) (Kind, int) {
	if errors.Is(err, context.Canceled) {
		return KindCancelled, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, 0
	}

	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		status := statusErr.HTTPStatusCode()
		return KindForStatus(status), status
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindParse, 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, 0
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindNetwork, 0
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &netErr) {
		return KindNetwork, 0
	}
	return KindUnknown, 0
}

// KindForStatus maps an HTTP status code to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindUpstream
	case status >= 500:
		return KindUpstream
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}
