// Package bridgeerr defines the error kinds flowing between the browser
// bridge, the client agent, and the request handler in a transport agnostic
// format. Handlers use the Code to pick retry and identity-switch policy.
package bridgeerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes understood by the request handler's retry loop.
const (
	CodeBadRequest         = "bad_request"
	CodeAuthRejected       = "auth_rejected"
	CodeUpstreamStatus     = "upstream_status"
	CodeUpstreamTimeout    = "upstream_timeout"
	CodeBrowserUnavailable = "browser_unavailable"
	CodeBrowserRestarting  = "browser_restarting"
	CodeBrowserClosed      = "browser_closed"
	CodeDisconnected       = "disconnected"
	CodeCanceled           = "canceled"
	CodeFormatError        = "format_error"
	CodeNoIdentity         = "no_identity_available"
	CodeQueueTimeout       = "queue_timeout"
)

// Error describes a bridge related failure.
type Error struct {
	// Code is a short machine readable identifier.
	Code string `json:"code"`
	// Message is a human readable description of the failure.
	Message string `json:"message"`
	// Retryable indicates whether the handler may transparently retry.
	Retryable bool `json:"retryable"`
	// HTTPStatus records the status surfaced to the client when retries run out.
	HTTPStatus int `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// StatusCode returns the HTTP-like status associated with the error.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

// New builds an Error with the supplied code, status, and formatted message.
func New(code string, status int, retryable bool, format string, args ...any) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Retryable:  retryable,
		HTTPStatus: status,
	}
}

// BadRequest reports a client-side request problem. Never retried.
func BadRequest(format string, args ...any) *Error {
	return New(CodeBadRequest, http.StatusBadRequest, false, format, args...)
}

// AuthRejected reports an API key mismatch. Never retried.
func AuthRejected(format string, args ...any) *Error {
	return New(CodeAuthRejected, http.StatusUnauthorized, false, format, args...)
}

// UpstreamStatus reports a non-2xx response from AI Studio.
func UpstreamStatus(status int, format string, args ...any) *Error {
	return New(CodeUpstreamStatus, status, true, format, args...)
}

// UpstreamTimeout reports the agent's idle timeout firing.
func UpstreamTimeout(format string, args ...any) *Error {
	return New(CodeUpstreamTimeout, http.StatusGatewayTimeout, true, format, args...)
}

// BrowserUnavailable reports a launch or handshake failure.
func BrowserUnavailable(format string, args ...any) *Error {
	return New(CodeBrowserUnavailable, http.StatusServiceUnavailable, true, format, args...)
}

// BrowserRestarting reports a send attempted while an identity switch is in flight.
func BrowserRestarting() *Error {
	return New(CodeBrowserRestarting, http.StatusServiceUnavailable, true, "browser is restarting")
}

// BrowserClosed reports a queue closed by bridge shutdown.
func BrowserClosed() *Error {
	return New(CodeBrowserClosed, http.StatusServiceUnavailable, false, "browser closed")
}

// Disconnected reports the duplex channel dropping.
func Disconnected(format string, args ...any) *Error {
	return New(CodeDisconnected, http.StatusBadGateway, true, format, args...)
}

// Canceled reports the HTTP client disconnecting.
func Canceled() *Error {
	return New(CodeCanceled, 0, false, "request canceled by client")
}

// FormatError reports a malformed structure in the converter.
func FormatError(format string, args ...any) *Error {
	return New(CodeFormatError, http.StatusBadGateway, false, format, args...)
}

// NoIdentity reports an empty identity registry.
func NoIdentity() *Error {
	return New(CodeNoIdentity, http.StatusServiceUnavailable, false, "no identity available")
}

// QueueTimeout reports a dequeue wait expiring before any upstream event arrived.
func QueueTimeout(format string, args ...any) *Error {
	return New(CodeQueueTimeout, http.StatusGatewayTimeout, true, format, args...)
}

// CodeOf extracts the bridge error code from err, or "" when err carries none.
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsRetryable reports whether the handler loop may retry after err.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// HTTPStatusOf returns the client-facing status for err, defaulting to 502.
func HTTPStatusOf(err error) int {
	var be *Error
	if errors.As(err, &be) && be.HTTPStatus > 0 {
		return be.HTTPStatus
	}
	return http.StatusBadGateway
}
