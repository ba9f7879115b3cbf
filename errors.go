package ipmask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
)

var (
	// ErrNoTargetSpecified is returned when neither the url query parameter,
	// the X-Target-URL header, nor the request path names a target.
	ErrNoTargetSpecified = errors.New("no target URL specified")

	// ErrRateLimitExceeded is returned when a client exceeds its window.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrBlocked is returned when the domain filter rejects the target host.
	ErrBlocked = errors.New("target domain blocked")

	// ErrBodyTooLarge is returned when the request body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrResponseTooLarge is returned when an upstream body exceeds the
	// configured response size.
	ErrResponseTooLarge = errors.New("response body too large")
)

// DispatchError reports a transport-level failure reaching the target or
// the chained upstream proxy: dial errors, TLS verification failures,
// timeouts, and unreadable response bodies.
type DispatchError struct {
	// Target is the URL the dispatcher attempted to reach.
	Target string

	// Endpoint is the identifier of the chain endpoint used, if any.
	Endpoint string

	// Transport is set when the failure happened on the wire: dialing,
	// the proxy handshake, or the exchange itself. Only these failures
	// count against a chain endpoint.
	Transport bool

	Err error
}

func (e *DispatchError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("dispatch %s via %s: %v", e.Target, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Target, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by the request timeout.
func (e *DispatchError) Timeout() bool {
	return os.IsTimeout(e.Err) || errors.Is(e.Err, context.DeadlineExceeded)
}

// statusForError maps a pipeline error to the status code returned to the
// client. Anything unrecognised is an internal fault.
func statusForError(err error) int {
	var de *DispatchError
	switch {
	case errors.Is(err, ErrNoTargetSpecified):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &de):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body written for every pipeline failure.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// errorMessage returns the client-facing message for err. Internal faults
// are reported generically so that no internal detail leaks to the caller.
func errorMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest:
		return "No target URL specified"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded"
	case http.StatusForbidden:
		return "Target domain blocked"
	case http.StatusRequestEntityTooLarge:
		return "Request body too large"
	case http.StatusBadGateway:
		return "Request failed: " + SanitizeLogData(err.Error())
	default:
		return "Internal proxy error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:     errorMessage(status, err),
		RequestID: requestID,
	})
}
