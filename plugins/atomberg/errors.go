package atomberg

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrDeviceOffline  = errors.New("device is offline")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrInvalidCommand = errors.New("invalid command")
)

func invalidCommand(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}

// APIError is a well-formed response whose envelope status is not Success.
type APIError struct {
	Endpoint string
	Status   string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("atomberg %s: status %q: %s", e.Endpoint, e.Status, e.Message)
}

// HTTPStatusError is a non-2xx response.
type HTTPStatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *HTTPStatusError) Error() string {
	if cause := StatusCause(e.Status); cause != "" {
		return fmt.Sprintf("atomberg %s: http %d: %s", e.Endpoint, e.Status, cause)
	}
	return fmt.Sprintf("atomberg %s: http %d: %s", e.Endpoint, e.Status, strings.TrimSpace(e.Body))
}

// Unauthorized reports a rejected credential.
func (e *HTTPStatusError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// TransportError covers requests that got no usable response.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("atomberg %s: %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a malformed broadcast or response body.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var statusCauses = map[int]string{
	http.StatusBadRequest:          "bad request, check the command parameters",
	http.StatusUnauthorized:        "access token rejected, re-login scheduled",
	http.StatusForbidden:           "forbidden, check the API key and developer access",
	http.StatusNotFound:            "not found, the device may have been removed from the account",
	http.StatusTooManyRequests:     "rate limit exceeded, slow down polling",
	http.StatusInternalServerError: "vendor internal error",
	http.StatusBadGateway:          "vendor gateway error",
	http.StatusServiceUnavailable:  "vendor service unavailable",
	http.StatusGatewayTimeout:      "vendor gateway timeout",
}

// StatusCause returns the human-readable cause for known status codes.
func StatusCause(status int) string {
	return statusCauses[status]
}
