package gateway

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend returned status %d", e.Op, e.StatusCode)
}

// NetworkError wraps a transport failure talking to the backend.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is returned when a backend payload fails decoding or
// validation.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid response: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: invalid response: %s: %s", e.Op, e.Field, e.Reason)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return stderrors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return stderrors.As(err, &ne)
}

// IsValidation reports whether err is a parse/validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return stderrors.As(err, &ve)
}

// Kind names the failure class of err for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "not_found"
	case IsNetwork(err):
		return "network"
	case IsValidation(err):
		return "validation"
	default:
		var se *StatusError
		if stderrors.As(err, &se) {
			return "status"
		}
		return "error"
	}
}
