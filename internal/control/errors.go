package control

import "net/http"

// invalidRequestError rejects a scan request before it is queued.
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string   { return "invalid scan request: " + e.msg }
func (e invalidRequestError) StatusCode() int { return http.StatusBadRequest }

// ErrInvalidRequest constructs an invalidRequestError.
func ErrInvalidRequest(msg string) error { return invalidRequestError{msg: msg} }

// IsInvalidRequest reports whether err rejects a malformed request.
func IsInvalidRequest(err error) bool {
	_, ok := err.(invalidRequestError)
	return ok
}

// unavailableError signals that the worker no longer serves the queue.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string   { return e.msg }
func (e unavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// ErrUnavailable constructs an unavailableError.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err means the scan server is shutting down.
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}
