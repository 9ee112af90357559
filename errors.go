package changes

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrInterrupted is returned by Feed.Next once the feed is no longer alive
	// and its queue is drained. It is the only error consumers need to check
	// to detect termination; use Feed.Reason for why the feed stopped.
	ErrInterrupted = errors.New("changes: feed interrupted")

	// ErrDatabaseNotFound indicates the database does not exist (404).
	ErrDatabaseNotFound = errors.New("changes: database not found")

	// ErrUnauthorized indicates the server rejected the credentials (401, 403).
	ErrUnauthorized = errors.New("changes: unauthorized")

	// ErrBadRequest indicates the server rejected the query parameters (400),
	// for example an unknown filter function.
	ErrBadRequest = errors.New("changes: bad request")
)

// RequestError wraps errors with additional context about the failed request.
type RequestError struct {
	// Op is the operation that failed, e.g. "changes".
	Op string

	// URL is the request URL.
	URL string

	// StatusCode is the HTTP status code, if available.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("changes: %s %s failed with status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("changes: %s %s failed: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RequestError) Unwrap() error {
	return e.Err
}

func newRequestError(op, url string, statusCode int, err error) *RequestError {
	return &RequestError{
		Op:         op,
		URL:        url,
		StatusCode: statusCode,
		Err:        err,
	}
}

// errorFromStatus maps HTTP status codes to sentinel errors.
func errorFromStatus(statusCode int) error {
	switch statusCode {
	case 400:
		return ErrBadRequest
	case 401, 403:
		return ErrUnauthorized
	case 404:
		return ErrDatabaseNotFound
	default:
		return fmt.Errorf("unexpected status code: %d", statusCode)
	}
}

// DecodeError reports a change line that could not be decoded.
// A decode error is fatal to the feed that read the line.
type DecodeError struct {
	// Line is the offending line, truncated for logging.
	Line string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("changes: cannot decode line %q: %v", e.Line, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

const maxDecodeErrorLine = 256

func newDecodeError(line []byte, err error) *DecodeError {
	s := string(line)
	if len(s) > maxDecodeErrorLine {
		s = s[:maxDecodeErrorLine] + "..."
	}
	return &DecodeError{Line: s, Err: err}
}
