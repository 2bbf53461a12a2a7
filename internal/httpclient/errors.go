package httpclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPendingRequest is returned when a request is issued while another
	// one on the same client has not finished.
	ErrPendingRequest = errors.New("a request is already in flight")

	// ErrInvalidBaseURL is returned by New for URLs without scheme or host.
	ErrInvalidBaseURL = errors.New("invalid base URL")
)

// HTTPError is returned for responses other than 200 OK.
type HTTPError struct {
	StatusCode int
	Elapsed    time.Duration
	Method     string
	URL        string
	Param      string
	// Body is the beginning of the response body.
	Body string
}

// Error implements error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s (param %q) returned status %d after %s: %s",
		e.Method, e.URL, e.Param, e.StatusCode, e.Elapsed.Round(time.Millisecond), e.Body)
}
