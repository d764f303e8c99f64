package delivery

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted wraps the last failure once the retry budget is spent.
var ErrRetriesExhausted = errors.New("delivery: retries exhausted")

// TransientNetworkError is a failure below HTTP: refused or reset
// connections, DNS failures, timeouts. It is retried.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// ServerError is a 5xx reply. It is retried.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error %d: %s", e.Op, e.StatusCode, e.Message)
}

// ClientError is a 4xx reply. The server was reachable, so it is returned
// immediately and counts as a successful exchange for health.
type ClientError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: request rejected with %d: %s", e.Op, e.StatusCode, e.Message)
}

// RejectedError is a well-formed reply with success set to false.
type RejectedError struct {
	Op      string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: service reported failure", e.Op)
	}
	return fmt.Sprintf("%s: service reported failure: %s", e.Op, e.Message)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var netErr *TransientNetworkError
	var srvErr *ServerError
	return errors.As(err, &netErr) || errors.As(err, &srvErr)
}
