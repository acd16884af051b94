package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for remote store operations. HTTP failures are reported as
// *StatusError, which matches the sentinel for its status class.
var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("remote document not found")

	// ErrUnauthorized indicates the token was missing or rejected.
	ErrUnauthorized = errors.New("remote store rejected credentials")

	// ErrUnavailable indicates the remote store could not be reached or is
	// temporarily failing.
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrRejected indicates the remote store refused the request as invalid.
	ErrRejected = errors.New("remote store rejected request")
)

// StatusError is a non-2xx response from the remote store.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote store returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("remote store returned %d: %s", e.Code, e.Message)
}

// Is maps the status code onto the sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrUnavailable:
		return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
	case ErrRejected:
		return e.Code >= 400 && e.Code < 500 &&
			e.Code != http.StatusNotFound &&
			e.Code != http.StatusUnauthorized &&
			e.Code != http.StatusForbidden &&
			e.Code != http.StatusTooManyRequests &&
			e.Code != http.StatusRequestTimeout
	}
	return false
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is likely transient. Queue replay retries
// every failure; this only decides how failures are logged.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
