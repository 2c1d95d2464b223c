package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when no record has the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrVideoUnavailable is returned when a post has no downloadable video.
	ErrVideoUnavailable = errors.New("video not available")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RequestError is a request the platform refused, such as retweeting a post
// that was already retweeted. It is not retried.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected (status %d): %s", e.StatusCode, e.Detail)
}

// TransientError wraps a failure that may succeed on retry: connection resets,
// throttling and server errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsRequestRejected reports whether err is a platform rejection.
func IsRequestRejected(err error) bool {
	var rejected *RequestError
	return errors.As(err, &rejected)
}
